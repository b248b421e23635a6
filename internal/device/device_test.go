package device

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/cumeo/internal/audio"
)

func TestTimelineRendersScheduledBuffers(t *testing.T) {
	tl := NewTimeline(10)
	require.NoError(t, tl.Play([]float32{0.1, 0.2, 0.3}, 0.2))
	require.NoError(t, tl.Play([]float32{0.4, 0.5}, 0.5))
	assert.Equal(t, 700*time.Millisecond, tl.Pending())

	out := make([]float32, 4)
	tl.Render(out)
	assert.InDeltaSlice(t, []float32{0, 0, 0.1, 0.2}, out, 1e-6)
	assert.InDelta(t, 0.4, tl.Now(), 1e-9)

	tl.Render(out)
	assert.InDeltaSlice(t, []float32{0.3, 0.4, 0.5, 0}, out, 1e-6)
	assert.Zero(t, tl.Pending())
}

func TestTimelineSkipsPastSamplesAndClamps(t *testing.T) {
	tl := NewTimeline(10)
	tl.Render(make([]float32, 5))

	require.NoError(t, tl.Play([]float32{0.9, 0.9, 0.9, 0.9}, 0.3))
	require.NoError(t, tl.Play([]float32{0.9}, 0.5))
	require.NoError(t, tl.Play([]float32{1}, 0.0))

	out := make([]float32, 3)
	tl.Render(out)
	assert.InDeltaSlice(t, []float32{1, 0.9, 0}, out, 1e-6)
}

func TestTimelineMixDoesNotAdvance(t *testing.T) {
	tl := NewTimeline(4)
	require.NoError(t, tl.Play([]float32{0.5, 0.5}, 0.5))
	mix := tl.Mix()
	assert.InDeltaSlice(t, []float32{0, 0, 0.5, 0.5}, mix, 1e-6)
	assert.Zero(t, tl.Now())

	require.NoError(t, tl.Close())
	assert.True(t, errors.Is(tl.Play([]float32{1}, 0), ErrClosed))
}

func TestRecorderKeepsGapsBetweenTurns(t *testing.T) {
	now := time.Unix(100, 0)
	rec := NewRecorder()
	rec.now = func() time.Time { return now }

	dev, err := rec.OpenPlayback(4)
	require.NoError(t, err)
	assert.Zero(t, dev.Now())

	require.NoError(t, dev.Play([]float32{0.25}, dev.Now()))
	now = now.Add(time.Second)
	require.NoError(t, dev.Play([]float32{0.5}, dev.Now()))
	require.NoError(t, dev.Close())

	samples, rate := rec.Samples()
	assert.Equal(t, 4, rate)
	assert.InDeltaSlice(t, []float32{0.25, 0, 0, 0, 0.5}, samples, 1e-6)

	path := filepath.Join(t.TempDir(), "out.wav")
	require.NoError(t, rec.WriteWAV(path))
	got, gotRate, err := audio.ReadWAVFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, gotRate)
	assert.Len(t, got, 5)
}

func TestWAVSourceDeliversWholeRecording(t *testing.T) {
	src := &WAVSource{
		Samples:         make([]float32, 8000),
		SampleRate:      8000,
		Period:          20 * time.Millisecond,
		TrailingSilence: 100 * time.Millisecond,
	}
	capDev, err := src.OpenCapture(16000)
	require.NoError(t, err)

	var mu sync.Mutex
	total := 0
	require.NoError(t, capDev.Start(func(samples []float32) {
		mu.Lock()
		total += len(samples)
		mu.Unlock()
	}))

	select {
	case <-src.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("source did not finish")
	}
	require.NoError(t, capDev.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 16000+1600, total)
}

func TestWAVSourceFinishIsIdempotent(t *testing.T) {
	src := &WAVSource{}
	src.finish()
	src.finish()

	select {
	case <-src.Done():
	default:
		t.Fatalf("done channel not closed after finish")
	}
}

func TestWAVSourceCloseStopsDelivery(t *testing.T) {
	src := &WAVSource{
		Samples:    make([]float32, 16000*10),
		SampleRate: 16000,
		Period:     20 * time.Millisecond,
		Pace:       1,
	}
	capDev, err := src.OpenCapture(16000)
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	require.NoError(t, capDev.Start(func([]float32) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	time.Sleep(70 * time.Millisecond)
	require.NoError(t, capDev.Close())

	mu.Lock()
	after := calls
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, calls)
	assert.Less(t, calls, 500)
}

func TestIORequiresBothSides(t *testing.T) {
	d := IO{Playback: NewRecorder()}
	_, err := d.OpenCapture(16000)
	assert.Error(t, err)
	_, err = d.OpenPlayback(24000)
	assert.NoError(t, err)
}
