package device

import (
	"sync"
	"time"

	"github.com/ent0n29/cumeo/internal/audio"
	"github.com/ent0n29/cumeo/internal/voice"
)

// Recorder is a playback device that keeps what it is asked to play. Its
// clock is wall time since the device opened, so the recording preserves the
// gaps between model turns.
type Recorder struct {
	mu       sync.Mutex
	timeline *Timeline
	rate     int
	opened   time.Time
	now      func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

func (r *Recorder) OpenPlayback(sampleRate int) (voice.PlaybackDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeline = NewTimeline(sampleRate)
	r.rate = sampleRate
	r.opened = r.now()
	return recorderPlayback{r}, nil
}

// Samples returns the mix of everything played so far.
func (r *Recorder) Samples() ([]float32, int) {
	r.mu.Lock()
	tl, rate := r.timeline, r.rate
	r.mu.Unlock()
	if tl == nil {
		return nil, 0
	}
	return tl.Mix(), rate
}

// WriteWAV stores the recording as 16-bit mono PCM.
func (r *Recorder) WriteWAV(path string) error {
	samples, rate := r.Samples()
	if rate == 0 {
		rate = audio.OutputSampleRate
	}
	return audio.WriteWAVPCM16LEFile(path, audio.EncodePCM16(samples), rate)
}

type recorderPlayback struct{ r *Recorder }

func (p recorderPlayback) Now() float64 {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	return p.r.now().Sub(p.r.opened).Seconds()
}

func (p recorderPlayback) Play(samples []float32, at float64) error {
	p.r.mu.Lock()
	tl := p.r.timeline
	p.r.mu.Unlock()
	return tl.Play(samples, at)
}

// Close keeps the recording readable through Samples.
func (p recorderPlayback) Close() error { return nil }
