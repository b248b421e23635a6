package voice

import (
	"math"
	"testing"

	"github.com/ent0n29/cumeo/internal/audio"
)

type manualClock struct{ now float64 }

func (c *manualClock) Now() float64 { return c.now }

func chunkOf(seconds float64) audio.Chunk {
	n := int(math.Round(seconds * audio.OutputSampleRate))
	return audio.Chunk{Samples: make([]float32, n), SampleRate: audio.OutputSampleRate}
}

func TestSchedulerPlacesChunksBackToBack(t *testing.T) {
	clock := &manualClock{now: 2}
	s := NewScheduler(clock)

	durations := []float64{0.5, 0.25, 1}
	want := []float64{2, 2.5, 2.75}
	for i, d := range durations {
		got := s.Schedule(chunkOf(d))
		if math.Abs(got-want[i]) > 1e-9 {
			t.Fatalf("chunk %d start = %v, want %v", i, got, want[i])
		}
	}
	if math.Abs(s.Cursor()-3.75) > 1e-9 {
		t.Fatalf("cursor = %v, want 3.75", s.Cursor())
	}
}

func TestSchedulerNeverStartsInThePast(t *testing.T) {
	clock := &manualClock{now: 0}
	s := NewScheduler(clock)
	s.Schedule(chunkOf(0.5))

	clock.now = 10
	if got := s.Schedule(chunkOf(0.5)); got != 10 {
		t.Fatalf("start after underrun = %v, want 10", got)
	}
	if math.Abs(s.Cursor()-10.5) > 1e-9 {
		t.Fatalf("cursor = %v, want 10.5", s.Cursor())
	}
}

func TestSchedulerEmptyChunkDoesNotAdvance(t *testing.T) {
	clock := &manualClock{now: 1}
	s := NewScheduler(clock)
	start := s.Schedule(audio.Chunk{SampleRate: audio.OutputSampleRate})
	if start != 1 || s.Cursor() != 1 {
		t.Fatalf("start=%v cursor=%v, want 1 and 1", start, s.Cursor())
	}
}
