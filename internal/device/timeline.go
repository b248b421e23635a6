package device

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"
)

var ErrClosed = errors.New("device closed")

// Timeline is a mixing buffer addressed by sample position. Scheduled buffers
// are summed into the output as it is rendered, and the number of rendered
// samples is the audio clock.
type Timeline struct {
	mu       sync.Mutex
	rate     int
	played   int64
	segments []segment
	closed   bool
}

type segment struct {
	start   int64
	samples []float32
}

func (s segment) end() int64 { return s.start + int64(len(s.samples)) }

func NewTimeline(sampleRate int) *Timeline {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Timeline{rate: sampleRate}
}

func (t *Timeline) SampleRate() int { return t.rate }

// Now returns the rendered position in seconds.
func (t *Timeline) Now() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.played) / float64(t.rate)
}

// Play schedules samples at the given clock time. The part of the buffer that
// already lies in the past is skipped.
func (t *Timeline) Play(samples []float32, at float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	start := int64(math.Round(at * float64(t.rate)))
	if start < t.played {
		skip := t.played - start
		if skip >= int64(len(samples)) {
			return nil
		}
		samples = samples[skip:]
		start = t.played
	}
	if len(samples) == 0 {
		return nil
	}
	seg := segment{start: start, samples: append([]float32(nil), samples...)}
	i := sort.Search(len(t.segments), func(i int) bool { return t.segments[i].start > start })
	t.segments = append(t.segments, segment{})
	copy(t.segments[i+1:], t.segments[i:])
	t.segments[i] = seg
	return nil
}

// Render fills out with the next len(out) samples and advances the clock.
func (t *Timeline) Render(out []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mixLocked(out, t.played)
	t.played += int64(len(out))

	kept := t.segments[:0]
	for _, seg := range t.segments {
		if seg.end() > t.played {
			kept = append(kept, seg)
		}
	}
	for i := len(kept); i < len(t.segments); i++ {
		t.segments[i] = segment{}
	}
	t.segments = kept
}

// Pending returns how much scheduled audio has not been rendered yet.
func (t *Timeline) Pending() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var last int64
	for _, seg := range t.segments {
		if e := seg.end(); e > last {
			last = e
		}
	}
	if last <= t.played {
		return 0
	}
	return time.Duration(last-t.played) * time.Second / time.Duration(t.rate)
}

// Mix renders everything from the start of the timeline up to the end of
// the last scheduled buffer without advancing the clock.
func (t *Timeline) Mix() []float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var last int64
	for _, seg := range t.segments {
		if e := seg.end(); e > last {
			last = e
		}
	}
	if last <= t.played {
		return nil
	}
	out := make([]float32, last-t.played)
	t.mixLocked(out, t.played)
	return out
}

func (t *Timeline) mixLocked(out []float32, from int64) {
	for i := range out {
		out[i] = 0
	}
	to := from + int64(len(out))
	for _, seg := range t.segments {
		if seg.start >= to {
			break
		}
		if seg.end() <= from {
			continue
		}
		lo := max(seg.start, from)
		hi := min(seg.end(), to)
		for pos := lo; pos < hi; pos++ {
			out[pos-from] += seg.samples[pos-seg.start]
		}
	}
	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
}

func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.segments = nil
	return nil
}
