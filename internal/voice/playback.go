package voice

import (
	"sync"

	"github.com/ent0n29/cumeo/internal/audio"
)

// Clock reports audio time in seconds.
type Clock interface {
	Now() float64
}

// Scheduler places inbound chunks back to back on an audio clock. Each chunk
// starts at max(cursor, now) and the cursor only moves forward.
type Scheduler struct {
	mu     sync.Mutex
	clock  Clock
	cursor float64
}

func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{clock: clock}
}

// Schedule reserves the next slot for a chunk and returns its start time.
func (s *Scheduler) Schedule(chunk audio.Chunk) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.cursor
	if now := s.clock.Now(); now > start {
		start = now
	}
	s.cursor = start + chunk.Duration()
	return start
}

// Cursor returns the time at which the next chunk would start if the clock
// has not overtaken it.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
