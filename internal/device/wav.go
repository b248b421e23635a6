package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/cumeo/internal/audio"
	"github.com/ent0n29/cumeo/internal/voice"
)

// WAVSource replays a recorded utterance as a microphone. Samples are
// resampled to the capture rate and delivered in period-sized slices, paced
// in real time unless Pace is zero.
type WAVSource struct {
	Samples    []float32
	SampleRate int
	Period     time.Duration
	Pace       float64
	// TrailingSilence is appended after the recording so the remote voice
	// activity detector sees the end of the utterance.
	TrailingSilence time.Duration

	done       chan struct{}
	once       sync.Once
	finishOnce sync.Once
}

func NewWAVSource(path string) (*WAVSource, error) {
	samples, rate, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, fmt.Errorf("load input wav: %w", err)
	}
	return &WAVSource{
		Samples:         samples,
		SampleRate:      rate,
		Period:          periodMS * time.Millisecond,
		Pace:            1,
		TrailingSilence: time.Second,
	}, nil
}

// Done is closed once every sample of the recording has been delivered.
func (w *WAVSource) Done() <-chan struct{} {
	w.once.Do(func() { w.done = make(chan struct{}) })
	return w.done
}

func (w *WAVSource) finish() {
	w.Done()
	w.finishOnce.Do(func() { close(w.done) })
}

func (w *WAVSource) OpenCapture(sampleRate int) (voice.CaptureDevice, error) {
	samples := append([]float32(nil), audio.Resample(w.Samples, w.SampleRate, sampleRate)...)
	if silence := int(w.TrailingSilence.Seconds() * float64(sampleRate)); silence > 0 {
		samples = append(samples, make([]float32, silence)...)
	}
	period := w.Period
	if period <= 0 {
		period = periodMS * time.Millisecond
	}
	step := int(period.Seconds() * float64(sampleRate))
	if step <= 0 {
		step = 1
	}
	return &wavCapture{
		samples: samples,
		step:    step,
		delay:   time.Duration(float64(period) * w.Pace),
		stop:    make(chan struct{}),
		finish:  w.finish,
	}, nil
}

type wavCapture struct {
	samples []float32
	step    int
	delay   time.Duration

	mu       sync.Mutex
	closed   bool
	stop     chan struct{}
	wg       sync.WaitGroup
	finish   func()
	stopOnce sync.Once
}

func (c *wavCapture) Start(sink voice.FrameSink) error {
	c.wg.Add(1)
	go c.run(sink)
	return nil
}

func (c *wavCapture) run(sink voice.FrameSink) {
	defer c.wg.Done()
	var ticker *time.Ticker
	if c.delay > 0 {
		ticker = time.NewTicker(c.delay)
		defer ticker.Stop()
	}
	for off := 0; off < len(c.samples); off += c.step {
		if ticker != nil {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
			}
		}
		end := min(off+c.step, len(c.samples))
		if !c.deliver(sink, c.samples[off:end]) {
			return
		}
	}
	c.finish()
}

func (c *wavCapture) deliver(sink voice.FrameSink, samples []float32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	sink(samples)
	return true
}

func (c *wavCapture) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}
