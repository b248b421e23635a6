package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/ent0n29/cumeo/internal/audio"
	"github.com/ent0n29/cumeo/internal/voice"
)

const periodMS = 20

// Malgo opens the default microphone and speaker through miniaudio.
type Malgo struct {
	ctx    *malgo.AllocatedContext
	logger *slog.Logger
}

func NewMalgo(logger *slog.Logger) (*Malgo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Malgo{ctx: ctx, logger: logger.With("component", "malgo")}, nil
}

func (m *Malgo) OpenCapture(sampleRate int) (voice.CaptureDevice, error) {
	c := &malgoCapture{}
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = periodMS

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: c.onData})
	if err != nil {
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	c.device = dev
	m.logger.Debug("capture device ready", "sample_rate", sampleRate)
	return c, nil
}

func (m *Malgo) OpenPlayback(sampleRate int) (voice.PlaybackDevice, error) {
	p := &malgoPlayback{timeline: NewTimeline(sampleRate)}
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = periodMS

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: p.onData})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start speaker: %w", err)
	}
	p.device = dev
	m.logger.Debug("playback device ready", "sample_rate", sampleRate)
	return p, nil
}

// Close releases the audio context. Devices must be closed first.
func (m *Malgo) Close() error {
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	return err
}

type malgoCapture struct {
	device *malgo.Device

	mu     sync.Mutex
	sink   voice.FrameSink
	buf    []float32
	closed bool
}

func (c *malgoCapture) Start(sink voice.FrameSink) error {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("start microphone: %w", err)
	}
	return nil
}

func (c *malgoCapture) onData(_, input []byte, frames uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sink == nil {
		return
	}
	n := min(int(frames), len(input)/2)
	if cap(c.buf) < n {
		c.buf = make([]float32, n)
	}
	c.buf = c.buf[:n]
	for i := range c.buf {
		c.buf[i] = audio.PCM16ToFloat(int16(binary.LittleEndian.Uint16(input[2*i:])))
	}
	c.sink(c.buf)
}

func (c *malgoCapture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.device.Stop()
	c.device.Uninit()
	return err
}

type malgoPlayback struct {
	device   *malgo.Device
	timeline *Timeline

	mu     sync.Mutex
	buf    []float32
	closed bool
}

func (p *malgoPlayback) Now() float64 { return p.timeline.Now() }

func (p *malgoPlayback) Play(samples []float32, at float64) error {
	return p.timeline.Play(samples, at)
}

func (p *malgoPlayback) onData(output, _ []byte, frames uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(int(frames), len(output)/2)
	if p.closed {
		clear(output)
		return
	}
	if cap(p.buf) < n {
		p.buf = make([]float32, n)
	}
	p.buf = p.buf[:n]
	p.timeline.Render(p.buf)
	for i, s := range p.buf {
		binary.LittleEndian.PutUint16(output[2*i:], uint16(audio.FloatToPCM16(s)))
	}
}

func (p *malgoPlayback) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.device.Stop()
	p.device.Uninit()
	_ = p.timeline.Close()
	return err
}
