package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/cumeo/internal/audio"
	"github.com/ent0n29/cumeo/internal/observability"
	"github.com/ent0n29/cumeo/internal/policy"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrSessionOpen       = errors.New("live session failed to open")
	ErrAlreadyActive     = errors.New("live client already connecting or connected")
	ErrConnectAborted    = errors.New("connect aborted by disconnect")
	ErrNoTransport       = errors.New("live transport not configured")
)

type BackpressureMode string

const (
	// BackpressureDrop discards the oldest pending frame when the send queue is full.
	BackpressureDrop BackpressureMode = "drop"
	// BackpressureBlock makes capture wait up to BlockTimeout for queue space.
	BackpressureBlock BackpressureMode = "block"
)

type Config struct {
	Session   SessionConfig
	Transport Transport
	Audio     AudioIO

	FrameSamples int
	SendQueue    int
	Backpressure BackpressureMode
	BlockTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics

	// OnTurnEvent receives turn_complete and interrupted events when set.
	OnTurnEvent func(ServerEventType)
}

// Stats are cumulative counters over the client's lifetime.
type Stats struct {
	FramesCaptured  uint64 `json:"frames_captured"`
	FramesSent      uint64 `json:"frames_sent"`
	FramesDropped   uint64 `json:"frames_dropped"`
	SendErrors      uint64 `json:"send_errors"`
	ChunksScheduled uint64 `json:"chunks_scheduled"`
	ChunkErrors     uint64 `json:"chunk_errors"`
	TranscriptItems uint64 `json:"transcript_items"`
}

type clientStats struct {
	framesCaptured  atomic.Uint64
	framesSent      atomic.Uint64
	framesDropped   atomic.Uint64
	sendErrors      atomic.Uint64
	chunksScheduled atomic.Uint64
	chunkErrors     atomic.Uint64
	transcriptItems atomic.Uint64
}

// Client runs one realtime voice session at a time: microphone frames go up,
// model speech is scheduled for gapless playback, and transcript fragments and
// connection status are reported through the callbacks given to NewClient.
type Client struct {
	cfg          Config
	onTranscript func(text string, isModel bool)
	onStatus     func(connected bool)
	logger       *slog.Logger
	metrics      *observability.Metrics
	stats        clientStats

	mu    sync.Mutex
	state State
	run   *liveRun
	// last is the most recent run, kept so Disconnect can wait out a teardown
	// started by a remote close.
	last *liveRun
}

func NewClient(cfg Config, onTranscriptUpdate func(text string, isModel bool), onStatusChange func(connected bool)) *Client {
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = audio.FrameSamples
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 32
	}
	if cfg.Backpressure == "" {
		cfg.Backpressure = BackpressureDrop
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 120 * time.Millisecond
	}
	if cfg.Session.InputSampleRate <= 0 {
		cfg.Session.InputSampleRate = audio.InputSampleRate
	}
	if cfg.Session.OutputSampleRate <= 0 {
		cfg.Session.OutputSampleRate = audio.OutputSampleRate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if onTranscriptUpdate == nil {
		onTranscriptUpdate = func(string, bool) {}
	}
	if onStatusChange == nil {
		onStatusChange = func(bool) {}
	}
	return &Client{
		cfg:          cfg,
		onTranscript: onTranscriptUpdate,
		onStatus:     onStatusChange,
		logger:       logger.With("component", "live_client"),
		metrics:      cfg.Metrics,
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Stats() Stats {
	return Stats{
		FramesCaptured:  c.stats.framesCaptured.Load(),
		FramesSent:      c.stats.framesSent.Load(),
		FramesDropped:   c.stats.framesDropped.Load(),
		SendErrors:      c.stats.sendErrors.Load(),
		ChunksScheduled: c.stats.chunksScheduled.Load(),
		ChunkErrors:     c.stats.chunkErrors.Load(),
		TranscriptItems: c.stats.transcriptItems.Load(),
	}
}

// Connect acquires the audio devices and opens the live session. It blocks
// until the remote side acknowledges the session or ctx is done. On failure
// every acquired resource is released and the client is Disconnected again.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Transport == nil {
		return ErrNoTransport
	}
	if c.cfg.Audio == nil {
		return fmt.Errorf("%w: no audio io configured", ErrDeviceUnavailable)
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	run := newLiveRun(c)
	c.run = run
	c.last = run
	c.state = StateConnecting
	c.mu.Unlock()

	started := time.Now()
	if err := run.acquireDevices(); err != nil {
		if !c.teardown(run, "device_error") {
			return ErrConnectAborted
		}
		c.logger.Warn("audio device unavailable", "error", err)
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	dialCtx, dialCancel := context.WithCancel(ctx)
	stopDial := context.AfterFunc(run.ctx, dialCancel)
	session, err := c.cfg.Transport.Open(dialCtx, c.cfg.Session)
	stopDial()
	dialCancel()
	if err != nil {
		if !c.teardown(run, "open_error") {
			return ErrConnectAborted
		}
		c.logger.Warn("live session open failed", "transport", c.cfg.Transport.Name(), "error", policy.Redact(err.Error()))
		return fmt.Errorf("%w: %w", ErrSessionOpen, err)
	}

	c.mu.Lock()
	if c.run != run {
		c.mu.Unlock()
		_ = session.Close()
		return ErrConnectAborted
	}
	run.setSession(session)
	c.state = StateConnected
	c.mu.Unlock()

	latency := time.Since(started)
	run.openedAt = time.Now()
	c.metrics.ObserveConnectLatency(latency)
	c.logger.Info("live session open",
		"transport", c.cfg.Transport.Name(),
		"model", c.cfg.Session.Model,
		"latency_ms", latency.Milliseconds(),
	)
	c.emitStatus(true)

	c.mu.Lock()
	run.announced = true
	torn := run.torn
	if !torn {
		go run.sendLoop()
		go run.receiveLoop()
	}
	c.mu.Unlock()

	if torn {
		c.emitStatus(false)
	}
	return nil
}

// Disconnect stops capture and closes the session and playback. It is safe to
// call at any time and any number of times. Once it returns no further frame
// is written to the session.
func (c *Client) Disconnect() {
	c.mu.Lock()
	run, last := c.run, c.last
	c.mu.Unlock()
	if run != nil {
		c.teardown(run, "disconnect")
		return
	}
	if last != nil {
		last.shutdown()
	}
}

// teardown releases run if it is still the active one and reports whether it
// was. The disconnected status is emitted only for runs that announced
// connected, so each transition is reported exactly once.
func (c *Client) teardown(run *liveRun, reason string) bool {
	c.mu.Lock()
	if c.run != run {
		c.mu.Unlock()
		return false
	}
	c.run = nil
	c.state = StateDisconnected
	run.torn = true
	announced := run.announced
	c.mu.Unlock()

	run.shutdown()
	if announced {
		c.logger.Info("live session closed", "reason", reason)
		c.emitStatus(false)
	}
	return true
}

func (c *Client) emitStatus(connected bool) {
	c.metrics.ObserveStatus(connected)
	c.onStatus(connected)
}

// liveRun owns the resources of a single Connect attempt.
type liveRun struct {
	client *Client
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	capture  CaptureDevice
	playback PlaybackDevice
	session  LiveSession

	scheduler   *Scheduler
	transcripts *Assembler

	captureMu sync.Mutex
	framer    *audio.Framer
	seq       int

	frames chan audio.Frame
	closed atomic.Bool
	sendMu sync.Mutex

	openedAt   time.Time
	firstAudio atomic.Bool

	// guarded by client.mu
	announced bool
	torn      bool

	shutdownOnce sync.Once
}

func newLiveRun(c *Client) *liveRun {
	ctx, cancel := context.WithCancel(context.Background())
	return &liveRun{
		client:      c,
		ctx:         ctx,
		cancel:      cancel,
		transcripts: NewAssembler(),
		framer:      audio.NewFramer(c.cfg.FrameSamples),
		frames:      make(chan audio.Frame, c.cfg.SendQueue),
	}
}

func (r *liveRun) acquireDevices() error {
	cfg := r.client.cfg
	capture, err := cfg.Audio.OpenCapture(cfg.Session.InputSampleRate)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	if !r.attach(func() { r.capture = capture }) {
		_ = capture.Close()
		return ErrConnectAborted
	}

	playback, err := cfg.Audio.OpenPlayback(cfg.Session.OutputSampleRate)
	if err != nil {
		return fmt.Errorf("open playback: %w", err)
	}
	if !r.attach(func() { r.playback = playback }) {
		_ = playback.Close()
		return ErrConnectAborted
	}
	r.scheduler = NewScheduler(playback)

	// Frames captured before the session opens wait in the send queue.
	if err := capture.Start(r.onCapture); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	return nil
}

// attach stores a resource unless the run was already shut down.
func (r *liveRun) attach(set func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return false
	}
	set()
	return true
}

func (r *liveRun) setSession(s LiveSession) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
}

func (r *liveRun) shutdown() {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.closed.Store(true)
		capture, playback, session := r.capture, r.playback, r.session
		r.mu.Unlock()

		r.cancel()
		if capture != nil {
			_ = capture.Close()
		}
		if session != nil {
			_ = session.Close()
		}
		// Wait out an in-flight send.
		r.sendMu.Lock()
		r.sendMu.Unlock()
		if playback != nil {
			_ = playback.Close()
		}
	})
}

func (r *liveRun) onCapture(samples []float32) {
	if r.closed.Load() {
		return
	}
	r.captureMu.Lock()
	defer r.captureMu.Unlock()
	rate := r.client.cfg.Session.InputSampleRate
	r.framer.Push(samples, func(frame []float32) {
		r.seq++
		r.enqueue(audio.EncodeFrame(r.seq, frame, rate))
	})
}

func (r *liveRun) enqueue(frame audio.Frame) {
	c := r.client
	c.stats.framesCaptured.Add(1)
	select {
	case r.frames <- frame:
		return
	default:
	}

	if c.cfg.Backpressure == BackpressureBlock {
		timer := time.NewTimer(c.cfg.BlockTimeout)
		defer timer.Stop()
		select {
		case r.frames <- frame:
		case <-r.ctx.Done():
		case <-timer.C:
			r.dropFrame("timeout")
		}
		return
	}

	select {
	case <-r.frames:
		r.dropFrame("dropped_oldest")
	default:
	}
	select {
	case r.frames <- frame:
	default:
		r.dropFrame("dropped")
	}
}

func (r *liveRun) dropFrame(result string) {
	r.client.stats.framesDropped.Add(1)
	r.client.metrics.ObserveFrame(result)
}

func (r *liveRun) sendLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case frame := <-r.frames:
			r.send(frame)
		}
	}
}

func (r *liveRun) send(frame audio.Frame) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.closed.Load() {
		return
	}
	c := r.client
	if err := r.session.SendAudio(r.ctx, frame); err != nil {
		c.stats.sendErrors.Add(1)
		c.metrics.ObserveFrame("send_error")
		c.logger.Debug("frame send failed", "seq", frame.Seq, "error", err)
		return
	}
	c.stats.framesSent.Add(1)
	c.metrics.ObserveFrame("sent")
}

func (r *liveRun) receiveLoop() {
	events := r.session.Events()
	for {
		select {
		case <-r.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				r.client.teardown(r, "remote_closed")
				return
			}
			if r.closed.Load() {
				return
			}
			r.client.metrics.ObserveServerEvent(string(evt.Type))
			if evt.Type == EventError {
				r.client.logger.Warn("live session error",
					"code", evt.Code,
					"detail", policy.Redact(evt.Detail),
					"retryable", evt.Retryable,
				)
				r.client.teardown(r, "remote_error")
				return
			}
			r.handle(evt)
		}
	}
}

func (r *liveRun) handle(evt ServerEvent) {
	c := r.client
	switch evt.Type {
	case EventAudio:
		r.play(evt)
	case EventInputTranscript:
		r.emitTranscript(evt.Text, false)
	case EventModelText, EventOutputTranscript:
		r.emitTranscript(evt.Text, true)
	case EventTurnComplete, EventInterrupted:
		if evt.Type == EventInterrupted {
			c.logger.Debug("model turn interrupted")
		}
		if c.cfg.OnTurnEvent != nil {
			c.cfg.OnTurnEvent(evt.Type)
		}
	case EventGoAway:
		c.logger.Warn("live session going away", "detail", evt.Detail)
	}
}

func (r *liveRun) play(evt ServerEvent) {
	c := r.client
	rate := sampleRateFromMIME(evt.MIMEType, c.cfg.Session.OutputSampleRate)
	chunk, err := audio.DecodeChunk(evt.AudioBase64, rate)
	if err != nil {
		c.stats.chunkErrors.Add(1)
		c.metrics.ObserveChunk("decode_error")
		c.logger.Debug("audio chunk decode failed", "error", err)
		return
	}
	if len(chunk.Samples) == 0 {
		return
	}
	// The cursor runs at the device rate.
	if deviceRate := c.cfg.Session.OutputSampleRate; chunk.SampleRate != deviceRate {
		chunk = audio.Chunk{
			Samples:    audio.Resample(chunk.Samples, chunk.SampleRate, deviceRate),
			SampleRate: deviceRate,
		}
	}
	if r.firstAudio.CompareAndSwap(false, true) {
		c.metrics.ObserveFirstAudioLatency(time.Since(r.openedAt))
	}
	start := r.scheduler.Schedule(chunk)
	if err := r.playback.Play(chunk.Samples, start); err != nil {
		c.stats.chunkErrors.Add(1)
		c.metrics.ObserveChunk("play_error")
		return
	}
	c.stats.chunksScheduled.Add(1)
	c.metrics.ObserveChunk("scheduled")
}

func (r *liveRun) emitTranscript(text string, isModel bool) {
	item, ok := r.transcripts.Add(text, isModel)
	if !ok || r.closed.Load() {
		return
	}
	c := r.client
	c.stats.transcriptItems.Add(1)
	c.metrics.ObserveTranscript(item.IsModel)
	c.onTranscript(item.Text, item.IsModel)
}

// sampleRateFromMIME reads the rate parameter of "audio/pcm;rate=24000".
func sampleRateFromMIME(mime string, fallback int) int {
	for _, param := range strings.Split(mime, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(key, "rate") {
			continue
		}
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
