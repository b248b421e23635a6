package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ent0n29/cumeo/internal/audio"
	"github.com/ent0n29/cumeo/internal/policy"
	"github.com/ent0n29/cumeo/internal/protocol"
	"github.com/ent0n29/cumeo/internal/session"
	"github.com/ent0n29/cumeo/internal/tutor"
	"github.com/ent0n29/cumeo/internal/voice"
)

const (
	relayReadLimit    = 2 << 20
	relayReadTimeout  = 120 * time.Second
	relayWriteTimeout = 10 * time.Second
	relayOutboundSize = 256
)

var (
	errCaptureClosed  = errors.New("browser capture closed")
	errPlaybackClosed = errors.New("browser playback closed")
	errOutboundFull   = errors.New("outbound queue full")
)

// relay bridges one browser websocket to a voice.Client. The browser is both
// the microphone and the speaker: inbound client_audio_chunk messages feed
// the capture sink and scheduled speech goes back as assistant_audio_chunk.
type relay struct {
	server     *Server
	sessionID  string
	conn       *websocket.Conn
	out        chan any
	transcript *tutor.Transcript
	limiter    *rate.Limiter
	client     *voice.Client
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	capture *browserCapture
}

func newRelay(s *Server, sess *session.Session, conn *websocket.Conn) *relay {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &relay{
		server:     s,
		sessionID:  sess.ID,
		conn:       conn,
		out:        make(chan any, relayOutboundSize),
		transcript: tutor.NewTranscript(s.live.Greeting),
		limiter:    newInboundLimiter(s.live.InboundFPS),
		logger:     s.logger.With("session_id", sess.ID),
		ctx:        ctx,
		cancel:     cancel,
	}
	rl.client = voice.NewClient(voice.Config{
		Session:      liveSessionConfig(s.live.Session, sess),
		Transport:    s.live.Transport,
		Audio:        rl,
		FrameSamples: s.live.FrameSamples,
		SendQueue:    s.live.SendQueue,
		Backpressure: s.live.Backpressure,
		BlockTimeout: s.live.BlockTimeout,
		Logger:       rl.logger,
		Metrics:      s.metrics,
		OnTurnEvent:  rl.onTurnEvent,
	}, rl.onTranscript, rl.onStatus)
	return rl
}

func newInboundLimiter(fps int) *rate.Limiter {
	if fps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(fps), 2*fps)
}

// run serves the connection until the browser leaves, a write fails or the
// relay is closed. The live client is always disconnected on return.
func (rl *relay) run(parent context.Context) error {
	stop := context.AfterFunc(parent, rl.cancel)
	defer stop()
	defer rl.cancel()

	g, gctx := errgroup.WithContext(rl.ctx)
	stopClose := context.AfterFunc(gctx, func() {
		_ = rl.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(time.Second))
		_ = rl.conn.Close()
	})
	defer stopClose()

	for _, item := range rl.transcript.Items() {
		rl.send(rl.transcriptUpdate(item))
	}

	g.Go(func() error { return rl.writeLoop(gctx) })
	g.Go(func() error { return rl.readLoop(gctx, g) })
	err := g.Wait()

	rl.client.Disconnect()
	_ = rl.server.sessions.SetConnected(rl.sessionID, false)
	return err
}

func (rl *relay) close() {
	rl.cancel()
}

func (rl *relay) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-rl.out:
			_ = rl.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
			if err := rl.conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("write %T: %w", msg, err)
			}
			if t, ok := messageTypeOf(msg); ok {
				rl.server.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}
}

func (rl *relay) readLoop(ctx context.Context, g *errgroup.Group) error {
	rl.conn.SetReadLimit(relayReadLimit)
	_ = rl.conn.SetReadDeadline(time.Now().Add(relayReadTimeout))
	rl.conn.SetPongHandler(func(string) error {
		_ = rl.conn.SetReadDeadline(time.Now().Add(relayReadTimeout))
		return nil
	})

	for {
		msgType, data, err := rl.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = rl.conn.SetReadDeadline(time.Now().Add(relayReadTimeout))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			rl.sendError("invalid_client_message", false, err.Error())
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			rl.server.metrics.ObserveWSMessage("inbound", string(t))
		}
		if err := rl.server.sessions.Touch(rl.sessionID); err != nil {
			rl.sendError("session_ended", false, err.Error())
			return err
		}

		switch m := parsed.(type) {
		case protocol.ClientAudioChunk:
			if m.SessionID != rl.sessionID {
				rl.sendError("session_mismatch", false, "audio chunk for another session")
				continue
			}
			if !rl.limiter.Allow() {
				rl.server.metrics.ObserveWSMessage("throttled", string(m.Type))
				continue
			}
			rl.pushAudio(m)
		case protocol.ClientControl:
			if m.SessionID != rl.sessionID {
				rl.sendError("session_mismatch", false, "control for another session")
				continue
			}
			switch m.Action {
			case protocol.ActionStart:
				// Connect blocks until the model acknowledges the setup; audio
				// read meanwhile waits in the client's send queue.
				g.Go(func() error {
					rl.connect(ctx)
					return nil
				})
			case protocol.ActionStop:
				rl.client.Disconnect()
			}
		}
	}
}

func (rl *relay) connect(ctx context.Context) {
	err := rl.client.Connect(ctx)
	switch {
	case err == nil, errors.Is(err, voice.ErrConnectAborted):
	case errors.Is(err, voice.ErrAlreadyActive):
		rl.sendError("already_active", false, err.Error())
	case errors.Is(err, voice.ErrSessionOpen):
		rl.sendError("session_open_failed", true, err.Error())
	case errors.Is(err, voice.ErrDeviceUnavailable):
		rl.sendError("device_unavailable", false, err.Error())
	default:
		rl.sendError("connect_failed", false, err.Error())
	}
}

func (rl *relay) pushAudio(m protocol.ClientAudioChunk) {
	pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
	if err != nil {
		rl.sendError("invalid_audio", false, err.Error())
		return
	}
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		rl.sendError("invalid_audio", false, err.Error())
		return
	}

	rl.mu.Lock()
	capture := rl.capture
	rl.mu.Unlock()
	if capture == nil {
		return
	}
	capture.push(samples, m.SampleRate)
}

// send queues msg for the writer without blocking. Messages are dropped when
// the browser cannot keep up.
func (rl *relay) send(msg any) bool {
	if rl.ctx.Err() != nil {
		return false
	}
	select {
	case rl.out <- msg:
		return true
	default:
		if t, ok := messageTypeOf(msg); ok {
			rl.server.metrics.ObserveWSMessage("dropped", string(t))
		}
		return false
	}
}

func (rl *relay) sendError(code string, retryable bool, detail string) {
	rl.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: rl.sessionID,
		Code:      code,
		Source:    "relay",
		Retryable: retryable,
		Detail:    policy.Redact(detail),
	})
}

func (rl *relay) onStatus(connected bool) {
	_ = rl.server.sessions.SetConnected(rl.sessionID, connected)
	rl.send(protocol.StatusEvent{
		Type:      protocol.TypeStatusEvent,
		SessionID: rl.sessionID,
		Connected: connected,
		Transport: rl.server.transportName(),
	})
}

func (rl *relay) onTranscript(text string, isModel bool) {
	item, ok := rl.transcript.Add(text, isModel)
	if !ok {
		return
	}
	_ = rl.server.sessions.RecordTranscript(rl.sessionID)
	rl.send(rl.transcriptUpdate(item))
}

func (rl *relay) transcriptUpdate(item tutor.Item) protocol.TranscriptUpdate {
	return protocol.TranscriptUpdate{
		Type:         protocol.TypeTranscript,
		SessionID:    rl.sessionID,
		ItemID:       item.ID,
		Text:         item.Text,
		Explanation:  item.Explanation,
		CallToAction: item.CallToAction,
		IsModel:      item.IsModel,
		TSMs:         item.Timestamp.UnixMilli(),
	}
}

func (rl *relay) onTurnEvent(evt voice.ServerEventType) {
	interrupted := evt == voice.EventInterrupted
	_ = rl.server.sessions.EndTurn(rl.sessionID, interrupted)
	reason := "turn_complete"
	if interrupted {
		reason = "interrupted"
	}
	rl.send(protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: rl.sessionID,
		Reason:    reason,
	})
}

// OpenCapture makes the browser's inbound audio the microphone of the next
// live session.
func (rl *relay) OpenCapture(sampleRate int) (voice.CaptureDevice, error) {
	if rl.ctx.Err() != nil {
		return nil, errCaptureClosed
	}
	c := &browserCapture{rate: sampleRate}
	rl.mu.Lock()
	rl.capture = c
	rl.mu.Unlock()
	return c, nil
}

func (rl *relay) OpenPlayback(sampleRate int) (voice.PlaybackDevice, error) {
	if rl.ctx.Err() != nil {
		return nil, errPlaybackClosed
	}
	return &wsPlayback{relay: rl, rate: sampleRate, opened: time.Now()}, nil
}

type browserCapture struct {
	rate int

	mu     sync.Mutex
	sink   voice.FrameSink
	closed bool
}

func (c *browserCapture) Start(sink voice.FrameSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errCaptureClosed
	}
	c.sink = sink
	return nil
}

func (c *browserCapture) push(samples []float32, sampleRate int) {
	if sampleRate > 0 && sampleRate != c.rate {
		samples = audio.Resample(samples, sampleRate, c.rate)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sink == nil {
		return
	}
	c.sink(samples)
}

func (c *browserCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.sink = nil
	return nil
}

// wsPlayback forwards scheduled speech to the browser. Its clock is wall time
// since the playback was opened; the browser plays each chunk at StartAtMS on
// its own clock anchored at the first chunk.
type wsPlayback struct {
	relay  *relay
	rate   int
	opened time.Time

	mu     sync.Mutex
	seq    int
	closed bool
}

func (p *wsPlayback) Now() float64 {
	return time.Since(p.opened).Seconds()
}

func (p *wsPlayback) Play(samples []float32, at float64) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPlaybackClosed
	}
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	msg := protocol.AssistantAudioChunk{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   p.relay.sessionID,
		Seq:         seq,
		Format:      "pcm_s16le",
		SampleRate:  p.rate,
		AudioBase64: base64.StdEncoding.EncodeToString(audio.EncodePCM16(samples)),
		StartAtMS:   at * 1000,
		DurationMS:  float64(len(samples)) * 1000 / float64(p.rate),
	}
	if !p.relay.send(msg) {
		return errOutboundFull
	}
	return nil
}

func (p *wsPlayback) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
