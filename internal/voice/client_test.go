package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/cumeo/internal/audio"
)

func TestClientConnectStreamsFramesAndReportsStatus(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.client.Connect(context.Background()))
	assert.Equal(t, StateConnected, h.client.State())
	assert.Equal(t, []bool{true}, h.rec.statusSnapshot())

	samples := make([]float32, 3*audio.FrameSamples)
	for off := 0; off < len(samples); off += 1024 {
		h.io.capture.push(samples[off : off+1024])
	}
	session := h.transport.lastSession()
	require.Eventually(t, func() bool { return len(session.sentFrames()) == 3 }, time.Second, 5*time.Millisecond)
	for i, frame := range session.sentFrames() {
		assert.Equal(t, i+1, frame.Seq)
		assert.Equal(t, audio.FrameSamples, frame.Samples())
		assert.Equal(t, "audio/pcm;rate=16000", frame.MIMEType())
	}

	h.client.Disconnect()
	assert.Equal(t, StateDisconnected, h.client.State())
	assert.Equal(t, []bool{true, false}, h.rec.statusSnapshot())
	assert.True(t, h.io.capture.isClosed())
	assert.True(t, h.io.playback.isClosed())
	assert.True(t, session.isClosed())
}

func TestClientDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.Disconnect()
	assert.Empty(t, h.rec.statusSnapshot())

	require.NoError(t, h.client.Connect(context.Background()))
	h.client.Disconnect()
	h.client.Disconnect()
	h.client.Disconnect()
	assert.Equal(t, []bool{true, false}, h.rec.statusSnapshot())
}

func TestClientDeviceDeniedRejectsWithoutStatus(t *testing.T) {
	h := newHarness(t, Config{})
	h.io.captureErr = errors.New("permission denied")

	err := h.client.Connect(context.Background())
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Empty(t, h.rec.statusSnapshot())
	assert.Equal(t, 0, h.transport.openCalls())
	assert.Equal(t, StateDisconnected, h.client.State())

	// The caller may retry once the device is available.
	h.io.captureErr = nil
	require.NoError(t, h.client.Connect(context.Background()))
	assert.Equal(t, []bool{true}, h.rec.statusSnapshot())
	h.client.Disconnect()
}

func TestClientSessionOpenFailureReleasesDevices(t *testing.T) {
	h := newHarness(t, Config{})
	h.transport.openErr = errors.New("handshake rejected")

	err := h.client.Connect(context.Background())
	require.ErrorIs(t, err, ErrSessionOpen)
	assert.Empty(t, h.rec.statusSnapshot())
	assert.True(t, h.io.capture.isClosed())
	assert.True(t, h.io.playback.isClosed())
	assert.Equal(t, StateDisconnected, h.client.State())
}

func TestClientConnectWhileActiveFails(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.client.Connect(context.Background()))
	defer h.client.Disconnect()

	assert.ErrorIs(t, h.client.Connect(context.Background()), ErrAlreadyActive)
	assert.Equal(t, 1, h.transport.openCalls())
}

func TestClientNoFramesWrittenAfterDisconnect(t *testing.T) {
	h := newHarness(t, Config{FrameSamples: 256, SendQueue: 4})
	require.NoError(t, h.client.Connect(context.Background()))
	session := h.transport.lastSession()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]float32, 256)
		for {
			select {
			case <-stop:
				return
			default:
				h.io.capture.push(buf)
			}
		}
	}()

	require.Eventually(t, func() bool { return len(session.sentFrames()) > 5 }, time.Second, time.Millisecond)
	h.client.Disconnect()
	sent := len(session.sentFrames())

	time.Sleep(30 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Equal(t, sent, len(session.sentFrames()))
}

func TestClientDisconnectWaitsForRemoteTeardown(t *testing.T) {
	h := newHarness(t, Config{FrameSamples: 256})
	require.NoError(t, h.client.Connect(context.Background()))
	session := h.transport.lastSession()
	session.holdSends()

	h.io.capture.push(make([]float32, 256))
	select {
	case <-session.sending:
	case <-time.After(time.Second):
		t.Fatalf("frame was not sent")
	}

	// The remote close starts a teardown that waits for the in-flight send.
	session.push(ServerEvent{Type: EventError, Code: "close_1011"})
	require.Eventually(t, func() bool { return h.client.State() == StateDisconnected }, time.Second, time.Millisecond)

	returned := make(chan struct{})
	go func() {
		h.client.Disconnect()
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatalf("Disconnect returned while a send was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(session.sendGate)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("Disconnect did not return after the send finished")
	}
	assert.Equal(t, []bool{true, false}, h.rec.statusSnapshot())
}

func TestClientResamplesChunksToDeviceRate(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.client.Connect(context.Background()))
	defer h.client.Disconnect()
	session := h.transport.lastSession()

	// 100ms tagged at 16kHz, played on a 24kHz device.
	chunk := mockTone(16000, 0.1)
	session.push(ServerEvent{Type: EventAudio, AudioBase64: chunk, MIMEType: "audio/pcm;rate=16000"})
	session.push(ServerEvent{Type: EventAudio, AudioBase64: chunk, MIMEType: "audio/pcm;rate=16000"})
	require.Eventually(t, func() bool { return len(h.io.playback.calls()) == 2 }, time.Second, 5*time.Millisecond)

	plays := h.io.playback.calls()
	assert.Equal(t, 2400, plays[0].samples)
	assert.InDelta(t, plays[0].at+0.1, plays[1].at, 1e-9)
}

func TestClientSchedulesChunksBackToBack(t *testing.T) {
	h := newHarness(t, Config{})
	h.io.playback.setNow(1.0)
	require.NoError(t, h.client.Connect(context.Background()))
	defer h.client.Disconnect()
	session := h.transport.lastSession()

	chunk := toneChunk(2400) // 100ms at 24kHz
	for i := 0; i < 3; i++ {
		session.push(ServerEvent{Type: EventAudio, AudioBase64: chunk, MIMEType: "audio/pcm;rate=24000"})
	}
	require.Eventually(t, func() bool { return len(h.io.playback.calls()) == 3 }, time.Second, 5*time.Millisecond)

	plays := h.io.playback.calls()
	assert.InDelta(t, 1.0, plays[0].at, 1e-9)
	assert.InDelta(t, 1.1, plays[1].at, 1e-9)
	assert.InDelta(t, 1.2, plays[2].at, 1e-9)
	for i := 1; i < len(plays); i++ {
		assert.GreaterOrEqual(t, plays[i].at, plays[i-1].at+float64(plays[i-1].samples)/24000-1e-9)
	}

	// The clock overtook the cursor: the next chunk starts now, not in the past.
	h.io.playback.setNow(5.0)
	session.push(ServerEvent{Type: EventAudio, AudioBase64: chunk})
	require.Eventually(t, func() bool { return len(h.io.playback.calls()) == 4 }, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 5.0, h.io.playback.calls()[3].at, 1e-9)
	assert.Equal(t, uint64(4), h.client.Stats().ChunksScheduled)
}

func TestClientSkipsUndecodableChunks(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.client.Connect(context.Background()))
	defer h.client.Disconnect()
	session := h.transport.lastSession()

	session.push(ServerEvent{Type: EventAudio, AudioBase64: "%%%"})
	session.push(ServerEvent{Type: EventInputTranscript, Text: "sync"})
	require.Eventually(t, func() bool { return len(h.rec.transcriptSnapshot()) == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(1), h.client.Stats().ChunkErrors)
	assert.Empty(t, h.io.playback.calls())
	assert.Equal(t, StateConnected, h.client.State())
}

func TestClientTranscriptDeduplication(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.client.Connect(context.Background()))
	defer h.client.Disconnect()
	session := h.transport.lastSession()

	session.push(ServerEvent{Type: EventInputTranscript, Text: "xin chào"})
	session.push(ServerEvent{Type: EventInputTranscript, Text: "xin chào"})
	session.push(ServerEvent{Type: EventModelText, Text: "xin chào"})
	session.push(ServerEvent{Type: EventOutputTranscript, Text: "xin chào"})
	session.push(ServerEvent{Type: EventOutputTranscript, Text: "   "})
	session.push(ServerEvent{Type: EventInputTranscript, Text: "con chào thầy"})
	require.Eventually(t, func() bool { return len(h.rec.transcriptSnapshot()) == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []transcriptCall{
		{text: "xin chào", isModel: false},
		{text: "xin chào", isModel: true},
		{text: "con chào thầy", isModel: false},
	}, h.rec.transcriptSnapshot())
}

func TestClientRemoteCloseReportsDisconnected(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.client.Connect(context.Background()))
	session := h.transport.lastSession()

	session.push(ServerEvent{Type: EventError, Code: "close_1011", Detail: "internal"})
	require.Eventually(t, func() bool { return h.client.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []bool{true, false}, h.rec.statusSnapshot())
	assert.True(t, h.io.capture.isClosed())

	h.client.Disconnect()
	assert.Equal(t, []bool{true, false}, h.rec.statusSnapshot())
}

func TestClientDisconnectDuringConnectAborts(t *testing.T) {
	h := newHarness(t, Config{})
	h.transport.gate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- h.client.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return h.transport.openCalls() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateConnecting, h.client.State())

	h.client.Disconnect()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectAborted)
	case <-time.After(time.Second):
		t.Fatalf("Connect did not return after Disconnect")
	}
	assert.Empty(t, h.rec.statusSnapshot())
	assert.True(t, h.io.capture.isClosed())
	assert.True(t, h.io.playback.isClosed())
}

func TestClientQueuesFramesWhileConnecting(t *testing.T) {
	h := newHarness(t, Config{FrameSamples: 128, SendQueue: 2})
	h.transport.gate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- h.client.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return h.transport.openCalls() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		h.io.capture.push(make([]float32, 128))
	}
	close(h.transport.gate)
	require.NoError(t, <-errCh)
	defer h.client.Disconnect()

	session := h.transport.lastSession()
	require.Eventually(t, func() bool { return len(session.sentFrames()) == 2 }, time.Second, 5*time.Millisecond)
	frames := session.sentFrames()
	assert.Equal(t, 4, frames[0].Seq)
	assert.Equal(t, 5, frames[1].Seq)

	stats := h.client.Stats()
	assert.Equal(t, uint64(5), stats.FramesCaptured)
	assert.Equal(t, uint64(3), stats.FramesDropped)
}

func TestClientBlockBackpressureTimesOut(t *testing.T) {
	h := newHarness(t, Config{
		FrameSamples: 64,
		SendQueue:    1,
		Backpressure: BackpressureBlock,
		BlockTimeout: 5 * time.Millisecond,
	})
	h.transport.gate = make(chan struct{})
	go func() { _ = h.client.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return h.transport.openCalls() == 1 }, time.Second, time.Millisecond)

	h.io.capture.push(make([]float32, 64))
	h.io.capture.push(make([]float32, 64))
	assert.Equal(t, uint64(1), h.client.Stats().FramesDropped)

	h.client.Disconnect()
}

func TestClientTurnEventsReachHook(t *testing.T) {
	var mu sync.Mutex
	var turns []ServerEventType
	h := newHarness(t, Config{OnTurnEvent: func(evt ServerEventType) {
		mu.Lock()
		turns = append(turns, evt)
		mu.Unlock()
	}})
	require.NoError(t, h.client.Connect(context.Background()))
	defer h.client.Disconnect()

	session := h.transport.lastSession()
	session.push(ServerEvent{Type: EventInterrupted})
	session.push(ServerEvent{Type: EventTurnComplete})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(turns) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []ServerEventType{EventInterrupted, EventTurnComplete}, turns)
}

func TestClientWithMockTransport(t *testing.T) {
	io := newFakeIO()
	rec := &recorder{}
	client := NewClient(Config{Transport: NewMockTransport(), Audio: io}, rec.onTranscript, rec.onStatus)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	for i := 0; i < 4; i++ {
		io.capture.push(make([]float32, audio.FrameSamples))
	}
	require.Eventually(t, func() bool { return len(io.playback.calls()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.transcriptSnapshot()) == 2 }, time.Second, 5*time.Millisecond)
	items := rec.transcriptSnapshot()
	assert.False(t, items[0].isModel)
	assert.True(t, items[1].isModel)
}

func TestSampleRateFromMIME(t *testing.T) {
	assert.Equal(t, 24000, sampleRateFromMIME("audio/pcm;rate=24000", 16000))
	assert.Equal(t, 16000, sampleRateFromMIME("audio/pcm", 16000))
	assert.Equal(t, 22050, sampleRateFromMIME("audio/pcm; RATE=22050", 16000))
	assert.Equal(t, 16000, sampleRateFromMIME("audio/pcm;rate=abc", 16000))
}

type harness struct {
	client    *Client
	io        *fakeIO
	transport *fakeTransport
	rec       *recorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		io:        newFakeIO(),
		transport: &fakeTransport{},
		rec:       &recorder{},
	}
	cfg.Transport = h.transport
	cfg.Audio = h.io
	h.client = NewClient(cfg, h.rec.onTranscript, h.rec.onStatus)
	t.Cleanup(h.client.Disconnect)
	return h
}

type transcriptCall struct {
	text    string
	isModel bool
}

type recorder struct {
	mu          sync.Mutex
	status      []bool
	transcripts []transcriptCall
}

func (r *recorder) onStatus(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = append(r.status, connected)
}

func (r *recorder) onTranscript(text string, isModel bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts = append(r.transcripts, transcriptCall{text: text, isModel: isModel})
}

func (r *recorder) statusSnapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.status...)
}

func (r *recorder) transcriptSnapshot() []transcriptCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcriptCall(nil), r.transcripts...)
}

type fakeIO struct {
	capture     *fakeCapture
	playback    *fakePlayback
	captureErr  error
	playbackErr error
}

func newFakeIO() *fakeIO {
	return &fakeIO{capture: &fakeCapture{}, playback: &fakePlayback{}}
}

func (f *fakeIO) OpenCapture(int) (CaptureDevice, error) {
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	f.capture.reset()
	return f.capture, nil
}

func (f *fakeIO) OpenPlayback(int) (PlaybackDevice, error) {
	if f.playbackErr != nil {
		return nil, f.playbackErr
	}
	f.playback.reset()
	return f.playback, nil
}

type fakeCapture struct {
	mu     sync.Mutex
	sink   FrameSink
	closed bool
}

func (c *fakeCapture) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = nil
	c.closed = false
}

func (c *fakeCapture) Start(sink FrameSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
	return nil
}

// push delivers samples the way a device callback would.
func (c *fakeCapture) push(samples []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sink == nil {
		return
	}
	c.sink(samples)
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCapture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type playCall struct {
	at      float64
	samples int
}

type fakePlayback struct {
	mu     sync.Mutex
	now    float64
	plays  []playCall
	closed bool
}

func (p *fakePlayback) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays = nil
	p.closed = false
}

func (p *fakePlayback) setNow(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = v
}

func (p *fakePlayback) Now() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

func (p *fakePlayback) Play(samples []float32, at float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("playback closed")
	}
	p.plays = append(p.plays, playCall{at: at, samples: len(samples)})
	return nil
}

func (p *fakePlayback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePlayback) calls() []playCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]playCall(nil), p.plays...)
}

func (p *fakePlayback) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeTransport struct {
	mu       sync.Mutex
	openErr  error
	gate     chan struct{}
	opens    int
	sessions []*fakeSession
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Open(ctx context.Context, _ SessionConfig) (LiveSession, error) {
	t.mu.Lock()
	t.opens++
	gate, openErr := t.gate, t.openErr
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}
	s := &fakeSession{events: make(chan ServerEvent, 64)}
	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()
	return s, nil
}

func (t *fakeTransport) openCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *fakeTransport) lastSession() *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

type fakeSession struct {
	mu     sync.Mutex
	frames []audio.Frame
	events chan ServerEvent
	closed bool

	// When set, SendAudio signals sending and then waits for sendGate.
	sendGate chan struct{}
	sending  chan struct{}
}

func (s *fakeSession) holdSends() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendGate = make(chan struct{})
	s.sending = make(chan struct{}, 1)
}

func (s *fakeSession) SendAudio(_ context.Context, frame audio.Frame) error {
	s.mu.Lock()
	gate, sending := s.sendGate, s.sending
	s.mu.Unlock()
	if gate != nil {
		select {
		case sending <- struct{}{}:
		default:
		}
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSession) Events() <-chan ServerEvent { return s.events }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSession) push(evt ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- evt
	}
}

func (s *fakeSession) sentFrames() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Frame(nil), s.frames...)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func toneChunk(samples int) string {
	return mockTone(audio.OutputSampleRate, float64(samples)/audio.OutputSampleRate)
}
