package voice

import (
	"context"
	"encoding/base64"
	"math"
	"sync"

	"github.com/ent0n29/cumeo/internal/audio"
)

// MockTransport is a local stand-in for the live model used when no API key
// is configured. Every few frames it "hears" the student and answers with a
// short tone and a canned tutor reply.
type MockTransport struct {
	FramesPerTurn int
	Reply         string
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		FramesPerTurn: 4,
		Reply:         "Con nói rất hay! | Con nói rất hay! | Con hãy kể thêm cho thầy nghe nhé?",
	}
}

func (t *MockTransport) Name() string { return "mock" }

func (t *MockTransport) Open(ctx context.Context, cfg SessionConfig) (LiveSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	every := t.FramesPerTurn
	if every <= 0 {
		every = 4
	}
	rate := cfg.OutputSampleRate
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	return &mockSession{
		events:     make(chan ServerEvent, 64),
		every:      every,
		reply:      t.Reply,
		outputRate: rate,
	}, nil
}

type mockSession struct {
	mu         sync.Mutex
	events     chan ServerEvent
	closed     bool
	frames     int
	every      int
	reply      string
	outputRate int
}

func (s *mockSession) SendAudio(_ context.Context, frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.frames++
	if s.frames%s.every != 0 {
		return nil
	}
	s.emit(ServerEvent{Type: EventInputTranscript, Text: "simulated voice input"})
	s.emit(ServerEvent{
		Type:        EventAudio,
		AudioBase64: mockTone(s.outputRate, 0.25),
		MIMEType:    audio.PCMMIMEType(s.outputRate),
	})
	if s.reply != "" {
		s.emit(ServerEvent{Type: EventOutputTranscript, Text: s.reply})
	}
	s.emit(ServerEvent{Type: EventTurnComplete})
	return nil
}

// emit never blocks; the caller holds s.mu.
func (s *mockSession) emit(evt ServerEvent) {
	select {
	case s.events <- evt:
	default:
	}
}

func (s *mockSession) Events() <-chan ServerEvent { return s.events }

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func mockTone(sampleRate int, seconds float64) string {
	n := int(float64(sampleRate) * seconds)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.2 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}
	return base64.StdEncoding.EncodeToString(audio.EncodePCM16(samples))
}
