package voice

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/cumeo/internal/audio"
)

func TestFailoverTransportSwitchesToFallbackAndSticks(t *testing.T) {
	ctx := context.Background()
	primary := &stubTransport{name: "websocket", err: errors.New("primary unavailable")}
	fallback := &stubTransport{name: "genai"}

	tr := NewFailoverTransport(primary, fallback)
	if _, err := tr.Open(ctx, SessionConfig{}); err != nil {
		t.Fatalf("Open() unexpected error = %v", err)
	}
	if _, err := tr.Open(ctx, SessionConfig{}); err != nil {
		t.Fatalf("Open() on fallback unexpected error = %v", err)
	}

	if primary.calls != 1 {
		t.Fatalf("primary calls = %d, want 1", primary.calls)
	}
	if fallback.calls != 2 {
		t.Fatalf("fallback calls = %d, want 2", fallback.calls)
	}
	if !tr.FallbackActive() || tr.Name() != "genai" {
		t.Fatalf("fallback should be active, name = %q", tr.Name())
	}
}

func TestFailoverTransportReturnsToPrimaryWhenFallbackFails(t *testing.T) {
	ctx := context.Background()
	primary := &stubTransport{name: "websocket", err: errors.New("quota exceeded")}
	fallback := &stubTransport{name: "genai"}

	tr := NewFailoverTransport(primary, fallback)
	if _, err := tr.Open(ctx, SessionConfig{}); err != nil {
		t.Fatalf("Open() unexpected error = %v", err)
	}

	primary.err = nil
	fallback.err = errors.New("fallback down")
	if _, err := tr.Open(ctx, SessionConfig{}); err != nil {
		t.Fatalf("Open() unexpected error = %v", err)
	}
	if tr.FallbackActive() {
		t.Fatalf("fallback should be inactive after primary recovered")
	}
}

func TestFailoverTransportReturnsCombinedErrorWhenBothFail(t *testing.T) {
	fallbackErr := errors.New("fallback down")
	tr := NewFailoverTransport(
		&stubTransport{name: "websocket", err: errors.New("primary down")},
		&stubTransport{name: "genai", err: fallbackErr},
	)
	_, err := tr.Open(context.Background(), SessionConfig{})
	if !errors.Is(err, fallbackErr) {
		t.Fatalf("Open() error = %v, want wrapped fallback error", err)
	}
}

type stubTransport struct {
	name  string
	err   error
	calls int
}

func (s *stubTransport) Name() string { return s.name }

func (s *stubTransport) Open(context.Context, SessionConfig) (LiveSession, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &stubSession{events: make(chan ServerEvent)}, nil
}

type stubSession struct {
	events chan ServerEvent
}

func (s *stubSession) SendAudio(context.Context, audio.Frame) error { return nil }
func (s *stubSession) Events() <-chan ServerEvent                  { return s.events }
func (s *stubSession) Close() error                                { return nil }
