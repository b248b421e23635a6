package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s, replaced := m.Create("u1", "Kore", 3)
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}
	if replaced != nil {
		t.Fatalf("replaced = %+v, want nil", replaced)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.VoiceID != "Kore" || got.Grade != 3 || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if err := m.Touch(s.ID); !errors.Is(err, ErrEnded) {
		t.Fatalf("Touch() on ended session error = %v, want ErrEnded", err)
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerCreateReplacesUserSession(t *testing.T) {
	m := NewManager(time.Minute)
	first, _ := m.Create("u1", "", 0)
	second, replaced := m.Create("u1", "", 0)

	if replaced == nil || replaced.ID != first.ID || replaced.Status != StatusEnded {
		t.Fatalf("replaced = %+v, want ended first session", replaced)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a new session id")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
}

func TestManagerCountsTranscriptsAndTurns(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Create("", "", 0)

	if err := m.SetConnected(s.ID, true); err != nil {
		t.Fatalf("SetConnected() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.RecordTranscript(s.ID); err != nil {
			t.Fatalf("RecordTranscript() error = %v", err)
		}
	}
	_ = m.EndTurn(s.ID, false)
	_ = m.EndTurn(s.ID, true)

	got, _ := m.Get(s.ID)
	if !got.Connected || got.TranscriptCount != 3 || got.TurnCount != 1 || got.InterruptionCount != 1 {
		t.Fatalf("unexpected counters: %+v", got)
	}

	ended, _ := m.End(s.ID)
	if ended.Connected {
		t.Fatalf("ended session still marked connected")
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s, _ := m.Create("u1", "", 0)

	var mu sync.Mutex
	var expired []string
	m.SetExpireHook(func(s *Session) {
		mu.Lock()
		expired = append(expired, s.ID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1
	})
	mu.Lock()
	if expired[0] != s.ID {
		t.Fatalf("expired = %v, want [%s]", expired, s.ID)
	}
	mu.Unlock()

	waitFor(t, func() bool {
		_, err := m.Get(s.ID)
		return errors.Is(err, ErrNotFound)
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
