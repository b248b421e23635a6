package voice

import (
	"context"
	"fmt"
	"sync/atomic"
)

// NewFailoverTransport prefers primary and switches to fallback when a
// session fails to open. Once fallback succeeds it stays active until it
// fails; then primary is retried.
func NewFailoverTransport(primary, fallback Transport) *FailoverTransport {
	return &FailoverTransport{primary: primary, fallback: fallback}
}

type FailoverTransport struct {
	primary        Transport
	fallback       Transport
	fallbackActive atomic.Bool
}

func (t *FailoverTransport) Name() string {
	if t.fallbackActive.Load() {
		return t.fallback.Name()
	}
	return t.primary.Name()
}

// FallbackActive reports whether new sessions currently go to the fallback.
func (t *FailoverTransport) FallbackActive() bool {
	return t.fallbackActive.Load()
}

func (t *FailoverTransport) Open(ctx context.Context, cfg SessionConfig) (LiveSession, error) {
	if t.fallbackActive.Load() {
		session, fbErr := t.fallback.Open(ctx, cfg)
		if fbErr == nil {
			return session, nil
		}
		if ctx.Err() != nil {
			return nil, fbErr
		}
		// Fallback failed after being active; try primary again.
		session, prErr := t.primary.Open(ctx, cfg)
		if prErr == nil {
			t.fallbackActive.Store(false)
			return session, nil
		}
		return nil, fmt.Errorf("%s failed: %v; %s failed: %w", t.fallback.Name(), fbErr, t.primary.Name(), prErr)
	}

	session, prErr := t.primary.Open(ctx, cfg)
	if prErr == nil {
		return session, nil
	}
	if ctx.Err() != nil {
		return nil, prErr
	}
	session, fbErr := t.fallback.Open(ctx, cfg)
	if fbErr != nil {
		return nil, fmt.Errorf("%s failed: %v; %s failed: %w", t.primary.Name(), prErr, t.fallback.Name(), fbErr)
	}
	t.fallbackActive.Store(true)
	return session, nil
}
