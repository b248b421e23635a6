package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/cumeo/internal/audio"
	"github.com/ent0n29/cumeo/internal/config"
	"github.com/ent0n29/cumeo/internal/httpapi"
	"github.com/ent0n29/cumeo/internal/observability"
	"github.com/ent0n29/cumeo/internal/session"
	"github.com/ent0n29/cumeo/internal/voice"
)

func TestWSURLForSession(t *testing.T) {
	got, err := wsURLForSession("https://tutor.example/base/", "abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://tutor.example/base/v1/live/session/ws?session_id=abc", got)

	_, err = wsURLForSession("ftp://tutor.example", "abc")
	assert.Error(t, err)
}

func TestChunkBytesIsEven(t *testing.T) {
	assert.Equal(t, 1280, chunkBytes(16000, 40))
	assert.Equal(t, 2, chunkBytes(10, 10))
	assert.Equal(t, 0, chunkBytes(24000, 15)%2)
}

func TestLoadClipDefaultsToTone(t *testing.T) {
	c, err := loadClip("")
	require.NoError(t, err)
	assert.Equal(t, audio.InputSampleRate, c.SampleRate)
	assert.Len(t, c.PCM16LE, audio.InputSampleRate*2)
}

func TestRunAgainstMockRelay(t *testing.T) {
	metrics := observability.NewMetrics(fmt.Sprintf("relayreplay_test_%d", time.Now().UnixNano()))
	sessions := session.NewManager(time.Minute)
	srv := httpapi.New(config.Config{}, sessions, httpapi.LiveSettings{
		Transport:    voice.NewMockTransport(),
		FrameSamples: 160,
	}, nil, metrics, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Four frames of 160 samples make one mock turn.
	c := toneClip(audio.InputSampleRate, 40*time.Millisecond)
	cfg := options{
		baseURL:     ts.URL,
		userID:      "replay",
		turns:       2,
		chunkMS:     10,
		realtime:    100,
		turnTimeout: 3 * time.Second,
		verbose:     true,
	}

	var out bytes.Buffer
	rep, err := run(context.Background(), cfg, c, &out)
	require.NoError(t, err)
	require.Len(t, rep.Turns, 2)
	for _, turn := range rep.Turns {
		assert.Greater(t, turn.TurnEnd, time.Duration(0))
		assert.LessOrEqual(t, turn.FirstAudio, turn.TurnEnd)
	}
	assert.Contains(t, out.String(), "simulated voice input")

	var summary bytes.Buffer
	printSummary(&summary, rep)
	assert.True(t, strings.HasPrefix(summary.String(), "relayreplay: 2 turns"))
}
