package app

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ent0n29/cumeo/internal/config"
	"github.com/ent0n29/cumeo/internal/tutor"
	"github.com/ent0n29/cumeo/internal/voice"
)

// LiveSetup is the resolved live transport plus the SDK client shared with
// the tutoring helpers. GenAI is nil when no API key is configured.
type LiveSetup struct {
	Transport voice.Transport
	Resolved  string
	Detail    string
	GenAI     *genai.Client
}

// ResolveLive picks the live transport named by LIVE_TRANSPORT. In auto mode
// the raw websocket transport is preferred with the SDK transport as
// fallback; without an API key the local mock is used.
func ResolveLive(ctx context.Context, cfg config.Config) (LiveSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.LiveTransport))
	if mode == "" {
		mode = "auto"
	}
	hasKey := strings.TrimSpace(cfg.GeminiAPIKey) != ""

	newGenAI := func() (*genai.Client, error) {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.GeminiAPIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("genai client init failed: %w", err)
		}
		return client, nil
	}
	newWebsocket := func() *voice.GeminiTransport {
		return voice.NewGeminiTransport(voice.GeminiConfig{
			APIKey:    cfg.GeminiAPIKey,
			WSBaseURL: cfg.GeminiWSBaseURL,
		})
	}

	switch mode {
	case "mock":
		return LiveSetup{Transport: voice.NewMockTransport(), Resolved: "mock", Detail: "mock"}, nil
	case "websocket":
		if !hasKey {
			return LiveSetup{}, fmt.Errorf("LIVE_TRANSPORT=websocket but GEMINI_API_KEY is not set")
		}
		client, err := newGenAI()
		if err != nil {
			return LiveSetup{}, err
		}
		return LiveSetup{Transport: newWebsocket(), Resolved: "websocket", Detail: "gemini live (websocket)", GenAI: client}, nil
	case "genai":
		if !hasKey {
			return LiveSetup{}, fmt.Errorf("LIVE_TRANSPORT=genai but GEMINI_API_KEY is not set")
		}
		client, err := newGenAI()
		if err != nil {
			return LiveSetup{}, err
		}
		return LiveSetup{Transport: voice.NewGenAITransport(client), Resolved: "genai", Detail: "gemini live (genai sdk)", GenAI: client}, nil
	case "auto":
		if !hasKey {
			return LiveSetup{Transport: voice.NewMockTransport(), Resolved: "mock", Detail: "mock (no GEMINI_API_KEY)"}, nil
		}
		client, err := newGenAI()
		if err != nil {
			return LiveSetup{}, err
		}
		return LiveSetup{
			Transport: voice.NewFailoverTransport(newWebsocket(), voice.NewGenAITransport(client)),
			Resolved:  "websocket",
			Detail:    "gemini live (websocket, automatic genai fallback)",
			GenAI:     client,
		}, nil
	default:
		return LiveSetup{}, fmt.Errorf("invalid LIVE_TRANSPORT: %q (expected auto|websocket|genai|mock)", cfg.LiveTransport)
	}
}

// SessionConfig is the live session every client opens with.
func SessionConfig(cfg config.Config) voice.SessionConfig {
	return voice.SessionConfig{
		Model:               cfg.LiveModel,
		Voice:               cfg.LiveVoice,
		SystemInstruction:   tutor.LiveTeacherPrompt,
		InputSampleRate:     cfg.InputSampleRate,
		OutputSampleRate:    cfg.OutputSampleRate,
		InputTranscription:  true,
		OutputTranscription: true,
	}
}
