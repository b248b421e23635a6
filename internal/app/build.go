package app

import (
	"context"
	"log/slog"

	"github.com/ent0n29/cumeo/internal/config"
	"github.com/ent0n29/cumeo/internal/httpapi"
	"github.com/ent0n29/cumeo/internal/observability"
	"github.com/ent0n29/cumeo/internal/session"
	"github.com/ent0n29/cumeo/internal/tutor"
	"github.com/ent0n29/cumeo/internal/voice"
)

type LiveInfo struct {
	Transport string
	Detail    string
	Model     string
	Voice     string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Tutor    *tutor.Service
	Metrics  *observability.Metrics
	Live     LiveInfo

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	live, err := ResolveLive(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var tutorService *tutor.Service
	if live.GenAI != nil {
		tutorService = tutor.NewService(live.GenAI.Models, tutor.Models{
			Flash: cfg.TutorFlashModel,
			Pro:   cfg.TutorProModel,
			Image: cfg.TutorImageModel,
		}, logger, metrics)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	api := httpapi.New(cfg, sessions, httpapi.LiveSettings{
		Transport:    live.Transport,
		Session:      SessionConfig(cfg),
		FrameSamples: cfg.LiveFrameSamples,
		SendQueue:    cfg.SendQueue,
		Backpressure: voice.BackpressureMode(cfg.Backpressure),
		BlockTimeout: cfg.SendBlockTimeout,
		InboundFPS:   cfg.InboundFPS,
		Greeting:     tutor.DefaultGreeting,
	}, tutorService, metrics, logger)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Tutor:    tutorService,
		Metrics:  metrics,
		Live: LiveInfo{
			Transport: live.Resolved,
			Detail:    live.Detail,
			Model:     cfg.LiveModel,
			Voice:     cfg.LiveVoice,
		},
		// Live sessions are owned by their relays; the genai client holds no
		// resources that need closing.
		Cleanup: func() error { return nil },
	}, nil
}
