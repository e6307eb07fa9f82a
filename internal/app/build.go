package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ent0n29/memorylane/internal/config"
	"github.com/ent0n29/memorylane/internal/httpapi"
	"github.com/ent0n29/memorylane/internal/memory"
	"github.com/ent0n29/memorylane/internal/observability"
	"github.com/ent0n29/memorylane/internal/session"
	"github.com/ent0n29/memorylane/internal/voice"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Registry
	Orchestrator *voice.Orchestrator
	Memory       memory.Store
	Metrics      *observability.Metrics
	VoiceDetail  string

	// Cleanup should be called on shutdown to release external resources (DB, janitor).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	setup, err := resolveVoiceTransports(cfg, "", logger)
	if err != nil {
		_ = memoryStore.Close()
		return nil, err
	}

	sessions := session.NewRegistry(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(rec session.Record) {
		metrics.ObserveSessionEvent("expired")
		logger.Info("call expired after inactivity", "call_id", rec.ID, "user_id", rec.UserID)
	})
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	sessions.StartJanitor(janitorCtx, 0)

	orchestrator := voice.NewOrchestrator(voice.OrchestratorConfig{
		Tokens:           setup.tokens,
		Signaling:        setup.signaling,
		Peers:            setup.peers,
		Microphone:       setup.microphone,
		Defaults:         ConversationDefaults(cfg),
		ICEGatherTimeout: cfg.ICEGatherTimeout,
		Store:            memoryStore,
		Metrics:          metrics,
		Logger:           logger,
	}, sessions)

	api := httpapi.New(cfg, httpapi.Deps{
		Calls:    orchestrator,
		Tokens:   setup.minter,
		Memories: memoryStore,
		Metrics:  metrics,
		Logger:   logger,
	})

	cleanup := func() error {
		stopJanitor()
		orchestrator.Shutdown()
		if err := memoryStore.Close(); err != nil {
			return fmt.Errorf("close memory store: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Memory:       memoryStore,
		Metrics:      metrics,
		VoiceDetail:  setup.detail,
		Cleanup:      cleanup,
	}, nil
}
