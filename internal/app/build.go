// Package app wires the process: configuration in, a ready-to-serve API
// plus a cleanup hook out.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aura-voice/aura/internal/chatlog"
	"github.com/aura-voice/aura/internal/config"
	"github.com/aura-voice/aura/internal/httpapi"
	"github.com/aura-voice/aura/internal/observability"
	"github.com/aura-voice/aura/internal/profile"
	"github.com/aura-voice/aura/internal/rag"
	"github.com/aura-voice/aura/internal/realtime"
	"github.com/aura-voice/aura/internal/session"
	"github.com/aura-voice/aura/internal/stream"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *stream.Orchestrator
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	sink, err := chatlog.NewSink(ctx, cfg.DatabaseURL, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("chat log init failed: %w", err)
	}

	profiles, err := profile.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("profile store init failed: %w", err)
	}

	embedder := rag.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIEmbeddingModel)
	retriever, err := rag.NewRetriever(ctx, cfg.DatabaseURL, embedder, cfg.RAGTopKUser, cfg.RAGTopKApp, logger)
	if err != nil {
		_ = profiles.Close()
		_ = sink.Close()
		return nil, fmt.Errorf("context retriever init failed: %w", err)
	}

	extractor := profile.NewExtractor(cfg.OpenAIAPIKey, cfg.OpenAIExtractionModel, logger)
	updater := profile.NewUpdater(profiles, extractor, logger)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	linkFactory := func() stream.UpstreamLink {
		return realtime.NewLink(realtime.Config{
			APIKey: cfg.OpenAIAPIKey,
			URL:    cfg.OpenAIRealtimeURL,
			Model:  cfg.OpenAIRealtimeModel,
		}, logger)
	}

	orchestrator := stream.New(cfg, sessions, linkFactory, retriever, sink, profiles, updater, metrics, logger)
	api := httpapi.New(cfg, sessions, orchestrator, metrics)

	cleanup := func() error {
		var errs []string
		if err := retriever.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := profiles.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := sink.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
