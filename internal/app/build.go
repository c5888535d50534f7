package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/doubtdesk/internal/answer"
	"github.com/ent0n29/doubtdesk/internal/config"
	"github.com/ent0n29/doubtdesk/internal/conversation"
	"github.com/ent0n29/doubtdesk/internal/httpapi"
	"github.com/ent0n29/doubtdesk/internal/observability"
	"github.com/ent0n29/doubtdesk/internal/session"
	"github.com/ent0n29/doubtdesk/internal/suggest"
)

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Hub     *conversation.Hub
	Store   session.Store
	Answers answer.Service
	Finder  *suggest.Catalog
	Metrics *observability.Metrics

	StoreMode  string
	AnswerMode string

	// Cleanup should be called on shutdown to release the session store.
	Cleanup func() error
}

// Options tune Build for callers other than the server.
type Options struct {
	Logger *slog.Logger
	// Registerer defaults to the global Prometheus registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var metrics *observability.Metrics
	if opts.Registerer != nil {
		metrics = observability.NewMetricsWith(opts.Registerer, opts.Gatherer, cfg.MetricsNamespace)
	} else {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("suggestion catalog init failed: %w", err)
	}

	store, err := session.NewStore(ctx, session.Config{
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	answers, err := answer.New(answer.Config{
		Mode:    cfg.AnswerMode,
		URL:     cfg.AnswerURL,
		Timeout: cfg.AnswerTimeout,
	}, store, catalog)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("answer service init failed: %w", err)
	}

	hub := conversation.NewHub(conversation.HubConfig{
		Store:       store,
		Answers:     answers,
		Finder:      catalog,
		Metrics:     metrics,
		Logger:      logger,
		IdleTimeout: cfg.ConversationIdleTimeout,
	})

	api := httpapi.New(cfg, hub, store, metrics, logger)

	cleanup := func() error {
		if err := store.Close(); err != nil {
			return fmt.Errorf("close session store: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Hub:        hub,
		Store:      store,
		Answers:    answers,
		Finder:     catalog,
		Metrics:    metrics,
		StoreMode:  session.Mode(store),
		AnswerMode: answerMode(answers),
		Cleanup:    cleanup,
	}, nil
}

func loadCatalog(cfg config.Config) (*suggest.Catalog, error) {
	if cfg.SuggestCatalogPath != "" {
		return suggest.LoadCatalog(cfg.SuggestCatalogPath, cfg.SuggestLimit)
	}
	return suggest.DefaultCatalog(cfg.SuggestLimit)
}

func answerMode(s answer.Service) string {
	switch s.(type) {
	case *answer.HTTPService:
		return "http"
	case *answer.LocalService:
		return "local"
	default:
		return "custom"
	}
}
