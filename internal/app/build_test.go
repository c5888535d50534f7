package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/doubtdesk/internal/config"
	"github.com/ent0n29/doubtdesk/internal/identity"
)

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace:        "test_app",
		AnswerMode:              "auto",
		AnswerTimeout:           time.Second,
		ConversationIdleTimeout: time.Minute,
		SuggestLimit:            3,
	}
}

func TestBuildDefaultsToLocalInMemory(t *testing.T) {
	reg := prometheus.NewRegistry()
	res, err := Build(context.Background(), testConfig(), Options{Registerer: reg, Gatherer: reg})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()

	if res.StoreMode != "in-memory" || res.AnswerMode != "local" {
		t.Fatalf("StoreMode = %q AnswerMode = %q", res.StoreMode, res.AnswerMode)
	}
	if res.Finder.Len() == 0 {
		t.Fatalf("default catalog is empty")
	}

	view := res.Hub.Create("learner-1")
	ctx := identity.WithPrincipal(context.Background(), identity.Principal{UserID: "learner-1", Token: "tok"})
	if err := view.Manager().SubmitTurn(ctx, "What is the mole concept?"); err != nil {
		t.Fatalf("SubmitTurn() error = %v", err)
	}
	snap := view.Manager().Snapshot()
	if len(snap.Messages) != 2 || len(snap.Suggestions) == 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestBuildUsesSQLiteAndHTTPWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "doubts.db")
	cfg.AnswerURL = "http://127.0.0.1:1/api/doubt"

	reg := prometheus.NewRegistry()
	res, err := Build(context.Background(), cfg, Options{Registerer: reg, Gatherer: reg})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()

	if res.StoreMode != "sqlite" || res.AnswerMode != "http" {
		t.Fatalf("StoreMode = %q AnswerMode = %q", res.StoreMode, res.AnswerMode)
	}
}

func TestBuildRejectsMissingCatalog(t *testing.T) {
	cfg := testConfig()
	cfg.SuggestCatalogPath = filepath.Join(t.TempDir(), "missing.yaml")

	reg := prometheus.NewRegistry()
	if _, err := Build(context.Background(), cfg, Options{Registerer: reg, Gatherer: reg}); err == nil {
		t.Fatalf("Build() error = nil, want catalog failure")
	}
}
