package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/doubtdesk/internal/app"
	"github.com/ent0n29/doubtdesk/internal/conversation"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := loadConfig(os.Stdout, slog.LevelDebug)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	res, err := app.Build(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Error("cleanup failed", "error", err)
		}
	}()
	res.Hub.SetExpireHook(func(v *conversation.View) {
		logger.Debug("conversation view expired", "conversation_id", v.ID, "user_id", v.UserID)
	})

	logger.Info("starting server",
		"addr", cfg.BindAddr,
		"store_mode", res.StoreMode,
		"answer_mode", res.AnswerMode,
		"catalog_lectures", res.Finder.Len(),
	)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return res.Hub.RunJanitor(gctx, 30*time.Second)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		logger.Error("server stopped", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
