package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ent0n29/doubtdesk/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "doubtdesk",
		Short: "Doubt resolution chat backend",
		Long: `doubtdesk runs the doubt conversation service: learners ask questions,
a mentor answers, and off-topic questions can fork a fresh doubt session.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newChatCmd())
	return root
}

// loadConfig reads .env and the environment and installs the default logger.
func loadConfig(logOut io.Writer, minLevel slog.Level) (config.Config, *slog.Logger, error) {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}

	level := parseLevel(cfg.LogLevel)
	if level < minLevel {
		level = minLevel
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}
	return cfg, logger, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
