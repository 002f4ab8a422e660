package cli

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/nlweb-mcp/ask"
	"github.com/petal-labs/nlweb-mcp/config"
	"github.com/petal-labs/nlweb-mcp/dispatch"
	"github.com/petal-labs/nlweb-mcp/page"
)

// runtimeEnv holds what every command needs: settings, a logger on stderr,
// and the opened page store.
type runtimeEnv struct {
	cfg    config.Config
	logger *slog.Logger
	store  *page.SQLiteStore
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, exitError(exitValidation, "loading config: %v", err)
	}

	if dbPath, _ := cmd.Flags().GetString("db-path"); strings.TrimSpace(dbPath) != "" {
		cfg.Database.Path = strings.TrimSpace(dbPath)
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openRuntime loads config, builds the logger and opens the initialized store.
// Callers must call close.
func openRuntime(cmd *cobra.Command) (*runtimeEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log.Level)
	if cfg.Path != "" {
		logger.Debug("config loaded", "path", cfg.Path)
	}

	store, err := page.OpenPath(cfg.Database.Path, logger)
	if err != nil {
		return nil, exitError(exitRuntime, "opening page store: %v", err)
	}
	if err := store.Initialize(commandContext(cmd)); err != nil {
		_ = store.Close()
		return nil, exitError(exitRuntime, "initializing page store: %v", err)
	}

	return &runtimeEnv{cfg: cfg, logger: logger, store: store}, nil
}

func (e *runtimeEnv) close() {
	if e == nil || e.store == nil {
		return
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("closing page store", "error", err)
	}
}

func (e *runtimeEnv) askClient() *ask.Client {
	return ask.NewClient(ask.Config{
		Timeout: e.cfg.Ask.Timeout,
		Retry: ask.RetryPolicy{
			MaxAttempts: e.cfg.Ask.MaxAttempts,
			Backoff:     e.cfg.Ask.Backoff,
			MaxBackoff:  e.cfg.Ask.MaxBackoff,
		},
		OnRetry: func(attempt int, err error) {
			e.logger.Warn("retrying ask", "attempt", attempt, "error", err)
			dispatch.EmitRetry(dispatch.RetryObservation{
				Tool:      dispatch.ToolAskPage,
				Attempt:   attempt,
				ErrorCode: dispatch.ErrorCodeUpstreamFailure,
			})
		},
	})
}

func (e *runtimeEnv) dispatcher() *dispatch.Dispatcher {
	return dispatch.New(e.store, dispatch.Options{
		Asker:  e.askClient(),
		Logger: e.logger,
	})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
