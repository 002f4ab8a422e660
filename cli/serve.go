package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/nlweb-mcp/dispatch"
	"github.com/petal-labs/nlweb-mcp/mcp"
	nlwebotel "github.com/petal-labs/nlweb-mcp/otel"
)

const shutdownTimeout = 30 * time.Second

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the page registry over MCP (stdio by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, version)
		},
	}

	cmd.Flags().Bool("http", false, "Serve MCP over HTTP instead of stdio")
	cmd.Flags().String("addr", "", "HTTP listen address (default from config, 127.0.0.1:8765)")
	cmd.Flags().Int("max-concurrent", 0, "Maximum in-flight requests (default from config, 8)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max HTTP request body size in bytes")

	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := nlwebotel.Setup(ctx, nlwebotel.SetupConfig{
		Endpoint:    env.cfg.Telemetry.OTLPEndpoint,
		ServiceName: env.cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return exitError(exitRuntime, "initializing telemetry: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			env.logger.Warn("flushing telemetry", "error", err)
		}
	}()

	observer, err := nlwebotel.NewCallObserver(
		otelapi.GetMeterProvider().Meter("nlweb-mcp/dispatch"),
		otelapi.GetTracerProvider().Tracer("nlweb-mcp/dispatch"),
	)
	if err != nil {
		return exitError(exitRuntime, "initializing tool observability: %v", err)
	}
	dispatch.SetObserver(observer)
	defer dispatch.SetObserver(nil)

	maxConcurrent := env.cfg.Server.MaxConcurrent
	if flagValue, _ := cmd.Flags().GetInt("max-concurrent"); flagValue > 0 {
		maxConcurrent = flagValue
	}
	server, err := mcp.NewServer(mcp.ServerConfig{
		Dispatcher:    env.dispatcher(),
		Version:       version,
		MaxConcurrent: maxConcurrent,
		Logger:        env.logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating server: %v", err)
	}

	pages, err := env.store.Count(ctx)
	if err != nil {
		return exitError(exitRuntime, "counting pages: %v", err)
	}

	if useHTTP, _ := cmd.Flags().GetBool("http"); useHTTP {
		return serveHTTP(ctx, cmd, env, server, pages)
	}

	env.logger.Info("nlweb mcp server running on stdio", "db", env.cfg.Database.Path, "pages", pages)
	transport := mcp.NewStreamTransport(cmd.InOrStdin(), cmd.OutOrStdout(), nil)
	serveErr := server.Serve(ctx, transport)
	_ = transport.Close(context.Background())
	env.logger.Info("shutting down")
	if serveErr != nil {
		return exitError(exitRuntime, "server error: %v", serveErr)
	}
	return nil
}

func serveHTTP(ctx context.Context, cmd *cobra.Command, env *runtimeEnv, server *mcp.Server, pages int) error {
	addr := env.cfg.Server.HTTPAddr
	if flagValue, _ := cmd.Flags().GetString("addr"); strings.TrimSpace(flagValue) != "" {
		addr = strings.TrimSpace(flagValue)
	}
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mcp.NewHTTPHandler(server, mcp.HTTPHandlerConfig{MaxBody: maxBody, Logger: env.logger}),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		env.logger.Info("nlweb mcp server listening", "addr", addr, "db", env.cfg.Database.Path, "pages", pages)
		fmt.Fprintf(cmd.OutOrStdout(), "nlweb-mcp listening on http://%s/mcp\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		env.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}
