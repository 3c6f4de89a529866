package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cybersentinel/pkg/api"
	otelobs "cybersentinel/pkg/observability/otel"
	"cybersentinel/pkg/policy"
	"cybersentinel/pkg/structlog"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the incident API",
	Long: `Serve the incident API and the per-tenant websocket progress stream.

Incidents are stored in Postgres when database.url is set and in memory
otherwise. With redis.url set, progress events are relayed through Redis so
that every replica reaches its own observers.

Example:
  sentinel serve --config sentinel.yaml
  SENTINEL_REASONING_PROVIDER=gemini GEMINI_API_KEY=... sentinel serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	applyServerTimeouts(cfg)
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := otelobs.InitTracer(ctx, otelobs.TracerConfig{
		ServiceName: cfg.Log.Service,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("tracer shutdown failed", structlog.Fields{"error": err})
		}
	}()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := api.NewServer(api.Options{
		Orchestrator: a.orch,
		Dispatcher:   a.dispatcher,
		Store:        a.store,
		Registry:     a.registry,
		Tokens:       a.tokens,
		Limiter:      a.limiter,
		Metrics:      a.metrics,
		Gatherer:     a.gatherer,
		Logger:       logger,
		SyncTimeout:  cfg.Server.SyncTimeout,
		Health:       a,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx) })
	}
	if a.guard != nil && cfg.Policy.BundleURL != "" {
		poller := &policy.Poller{
			URL:      cfg.Policy.BundleURL,
			Interval: cfg.Policy.PollInterval,
			Guard:    a.guard,
			Logger:   logger,
		}
		g.Go(func() error { return poller.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("server starting", structlog.Fields{
			"addr":     cfg.Server.Addr,
			"provider": cfg.Reasoning.Provider,
			"postgres": a.db != nil,
			"redis":    a.redis != nil,
			"auth":     a.tokens != nil,
			"limit":    cfg.RateLimit.Requests,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", nil)
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	// Scheduled runs outlive their requests; let them finish before the store closes.
	a.dispatcher.Wait()
	logger.Info("server stopped", nil)
	return err
}
