package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/nexus/internal/docqa"
	"github.com/jkaninda/nexus/internal/gateway/httpapi"
	"github.com/jkaninda/nexus/internal/observability"
	"github.com/jkaninda/nexus/internal/ratelimit"
	"github.com/jkaninda/nexus/internal/runner"
	"github.com/jkaninda/nexus/internal/sandbox"
	"github.com/jkaninda/nexus/internal/session"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that `nexus --listen :8080` and
	// `nexus serve --listen :8080` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&listenAddr, "listen", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the HTTP gateway and the session sweeper.
func runServe(_ *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := session.NewSweeper(sc.Store, cfg.Sessions.TTL(), cfg.Sessions.Schedule(), logger)
	stopSweeper, err := sweeper.Start(ctx)
	if err != nil {
		return err
	}
	defer stopSweeper()

	health := sc.Obs.HealthOrDefault(logger)
	health.AddCheck("sandbox_root", observability.DirWritable(sc.Store.Root()))
	if cfg.Features.ExecuteEnabled() && cfg.Sandbox.SandboxType() == "docker" {
		health.AddCheck("docker", dockerAvailable)
	}

	metrics := sc.Obs.MetricsOrNil()
	gwCfg := httpapi.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		EnableDocs:      cfg.Server.EnableDocs,
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		CORSOrigins:     cfg.Server.CORSOrigins,
		MetricsRegistry: metrics.RegistryOrNil(),
		HealthChecker:   health,
		Metrics:         metrics,
	}
	if cfg.Observability != nil && cfg.Observability.Metrics != nil {
		gwCfg.MetricsPath = cfg.Observability.Metrics.Path
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})

	gw := httpapi.NewGateway(gwCfg, sc.Store, limiter, logger)
	if sc.Sandbox != nil {
		gw.WithRunner(runner.New(sc.Store, sc.Sandbox, runner.Config{
			Shell:   cfg.Sandbox.ShellPath(),
			Timeout: cfg.Sandbox.CommandTimeout(),
			Limits: sandbox.ResourceLimits{
				MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
				MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
			},
		}, logger))
	}
	if sc.Provider != nil {
		gw.WithDocQA(docqa.New(sc.Store, sc.Extractors, sc.Provider, docqa.Config{
			MaxContextChars: cfg.DocQA.ContextChars(),
			MaxTokens:       cfg.DocQA.Tokens(),
		}, logger))
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			runErr = err
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}

	return runErr
}
