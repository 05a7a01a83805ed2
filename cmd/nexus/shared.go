package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/nexus/internal/config"
	"github.com/jkaninda/nexus/internal/extract"
	"github.com/jkaninda/nexus/internal/llm"
	"github.com/jkaninda/nexus/internal/llm/openai"
	"github.com/jkaninda/nexus/internal/observability"
	"github.com/jkaninda/nexus/internal/sandbox"
	"github.com/jkaninda/nexus/internal/session"
)

// SharedComponents holds everything built from config that commands share.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs        *observability.Observability
	Store      *session.Store
	Sandbox    sandbox.Sandbox    // nil when features.execute is off.
	Provider   llm.Provider       // nil when features.ask is off.
	Extractors *extract.Registry // nil when features.ask is off.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the JSON logger on stderr. The --log-level flag wins over
// NEXUS_LOG_LEVEL.
func newLogger() (*slog.Logger, error) {
	level, err := parseLevel(goutils.Env("NEXUS_LOG_LEVEL", logLevel))
	if logLevel != "" {
		level, err = parseLevel(logLevel)
	}
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q (use debug, info, warn or error)", s)
	}
	return level, nil
}

// loadConfig resolves the config path from the flag or NEXUS_CONFIG.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("NEXUS_CONFIG", configPath))
}

// initShared builds the components enabled in cfg. Callers must call
// sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Session store.
	store, err := session.NewStore(cfg.Sandbox.Root, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing session store: %w", err)
	}
	sc.Store = store.WithMetrics(session.NewMetrics(obs.MetricsOrNil().RegistryOrNil()))
	logger.Debug("session store initialized", slog.String("root", store.Root()))

	// Sandbox.
	if cfg.Features.ExecuteEnabled() {
		sbx, err := initSandbox(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing sandbox: %w", err)
		}
		if obs != nil {
			sbx = observability.NewInstrumentedSandbox(
				sbx, cfg.Sandbox.SandboxType(), obs.Metrics, obs.TracerOrNil(), obs.Anomaly,
			)
		}
		sc.Sandbox = sbx
		logger.Debug("sandbox initialized", slog.String("type", cfg.Sandbox.SandboxType()))
	}

	// Completion provider and extractors.
	if cfg.Features.AskEnabled() {
		provider, err := buildProvider(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing completion provider: %w", err)
		}
		if obs != nil {
			provider = observability.NewInstrumentedProvider(
				provider, obs.Metrics, obs.TracerOrNil(), obs.Anomaly,
			)
		}
		sc.Provider = provider
		sc.Extractors = extract.New(extract.Config{PDFEnabled: cfg.DocQA.PDF()})
		logger.Debug("completion provider initialized",
			slog.String("provider", provider.Name()),
			slog.Bool("pdf", cfg.DocQA.PDF()),
		)
	}

	return sc, nil
}

// initSandbox creates the appropriate sandbox based on config type.
func initSandbox(cfg *config.Config, logger *slog.Logger) (sandbox.Sandbox, error) {
	limits := sandbox.ResourceLimits{
		MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
		MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
	}
	switch cfg.Sandbox.SandboxType() {
	case "docker":
		return sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:          cfg.Sandbox.Docker.Image,
			DefaultTimeout: cfg.Sandbox.CommandTimeout(),
			MemoryMB:       cfg.Sandbox.MaxMemoryMB,
			CPUCores:       cfg.Sandbox.Docker.CPUCores,
			PIDsLimit:      cfg.Sandbox.Docker.PIDsLimit,
			NetworkAllowed: cfg.Sandbox.Docker.NetworkAllowed,
		}, logger), nil
	case "process":
		return sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			DefaultTimeout: cfg.Sandbox.CommandTimeout(),
			DefaultLimits:  limits,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q (supported: process, docker)", cfg.Sandbox.Type)
	}
}

// buildProvider creates the completion provider chain: providers.default first,
// then providers.fallback in order.
func buildProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	var chain []llm.Provider
	for _, name := range cfg.Providers.Chain() {
		p, err := newProvider(name, cfg, logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return llm.NewFallbackProvider(chain, logger), nil
}

func newProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	timeout := openai.WithTimeout(cfg.DocQA.RequestTimeout())
	switch name {
	case "openai":
		opts := []openai.Option{timeout}
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
			timeout,
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}

// dockerAvailable is a readiness check for the docker sandbox.
func dockerAvailable(ctx context.Context) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker CLI not found: %w", err)
	}
	return exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}").Run()
}
