// Package config handles loading and validating nexus configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for nexus.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server" toml:"server"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Sessions      SessionsConfig       `json:"sessions" yaml:"sessions" toml:"sessions"`
	Features      FeaturesConfig       `json:"features" yaml:"features" toml:"features"`
	DocQA         DocQAConfig          `json:"docqa" yaml:"docqa" toml:"docqa"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers" toml:"providers"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr     string          `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`                // Default: ":5000". Override: NEXUS_LISTEN_ADDR.
	MaxUploadBytes int64           `json:"max_upload_bytes" yaml:"max_upload_bytes" toml:"max_upload_bytes"` // Default: 32 MiB.
	EnableDocs     bool            `json:"enable_docs" yaml:"enable_docs" toml:"enable_docs"`
	CORSOrigins    []string        `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"` // Default: ["*"].
	RateLimit      RateLimitConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size" toml:"burst_size"`
}

// SandboxConfig configures where sessions live and how commands run.
type SandboxConfig struct {
	Root                  string              `json:"root" yaml:"root" toml:"root"`    // Default: <tmp>/file_command_nexus. Override: NEXUS_SANDBOX_ROOT.
	Type                  string              `json:"type" yaml:"type" toml:"type"`    // "process" (default) or "docker".
	Shell                 string              `json:"shell" yaml:"shell" toml:"shell"` // Default: /bin/sh.
	CommandTimeoutSeconds int                 `json:"command_timeout_seconds" yaml:"command_timeout_seconds" toml:"command_timeout_seconds"`
	MaxMemoryMB           int                 `json:"max_memory_mb" yaml:"max_memory_mb" toml:"max_memory_mb"`
	MaxCPUSeconds         int                 `json:"max_cpu_seconds" yaml:"max_cpu_seconds" toml:"max_cpu_seconds"`
	Docker                DockerSandboxConfig `json:"docker" yaml:"docker" toml:"docker"`
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image          string  `json:"image" yaml:"image" toml:"image"`                // Default: "busybox:stable".
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores" toml:"cpu_cores"`    // 0 = 1.0.
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit" toml:"pids_limit"` // 0 = 64.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed" toml:"network_allowed"`
}

// CommandTimeout returns the wall-clock budget of a single command.
func (s SandboxConfig) CommandTimeout() time.Duration {
	if s.CommandTimeoutSeconds > 0 {
		return time.Duration(s.CommandTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// ShellPath returns the shell used to interpret commands.
func (s SandboxConfig) ShellPath() string {
	if s.Shell != "" {
		return s.Shell
	}
	return "/bin/sh"
}

// SandboxType returns the configured sandbox type, defaulting to "process".
func (s SandboxConfig) SandboxType() string {
	if s.Type != "" {
		return s.Type
	}
	return "process"
}

// SessionsConfig controls session expiry.
type SessionsConfig struct {
	TTLSeconds    *int   `json:"ttl_seconds,omitempty" yaml:"ttl_seconds,omitempty" toml:"ttl_seconds,omitempty"` // nil = 24h, 0 = never expire.
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule" toml:"sweep_schedule"`                      // Cron spec. Default: "@every 10m".
}

// TTL returns the idle age after which a session is swept. Zero disables expiry.
func (s SessionsConfig) TTL() time.Duration {
	if s.TTLSeconds == nil {
		return 24 * time.Hour
	}
	return time.Duration(*s.TTLSeconds) * time.Second
}

// Schedule returns the sweep schedule.
func (s SessionsConfig) Schedule() string {
	if s.SweepSchedule != "" {
		return s.SweepSchedule
	}
	return "@every 10m"
}

// FeaturesConfig toggles the two processing strategies.
type FeaturesConfig struct {
	Execute *bool `json:"execute,omitempty" yaml:"execute,omitempty" toml:"execute,omitempty"` // POST /api/execute. Default: true.
	Ask     *bool `json:"ask,omitempty" yaml:"ask,omitempty" toml:"ask,omitempty"`             // POST /api/ask. Default: true.
}

// ExecuteEnabled reports whether the command runner is exposed.
func (f FeaturesConfig) ExecuteEnabled() bool { return f.Execute == nil || *f.Execute }

// AskEnabled reports whether document QA is exposed.
func (f FeaturesConfig) AskEnabled() bool { return f.Ask == nil || *f.Ask }

// DocQAConfig configures the document QA pipeline.
type DocQAConfig struct {
	MaxContextChars       int   `json:"max_context_chars" yaml:"max_context_chars" toml:"max_context_chars"` // Default: 4000.
	MaxTokens             int   `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`                      // Default: 1024.
	RequestTimeoutSeconds int   `json:"request_timeout_seconds" yaml:"request_timeout_seconds" toml:"request_timeout_seconds"`
	PDFEnabled            *bool `json:"pdf_enabled,omitempty" yaml:"pdf_enabled,omitempty" toml:"pdf_enabled,omitempty"` // Default: true.
}

// ContextChars returns the character budget for extracted content.
func (d DocQAConfig) ContextChars() int {
	if d.MaxContextChars > 0 {
		return d.MaxContextChars
	}
	return 4000
}

// Tokens returns the completion token limit.
func (d DocQAConfig) Tokens() int {
	if d.MaxTokens > 0 {
		return d.MaxTokens
	}
	return 1024
}

// RequestTimeout returns the client-side timeout of the completion call.
func (d DocQAConfig) RequestTimeout() time.Duration {
	if d.RequestTimeoutSeconds > 0 {
		return time.Duration(d.RequestTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// PDF reports whether PDF extraction is available.
func (d DocQAConfig) PDF() bool { return d.PDFEnabled == nil || *d.PDFEnabled }

// ProvidersConfig selects and configures the completion API.
type ProvidersConfig struct {
	Default string       `json:"default" yaml:"default" toml:"default"` // "openai" (default) or "ollama". Override: NEXUS_PROVIDER.
	OpenAI  OpenAIConfig `json:"openai" yaml:"openai" toml:"openai"`
	Ollama  OllamaConfig `json:"ollama" yaml:"ollama" toml:"ollama"`

	// Fallback lists providers tried in order when Default fails.
	Fallback []string `json:"fallback,omitempty" yaml:"fallback,omitempty" toml:"fallback,omitempty"`
}

// Chain returns Default followed by the fallback providers.
func (p ProvidersConfig) Chain() []string {
	return append([]string{p.Default}, p.Fallback...)
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"` // Override: OPENAI_API_KEY.
	Model   string `json:"model" yaml:"model" toml:"model"`       // Default: gpt-3.5-turbo.
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"`
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model" toml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"` // Default: http://localhost:11434.
}

// ObservabilityConfig configures metrics, tracing and error-rate alerts.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty" toml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`             // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol"`             // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "nexus"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`    // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`
}

// AnomalyConfig configures the sliding-window error-rate detector.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" toml:"window_seconds"`                   // Default: 300
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" toml:"error_rate_threshold"` // 0.0–1.0; 0 disables the check
}

// DefaultSandboxRoot returns the process-wide sandbox root under the system temp dir.
func DefaultSandboxRoot() string {
	return filepath.Join(os.TempDir(), "file_command_nexus")
}

// Load reads a JSON, YAML or TOML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, .toml for TOML,
// everything else for JSON. An empty path yields the defaults.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		if err := decode(resolved, data, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parsing TOML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("NEXUS_PROVIDER"); v != "" {
		c.Providers.Default = v
	}
	if v := os.Getenv("NEXUS_MODEL"); v != "" {
		switch c.Providers.Default {
		case "ollama":
			c.Providers.Ollama.Model = v
		default:
			c.Providers.OpenAI.Model = v
		}
	}
	if v := os.Getenv("NEXUS_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("NEXUS_SANDBOX_ROOT"); v != "" {
		c.Sandbox.Root = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":5000"
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 32 << 20
	}
	if c.Server.CORSOrigins == nil {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Sandbox.Root == "" {
		c.Sandbox.Root = DefaultSandboxRoot()
	}
	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	if c.Providers.OpenAI.Model == "" {
		c.Providers.OpenAI.Model = "gpt-3.5-turbo"
	}
	if c.Providers.Ollama.Model == "" {
		c.Providers.Ollama.Model = "llama3"
	}
}

func (c *Config) validate() error {
	if !c.Features.ExecuteEnabled() && !c.Features.AskEnabled() {
		return fmt.Errorf("at least one of features.execute or features.ask must be enabled")
	}
	if c.Server.MaxUploadBytes < 0 {
		return fmt.Errorf("server.max_upload_bytes must not be negative")
	}
	switch c.Sandbox.SandboxType() {
	case "process", "docker":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use process or docker)", c.Sandbox.Type)
	}
	if c.Sandbox.CommandTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.command_timeout_seconds must not be negative")
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}
	if c.Sessions.TTLSeconds != nil && *c.Sessions.TTLSeconds < 0 {
		return fmt.Errorf("sessions.ttl_seconds must not be negative")
	}
	if _, err := cron.ParseStandard(c.Sessions.Schedule()); err != nil {
		return fmt.Errorf("sessions.sweep_schedule %q: %w", c.Sessions.Schedule(), err)
	}
	if c.DocQA.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("docqa.request_timeout_seconds must not be negative")
	}
	if o := c.Observability; o != nil && o.Anomaly != nil {
		if t := o.Anomaly.ErrorRateThreshold; t < 0 || t > 1 {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be between 0 and 1")
		}
	}
	if c.Features.AskEnabled() {
		if err := c.validateProvider(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateProvider() error {
	seen := make(map[string]bool)
	for i, name := range c.Providers.Chain() {
		field := "providers.default"
		if i > 0 {
			field = fmt.Sprintf("providers.fallback[%d]", i-1)
		}
		if seen[name] {
			return fmt.Errorf("%s: provider %q listed twice", field, name)
		}
		seen[name] = true

		switch name {
		case "openai":
			if c.Providers.OpenAI.APIKey == "" {
				return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
			}
		case "ollama":
			if c.Providers.Ollama.Model == "" {
				return fmt.Errorf("providers.ollama.model is required")
			}
		default:
			return fmt.Errorf("%s %q is not supported (use openai or ollama)", field, name)
		}
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
