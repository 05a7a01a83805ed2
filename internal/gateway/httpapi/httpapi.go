// Package httpapi implements the HTTP API gateway for nexus.
//
// Endpoints:
//   - POST /api/upload   multipart "file" field, creates a session
//   - POST /api/execute  runs a shell command in a session (features.execute)
//   - POST /api/ask      answers a question about the session's document (features.ask)
//   - POST /api/cleanup  deletes a session, idempotent
//
// There is no authentication. Request bodies are size limited, clients are
// rate limited per remote address and every request is logged with a
// correlation ID.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/nexus/internal/docqa"
	"github.com/jkaninda/nexus/internal/gateway"
	"github.com/jkaninda/nexus/internal/observability"
	"github.com/jkaninda/nexus/internal/ratelimit"
	"github.com/jkaninda/nexus/internal/sandbox"
	"github.com/jkaninda/nexus/internal/session"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB, JSON endpoints.
	defaultMaxUploadSize  = 32 << 20

	pathUpload  = "/api/upload"
	pathExecute = "/api/execute"
	pathAsk     = "/api/ask"
	pathCleanup = "/api/cleanup"
)

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":5000"
	EnableDocs     bool
	MaxUploadBytes int64    // Upload body limit. 0 = 32 MiB.
	CORSOrigins    []string // "*" allows any origin. Empty = CORS headers are not sent.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// CommandRunner runs a shell command inside a session.
type CommandRunner interface {
	Run(ctx context.Context, sessionID, command string) (*sandbox.ExecutionResult, error)
}

// QuestionAnswerer answers a question about a session's document.
type QuestionAnswerer interface {
	Ask(ctx context.Context, sessionID, question string) (*docqa.Answer, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	store   *session.Store
	runner  CommandRunner    // nil = /api/execute disabled.
	qa      QuestionAnswerer // nil = /api/ask disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP API gateway over store. Execute and ask are
// enabled by attaching a runner and a question answerer.
func NewGateway(cfg Config, store *session.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadSize
	}
	return &Gateway{
		config:  cfg,
		store:   store,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxUploadBytes)),
	}
}

// WithRunner exposes POST /api/execute.
func (g *Gateway) WithRunner(r CommandRunner) *Gateway {
	g.runner = r
	return g
}

// WithDocQA exposes POST /api/ask.
func (g *Gateway) WithDocQA(qa QuestionAnswerer) *Gateway {
	g.qa = qa
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Nexus",
			Version: "v0.1.0",
		},
	)
	return g
}

// knownRoutes lists the paths recorded verbatim in HTTP metrics.
func (g *Gateway) knownRoutes() map[string]bool {
	known := map[string]bool{
		pathUpload:  true,
		pathCleanup: true,
		"/healthz":  true,
		"/readyz":   true,
	}
	if g.runner != nil {
		known[pathExecute] = true
	}
	if g.qa != nil {
		known[pathAsk] = true
	}
	return known
}

func (g *Gateway) routes() {
	// Plain net/http middleware, applied before routing so preflight
	// requests are answered for every path.
	g.okapi.UseMiddleware(g.cors)
	g.okapi.UseMiddleware(g.limitBody)

	api := g.okapi.Group("/api",
		observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer, g.knownRoutes()),
		g.rateLimit,
	)

	api.Post("/upload", g.handleUpload,
		okapi.DocSummary("Upload a file into a new session"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse(UploadResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	if g.runner != nil {
		api.Post("/execute", g.handleExecute,
			okapi.DocSummary("Run a shell command in the session directory"),
			okapi.DocTags("Execute"),
			okapi.DocRequestBody(ExecuteRequest{}),
			okapi.DocResponse(ExecuteResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusRequestTimeout, ErrorBody{}),
			okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
		)
	}
	if g.qa != nil {
		api.Post("/ask", g.handleAsk,
			okapi.DocSummary("Ask a question about the session's document"),
			okapi.DocTags("Ask"),
			okapi.DocRequestBody(AskRequest{}),
			okapi.DocResponse(docqa.Answer{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
		)
	}
	api.Post("/cleanup", g.handleCleanup,
		okapi.DocSummary("Delete a session and its files"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(CleanupRequest{}),
		okapi.DocResponse(MessageResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute, // Uploads.
		WriteTimeout:      5 * time.Minute, // Commands and completion calls.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting",
		slog.String("addr", g.config.ListenAddr),
		slog.Bool("execute", g.runner != nil),
		slog.Bool("ask", g.qa != nil),
	)

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	code, body := g.readiness(c.Context())
	return c.JSON(code, body)
}

func (g *Gateway) readiness(ctx context.Context) (int, any) {
	if g.config.HealthChecker == nil {
		return http.StatusOK, &HealthResponse{Status: "ok"}
	}
	status := g.config.HealthChecker.CheckReady(ctx)
	if status.Status != "ok" {
		return http.StatusServiceUnavailable, status
	}
	return http.StatusOK, status
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
