package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/nexus/internal/config"
)

const (
	defaultAnomalyWindow = 300 * time.Second
	// minAnomalySamples is the smallest window population worth alerting on.
	minAnomalySamples = 5
)

// AnomalyDetector warns when an operation's error rate over a sliding window
// exceeds the configured threshold.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	window        time.Duration
	threshold     float64
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		window:        window,
		threshold:     cfg.ErrorRateThreshold,
		logger:        logger,
		now:           time.Now,
	}
}

// RecordError records a failed operation and checks the error rate.
// Returns true when the rate is above threshold.
func (a *AnomalyDetector) RecordError(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.windowFor(a.errorCounts, operation).add(now)
	return a.checkErrorRate(operation, now)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successCounts, operation).add(a.now())
}

// ErrorRate returns the error rate for operation over the current window and
// the number of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (rate float64, samples int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(operation, a.now())
}

// Must be called with a.mu held.
func (a *AnomalyDetector) rate(operation string, now time.Time) (float64, int) {
	errs := a.windowFor(a.errorCounts, operation).count(now)
	total := errs + a.windowFor(a.successCounts, operation).count(now)
	if total == 0 {
		return 0, 0
	}
	return float64(errs) / float64(total), total
}

// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string, now time.Time) bool {
	if a.threshold <= 0 {
		return false
	}

	rate, total := a.rate(operation, now)
	if total < minAnomalySamples || rate <= a.threshold {
		return false
	}

	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("total", total),
		)
	}
	return true
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window. Entries are appended in
// time order, so the expired ones form a prefix.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
