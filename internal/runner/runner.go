// Package runner executes client-supplied shell command strings inside a
// session directory.
//
// The command is handed to the configured shell with -c, so pipes and
// redirects work. Any command is accepted; the only containment is whatever
// the configured sandbox provides.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jkaninda/nexus/internal/sandbox"
	"github.com/jkaninda/nexus/internal/session"
)

// ErrEmptyCommand is returned when the command string is empty.
var ErrEmptyCommand = errors.New("no command provided")

// Config holds runner settings.
type Config struct {
	Shell   string                 // Shell used as "<shell> -c <command>".
	Timeout time.Duration          // Wall-clock budget per command.
	Limits  sandbox.ResourceLimits // Per-command resource caps.
}

// Runner resolves sessions and dispatches commands to a sandbox.
type Runner struct {
	store   *session.Store
	sandbox sandbox.Sandbox
	config  Config
	logger  *slog.Logger
}

// New creates a Runner.
func New(store *session.Store, sbx sandbox.Sandbox, cfg Config, logger *slog.Logger) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Runner{
		store:   store,
		sandbox: sbx,
		config:  cfg,
		logger:  logger,
	}
}

// Run executes command in the directory of sessionID and returns its output.
// Errors: ErrEmptyCommand, session.ErrMissingSessionID, session.ErrInvalidSession,
// sandbox.ErrTimeout, sandbox.ErrExecution.
func (r *Runner) Run(ctx context.Context, sessionID, command string) (*sandbox.ExecutionResult, error) {
	if command == "" {
		return nil, ErrEmptyCommand
	}
	sess, err := r.store.Lookup(sessionID)
	if err != nil {
		return nil, err
	}

	r.logger.DebugContext(ctx, "running command",
		slog.String("session_id", sess.ID),
		slog.String("command", command),
	)

	return r.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:    []string{r.config.Shell, "-c", command},
		WorkingDir: sess.Dir,
		Timeout:    r.config.Timeout,
		Limits:     r.config.Limits,
	})
}
