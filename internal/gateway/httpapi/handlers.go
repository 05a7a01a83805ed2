package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/nexus/internal/session"
)

// UploadResponse is the JSON response for POST /api/upload.
type UploadResponse struct {
	Message   string `json:"message"`
	Filename  string `json:"filename"`
	SessionID string `json:"session_id"`
}

// ExecuteRequest is the JSON body for POST /api/execute.
type ExecuteRequest struct {
	Command   string `json:"command"`
	SessionID string `json:"session_id"`
}

// ExecuteResponse is the JSON response for POST /api/execute.
// A non-zero returncode is still a 200.
type ExecuteResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returncode"`
}

// AskRequest is the JSON body for POST /api/ask.
type AskRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

// CleanupRequest is the JSON body for POST /api/cleanup.
type CleanupRequest struct {
	SessionID string `json:"session_id"`
}

// MessageResponse is a plain acknowledgment.
type MessageResponse struct {
	Message string `json:"message"`
}

func (g *Gateway) handleUpload(c *okapi.Context) error {
	code, body := g.upload(c.Request())
	return c.JSON(code, body)
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(g.fail(c.Context(), "execute", "", "", ErrInvalidBody))
	}
	code, body := g.execute(c.Context(), req)
	return c.JSON(code, body)
}

func (g *Gateway) handleAsk(c *okapi.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(g.fail(c.Context(), "ask", "", "", ErrInvalidBody))
	}
	code, body := g.ask(c.Context(), req)
	return c.JSON(code, body)
}

func (g *Gateway) handleCleanup(c *okapi.Context) error {
	var req CleanupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(g.fail(c.Context(), "cleanup", "", "", ErrInvalidBody))
	}
	code, body := g.cleanup(c.Context(), req)
	return c.JSON(code, body)
}

func (g *Gateway) upload(r *http.Request) (int, any) {
	ctx := r.Context()
	correlationID := newCorrelationID()

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			err = fmt.Errorf("%w (%d bytes)", ErrUploadTooLarge, tooLarge.Limit)
		case errors.Is(err, http.ErrMissingFile):
			// A part named "file" with an empty filename arrives as a form value.
			if r.MultipartForm != nil && len(r.MultipartForm.Value["file"]) > 0 {
				err = session.ErrInvalidFilename
			} else {
				err = ErrNoFilePart
			}
		default:
			err = fmt.Errorf("%w: %v", ErrInvalidBody, err)
		}
		return g.fail(ctx, "upload", correlationID, "", err)
	}
	defer func() { _ = file.Close() }()

	sess, name, err := g.store.Create(header.Filename, file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("%w (%d bytes)", ErrUploadTooLarge, tooLarge.Limit)
		}
		return g.fail(ctx, "upload", correlationID, "", err)
	}

	g.logger.InfoContext(ctx, "http upload",
		slog.String("correlation_id", correlationID),
		slog.String("session_id", sess.ID),
		slog.String("filename", name),
		slog.Int64("size", header.Size),
	)

	return http.StatusOK, UploadResponse{
		Message:   "File uploaded successfully",
		Filename:  name,
		SessionID: sess.ID,
	}
}

func (g *Gateway) execute(ctx context.Context, req ExecuteRequest) (int, any) {
	correlationID := newCorrelationID()

	result, err := g.runner.Run(ctx, req.SessionID, req.Command)
	if err != nil {
		return g.fail(ctx, "execute", correlationID, req.SessionID, err)
	}

	g.logger.InfoContext(ctx, "http execute",
		slog.String("correlation_id", correlationID),
		slog.String("session_id", req.SessionID),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", result.Duration),
	)

	return http.StatusOK, ExecuteResponse{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ReturnCode: result.ExitCode,
	}
}

func (g *Gateway) ask(ctx context.Context, req AskRequest) (int, any) {
	correlationID := newCorrelationID()

	answer, err := g.qa.Ask(ctx, req.SessionID, req.Question)
	if err != nil {
		return g.fail(ctx, "ask", correlationID, req.SessionID, err)
	}

	g.logger.InfoContext(ctx, "http ask",
		slog.String("correlation_id", correlationID),
		slog.String("session_id", req.SessionID),
		slog.Int("answer_chars", len([]rune(answer.Answer))),
	)

	return http.StatusOK, answer
}

func (g *Gateway) cleanup(ctx context.Context, req CleanupRequest) (int, any) {
	correlationID := newCorrelationID()

	removed, err := g.store.Remove(req.SessionID)
	if err != nil {
		return g.fail(ctx, "cleanup", correlationID, req.SessionID, err)
	}

	g.logger.InfoContext(ctx, "http cleanup",
		slog.String("correlation_id", correlationID),
		slog.String("session_id", req.SessionID),
		slog.Bool("removed", removed),
	)

	return http.StatusOK, MessageResponse{Message: "Session cleaned up successfully"}
}

// fail logs err and returns the status and body it maps to.
func (g *Gateway) fail(ctx context.Context, op, correlationID, sessionID string, err error) (int, any) {
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	code, msg := errorStatus(err)

	attrs := []any{
		slog.String("op", op),
		slog.String("correlation_id", correlationID),
		slog.Int("status", code),
		slog.String("error", err.Error()),
	}
	if sessionID != "" {
		attrs = append(attrs, slog.String("session_id", sessionID))
	}
	if code >= http.StatusInternalServerError {
		g.logger.ErrorContext(ctx, "request failed", attrs...)
	} else {
		g.logger.WarnContext(ctx, "request rejected", attrs...)
	}

	return code, ErrorBody{Error: msg}
}
