package httpapi

import (
	"errors"
	"net/http"

	"github.com/jkaninda/nexus/internal/docqa"
	"github.com/jkaninda/nexus/internal/extract"
	"github.com/jkaninda/nexus/internal/ratelimit"
	"github.com/jkaninda/nexus/internal/runner"
	"github.com/jkaninda/nexus/internal/sandbox"
	"github.com/jkaninda/nexus/internal/session"
)

var (
	// ErrNoFilePart is returned when an upload carries no "file" field.
	ErrNoFilePart = errors.New("no file part")
	// ErrInvalidBody is returned when a JSON body cannot be decoded.
	ErrInvalidBody = errors.New("invalid request body")
	// ErrUploadTooLarge is returned when an upload exceeds the body limit.
	ErrUploadTooLarge = errors.New("file exceeds the upload size limit")
)

// ErrorBody is the error response of every endpoint.
type ErrorBody struct {
	Error string `json:"error"`
}

// errorStatus maps a handler error to its HTTP status and client message.
// Unclassified errors are reported as a generic internal error; callers log
// the original.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrMissingSessionID),
		errors.Is(err, session.ErrInvalidFilename),
		errors.Is(err, runner.ErrEmptyCommand),
		errors.Is(err, docqa.ErrEmptyQuestion),
		errors.Is(err, ErrNoFilePart),
		errors.Is(err, ErrInvalidBody),
		errors.Is(err, ErrUploadTooLarge),
		errors.Is(err, session.ErrInvalidSession),
		errors.Is(err, session.ErrNoFile),
		errors.Is(err, extract.ErrUnsupportedFormat),
		errors.Is(err, docqa.ErrEmptyContent):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, sandbox.ErrTimeout):
		return http.StatusRequestTimeout, err.Error()
	case errors.Is(err, sandbox.ErrExecution),
		errors.Is(err, extract.ErrUnavailable),
		errors.Is(err, extract.ErrExtraction),
		errors.Is(err, docqa.ErrUpstream):
		return http.StatusInternalServerError, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
