// Package docqa answers questions about the document uploaded to a session.
//
// The pipeline is: pick the session's first file, extract its text, keep the
// first MaxContextChars characters, and make one completion call. There is no
// retry, streaming or caching.
package docqa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/jkaninda/nexus/internal/extract"
	"github.com/jkaninda/nexus/internal/llm"
	"github.com/jkaninda/nexus/internal/session"
)

var (
	// ErrEmptyQuestion is returned when the question is empty.
	ErrEmptyQuestion = errors.New("no question provided")
	// ErrEmptyContent is returned when the document has no text after trimming.
	ErrEmptyContent = errors.New("no text content could be extracted from the file")
	// ErrUpstream wraps completion provider failures.
	ErrUpstream = errors.New("completion request failed")
)

const (
	defaultMaxContextChars = 4000
	defaultMaxTokens       = 1024

	systemPrompt = "You are a helpful assistant that answers questions based on the provided document."
)

// Config holds QA settings.
type Config struct {
	MaxContextChars int // Characters (runes) of document text sent to the provider.
	MaxTokens       int // Completion budget.
}

// Answer is the result of one question.
type Answer struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
}

// Service answers questions against session documents.
type Service struct {
	store      *session.Store
	extractors *extract.Registry
	provider   llm.Provider
	config     Config
	logger     *slog.Logger
}

// New creates a Service.
func New(store *session.Store, extractors *extract.Registry, provider llm.Provider, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = defaultMaxContextChars
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Service{
		store:      store,
		extractors: extractors,
		provider:   provider,
		config:     cfg,
		logger:     logger,
	}
}

// Ask answers question using the document in sessionID. SessionID and
// question are echoed back unmodified.
func (s *Service) Ask(ctx context.Context, sessionID, question string) (*Answer, error) {
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	sess, err := s.store.Lookup(sessionID)
	if err != nil {
		return nil, err
	}
	path, err := s.store.FirstFile(sess)
	if err != nil {
		return nil, err
	}

	text, err := s.extractors.ExtractFile(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyContent
	}

	excerpt := truncate(text, s.config.MaxContextChars)

	s.logger.DebugContext(ctx, "asking provider",
		slog.String("session_id", sess.ID),
		slog.String("file", filepath.Base(path)),
		slog.Int("document_chars", len([]rune(text))),
		slog.Int("context_chars", len([]rune(excerpt))),
		slog.String("provider", s.provider.Name()),
	)

	resp, err := s.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: BuildPrompt(excerpt, question)}},
		MaxTokens:    s.config.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	return &Answer{
		SessionID: sessionID,
		Question:  question,
		Answer:    resp.Content,
	}, nil
}

// BuildPrompt renders the user message for a document excerpt and question.
func BuildPrompt(document, question string) string {
	var b strings.Builder
	b.WriteString("Based on the following document content, please answer the question.\n\n")
	b.WriteString("Document content:\n")
	b.WriteString(document)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nAnswer:")
	return b.String()
}

// truncate returns the first n runes of s.
func truncate(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
