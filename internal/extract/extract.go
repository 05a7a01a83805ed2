// Package extract turns an uploaded document into plain text. The extractor
// is chosen by file extension.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for extensions without an extractor.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrUnavailable is returned when the format is known but its extractor
	// is not enabled in this process.
	ErrUnavailable = errors.New("text extraction not available")
	// ErrExtraction wraps parse failures inside an extractor.
	ErrExtraction = errors.New("text extraction failed")
)

// Extractor converts raw content to plain text.
type Extractor interface {
	Extract(content []byte) (string, error)
}

// Config selects which optional extractors are enabled.
type Config struct {
	PDFEnabled bool
}

// Registry dispatches extraction by lower-cased file extension.
type Registry struct {
	extractors map[string]Extractor
	// known lists extensions that are recognised even when disabled.
	known map[string]bool
}

// New builds the registry for cfg. Plain text is always available.
func New(cfg Config) *Registry {
	r := &Registry{
		extractors: map[string]Extractor{
			".txt": NewTextExtractor(),
		},
		known: map[string]bool{".txt": true, ".pdf": true},
	}
	if cfg.PDFEnabled {
		r.extractors[".pdf"] = NewPDFExtractor()
	}
	return r
}

// Register adds or replaces the extractor for ext (including the leading dot).
func (r *Registry) Register(ext string, e Extractor) {
	ext = strings.ToLower(ext)
	r.extractors[ext] = e
	r.known[ext] = true
}

// Supports reports whether files with this name can be extracted.
func (r *Registry) Supports(name string) bool {
	_, ok := r.extractors[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ExtractFile reads path and returns its text.
func (r *Registry) ExtractFile(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	e, ok := r.extractors[ext]
	if !ok {
		if r.known[ext] {
			return "", fmt.Errorf("%w for %s files", ErrUnavailable, ext)
		}
		if ext == "" {
			return "", fmt.Errorf("%w: file has no extension", ErrUnsupportedFormat)
		}
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return e.Extract(content)
}
