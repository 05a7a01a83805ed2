// Package session manages sandbox sessions: one directory per session under a
// single process-wide root. The filesystem is the index. A session is valid
// exactly while its directory exists, and no other state is kept in memory.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMissingSessionID is returned when a caller passes an empty identifier.
	ErrMissingSessionID = errors.New("no session ID provided")
	// ErrInvalidSession is returned when no directory exists for the identifier.
	ErrInvalidSession = errors.New("invalid session ID")
	// ErrInvalidFilename is returned when an upload has no usable file name.
	ErrInvalidFilename = errors.New("no selected file")
	// ErrNoFile is returned when a session directory holds no files.
	ErrNoFile = errors.New("no file found in session")
)

// Session is a handle on one session directory.
type Session struct {
	ID      string
	Dir     string
	ModTime time.Time // Last entry change in the directory or last Lookup, whichever is later.
}

// Store maps session identifiers to directories under Root.
// Safe for concurrent use; concurrent requests on the same session may still race
// on the files inside it.
type Store struct {
	root    string
	logger  *slog.Logger
	metrics *Metrics
}

// NewStore creates the sandbox root if needed and returns a Store over it.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("creating sandbox root %s: %w", abs, err)
	}
	return &Store{root: abs, logger: logger}, nil
}

// WithMetrics attaches session metrics and seeds the active gauge from the
// sessions already on disk. A nil Metrics is ignored.
func (s *Store) WithMetrics(m *Metrics) *Store {
	s.metrics = m
	if m != nil {
		if sessions, err := s.List(); err == nil {
			m.Active.Set(float64(len(sessions)))
		}
	}
	return s
}

// Root returns the absolute sandbox root.
func (s *Store) Root() string { return s.root }

// Create starts a new session and stores the uploaded content under the
// sanitized filename. It returns the session and the name the file was stored as.
func (s *Store) Create(filename string, content io.Reader) (*Session, string, error) {
	name, err := SanitizeFilename(filename)
	if err != nil {
		return nil, "", err
	}

	id := uuid.New().String()
	dir := filepath.Join(s.root, id)
	if err := os.Mkdir(dir, 0750); err != nil {
		return nil, "", fmt.Errorf("creating session directory: %w", err)
	}

	if err := writeFile(filepath.Join(dir, name), content); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.logger.Warn("failed to remove partial session",
				slog.String("session_id", id),
				slog.String("error", rmErr.Error()),
			)
		}
		return nil, "", fmt.Errorf("saving uploaded file: %w", err)
	}

	if s.metrics != nil {
		s.metrics.Created.Inc()
		s.metrics.Active.Inc()
	}
	s.logger.Info("session created",
		slog.String("session_id", id),
		slog.String("filename", name),
	)

	return &Session{ID: id, Dir: dir, ModTime: time.Now()}, name, nil
}

// Lookup returns the session for id and marks it as used by touching its
// directory, so the sweeper measures idle time from the last request. It fails
// with ErrMissingSessionID for an empty id and ErrInvalidSession when the
// directory does not exist.
func (s *Store) Lookup(id string) (*Session, error) {
	if id == "" {
		return nil, ErrMissingSessionID
	}
	dir, ok := s.dirFor(id)
	if !ok {
		return nil, ErrInvalidSession
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, ErrInvalidSession
	}
	modTime := info.ModTime()
	now := time.Now()
	if err := os.Chtimes(dir, now, now); err != nil {
		s.logger.Debug("failed to touch session directory",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	} else {
		modTime = now
	}
	return &Session{ID: id, Dir: dir, ModTime: modTime}, nil
}

// Remove deletes the session directory and everything in it. Removing a
// session that does not exist is a successful no-op; removed reports whether
// anything was deleted.
func (s *Store) Remove(id string) (removed bool, err error) {
	if id == "" {
		return false, ErrMissingSessionID
	}
	dir, ok := s.dirFor(id)
	if !ok {
		return false, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("removing session %s: %w", id, err)
	}
	if s.metrics != nil {
		s.metrics.Removed.WithLabelValues("cleanup").Inc()
		s.metrics.Active.Dec()
	}
	s.logger.Info("session removed", slog.String("session_id", id))
	return true, nil
}

// List returns every session currently present under the root.
// Entries that are not session directories are ignored.
func (s *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading sandbox root: %w", err)
	}
	sessions := make([]*Session, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir, ok := s.dirFor(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		sessions = append(sessions, &Session{ID: e.Name(), Dir: dir, ModTime: info.ModTime()})
	}
	return sessions, nil
}

// FirstFile returns the path of the first regular file in the session
// directory, in directory listing order. Subdirectories are skipped; dotfiles
// are not, since uploads may be stored under a dot-prefixed name.
func (s *Store) FirstFile(sess *Session) (string, error) {
	entries, err := os.ReadDir(sess.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrInvalidSession
		}
		return "", fmt.Errorf("listing session directory: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		return filepath.Join(sess.Dir, e.Name()), nil
	}
	return "", ErrNoFile
}

// dirFor maps an identifier to its directory. Only canonical UUID strings are
// accepted, so no client input can name a path outside the root.
func (s *Store) dirFor(id string) (string, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return "", false
	}
	return filepath.Join(s.root, id), true
}

// SanitizeFilename reduces a client-supplied filename to a bare base name.
func SanitizeFilename(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(name))
	name = strings.ReplaceAll(name, "\x00", "")
	switch name {
	case "", ".", "..", "/":
		return "", ErrInvalidFilename
	}
	return name, nil
}

func writeFile(path string, content io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, content); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
