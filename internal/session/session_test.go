package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var d dto.Metric
	if err := m.Write(&d); err != nil {
		t.Fatalf("writing metric: %v", err)
	}
	if d.Counter != nil {
		return d.GetCounter().GetValue()
	}
	return d.GetGauge().GetValue()
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestCreate_StoresFile(t *testing.T) {
	s := newTestStore(t)

	sess, name, err := s.Create("notes.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if name != "notes.txt" {
		t.Errorf("name = %q, want notes.txt", name)
	}
	if filepath.Dir(sess.Dir) != s.Root() {
		t.Errorf("session dir %q not directly under root %q", sess.Dir, s.Root())
	}

	got, err := os.ReadFile(filepath.Join(sess.Dir, "notes.txt"))
	if err != nil {
		t.Fatalf("reading stored file: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want hello", got)
	}
}

func TestCreate_DistinctIDs(t *testing.T) {
	s := newTestStore(t)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		sess, _, err := s.Create("a.txt", strings.NewReader("x"))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if seen[sess.ID] {
			t.Fatalf("duplicate session ID %s", sess.ID)
		}
		seen[sess.ID] = true
	}
}

func TestCreate_SanitizesFilename(t *testing.T) {
	s := newTestStore(t)

	sess, name, err := s.Create("../../etc/passwd", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if name != "passwd" {
		t.Errorf("name = %q, want passwd", name)
	}
	if _, err := os.Stat(filepath.Join(sess.Dir, "passwd")); err != nil {
		t.Errorf("file not stored inside session: %v", err)
	}
}

func TestCreate_EmptyFilename(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Create("", strings.NewReader("x"))
	if !errors.Is(err, ErrInvalidFilename) {
		t.Fatalf("err = %v, want ErrInvalidFilename", err)
	}
	entries, _ := os.ReadDir(s.Root())
	if len(entries) != 0 {
		t.Errorf("root has %d entries, want none", len(entries))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestCreate_WriteFailureLeavesNoSession(t *testing.T) {
	s := newTestStore(t)

	if _, _, err := s.Create("a.txt", failingReader{}); err == nil {
		t.Fatal("expected error")
	}
	entries, _ := os.ReadDir(s.Root())
	if len(entries) != 0 {
		t.Errorf("root has %d entries after failed upload", len(entries))
	}
}

func TestLookup(t *testing.T) {
	s := newTestStore(t)
	sess, _, err := s.Create("a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tests := []struct {
		name    string
		id      string
		wantErr error
	}{
		{"existing", sess.ID, nil},
		{"empty", "", ErrMissingSessionID},
		{"unknown uuid", "00000000-0000-4000-8000-000000000000", ErrInvalidSession},
		{"traversal", "../" + filepath.Base(s.Root()), ErrInvalidSession},
		{"absolute", "/etc", ErrInvalidSession},
		{"uppercase", strings.ToUpper(sess.ID), ErrInvalidSession},
		{"urn form", "urn:uuid:" + sess.ID, ErrInvalidSession},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Lookup(tc.id)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr == nil && got.Dir != sess.Dir {
				t.Errorf("Dir = %q, want %q", got.Dir, sess.Dir)
			}
		})
	}
}

func TestLookup_MarksSessionUsed(t *testing.T) {
	s := newTestStore(t)
	sess, _, err := s.Create("a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(sess.Dir, old, old); err != nil {
		t.Fatal(err)
	}

	got, err := s.Lookup(sess.ID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !got.ModTime.After(old) {
		t.Errorf("ModTime = %s, want later than %s", got.ModTime, old)
	}

	sw := NewSweeper(s, time.Hour, "@every 1m", discardLogger())
	expired, err := sw.Expired()
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("session used by Lookup reported expired: %v", expired)
	}
}

func TestMetrics_ActiveTracksCreateAndRemove(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Create("existing.txt", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}

	m := NewMetrics(prometheus.NewRegistry())
	s.WithMetrics(m)
	if got := metricValue(t, m.Active); got != 1 {
		t.Fatalf("active after WithMetrics = %v, want 1", got)
	}

	sess, _, err := s.Create("a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	if got := metricValue(t, m.Active); got != 2 {
		t.Errorf("active after Create = %v, want 2", got)
	}

	if _, err := s.Remove(sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Remove(sess.ID); err != nil {
		t.Fatal(err)
	}
	if got := metricValue(t, m.Active); got != 1 {
		t.Errorf("active after Remove = %v, want 1", got)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	s := newTestStore(t)
	sess, _, err := s.Create("a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	removed, err := s.Remove(sess.ID)
	if err != nil || !removed {
		t.Fatalf("first Remove = (%v, %v), want (true, nil)", removed, err)
	}
	if _, err := os.Stat(sess.Dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("session dir still present: %v", err)
	}

	removed, err = s.Remove(sess.ID)
	if err != nil || removed {
		t.Fatalf("second Remove = (%v, %v), want (false, nil)", removed, err)
	}

	if _, err := s.Lookup(sess.ID); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("Lookup after remove: %v, want ErrInvalidSession", err)
	}
}

func TestRemove_MissingAndMalformed(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Remove(""); !errors.Is(err, ErrMissingSessionID) {
		t.Errorf("Remove(\"\") = %v, want ErrMissingSessionID", err)
	}

	// A malformed ID must never reach the filesystem.
	outside := filepath.Join(filepath.Dir(s.Root()), "keep")
	if err := os.Mkdir(outside, 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	removed, err := s.Remove("../keep")
	if err != nil || removed {
		t.Fatalf("Remove(../keep) = (%v, %v), want (false, nil)", removed, err)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("directory outside root was touched: %v", err)
	}
}

func TestFirstFile(t *testing.T) {
	s := newTestStore(t)
	sess, _, err := s.Create("report.pdf", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.Mkdir(filepath.Join(sess.Dir, "a-sub"), 0750); err != nil {
		t.Fatal(err)
	}

	path, err := s.FirstFile(sess)
	if err != nil {
		t.Fatalf("FirstFile: %v", err)
	}
	if filepath.Base(path) != "report.pdf" {
		t.Errorf("FirstFile = %q, want report.pdf", path)
	}
}

func TestFirstFile_DotPrefixedUpload(t *testing.T) {
	s := newTestStore(t)
	sess, stored, err := s.Create(".notes.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if stored != ".notes.txt" {
		t.Fatalf("stored as %q, want .notes.txt", stored)
	}

	path, err := s.FirstFile(sess)
	if err != nil {
		t.Fatalf("FirstFile: %v", err)
	}
	if filepath.Base(path) != ".notes.txt" {
		t.Errorf("FirstFile = %q, want .notes.txt", path)
	}
}

func TestFirstFile_Empty(t *testing.T) {
	s := newTestStore(t)
	sess, _, err := s.Create("a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.Remove(filepath.Join(sess.Dir, "a.txt")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.FirstFile(sess); !errors.Is(err, ErrNoFile) {
		t.Errorf("err = %v, want ErrNoFile", err)
	}
}

func TestList_IgnoresForeignEntries(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Create("a.txt", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(s.Root(), "not-a-session"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Root(), "stray.txt"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("List returned %d sessions, want 1", len(sessions))
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"notes.txt", "notes.txt", false},
		{"dir/notes.txt", "notes.txt", false},
		{`C:\Users\me\notes.txt`, "notes.txt", false},
		{"  spaced.txt ", "spaced.txt", false},
		{"", "", true},
		{"..", "", true},
		{".", "", true},
		{"/", "", true},
		{"a/b/", "b", false},
	}

	for _, tc := range tests {
		got, err := SanitizeFilename(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidFilename) {
				t.Errorf("SanitizeFilename(%q) err = %v, want ErrInvalidFilename", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("SanitizeFilename(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSweep_RemovesIdleSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := newTestStore(t).WithMetrics(m)

	stale, _, err := s.Create("old.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	fresh, _, err := s.Create("new.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale.Dir, old, old); err != nil {
		t.Fatal(err)
	}

	sw := NewSweeper(s, time.Hour, "@every 1m", discardLogger())
	n, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	if _, err := s.Lookup(stale.ID); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("stale session still valid: %v", err)
	}
	if _, err := s.Lookup(fresh.ID); err != nil {
		t.Errorf("fresh session removed: %v", err)
	}

	if got := metricValue(t, m.Removed.WithLabelValues("expired")); got != 1 {
		t.Errorf("expired counter = %v, want 1", got)
	}
	if got := metricValue(t, m.Active); got != 1 {
		t.Errorf("active gauge = %v, want 1", got)
	}
}

func TestSweep_DisabledTTL(t *testing.T) {
	s := newTestStore(t)
	sess, _, err := s.Create("a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(sess.Dir, old, old); err != nil {
		t.Fatal(err)
	}

	sw := NewSweeper(s, 0, "@every 1m", discardLogger())
	n, err := sw.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Sweep = (%d, %v), want (0, nil)", n, err)
	}

	stop, err := sw.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
}

func TestSweeper_StartRejectsBadSchedule(t *testing.T) {
	sw := NewSweeper(newTestStore(t), time.Hour, "not a schedule", discardLogger())
	if _, err := sw.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestSweeper_ExpiredDoesNotRemove(t *testing.T) {
	s := newTestStore(t)
	stale, _, err := s.Create("old.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Create("new.txt", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale.Dir, old, old); err != nil {
		t.Fatal(err)
	}

	sw := NewSweeper(s, time.Hour, "@every 1m", discardLogger())
	expired, err := sw.Expired()
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("expired = %v, want only %s", expired, stale.ID)
	}
	if _, err := s.Lookup(stale.ID); err != nil {
		t.Errorf("Expired removed the session: %v", err)
	}
}
