package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/nexus/internal/sandbox"
	"github.com/jkaninda/nexus/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSandbox records the last request and returns a canned result.
type fakeSandbox struct {
	last   sandbox.ExecutionRequest
	calls  int
	result *sandbox.ExecutionResult
	err    error
}

func (f *fakeSandbox) Execute(_ context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	f.calls++
	f.last = req
	return f.result, f.err
}

func newTestStore(t *testing.T) *session.Store {
	t.Helper()
	s, err := session.NewStore(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestRun_DispatchesShellCommand(t *testing.T) {
	store := newTestStore(t)
	sess, _, err := store.Create("a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	fake := &fakeSandbox{result: &sandbox.ExecutionResult{Stdout: "ok"}}
	r := New(store, fake, Config{Timeout: 30 * time.Second}, discardLogger())

	res, err := r.Run(context.Background(), sess.ID, "ls | wc -l")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "ok" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	want := []string{"/bin/sh", "-c", "ls | wc -l"}
	if strings.Join(fake.last.Command, "\x00") != strings.Join(want, "\x00") {
		t.Errorf("Command = %q, want %q", fake.last.Command, want)
	}
	if fake.last.WorkingDir != sess.Dir {
		t.Errorf("WorkingDir = %q, want %q", fake.last.WorkingDir, sess.Dir)
	}
	if fake.last.Timeout != 30*time.Second {
		t.Errorf("Timeout = %s, want 30s", fake.last.Timeout)
	}
}

func TestRun_Validation(t *testing.T) {
	store := newTestStore(t)
	sess, _, err := store.Create("a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		sessionID string
		command   string
		wantErr   error
	}{
		{"empty command", sess.ID, "", ErrEmptyCommand},
		{"empty session", "", "ls", session.ErrMissingSessionID},
		{"both empty", "", "", ErrEmptyCommand},
		{"unknown session", "6f1c1a8e-3f43-4b47-9f7a-3c2b1b9d1a00", "ls", session.ErrInvalidSession},
		{"traversal", "../../etc", "ls", session.ErrInvalidSession},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeSandbox{}
			r := New(store, fake, Config{}, discardLogger())
			_, err := r.Run(context.Background(), tc.sessionID, tc.command)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if fake.calls != 0 {
				t.Error("sandbox should not be called on validation failure")
			}
		})
	}
}

func TestRun_BlankCommandReachesShell(t *testing.T) {
	store := newTestStore(t)
	sess, _, err := store.Create("a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	fake := &fakeSandbox{result: &sandbox.ExecutionResult{ExitCode: 0}}
	r := New(store, fake, Config{}, discardLogger())

	res, err := r.Run(context.Background(), sess.ID, "   ")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if fake.calls != 1 || fake.last.Command[2] != "   " {
		t.Errorf("sandbox calls = %d, command = %q", fake.calls, fake.last.Command)
	}
}

func TestRun_PropagatesSandboxErrors(t *testing.T) {
	store := newTestStore(t)
	sess, _, err := store.Create("a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	fake := &fakeSandbox{err: sandbox.ErrTimeout}
	r := New(store, fake, Config{}, discardLogger())

	if _, err := r.Run(context.Background(), sess.ID, "sleep 60"); !errors.Is(err, sandbox.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestRun_WithProcessSandbox(t *testing.T) {
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	store := newTestStore(t)
	sess, _, err := store.Create("notes.txt", strings.NewReader("Paris is the capital of France."))
	if err != nil {
		t.Fatal(err)
	}
	sbx := sandbox.NewProcessSandbox(sandbox.ProcessConfig{}, discardLogger())
	r := New(store, sbx, Config{Timeout: 5 * time.Second}, discardLogger())

	res, err := r.Run(context.Background(), sess.ID, "echo hello && grep -c Paris notes.txt")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "hello") || !strings.Contains(res.Stdout, "1") {
		t.Errorf("Stdout = %q", res.Stdout)
	}

	if _, err := r.Run(context.Background(), sess.ID, "sleep 1"); err != nil {
		t.Fatalf("short sleep: %v", err)
	}

	short := New(store, sbx, Config{Timeout: 300 * time.Millisecond}, discardLogger())
	res, err = short.Run(context.Background(), sess.ID, "echo early; sleep 10")
	if !errors.Is(err, sandbox.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if res != nil {
		t.Error("timeout must not return partial output")
	}

	if _, err := store.Remove(sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background(), sess.ID, "ls"); !errors.Is(err, session.ErrInvalidSession) {
		t.Errorf("after cleanup err = %v, want ErrInvalidSession", err)
	}
}
