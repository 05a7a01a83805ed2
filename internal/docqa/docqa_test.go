package docqa

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/nexus/internal/extract"
	"github.com/jkaninda/nexus/internal/llm"
	"github.com/jkaninda/nexus/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider answers with a canned reply and records the last request.
type fakeProvider struct {
	reply string
	err   error
	last  *llm.Request
	calls int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.reply, StopReason: "end_turn"}, nil
}

type fixture struct {
	store    *session.Store
	provider *fakeProvider
	svc      *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	p := &fakeProvider{reply: "The capital of France is Paris."}
	svc := New(store, extract.New(extract.Config{PDFEnabled: true}), p, cfg, discardLogger())
	return &fixture{store: store, provider: p, svc: svc}
}

func (f *fixture) upload(t *testing.T, name, content string) string {
	t.Helper()
	sess, _, err := f.store.Create(name, strings.NewReader(content))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sess.ID
}

func removeFile(store *session.Store, id, name string) error {
	sess, err := store.Lookup(id)
	if err != nil {
		return err
	}
	return os.Remove(filepath.Join(sess.Dir, name))
}

func TestAsk_EndToEnd(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.upload(t, "notes.txt", "Paris is the capital of France.")
	question := "What is the capital of France?"

	ans, err := f.svc.Ask(context.Background(), id, question)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.SessionID != id {
		t.Errorf("SessionID = %q, want %q", ans.SessionID, id)
	}
	if ans.Question != question {
		t.Errorf("Question = %q, want %q", ans.Question, question)
	}
	if ans.Answer == "" {
		t.Error("Answer should not be empty")
	}

	req := f.provider.last
	if req.SystemPrompt != systemPrompt {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
	prompt := req.Messages[0].Content
	for _, want := range []string{"Paris is the capital of France.", "Question: " + question, "Answer:"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if req.MaxTokens != defaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, defaultMaxTokens)
	}

	if _, err := f.store.Remove(id); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Ask(context.Background(), id, question); !errors.Is(err, session.ErrInvalidSession) {
		t.Errorf("after cleanup err = %v, want ErrInvalidSession", err)
	}
}

func TestAsk_Errors(t *testing.T) {
	f := newFixture(t, Config{})
	txt := f.upload(t, "notes.txt", "some text")
	docx := f.upload(t, "report.docx", "PK...")
	empty := f.upload(t, "empty.txt", "  \n\t ")
	badPDF := f.upload(t, "broken.pdf", strings.Repeat("not a pdf ", 20))

	tests := []struct {
		name      string
		sessionID string
		question  string
		wantErr   error
	}{
		{"empty question", txt, "", ErrEmptyQuestion},
		{"empty session", "", "why?", session.ErrMissingSessionID},
		{"unknown session", "6f1c1a8e-3f43-4b47-9f7a-3c2b1b9d1a00", "why?", session.ErrInvalidSession},
		{"unsupported format", docx, "why?", extract.ErrUnsupportedFormat},
		{"empty content", empty, "why?", ErrEmptyContent},
		{"broken pdf", badPDF, "why?", extract.ErrExtraction},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f.provider.calls = 0
			_, err := f.svc.Ask(context.Background(), tc.sessionID, tc.question)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if f.provider.calls != 0 {
				t.Error("provider should not be called")
			}
		})
	}
}

func TestAsk_BlankQuestionIsSent(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.upload(t, "notes.txt", "some text")

	ans, err := f.svc.Ask(context.Background(), id, "   ")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Question != "   " {
		t.Errorf("Question = %q, want it echoed unmodified", ans.Question)
	}
	if f.provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", f.provider.calls)
	}
}

func TestAsk_DotPrefixedUpload(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.upload(t, ".notes.txt", "Paris is the capital of France.")

	if _, err := f.svc.Ask(context.Background(), id, "What is the capital of France?"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.Contains(f.provider.last.Messages[0].Content, "Paris is the capital of France.") {
		t.Errorf("prompt missing document text:\n%s", f.provider.last.Messages[0].Content)
	}
}

func TestAsk_NoFile(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.upload(t, "notes.txt", "x")
	if err := removeFile(f.store, id, "notes.txt"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Ask(context.Background(), id, "why?"); !errors.Is(err, session.ErrNoFile) {
		t.Errorf("err = %v, want ErrNoFile", err)
	}
}

func TestAsk_Upstream(t *testing.T) {
	f := newFixture(t, Config{})
	f.provider.err = errors.New("API error (status 429): rate limit exceeded")
	id := f.upload(t, "notes.txt", "text")

	_, err := f.svc.Ask(context.Background(), id, "why?")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Errorf("provider message not passed through: %v", err)
	}
}

func TestAsk_TruncatesContext(t *testing.T) {
	f := newFixture(t, Config{MaxContextChars: 10})
	// Multi-byte runes so a byte-based cut would differ.
	id := f.upload(t, "notes.txt", strings.Repeat("\u00e9", 25))

	if _, err := f.svc.Ask(context.Background(), id, "q"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	want := BuildPrompt(strings.Repeat("\u00e9", 10), "q")
	if got := f.provider.last.Messages[0].Content; got != want {
		t.Errorf("prompt = %q, want %q", got, want)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel"},
		{"日本語テキスト", 3, "日本語"},
		{"", 3, ""},
		{"abc", 0, ""},
	}
	for _, tc := range tests {
		if got := truncate(tc.in, tc.n); got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt("DOC", "Q?")
	want := "Based on the following document content, please answer the question.\n\nDocument content:\nDOC\n\nQuestion: Q?\n\nAnswer:"
	if got != want {
		t.Errorf("BuildPrompt = %q, want %q", got, want)
	}
}
