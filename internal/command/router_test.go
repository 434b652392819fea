package command

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockResponder implements Responder for testing.
type mockResponder struct {
	reply string
	err   error
	calls int
	last  domain.NormalizedMessage
}

func (m *mockResponder) Generate(ctx context.Context, sess *session.Handle, msg domain.NormalizedMessage) (string, error) {
	m.calls++
	m.last = msg
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func newTestRouter(engine Responder) (*Router, *Registry, *session.Manager) {
	reg := NewRegistry()
	mgr := session.NewManager(10, time.Hour, testLogger())
	return NewRouter('/', reg, engine, testLogger()), reg, mgr
}

func msgOf(text string) domain.NormalizedMessage {
	return domain.NormalizedMessage{
		ConversationID: "chat-1",
		SenderID:       "u1",
		Timestamp:      time.Now(),
		Text:           text,
		Source:         domain.SourceOriginal,
	}
}

func TestRoute_UnknownCommandYieldsError(t *testing.T) {
	engine := &mockResponder{reply: "should not be called"}
	r, _, mgr := newTestRouter(engine)

	h := mgr.Acquire("chat-1")
	defer h.Release()

	intent := r.Route(context.Background(), msgOf("/echo hi there"), h)
	if intent.Kind != domain.ReplyError {
		t.Fatalf("expected error intent, got %v", intent.Kind)
	}
	if intent.Text != "unknown command: echo" {
		t.Fatalf("unexpected error text: %q", intent.Text)
	}
	if engine.calls != 0 {
		t.Fatal("unknown command must not fall through to the AI engine")
	}
}

func TestRoute_RegisteredCommandInvoked(t *testing.T) {
	engine := &mockResponder{}
	r, reg, mgr := newTestRouter(engine)

	var gotArgs []string
	reg.Register("echo", func(ctx context.Context, inv *Invocation, sess *session.Handle) domain.ReplyIntent {
		gotArgs = inv.Args
		return domain.TextReply("echoed")
	})

	h := mgr.Acquire("chat-1")
	defer h.Release()

	intent := r.Route(context.Background(), msgOf(`/echo "hi there" now`), h)
	if intent.Kind != domain.ReplyText || intent.Text != "echoed" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "hi there" || gotArgs[1] != "now" {
		t.Fatalf("quote-aware args not delivered: %v", gotArgs)
	}
}

func TestRoute_ExactCaseSensitiveMatch(t *testing.T) {
	engine := &mockResponder{}
	r, reg, mgr := newTestRouter(engine)
	reg.Register("ping", pingHandler)

	h := mgr.Acquire("chat-1")
	defer h.Release()

	intent := r.Route(context.Background(), msgOf("/Ping"), h)
	if intent.Kind != domain.ReplyError {
		t.Fatalf("expected unknown-command error for case mismatch, got %+v", intent)
	}
}

func TestRoute_NonCommandFallsThroughToEngine(t *testing.T) {
	engine := &mockResponder{reply: "hi!"}
	r, _, mgr := newTestRouter(engine)

	h := mgr.Acquire("chat-1")
	defer h.Release()

	intent := r.Route(context.Background(), msgOf("hello"), h)
	if intent.Kind != domain.ReplyText || intent.Text != "hi!" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if engine.calls != 1 {
		t.Fatalf("expected one engine call, got %d", engine.calls)
	}
	if engine.last.Text != "hello" {
		t.Fatalf("engine received %q", engine.last.Text)
	}
}

func TestRoute_EngineFailureBecomesApology(t *testing.T) {
	engine := &mockResponder{err: &domain.ProviderError{
		Provider: "openai", Kind: domain.FailExhausted, Err: errors.New("down"),
	}}
	r, _, mgr := newTestRouter(engine)

	h := mgr.Acquire("chat-1")
	defer h.Release()

	intent := r.Route(context.Background(), msgOf("hello"), h)
	if intent.Kind != domain.ReplyError {
		t.Fatalf("expected error intent, got %+v", intent)
	}
	if intent.Text != generateApology {
		t.Fatalf("unexpected apology: %q", intent.Text)
	}
}

func TestRoute_ContentRejectionGetsSpecificReply(t *testing.T) {
	engine := &mockResponder{err: &domain.ProviderError{
		Provider: "anthropic", Kind: domain.FailContentRejected,
	}}
	r, _, mgr := newTestRouter(engine)

	h := mgr.Acquire("chat-1")
	defer h.Release()

	intent := r.Route(context.Background(), msgOf("something disallowed"), h)
	if intent.Text != rejectedApology {
		t.Fatalf("unexpected reply: %q", intent.Text)
	}
}

func TestRoute_QuietModeSuppressesAI(t *testing.T) {
	engine := &mockResponder{reply: "hi!"}
	r, reg, mgr := newTestRouter(engine)
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatal(err)
	}

	h := mgr.Acquire("chat-1")
	defer h.Release()

	if intent := r.Route(context.Background(), msgOf("/quiet"), h); intent.Kind != domain.ReplySilence {
		t.Fatalf("expected silence from /quiet, got %+v", intent)
	}
	if intent := r.Route(context.Background(), msgOf("hello"), h); intent.Kind != domain.ReplySilence {
		t.Fatalf("expected AI suppressed in quiet mode, got %+v", intent)
	}
	if engine.calls != 0 {
		t.Fatal("engine called while quiet")
	}
	if intent := r.Route(context.Background(), msgOf("/quiet off"), h); intent.Kind != domain.ReplyText {
		t.Fatalf("expected confirmation for /quiet off, got %+v", intent)
	}
	if intent := r.Route(context.Background(), msgOf("hello"), h); intent.Kind != domain.ReplyText {
		t.Fatalf("expected AI reply after quiet off, got %+v", intent)
	}
}

func TestRegistry_DuplicateRegistrationFails(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("ping", pingHandler); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("ping", pingHandler); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestBuiltin_ClearResetsHistory(t *testing.T) {
	engine := &mockResponder{}
	r, reg, mgr := newTestRouter(engine)
	RegisterBuiltins(reg)

	h := mgr.Acquire("chat-1")
	defer h.Release()
	h.Append(domain.RoleUser, "old")
	h.Append(domain.RoleAssistant, "old reply")

	intent := r.Route(context.Background(), msgOf("/clear"), h)
	if intent.Kind != domain.ReplyText {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if h.HistoryLen() != 0 {
		t.Fatalf("history not cleared: %d entries", h.HistoryLen())
	}
}
