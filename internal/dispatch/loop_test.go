package dispatch

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/ai"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/command"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/session"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/speech"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockClient records sent replies.
type mockClient struct {
	mu   sync.Mutex
	sent []string
}

func (m *mockClient) Send(ctx context.Context, conversationID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	return nil
}

func (m *mockClient) replies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}

// mockCompleter is a scripted AI provider.
type mockCompleter struct {
	reply string
	err   error
}

func (m *mockCompleter) Name() string { return "mock-ai" }

func (m *mockCompleter) Complete(ctx context.Context, msgs []domain.Message, opts domain.CompleteOptions) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

// mockTranscriber is a scripted speech provider. With failures > 0 it fails
// that many calls with err before succeeding; failures == 0 with a non-nil
// err fails every call.
type mockTranscriber struct {
	name     string
	text     string
	err      error
	failures int
	delay    time.Duration
	calls    int
}

func (m *mockTranscriber) Name() string { return m.name }

func (m *mockTranscriber) Transcribe(ctx context.Context, clip *domain.AudioClip) (string, error) {
	m.calls++
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.delay):
		}
	}
	if m.err != nil && (m.failures == 0 || m.calls <= m.failures) {
		return "", m.err
	}
	return m.text, nil
}

type fixture struct {
	loop     *Loop
	client   *mockClient
	sessions *session.Manager
}

func newFixture(t *testing.T, completer domain.Completer, transcribers ...domain.Transcriber) *fixture {
	t.Helper()
	logger := testLogger()

	sessions := session.NewManager(20, time.Hour, logger)
	engine := ai.New(ai.Config{
		Providers:   []domain.Completer{completer},
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
		Logger:      logger,
	})
	registry := command.NewRegistry()
	router := command.NewRouter('/', registry, engine, logger)
	gateway := speech.NewGateway(speech.GatewayConfig{
		Providers: transcribers,
		Decode:    func(data []byte, hint string) ([]float32, error) { return []float32{0}, nil },
		Logger:    logger,
	})
	client := &mockClient{}

	loop := New(Config{
		Client:       client,
		Sessions:     sessions,
		Router:       router,
		Speech:       gateway,
		ChainRetries: 1,
		BackoffBase:  time.Millisecond,
		Logger:       logger,
	})
	return &fixture{loop: loop, client: client, sessions: sessions}
}

func textEvent(conversation, text string) domain.InboundEvent {
	return domain.InboundEvent{
		ID:             "ev-1",
		ConversationID: conversation,
		SenderID:       "u1",
		Timestamp:      time.Now(),
		Text:           text,
	}
}

func audioEvent(conversation string) domain.InboundEvent {
	return domain.InboundEvent{
		ID:             "ev-2",
		ConversationID: conversation,
		SenderID:       "u1",
		Timestamp:      time.Now(),
		Audio:          &domain.AudioPayload{Data: []byte("opus-bytes"), FormatHint: "ogg"},
	}
}

func TestOnEvent_UnknownCommandReply(t *testing.T) {
	f := newFixture(t, &mockCompleter{reply: "should not run"})

	f.loop.OnEvent(context.Background(), textEvent("chat-1", "/echo hi there"))

	got := f.client.replies()
	if len(got) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(got))
	}
	if got[0] != "unknown command: echo" {
		t.Fatalf("unexpected reply: %q", got[0])
	}
}

func TestOnEvent_TextToAIReplyAndHistory(t *testing.T) {
	f := newFixture(t, &mockCompleter{reply: "hi!"})

	f.loop.OnEvent(context.Background(), textEvent("chat-1", "hello"))

	got := f.client.replies()
	if len(got) != 1 || got[0] != "hi!" {
		t.Fatalf("unexpected replies: %v", got)
	}

	h := f.sessions.Acquire("chat-1")
	defer h.Release()
	hist := h.History()
	if len(hist) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(hist))
	}
	if hist[0].Role != domain.RoleUser || hist[0].Text != "hello" {
		t.Fatalf("unexpected first entry: %+v", hist[0])
	}
	if hist[1].Role != domain.RoleAssistant || hist[1].Text != "hi!" {
		t.Fatalf("unexpected second entry: %+v", hist[1])
	}
}

func TestOnEvent_AudioTranscribedThenRouted(t *testing.T) {
	tr := &mockTranscriber{name: "cloud", text: "hello from voice"}
	f := newFixture(t, &mockCompleter{reply: "heard you"}, tr)

	f.loop.OnEvent(context.Background(), audioEvent("chat-1"))

	got := f.client.replies()
	if len(got) != 1 || got[0] != "heard you" {
		t.Fatalf("unexpected replies: %v", got)
	}

	h := f.sessions.Acquire("chat-1")
	defer h.Release()
	if hist := h.History(); len(hist) != 2 || hist[0].Text != "hello from voice" {
		t.Fatalf("transcribed text not in history: %+v", hist)
	}
}

func TestOnEvent_AllTranscribersFailSendsApology(t *testing.T) {
	a := &mockTranscriber{name: "a", err: &domain.ProviderError{Provider: "a", Kind: domain.FailTimeout, Retryable: true}}
	b := &mockTranscriber{name: "b", err: &domain.ProviderError{Provider: "b", Kind: domain.FailInvalidRequest, Retryable: false}}
	f := newFixture(t, &mockCompleter{reply: "never"}, a, b)

	f.loop.OnEvent(context.Background(), audioEvent("chat-1"))

	got := f.client.replies()
	if len(got) != 1 || got[0] != AudioApology {
		t.Fatalf("expected fixed apology, got %v", got)
	}

	// A permanent failure makes exhaustion terminal: no outer retry may
	// have re-run the chain.
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("chain re-ran after exhaustion: a=%d b=%d", a.calls, b.calls)
	}

	h := f.sessions.Acquire("chat-1")
	defer h.Release()
	if h.HistoryLen() != 0 {
		t.Fatalf("session touched by failed audio event: %d entries", h.HistoryLen())
	}
}

func TestOnEvent_OuterChainRetryRecoversTransientFailure(t *testing.T) {
	tr := &mockTranscriber{
		name:     "flaky",
		text:     "hello from voice",
		err:      &domain.ProviderError{Provider: "flaky", Kind: domain.FailTimeout, Retryable: true},
		failures: 1,
	}
	f := newFixture(t, &mockCompleter{reply: "heard you"}, tr)

	f.loop.OnEvent(context.Background(), audioEvent("chat-1"))

	if tr.calls != 2 {
		t.Fatalf("expected one outer chain retry, got %d calls", tr.calls)
	}
	got := f.client.replies()
	if len(got) != 1 || got[0] != "heard you" {
		t.Fatalf("unexpected replies: %v", got)
	}
}

func TestOnEvent_TransientChainFailureRetriesThenApology(t *testing.T) {
	a := &mockTranscriber{name: "a", err: &domain.ProviderError{Provider: "a", Kind: domain.FailTimeout, Retryable: true}}
	b := &mockTranscriber{name: "b", err: &domain.ProviderError{Provider: "b", Kind: domain.FailRateLimited, Retryable: true}}
	f := newFixture(t, &mockCompleter{reply: "never"}, a, b)

	f.loop.OnEvent(context.Background(), audioEvent("chat-1"))

	// ChainRetries is 1, so exactly one extra full pass over the chain.
	if a.calls != 2 || b.calls != 2 {
		t.Fatalf("unexpected chain passes: a=%d b=%d", a.calls, b.calls)
	}
	got := f.client.replies()
	if len(got) != 1 || got[0] != AudioApology {
		t.Fatalf("expected fixed apology, got %v", got)
	}

	h := f.sessions.Acquire("chat-1")
	defer h.Release()
	if h.HistoryLen() != 0 {
		t.Fatalf("session touched by failed audio event: %d entries", h.HistoryLen())
	}
}

func TestOnEvent_TranscriptionFallbackChain(t *testing.T) {
	a := &mockTranscriber{name: "a", err: &domain.ProviderError{Provider: "a", Kind: domain.FailRateLimited, Retryable: true}}
	b := &mockTranscriber{name: "b", text: "hello"}
	f := newFixture(t, &mockCompleter{reply: "hi!"}, a, b)

	f.loop.OnEvent(context.Background(), audioEvent("chat-1"))

	if a.calls != 1 {
		t.Fatalf("provider a retried inline: %d", a.calls)
	}
	got := f.client.replies()
	if len(got) != 1 || got[0] != "hi!" {
		t.Fatalf("unexpected replies: %v", got)
	}
}

func TestOnEvent_SilenceSuppressesSend(t *testing.T) {
	f := newFixture(t, &mockCompleter{reply: "never"})
	// Router with builtins so /quiet is available.
	registry := command.NewRegistry()
	if err := command.RegisterBuiltins(registry); err != nil {
		t.Fatal(err)
	}
	engine := ai.New(ai.Config{
		Providers: []domain.Completer{&mockCompleter{reply: "never"}},
		Logger:    testLogger(),
	})
	f.loop.router = command.NewRouter('/', registry, engine, testLogger())

	f.loop.OnEvent(context.Background(), textEvent("chat-1", "/quiet"))

	if got := f.client.replies(); len(got) != 0 {
		t.Fatalf("expected no replies for silence, got %v", got)
	}
}

func TestOnEvent_FailedGenerationLeavesHistoryUnchanged(t *testing.T) {
	f := newFixture(t, &mockCompleter{err: &domain.ProviderError{
		Provider: "mock-ai", Kind: domain.FailInvalidRequest, Retryable: false,
	}})

	f.loop.OnEvent(context.Background(), textEvent("chat-1", "hello"))

	got := f.client.replies()
	if len(got) != 1 {
		t.Fatalf("expected an apology reply, got %v", got)
	}

	h := f.sessions.Acquire("chat-1")
	defer h.Release()
	if h.HistoryLen() != 0 {
		t.Fatalf("history mutated by failed generation: %d", h.HistoryLen())
	}
}

func TestOnEvent_OtherPayloadIgnored(t *testing.T) {
	f := newFixture(t, &mockCompleter{reply: "never"})

	f.loop.OnEvent(context.Background(), domain.InboundEvent{
		ID:             "ev-3",
		ConversationID: "chat-1",
		SenderID:       "u1",
		Timestamp:      time.Now(),
	})

	if got := f.client.replies(); len(got) != 0 {
		t.Fatalf("expected no replies for unsupported payload, got %v", got)
	}
}

func TestOnEvent_SameConversationSerialized(t *testing.T) {
	f := newFixture(t, &mockCompleter{reply: "ok"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.loop.OnEvent(context.Background(), textEvent("chat-1", "hello"))
		}()
	}
	wg.Wait()

	h := f.sessions.Acquire("chat-1")
	defer h.Release()
	hist := h.History()
	// Every event appends exactly (user, assistant); serialization means the
	// pairs never interleave.
	if len(hist) != 20 {
		t.Fatalf("expected 20 history entries, got %d", len(hist))
	}
	for i, m := range hist {
		wantRole := domain.RoleUser
		if i%2 == 1 {
			wantRole = domain.RoleAssistant
		}
		if m.Role != wantRole {
			t.Fatalf("interleaved history at %d: %+v", i, hist)
		}
	}
}

func TestOnEvent_AudioThenTextKeepsDeliveryOrder(t *testing.T) {
	tr := &mockTranscriber{name: "slow", text: "voice message", delay: 200 * time.Millisecond}
	f := newFixture(t, &mockCompleter{reply: "ok"}, tr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.loop.OnEvent(context.Background(), audioEvent("chat-1"))
	}()
	// The text event arrives while the voice note is still transcribing.
	time.Sleep(50 * time.Millisecond)
	go func() {
		defer wg.Done()
		f.loop.OnEvent(context.Background(), textEvent("chat-1", "follow-up text"))
	}()
	wg.Wait()

	h := f.sessions.Acquire("chat-1")
	defer h.Release()
	hist := h.History()
	if len(hist) != 4 {
		t.Fatalf("expected 4 history entries, got %d: %+v", len(hist), hist)
	}
	if hist[0].Text != "voice message" || hist[2].Text != "follow-up text" {
		t.Fatalf("events committed out of delivery order: %+v", hist)
	}
}

func TestOnEvent_PanicInHandlerIsContained(t *testing.T) {
	f := newFixture(t, &mockCompleter{reply: "ok"})
	f.loop.router = routerFunc(func(ctx context.Context, msg domain.NormalizedMessage, sess *session.Handle) domain.ReplyIntent {
		panic("handler bug")
	})

	// Must not propagate.
	f.loop.OnEvent(context.Background(), textEvent("chat-1", "hello"))

	// Session handle must have been released despite the panic.
	done := make(chan struct{})
	go func() {
		h := f.sessions.Acquire("chat-1")
		h.Release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session handle leaked after panic")
	}
}

type routerFunc func(ctx context.Context, msg domain.NormalizedMessage, sess *session.Handle) domain.ReplyIntent

func (f routerFunc) Route(ctx context.Context, msg domain.NormalizedMessage, sess *session.Handle) domain.ReplyIntent {
	return f(ctx, msg, sess)
}
