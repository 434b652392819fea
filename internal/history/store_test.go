package history

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	turns := []Entry{
		{ConversationID: "chat-1", SenderID: "u1", Role: "user", Source: "original", Text: "hello"},
		{ConversationID: "chat-1", SenderID: "bot", Role: "assistant", Source: "original", Text: "hi!"},
		{ConversationID: "chat-2", SenderID: "u2", Role: "user", Source: "transcribed", Text: "voice text"},
	}
	for _, e := range turns {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := s.Recent(ctx, "chat-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for chat-1, got %d", len(got))
	}
	if got[0].Text != "hello" || got[1].Text != "hi!" {
		t.Fatalf("entries out of order: %+v", got)
	}
}

func TestRecent_LimitKeepsNewest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := Entry{ConversationID: "chat-1", SenderID: "u1", Role: "user", Source: "original", Text: string(rune('a' + i))}
		if err := s.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Recent(ctx, "chat-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Text != "d" || got[1].Text != "e" {
		t.Fatalf("expected the two newest oldest-first, got %+v", got)
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, Entry{ConversationID: "chat-1", SenderID: "u1", Role: "user", Source: "original", Text: "old"}); err != nil {
		t.Fatal(err)
	}

	n, err := s.Prune(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}

	got, err := s.Recent(ctx, "chat-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty transcript after prune, got %d", len(got))
	}
}
