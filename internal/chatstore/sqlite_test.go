package chatstore

import (
	"context"
	"testing"
	"time"

	"apphub/internal/model"
	logx "apphub/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendFillsIDAndTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m, err := s.Append(ctx, model.Message{UID: "u1", AppID: "a1", Text: "hello", Sender: model.SenderAI})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if m.ID == "" {
		t.Fatalf("expected generated id")
	}
	if m.CreatedAt.IsZero() {
		t.Fatalf("expected filled timestamp")
	}
}

func TestRecentNewestFirstAndScoped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	for i, text := range []string{"one", "two", "three"} {
		_, err := s.Append(ctx, model.Message{
			UID: "u1", AppID: "a1", Text: text, Sender: model.SenderAI,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Other pairs must not leak in.
	if _, err := s.Append(ctx, model.Message{UID: "u2", AppID: "a1", Text: "other user", Sender: model.SenderAI, CreatedAt: base}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(ctx, model.Message{UID: "u1", AppID: "a2", Text: "other app", Sender: model.SenderAI, CreatedAt: base}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Recent(ctx, "u1", "a1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d messages, want 2", len(got))
	}
	if got[0].Text != "three" || got[1].Text != "two" {
		t.Fatalf("order = [%s, %s], want newest first", got[0].Text, got[1].Text)
	}
	if got[0].Sender != model.SenderAI {
		t.Fatalf("sender = %q", got[0].Sender)
	}
}

func TestTrimOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, model.Message{
			UID: "u1", AppID: "a1", Text: "m", Sender: model.SenderAI,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := s.TrimOlderThan(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("TrimOlderThan: %v", err)
	}
	if n != 2 {
		t.Fatalf("trimmed %d, want 2", n)
	}
	rest, err := s.Recent(ctx, "u1", "a1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("remaining = %d, want 1", len(rest))
	}
}

func TestUsageRecording(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, "u1", "a1", "memory_created_external_integration", "c1"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, "u2", "a1", "transcript_processed_external_integration", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, "u1", "a2", "memory_created_external_integration", "c2"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	n, err := s.UsageCount(ctx, "a1")
	if err != nil {
		t.Fatalf("UsageCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("UsageCount = %d, want 2", n)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tok, err := s.Token(ctx, "u1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "" {
		t.Fatalf("expected empty token for unknown user, got %q", tok)
	}

	if err := s.SetToken(ctx, "u1", "tok-a"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if err := s.SetToken(ctx, "u1", "tok-b"); err != nil {
		t.Fatalf("SetToken (replace): %v", err)
	}
	tok, err = s.Token(ctx, "u1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok-b" {
		t.Fatalf("Token = %q, want tok-b", tok)
	}
}
