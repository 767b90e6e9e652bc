package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"claim_engine/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOrderLogRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	amount := decimal.RequireFromString("1500.50")
	events := []model.OutcomeEvent{
		{RunID: "run-1", Slug: "trade-a", Amount: &amount, Status: model.OutcomeClaimed, AtMs: 1000},
		{RunID: "run-1", Slug: "trade-b", Status: model.OutcomeFailed, AtMs: 2000},
		{RunID: "run-2", Slug: "trade-c", Amount: &amount, Status: model.OutcomeClaimed, AtMs: 3000},
	}
	for _, ev := range events {
		if err := s.RecordOutcome(ctx, ev); err != nil {
			t.Fatalf("record %s: %v", ev.Slug, err)
		}
	}

	entries, err := s.LastEntries(ctx, 10)
	if err != nil {
		t.Fatalf("last entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Slug != "trade-c" {
		t.Fatalf("newest entry = %s, want trade-c", entries[0].Slug)
	}
	if entries[0].Amount == nil || !entries[0].Amount.Equal(amount) {
		t.Fatalf("amount = %v, want %s", entries[0].Amount, amount)
	}
	if entries[1].Amount != nil {
		t.Fatalf("trade-b amount = %v, want nil", entries[1].Amount)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count by status: %v", err)
	}
	if counts[model.OutcomeClaimed] != 2 || counts[model.OutcomeFailed] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestLastEntriesLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := model.OutcomeEvent{RunID: "run-1", Slug: "trade-x", Status: model.OutcomeFailed, AtMs: int64(i)}
		if err := s.RecordOutcome(ctx, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	entries, err := s.LastEntries(ctx, 2)
	if err != nil {
		t.Fatalf("last entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetSettings(ctx); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v, want absent", ok, err)
	}

	minimum := decimal.RequireFromString("100")
	in := model.Settings{
		Login:     "trader@example.com",
		Password:  "secret",
		MinAmount: &minimum,
		Active:    true,
	}
	if err := s.UpsertSettings(ctx, in); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	out, ok, err := s.GetSettings(ctx)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if out.Login != in.Login || out.Password != in.Password || !out.Active {
		t.Fatalf("settings = %+v", out)
	}
	if out.MinAmount == nil || !out.MinAmount.Equal(minimum) {
		t.Fatalf("minAmount = %v, want %s", out.MinAmount, minimum)
	}
	if out.MaxAmount != nil {
		t.Fatalf("maxAmount = %v, want nil", out.MaxAmount)
	}
}

func TestChatRegistryIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.RegisterChat(ctx, 42); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := s.RegisterChat(ctx, 7); err != nil {
		t.Fatalf("register: %v", err)
	}

	chats, err := s.ListChats(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chats) != 2 || chats[0] != 7 || chats[1] != 42 {
		t.Fatalf("chats = %v, want [7 42]", chats)
	}
}
