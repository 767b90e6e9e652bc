package outcome

import (
	"context"
	"sync"
	"testing"
	"time"

	"claim_engine/internal/logbus"
	"claim_engine/internal/model"
)

type memRecorder struct {
	mu   sync.Mutex
	rows []model.OutcomeEvent
}

func (r *memRecorder) RecordOutcome(_ context.Context, ev model.OutcomeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, ev)
	return nil
}

func (r *memRecorder) slugs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rows))
	for _, ev := range r.rows {
		out = append(out, ev.Slug)
	}
	return out
}

type memSink struct {
	mu  sync.Mutex
	got []model.OutcomeEvent
}

func (s *memSink) HandleOutcome(_ context.Context, ev model.OutcomeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
}

func TestReportPreservesOrder(t *testing.T) {
	rec := &memRecorder{}
	sink := &memSink{}
	b := NewBridge(rec, logbus.New(16))
	b.AddSink(sink)
	b.Start()

	slugs := []string{"trade-a", "trade-b", "trade-c", "trade-d"}
	for _, s := range slugs {
		b.Report(model.OutcomeEvent{RunID: "r1", Slug: s, Status: model.OutcomeFailed})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := rec.slugs()
	if len(got) != len(slugs) {
		t.Fatalf("persisted %d events, want %d", len(got), len(slugs))
	}
	for i, want := range slugs {
		if got[i] != want {
			t.Fatalf("persisted order %v, want %v", got, slugs)
		}
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != len(slugs) {
		t.Fatalf("sink saw %d events, want %d", len(sink.got), len(slugs))
	}
}

func TestReportBeforeStartPersistsSynchronously(t *testing.T) {
	rec := &memRecorder{}
	b := NewBridge(rec, logbus.New(16))

	// No dispatcher running: Report must still leave a durable record before
	// returning.
	b.Report(model.OutcomeEvent{RunID: "r1", Slug: "trade-x", Status: model.OutcomeClaimed})

	if got := rec.slugs(); len(got) != 1 || got[0] != "trade-x" {
		t.Fatalf("rows = %v, want the event persisted synchronously", got)
	}
}

func TestAuthStuckEventsAreNotPersisted(t *testing.T) {
	rec := &memRecorder{}
	b := NewBridge(rec, logbus.New(16))
	b.Report(model.OutcomeEvent{RunID: "r1", Status: model.OutcomeAuthStuck, Failures: 5})
	if len(rec.slugs()) != 0 {
		t.Fatal("auth_stuck event reached the order log")
	}
}
