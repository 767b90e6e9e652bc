// Package outcome carries claim results from the worker goroutine to the
// asynchronous sinks (store, notifiers) without blocking the worker on their
// I/O.
package outcome

import (
	"context"
	"sync"
	"time"

	"claim_engine/internal/logbus"
	"claim_engine/internal/model"
)

// Recorder is the persistence collaborator. It is the one delivery that must
// never be lost: a claim we cannot prove happened is worse than a missed
// notification.
type Recorder interface {
	RecordOutcome(ctx context.Context, ev model.OutcomeEvent) error
}

// Sink receives events after they are persisted (notifiers, broadcasters).
type Sink interface {
	HandleOutcome(ctx context.Context, ev model.OutcomeEvent)
}

type Bridge struct {
	bus      *logbus.Bus
	recorder Recorder

	mu      sync.Mutex
	sinks   []Sink
	queue   chan model.OutcomeEvent
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewBridge(recorder Recorder, bus *logbus.Bus) *Bridge {
	return &Bridge{
		bus:      bus,
		recorder: recorder,
		queue:    make(chan model.OutcomeEvent, 256),
	}
}

// AddSink registers a consumer. Safe to call while the dispatcher runs; the
// sink list is read-mostly and append-heavy.
func (b *Bridge) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Start launches the dispatcher goroutine. Events reported before Start are
// persisted synchronously instead.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(ctx)
}

func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.running = false
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Report hands an event to the dispatcher and returns immediately. When the
// dispatcher is not available (not started, stopped, or the queue is full),
// the event is persisted synchronously on the caller's goroutine before
// returning, so the record survives either way. Events reach the sinks in
// report order: one queue, one dispatcher.
func (b *Bridge) Report(ev model.OutcomeEvent) {
	if ev.AtMs == 0 {
		ev.AtMs = time.Now().UnixMilli()
	}
	b.bus.Publish("outcome", ev)

	b.mu.Lock()
	running := b.running
	b.mu.Unlock()

	if running {
		select {
		case b.queue <- ev:
			return
		default:
			b.bus.Log("warn", "outcome queue full, persisting synchronously", map[string]any{"slug": ev.Slug})
		}
	}
	b.persist(context.Background(), ev)
}

func (b *Bridge) dispatch(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Drain what was already queued so nothing is dropped on stop.
			for {
				select {
				case ev := <-b.queue:
					b.deliver(context.Background(), ev)
				default:
					return
				}
			}
		case ev := <-b.queue:
			b.deliver(ctx, ev)
		}
	}
}

func (b *Bridge) deliver(ctx context.Context, ev model.OutcomeEvent) {
	b.persist(ctx, ev)

	b.mu.Lock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()

	for _, s := range sinks {
		s.HandleOutcome(ctx, ev)
	}
}

func (b *Bridge) persist(ctx context.Context, ev model.OutcomeEvent) {
	if b.recorder == nil {
		return
	}
	// Auth escalation events are operator signals, not claim records.
	if ev.Status == model.OutcomeAuthStuck {
		return
	}
	if err := b.recorder.RecordOutcome(ctx, ev); err != nil {
		b.bus.Log("error", "could not persist outcome", map[string]any{
			"slug":  ev.Slug,
			"error": err.Error(),
		})
	}
}
