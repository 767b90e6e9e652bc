// Package worker runs the poll-extract-claim loop. Exactly one worker
// goroutine is active at a time: it exclusively owns the automation driver,
// the processed-slug set and the session state, while start/stop/state
// queries arrive concurrently from the control surfaces.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"claim_engine/internal/browser"
	"claim_engine/internal/config"
	"claim_engine/internal/logbus"
	"claim_engine/internal/model"
	"claim_engine/internal/outcome"
)

// Dashboard is the seam between the state machine and the browser session,
// so the loop can be exercised in tests without a driver.
type Dashboard interface {
	Start(ctx context.Context) error
	Close()
	Establish(ctx context.Context, creds model.Credentials) error
	Reestablish(ctx context.Context) error
	IsExpired() bool
	ApplyFilter(ctx context.Context, f model.AmountFilter)
	Refresh(ctx context.Context) error
	Candidates(ctx context.Context) ([]model.OrderCandidate, error)
	Claim(ctx context.Context, slug string) error
	State() model.SessionState
}

type Options struct {
	// NewDashboard builds a fresh driver session for each run.
	NewDashboard func() Dashboard
	Bridge       *outcome.Bridge
	Bus          *logbus.Bus
	Cfg          config.WorkerConfig
}

type Worker struct {
	newDash func() Dashboard
	bridge  *outcome.Bridge
	bus     *logbus.Bus
	cfg     config.WorkerConfig

	retries chan string

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}
	snapshot model.EngineState
}

func New(opts Options) *Worker {
	return &Worker{
		newDash: opts.NewDashboard,
		bridge:  opts.Bridge,
		bus:     opts.Bus,
		cfg:     opts.Cfg,
		retries: make(chan string, 32),
		snapshot: model.EngineState{
			Worker:  model.WorkerStopped,
			Session: model.SessionUnauthenticated,
		},
	}
}

// Start launches the worker goroutine. It returns false when the credentials
// are missing; true means the goroutine is launched, not that authentication
// succeeded (that is asynchronous). A start while already running is a
// logged no-op.
func (w *Worker) Start(creds model.Credentials, filter model.AmountFilter) bool {
	if !creds.Valid() {
		w.bus.Log("warn", "start rejected: credentials missing", nil)
		return false
	}

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.bus.Log("warn", "worker already running", nil)
		return true
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	stop, done := w.stop, w.done
	w.mu.Unlock()

	go w.run(creds, filter, stop, done)
	w.bus.Log("info", "worker started", nil)
	return true
}

// Stop signals cancellation and waits, bounded, for the worker to exit. The
// worker checks the flag between every coarse step, so cancellation latency
// stays near one poll interval. Idempotent and safe when not running.
func (w *Worker) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop = nil
	w.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(w.cfg.StopJoin()):
		// Best-effort shutdown: the run's deferred teardown still closes the
		// driver whenever the goroutine does finish.
		w.bus.Log("warn", "worker did not stop within join timeout", nil)
	}
}

func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RequestRetry removes a slug from the processed set so a later scan may
// attempt it again. This is the operator's "retry" affordance on a failed
// claim notification.
func (w *Worker) RequestRetry(slug string) {
	if slug == "" {
		return
	}
	select {
	case w.retries <- slug:
	default:
		w.bus.Log("warn", "retry queue full, request dropped", map[string]any{"slug": slug})
	}
}

func (w *Worker) State() model.EngineState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot
}

func (w *Worker) publish(mutate func(*model.EngineState)) {
	w.mu.Lock()
	mutate(&w.snapshot)
	st := w.snapshot
	w.mu.Unlock()
	w.bus.Publish("worker_state", st)
}

// run is the single goroutine owning the driver. Only a startup failure may
// end it; once the loop is entered, every cycle error is contained.
func (w *Worker) run(creds model.Credentials, filter model.AmountFilter, stop, done chan struct{}) {
	defer close(done)

	runID := uuid.NewString()
	r := &runState{
		worker:    w,
		filter:    filter,
		runID:     runID,
		processed: make(map[string]struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.publish(func(st *model.EngineState) {
		*st = model.EngineState{
			Worker:      model.WorkerStarting,
			Session:     model.SessionUnauthenticated,
			RunID:       runID,
			StartedAtMs: time.Now().UnixMilli(),
		}
	})
	defer func() {
		w.mu.Lock()
		w.running = false
		w.stop = nil
		w.mu.Unlock()
		w.publish(func(st *model.EngineState) {
			st.Worker = model.WorkerStopped
			st.Session = model.SessionUnauthenticated
		})
		w.bus.Log("info", "worker stopped", map[string]any{"runId": runID})
	}()

	// Stale retry requests belong to a previous run.
	drainRetries(w.retries)

	dash := w.newDash()
	defer dash.Close()

	if err := dash.Start(ctx); err != nil {
		w.failStartup(runID, "driver startup failed", err)
		return
	}
	if err := dash.Establish(ctx, creds); err != nil {
		w.failStartup(runID, "initial authentication failed", err)
		return
	}
	dash.ApplyFilter(ctx, filter)

	w.publish(func(st *model.EngineState) {
		st.Worker = model.WorkerRunning
		st.Session = dash.State()
		st.LastError = ""
	})
	w.bus.Log("info", "poll loop started", map[string]any{"runId": runID})

	interval := w.cfg.PollInterval()
	for {
		select {
		case <-stop:
			w.publish(func(st *model.EngineState) { st.Worker = model.WorkerStopping })
			return
		default:
		}

		r.cycle(ctx, dash, stop)

		w.publish(func(st *model.EngineState) {
			st.Session = dash.State()
			st.Processed = len(r.processed)
			st.LastCycleMs = time.Now().UnixMilli()
		})

		select {
		case <-stop:
			w.publish(func(st *model.EngineState) { st.Worker = model.WorkerStopping })
			return
		case <-time.After(interval):
		}
	}
}

func (w *Worker) failStartup(runID, msg string, err error) {
	w.bus.Log("error", msg, map[string]any{"runId": runID, "error": err.Error()})
	w.publish(func(st *model.EngineState) { st.LastError = err.Error() })
}

// runState is the per-run mutable state, touched only by the run goroutine.
type runState struct {
	worker    *Worker
	filter    model.AmountFilter
	runID     string
	processed map[string]struct{}
	authFails int
}

// cycle executes one poll round. A panic or error in one cycle must never
// kill the worker; it is logged and the loop backs off briefly.
func (r *runState) cycle(ctx context.Context, dash Dashboard, stop chan struct{}) {
	w := r.worker
	defer func() {
		if rec := recover(); rec != nil {
			w.bus.Log("error", "panic in poll cycle", map[string]any{"panic": rec})
			sleepOrStop(w.cfg.ErrorBackoff(), stop)
		}
	}()

	if err := r.cycleOnce(ctx, dash, stop); err != nil {
		if stopped(stop) || ctx.Err() != nil {
			return
		}
		w.bus.Log("error", "poll cycle failed", map[string]any{"error": err.Error()})
		sleepOrStop(w.cfg.ErrorBackoff(), stop)
	}
}

func (r *runState) cycleOnce(ctx context.Context, dash Dashboard, stop chan struct{}) error {
	w := r.worker

	r.applyRetryRequests()

	// Expiry can be observed before or be caused by the refresh itself; both
	// paths skip the scan and re-enter on the next cycle.
	if dash.IsExpired() {
		r.reauthenticate(ctx, dash)
		return nil
	}
	if err := dash.Refresh(ctx); err != nil {
		return err
	}
	if dash.IsExpired() {
		r.reauthenticate(ctx, dash)
		return nil
	}

	cands, err := dash.Candidates(ctx)
	if err != nil {
		return err
	}

	for _, c := range cands {
		if stopped(stop) {
			return nil
		}
		if c.Slug == "" {
			continue
		}
		if _, seen := r.processed[c.Slug]; seen {
			continue
		}
		if !r.filter.Match(c.Amount) {
			continue
		}

		// Mark on attempt, not on success: an ambiguous claim must never be
		// retried against the remote system.
		r.processed[c.Slug] = struct{}{}

		err := dash.Claim(ctx, c.Slug)
		if err == nil {
			w.bus.Log("info", "order claimed", map[string]any{"slug": c.Slug})
			w.bridge.Report(model.OutcomeEvent{
				RunID:  r.runID,
				Slug:   c.Slug,
				Amount: c.Amount,
				Status: model.OutcomeClaimed,
			})
			// A successful claim mutates the listing; the rest of this scan
			// is unreliable, so let the next cycle re-enumerate.
			return nil
		}

		if errors.Is(err, browser.ErrRowVanished) {
			// Never reached the claim action; the row may legitimately
			// reappear in a later scan.
			delete(r.processed, c.Slug)
			continue
		}

		w.bus.Log("warn", "claim failed", map[string]any{"slug": c.Slug, "error": err.Error()})
		w.bridge.Report(model.OutcomeEvent{
			RunID:  r.runID,
			Slug:   c.Slug,
			Amount: c.Amount,
			Status: model.OutcomeFailed,
		})
	}
	return nil
}

// reauthenticate retries indefinitely across cycles: credentials do not
// change mid-run and transient network trouble self-heals, so availability
// wins over fail-fast. The severity escalates after a streak so a wrong
// password does not burn poll intervals silently.
func (r *runState) reauthenticate(ctx context.Context, dash Dashboard) {
	w := r.worker
	if err := dash.Reestablish(ctx); err != nil {
		r.authFails++
		level := "warn"
		if r.authFails >= w.cfg.AuthEscalateAfter {
			level = "error"
		}
		w.bus.Log(level, "re-authentication failed", map[string]any{
			"failures": r.authFails,
			"error":    err.Error(),
		})
		if r.authFails == w.cfg.AuthEscalateAfter {
			w.bridge.Report(model.OutcomeEvent{
				RunID:    r.runID,
				Status:   model.OutcomeAuthStuck,
				Failures: r.authFails,
			})
		}
		return
	}
	if r.authFails > 0 {
		w.bus.Log("info", "re-authentication recovered", map[string]any{"failures": r.authFails})
		r.authFails = 0
	}
	// The remote filter does not survive a fresh session.
	dash.ApplyFilter(ctx, r.filter)
}

func (r *runState) applyRetryRequests() {
	for {
		select {
		case slug := <-r.worker.retries:
			if _, seen := r.processed[slug]; seen {
				delete(r.processed, slug)
				r.worker.bus.Log("info", "retry requested", map[string]any{"slug": slug})
			}
		default:
			return
		}
	}
}

func drainRetries(ch chan string) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func sleepOrStop(d time.Duration, stop chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	}
}
