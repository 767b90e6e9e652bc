package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"claim_engine/internal/config"
	"claim_engine/internal/logbus"
	"claim_engine/internal/model"
	"claim_engine/internal/outcome"
)

type fakeDash struct {
	mu sync.Mutex

	startErr     error
	establishErr error
	reauthErr    error
	refreshErr   error
	scanErr      error

	expired    bool
	candidates []model.OrderCandidate
	claimErr   map[string]error

	claims       []string
	establishes  int
	reauths      int
	filterApplys int
	refreshes    int
	closed       bool
}

func (d *fakeDash) Start(context.Context) error { return d.startErr }

func (d *fakeDash) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *fakeDash) Establish(context.Context, model.Credentials) error {
	d.mu.Lock()
	d.establishes++
	d.mu.Unlock()
	return d.establishErr
}

func (d *fakeDash) Reestablish(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reauths++
	if d.reauthErr != nil {
		return d.reauthErr
	}
	d.expired = false
	return nil
}

func (d *fakeDash) IsExpired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expired
}

func (d *fakeDash) ApplyFilter(context.Context, model.AmountFilter) {
	d.mu.Lock()
	d.filterApplys++
	d.mu.Unlock()
}

func (d *fakeDash) Refresh(context.Context) error {
	d.mu.Lock()
	d.refreshes++
	d.mu.Unlock()
	return d.refreshErr
}

func (d *fakeDash) Candidates(context.Context) ([]model.OrderCandidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanErr != nil {
		return nil, d.scanErr
	}
	out := make([]model.OrderCandidate, len(d.candidates))
	copy(out, d.candidates)
	return out, nil
}

func (d *fakeDash) Claim(_ context.Context, slug string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claims = append(d.claims, slug)
	if err, ok := d.claimErr[slug]; ok {
		return err
	}
	return nil
}

func (d *fakeDash) State() model.SessionState { return model.SessionAuthenticated }

func (d *fakeDash) claimed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.claims))
	copy(out, d.claims)
	return out
}

func (d *fakeDash) setExpired(v bool) {
	d.mu.Lock()
	d.expired = v
	d.mu.Unlock()
}

func (d *fakeDash) setReauthErr(err error) {
	d.mu.Lock()
	d.reauthErr = err
	d.mu.Unlock()
}

func (d *fakeDash) counts() (reauths, applys, refreshes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reauths, d.filterApplys, d.refreshes
}

type memRecorder struct {
	mu     sync.Mutex
	events []model.OutcomeEvent
}

func (r *memRecorder) RecordOutcome(_ context.Context, ev model.OutcomeEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *memRecorder) all() []model.OutcomeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.OutcomeEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *memRecorder) byStatus(s model.OutcomeStatus) []model.OutcomeEvent {
	var out []model.OutcomeEvent
	for _, ev := range r.all() {
		if ev.Status == s {
			out = append(out, ev)
		}
	}
	return out
}

type memSink struct {
	mu     sync.Mutex
	events []model.OutcomeEvent
}

func (s *memSink) HandleOutcome(_ context.Context, ev model.OutcomeEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *memSink) byStatus(status model.OutcomeStatus) []model.OutcomeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OutcomeEvent
	for _, ev := range s.events {
		if ev.Status == status {
			out = append(out, ev)
		}
	}
	return out
}

func testCfg() config.WorkerConfig {
	return config.WorkerConfig{
		PollIntervalMs:    10,
		ErrorBackoffMs:    10,
		StopJoinMs:        2000,
		AuthEscalateAfter: 3,
	}
}

func newHarness(t *testing.T, dash *fakeDash) (*Worker, *memRecorder) {
	t.Helper()
	bus := logbus.New(64)
	t.Cleanup(bus.Close)
	rec := &memRecorder{}
	bridge := outcome.NewBridge(rec, bus)
	w := New(Options{
		NewDashboard: func() Dashboard { return dash },
		Bridge:       bridge,
		Bus:          bus,
		Cfg:          testCfg(),
	})
	return w, rec
}

func creds() model.Credentials {
	return model.Credentials{Login: "trader@example.com", Password: "secret"}
}

func amt(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return &d
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStartRejectsMissingCredentials(t *testing.T) {
	w, _ := newHarness(t, &fakeDash{})
	if w.Start(model.Credentials{Login: "x"}, model.AmountFilter{}) {
		t.Fatal("start accepted incomplete credentials")
	}
	if w.IsRunning() {
		t.Fatal("worker running after rejected start")
	}
}

func TestConcurrentStartIsNoOp(t *testing.T) {
	dash := &fakeDash{}
	w, _ := newHarness(t, dash)
	defer w.Stop()

	if !w.Start(creds(), model.AmountFilter{}) {
		t.Fatal("first start failed")
	}
	waitFor(t, time.Second, w.IsRunning)
	if !w.Start(creds(), model.AmountFilter{}) {
		t.Fatal("second start reported failure for an already-running worker")
	}

	w.Stop()
	dash.mu.Lock()
	n := dash.establishes
	dash.mu.Unlock()
	if n != 1 {
		t.Fatalf("establishes = %d, want 1 (second start must not spawn a run)", n)
	}
}

func TestStartupErrorStopsWorker(t *testing.T) {
	dash := &fakeDash{startErr: errors.New("no driver")}
	w, _ := newHarness(t, dash)

	w.Start(creds(), model.AmountFilter{})
	waitFor(t, time.Second, func() bool { return !w.IsRunning() })

	st := w.State()
	if st.Worker != model.WorkerStopped {
		t.Fatalf("worker state = %s, want stopped", st.Worker)
	}
	if st.LastError == "" {
		t.Fatal("startup error not surfaced in state")
	}
	dash.mu.Lock()
	closed := dash.closed
	dash.mu.Unlock()
	if !closed {
		t.Fatal("driver not closed after startup failure")
	}
}

func TestClaimsEachSlugOnce(t *testing.T) {
	dash := &fakeDash{
		candidates: []model.OrderCandidate{
			{Slug: "trade-a", Amount: amt("100")},
		},
		claimErr: map[string]error{"trade-a": errors.New("already taken")},
	}
	w, rec := newHarness(t, dash)
	defer w.Stop()

	w.Start(creds(), model.AmountFilter{})
	// Let several cycles run over the same listing.
	waitFor(t, time.Second, func() bool {
		_, _, refreshes := dash.counts()
		return refreshes >= 4
	})
	w.Stop()

	if got := dash.claimed(); len(got) != 1 || got[0] != "trade-a" {
		t.Fatalf("claims = %v, want exactly one attempt on trade-a", got)
	}
	if got := rec.byStatus(model.OutcomeFailed); len(got) != 1 {
		t.Fatalf("failed outcomes = %d, want 1", len(got))
	}
}

func TestFilterSkipsOutOfRangeAndUnparsed(t *testing.T) {
	dash := &fakeDash{
		candidates: []model.OrderCandidate{
			{Slug: "trade-low", Amount: amt("50")},
			{Slug: "trade-high", Amount: amt("5000")},
			{Slug: "trade-blank", Amount: nil},
			{Slug: "trade-ok", Amount: amt("300")},
		},
		// Force a failure so all passing candidates are visited.
		claimErr: map[string]error{"trade-ok": errors.New("gone")},
	}
	w, _ := newHarness(t, dash)
	defer w.Stop()

	w.Start(creds(), model.AmountFilter{Min: amt("100"), Max: amt("1000")})
	waitFor(t, time.Second, func() bool { return len(dash.claimed()) >= 1 })
	w.Stop()

	for _, slug := range dash.claimed() {
		if slug != "trade-ok" {
			t.Fatalf("claimed %s, which the filter should have excluded", slug)
		}
	}
}

func TestSuccessfulClaimEndsScanEarly(t *testing.T) {
	dash := &fakeDash{
		candidates: []model.OrderCandidate{
			{Slug: "trade-1", Amount: amt("10")},
			{Slug: "trade-2", Amount: amt("20")},
			{Slug: "trade-3", Amount: amt("30")},
		},
	}
	w, rec := newHarness(t, dash)
	defer w.Stop()

	w.Start(creds(), model.AmountFilter{})
	waitFor(t, time.Second, func() bool { return len(dash.claimed()) >= 3 })
	w.Stop()

	got := dash.claimed()
	// One claim per cycle: the scan restarts after each success rather than
	// continuing over a mutated listing.
	for i, want := range []string{"trade-1", "trade-2", "trade-3"} {
		if got[i] != want {
			t.Fatalf("claim order = %v, want one per cycle in listing order", got)
		}
	}
	if n := len(rec.byStatus(model.OutcomeClaimed)); n < 3 {
		t.Fatalf("claimed outcomes = %d, want 3", n)
	}
}

func TestStopBoundedByPollInterval(t *testing.T) {
	dash := &fakeDash{}
	w, _ := newHarness(t, dash)

	w.Start(creds(), model.AmountFilter{})
	waitFor(t, time.Second, func() bool {
		return w.State().Worker == model.WorkerRunning
	})

	start := time.Now()
	w.Stop()
	if el := time.Since(start); el > 500*time.Millisecond {
		t.Fatalf("stop took %v, want well under the join timeout", el)
	}
	if w.IsRunning() {
		t.Fatal("worker still running after Stop")
	}
}

func TestExpiryRecoveryPreservesProcessedSet(t *testing.T) {
	dash := &fakeDash{
		candidates: []model.OrderCandidate{{Slug: "trade-a", Amount: amt("100")}},
		claimErr:   map[string]error{"trade-a": errors.New("taken")},
	}
	w, _ := newHarness(t, dash)
	defer w.Stop()

	w.Start(creds(), model.AmountFilter{})
	waitFor(t, time.Second, func() bool { return len(dash.claimed()) == 1 })

	dash.setExpired(true)
	waitFor(t, time.Second, func() bool {
		reauths, _, _ := dash.counts()
		return reauths >= 1
	})
	// A few cycles after recovery.
	waitFor(t, time.Second, func() bool {
		_, _, refreshes := dash.counts()
		return refreshes >= 4
	})
	w.Stop()

	if got := dash.claimed(); len(got) != 1 {
		t.Fatalf("claims after recovery = %v, processed set must survive re-auth", got)
	}
	_, applys, _ := dash.counts()
	if applys < 2 {
		t.Fatalf("filter applied %d times, want re-apply after re-auth", applys)
	}
}

func TestReauthEscalatesAfterStreak(t *testing.T) {
	dash := &fakeDash{}
	bus := logbus.New(64)
	t.Cleanup(bus.Close)
	bridge := outcome.NewBridge(nil, bus)
	sink := &memSink{}
	bridge.AddSink(sink)
	bridge.Start()
	w := New(Options{
		NewDashboard: func() Dashboard { return dash },
		Bridge:       bridge,
		Bus:          bus,
		Cfg:          testCfg(),
	})
	defer w.Stop()

	w.Start(creds(), model.AmountFilter{})
	waitFor(t, time.Second, func() bool {
		return w.State().Worker == model.WorkerRunning
	})

	dash.setExpired(true)
	dash.setReauthErr(errors.New("login rejected"))
	waitFor(t, 2*time.Second, func() bool {
		reauths, _, _ := dash.counts()
		return reauths >= testCfg().AuthEscalateAfter+2
	})
	dash.setReauthErr(nil)
	waitFor(t, time.Second, func() bool { return !dash.IsExpired() })
	w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := bridge.Close(ctx); err != nil {
		t.Fatalf("bridge close: %v", err)
	}

	stuck := sink.byStatus(model.OutcomeAuthStuck)
	if len(stuck) != 1 {
		t.Fatalf("auth_stuck events = %d, want exactly one per streak", len(stuck))
	}
	if stuck[0].Failures != testCfg().AuthEscalateAfter {
		t.Fatalf("auth_stuck failures = %d, want %d", stuck[0].Failures, testCfg().AuthEscalateAfter)
	}
}

func TestCycleErrorDoesNotKillWorker(t *testing.T) {
	dash := &fakeDash{refreshErr: errors.New("tab crashed")}
	w, _ := newHarness(t, dash)
	defer w.Stop()

	w.Start(creds(), model.AmountFilter{})
	waitFor(t, time.Second, func() bool {
		_, _, refreshes := dash.counts()
		return refreshes >= 2
	})
	if !w.IsRunning() {
		t.Fatal("worker died on a cycle error")
	}
}

func TestRequestRetryReopensSlug(t *testing.T) {
	dash := &fakeDash{
		candidates: []model.OrderCandidate{{Slug: "trade-a", Amount: amt("100")}},
		claimErr:   map[string]error{"trade-a": errors.New("taken")},
	}
	w, _ := newHarness(t, dash)
	defer w.Stop()

	w.Start(creds(), model.AmountFilter{})
	waitFor(t, time.Second, func() bool { return len(dash.claimed()) == 1 })

	w.RequestRetry("trade-a")
	waitFor(t, time.Second, func() bool { return len(dash.claimed()) == 2 })
	w.Stop()
}
