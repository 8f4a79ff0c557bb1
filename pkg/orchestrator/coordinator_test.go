package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chimera-agents/chimera/pkg/audit"
	"github.com/chimera-agents/chimera/pkg/config"
	"github.com/chimera-agents/chimera/pkg/contextstore"
	"github.com/chimera-agents/chimera/pkg/errors"
	"github.com/chimera-agents/chimera/pkg/sandbox"
	"github.com/chimera-agents/chimera/pkg/skill"
)

func testConfig() *config.Config {
	return &config.Config{
		Orchestrator: config.OrchestratorConfig{
			MaxConcurrentRuns: 4,
			QueueCapacity:     16,
			DefaultAttempts:   3,
			DefaultTimeout:    time.Second,
			ConflictRetries:   3,
			Backoff: config.BackoffConfig{
				InitialDelay: time.Millisecond,
				MaxDelay:     5 * time.Millisecond,
				Multiplier:   2.0,
				Jitter:       0,
			},
		},
	}
}

func testContract(name string) *skill.Contract {
	return &skill.Contract{
		Name:    name,
		Version: "1.0.0",
		Input: skill.Schema{
			"topic":    {Type: skill.TypeString},
			"approved": {Type: skill.TypeBoolean},
		},
		Output: skill.Schema{
			"topic":    {Type: skill.TypeString},
			"approved": {Type: skill.TypeBoolean},
		},
	}
}

type harness struct {
	coord *Coordinator
	store *contextstore.InMemory
	trail *audit.MemoryStore
}

// newHarness builds a two-stage coordinator around the given handlers and
// starts its workers.
func newHarness(t *testing.T, fetch, finish skill.Handler, opts ...func(*Plan)) *harness {
	t.Helper()

	registry := skill.NewRegistry()
	for name, handler := range map[string]skill.Handler{"test.fetch": fetch, "test.finish": finish} {
		if err := registry.Register(skill.Registration{
			Contract: testContract(name),
			Handler:  handler,
		}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	plan := Plan{
		{Name: "fetch", Skill: "test.fetch", Version: "1.0.0",
			ContextKey: func(runID string, _ map[string]any) string {
				return "trends/test/default/" + runID
			}},
		{Name: "finish", Skill: "test.finish", Version: "1.0.0"},
	}
	for _, opt := range opts {
		opt(&plan)
	}

	store := contextstore.NewInMemory()
	trail := audit.NewMemoryStore()
	coord, err := New(testConfig(), plan, registry, sandbox.New(), store, trail)
	if err != nil {
		t.Fatalf("New coordinator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	t.Cleanup(func() {
		cancel()
		coord.Stop()
	})
	return &harness{coord: coord, store: store, trail: trail}
}

func passthrough(_ context.Context, input map[string]any) (map[string]any, error) {
	return input, nil
}

func waitForState(t *testing.T, coord *Coordinator, runID string, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := coord.Status(context.Background(), runID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if snap.Status == want {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	snap, _ := coord.Status(context.Background(), runID)
	t.Fatalf("run %s never reached %s (stuck at %s)", runID, want, snap.Status)
	return Snapshot{}
}

func stageAttempts(entries []audit.Entry, stage string) []audit.Entry {
	var out []audit.Entry
	for _, e := range entries {
		if e.Type == audit.TypeStageAttempt && e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

func TestRunCompletesThroughAllStages(t *testing.T) {
	h := newHarness(t, passthrough, passthrough)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	snap := waitForState(t, h.coord, runID, StateCompleted)
	if len(snap.Invocations) != 2 {
		t.Errorf("expected 2 invocations, got %d", len(snap.Invocations))
	}

	// The first stage's artifact survives under its partition.
	if _, rev, err := h.store.Read(ctx, "trends/test/default/"+runID); err != nil || rev != 1 {
		t.Errorf("stage artifact missing: rev=%d err=%v", rev, err)
	}

	entries, err := h.coord.Audit(ctx, runID)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Type != audit.TypeTransition || last.ToState != string(StateCompleted) {
		t.Errorf("trail does not end with the completion transition: %+v", last)
	}
}

func TestValidationErrorFailsWithoutRetry(t *testing.T) {
	// The skill returns a field its contract does not declare; output
	// validation is the skill's defect and is never retried.
	badOutput := func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"surprise": true}, nil
	}
	h := newHarness(t, badOutput, passthrough)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitForState(t, h.coord, runID, StateFailed)

	entries, _ := h.coord.Audit(ctx, runID)
	attempts := stageAttempts(entries, "fetch")
	if len(attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", len(attempts))
	}
	if attempts[0].Outcome != string(OutcomeValidationError) {
		t.Errorf("expected validation_error outcome, got %s", attempts[0].Outcome)
	}
}

func TestTimeoutRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	flaky := func(_ context.Context, input map[string]any) (map[string]any, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, errors.New(errors.CodeTimeout, "upstream too slow", nil)
		}
		return input, nil
	}
	h := newHarness(t, flaky, passthrough)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitForState(t, h.coord, runID, StateCompleted)

	entries, _ := h.coord.Audit(ctx, runID)
	attempts := stageAttempts(entries, "fetch")
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Attempt != i+1 {
			t.Errorf("attempt numbers not strictly increasing: %+v", a)
		}
	}
	if attempts[2].Outcome != string(OutcomeSuccess) {
		t.Errorf("expected final attempt success, got %s", attempts[2].Outcome)
	}
}

func TestRetryBudgetExhaustedFailsExactlyOnce(t *testing.T) {
	broken := func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New(errors.CodeExecution, "downstream unavailable", nil)
	}
	h := newHarness(t, broken, passthrough)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitForState(t, h.coord, runID, StateFailed)

	entries, _ := h.coord.Audit(ctx, runID)
	attempts := stageAttempts(entries, "fetch")
	if len(attempts) != 3 {
		t.Errorf("expected exactly 3 attempt entries, got %d", len(attempts))
	}
	failures := 0
	for _, e := range entries {
		if e.Type == audit.TypeTransition && e.ToState == string(StateFailed) {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("expected exactly one failed transition, got %d", failures)
	}
}

func TestCancelRunningRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(ctx context.Context, input map[string]any) (map[string]any, error) {
		close(started)
		select {
		case <-release:
			return input, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h := newHarness(t, slow, passthrough)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	// The invocation has not reported; cancellation must not wait for it.
	if err := h.coord.Cancel(ctx, runID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	snap, err := h.coord.Status(ctx, runID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Status != StateCancelled {
		t.Fatalf("expected cancelled immediately, got %s", snap.Status)
	}

	entries, _ := h.coord.Audit(ctx, runID)
	last := entries[len(entries)-1]
	if last.Type != audit.TypeTransition || last.ToState != string(StateCancelled) {
		t.Errorf("expected terminal cancellation entry, got %+v", last)
	}

	close(release)
	time.Sleep(20 * time.Millisecond)

	// The late outcome is discarded, never audited as progress.
	snap, _ = h.coord.Status(ctx, runID)
	if snap.Status != StateCancelled {
		t.Errorf("late outcome resurrected the run: %s", snap.Status)
	}
	after, _ := h.coord.Audit(ctx, runID)
	if len(after) != len(entries) {
		t.Errorf("trail grew after cancellation: %d -> %d", len(entries), len(after))
	}
}

// stallingTrail delays one matching append so another transition can race
// the commit window between the allowed-check and the state change.
type stallingTrail struct {
	inner   audit.Store
	match   func(audit.Entry) bool
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (s *stallingTrail) Append(ctx context.Context, e audit.Entry) (int64, error) {
	if s.match(e) {
		s.once.Do(func() { close(s.entered) })
		<-s.gate
	}
	return s.inner.Append(ctx, e)
}

func (s *stallingTrail) Read(ctx context.Context, runID string) ([]audit.Entry, error) {
	return s.inner.Read(ctx, runID)
}

// A cancel that arrives while the completion commit is mid-append must
// either commit fully or leave no trace: the trail, the live status, and
// a replay of the trail all agree afterwards.
func TestConcurrentCancelNeverForksTrailFromStatus(t *testing.T) {
	trail := &stallingTrail{
		inner:   audit.NewMemoryStore(),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
		match: func(e audit.Entry) bool {
			return e.Type == audit.TypeTransition && e.ToState == string(StateCompleted)
		},
	}

	registry := skill.NewRegistry()
	for _, name := range []string{"test.fetch", "test.finish"} {
		if err := registry.Register(skill.Registration{Contract: testContract(name), Handler: passthrough}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	plan := Plan{
		{Name: "fetch", Skill: "test.fetch", Version: "1.0.0"},
		{Name: "finish", Skill: "test.finish", Version: "1.0.0"},
	}
	coord, err := New(testConfig(), plan, registry, sandbox.New(),
		contextstore.NewInMemory(), trail)
	if err != nil {
		t.Fatalf("New coordinator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	t.Cleanup(func() {
		cancel()
		coord.Stop()
	})

	runID, err := coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-trail.entered // the worker is inside the completion commit

	cancelErr := make(chan error, 1)
	go func() {
		cancelErr <- coord.Cancel(context.Background(), runID)
	}()
	time.Sleep(20 * time.Millisecond)
	close(trail.gate)

	snap := waitForState(t, coord, runID, StateCompleted)
	if err := <-cancelErr; !errors.IsCode(err, errors.CodeInvalidTransition) {
		t.Fatalf("losing cancel must be rejected, got %v", err)
	}

	entries, _ := coord.Audit(context.Background(), runID)
	last := entries[len(entries)-1]
	if last.Type != audit.TypeTransition || last.ToState != string(snap.Status) {
		t.Errorf("trail ends with %+v, live status is %s", last, snap.Status)
	}
	terminals := 0
	for _, e := range entries {
		if e.Type == audit.TypeTransition && State(e.ToState).Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("expected exactly one terminal transition, got %d", terminals)
	}
	if rs := Replay(entries); rs.Status != snap.Status {
		t.Errorf("replay says %s, live status is %s", rs.Status, snap.Status)
	}
}

func TestCancelTerminalRunRejected(t *testing.T) {
	h := newHarness(t, passthrough, passthrough)
	ctx := context.Background()

	runID, _ := h.coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	waitForState(t, h.coord, runID, StateCompleted)

	err := h.coord.Cancel(ctx, runID)
	if !errors.IsCode(err, errors.CodeInvalidTransition) {
		t.Errorf("expected CodeInvalidTransition, got %v", err)
	}
}

func blockablePlan(p *Plan) {
	(*p)[0].Blockable = true
}

func TestBlockedRunResumesOnApproval(t *testing.T) {
	veto := func(_ context.Context, input map[string]any) (map[string]any, error) {
		out := map[string]any{"approved": false}
		if topic, ok := input["topic"]; ok {
			out["topic"] = topic
		}
		return out, nil
	}
	h := newHarness(t, veto, passthrough, blockablePlan)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitForState(t, h.coord, runID, StateBlocked)

	err = h.coord.Unblock(ctx, runID, Decision{
		Verdict:   VerdictApprove,
		Reason:    "reviewed manually",
		DecidedBy: "operator",
	})
	if err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}

	waitForState(t, h.coord, runID, StateCompleted)

	entries, _ := h.coord.Audit(ctx, runID)
	var decision *audit.Entry
	for i := range entries {
		if entries[i].Type == audit.TypeDecision {
			decision = &entries[i]
		}
	}
	if decision == nil {
		t.Fatal("decision entry missing from trail")
	}
	if decision.Detail["decided_by"] != "operator" {
		t.Errorf("decision provenance lost: %v", decision.Detail)
	}
}

func TestBlockedRunFailsOnDenial(t *testing.T) {
	veto := func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"approved": false}, nil
	}
	h := newHarness(t, veto, passthrough, blockablePlan)
	ctx := context.Background()

	runID, _ := h.coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	waitForState(t, h.coord, runID, StateBlocked)

	if err := h.coord.Unblock(ctx, runID, Decision{Verdict: VerdictDeny, Reason: "policy"}); err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}
	waitForState(t, h.coord, runID, StateFailed)
}

// An approval that cannot re-enter the queue must not strand the run in
// running with no worker; it parks back in blocked so the approval can be
// retried once the queue drains.
func TestUnblockWithFullQueueParksRunBlocked(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.MaxConcurrentRuns = 1
	cfg.Orchestrator.QueueCapacity = 1
	cfg.Orchestrator.DefaultTimeout = 30 * time.Second

	release := make(chan struct{})
	holdStarted := make(chan struct{})
	var once sync.Once
	fetch := func(ctx context.Context, input map[string]any) (map[string]any, error) {
		if input["topic"] == "hold" {
			once.Do(func() { close(holdStarted) })
			select {
			case <-release:
			case <-ctx.Done():
			}
			return input, nil
		}
		return map[string]any{"approved": false, "topic": input["topic"]}, nil
	}

	registry := skill.NewRegistry()
	for name, handler := range map[string]skill.Handler{"test.fetch": fetch, "test.finish": passthrough} {
		if err := registry.Register(skill.Registration{Contract: testContract(name), Handler: handler}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	plan := Plan{
		{Name: "fetch", Skill: "test.fetch", Version: "1.0.0", Blockable: true},
		{Name: "finish", Skill: "test.finish", Version: "1.0.0"},
	}
	coord, err := New(cfg, plan, registry, sandbox.New(),
		contextstore.NewInMemory(), audit.NewMemoryStore())
	if err != nil {
		t.Fatalf("New coordinator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	t.Cleanup(func() {
		cancel()
		coord.Stop()
	})

	blockedID, err := coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "review"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForState(t, coord, blockedID, StateBlocked)

	// Occupy the only worker, then fill the only queue slot.
	busyID, err := coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "hold"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-holdStarted
	queuedID, err := coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "hold"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	decision := Decision{Verdict: VerdictApprove, Reason: "reviewed", DecidedBy: "operator"}
	err = coord.Unblock(ctx, blockedID, decision)
	if !errors.IsCode(err, errors.CodeExecution) {
		t.Fatalf("expected queue refusal, got %v", err)
	}
	snap, serr := coord.Status(ctx, blockedID)
	if serr != nil {
		t.Fatalf("Status failed: %v", serr)
	}
	if snap.Status != StateBlocked {
		t.Fatalf("run stranded in %s after refused resume", snap.Status)
	}

	close(release)
	waitForState(t, coord, busyID, StateCompleted)
	waitForState(t, coord, queuedID, StateCompleted)

	if err := coord.Unblock(ctx, blockedID, decision); err != nil {
		t.Fatalf("retried Unblock failed: %v", err)
	}
	waitForState(t, coord, blockedID, StateCompleted)
}

func TestUnblockNonBlockedRunRejected(t *testing.T) {
	h := newHarness(t, passthrough, passthrough)
	ctx := context.Background()

	runID, _ := h.coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	waitForState(t, h.coord, runID, StateCompleted)

	err := h.coord.Unblock(ctx, runID, Decision{Verdict: VerdictApprove})
	if !errors.IsCode(err, errors.CodeInvalidTransition) {
		t.Errorf("expected CodeInvalidTransition, got %v", err)
	}
}

func TestStatusUnknownRun(t *testing.T) {
	h := newHarness(t, passthrough, passthrough)
	_, err := h.coord.Status(context.Background(), "no-such-run")
	if !errors.IsCode(err, errors.CodeNotFound) {
		t.Errorf("expected CodeNotFound, got %v", err)
	}
}

func TestStatusIsIdempotent(t *testing.T) {
	h := newHarness(t, passthrough, passthrough)
	ctx := context.Background()

	runID, _ := h.coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	first := waitForState(t, h.coord, runID, StateCompleted)

	for i := 0; i < 10; i++ {
		snap, err := h.coord.Status(ctx, runID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if snap.Status != first.Status || len(snap.Invocations) != len(first.Invocations) {
			t.Fatalf("Status mutated state on read %d: %+v", i, snap)
		}
	}
}

func TestAuditStageSequenceIsMonotonic(t *testing.T) {
	h := newHarness(t, passthrough, passthrough)
	ctx := context.Background()

	runID, _ := h.coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	waitForState(t, h.coord, runID, StateCompleted)

	index := map[string]int{"fetch": 0, "finish": 1}
	entries, _ := h.coord.Audit(ctx, runID)
	highest := -1
	for _, e := range entries {
		if e.Type != audit.TypeStageAttempt {
			continue
		}
		at := index[e.Stage]
		if at < highest {
			t.Fatalf("stage %s revisited after advancing past it", e.Stage)
		}
		highest = at
	}
}

func TestReplayReconstructsStatus(t *testing.T) {
	h := newHarness(t, passthrough, passthrough)
	ctx := context.Background()

	runID, _ := h.coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	waitForState(t, h.coord, runID, StateCompleted)

	entries, _ := h.coord.Audit(ctx, runID)
	first := Replay(entries)
	if first.Status != StateCompleted {
		t.Fatalf("replay disagrees with live status: %s", first.Status)
	}
	// Replaying the same sequence again yields an identical result.
	if second := Replay(entries); second != first {
		t.Errorf("replay is not deterministic: %+v vs %+v", first, second)
	}
}

// recordingTrail keeps every appended entry in arrival order so a test can
// inspect entries for runs whose id the caller never received.
type recordingTrail struct {
	inner audit.Store
	mu    sync.Mutex
	seen  []audit.Entry
}

func (r *recordingTrail) Append(ctx context.Context, e audit.Entry) (int64, error) {
	r.mu.Lock()
	r.seen = append(r.seen, e)
	r.mu.Unlock()
	return r.inner.Append(ctx, e)
}

func (r *recordingTrail) Read(ctx context.Context, runID string) ([]audit.Entry, error) {
	return r.inner.Read(ctx, runID)
}

func (r *recordingTrail) entries() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.seen...)
}

func TestSubmitRefusedWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.QueueCapacity = 1

	registry := skill.NewRegistry()
	for _, name := range []string{"test.fetch", "test.finish"} {
		if err := registry.Register(skill.Registration{Contract: testContract(name), Handler: passthrough}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	plan := Plan{
		{Name: "fetch", Skill: "test.fetch", Version: "1.0.0"},
		{Name: "finish", Skill: "test.finish", Version: "1.0.0"},
	}
	trail := &recordingTrail{inner: audit.NewMemoryStore()}
	coord, err := New(cfg, plan, registry, sandbox.New(), contextstore.NewInMemory(), trail)
	if err != nil {
		t.Fatalf("New coordinator: %v", err)
	}
	// Workers are deliberately not started; the queue fills immediately.
	ctx := context.Background()
	if _, err := coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "a"}}); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	_, err = coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "b"}})
	if !errors.IsCode(err, errors.CodeExecution) {
		t.Errorf("expected admission refusal, got %v", err)
	}

	// The refused run's trail must not end dangling in pending: its
	// admission entry gets a matching terminal one.
	seen := trail.entries()
	if len(seen) != 3 {
		t.Fatalf("expected 3 appended entries, got %d", len(seen))
	}
	refused := seen[1]
	terminal := seen[2]
	if terminal.RunID != refused.RunID {
		t.Fatalf("terminal entry belongs to %s, refused run is %s", terminal.RunID, refused.RunID)
	}
	if terminal.FromState != string(StatePending) || terminal.ToState != string(StateFailed) {
		t.Errorf("expected pending to failed, got %s to %s", terminal.FromState, terminal.ToState)
	}
	entries, err := trail.Read(ctx, refused.RunID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if rs := Replay(entries); rs.Status != StateFailed {
		t.Errorf("replaying the refused run yields %s, want %s", rs.Status, StateFailed)
	}
}

type fakeDelegator struct {
	mu    sync.Mutex
	calls int
	fn    func(input map[string]any) (map[string]any, error)
}

func (d *fakeDelegator) Delegate(_ context.Context, _, _ string, input map[string]any) (map[string]any, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.fn(input)
}

func TestRemoteStageDelegates(t *testing.T) {
	delegator := &fakeDelegator{fn: func(input map[string]any) (map[string]any, error) {
		return input, nil
	}}
	remote := func(p *Plan) { (*p)[0].Remote = true }

	registry := skill.NewRegistry()
	for _, name := range []string{"test.fetch", "test.finish"} {
		if err := registry.Register(skill.Registration{Contract: testContract(name), Handler: passthrough}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	plan := Plan{
		{Name: "fetch", Skill: "test.fetch", Version: "1.0.0"},
		{Name: "finish", Skill: "test.finish", Version: "1.0.0"},
	}
	remote(&plan)

	coord, err := New(testConfig(), plan, registry, sandbox.New(),
		contextstore.NewInMemory(), audit.NewMemoryStore(), WithDelegator(delegator))
	if err != nil {
		t.Fatalf("New coordinator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	t.Cleanup(func() {
		cancel()
		coord.Stop()
	})

	runID, err := coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForState(t, coord, runID, StateCompleted)

	delegator.mu.Lock()
	calls := delegator.calls
	delegator.mu.Unlock()
	if calls != 1 {
		t.Errorf("expected 1 delegated call, got %d", calls)
	}

	// Work that left this agent is visible in the trail as its own entry.
	entries, _ := coord.Audit(ctx, runID)
	var delegations []audit.Entry
	for _, e := range entries {
		if e.Type == audit.TypeDelegation {
			delegations = append(delegations, e)
		}
	}
	if len(delegations) != 1 {
		t.Fatalf("expected 1 delegation entry, got %d", len(delegations))
	}
	d := delegations[0]
	if d.Stage != "fetch" || d.Outcome != string(OutcomeSuccess) {
		t.Errorf("delegation entry misrecorded: %+v", d)
	}
	if d.Detail["capability"] != "test.fetch" || d.Detail["version"] != "1.0.0" {
		t.Errorf("delegation exchange lost its capability: %v", d.Detail)
	}
}

func TestApplyRemoteMarksConfiguredSkills(t *testing.T) {
	plan := Plan{
		{Name: "fetch", Skill: "test.fetch", Version: "1.0.0"},
		{Name: "finish", Skill: "test.finish", Version: "1.0.0"},
	}
	plan = plan.ApplyRemote(map[string]config.SkillConfig{
		"test.fetch": {Remote: true},
		"test.other": {Remote: true},
	})
	if !plan[0].Remote {
		t.Error("stage with a remote skill stayed local")
	}
	if plan[1].Remote {
		t.Error("stage without a remote skill was marked remote")
	}
}

// A delegation that never completes within the horizon folds into the
// normal retry path as a timeout.
func TestDelegationTimeoutFoldsIntoRetry(t *testing.T) {
	delegator := &fakeDelegator{fn: func(input map[string]any) (map[string]any, error) {
		return nil, errors.New(errors.CodeTimeout, "delegation horizon elapsed", nil)
	}}

	registry := skill.NewRegistry()
	for _, name := range []string{"test.fetch", "test.finish"} {
		if err := registry.Register(skill.Registration{Contract: testContract(name), Handler: passthrough}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	plan := Plan{
		{Name: "fetch", Skill: "test.fetch", Version: "1.0.0", Remote: true},
		{Name: "finish", Skill: "test.finish", Version: "1.0.0"},
	}
	trail := audit.NewMemoryStore()
	coord, err := New(testConfig(), plan, registry, sandbox.New(),
		contextstore.NewInMemory(), trail, WithDelegator(delegator))
	if err != nil {
		t.Fatalf("New coordinator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	t.Cleanup(func() {
		cancel()
		coord.Stop()
	})

	runID, err := coord.Submit(ctx, WorkOrder{Payload: map[string]any{"topic": "dance"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForState(t, coord, runID, StateFailed)

	entries, _ := coord.Audit(ctx, runID)
	attempts := stageAttempts(entries, "fetch")
	if len(attempts) != 3 {
		t.Fatalf("expected 3 delegated attempts, got %d", len(attempts))
	}
	for _, a := range attempts {
		if a.Outcome != string(OutcomeTimeout) {
			t.Errorf("expected timeout outcome, got %s", a.Outcome)
		}
	}
}
