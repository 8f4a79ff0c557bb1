package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/chimera-agents/chimera/pkg/audit"
	"github.com/chimera-agents/chimera/pkg/config"
	"github.com/chimera-agents/chimera/pkg/contextstore"
	"github.com/chimera-agents/chimera/pkg/errors"
	"github.com/chimera-agents/chimera/pkg/sandbox"
	"github.com/chimera-agents/chimera/pkg/skill"
	"github.com/chimera-agents/chimera/pkg/telemetry"
)

// Delegator executes a stage's work on a federation peer. A horizon expiry
// must come back as a TIMEOUT error so delegation folds into the normal
// retry path; the coordinator treats a delegated stage like any other.
type Delegator interface {
	Delegate(ctx context.Context, capability, version string, input map[string]any) (map[string]any, error)
}

// runState is the coordinator's private view of one run. The embedded
// mutex guards everything below it; workers and the control surface both
// touch it.
type runState struct {
	mu sync.Mutex

	// commitMu serializes transition commits for this run. It is held
	// across the audit append and the state change so a transition that
	// loses the race never reaches the trail. Always taken before mu.
	commitMu sync.Mutex

	id            string
	correlationID string
	status        State
	stageIndex    int
	lastError     string
	createdAt     time.Time
	updatedAt     time.Time
	invocations   []StageInvocation

	order      WorkOrder
	lastOutput map[string]any

	// cancelInvoke interrupts the in-flight sandbox invocation, if any.
	cancelInvoke context.CancelFunc
}

// Coordinator owns every workflow run. Runs are mutated only through its
// state transitions; an admission-limited worker pool walks each run
// through the plan's stages.
type Coordinator struct {
	cfg      *config.Config
	plan     Plan
	registry *skill.Registry
	sandbox  *sandbox.Sandbox
	store    contextstore.Store
	trail    audit.Store
	metrics  *telemetry.OrchestrationMetrics
	delegate Delegator

	mu   sync.Mutex
	runs map[string]*runState

	queue  chan string
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time
}

// Option tweaks coordinator construction.
type Option func(*Coordinator)

// WithDelegator wires an outbound federation client for remote stages.
func WithDelegator(d Delegator) Option {
	return func(c *Coordinator) { c.delegate = d }
}

// WithMetrics attaches orchestration metrics.
func WithMetrics(m *telemetry.OrchestrationMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New builds a coordinator. Call Start before submitting work and Stop to
// drain the worker pool.
func New(cfg *config.Config, plan Plan, registry *skill.Registry, sb *sandbox.Sandbox,
	store contextstore.Store, trail audit.Store, opts ...Option) (*Coordinator, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	for _, spec := range plan {
		if _, err := registry.Resolve(spec.Skill, spec.Version); err != nil {
			return nil, fmt.Errorf("stage %s: %w", spec.Name, err)
		}
	}
	capacity := cfg.Orchestrator.QueueCapacity
	if capacity <= 0 {
		capacity = 256
	}
	c := &Coordinator{
		cfg:      cfg,
		plan:     plan,
		registry: registry,
		sandbox:  sb,
		store:    store,
		trail:    trail,
		runs:     make(map[string]*runState),
		queue:    make(chan string, capacity),
		stop:     make(chan struct{}),
		tracer:   otel.Tracer("chimera/orchestrator"),
		logger:   telemetry.ComponentLogger("orchestrator"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the admission-limited worker pool. Workers hold a slot
// only while a run is actively executing; blocked and terminal runs
// release their slot.
func (c *Coordinator) Start(ctx context.Context) {
	workers := c.cfg.Orchestrator.MaxConcurrentRuns
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	c.logger.Info("orchestrator.started", "workers", workers, "stages", len(c.plan))
}

// Stop drains the worker pool. In-flight stages observe their run context
// and abandon cooperatively.
func (c *Coordinator) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case runID := <-c.queue:
			c.recordQueueDepth(ctx)
			c.execute(ctx, runID)
		}
	}
}

// Submit admits a work order and returns the new run's id. A full queue
// refuses admission rather than blocking the caller.
func (c *Coordinator) Submit(ctx context.Context, order WorkOrder) (string, error) {
	if order.CorrelationID == "" {
		order.CorrelationID = uuid.NewString()
	}
	run := &runState{
		id:            uuid.NewString(),
		correlationID: order.CorrelationID,
		status:        StatePending,
		createdAt:     c.now().UTC(),
		updatedAt:     c.now().UTC(),
		order:         order,
		lastOutput:    order.Payload,
	}

	if _, err := c.trail.Append(ctx, audit.Entry{
		RunID:   run.id,
		Type:    audit.TypeTransition,
		ToState: string(StatePending),
		Detail:  map[string]any{"correlation_id": order.CorrelationID},
	}); err != nil {
		return "", errors.New(errors.CodeInternal, "record submission", err)
	}

	c.mu.Lock()
	c.runs[run.id] = run
	c.mu.Unlock()

	select {
	case c.queue <- run.id:
	default:
		// Roll back admission. The refused run is closed out in the
		// trail so it never dangles in pending.
		_, _ = c.trail.Append(ctx, audit.Entry{
			RunID:     run.id,
			Type:      audit.TypeTransition,
			FromState: string(StatePending),
			ToState:   string(StateFailed),
			Detail:    map[string]any{"detail": "admission queue full"},
		})
		c.mu.Lock()
		delete(c.runs, run.id)
		c.mu.Unlock()
		return "", errors.New(errors.CodeExecution, "admission queue full", nil).
			WithContext("queue_capacity", cap(c.queue))
	}
	c.recordQueueDepth(ctx)
	c.logger.Info("orchestrator.submitted", "run_id", run.id, "correlation_id", order.CorrelationID)
	return run.id, nil
}

// Cancel moves a run to cancelled immediately, without waiting for any
// in-flight invocation to report. The sandbox invocation is signalled to
// stop; its eventual outcome is discarded.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	run, err := c.lookup(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	if run.status.Terminal() {
		from := run.status
		run.mu.Unlock()
		return invalidTransition(runID, from, StateCancelled)
	}
	cancelInvoke := run.cancelInvoke
	run.mu.Unlock()

	if err := c.transition(ctx, run, StateCancelled, "cancelled by request"); err != nil {
		return err
	}
	if cancelInvoke != nil {
		cancelInvoke()
	}
	c.recordRunFinished(ctx, StateCancelled)
	return nil
}

// Unblock resumes or fails a blocked run according to the decision. It is
// the single entry point for both human and automated approvals.
func (c *Coordinator) Unblock(ctx context.Context, runID string, decision Decision) error {
	run, err := c.lookup(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	if run.status != StateBlocked {
		from := run.status
		run.mu.Unlock()
		return errors.New(errors.CodeInvalidTransition,
			fmt.Sprintf("run %s is %s, not blocked", runID, from), nil)
	}
	stage := c.plan[run.stageIndex].Name
	run.mu.Unlock()

	if _, err := c.trail.Append(ctx, audit.Entry{
		RunID:   runID,
		Type:    audit.TypeDecision,
		Stage:   stage,
		Outcome: string(decision.Verdict),
		Detail: map[string]any{
			"reason":     decision.Reason,
			"decided_by": decision.DecidedBy,
		},
	}); err != nil {
		return errors.New(errors.CodeInternal, "record decision", err)
	}

	switch decision.Verdict {
	case VerdictApprove:
		if err := c.transition(ctx, run, StateRunning, ""); err != nil {
			return err
		}
		run.mu.Lock()
		// The blocking stage is considered passed; its output is
		// amended so the next stage sees the approval.
		if run.lastOutput == nil {
			run.lastOutput = map[string]any{}
		}
		run.lastOutput["approved"] = true
		run.stageIndex++
		run.mu.Unlock()
		if err := c.enqueue(ctx, runID); err != nil {
			// No worker holds the run; park it back in blocked so a
			// retried Unblock can resume it once the queue drains.
			run.mu.Lock()
			run.stageIndex--
			run.lastOutput["approved"] = false
			run.mu.Unlock()
			if terr := c.transition(ctx, run, StateBlocked, "resume queue full"); terr != nil {
				return terr
			}
			return err
		}
		return nil
	case VerdictDeny:
		if err := c.transition(ctx, run, StateFailed, "denied: "+decision.Reason); err != nil {
			return err
		}
		c.recordRunFinished(ctx, StateFailed)
		return nil
	default:
		return errors.New(errors.CodeValidation,
			fmt.Sprintf("unknown verdict %q", decision.Verdict), nil)
	}
}

// Status returns a snapshot of the run. Reading status never mutates state.
func (c *Coordinator) Status(_ context.Context, runID string) (Snapshot, error) {
	run, err := c.lookup(runID)
	if err != nil {
		return Snapshot{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return c.snapshotLocked(run), nil
}

// Audit returns the run's trail in seq order.
func (c *Coordinator) Audit(ctx context.Context, runID string) ([]audit.Entry, error) {
	if _, err := c.lookup(runID); err != nil {
		return nil, err
	}
	return c.trail.Read(ctx, runID)
}

func (c *Coordinator) lookup(runID string) (*runState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[runID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			fmt.Sprintf("run %s not found", runID), nil)
	}
	return run, nil
}

func (c *Coordinator) enqueue(ctx context.Context, runID string) error {
	select {
	case c.queue <- runID:
		c.recordQueueDepth(ctx)
		return nil
	default:
		return errors.New(errors.CodeExecution, "admission queue full", nil)
	}
}

// transition appends the audit entry first; the state change is durable
// only after the append succeeds. commitMu is held across both so a
// transition that loses a race fails the allowed-check below and never
// appends: the trail ends with the transition that actually committed.
func (c *Coordinator) transition(ctx context.Context, run *runState, to State, detail string) error {
	run.commitMu.Lock()
	defer run.commitMu.Unlock()

	run.mu.Lock()
	from := run.status
	stage := c.plan[min(run.stageIndex, len(c.plan)-1)].Name
	run.mu.Unlock()

	if !transitionAllowed(from, to) {
		return invalidTransition(run.id, from, to)
	}

	entry := audit.Entry{
		RunID:     run.id,
		Type:      audit.TypeTransition,
		Stage:     stage,
		FromState: string(from),
		ToState:   string(to),
	}
	if detail != "" {
		entry.Detail = map[string]any{"detail": detail}
	}
	if _, err := c.trail.Append(ctx, entry); err != nil {
		return errors.New(errors.CodeInternal, "record transition", err)
	}

	run.mu.Lock()
	run.status = to
	run.updatedAt = c.now().UTC()
	if detail != "" && (to == StateFailed || to == StateCancelled) {
		run.lastError = detail
	}
	run.mu.Unlock()

	c.logger.Info("orchestrator.transition",
		"run_id", run.id, "from", string(from), "to", string(to), "stage", stage)
	return nil
}

func (c *Coordinator) snapshotLocked(run *runState) Snapshot {
	snap := Snapshot{
		ID:            run.id,
		CorrelationID: run.correlationID,
		Status:        run.status,
		StageIndex:    run.stageIndex,
		LastError:     run.lastError,
		CreatedAt:     run.createdAt,
		UpdatedAt:     run.updatedAt,
		Invocations:   make([]StageInvocation, len(run.invocations)),
	}
	if run.stageIndex < len(c.plan) {
		snap.Stage = c.plan[run.stageIndex].Name
	}
	copy(snap.Invocations, run.invocations)
	return snap
}

func (c *Coordinator) recordQueueDepth(ctx context.Context) {
	if c.metrics != nil {
		c.metrics.RecordQueueDepth(ctx, int64(len(c.queue)))
	}
}

func (c *Coordinator) recordRunFinished(ctx context.Context, status State) {
	if c.metrics != nil {
		c.metrics.RecordRunFinished(ctx, string(status))
	}
}
