package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/appforge/procflow/internal/domain"
	"github.com/appforge/procflow/internal/persistence"
	"github.com/appforge/procflow/pkg/api"
)

const (
	defaultGroupID            = "procflow-engine"
	defaultWorkers            = 8
	defaultTaskTimeout        = 7 * 24 * time.Hour
	defaultEscalationCooldown = 24 * time.Hour
	defaultTickInterval       = 30 * time.Second
)

// Options configure an Orchestrator.
type Options struct {
	Store persistence.Store

	// Bus, when set, makes the orchestrator trigger runs through the event
	// bus and consume them in StartConsumers. When nil, runs execute on an
	// in-process worker pool.
	Bus api.Bus

	// Entities is the backend for built-in service operations and query
	// steps. Defaults to an in-memory client validating against the store's
	// entity metadata.
	Entities domain.Client

	Logger   *slog.Logger
	Observer api.Observer

	// Producer tags published envelopes.
	Producer string

	// GroupID is the consumer group used by StartConsumers.
	GroupID string

	// Workers bounds the in-process executor pool.
	Workers int

	// DefaultTaskTimeout is the due window for human tasks whose step does
	// not set timeout_seconds.
	DefaultTaskTimeout time.Duration

	// EscalationCooldown is how long an escalated task stays overdue before
	// it expires and fails its run.
	EscalationCooldown time.Duration

	// TickInterval drives the scheduler and task monitor loops.
	TickInterval time.Duration
}

// Orchestrator coordinates process runs, human tasks, schedules and the
// event bus. All methods are safe for concurrent use.
type Orchestrator struct {
	store    persistence.Store
	bus      api.Bus
	registry *Registry
	entities domain.Client
	executor Executor
	logger   *slog.Logger
	observer api.Observer

	producer           string
	groupID            string
	taskTimeout        time.Duration
	escalationCooldown time.Duration
	tickInterval       time.Duration

	// clock is swapped in tests.
	clock func() time.Time

	mu        sync.Mutex
	loopsWG   sync.WaitGroup
	stopLoops context.CancelFunc

	// lastCronFire guards against double-firing a cron schedule within the
	// same minute.
	lastCronFire map[string]time.Time
}

// New creates an Orchestrator. Options.Store is required.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = api.NoopObserver{}
	}
	entities := opts.Entities
	if entities == nil {
		entities = domain.NewMemoryClient(opts.Store, logger)
	}

	o := &Orchestrator{
		store:              opts.Store,
		bus:                opts.Bus,
		registry:           NewRegistry(entities),
		entities:           entities,
		logger:             logger,
		observer:           observer,
		producer:           opts.Producer,
		groupID:            opts.GroupID,
		taskTimeout:        opts.DefaultTaskTimeout,
		escalationCooldown: opts.EscalationCooldown,
		tickInterval:       opts.TickInterval,
		clock:              time.Now,
		lastCronFire:       make(map[string]time.Time),
	}
	if o.groupID == "" {
		o.groupID = defaultGroupID
	}
	if o.taskTimeout <= 0 {
		o.taskTimeout = defaultTaskTimeout
	}
	if o.escalationCooldown <= 0 {
		o.escalationCooldown = defaultEscalationCooldown
	}
	if o.tickInterval <= 0 {
		o.tickInterval = defaultTickInterval
	}

	if opts.Bus != nil {
		o.executor = &busExecutor{bus: opts.Bus, producer: o.producer, logger: logger}
	} else {
		workers := opts.Workers
		if workers <= 0 {
			workers = defaultWorkers
		}
		o.executor = newDirectExecutor(workers, o.executeRun, logger)
	}
	return o, nil
}

// Registry exposes handler registration to the embedding layer.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// RegisterProcess stores an immutable process spec. Registering the same
// name and version twice is an error.
func (o *Orchestrator) RegisterProcess(ctx context.Context, spec api.ProcessSpec) error {
	if spec.Name == "" {
		return errors.New("process name is required")
	}
	if len(spec.Steps) == 0 {
		return errors.New("process must have at least one step")
	}
	if spec.Version == "" {
		spec.Version = "v1"
	}
	for _, step := range spec.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("process %q: %w", spec.Name, err)
		}
	}

	if _, err := o.store.GetSpec(ctx, spec.Name, spec.Version); err == nil {
		return fmt.Errorf("process %q version %q already registered", spec.Name, spec.Version)
	} else if !errors.Is(err, persistence.ErrSpecNotFound) {
		return err
	}
	return o.store.SaveSpec(ctx, spec)
}

func validateStep(step api.StepSpec) error {
	if step.Name == "" {
		return errors.New("step name is required")
	}
	switch step.Kind {
	case api.StepService, api.StepHumanTask, api.StepWait, api.StepSend, api.StepQuery:
	case api.StepForeach:
		if len(step.Steps) == 0 {
			return fmt.Errorf("step %q: foreach needs sub-steps", step.Name)
		}
		for _, sub := range step.Steps {
			switch sub.Kind {
			case api.StepService, api.StepSend, api.StepQuery:
			default:
				return fmt.Errorf("step %q: sub-step %q: kind %q not allowed inside foreach", step.Name, sub.Name, sub.Kind)
			}
		}
	default:
		return fmt.Errorf("step %q: unknown kind %q", step.Name, step.Kind)
	}
	return nil
}

// RegisterSchedule stores a schedule. Exactly one of Cron and
// IntervalSeconds must be set; cron expressions are validated up front.
func (o *Orchestrator) RegisterSchedule(ctx context.Context, sched api.Schedule) error {
	if sched.Name == "" {
		return errors.New("schedule name is required")
	}
	if sched.ProcessName == "" {
		return errors.New("schedule process name is required")
	}
	hasCron := sched.Cron != ""
	hasInterval := sched.IntervalSeconds > 0
	if hasCron == hasInterval {
		return fmt.Errorf("schedule %q: exactly one of cron and interval_seconds must be set", sched.Name)
	}
	if hasCron {
		if _, err := parseCron(sched.Cron); err != nil {
			return err
		}
	}
	return o.store.SaveSchedule(ctx, sched)
}

// RegisterEntityMeta stores metadata for a business entity.
func (o *Orchestrator) RegisterEntityMeta(ctx context.Context, meta api.EntityMeta) error {
	if meta.Entity == "" {
		return errors.New("entity name is required")
	}
	return o.store.SaveEntityMeta(ctx, meta)
}

// StartProcess creates a PENDING run for the latest spec of the named
// process and triggers its execution. A non-empty idempotency key maps
// repeated requests to the first run created with that key.
func (o *Orchestrator) StartProcess(ctx context.Context, name string, inputs map[string]any, opts ...api.StartOptions) (*api.ProcessRun, error) {
	var so api.StartOptions
	if len(opts) > 0 {
		so = opts[0]
	}

	spec, err := o.store.LatestSpec(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", name, err)
	}

	if so.IdempotencyKey != "" {
		existing, err := o.store.FindRunByIdempotencyKey(ctx, name, so.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, persistence.ErrRunNotFound) {
			return nil, err
		}
	}

	now := o.clock().UTC()
	run := &api.ProcessRun{
		RunID:          uuid.NewString(),
		ProcessName:    spec.Name,
		ProcessVersion: spec.Version,
		DSLVersion:     so.DSLVersion,
		Status:         api.RunPending,
		Inputs:         inputs,
		Context:        map[string]any{},
		IdempotencyKey: so.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if run.DSLVersion == "" {
		run.DSLVersion = spec.DSLVersion
	}

	if err := o.store.SaveRun(ctx, run); err != nil {
		// A concurrent start with the same key won the insert; hand back
		// its run instead.
		if errors.Is(err, persistence.ErrDuplicateRun) && so.IdempotencyKey != "" {
			return o.store.FindRunByIdempotencyKey(ctx, name, so.IdempotencyKey)
		}
		return nil, err
	}
	if err := o.executor.Trigger(ctx, run, so.Headers); err != nil {
		return run, fmt.Errorf("trigger run %s: %w", run.RunID, err)
	}
	return run, nil
}

// GetRun returns a run by ID.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*api.ProcessRun, error) {
	return o.store.GetRun(ctx, runID)
}

// ListRuns lists runs matching the options.
func (o *Orchestrator) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.ProcessRun, error) {
	return o.store.ListRuns(ctx, opts)
}

// ListRunsByVersion lists the runs of one process version.
func (o *Orchestrator) ListRunsByVersion(ctx context.Context, processName, version string) ([]*api.ProcessRun, error) {
	runs, err := o.store.ListRuns(ctx, api.RunListOptions{ProcessName: processName})
	if err != nil {
		return nil, err
	}
	out := runs[:0]
	for _, r := range runs {
		if r.ProcessVersion == version {
			out = append(out, r)
		}
	}
	return out, nil
}

// CountActiveRunsByVersion counts non-terminal runs per process version.
// Useful when deciding whether an old version can be retired.
func (o *Orchestrator) CountActiveRunsByVersion(ctx context.Context, processName string) (map[string]int64, error) {
	runs, err := o.store.ListRuns(ctx, api.RunListOptions{ProcessName: processName})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for _, r := range runs {
		if !r.Status.Terminal() {
			counts[r.ProcessVersion]++
		}
	}
	return counts, nil
}

// CancelProcess terminates a run and cancels its open tasks. Cancelling a
// terminal run is an error.
func (o *Orchestrator) CancelProcess(ctx context.Context, runID string) error {
	ok, err := o.store.TransitionRun(ctx, runID, []api.RunStatus{
		api.RunPending, api.RunRunning, api.RunWaiting, api.RunSuspended, api.RunCompensating,
	}, api.RunCancelled)
	if err != nil {
		return err
	}
	if !ok {
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return fmt.Errorf("cannot cancel run %s in status %s", runID, run.Status)
	}

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.FinishedAt = o.clock().UTC()
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	tasks, err := o.store.ListTasks(ctx, api.TaskListOptions{RunID: runID})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		task.Status = api.TaskCancelled
		task.UpdatedAt = o.clock().UTC()
		if err := o.store.UpdateTask(ctx, task); err != nil {
			o.logger.Warn("cancel task", "task_id", task.TaskID, "error", err)
		}
	}

	o.publishRunStatus(ctx, run)
	return nil
}

// SuspendProcess pauses a run. Only PENDING, RUNNING and WAITING runs can
// be suspended.
func (o *Orchestrator) SuspendProcess(ctx context.Context, runID string) error {
	ok, err := o.store.TransitionRun(ctx, runID, []api.RunStatus{
		api.RunPending, api.RunRunning, api.RunWaiting,
	}, api.RunSuspended)
	if err != nil {
		return err
	}
	if !ok {
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return fmt.Errorf("cannot suspend run %s in status %s", runID, run.Status)
	}
	o.auditRun(ctx, runID)
	return nil
}

// ResumeProcess continues a suspended run.
func (o *Orchestrator) ResumeProcess(ctx context.Context, runID string) error {
	ok, err := o.store.TransitionRun(ctx, runID, []api.RunStatus{api.RunSuspended}, api.RunPending)
	if err != nil {
		return err
	}
	if !ok {
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return fmt.Errorf("cannot resume run %s in status %s", runID, run.Status)
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return o.executor.Trigger(ctx, run, nil)
}

// SignalProcess records a named signal in the run context. A WAITING run is
// moved back to PENDING and re-triggered so its wait step can observe the
// signal.
func (o *Orchestrator) SignalProcess(ctx context.Context, runID, name string, payload any) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("cannot signal run %s in status %s", runID, run.Status)
	}

	if run.Context == nil {
		run.Context = map[string]any{}
	}
	run.Context["signal_"+name] = payload
	run.UpdatedAt = o.clock().UTC()
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	woken, err := o.store.TransitionRun(ctx, runID, []api.RunStatus{api.RunWaiting}, api.RunPending)
	if err != nil {
		return err
	}
	if woken {
		return o.executor.Trigger(ctx, run, nil)
	}
	return nil
}

// GetTask returns a human task by ID.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*api.ProcessTask, error) {
	return o.store.GetTask(ctx, taskID)
}

// ListTasks lists human tasks matching the options.
func (o *Orchestrator) ListTasks(ctx context.Context, opts api.TaskListOptions) ([]*api.ProcessTask, error) {
	return o.store.ListTasks(ctx, opts)
}

// CompleteTask records the task outcome, publishes a completion event and
// resumes the waiting run. Completing a terminal task is an error.
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID, outcome string, data map[string]any, completedBy string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("cannot complete task %s in status %s", taskID, task.Status)
	}

	now := o.clock().UTC()
	task.Status = api.TaskCompleted
	task.Outcome = outcome
	task.OutcomeData = data
	task.CompletedBy = completedBy
	task.UpdatedAt = now
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	run, err := o.store.GetRun(ctx, task.RunID)
	if err != nil {
		return err
	}
	if run.Context == nil {
		run.Context = map[string]any{}
	}
	run.Context[task.StepName] = map[string]any{
		"task_id":      task.TaskID,
		"outcome":      outcome,
		"data":         data,
		"completed_by": completedBy,
	}
	run.UpdatedAt = now
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	o.publish(ctx, api.TopicTaskCompleted, map[string]any{
		"task_id":      task.TaskID,
		"run_id":       task.RunID,
		"step_name":    task.StepName,
		"outcome":      outcome,
		"completed_by": completedBy,
	}, task.RunID)

	woken, err := o.store.TransitionRun(ctx, task.RunID, []api.RunStatus{api.RunWaiting}, api.RunPending)
	if err != nil {
		return err
	}
	if woken {
		return o.executor.Trigger(ctx, run, nil)
	}
	return nil
}

// ReassignTask moves a non-terminal task to another assignee. Reassigning
// an escalated task brings it back to ASSIGNED.
func (o *Orchestrator) ReassignTask(ctx context.Context, taskID, assigneeRole, assigneeID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("cannot reassign task %s in status %s", taskID, task.Status)
	}
	if assigneeRole != "" {
		task.AssigneeRole = assigneeRole
	}
	task.AssigneeID = assigneeID
	task.Status = api.TaskAssigned
	task.UpdatedAt = o.clock().UTC()
	return o.store.UpdateTask(ctx, task)
}

// RecoverStuckRuns re-triggers runs that have sat in RUNNING longer than
// olderThan, typically after a worker crash. It returns the number of runs
// recovered.
func (o *Orchestrator) RecoverStuckRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := o.clock().UTC().Add(-olderThan)
	stale, err := o.store.StaleRuns(ctx, []api.RunStatus{api.RunRunning}, cutoff)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, run := range stale {
		ok, err := o.store.TransitionRun(ctx, run.RunID, []api.RunStatus{api.RunRunning}, api.RunPending)
		if err != nil {
			o.logger.Warn("recover run", "run_id", run.RunID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := o.executor.Trigger(ctx, run, nil); err != nil {
			o.logger.Warn("re-trigger recovered run", "run_id", run.RunID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Close stops the background loops and drains the in-process executor.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.stopLoops != nil {
		o.stopLoops()
		o.stopLoops = nil
	}
	o.mu.Unlock()
	o.loopsWG.Wait()

	if d, ok := o.executor.(*directExecutor); ok {
		d.wait()
	}
	return nil
}

// publish sends an envelope, logging failures instead of propagating them.
// Bus trouble must not break state changes that are already persisted.
func (o *Orchestrator) publish(ctx context.Context, topic string, payload map[string]any, key string) {
	if o.bus == nil {
		return
	}
	env := api.NewEnvelope(topic, payload)
	env.Key = key
	env.Producer = o.producer
	if err := o.bus.Publish(ctx, topic, env); err != nil {
		o.logger.Warn("publish event", "topic", topic, "error", err)
	}
}

func (o *Orchestrator) publishRunStatus(ctx context.Context, run *api.ProcessRun) {
	o.publish(ctx, api.TopicRunStatus, map[string]any{
		"run_id":       run.RunID,
		"process_name": run.ProcessName,
		"status":       string(run.Status),
		"error":        run.Error,
	}, run.RunID)
}

func (o *Orchestrator) auditRun(ctx context.Context, runID string) {
	if o.bus == nil {
		return
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return
	}
	o.publishRunStatus(ctx, run)
}
