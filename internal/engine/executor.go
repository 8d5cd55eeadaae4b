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
	"github.com/appforge/procflow/pkg/api"
)

// Executor triggers the asynchronous execution of a run.
type Executor interface {
	Trigger(ctx context.Context, run *api.ProcessRun, headers map[string]string) error
}

// busExecutor publishes an execution request and lets a consumer pick it up.
type busExecutor struct {
	bus      api.Bus
	producer string
	logger   *slog.Logger
}

var _ Executor = (*busExecutor)(nil)

func (e *busExecutor) Trigger(ctx context.Context, run *api.ProcessRun, headers map[string]string) error {
	env := api.NewEnvelope(api.TopicExecutionRequested, map[string]any{
		"run_id":       run.RunID,
		"process_name": run.ProcessName,
	})
	env.Key = run.RunID
	env.CorrelationID = run.RunID
	env.Producer = e.producer
	env.Headers = headers
	return e.bus.Publish(ctx, api.TopicExecutionRequested, env)
}

// directExecutor runs executions on a bounded in-process worker pool.
type directExecutor struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	run    func(ctx context.Context, runID string) error
	logger *slog.Logger
}

var _ Executor = (*directExecutor)(nil)

func newDirectExecutor(workers int, run func(ctx context.Context, runID string) error, logger *slog.Logger) *directExecutor {
	return &directExecutor{
		sem:    make(chan struct{}, workers),
		run:    run,
		logger: logger,
	}
}

func (e *directExecutor) Trigger(ctx context.Context, run *api.ProcessRun, _ map[string]string) error {
	// The run outlives the caller's request context.
	runCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	e.sem <- struct{}{}
	go func() {
		defer func() {
			<-e.sem
			e.wg.Done()
		}()
		if err := e.run(runCtx, run.RunID); err != nil {
			e.logger.Error("run execution", "run_id", run.RunID, "error", err)
		}
	}()
	return nil
}

func (e *directExecutor) wait() { e.wg.Wait() }

// stepOutcome tells the run loop what to do after a step.
type stepOutcome int

const (
	outcomeContinue stepOutcome = iota
	outcomeWait
)

// executeRun claims and drives one run. Of several competing workers only
// the one whose claim succeeds proceeds; the rest return without touching
// the run.
func (o *Orchestrator) executeRun(ctx context.Context, runID string) error {
	claimed, err := o.store.TransitionRun(ctx, runID, []api.RunStatus{api.RunPending, api.RunWaiting}, api.RunRunning)
	if err != nil {
		return err
	}
	if !claimed {
		o.logger.Debug("run already claimed or not runnable", "run_id", runID)
		return nil
	}

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	spec, err := o.store.GetSpec(ctx, run.ProcessName, run.ProcessVersion)
	if err != nil {
		return o.failRun(ctx, run, fmt.Errorf("resolve spec: %w", err))
	}

	now := o.clock().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
		o.observer.OnRunStart(ctx, run)
	}
	run.UpdatedAt = now
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	var lastResult map[string]any
	for i := run.CurrentStep; i < len(spec.Steps); i++ {
		// Cooperative cancellation: a concurrent Cancel or Suspend wins
		// between steps.
		current, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if current.Status != api.RunRunning {
			o.logger.Info("run interrupted", "run_id", runID, "status", current.Status)
			return nil
		}
		run = current

		step := spec.Steps[i]
		start := o.clock()
		o.observer.OnStepStart(ctx, run, step.Name, i)

		result, outcome, stepErr := o.executeStep(ctx, run, step)
		o.observer.OnStepCompleted(ctx, run, step.Name, i, stepErr, o.clock().Sub(start))

		if stepErr != nil {
			return o.compensateAndFail(ctx, run, spec, i, stepErr)
		}

		if run.Context == nil {
			run.Context = map[string]any{}
		}
		if result != nil {
			run.Context[step.Name] = result
			lastResult = result
		}

		switch outcome {
		case outcomeWait:
			if step.Kind == api.StepHumanTask {
				// The task outcome lands in the context under the step name;
				// the run resumes at the next step.
				run.CurrentStep = i + 1
			} else {
				run.CurrentStep = i
			}
			run.UpdatedAt = o.clock().UTC()
			if err := o.store.UpdateRun(ctx, run); err != nil {
				return err
			}
			ok, err := o.store.TransitionRun(ctx, runID, []api.RunStatus{api.RunRunning}, api.RunWaiting)
			if err != nil {
				return err
			}
			if ok {
				o.auditRun(ctx, runID)
			}
			return nil
		default:
			run.CurrentStep = i + 1
			run.UpdatedAt = o.clock().UTC()
			if err := o.store.UpdateRun(ctx, run); err != nil {
				return err
			}
		}
	}

	ok, err := o.store.TransitionRun(ctx, runID, []api.RunStatus{api.RunRunning}, api.RunCompleted)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	run, err = o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.Outputs = lastResult
	run.FinishedAt = o.clock().UTC()
	run.UpdatedAt = run.FinishedAt
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	o.observer.OnRunCompleted(ctx, run)
	o.publishRunStatus(ctx, run)
	return nil
}

// executeStep runs one step and reports its result and whether the run
// should pause.
func (o *Orchestrator) executeStep(ctx context.Context, run *api.ProcessRun, step api.StepSpec) (map[string]any, stepOutcome, error) {
	switch step.Kind {
	case api.StepService:
		result, err := o.executeService(ctx, run, step)
		return result, outcomeContinue, err
	case api.StepHumanTask:
		result, err := o.createHumanTask(ctx, run, step)
		if err != nil {
			return nil, outcomeContinue, err
		}
		return result, outcomeWait, nil
	case api.StepWait:
		signal := stringArg(step.Params, "signal")
		if signal == "" {
			// Unconditional suspend. The recorded result marks the pass, so
			// any resume trigger carries the run past this step.
			if _, done := run.Context[step.Name]; done {
				return nil, outcomeContinue, nil
			}
			return map[string]any{"waited": true}, outcomeWait, nil
		}
		payload, ok := run.Context["signal_"+signal]
		if !ok {
			return nil, outcomeWait, nil
		}
		return map[string]any{"signal": signal, "payload": payload}, outcomeContinue, nil
	case api.StepSend:
		channel := stringArg(step.Params, "channel")
		o.logger.Info("send step", "run_id", run.RunID, "step", step.Name, "channel", channel)
		return map[string]any{"sent": true, "channel": channel}, outcomeContinue, nil
	case api.StepQuery:
		result, err := o.executeQuery(ctx, run, step)
		return result, outcomeContinue, err
	case api.StepForeach:
		result := o.executeForeach(ctx, run, step)
		return result, outcomeContinue, nil
	default:
		return nil, outcomeContinue, fmt.Errorf("step %q: unknown kind %q", step.Name, step.Kind)
	}
}

func (o *Orchestrator) executeService(ctx context.Context, run *api.ProcessRun, step api.StepSpec) (map[string]any, error) {
	entity := stringArg(step.Params, "entity")
	operation := stringArg(step.Params, "operation")

	handler, err := o.registry.Resolve(entity, operation)
	if errors.Is(err, ErrHandlerNotFound) {
		o.logger.Warn("no handler for service step, skipping",
			"run_id", run.RunID, "step", step.Name, "entity", entity, "operation", operation)
		return map[string]any{"skipped": true, "reason": "no handler"}, nil
	}
	if err != nil {
		return nil, err
	}
	return handler(ctx, o.serviceArgs(run, step))
}

// serviceArgs merges run inputs, accumulated context and the step's own
// args, later sources winning.
func (o *Orchestrator) serviceArgs(run *api.ProcessRun, step api.StepSpec) map[string]any {
	args := make(map[string]any, len(run.Inputs)+len(run.Context))
	for k, v := range run.Inputs {
		args[k] = v
	}
	for k, v := range run.Context {
		args[k] = v
	}
	if stepArgs, ok := step.Params["args"].(map[string]any); ok {
		for k, v := range stepArgs {
			args[k] = v
		}
	}
	return args
}

func (o *Orchestrator) createHumanTask(ctx context.Context, run *api.ProcessRun, step api.StepSpec) (map[string]any, error) {
	timeout := o.taskTimeout
	if secs, ok := numberArg(step.Params, "timeout_seconds"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	now := o.clock().UTC()
	task := &api.ProcessTask{
		TaskID:       uuid.NewString(),
		RunID:        run.RunID,
		StepName:     step.Name,
		AssigneeRole: stringArg(step.Params, "assignee_role"),
		AssigneeID:   stringArg(step.Params, "assignee_id"),
		Status:       api.TaskPending,
		DueAt:        now.Add(timeout),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if task.AssigneeID != "" {
		task.Status = api.TaskAssigned
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}

	o.logger.Info("human task created",
		"run_id", run.RunID, "task_id", task.TaskID, "step", step.Name, "due_at", task.DueAt)
	return map[string]any{"task_id": task.TaskID, "due_at": task.DueAt}, nil
}

func (o *Orchestrator) executeQuery(ctx context.Context, run *api.ProcessRun, step api.StepSpec) (map[string]any, error) {
	entity := stringArg(step.Params, "entity")
	filters, _ := step.Params["filters"].(map[string]any)
	limit, _ := numberArg(step.Params, "limit")
	offset, _ := numberArg(step.Params, "offset")

	meta, err := o.store.GetEntityMeta(ctx, entity)
	if err != nil {
		meta = api.EntityMeta{Entity: entity}
	}
	resolved := domain.ResolveFilters(meta, filters, o.clock(), o.logger)

	records, err := o.entities.List(ctx, entity, resolved, int(limit), int(offset))
	if err != nil {
		return nil, fmt.Errorf("step %q: query %s: %w", step.Name, entity, err)
	}
	items := make([]any, len(records))
	for i, r := range records {
		items[i] = map[string]any(r)
	}
	return map[string]any{"items": items, "count": len(items)}, nil
}

// executeForeach runs the sub-steps once per item. Item failures are
// isolated: they are recorded and the remaining items still run.
func (o *Orchestrator) executeForeach(ctx context.Context, run *api.ProcessRun, step api.StepSpec) map[string]any {
	items := foreachItems(run, step)

	var (
		results   []any
		errList   []any
		processed int
	)
	for idx, item := range items {
		itemResults := make(map[string]any)
		var itemErr error
		for _, sub := range step.Steps {
			subRun := *run
			subRun.Context = make(map[string]any, len(run.Context)+2+len(itemResults))
			for k, v := range run.Context {
				subRun.Context[k] = v
			}
			for k, v := range itemResults {
				subRun.Context[k] = v
			}
			subRun.Context["item"] = item
			subRun.Context["index"] = idx

			result, _, err := o.executeStep(ctx, &subRun, sub)
			if err != nil {
				itemErr = fmt.Errorf("item %d, step %q: %w", idx, sub.Name, err)
				break
			}
			if result != nil {
				itemResults[sub.Name] = result
			}
		}
		if itemErr != nil {
			o.logger.Warn("foreach item failed",
				"run_id", run.RunID, "step", step.Name, "index", idx, "error", itemErr)
			errList = append(errList, itemErr.Error())
			continue
		}
		processed++
		results = append(results, itemResults)
	}

	return map[string]any{
		"processed": processed,
		"errors":    errList,
		"results":   results,
	}
}

// foreachItems resolves the item list: a literal "items" param, or an "in"
// param naming a context or input key holding a list.
func foreachItems(run *api.ProcessRun, step api.StepSpec) []any {
	if items, ok := step.Params["items"].([]any); ok {
		return items
	}
	key := stringArg(step.Params, "in")
	if key == "" {
		return nil
	}
	if v, ok := run.Context[key]; ok {
		if items, ok := v.([]any); ok {
			return items
		}
	}
	if v, ok := run.Inputs[key]; ok {
		if items, ok := v.([]any); ok {
			return items
		}
	}
	return nil
}

// compensateAndFail unwinds completed steps in reverse completion order and
// marks the run FAILED. The failing step's own compensation never runs.
func (o *Orchestrator) compensateAndFail(ctx context.Context, run *api.ProcessRun, spec api.ProcessSpec, failedIdx int, cause error) error {
	ok, err := o.store.TransitionRun(ctx, run.RunID, []api.RunStatus{api.RunRunning}, api.RunCompensating)
	if err != nil {
		return err
	}
	if ok {
		o.auditRun(ctx, run.RunID)
		for j := failedIdx - 1; j >= 0; j-- {
			step := spec.Steps[j]
			if step.OnFailure == "" {
				continue
			}
			handler, found := o.registry.Compensation(step.OnFailure)
			if !found {
				o.logger.Warn("compensation handler not registered",
					"run_id", run.RunID, "step", step.Name, "handler", step.OnFailure)
				continue
			}
			result, _ := run.Context[step.Name].(map[string]any)
			if err := handler(ctx, run.RunID, result); err != nil {
				// Compensation failures are logged and swallowed so the
				// remaining steps still unwind.
				o.logger.Error("compensation failed",
					"run_id", run.RunID, "step", step.Name, "handler", step.OnFailure, "error", err)
			}
		}
	}

	return o.failRunFrom(ctx, run.RunID, cause, []api.RunStatus{api.RunCompensating, api.RunRunning})
}

func (o *Orchestrator) failRun(ctx context.Context, run *api.ProcessRun, cause error) error {
	return o.failRunFrom(ctx, run.RunID, cause, []api.RunStatus{api.RunRunning, api.RunCompensating, api.RunPending, api.RunWaiting})
}

func (o *Orchestrator) failRunFrom(ctx context.Context, runID string, cause error, from []api.RunStatus) error {
	ok, err := o.store.TransitionRun(ctx, runID, from, api.RunFailed)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.Error = cause.Error()
	run.FinishedAt = o.clock().UTC()
	run.UpdatedAt = run.FinishedAt
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	o.observer.OnRunFailed(ctx, run, cause)
	o.publishRunStatus(ctx, run)
	return nil
}

func numberArg(params map[string]any, key string) (int64, bool) {
	switch v := params[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
