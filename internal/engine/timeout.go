package engine

import (
	"context"
	"fmt"

	"github.com/appforge/procflow/pkg/api"
)

// CheckTaskTimeout applies the two-phase overdue policy to one task:
// a task past its due time escalates first, and only expires when it is
// still overdue after the escalation cooldown. Expiry fails the parent run.
// Terminal tasks and tasks that are not yet due are left untouched.
func (o *Orchestrator) CheckTaskTimeout(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	now := o.clock().UTC()
	if task.DueAt.IsZero() || now.Before(task.DueAt) {
		return nil
	}

	if task.Status != api.TaskEscalated {
		task.Status = api.TaskEscalated
		task.EscalatedAt = now
		task.UpdatedAt = now
		if err := o.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		o.logger.Warn("task escalated",
			"task_id", task.TaskID, "run_id", task.RunID, "step", task.StepName, "due_at", task.DueAt)
		o.publish(ctx, api.TopicTaskTimeout, map[string]any{
			"task_id": task.TaskID,
			"run_id":  task.RunID,
			"phase":   "escalated",
		}, task.RunID)
		return nil
	}

	if now.Sub(task.EscalatedAt) < o.escalationCooldown {
		return nil
	}

	task.Status = api.TaskExpired
	task.UpdatedAt = now
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	o.logger.Error("task expired",
		"task_id", task.TaskID, "run_id", task.RunID, "step", task.StepName)
	o.publish(ctx, api.TopicTaskTimeout, map[string]any{
		"task_id": task.TaskID,
		"run_id":  task.RunID,
		"phase":   "expired",
	}, task.RunID)

	cause := fmt.Errorf("task %s expired at step %q", task.TaskID, task.StepName)
	return o.failRunFrom(ctx, task.RunID, cause, []api.RunStatus{
		api.RunPending, api.RunRunning, api.RunWaiting, api.RunSuspended,
	})
}

// checkDueTasks sweeps all overdue tasks once.
func (o *Orchestrator) checkDueTasks(ctx context.Context) {
	tasks, err := o.store.DueTasks(ctx, o.clock().UTC())
	if err != nil {
		o.logger.Warn("list due tasks", "error", err)
		return
	}
	for _, task := range tasks {
		if err := o.CheckTaskTimeout(ctx, task.TaskID); err != nil {
			o.logger.Warn("check task timeout", "task_id", task.TaskID, "error", err)
		}
	}
}
