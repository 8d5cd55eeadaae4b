package engine

import (
	"context"
	"time"

	"github.com/appforge/procflow/pkg/api"
)

// StartLoops launches the scheduler and task-monitor background loops.
// They stop when ctx is cancelled or Close is called.
func (o *Orchestrator) StartLoops(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if o.stopLoops != nil {
		prev := o.stopLoops
		o.stopLoops = func() { prev(); cancel() }
	} else {
		o.stopLoops = cancel
	}
	o.mu.Unlock()

	o.loopsWG.Add(2)
	go o.runTicker(loopCtx, o.tickSchedules)
	go o.runTicker(loopCtx, o.checkDueTasks)
}

func (o *Orchestrator) runTicker(ctx context.Context, fn func(context.Context)) {
	defer o.loopsWG.Done()
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// tickSchedules evaluates every registered schedule once and fires the due
// ones.
func (o *Orchestrator) tickSchedules(ctx context.Context) {
	schedules, err := o.store.ListSchedules(ctx)
	if err != nil {
		o.logger.Warn("list schedules", "error", err)
		return
	}

	now := o.clock().UTC()
	for _, sched := range schedules {
		due, err := o.scheduleDue(sched, now)
		if err != nil {
			o.logger.Warn("evaluate schedule", "schedule", sched.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		o.fireSchedule(ctx, sched, now)
	}
}

// scheduleDue decides whether a schedule should fire at now. Cron schedules
// use a per-minute guard so a matching minute fires at most once even with
// a tick shorter than a minute.
func (o *Orchestrator) scheduleDue(sched api.Schedule, now time.Time) (bool, error) {
	if sched.IntervalSeconds > 0 {
		if sched.LastRunAt.IsZero() {
			return true, nil
		}
		return now.Sub(sched.LastRunAt) >= time.Duration(sched.IntervalSeconds)*time.Second, nil
	}

	spec, err := parseCron(sched.Cron)
	if err != nil {
		return false, err
	}
	if !spec.matches(now) {
		return false, nil
	}

	minute := now.Truncate(time.Minute)
	o.mu.Lock()
	defer o.mu.Unlock()
	if last, ok := o.lastCronFire[sched.Name]; ok && !minute.After(last) {
		return false, nil
	}
	o.lastCronFire[sched.Name] = minute
	return true, nil
}

func (o *Orchestrator) fireSchedule(ctx context.Context, sched api.Schedule, now time.Time) {
	if err := o.store.MarkScheduleRun(ctx, sched.Name, now); err != nil {
		o.logger.Warn("mark schedule run", "schedule", sched.Name, "error", err)
		return
	}

	inputs := make(map[string]any, len(sched.Inputs)+2)
	for k, v := range sched.Inputs {
		inputs[k] = v
	}
	inputs["triggered_by"] = "schedule"
	inputs["schedule_name"] = sched.Name

	if o.bus != nil {
		o.publish(ctx, api.TopicScheduleTriggered, map[string]any{
			"schedule_name": sched.Name,
			"process_name":  sched.ProcessName,
			"inputs":        inputs,
		}, sched.Name)
		return
	}

	if _, err := o.StartProcess(ctx, sched.ProcessName, inputs); err != nil {
		o.logger.Warn("start scheduled process",
			"schedule", sched.Name, "process", sched.ProcessName, "error", err)
		return
	}
	o.logger.Info("schedule fired", "schedule", sched.Name, "process", sched.ProcessName)
}
