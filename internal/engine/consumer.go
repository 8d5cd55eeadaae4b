package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/appforge/procflow/pkg/api"
)

const (
	consumerBatchSize  = 16
	consumerIdleSleep  = 500 * time.Millisecond
	consumerMinBackoff = 5 * time.Second
	consumerMaxBackoff = 60 * time.Second
)

// StartConsumers subscribes the orchestrator's handlers on the event bus
// and launches one polling loop per topic. It is only valid in bus mode.
func (o *Orchestrator) StartConsumers(ctx context.Context) error {
	if o.bus == nil {
		return errors.New("engine: no bus configured")
	}

	handlers := map[string]api.Handler{
		api.TopicExecutionRequested: o.handleExecutionEvent,
		api.TopicExecutionResume:    o.handleExecutionEvent,
		api.TopicTaskTimeout:        o.handleTaskTimeoutEvent,
		api.TopicScheduleTriggered:  o.handleScheduleEvent,
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if o.stopLoops != nil {
		prev := o.stopLoops
		o.stopLoops = func() { prev(); cancel() }
	} else {
		o.stopLoops = cancel
	}
	o.mu.Unlock()

	for topic, handler := range handlers {
		if err := o.bus.Subscribe(ctx, topic, o.groupID, handler); err != nil {
			cancel()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		o.loopsWG.Add(1)
		go o.pollLoop(loopCtx, topic)
	}
	return nil
}

// pollLoop drains one topic until the context is cancelled, backing off
// from 5s up to 60s on poll errors.
func (o *Orchestrator) pollLoop(ctx context.Context, topic string) {
	defer o.loopsWG.Done()

	backoff := consumerMinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := o.bus.PollAndProcess(ctx, topic, o.groupID, consumerBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("poll failed", "topic", topic, "backoff", backoff, "error", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > consumerMaxBackoff {
				backoff = consumerMaxBackoff
			}
			continue
		}
		backoff = consumerMinBackoff

		if n == 0 {
			if !sleepCtx(ctx, consumerIdleSleep) {
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (o *Orchestrator) handleExecutionEvent(ctx context.Context, env api.EventEnvelope) error {
	runID, ok := env.Payload["run_id"].(string)
	if !ok || runID == "" {
		return fmt.Errorf("event %s: missing run_id", env.EventID)
	}
	return o.executeRun(ctx, runID)
}

func (o *Orchestrator) handleTaskTimeoutEvent(ctx context.Context, env api.EventEnvelope) error {
	taskID, ok := env.Payload["task_id"].(string)
	if !ok || taskID == "" {
		return fmt.Errorf("event %s: missing task_id", env.EventID)
	}
	return o.CheckTaskTimeout(ctx, taskID)
}

func (o *Orchestrator) handleScheduleEvent(ctx context.Context, env api.EventEnvelope) error {
	name, ok := env.Payload["process_name"].(string)
	if !ok || name == "" {
		return fmt.Errorf("event %s: missing process_name", env.EventID)
	}
	inputs, _ := env.Payload["inputs"].(map[string]any)
	_, err := o.StartProcess(ctx, name, inputs)
	return err
}
