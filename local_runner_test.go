package procflow

import (
	"context"
	"testing"
	"time"
)

func waitForRunStatus(t *testing.T, o *Orchestrator, runID string, want RunStatus) *ProcessRun {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := o.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := o.GetRun(ctx, runID)
	t.Fatalf("run %s never reached %s, last status %s", runID, want, run.Status)
	return nil
}

func TestLocalRunnerEndToEnd(t *testing.T) {
	ctx := context.Background()
	runner := NewLocalRunner()
	defer runner.Stop()

	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := runner.Start(ctx); err == nil {
		t.Fatal("expected error starting twice")
	}

	orch := runner.Orchestrator
	orch.Registry().RegisterService("welcome", "send", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"greeted": args["user"]}, nil
	})

	spec := ProcessSpec{
		Name:    "signup",
		Version: "v1",
		Steps: []StepSpec{
			{Name: "greet", Kind: StepService, Params: map[string]any{
				"entity": "welcome", "operation": "send",
			}},
		},
	}
	if err := orch.RegisterProcess(ctx, spec); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	run, err := orch.StartProcess(ctx, "signup", map[string]any{"user": "ada"})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	done := waitForRunStatus(t, orch, run.RunID, RunCompleted)
	if done.Outputs["greeted"] != "ada" {
		t.Fatalf("outputs = %v", done.Outputs)
	}
}

func TestInMemoryOrchestratorConstructor(t *testing.T) {
	ctx := context.Background()
	orch, err := NewInMemoryOrchestrator()
	if err != nil {
		t.Fatalf("NewInMemoryOrchestrator: %v", err)
	}
	defer orch.Close()

	spec := ProcessSpec{
		Name:    "ping",
		Version: "v1",
		Steps: []StepSpec{
			{Name: "pong", Kind: StepSend, Params: map[string]any{"channel": "log"}},
		},
	}
	if err := orch.RegisterProcess(ctx, spec); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}
	run, err := orch.StartProcess(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	waitForRunStatus(t, orch, run.RunID, RunCompleted)
}
