package procflow_test

import (
	"context"
	"fmt"
	"time"

	"github.com/appforge/procflow"
)

// Example demonstrates registering a process with a compensable service
// step and running it to completion with the local runner.
func Example() {
	ctx := context.Background()

	runner := procflow.NewLocalRunner()
	defer runner.Stop()

	orch := runner.Orchestrator
	orch.Registry().RegisterService("payment", "charge", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"charged": true}, nil
	})
	orch.Registry().RegisterCompensation("refund", func(ctx context.Context, runID string, result map[string]any) error {
		return nil
	})

	spec := procflow.ProcessSpec{
		Name:    "checkout",
		Version: "v1",
		Steps: []procflow.StepSpec{
			{Name: "charge", Kind: procflow.StepService, OnFailure: "refund", Params: map[string]any{
				"entity": "payment", "operation": "charge",
			}},
		},
	}
	if err := orch.RegisterProcess(ctx, spec); err != nil {
		fmt.Println("register:", err)
		return
	}

	run, err := orch.StartProcess(ctx, "checkout", map[string]any{"amount": 99})
	if err != nil {
		fmt.Println("start:", err)
		return
	}

	for i := 0; i < 200; i++ {
		current, err := orch.GetRun(ctx, run.RunID)
		if err != nil {
			fmt.Println("get:", err)
			return
		}
		if current.Status.Terminal() {
			fmt.Println("status:", current.Status)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Output: status: COMPLETED
}
