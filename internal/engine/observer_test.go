package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/appforge/procflow/internal/persistence"
	"github.com/appforge/procflow/pkg/api"
)

func TestObserverMetricsTrackRuns(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	o, err := New(Options{
		Store:    persistence.NewInMemoryStore(),
		Logger:   logger,
		Workers:  4,
		Observer: api.NewCompositeObserver(metrics, api.NewLoggingObserver(logger)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })

	o.Registry().RegisterService("ledger", "post", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"posted": true}, nil
	})
	o.Registry().RegisterService("ledger", "reject", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("ledger closed")
	})

	good := api.ProcessSpec{
		Name:    "posting",
		Version: "v1",
		Steps: []api.StepSpec{
			{Name: "post", Kind: api.StepService, Params: map[string]any{"entity": "ledger", "operation": "post"}},
			{Name: "confirm", Kind: api.StepSend, Params: map[string]any{"channel": "email"}},
		},
	}
	bad := api.ProcessSpec{
		Name:    "rejection",
		Version: "v1",
		Steps: []api.StepSpec{
			{Name: "reject", Kind: api.StepService, Params: map[string]any{"entity": "ledger", "operation": "reject"}},
		},
	}
	if err := o.RegisterProcess(ctx, good); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}
	if err := o.RegisterProcess(ctx, bad); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	ok, err := o.StartProcess(ctx, "posting", nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	waitForStatus(t, o, ok.RunID, api.RunCompleted)

	broken, err := o.StartProcess(ctx, "rejection", nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	waitForStatus(t, o, broken.RunID, api.RunFailed)

	snap := metrics.Snapshot()
	if snap.RunsStarted != 2 {
		t.Fatalf("RunsStarted = %d, want 2", snap.RunsStarted)
	}
	if snap.RunsCompleted != 1 {
		t.Fatalf("RunsCompleted = %d, want 1", snap.RunsCompleted)
	}
	if snap.RunsFailed != 1 {
		t.Fatalf("RunsFailed = %d, want 1", snap.RunsFailed)
	}
	if snap.ActiveRuns != 0 {
		t.Fatalf("ActiveRuns = %d, want 0", snap.ActiveRuns)
	}
	// Both steps of the completed run count; the failed step does not.
	if snap.StepsCompleted != 2 {
		t.Fatalf("StepsCompleted = %d, want 2", snap.StepsCompleted)
	}
	if snap.AvgStepDuration < 0 {
		t.Fatalf("AvgStepDuration = %v", snap.AvgStepDuration)
	}
}
