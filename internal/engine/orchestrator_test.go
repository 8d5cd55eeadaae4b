package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/appforge/procflow/internal/persistence"
	"github.com/appforge/procflow/pkg/api"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Store:   persistence.NewInMemoryStore(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Workers: 4,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

// waitForStatus polls until the run reaches the wanted status.
func waitForStatus(t *testing.T, o *Orchestrator, runID string, want api.RunStatus) *api.ProcessRun {
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

func singleStepSpec(name string) api.ProcessSpec {
	return api.ProcessSpec{
		Name:    name,
		Version: "v1",
		Steps: []api.StepSpec{
			{Name: "notify", Kind: api.StepSend, Params: map[string]any{"channel": "email"}},
		},
	}
}

func TestRegisterProcessValidation(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	if err := o.RegisterProcess(ctx, api.ProcessSpec{}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := o.RegisterProcess(ctx, api.ProcessSpec{Name: "empty"}); err == nil {
		t.Fatal("expected error for zero steps")
	}
	if err := o.RegisterProcess(ctx, api.ProcessSpec{
		Name:  "bad-kind",
		Steps: []api.StepSpec{{Name: "x", Kind: "teleport"}},
	}); err == nil {
		t.Fatal("expected error for unknown step kind")
	}

	spec := singleStepSpec("onboarding")
	if err := o.RegisterProcess(ctx, spec); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}
	if err := o.RegisterProcess(ctx, spec); err == nil {
		t.Fatal("expected error on duplicate name+version")
	}
}

func TestStartProcessRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	if err := o.RegisterProcess(ctx, singleStepSpec("onboarding")); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	run, err := o.StartProcess(ctx, "onboarding", map[string]any{"user": "ada"})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if run.Status != api.RunPending {
		t.Fatalf("initial status = %s", run.Status)
	}

	done := waitForStatus(t, o, run.RunID, api.RunCompleted)
	if done.Outputs["sent"] != true {
		t.Fatalf("outputs = %v", done.Outputs)
	}
	if done.StartedAt.IsZero() || done.FinishedAt.IsZero() {
		t.Fatal("expected started and finished timestamps")
	}
	if _, ok := done.Context["notify"]; !ok {
		t.Fatal("expected step result in context")
	}
}

func TestStartProcessPicksLatestVersion(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	v1 := api.ProcessSpec{
		Name:    "billing",
		Version: "v1",
		Steps: []api.StepSpec{
			{Name: "notify", Kind: api.StepSend, Params: map[string]any{"channel": "email"}},
		},
	}
	v2 := api.ProcessSpec{
		Name:    "billing",
		Version: "v2",
		Steps: []api.StepSpec{
			{Name: "notify", Kind: api.StepSend, Params: map[string]any{"channel": "email"}},
			{Name: "archive", Kind: api.StepSend, Params: map[string]any{"channel": "audit"}},
		},
	}
	if err := o.RegisterProcess(ctx, v1); err != nil {
		t.Fatalf("RegisterProcess v1: %v", err)
	}
	if err := o.RegisterProcess(ctx, v2); err != nil {
		t.Fatalf("RegisterProcess v2: %v", err)
	}

	run, err := o.StartProcess(ctx, "billing", nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if run.ProcessVersion != "v2" {
		t.Fatalf("expected run on v2, got %q", run.ProcessVersion)
	}
	done := waitForStatus(t, o, run.RunID, api.RunCompleted)
	if done.Context["archive"] == nil {
		t.Fatalf("v2 step never ran: %v", done.Context)
	}
}

func TestStartProcessUnknownProcess(t *testing.T) {
	o := newTestOrchestrator(t)
	if _, err := o.StartProcess(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected error for unknown process")
	}
}

func TestStartProcessIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	if err := o.RegisterProcess(ctx, singleStepSpec("billing")); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	opts := api.StartOptions{IdempotencyKey: "req-42"}
	first, err := o.StartProcess(ctx, "billing", nil, opts)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := o.StartProcess(ctx, "billing", nil, opts)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first.RunID != second.RunID {
		t.Fatalf("idempotent start created a second run: %s vs %s", first.RunID, second.RunID)
	}

	third, err := o.StartProcess(ctx, "billing", nil, api.StartOptions{IdempotencyKey: "req-43"})
	if err != nil {
		t.Fatalf("third start: %v", err)
	}
	if third.RunID == first.RunID {
		t.Fatal("distinct keys must create distinct runs")
	}
}

// blindStartStore misses the first idempotency lookup, reproducing a
// concurrent start that raced past the pre-check into the insert.
type blindStartStore struct {
	persistence.Store
	missed bool
}

func (s *blindStartStore) FindRunByIdempotencyKey(ctx context.Context, processName, key string) (*api.ProcessRun, error) {
	if !s.missed {
		s.missed = true
		return nil, persistence.ErrRunNotFound
	}
	return s.Store.FindRunByIdempotencyKey(ctx, processName, key)
}

func TestStartProcessKeyConflictReturnsExistingRun(t *testing.T) {
	ctx := context.Background()
	store := &blindStartStore{Store: persistence.NewInMemoryStore()}
	o, err := New(Options{
		Store:   store,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Workers: 4,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })

	if err := o.RegisterProcess(ctx, singleStepSpec("billing")); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	existing := &api.ProcessRun{
		RunID:          "run-existing",
		ProcessName:    "billing",
		ProcessVersion: "v1",
		Status:         api.RunCompleted,
		IdempotencyKey: "req-42",
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := store.SaveRun(ctx, existing); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	run, err := o.StartProcess(ctx, "billing", nil, api.StartOptions{IdempotencyKey: "req-42"})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if run.RunID != "run-existing" {
		t.Fatalf("expected the existing run back, got %q", run.RunID)
	}
}

func TestCancelProcess(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	spec := api.ProcessSpec{
		Name:    "review",
		Version: "v1",
		Steps: []api.StepSpec{
			{Name: "approve", Kind: api.StepHumanTask, Params: map[string]any{"assignee_role": "manager"}},
		},
	}
	if err := o.RegisterProcess(ctx, spec); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	run, err := o.StartProcess(ctx, "review", nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	waitForStatus(t, o, run.RunID, api.RunWaiting)

	if err := o.CancelProcess(ctx, run.RunID); err != nil {
		t.Fatalf("CancelProcess: %v", err)
	}
	got := waitForStatus(t, o, run.RunID, api.RunCancelled)
	if got.FinishedAt.IsZero() {
		t.Fatal("expected finished timestamp on cancelled run")
	}

	// The open task is cancelled with the run.
	tasks, err := o.ListTasks(ctx, api.TaskListOptions{RunID: run.RunID})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != api.TaskCancelled {
		t.Fatalf("tasks = %+v", tasks)
	}

	// Cancelling a terminal run is an error.
	if err := o.CancelProcess(ctx, run.RunID); err == nil {
		t.Fatal("expected error cancelling a cancelled run")
	}
}

func TestSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	spec := api.ProcessSpec{
		Name:    "review",
		Version: "v1",
		Steps: []api.StepSpec{
			{Name: "gate", Kind: api.StepWait, Params: map[string]any{"signal": "go"}},
			{Name: "notify", Kind: api.StepSend, Params: map[string]any{"channel": "email"}},
		},
	}
	if err := o.RegisterProcess(ctx, spec); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	run, err := o.StartProcess(ctx, "review", nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	waitForStatus(t, o, run.RunID, api.RunWaiting)

	if err := o.SuspendProcess(ctx, run.RunID); err != nil {
		t.Fatalf("SuspendProcess: %v", err)
	}
	waitForStatus(t, o, run.RunID, api.RunSuspended)

	// A suspended run cannot be suspended again.
	if err := o.SuspendProcess(ctx, run.RunID); err == nil {
		t.Fatal("expected error suspending a suspended run")
	}

	if err := o.ResumeProcess(ctx, run.RunID); err != nil {
		t.Fatalf("ResumeProcess: %v", err)
	}
	// Still waiting for its signal after resume.
	waitForStatus(t, o, run.RunID, api.RunWaiting)

	if err := o.SignalProcess(ctx, run.RunID, "go", map[string]any{"by": "ops"}); err != nil {
		t.Fatalf("SignalProcess: %v", err)
	}
	done := waitForStatus(t, o, run.RunID, api.RunCompleted)
	gate, _ := done.Context["gate"].(map[string]any)
	if gate == nil || gate["signal"] != "go" {
		t.Fatalf("gate result = %v", done.Context["gate"])
	}
}

func TestWaitStepWithoutSignalSuspends(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	spec := api.ProcessSpec{
		Name:    "handover",
		Version: "v1",
		Steps: []api.StepSpec{
			{Name: "pause", Kind: api.StepWait},
			{Name: "notify", Kind: api.StepSend, Params: map[string]any{"channel": "email"}},
		},
	}
	if err := o.RegisterProcess(ctx, spec); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	run, err := o.StartProcess(ctx, "handover", nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	waitForStatus(t, o, run.RunID, api.RunWaiting)

	// Any signal carries the run past an unnamed wait.
	if err := o.SignalProcess(ctx, run.RunID, "go", nil); err != nil {
		t.Fatalf("SignalProcess: %v", err)
	}
	done := waitForStatus(t, o, run.RunID, api.RunCompleted)
	pause, _ := done.Context["pause"].(map[string]any)
	if pause == nil || pause["waited"] != true {
		t.Fatalf("pause result = %v", done.Context["pause"])
	}
	notify, _ := done.Context["notify"].(map[string]any)
	if notify == nil || notify["sent"] != true {
		t.Fatalf("notify result = %v", done.Context["notify"])
	}
}

func TestSignalTerminalRunFails(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	if err := o.RegisterProcess(ctx, singleStepSpec("quick")); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}
	run, err := o.StartProcess(ctx, "quick", nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	waitForStatus(t, o, run.RunID, api.RunCompleted)

	if err := o.SignalProcess(ctx, run.RunID, "late", nil); err == nil {
		t.Fatal("expected error signalling a completed run")
	}
}

func TestRegisterScheduleValidation(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	cases := []api.Schedule{
		{},
		{Name: "s"},
		{Name: "s", ProcessName: "p"},
		{Name: "s", ProcessName: "p", Cron: "* * * * *", IntervalSeconds: 60},
		{Name: "s", ProcessName: "p", Cron: "not a cron"},
	}
	for i, sched := range cases {
		if err := o.RegisterSchedule(ctx, sched); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}

	if err := o.RegisterSchedule(ctx, api.Schedule{
		Name: "nightly", ProcessName: "p", Cron: "0 2 * * *",
	}); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}
}

func TestCountActiveRunsByVersion(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	spec := api.ProcessSpec{
		Name:    "review",
		Version: "v1",
		Steps: []api.StepSpec{
			{Name: "gate", Kind: api.StepWait, Params: map[string]any{"signal": "go"}},
		},
	}
	if err := o.RegisterProcess(ctx, spec); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	var runIDs []string
	for i := 0; i < 3; i++ {
		run, err := o.StartProcess(ctx, "review", nil)
		if err != nil {
			t.Fatalf("StartProcess: %v", err)
		}
		runIDs = append(runIDs, run.RunID)
		waitForStatus(t, o, run.RunID, api.RunWaiting)
	}
	if err := o.CancelProcess(ctx, runIDs[0]); err != nil {
		t.Fatalf("CancelProcess: %v", err)
	}

	counts, err := o.CountActiveRunsByVersion(ctx, "review")
	if err != nil {
		t.Fatalf("CountActiveRunsByVersion: %v", err)
	}
	if counts["v1"] != 2 {
		t.Fatalf("active v1 runs = %d, want 2", counts["v1"])
	}

	runs, err := o.ListRunsByVersion(ctx, "review", "v1")
	if err != nil {
		t.Fatalf("ListRunsByVersion: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs for v1 = %d, want 3", len(runs))
	}
}

func TestRecoverStuckRuns(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	if err := o.RegisterProcess(ctx, singleStepSpec("onboarding")); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	// Simulate a crashed worker: a run stuck in RUNNING with an old
	// update time.
	run := &api.ProcessRun{
		RunID:          "stuck-1",
		ProcessName:    "onboarding",
		ProcessVersion: "v1",
		Status:         api.RunRunning,
		CreatedAt:      time.Now().Add(-time.Hour),
		UpdatedAt:      time.Now().Add(-time.Hour),
	}
	if err := o.store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	recovered, err := o.RecoverStuckRuns(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStuckRuns: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}
	waitForStatus(t, o, "stuck-1", api.RunCompleted)
}
