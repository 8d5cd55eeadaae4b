package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/appforge/procflow/pkg/api"
)

// testStoreConformance exercises the full Store contract against a fresh,
// empty store. Every backend test entry point runs it.
func testStoreConformance(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("runs", func(t *testing.T) { testRunStore(t, ctx, store) })
	t.Run("tasks", func(t *testing.T) { testTaskStore(t, ctx, store) })
	t.Run("specs", func(t *testing.T) { testSpecStore(t, ctx, store) })
	t.Run("schedules", func(t *testing.T) { testScheduleStore(t, ctx, store) })
	t.Run("entities", func(t *testing.T) { testEntityMetaStore(t, ctx, store) })
}

func testRunStore(t *testing.T, ctx context.Context, store Store) {
	now := time.Now().Truncate(time.Millisecond)
	run := &api.ProcessRun{
		RunID:          "run-1",
		ProcessName:    "order-fulfilment",
		ProcessVersion: "2",
		Status:         api.RunPending,
		Inputs:         map[string]any{"order_id": "o-42"},
		IdempotencyKey: "req-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := store.SaveRun(ctx, run); !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun, got %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.ProcessName != "order-fulfilment" || got.Status != api.RunPending {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.Inputs["order_id"] != "o-42" {
		t.Fatalf("inputs lost: %v", got.Inputs)
	}
	if !got.StartedAt.IsZero() {
		t.Fatalf("expected zero StartedAt, got %v", got.StartedAt)
	}

	if _, err := store.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	// Idempotency lookup.
	byKey, err := store.FindRunByIdempotencyKey(ctx, "order-fulfilment", "req-1")
	if err != nil {
		t.Fatalf("FindRunByIdempotencyKey failed: %v", err)
	}
	if byKey.RunID != "run-1" {
		t.Fatalf("expected run-1, got %q", byKey.RunID)
	}
	if _, err := store.FindRunByIdempotencyKey(ctx, "order-fulfilment", "other"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound for unknown key, got %v", err)
	}

	// A fresh run reusing the same key loses the insert.
	dup := &api.ProcessRun{
		RunID:          "run-dup",
		ProcessName:    "order-fulfilment",
		Status:         api.RunPending,
		IdempotencyKey: "req-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.SaveRun(ctx, dup); !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun for reused key, got %v", err)
	}

	// Update.
	run.Status = api.RunRunning
	run.StartedAt = now.Add(time.Second)
	run.Context = map[string]any{"step_0": "done"}
	run.UpdatedAt = now.Add(time.Second)
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}
	got, _ = store.GetRun(ctx, "run-1")
	if got.Status != api.RunRunning || got.StartedAt.IsZero() {
		t.Fatalf("update lost: %+v", got)
	}

	// Conditional transition: only one of the competing claims wins.
	ok, err := store.TransitionRun(ctx, "run-1", []api.RunStatus{api.RunRunning}, api.RunSuspended)
	if err != nil || !ok {
		t.Fatalf("expected transition to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = store.TransitionRun(ctx, "run-1", []api.RunStatus{api.RunRunning}, api.RunSuspended)
	if err != nil || ok {
		t.Fatalf("expected second transition to lose, got ok=%v err=%v", ok, err)
	}
	if _, err := store.TransitionRun(ctx, "nope", []api.RunStatus{api.RunRunning}, api.RunSuspended); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	// List and count filters.
	other := &api.ProcessRun{
		RunID:          "run-2",
		ProcessName:    "order-fulfilment",
		ProcessVersion: "3",
		Status:         api.RunCompleted,
		CreatedAt:      now.Add(time.Minute),
		UpdatedAt:      now.Add(time.Minute),
	}
	if err := store.SaveRun(ctx, other); err != nil {
		t.Fatalf("SaveRun run-2 failed: %v", err)
	}

	runs, err := store.ListRuns(ctx, api.RunListOptions{ProcessName: "order-fulfilment"})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-1" {
		t.Fatalf("expected [run-1 run-2] in creation order, got %d runs", len(runs))
	}

	completed, err := store.ListRuns(ctx, api.RunListOptions{Status: api.RunCompleted})
	if err != nil {
		t.Fatalf("filtered ListRuns failed: %v", err)
	}
	if len(completed) != 1 || completed[0].RunID != "run-2" {
		t.Fatalf("expected only run-2, got %d runs", len(completed))
	}

	n, err := store.CountRuns(ctx, api.RunListOptions{ProcessName: "order-fulfilment"})
	if err != nil || n != 2 {
		t.Fatalf("expected count 2, got %d err=%v", n, err)
	}

	counts, err := store.RunVersionCounts(ctx, "order-fulfilment")
	if err != nil {
		t.Fatalf("RunVersionCounts failed: %v", err)
	}
	if counts["2"] != 1 || counts["3"] != 1 {
		t.Fatalf("unexpected version counts: %v", counts)
	}

	// Stale runs: run-1 is SUSPENDED and older than the cutoff.
	stale, err := store.StaleRuns(ctx, []api.RunStatus{api.RunSuspended, api.RunRunning}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("StaleRuns failed: %v", err)
	}
	if len(stale) != 1 || stale[0].RunID != "run-1" {
		t.Fatalf("expected stale run-1, got %d runs", len(stale))
	}
	none, err := store.StaleRuns(ctx, []api.RunStatus{api.RunSuspended}, now.Add(-time.Hour))
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no stale runs before creation, got %d err=%v", len(none), err)
	}
}

func testTaskStore(t *testing.T, ctx context.Context, store Store) {
	now := time.Now().Truncate(time.Millisecond)
	task := &api.ProcessTask{
		TaskID:       "task-1",
		RunID:        "run-1",
		StepName:     "approve_invoice",
		AssigneeRole: "finance",
		Status:       api.TaskPending,
		DueAt:        now.Add(-time.Minute),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.StepName != "approve_invoice" || got.Status != api.TaskPending {
		t.Fatalf("unexpected task: %+v", got)
	}
	if _, err := store.GetTask(ctx, "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}

	// Overdue and non-terminal, so due.
	due, err := store.DueTasks(ctx, now)
	if err != nil {
		t.Fatalf("DueTasks failed: %v", err)
	}
	if len(due) != 1 || due[0].TaskID != "task-1" {
		t.Fatalf("expected due task-1, got %d tasks", len(due))
	}

	task.Status = api.TaskCompleted
	task.Outcome = "approved"
	task.OutcomeData = map[string]any{"amount": "120.50"}
	task.CompletedBy = "user-7"
	task.UpdatedAt = now.Add(time.Second)
	if err := store.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	// Terminal tasks are never due.
	due, err = store.DueTasks(ctx, now)
	if err != nil || len(due) != 0 {
		t.Fatalf("expected no due tasks after completion, got %d err=%v", len(due), err)
	}

	byRole, err := store.ListTasks(ctx, api.TaskListOptions{AssigneeRole: "finance"})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(byRole) != 1 || byRole[0].Outcome != "approved" {
		t.Fatalf("unexpected role-filtered tasks: %+v", byRole)
	}
	if byRole[0].OutcomeData["amount"] != "120.50" {
		t.Fatalf("outcome data lost: %v", byRole[0].OutcomeData)
	}

	none, err := store.ListTasks(ctx, api.TaskListOptions{Status: api.TaskPending})
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no pending tasks, got %d err=%v", len(none), err)
	}
}

func testSpecStore(t *testing.T, ctx context.Context, store Store) {
	spec := api.ProcessSpec{
		Name:    "order-fulfilment",
		Version: "1",
		Steps: []api.StepSpec{
			{Name: "reserve_stock", Kind: api.StepService, Params: map[string]any{"entity": "stock", "operation": "reserve"}},
			{Name: "approve", Kind: api.StepHumanTask, Params: map[string]any{"role": "finance"}},
		},
	}

	if err := store.SaveSpec(ctx, spec); err != nil {
		t.Fatalf("SaveSpec failed: %v", err)
	}

	got, err := store.GetSpec(ctx, "order-fulfilment", "1")
	if err != nil {
		t.Fatalf("GetSpec failed: %v", err)
	}
	if len(got.Steps) != 2 || got.Steps[1].Kind != api.StepHumanTask {
		t.Fatalf("steps lost: %+v", got.Steps)
	}
	if _, err := store.GetSpec(ctx, "order-fulfilment", "9"); !errors.Is(err, ErrSpecNotFound) {
		t.Fatalf("expected ErrSpecNotFound, got %v", err)
	}

	// Single version resolves as latest.
	latest, err := store.LatestSpec(ctx, "order-fulfilment")
	if err != nil {
		t.Fatalf("LatestSpec failed: %v", err)
	}
	if latest.Version != "1" {
		t.Fatalf("expected version 1, got %q", latest.Version)
	}

	// A second version becomes the new latest.
	spec.Version = "2"
	if err := store.SaveSpec(ctx, spec); err != nil {
		t.Fatalf("SaveSpec v2 failed: %v", err)
	}
	latest, err = store.LatestSpec(ctx, "order-fulfilment")
	if err != nil {
		t.Fatalf("LatestSpec with two versions failed: %v", err)
	}
	if latest.Version != "2" {
		t.Fatalf("expected version 2, got %q", latest.Version)
	}

	versions, err := store.ListSpecVersions(ctx, "order-fulfilment")
	if err != nil {
		t.Fatalf("ListSpecVersions failed: %v", err)
	}
	if len(versions) != 2 || versions[0] != "1" || versions[1] != "2" {
		t.Fatalf("unexpected versions: %v", versions)
	}
}

func testScheduleStore(t *testing.T, ctx context.Context, store Store) {
	sched := api.Schedule{
		Name:        "nightly-reconciliation",
		ProcessName: "reconcile",
		Cron:        "0 2 * * *",
		Inputs:      map[string]any{"scope": "all"},
	}

	if err := store.SaveSchedule(ctx, sched); err != nil {
		t.Fatalf("SaveSchedule failed: %v", err)
	}

	got, err := store.GetSchedule(ctx, "nightly-reconciliation")
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	if got.Cron != "0 2 * * *" || !got.LastRunAt.IsZero() {
		t.Fatalf("unexpected schedule: %+v", got)
	}

	fired := time.Now().Truncate(time.Millisecond)
	if err := store.MarkScheduleRun(ctx, "nightly-reconciliation", fired); err != nil {
		t.Fatalf("MarkScheduleRun failed: %v", err)
	}
	got, _ = store.GetSchedule(ctx, "nightly-reconciliation")
	if got.LastRunAt.IsZero() {
		t.Fatal("expected LastRunAt set after firing")
	}

	// Re-saving keeps the fire time.
	sched.Cron = "0 3 * * *"
	if err := store.SaveSchedule(ctx, sched); err != nil {
		t.Fatalf("re-SaveSchedule failed: %v", err)
	}
	got, _ = store.GetSchedule(ctx, "nightly-reconciliation")
	if got.Cron != "0 3 * * *" || got.LastRunAt.IsZero() {
		t.Fatalf("upsert lost fields: %+v", got)
	}

	all, err := store.ListSchedules(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected 1 schedule, got %d err=%v", len(all), err)
	}

	if err := store.DeleteSchedule(ctx, "nightly-reconciliation"); err != nil {
		t.Fatalf("DeleteSchedule failed: %v", err)
	}
	if err := store.DeleteSchedule(ctx, "nightly-reconciliation"); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}
	if err := store.MarkScheduleRun(ctx, "nightly-reconciliation", fired); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound from mark, got %v", err)
	}
}

func testEntityMetaStore(t *testing.T, ctx context.Context, store Store) {
	meta := api.EntityMeta{
		Entity: "invoice",
		Fields: []string{"status", "amount", "customer_id"},
		Transitions: map[string][]string{
			"draft":     {"submitted"},
			"submitted": {"approved", "rejected"},
		},
	}

	if err := store.SaveEntityMeta(ctx, meta); err != nil {
		t.Fatalf("SaveEntityMeta failed: %v", err)
	}

	got, err := store.GetEntityMeta(ctx, "invoice")
	if err != nil {
		t.Fatalf("GetEntityMeta failed: %v", err)
	}
	if len(got.Fields) != 3 || len(got.Transitions["submitted"]) != 2 {
		t.Fatalf("metadata lost: %+v", got)
	}
	if _, err := store.GetEntityMeta(ctx, "nope"); !errors.Is(err, ErrEntityMetaNotFound) {
		t.Fatalf("expected ErrEntityMetaNotFound, got %v", err)
	}

	all, err := store.ListEntityMeta(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected 1 entity, got %d err=%v", len(all), err)
	}
}
