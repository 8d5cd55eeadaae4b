package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/appforge/procflow/pkg/api"
)

var (
	// ErrRunNotFound is returned when a process run is not found.
	ErrRunNotFound = errors.New("run not found")

	// ErrTaskNotFound is returned when a human task is not found.
	ErrTaskNotFound = errors.New("task not found")

	// ErrSpecNotFound is returned when a process spec is not found.
	ErrSpecNotFound = errors.New("process spec not found")

	// ErrScheduleNotFound is returned when a schedule is not found.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrEntityMetaNotFound is returned when entity metadata is not found.
	ErrEntityMetaNotFound = errors.New("entity metadata not found")

	// ErrDuplicateRun is returned when saving a run whose ID already exists.
	ErrDuplicateRun = errors.New("run already exists")
)

// RunStore handles storage of process runs.
type RunStore interface {
	SaveRun(ctx context.Context, run *api.ProcessRun) error
	UpdateRun(ctx context.Context, run *api.ProcessRun) error
	GetRun(ctx context.Context, runID string) (*api.ProcessRun, error)

	// FindRunByIdempotencyKey returns the run a previous start request with
	// the same key created, or ErrRunNotFound.
	FindRunByIdempotencyKey(ctx context.Context, processName, key string) (*api.ProcessRun, error)

	ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.ProcessRun, error)
	CountRuns(ctx context.Context, opts api.RunListOptions) (int64, error)

	// RunVersionCounts groups the runs of a process by process version.
	RunVersionCounts(ctx context.Context, processName string) (map[string]int64, error)

	// TransitionRun atomically moves a run from one of the expected statuses
	// to the target status. It returns false when the run is in none of the
	// expected statuses, which makes it usable as a claim: of several
	// competing workers only one observes true.
	TransitionRun(ctx context.Context, runID string, from []api.RunStatus, to api.RunStatus) (bool, error)

	// StaleRuns returns runs in one of the given statuses whose last update
	// is older than the cutoff.
	StaleRuns(ctx context.Context, statuses []api.RunStatus, updatedBefore time.Time) ([]*api.ProcessRun, error)
}

// TaskStore handles storage of human tasks.
type TaskStore interface {
	SaveTask(ctx context.Context, task *api.ProcessTask) error
	UpdateTask(ctx context.Context, task *api.ProcessTask) error
	GetTask(ctx context.Context, taskID string) (*api.ProcessTask, error)
	ListTasks(ctx context.Context, opts api.TaskListOptions) ([]*api.ProcessTask, error)

	// DueTasks returns non-terminal tasks whose due time has passed.
	DueTasks(ctx context.Context, before time.Time) ([]*api.ProcessTask, error)
}

// SpecStore handles storage of process specs. Specs are immutable once saved.
type SpecStore interface {
	SaveSpec(ctx context.Context, spec api.ProcessSpec) error
	// GetSpec returns the spec for a name+version.
	GetSpec(ctx context.Context, name, version string) (api.ProcessSpec, error)
	// LatestSpec returns the spec for the highest registered version,
	// ordered lexicographically. It errors when no version is present.
	LatestSpec(ctx context.Context, name string) (api.ProcessSpec, error)
	ListSpecVersions(ctx context.Context, name string) ([]string, error)
}

// ScheduleStore handles storage of schedules.
type ScheduleStore interface {
	SaveSchedule(ctx context.Context, sched api.Schedule) error
	GetSchedule(ctx context.Context, name string) (api.Schedule, error)
	ListSchedules(ctx context.Context) ([]api.Schedule, error)
	DeleteSchedule(ctx context.Context, name string) error

	// MarkScheduleRun records the moment a schedule last fired.
	MarkScheduleRun(ctx context.Context, name string, at time.Time) error
}

// EntityMetaStore handles storage of business-entity metadata.
type EntityMetaStore interface {
	SaveEntityMeta(ctx context.Context, meta api.EntityMeta) error
	GetEntityMeta(ctx context.Context, entity string) (api.EntityMeta, error)
	ListEntityMeta(ctx context.Context) ([]api.EntityMeta, error)
}

// Store bundles the five store interfaces so the engine can depend on a
// single abstraction.
type Store interface {
	RunStore
	TaskStore
	SpecStore
	ScheduleStore
	EntityMetaStore
}
