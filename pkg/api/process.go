package api

import "time"

// RunStatus is the lifecycle state of a process run.
//
// Transitions: PENDING -> RUNNING -> {WAITING, SUSPENDED, COMPENSATING} ->
// {COMPLETED, FAILED, CANCELLED}. PENDING and WAITING are the only states
// from which execution may (re)start.
type RunStatus string

const (
	RunPending      RunStatus = "PENDING"
	RunRunning      RunStatus = "RUNNING"
	RunWaiting      RunStatus = "WAITING"
	RunSuspended    RunStatus = "SUSPENDED"
	RunCompensating RunStatus = "COMPENSATING"
	RunCompleted    RunStatus = "COMPLETED"
	RunFailed       RunStatus = "FAILED"
	RunCancelled    RunStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a human task.
//
// PENDING -> ASSIGNED -> ESCALATED -> EXPIRED; COMPLETED and CANCELLED are
// reachable from any non-terminal state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskAssigned  TaskStatus = "ASSIGNED"
	TaskEscalated TaskStatus = "ESCALATED"
	TaskExpired   TaskStatus = "EXPIRED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the task can no longer change state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskExpired, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

// StepKind identifies what a process step does.
type StepKind string

const (
	StepService   StepKind = "service"
	StepHumanTask StepKind = "human_task"
	StepWait      StepKind = "wait"
	StepSend      StepKind = "send"
	StepQuery     StepKind = "query"
	StepForeach   StepKind = "foreach"
)

// StepSpec describes one step of a process.
type StepSpec struct {
	Name   string         `json:"name"`
	Kind   StepKind       `json:"kind"`
	Params map[string]any `json:"params,omitempty"`

	// OnFailure names a registered compensation handler executed during the
	// saga unwind if a later step fails after this one completed.
	OnFailure string `json:"on_failure,omitempty"`

	// Steps are the nested sub-steps of a foreach step.
	Steps []StepSpec `json:"steps,omitempty"`
}

// ProcessSpec is an ordered list of steps supplied by the surrounding
// toolkit. Specs are immutable once registered.
type ProcessSpec struct {
	Name       string     `json:"name"`
	Version    string     `json:"version,omitempty"`
	DSLVersion string     `json:"dsl_version,omitempty"`
	Steps      []StepSpec `json:"steps"`
}

// ProcessRun is one execution of a process. Runs are mutated exclusively by
// the orchestrator and executor.
type ProcessRun struct {
	RunID          string         `json:"run_id"`
	ProcessName    string         `json:"process_name"`
	ProcessVersion string         `json:"process_version,omitempty"`
	DSLVersion     string         `json:"dsl_version,omitempty"`
	Status         RunStatus      `json:"status"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	CurrentStep    int            `json:"current_step"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      time.Time      `json:"started_at,omitzero"`
	FinishedAt     time.Time      `json:"finished_at,omitzero"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ProcessTask is a human-in-the-loop step awaiting an external decision.
type ProcessTask struct {
	TaskID       string         `json:"task_id"`
	RunID        string         `json:"run_id"`
	StepName     string         `json:"step_name"`
	AssigneeRole string         `json:"assignee_role,omitempty"`
	AssigneeID   string         `json:"assignee_id,omitempty"`
	Status       TaskStatus     `json:"status"`
	DueAt        time.Time      `json:"due_at"`
	EscalatedAt  time.Time      `json:"escalated_at,omitzero"`
	Outcome      string         `json:"outcome,omitempty"`
	OutcomeData  map[string]any `json:"outcome_data,omitempty"`
	CompletedBy  string         `json:"completed_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Schedule triggers process starts on a cron expression or a fixed interval.
// Exactly one of Cron / IntervalSeconds should be set.
type Schedule struct {
	Name            string         `json:"name"`
	ProcessName     string         `json:"process_name"`
	Cron            string         `json:"cron,omitempty"`
	IntervalSeconds int64          `json:"interval_seconds,omitempty"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	LastRunAt       time.Time      `json:"last_run_at,omitzero"`
}

// EntityMeta describes a business entity for the built-in entity operations
// and the query step: its fields and permitted status transitions.
type EntityMeta struct {
	Entity      string              `json:"entity"`
	Fields      []string            `json:"fields,omitempty"`
	Transitions map[string][]string `json:"transitions,omitempty"`
}

// RunListOptions filters ListRuns. Zero values mean "no filter".
type RunListOptions struct {
	ProcessName string
	Status      RunStatus
	Limit       int
	Offset      int
}

// TaskListOptions filters ListTasks. Zero values mean "no filter".
type TaskListOptions struct {
	RunID        string
	Status       TaskStatus
	AssigneeRole string
	AssigneeID   string
	Limit        int
	Offset       int
}

// StartOptions modify StartProcess.
type StartOptions struct {
	// IdempotencyKey maps repeated start requests to one run.
	IdempotencyKey string

	// DSLVersion records which toolkit DSL version produced the inputs.
	DSLVersion string

	// Headers are propagated onto the execution-request envelope.
	Headers map[string]string
}
