package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/appforge/procflow/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS process_runs (
			run_id TEXT PRIMARY KEY,
			process_name TEXT NOT NULL,
			process_version TEXT NOT NULL DEFAULT '',
			dsl_version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			inputs BLOB,
			context BLOB,
			outputs BLOB,
			current_step INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL DEFAULT 0,
			finished_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_process ON process_runs(process_name, status);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idem
			ON process_runs(process_name, idempotency_key)
			WHERE idempotency_key != '';

		CREATE TABLE IF NOT EXISTS process_tasks (
			task_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			assignee_role TEXT NOT NULL DEFAULT '',
			assignee_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			due_at INTEGER NOT NULL DEFAULT 0,
			escalated_at INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT '',
			outcome_data BLOB,
			completed_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_run ON process_tasks(run_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_due ON process_tasks(status, due_at);

		CREATE TABLE IF NOT EXISTS process_specs (
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			dsl_version TEXT NOT NULL DEFAULT '',
			steps BLOB NOT NULL,
			PRIMARY KEY (name, version)
		);

		CREATE TABLE IF NOT EXISTS process_schedules (
			name TEXT PRIMARY KEY,
			process_name TEXT NOT NULL,
			cron TEXT NOT NULL DEFAULT '',
			interval_seconds INTEGER NOT NULL DEFAULT 0,
			inputs BLOB,
			last_run_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS entity_meta (
			entity TEXT PRIMARY KEY,
			fields BLOB,
			transitions BLOB
		);`,
	)
	return err
}

func nanoTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeFromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func encodeRunDocs(run *api.ProcessRun) (inputs, runCtx, outputs []byte, err error) {
	if inputs, err = EncodeDoc(run.Inputs); err != nil {
		return nil, nil, nil, err
	}
	if runCtx, err = EncodeDoc(run.Context); err != nil {
		return nil, nil, nil, err
	}
	if outputs, err = EncodeDoc(run.Outputs); err != nil {
		return nil, nil, nil, err
	}
	return inputs, runCtx, outputs, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *api.ProcessRun) error {
	inputs, runCtx, outputs, err := encodeRunDocs(run)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_runs
			(run_id, process_name, process_version, dsl_version, status, inputs, context, outputs,
			 current_step, idempotency_key, error, created_at, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ProcessName, run.ProcessVersion, run.DSLVersion, string(run.Status),
		inputs, runCtx, outputs,
		run.CurrentStep, run.IdempotencyKey, run.Error,
		nanoTime(run.CreatedAt), nanoTime(run.StartedAt), nanoTime(run.FinishedAt), nanoTime(run.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrDuplicateRun
	}
	return err
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *api.ProcessRun) error {
	inputs, runCtx, outputs, err := encodeRunDocs(run)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE process_runs
		SET status = ?, inputs = ?, context = ?, outputs = ?, current_step = ?,
		    error = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE run_id = ?`,
		string(run.Status), inputs, runCtx, outputs, run.CurrentStep,
		run.Error, nanoTime(run.StartedAt), nanoTime(run.FinishedAt), nanoTime(run.UpdatedAt),
		run.RunID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

const runColumns = `run_id, process_name, process_version, dsl_version, status, inputs, context, outputs,
	current_step, idempotency_key, error, created_at, started_at, finished_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*api.ProcessRun, error) {
	var run api.ProcessRun
	var status string
	var inputs, runCtx, outputs []byte
	var created, started, finished, updated int64

	err := row.Scan(
		&run.RunID, &run.ProcessName, &run.ProcessVersion, &run.DSLVersion, &status,
		&inputs, &runCtx, &outputs,
		&run.CurrentStep, &run.IdempotencyKey, &run.Error,
		&created, &started, &finished, &updated,
	)
	if err != nil {
		return nil, err
	}

	run.Status = api.RunStatus(status)
	if run.Inputs, err = DecodeDoc(inputs); err != nil {
		return nil, err
	}
	if run.Context, err = DecodeDoc(runCtx); err != nil {
		return nil, err
	}
	if run.Outputs, err = DecodeDoc(outputs); err != nil {
		return nil, err
	}
	run.CreatedAt = timeFromNano(created)
	run.StartedAt = timeFromNano(started)
	run.FinishedAt = timeFromNano(finished)
	run.UpdatedAt = timeFromNano(updated)
	return &run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*api.ProcessRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM process_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *SQLiteStore) FindRunByIdempotencyKey(ctx context.Context, processName, key string) (*api.ProcessRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM process_runs
		WHERE process_name = ? AND idempotency_key = ? AND idempotency_key != ''
		ORDER BY created_at LIMIT 1`,
		processName, key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func runFilterClauses(opts api.RunListOptions) (string, []any) {
	var clauses []string
	var args []any
	if opts.ProcessName != "" {
		clauses = append(clauses, "process_name = ?")
		args = append(args, opts.ProcessName)
	}
	if opts.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(opts.Status))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.ProcessRun, error) {
	where, args := runFilterClauses(opts)
	query := `SELECT ` + runColumns + ` FROM process_runs` + where + ` ORDER BY created_at`
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.ProcessRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) CountRuns(ctx context.Context, opts api.RunListOptions) (int64, error) {
	where, args := runFilterClauses(opts)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM process_runs`+where, args...).Scan(&n)
	return n, err
}

func (s *SQLiteStore) RunVersionCounts(ctx context.Context, processName string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT process_version, COUNT(*) FROM process_runs
		WHERE process_name = ?
		GROUP BY process_version`,
		processName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var version string
		var n int64
		if err := rows.Scan(&version, &n); err != nil {
			return nil, err
		}
		counts[version] = n
	}
	return counts, rows.Err()
}

func statusPlaceholders(statuses []api.RunStatus) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}
	return placeholders, args
}

func (s *SQLiteStore) TransitionRun(ctx context.Context, runID string, from []api.RunStatus, to api.RunStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition needs at least one expected status")
	}

	placeholders, statusArgs := statusPlaceholders(from)
	args := append([]any{string(to), time.Now().UnixNano(), runID}, statusArgs...)

	res, err := s.db.ExecContext(ctx, `
		UPDATE process_runs SET status = ?, updated_at = ?
		WHERE run_id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM process_runs WHERE run_id = ?)`, runID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrRunNotFound
	}
	return false, nil
}

func (s *SQLiteStore) StaleRuns(ctx context.Context, statuses []api.RunStatus, updatedBefore time.Time) ([]*api.ProcessRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders, args := statusPlaceholders(statuses)
	args = append(args, updatedBefore.UnixNano())

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM process_runs
		WHERE status IN (`+placeholders+`) AND updated_at < ?
		ORDER BY updated_at`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.ProcessRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) SaveTask(ctx context.Context, task *api.ProcessTask) error {
	outcomeData, err := EncodeDoc(task.OutcomeData)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_tasks
			(task_id, run_id, step_name, assignee_role, assignee_id, status, due_at,
			 escalated_at, outcome, outcome_data, completed_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.RunID, task.StepName, task.AssigneeRole, task.AssigneeID,
		string(task.Status), nanoTime(task.DueAt), nanoTime(task.EscalatedAt),
		task.Outcome, outcomeData, task.CompletedBy,
		nanoTime(task.CreatedAt), nanoTime(task.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, task *api.ProcessTask) error {
	outcomeData, err := EncodeDoc(task.OutcomeData)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE process_tasks
		SET assignee_role = ?, assignee_id = ?, status = ?, due_at = ?, escalated_at = ?,
		    outcome = ?, outcome_data = ?, completed_by = ?, updated_at = ?
		WHERE task_id = ?`,
		task.AssigneeRole, task.AssigneeID, string(task.Status),
		nanoTime(task.DueAt), nanoTime(task.EscalatedAt),
		task.Outcome, outcomeData, task.CompletedBy, nanoTime(task.UpdatedAt),
		task.TaskID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

const taskColumns = `task_id, run_id, step_name, assignee_role, assignee_id, status, due_at,
	escalated_at, outcome, outcome_data, completed_by, created_at, updated_at`

func scanTask(row rowScanner) (*api.ProcessTask, error) {
	var task api.ProcessTask
	var status string
	var outcomeData []byte
	var due, escalated, created, updated int64

	err := row.Scan(
		&task.TaskID, &task.RunID, &task.StepName, &task.AssigneeRole, &task.AssigneeID,
		&status, &due, &escalated, &task.Outcome, &outcomeData, &task.CompletedBy,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}

	task.Status = api.TaskStatus(status)
	if task.OutcomeData, err = DecodeDoc(outcomeData); err != nil {
		return nil, err
	}
	task.DueAt = timeFromNano(due)
	task.EscalatedAt = timeFromNano(escalated)
	task.CreatedAt = timeFromNano(created)
	task.UpdatedAt = timeFromNano(updated)
	return &task, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*api.ProcessTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM process_tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (s *SQLiteStore) ListTasks(ctx context.Context, opts api.TaskListOptions) ([]*api.ProcessTask, error) {
	query := `SELECT ` + taskColumns + ` FROM process_tasks`
	var clauses []string
	var args []any
	if opts.RunID != "" {
		clauses = append(clauses, "run_id = ?")
		args = append(args, opts.RunID)
	}
	if opts.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.AssigneeRole != "" {
		clauses = append(clauses, "assignee_role = ?")
		args = append(args, opts.AssigneeRole)
	}
	if opts.AssigneeID != "" {
		clauses = append(clauses, "assignee_id = ?")
		args = append(args, opts.AssigneeID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.ProcessTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DueTasks(ctx context.Context, before time.Time) ([]*api.ProcessTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM process_tasks
		WHERE status NOT IN (?, ?, ?) AND due_at > 0 AND due_at < ?
		ORDER BY due_at`,
		string(api.TaskExpired), string(api.TaskCompleted), string(api.TaskCancelled),
		before.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.ProcessTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) SaveSpec(ctx context.Context, spec api.ProcessSpec) error {
	steps, err := EncodeJSON(spec.Steps)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_specs (name, version, dsl_version, steps)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name, version) DO UPDATE SET
			dsl_version = excluded.dsl_version,
			steps = excluded.steps`,
		spec.Name, spec.Version, spec.DSLVersion, steps,
	)
	return err
}

func (s *SQLiteStore) GetSpec(ctx context.Context, name, version string) (api.ProcessSpec, error) {
	spec := api.ProcessSpec{Name: name, Version: version}
	var steps []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT dsl_version, steps FROM process_specs WHERE name = ? AND version = ?`,
		name, version,
	).Scan(&spec.DSLVersion, &steps)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ProcessSpec{}, ErrSpecNotFound
	}
	if err != nil {
		return api.ProcessSpec{}, err
	}

	spec.Steps, err = DecodeJSON[[]api.StepSpec](steps)
	return spec, err
}

func (s *SQLiteStore) LatestSpec(ctx context.Context, name string) (api.ProcessSpec, error) {
	versions, err := s.ListSpecVersions(ctx, name)
	if err != nil {
		return api.ProcessSpec{}, err
	}
	if len(versions) == 0 {
		return api.ProcessSpec{}, ErrSpecNotFound
	}
	return s.GetSpec(ctx, name, versions[len(versions)-1])
}

func (s *SQLiteStore) ListSpecVersions(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM process_specs WHERE name = ? ORDER BY version`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *SQLiteStore) SaveSchedule(ctx context.Context, sched api.Schedule) error {
	inputs, err := EncodeDoc(sched.Inputs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_schedules (name, process_name, cron, interval_seconds, inputs, last_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			process_name = excluded.process_name,
			cron = excluded.cron,
			interval_seconds = excluded.interval_seconds,
			inputs = excluded.inputs`,
		sched.Name, sched.ProcessName, sched.Cron, sched.IntervalSeconds,
		inputs, nanoTime(sched.LastRunAt),
	)
	return err
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, name string) (api.Schedule, error) {
	sched := api.Schedule{Name: name}
	var inputs []byte
	var lastRun int64
	err := s.db.QueryRowContext(ctx, `
		SELECT process_name, cron, interval_seconds, inputs, last_run_at
		FROM process_schedules WHERE name = ?`,
		name,
	).Scan(&sched.ProcessName, &sched.Cron, &sched.IntervalSeconds, &inputs, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Schedule{}, ErrScheduleNotFound
	}
	if err != nil {
		return api.Schedule{}, err
	}

	if sched.Inputs, err = DecodeDoc(inputs); err != nil {
		return api.Schedule{}, err
	}
	sched.LastRunAt = timeFromNano(lastRun)
	return sched, nil
}

func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]api.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, process_name, cron, interval_seconds, inputs, last_run_at
		FROM process_schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []api.Schedule
	for rows.Next() {
		var sched api.Schedule
		var inputs []byte
		var lastRun int64
		if err := rows.Scan(&sched.Name, &sched.ProcessName, &sched.Cron, &sched.IntervalSeconds, &inputs, &lastRun); err != nil {
			return nil, err
		}
		if sched.Inputs, err = DecodeDoc(inputs); err != nil {
			return nil, err
		}
		sched.LastRunAt = timeFromNano(lastRun)
		result = append(result, sched)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM process_schedules WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkScheduleRun(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE process_schedules SET last_run_at = ? WHERE name = ?`,
		at.UnixNano(), name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveEntityMeta(ctx context.Context, meta api.EntityMeta) error {
	fields, err := EncodeJSON(meta.Fields)
	if err != nil {
		return err
	}
	transitions, err := EncodeJSON(meta.Transitions)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entity_meta (entity, fields, transitions)
		VALUES (?, ?, ?)
		ON CONFLICT (entity) DO UPDATE SET
			fields = excluded.fields,
			transitions = excluded.transitions`,
		meta.Entity, fields, transitions,
	)
	return err
}

func (s *SQLiteStore) GetEntityMeta(ctx context.Context, entity string) (api.EntityMeta, error) {
	meta := api.EntityMeta{Entity: entity}
	var fields, transitions []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT fields, transitions FROM entity_meta WHERE entity = ?`, entity,
	).Scan(&fields, &transitions)
	if errors.Is(err, sql.ErrNoRows) {
		return api.EntityMeta{}, ErrEntityMetaNotFound
	}
	if err != nil {
		return api.EntityMeta{}, err
	}

	if meta.Fields, err = DecodeJSON[[]string](fields); err != nil {
		return api.EntityMeta{}, err
	}
	meta.Transitions, err = DecodeJSON[map[string][]string](transitions)
	return meta, err
}

func (s *SQLiteStore) ListEntityMeta(ctx context.Context) ([]api.EntityMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity, fields, transitions FROM entity_meta ORDER BY entity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []api.EntityMeta
	for rows.Next() {
		var meta api.EntityMeta
		var fields, transitions []byte
		if err := rows.Scan(&meta.Entity, &fields, &transitions); err != nil {
			return nil, err
		}
		if meta.Fields, err = DecodeJSON[[]string](fields); err != nil {
			return nil, err
		}
		if meta.Transitions, err = DecodeJSON[map[string][]string](transitions); err != nil {
			return nil, err
		}
		result = append(result, meta)
	}
	return result, rows.Err()
}
