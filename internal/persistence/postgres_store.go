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

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib"). The caller is responsible for
// importing the driver, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database and
// returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS process_runs (
			run_id TEXT PRIMARY KEY,
			process_name TEXT NOT NULL,
			process_version TEXT NOT NULL DEFAULT '',
			dsl_version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			inputs JSONB,
			context JSONB,
			outputs JSONB,
			current_step INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
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
			due_at TIMESTAMPTZ,
			escalated_at TIMESTAMPTZ,
			outcome TEXT NOT NULL DEFAULT '',
			outcome_data JSONB,
			completed_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_run ON process_tasks(run_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_due ON process_tasks(status, due_at);

		CREATE TABLE IF NOT EXISTS process_specs (
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			dsl_version TEXT NOT NULL DEFAULT '',
			steps JSONB NOT NULL,
			PRIMARY KEY (name, version)
		);

		CREATE TABLE IF NOT EXISTS process_schedules (
			name TEXT PRIMARY KEY,
			process_name TEXT NOT NULL,
			cron TEXT NOT NULL DEFAULT '',
			interval_seconds BIGINT NOT NULL DEFAULT 0,
			inputs JSONB,
			last_run_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS entity_meta (
			entity TEXT PRIMARY KEY,
			fields JSONB,
			transitions JSONB
		);`,
	)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *api.ProcessRun) error {
	inputs, runCtx, outputs, err := encodeRunDocs(run)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_runs
			(run_id, process_name, process_version, dsl_version, status, inputs, context, outputs,
			 current_step, idempotency_key, error, created_at, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		run.RunID, run.ProcessName, run.ProcessVersion, run.DSLVersion, string(run.Status),
		inputs, runCtx, outputs,
		run.CurrentStep, run.IdempotencyKey, run.Error,
		run.CreatedAt, nullTime(run.StartedAt), nullTime(run.FinishedAt), run.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrDuplicateRun
	}
	return err
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *api.ProcessRun) error {
	inputs, runCtx, outputs, err := encodeRunDocs(run)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE process_runs
		SET status = $1, inputs = $2, context = $3, outputs = $4, current_step = $5,
		    error = $6, started_at = $7, finished_at = $8, updated_at = $9
		WHERE run_id = $10`,
		string(run.Status), inputs, runCtx, outputs, run.CurrentStep,
		run.Error, nullTime(run.StartedAt), nullTime(run.FinishedAt), run.UpdatedAt,
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

func scanPGRun(row rowScanner) (*api.ProcessRun, error) {
	var run api.ProcessRun
	var status string
	var inputs, runCtx, outputs []byte
	var started, finished sql.NullTime

	err := row.Scan(
		&run.RunID, &run.ProcessName, &run.ProcessVersion, &run.DSLVersion, &status,
		&inputs, &runCtx, &outputs,
		&run.CurrentStep, &run.IdempotencyKey, &run.Error,
		&run.CreatedAt, &started, &finished, &run.UpdatedAt,
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
	run.StartedAt = fromNullTime(started)
	run.FinishedAt = fromNullTime(finished)
	return &run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*api.ProcessRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM process_runs WHERE run_id = $1`, runID)
	run, err := scanPGRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *PostgresStore) FindRunByIdempotencyKey(ctx context.Context, processName, key string) (*api.ProcessRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM process_runs
		WHERE process_name = $1 AND idempotency_key = $2 AND idempotency_key != ''
		ORDER BY created_at LIMIT 1`,
		processName, key)
	run, err := scanPGRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func pgRunFilter(opts api.RunListOptions) (string, []any) {
	var clauses []string
	var args []any
	if opts.ProcessName != "" {
		args = append(args, opts.ProcessName)
		clauses = append(clauses, fmt.Sprintf("process_name = $%d", len(args)))
	}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *PostgresStore) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.ProcessRun, error) {
	where, args := pgRunFilter(opts)
	query := `SELECT ` + runColumns + ` FROM process_runs` + where + ` ORDER BY created_at`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if opts.Offset > 0 {
			args = append(args, opts.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.ProcessRun
	for rows.Next() {
		run, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountRuns(ctx context.Context, opts api.RunListOptions) (int64, error) {
	where, args := pgRunFilter(opts)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM process_runs`+where, args...).Scan(&n)
	return n, err
}

func (s *PostgresStore) RunVersionCounts(ctx context.Context, processName string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT process_version, COUNT(*) FROM process_runs
		WHERE process_name = $1
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

func (s *PostgresStore) TransitionRun(ctx context.Context, runID string, from []api.RunStatus, to api.RunStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition needs at least one expected status")
	}

	args := []any{string(to), time.Now(), runID}
	placeholders := make([]string, 0, len(from))
	for _, status := range from {
		args = append(args, string(status))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE process_runs SET status = $1, updated_at = $2
		WHERE run_id = $3 AND status IN (`+strings.Join(placeholders, ", ")+`)`,
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
		`SELECT EXISTS (SELECT 1 FROM process_runs WHERE run_id = $1)`, runID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrRunNotFound
	}
	return false, nil
}

func (s *PostgresStore) StaleRuns(ctx context.Context, statuses []api.RunStatus, updatedBefore time.Time) ([]*api.ProcessRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	args := []any{updatedBefore}
	placeholders := make([]string, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM process_runs
		WHERE updated_at < $1 AND status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY updated_at`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.ProcessRun
	for rows.Next() {
		run, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SaveTask(ctx context.Context, task *api.ProcessTask) error {
	outcomeData, err := EncodeDoc(task.OutcomeData)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_tasks
			(task_id, run_id, step_name, assignee_role, assignee_id, status, due_at,
			 escalated_at, outcome, outcome_data, completed_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		task.TaskID, task.RunID, task.StepName, task.AssigneeRole, task.AssigneeID,
		string(task.Status), nullTime(task.DueAt), nullTime(task.EscalatedAt),
		task.Outcome, outcomeData, task.CompletedBy,
		task.CreatedAt, task.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *api.ProcessTask) error {
	outcomeData, err := EncodeDoc(task.OutcomeData)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE process_tasks
		SET assignee_role = $1, assignee_id = $2, status = $3, due_at = $4, escalated_at = $5,
		    outcome = $6, outcome_data = $7, completed_by = $8, updated_at = $9
		WHERE task_id = $10`,
		task.AssigneeRole, task.AssigneeID, string(task.Status),
		nullTime(task.DueAt), nullTime(task.EscalatedAt),
		task.Outcome, outcomeData, task.CompletedBy, task.UpdatedAt,
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

func scanPGTask(row rowScanner) (*api.ProcessTask, error) {
	var task api.ProcessTask
	var status string
	var outcomeData []byte
	var due, escalated sql.NullTime

	err := row.Scan(
		&task.TaskID, &task.RunID, &task.StepName, &task.AssigneeRole, &task.AssigneeID,
		&status, &due, &escalated, &task.Outcome, &outcomeData, &task.CompletedBy,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = api.TaskStatus(status)
	if task.OutcomeData, err = DecodeDoc(outcomeData); err != nil {
		return nil, err
	}
	task.DueAt = fromNullTime(due)
	task.EscalatedAt = fromNullTime(escalated)
	return &task, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*api.ProcessTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM process_tasks WHERE task_id = $1`, taskID)
	task, err := scanPGTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, opts api.TaskListOptions) ([]*api.ProcessTask, error) {
	var clauses []string
	var args []any
	add := func(column, value string) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if opts.RunID != "" {
		add("run_id", opts.RunID)
	}
	if opts.Status != "" {
		add("status", string(opts.Status))
	}
	if opts.AssigneeRole != "" {
		add("assignee_role", opts.AssigneeRole)
	}
	if opts.AssigneeID != "" {
		add("assignee_id", opts.AssigneeID)
	}

	query := `SELECT ` + taskColumns + ` FROM process_tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if opts.Offset > 0 {
			args = append(args, opts.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.ProcessTask
	for rows.Next() {
		task, err := scanPGTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DueTasks(ctx context.Context, before time.Time) ([]*api.ProcessTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM process_tasks
		WHERE status NOT IN ($1, $2, $3) AND due_at IS NOT NULL AND due_at < $4
		ORDER BY due_at`,
		string(api.TaskExpired), string(api.TaskCompleted), string(api.TaskCancelled),
		before,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.ProcessTask
	for rows.Next() {
		task, err := scanPGTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SaveSpec(ctx context.Context, spec api.ProcessSpec) error {
	steps, err := EncodeJSON(spec.Steps)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_specs (name, version, dsl_version, steps)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name, version) DO UPDATE SET
			dsl_version = excluded.dsl_version,
			steps = excluded.steps`,
		spec.Name, spec.Version, spec.DSLVersion, steps,
	)
	return err
}

func (s *PostgresStore) GetSpec(ctx context.Context, name, version string) (api.ProcessSpec, error) {
	spec := api.ProcessSpec{Name: name, Version: version}
	var steps []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT dsl_version, steps FROM process_specs WHERE name = $1 AND version = $2`,
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

func (s *PostgresStore) LatestSpec(ctx context.Context, name string) (api.ProcessSpec, error) {
	versions, err := s.ListSpecVersions(ctx, name)
	if err != nil {
		return api.ProcessSpec{}, err
	}
	if len(versions) == 0 {
		return api.ProcessSpec{}, ErrSpecNotFound
	}
	return s.GetSpec(ctx, name, versions[len(versions)-1])
}

func (s *PostgresStore) ListSpecVersions(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM process_specs WHERE name = $1 ORDER BY version`, name)
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

func (s *PostgresStore) SaveSchedule(ctx context.Context, sched api.Schedule) error {
	inputs, err := EncodeDoc(sched.Inputs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_schedules (name, process_name, cron, interval_seconds, inputs, last_run_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			process_name = excluded.process_name,
			cron = excluded.cron,
			interval_seconds = excluded.interval_seconds,
			inputs = excluded.inputs`,
		sched.Name, sched.ProcessName, sched.Cron, sched.IntervalSeconds,
		inputs, nullTime(sched.LastRunAt),
	)
	return err
}

func (s *PostgresStore) GetSchedule(ctx context.Context, name string) (api.Schedule, error) {
	sched := api.Schedule{Name: name}
	var inputs []byte
	var lastRun sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT process_name, cron, interval_seconds, inputs, last_run_at
		FROM process_schedules WHERE name = $1`,
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
	sched.LastRunAt = fromNullTime(lastRun)
	return sched, nil
}

func (s *PostgresStore) ListSchedules(ctx context.Context) ([]api.Schedule, error) {
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
		var lastRun sql.NullTime
		if err := rows.Scan(&sched.Name, &sched.ProcessName, &sched.Cron, &sched.IntervalSeconds, &inputs, &lastRun); err != nil {
			return nil, err
		}
		if sched.Inputs, err = DecodeDoc(inputs); err != nil {
			return nil, err
		}
		sched.LastRunAt = fromNullTime(lastRun)
		result = append(result, sched)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM process_schedules WHERE name = $1`, name)
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

func (s *PostgresStore) MarkScheduleRun(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE process_schedules SET last_run_at = $1 WHERE name = $2`,
		at, name)
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

func (s *PostgresStore) SaveEntityMeta(ctx context.Context, meta api.EntityMeta) error {
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
		VALUES ($1, $2, $3)
		ON CONFLICT (entity) DO UPDATE SET
			fields = excluded.fields,
			transitions = excluded.transitions`,
		meta.Entity, fields, transitions,
	)
	return err
}

func (s *PostgresStore) GetEntityMeta(ctx context.Context, entity string) (api.EntityMeta, error) {
	meta := api.EntityMeta{Entity: entity}
	var fields, transitions []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT fields, transitions FROM entity_meta WHERE entity = $1`, entity,
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

func (s *PostgresStore) ListEntityMeta(ctx context.Context) ([]api.EntityMeta, error) {
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
