package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/appforge/procflow/pkg/api"
)

// PostgresBus is a Bus backed by PostgreSQL.
//
// It expects an *sql.DB using a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib"). The caller imports the driver for its
// side effects and opens the DSN:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//
// Unlike SQLiteBus, claim batches are coordinated through the database
// itself: PollAndProcess takes the group's cursor row FOR UPDATE SKIP
// LOCKED, so concurrent pollers of one group claim disjoint batches and a
// second poller simply gets zero events instead of blocking.
type PostgresBus struct {
	db       *sql.DB
	handlers *handlerSet
	logger   *slog.Logger
}

var _ api.Bus = (*PostgresBus)(nil)

// NewPostgresBus initializes the bus schema in db and returns a PostgresBus.
func NewPostgresBus(db *sql.DB, logger *slog.Logger) (*PostgresBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &PostgresBus{
		db:       db,
		handlers: newHandlerSet(),
		logger:   logger,
	}
	if err := b.initSchema(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *PostgresBus) initSchema() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS bus_events (
			seq BIGSERIAL PRIMARY KEY,
			topic TEXT NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			routing_key TEXT NOT NULL DEFAULT '',
			envelope BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_bus_events_topic ON bus_events(topic, seq);

		CREATE TABLE IF NOT EXISTS bus_subscriptions (
			topic TEXT NOT NULL,
			group_id TEXT NOT NULL,
			last_seq BIGINT NOT NULL DEFAULT 0,
			last_processed_at TIMESTAMPTZ,
			PRIMARY KEY (topic, group_id)
		);

		CREATE TABLE IF NOT EXISTS bus_dead_letters (
			event_id TEXT NOT NULL,
			group_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			envelope BYTEA NOT NULL,
			reason_code TEXT NOT NULL,
			reason_message TEXT NOT NULL DEFAULT '',
			reason_metadata TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 1,
			first_failed_at TIMESTAMPTZ NOT NULL,
			last_failed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (event_id, group_id)
		);
	`)
	return err
}

func (b *PostgresBus) Publish(ctx context.Context, topic string, env api.EventEnvelope, opts ...api.PublishOptions) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return &api.PublishError{Topic: topic, Err: err}
	}

	exec := b.db.ExecContext
	if len(opts) > 0 && opts[0].Tx != nil {
		exec = opts[0].Tx.ExecContext
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = exec(ctx, `
		INSERT INTO bus_events (topic, event_id, routing_key, envelope, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		topic, env.EventID, env.Key, data, ts,
	)
	if err != nil {
		return &api.PublishError{Topic: topic, Err: err}
	}
	return nil
}

func (b *PostgresBus) Subscribe(ctx context.Context, topic, groupID string, h api.Handler) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO bus_subscriptions (topic, group_id, last_seq)
		VALUES ($1, $2, 0)
		ON CONFLICT (topic, group_id) DO NOTHING`,
		topic, groupID,
	)
	if err != nil {
		return &api.SubscriptionError{Topic: topic, GroupID: groupID, Err: err}
	}
	b.handlers.put(topic, groupID, h)
	return nil
}

func (b *PostgresBus) Unsubscribe(ctx context.Context, topic, groupID string) error {
	if !b.handlers.remove(topic, groupID) {
		return api.ErrConsumerNotFound
	}
	return nil
}

func (b *PostgresBus) eventSeq(ctx context.Context, topic, eventID string) (int64, []byte, error) {
	var seq int64
	var data []byte
	err := b.db.QueryRowContext(ctx, `
		SELECT seq, envelope FROM bus_events WHERE topic = $1 AND event_id = $2`,
		topic, eventID,
	).Scan(&seq, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, api.ErrEventNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	return seq, data, nil
}

func (b *PostgresBus) commit(ctx context.Context, topic, groupID string, seq int64) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE bus_subscriptions
		SET last_seq = GREATEST(last_seq, $1), last_processed_at = now()
		WHERE topic = $2 AND group_id = $3`,
		seq, topic, groupID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrConsumerNotFound
	}
	return nil
}

func (b *PostgresBus) Ack(ctx context.Context, topic, groupID, eventID string) error {
	seq, _, err := b.eventSeq(ctx, topic, eventID)
	if err != nil {
		return err
	}
	return b.commit(ctx, topic, groupID, seq)
}

func (b *PostgresBus) Nack(ctx context.Context, topic, groupID, eventID string, reason api.NackReason) error {
	seq, data, err := b.eventSeq(ctx, topic, eventID)
	if err != nil {
		return err
	}
	if reason.Retryable {
		return nil
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO bus_dead_letters
			(event_id, group_id, topic, envelope, reason_code, reason_message, reason_metadata, attempts, first_failed_at, last_failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, now(), now())
		ON CONFLICT (event_id, group_id) DO UPDATE SET
			attempts = bus_dead_letters.attempts + 1,
			reason_code = EXCLUDED.reason_code,
			reason_message = EXCLUDED.reason_message,
			reason_metadata = EXCLUDED.reason_metadata,
			last_failed_at = now()`,
		eventID, groupID, topic, data,
		reason.Code, reason.Message, encodeMetadata(reason.Metadata),
	)
	if err != nil {
		return err
	}
	return b.commit(ctx, topic, groupID, seq)
}

func (b *PostgresBus) PollAndProcess(ctx context.Context, topic, groupID string, maxEvents int) (int, error) {
	handler, ok := b.handlers.get(topic, groupID)
	if !ok {
		return 0, api.ErrConsumerNotFound
	}
	if maxEvents <= 0 {
		return 0, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Claim the group cursor. SKIP LOCKED means a concurrent poller of the
	// same group observes zero rows and backs off instead of processing the
	// same events.
	var lastSeq int64
	err = tx.QueryRowContext(ctx, `
		SELECT last_seq FROM bus_subscriptions
		WHERE topic = $1 AND group_id = $2
		FOR UPDATE SKIP LOCKED`,
		topic, groupID,
	).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		// Either no subscription, or another worker holds the claim.
		var exists bool
		if err := b.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM bus_subscriptions WHERE topic = $1 AND group_id = $2)`,
			topic, groupID,
		).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			return 0, api.ErrConsumerNotFound
		}
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT seq, envelope FROM bus_events
		WHERE topic = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`,
		topic, lastSeq, maxEvents,
	)
	if err != nil {
		return 0, err
	}

	type claimed struct {
		seq  int64
		data []byte
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.seq, &c.data); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, c)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	processed := 0
	committed := lastSeq
	var decodeErr error
	for _, c := range batch {
		env, err := decodeEnvelope(c.data, c.seq)
		if err != nil {
			// Commit the prefix below, but surface the corruption instead
			// of silently stalling the group on it.
			decodeErr = err
			break
		}

		if err := handler(ctx, env); err != nil {
			b.logger.Warn("handler failed, event will be redelivered",
				"topic", topic,
				"group", groupID,
				"event_id", env.EventID,
				"reason", handlerNack(err).Code,
				"error", err,
			)
			break
		}
		committed = c.seq
		processed++
	}

	if committed > lastSeq {
		if _, err := tx.ExecContext(ctx, `
			UPDATE bus_subscriptions
			SET last_seq = GREATEST(last_seq, $1), last_processed_at = now()
			WHERE topic = $2 AND group_id = $3`,
			committed, topic, groupID,
		); err != nil {
			return 0, err
		}
	}

	// A crash before commit rolls the cursor back: the whole batch is
	// redelivered, which is the at-least-once guarantee.
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return processed, decodeErr
}

func (b *PostgresBus) Replay(ctx context.Context, topic string, opts api.ReplayOptions) iter.Seq2[api.EventEnvelope, error] {
	return func(yield func(api.EventEnvelope, error) bool) {
		query := `SELECT seq, envelope FROM bus_events WHERE topic = $1`
		args := []any{topic}

		add := func(clause string, v any) {
			args = append(args, v)
			query += fmt.Sprintf(" AND %s $%d", clause, len(args))
		}
		if opts.FromSequence > 0 {
			add("seq >=", opts.FromSequence)
		}
		if opts.ToSequence > 0 {
			add("seq <=", opts.ToSequence)
		}
		if !opts.FromTime.IsZero() {
			add("created_at >=", opts.FromTime)
		}
		if !opts.ToTime.IsZero() {
			add("created_at <=", opts.ToTime)
		}
		if opts.KeyFilter != "" {
			add("routing_key =", opts.KeyFilter)
		}
		query += ` ORDER BY seq`

		rows, err := b.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(api.EventEnvelope{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var seq int64
			var data []byte
			if err := rows.Scan(&seq, &data); err != nil {
				yield(api.EventEnvelope{}, err)
				return
			}
			env, err := decodeEnvelope(data, seq)
			if err != nil {
				yield(api.EventEnvelope{}, err)
				return
			}
			if !yield(env, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(api.EventEnvelope{}, err)
		}
	}
}

func (b *PostgresBus) ConsumerStatus(ctx context.Context, topic, groupID string) (api.ConsumerStatus, error) {
	status := api.ConsumerStatus{Topic: topic, GroupID: groupID}

	var lastSeq int64
	var lastProcessed sql.NullTime
	err := b.db.QueryRowContext(ctx, `
		SELECT last_seq, last_processed_at FROM bus_subscriptions
		WHERE topic = $1 AND group_id = $2`,
		topic, groupID,
	).Scan(&lastSeq, &lastProcessed)
	if errors.Is(err, sql.ErrNoRows) {
		return status, api.ErrConsumerNotFound
	}
	if err != nil {
		return status, err
	}

	var pending int64
	if err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bus_events WHERE topic = $1 AND seq > $2`,
		topic, lastSeq,
	).Scan(&pending); err != nil {
		return status, err
	}

	status.LastOffset = lastSeq
	status.PendingCount = pending
	if lastProcessed.Valid {
		status.LastProcessedAt = lastProcessed.Time
	}
	return status, nil
}

func (b *PostgresBus) DeadLetters(ctx context.Context, topic, groupID string, limit, offset int) ([]api.DeadLetterEntry, error) {
	query := `
		SELECT event_id, group_id, topic, envelope, reason_code, reason_message, reason_metadata, attempts, first_failed_at, last_failed_at
		FROM bus_dead_letters`
	var clauses []string
	var args []any

	if topic != "" {
		args = append(args, topic)
		clauses = append(clauses, fmt.Sprintf("topic = $%d", len(args)))
	}
	if groupID != "" {
		args = append(args, groupID)
		clauses = append(clauses, fmt.Sprintf("group_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY last_failed_at"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if offset > 0 {
			args = append(args, offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []api.DeadLetterEntry
	for rows.Next() {
		var e api.DeadLetterEntry
		var data []byte
		var md string
		if err := rows.Scan(&e.EventID, &e.GroupID, &e.Topic, &data, &e.ReasonCode, &e.ReasonMessage, &md, &e.Attempts, &e.FirstFailedAt, &e.LastFailedAt); err != nil {
			return nil, err
		}
		env, err := decodeEnvelope(data, 0)
		if err != nil {
			return nil, err
		}
		e.Envelope = env
		e.ReasonMetadata = decodeMetadata(md)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *PostgresBus) DeadLetterCount(ctx context.Context, topic, groupID string) (int64, error) {
	query := `SELECT COUNT(*) FROM bus_dead_letters`
	var clauses []string
	var args []any
	if topic != "" {
		args = append(args, topic)
		clauses = append(clauses, fmt.Sprintf("topic = $%d", len(args)))
	}
	if groupID != "" {
		args = append(args, groupID)
		clauses = append(clauses, fmt.Sprintf("group_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	var n int64
	err := b.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (b *PostgresBus) ReplayDeadLetter(ctx context.Context, eventID, groupID string) error {
	var topic string
	var data []byte
	err := b.db.QueryRowContext(ctx, `
		SELECT topic, envelope FROM bus_dead_letters WHERE event_id = $1 AND group_id = $2`,
		eventID, groupID,
	).Scan(&topic, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ErrEventNotFound
	}
	if err != nil {
		return err
	}

	handler, ok := b.handlers.get(topic, groupID)
	if !ok {
		return api.ErrConsumerNotFound
	}

	env, err := decodeEnvelope(data, 0)
	if err != nil {
		return err
	}

	if err := handler(ctx, env); err != nil {
		_, uerr := b.db.ExecContext(ctx, `
			UPDATE bus_dead_letters
			SET attempts = attempts + 1, reason_message = $1, last_failed_at = now()
			WHERE event_id = $2 AND group_id = $3`,
			err.Error(), eventID, groupID,
		)
		if uerr != nil {
			return uerr
		}
		return fmt.Errorf("replay handler: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		DELETE FROM bus_dead_letters WHERE event_id = $1 AND group_id = $2`,
		eventID, groupID,
	)
	return err
}

func (b *PostgresBus) ClearDeadLetters(ctx context.Context, topic, groupID string) (int64, error) {
	query := `DELETE FROM bus_dead_letters`
	var clauses []string
	var args []any
	if topic != "" {
		args = append(args, topic)
		clauses = append(clauses, fmt.Sprintf("topic = $%d", len(args)))
	}
	if groupID != "" {
		args = append(args, groupID)
		clauses = append(clauses, fmt.Sprintf("group_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *PostgresBus) Close() error {
	return nil
}
