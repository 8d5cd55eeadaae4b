package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/appforge/procflow/pkg/api"
)

// SQLiteBus is a Bus backed by a single SQLite database file.
//
// It expects an *sql.DB using a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the driver:
//
//	import _ "modernc.org/sqlite"
//
// Ordering is global per topic via an AUTOINCREMENT sequence. Competing
// consumers are serialized behind a single in-process mutex: this backend is
// meant for embedded, single-process deployments.
type SQLiteBus struct {
	db       *sql.DB
	handlers *handlerSet
	logger   *slog.Logger

	// mu serializes claim batches so no two pollers of the same group (or
	// even different groups on this bus) interleave ack bookkeeping.
	mu sync.Mutex
}

var _ api.Bus = (*SQLiteBus)(nil)

// NewSQLiteBus initializes the bus schema in db and returns a SQLiteBus.
func NewSQLiteBus(db *sql.DB, logger *slog.Logger) (*SQLiteBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &SQLiteBus{
		db:       db,
		handlers: newHandlerSet(),
		logger:   logger,
	}
	if err := b.initSchema(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBus) initSchema() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS bus_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			routing_key TEXT NOT NULL DEFAULT '',
			envelope BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_bus_events_topic ON bus_events(topic, seq);

		CREATE TABLE IF NOT EXISTS bus_subscriptions (
			topic TEXT NOT NULL,
			group_id TEXT NOT NULL,
			last_seq INTEGER NOT NULL DEFAULT 0,
			last_processed_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (topic, group_id)
		);

		CREATE TABLE IF NOT EXISTS bus_dead_letters (
			event_id TEXT NOT NULL,
			group_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			envelope BLOB NOT NULL,
			reason_code TEXT NOT NULL,
			reason_message TEXT NOT NULL DEFAULT '',
			reason_metadata TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 1,
			first_failed_at INTEGER NOT NULL,
			last_failed_at INTEGER NOT NULL,
			PRIMARY KEY (event_id, group_id)
		);
	`)
	return err
}

func (b *SQLiteBus) Publish(ctx context.Context, topic string, env api.EventEnvelope, opts ...api.PublishOptions) error {
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
		VALUES (?, ?, ?, ?, ?)`,
		topic, env.EventID, env.Key, data, ts.UnixNano(),
	)
	if err != nil {
		return &api.PublishError{Topic: topic, Err: err}
	}
	return nil
}

func (b *SQLiteBus) Subscribe(ctx context.Context, topic, groupID string, h api.Handler) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO bus_subscriptions (topic, group_id, last_seq, last_processed_at)
		VALUES (?, ?, 0, 0)
		ON CONFLICT (topic, group_id) DO NOTHING`,
		topic, groupID,
	)
	if err != nil {
		return &api.SubscriptionError{Topic: topic, GroupID: groupID, Err: err}
	}
	b.handlers.put(topic, groupID, h)
	return nil
}

func (b *SQLiteBus) Unsubscribe(ctx context.Context, topic, groupID string) error {
	if !b.handlers.remove(topic, groupID) {
		return api.ErrConsumerNotFound
	}
	return nil
}

// eventSeq resolves an event ID within a topic to its sequence.
func (b *SQLiteBus) eventSeq(ctx context.Context, topic, eventID string) (int64, []byte, error) {
	var seq int64
	var data []byte
	err := b.db.QueryRowContext(ctx, `
		SELECT seq, envelope FROM bus_events WHERE topic = ? AND event_id = ?`,
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

// commit advances the group cursor, never regressing it.
func (b *SQLiteBus) commit(ctx context.Context, topic, groupID string, seq int64) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE bus_subscriptions
		SET last_seq = MAX(last_seq, ?), last_processed_at = ?
		WHERE topic = ? AND group_id = ?`,
		seq, time.Now().UnixNano(), topic, groupID,
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

func (b *SQLiteBus) Ack(ctx context.Context, topic, groupID, eventID string) error {
	seq, _, err := b.eventSeq(ctx, topic, eventID)
	if err != nil {
		return err
	}
	return b.commit(ctx, topic, groupID, seq)
}

func (b *SQLiteBus) Nack(ctx context.Context, topic, groupID, eventID string, reason api.NackReason) error {
	seq, data, err := b.eventSeq(ctx, topic, eventID)
	if err != nil {
		return err
	}
	if reason.Retryable {
		// Offset untouched: the event is redelivered on the next poll.
		return nil
	}

	now := time.Now().UnixNano()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO bus_dead_letters
			(event_id, group_id, topic, envelope, reason_code, reason_message, reason_metadata, attempts, first_failed_at, last_failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (event_id, group_id) DO UPDATE SET
			attempts = attempts + 1,
			reason_code = excluded.reason_code,
			reason_message = excluded.reason_message,
			reason_metadata = excluded.reason_metadata,
			last_failed_at = excluded.last_failed_at`,
		eventID, groupID, topic, data,
		reason.Code, reason.Message, encodeMetadata(reason.Metadata),
		now, now,
	)
	if err != nil {
		return err
	}

	// Skip the poisoned event permanently for this group.
	return b.commit(ctx, topic, groupID, seq)
}

func (b *SQLiteBus) PollAndProcess(ctx context.Context, topic, groupID string, maxEvents int) (int, error) {
	handler, ok := b.handlers.get(topic, groupID)
	if !ok {
		return 0, api.ErrConsumerNotFound
	}
	if maxEvents <= 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var lastSeq int64
	err := b.db.QueryRowContext(ctx, `
		SELECT last_seq FROM bus_subscriptions WHERE topic = ? AND group_id = ?`,
		topic, groupID,
	).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, api.ErrConsumerNotFound
	}
	if err != nil {
		return 0, err
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT seq, envelope FROM bus_events
		WHERE topic = ? AND seq > ?
		ORDER BY seq
		LIMIT ?`,
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
	for _, c := range batch {
		env, err := decodeEnvelope(c.data, c.seq)
		if err != nil {
			return processed, err
		}

		if err := handler(ctx, env); err != nil {
			// Auto-nack, retryable: leave the offset so the event comes
			// back on the next poll. Later events in the batch must not be
			// acked past it, so the batch stops here.
			b.logger.Warn("handler failed, event will be redelivered",
				"topic", topic,
				"group", groupID,
				"event_id", env.EventID,
				"reason", handlerNack(err).Code,
				"error", err,
			)
			return processed, nil
		}

		if err := b.commit(ctx, topic, groupID, c.seq); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (b *SQLiteBus) Replay(ctx context.Context, topic string, opts api.ReplayOptions) iter.Seq2[api.EventEnvelope, error] {
	return func(yield func(api.EventEnvelope, error) bool) {
		query := `SELECT seq, envelope FROM bus_events WHERE topic = ?`
		args := []any{topic}

		if opts.FromSequence > 0 {
			query += ` AND seq >= ?`
			args = append(args, opts.FromSequence)
		}
		if opts.ToSequence > 0 {
			query += ` AND seq <= ?`
			args = append(args, opts.ToSequence)
		}
		if !opts.FromTime.IsZero() {
			query += ` AND created_at >= ?`
			args = append(args, opts.FromTime.UnixNano())
		}
		if !opts.ToTime.IsZero() {
			query += ` AND created_at <= ?`
			args = append(args, opts.ToTime.UnixNano())
		}
		if opts.KeyFilter != "" {
			query += ` AND routing_key = ?`
			args = append(args, opts.KeyFilter)
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

func (b *SQLiteBus) ConsumerStatus(ctx context.Context, topic, groupID string) (api.ConsumerStatus, error) {
	status := api.ConsumerStatus{Topic: topic, GroupID: groupID}

	var lastSeq, lastProcessed int64
	err := b.db.QueryRowContext(ctx, `
		SELECT last_seq, last_processed_at FROM bus_subscriptions
		WHERE topic = ? AND group_id = ?`,
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
		SELECT COUNT(*) FROM bus_events WHERE topic = ? AND seq > ?`,
		topic, lastSeq,
	).Scan(&pending); err != nil {
		return status, err
	}

	status.LastOffset = lastSeq
	status.PendingCount = pending
	if lastProcessed > 0 {
		status.LastProcessedAt = time.Unix(0, lastProcessed)
	}
	return status, nil
}

func (b *SQLiteBus) DeadLetters(ctx context.Context, topic, groupID string, limit, offset int) ([]api.DeadLetterEntry, error) {
	query := `
		SELECT event_id, group_id, topic, envelope, reason_code, reason_message, reason_metadata, attempts, first_failed_at, last_failed_at
		FROM bus_dead_letters`
	var clauses []string
	var args []any

	if topic != "" {
		clauses = append(clauses, "topic = ?")
		args = append(args, topic)
	}
	if groupID != "" {
		clauses = append(clauses, "group_id = ?")
		args = append(args, groupID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY last_failed_at"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
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
		var first, last int64
		if err := rows.Scan(&e.EventID, &e.GroupID, &e.Topic, &data, &e.ReasonCode, &e.ReasonMessage, &md, &e.Attempts, &first, &last); err != nil {
			return nil, err
		}
		env, err := decodeEnvelope(data, 0)
		if err != nil {
			return nil, err
		}
		e.Envelope = env
		e.ReasonMetadata = decodeMetadata(md)
		e.FirstFailedAt = time.Unix(0, first)
		e.LastFailedAt = time.Unix(0, last)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *SQLiteBus) DeadLetterCount(ctx context.Context, topic, groupID string) (int64, error) {
	query := `SELECT COUNT(*) FROM bus_dead_letters`
	var clauses []string
	var args []any
	if topic != "" {
		clauses = append(clauses, "topic = ?")
		args = append(args, topic)
	}
	if groupID != "" {
		clauses = append(clauses, "group_id = ?")
		args = append(args, groupID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	var n int64
	err := b.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (b *SQLiteBus) ReplayDeadLetter(ctx context.Context, eventID, groupID string) error {
	var topic string
	var data []byte
	err := b.db.QueryRowContext(ctx, `
		SELECT topic, envelope FROM bus_dead_letters WHERE event_id = ? AND group_id = ?`,
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
			SET attempts = attempts + 1, reason_message = ?, last_failed_at = ?
			WHERE event_id = ? AND group_id = ?`,
			err.Error(), time.Now().UnixNano(), eventID, groupID,
		)
		if uerr != nil {
			return uerr
		}
		return fmt.Errorf("replay handler: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		DELETE FROM bus_dead_letters WHERE event_id = ? AND group_id = ?`,
		eventID, groupID,
	)
	return err
}

func (b *SQLiteBus) ClearDeadLetters(ctx context.Context, topic, groupID string) (int64, error) {
	query := `DELETE FROM bus_dead_letters`
	var clauses []string
	var args []any
	if topic != "" {
		clauses = append(clauses, "topic = ?")
		args = append(args, topic)
	}
	if groupID != "" {
		clauses = append(clauses, "group_id = ?")
		args = append(args, groupID)
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

func (b *SQLiteBus) Close() error {
	return nil
}
