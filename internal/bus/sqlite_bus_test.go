package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/appforge/procflow/pkg/api"
)

const (
	testTopic = "orders.created"
	testGroup = "billing"
)

func newTestSQLiteBus(t *testing.T) *SQLiteBus {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := NewSQLiteBus(db, logger)
	if err != nil {
		t.Fatalf("NewSQLiteBus failed: %v", err)
	}

	return b
}

func publishN(t *testing.T, b api.Bus, topic string, n int) []api.EventEnvelope {
	t.Helper()

	envs := make([]api.EventEnvelope, 0, n)
	for i := 0; i < n; i++ {
		env := api.NewEnvelope("order.created", map[string]any{"n": i})
		env.Key = fmt.Sprintf("order-%d", i)
		if err := b.Publish(context.Background(), topic, env); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
		envs = append(envs, env)
	}
	return envs
}

func TestSQLiteBus_PublishPollAck(t *testing.T) {
	b := newTestSQLiteBus(t)
	ctx := context.Background()

	envs := publishN(t, b, testTopic, 3)

	var seen []string
	err := b.Subscribe(ctx, testTopic, testGroup, func(ctx context.Context, env api.EventEnvelope) error {
		seen = append(seen, env.EventID)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	n, err := b.PollAndProcess(ctx, testTopic, testGroup, 10)
	if err != nil {
		t.Fatalf("PollAndProcess failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 processed, got %d", n)
	}

	for i, env := range envs {
		if seen[i] != env.EventID {
			t.Fatalf("delivery order broken at %d: expected %q, got %q", i, env.EventID, seen[i])
		}
	}

	status, err := b.ConsumerStatus(ctx, testTopic, testGroup)
	if err != nil {
		t.Fatalf("ConsumerStatus failed: %v", err)
	}
	if status.PendingCount != 0 {
		t.Fatalf("expected 0 pending, got %d", status.PendingCount)
	}
	if status.LastOffset != 3 {
		t.Fatalf("expected last offset 3, got %d", status.LastOffset)
	}
	if status.LastProcessedAt.IsZero() {
		t.Fatal("expected LastProcessedAt to be set")
	}

	// Nothing left to deliver.
	n, err = b.PollAndProcess(ctx, testTopic, testGroup, 10)
	if err != nil {
		t.Fatalf("second PollAndProcess failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 processed on drained topic, got %d", n)
	}
}

func TestSQLiteBus_PollWithoutSubscription(t *testing.T) {
	b := newTestSQLiteBus(t)

	_, err := b.PollAndProcess(context.Background(), testTopic, "nobody", 10)
	if !errors.Is(err, api.ErrConsumerNotFound) {
		t.Fatalf("expected ErrConsumerNotFound, got %v", err)
	}

	_, err = b.ConsumerStatus(context.Background(), testTopic, "nobody")
	if !errors.Is(err, api.ErrConsumerNotFound) {
		t.Fatalf("expected ErrConsumerNotFound from ConsumerStatus, got %v", err)
	}
}

func TestSQLiteBus_SubscribeIsIdempotent(t *testing.T) {
	b := newTestSQLiteBus(t)
	ctx := context.Background()

	h := func(ctx context.Context, env api.EventEnvelope) error { return nil }
	if err := b.Subscribe(ctx, testTopic, testGroup, h); err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}
	if err := b.Subscribe(ctx, testTopic, testGroup, h); err != nil {
		t.Fatalf("repeated Subscribe failed: %v", err)
	}

	if err := b.Unsubscribe(ctx, testTopic, testGroup); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := b.Unsubscribe(ctx, testTopic, testGroup); !errors.Is(err, api.ErrConsumerNotFound) {
		t.Fatalf("expected ErrConsumerNotFound on second Unsubscribe, got %v", err)
	}
}

func TestSQLiteBus_RetryableFailureStopsBatch(t *testing.T) {
	b := newTestSQLiteBus(t)
	ctx := context.Background()

	envs := publishN(t, b, testTopic, 3)
	poison := envs[1].EventID

	failures := 0
	err := b.Subscribe(ctx, testTopic, testGroup, func(ctx context.Context, env api.EventEnvelope) error {
		if env.EventID == poison && failures == 0 {
			failures++
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// First event succeeds; the second fails, so the third must not be
	// acked past it.
	n, err := b.PollAndProcess(ctx, testTopic, testGroup, 10)
	if err != nil {
		t.Fatalf("PollAndProcess failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 processed before the failure, got %d", n)
	}

	status, _ := b.ConsumerStatus(ctx, testTopic, testGroup)
	if status.LastOffset != 1 {
		t.Fatalf("expected offset held at 1, got %d", status.LastOffset)
	}
	if status.PendingCount != 2 {
		t.Fatalf("expected 2 pending, got %d", status.PendingCount)
	}

	// The failed event is redelivered and the batch drains.
	n, err = b.PollAndProcess(ctx, testTopic, testGroup, 10)
	if err != nil {
		t.Fatalf("second PollAndProcess failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 processed after redelivery, got %d", n)
	}
}

func TestSQLiteBus_NonRetryableNackDeadLetters(t *testing.T) {
	b := newTestSQLiteBus(t)
	ctx := context.Background()

	envs := publishN(t, b, testTopic, 2)
	err := b.Subscribe(ctx, testTopic, testGroup, func(ctx context.Context, env api.EventEnvelope) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	reason := api.NackReason{
		Code:     "bad_payload",
		Message:  "missing order id",
		Metadata: map[string]string{"field": "order_id"},
	}
	if err := b.Nack(ctx, testTopic, testGroup, envs[0].EventID, reason); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	count, err := b.DeadLetterCount(ctx, testTopic, testGroup)
	if err != nil {
		t.Fatalf("DeadLetterCount failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 dead letter, got %d", count)
	}

	entries, err := b.DeadLetters(ctx, testTopic, testGroup, 10, 0)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.EventID != envs[0].EventID {
		t.Fatalf("expected event %q, got %q", envs[0].EventID, e.EventID)
	}
	if e.ReasonCode != "bad_payload" || e.ReasonMessage != "missing order id" {
		t.Fatalf("unexpected reason: %q %q", e.ReasonCode, e.ReasonMessage)
	}
	if e.ReasonMetadata["field"] != "order_id" {
		t.Fatalf("unexpected metadata: %v", e.ReasonMetadata)
	}
	if e.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", e.Attempts)
	}

	// The cursor skipped past the poisoned event.
	status, _ := b.ConsumerStatus(ctx, testTopic, testGroup)
	if status.LastOffset != 1 {
		t.Fatalf("expected cursor advanced past dead-lettered event, got %d", status.LastOffset)
	}
	if status.PendingCount != 1 {
		t.Fatalf("expected 1 pending, got %d", status.PendingCount)
	}

	// Repeated failure upserts, never duplicates.
	if err := b.Nack(ctx, testTopic, testGroup, envs[0].EventID, reason); err != nil {
		t.Fatalf("second Nack failed: %v", err)
	}
	entries, _ = b.DeadLetters(ctx, testTopic, testGroup, 10, 0)
	if len(entries) != 1 {
		t.Fatalf("expected upsert, got %d entries", len(entries))
	}
	if entries[0].Attempts != 2 {
		t.Fatalf("expected 2 attempts after upsert, got %d", entries[0].Attempts)
	}
}

func TestSQLiteBus_RetryableNackLeavesCursor(t *testing.T) {
	b := newTestSQLiteBus(t)
	ctx := context.Background()

	envs := publishN(t, b, testTopic, 1)
	_ = b.Subscribe(ctx, testTopic, testGroup, func(ctx context.Context, env api.EventEnvelope) error {
		return nil
	})

	err := b.Nack(ctx, testTopic, testGroup, envs[0].EventID, api.NackReason{Code: "busy", Retryable: true})
	if err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	status, _ := b.ConsumerStatus(ctx, testTopic, testGroup)
	if status.LastOffset != 0 {
		t.Fatalf("retryable nack must not move the cursor, got %d", status.LastOffset)
	}
	if n, _ := b.DeadLetterCount(ctx, testTopic, testGroup); n != 0 {
		t.Fatalf("retryable nack must not dead-letter, got %d", n)
	}
}

func TestSQLiteBus_AckIsMonotonic(t *testing.T) {
	b := newTestSQLiteBus(t)
	ctx := context.Background()

	envs := publishN(t, b, testTopic, 3)
	_ = b.Subscribe(ctx, testTopic, testGroup, func(ctx context.Context, env api.EventEnvelope) error {
		return nil
	})

	if err := b.Ack(ctx, testTopic, testGroup, envs[2].EventID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	// Acking an earlier event must not regress the cursor.
	if err := b.Ack(ctx, testTopic, testGroup, envs[0].EventID); err != nil {
		t.Fatalf("out-of-order Ack failed: %v", err)
	}

	status, _ := b.ConsumerStatus(ctx, testTopic, testGroup)
	if status.LastOffset != 3 {
		t.Fatalf("expected cursor held at 3, got %d", status.LastOffset)
	}
}

func TestSQLiteBus_AckUnknownEvent(t *testing.T) {
	b := newTestSQLiteBus(t)
	ctx := context.Background()

	_ = b.Subscribe(ctx, testTopic, testGroup, func(ctx context.Context, env api.EventEnvelope) error {
		return nil
	})

	err := b.Ack(ctx, testTopic, testGroup, "no-such-event")
	if !errors.Is(err, api.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestSQLiteBus_TransactionalPublish(t *testing.T) {
	b := newTestSQLiteBus(t)
	ctx := context.Background()

	_ = b.Subscribe(ctx, testTopic, testGroup, func(ctx context.Context, env api.EventEnvelope) error {
		return nil
	})

	// Rolled back: the event must never become visible.
	tx, err := b.db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	env := api.NewEnvelope("order.created", map[string]any{"n": 1})
	if err := b.Publish(ctx, testTopic, env, api.PublishOptions{Tx: tx}); err != nil {
		t.Fatalf("transactional Publish failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	n, err := b.PollAndProcess(ctx, testTopic, testGroup, 10)
	if err != nil {
		t.Fatalf("PollAndProcess failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("rolled-back publish leaked %d events", n)
	}

	// Committed: the event flows as usual.
	tx, err = b.db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	env = api.NewEnvelope("order.created", map[string]any{"n": 2})
	if err := b.Publish(ctx, testTopic, env, api.PublishOptions{Tx: tx}); err != nil {
		t.Fatalf("transactional Publish failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	n, err = b.PollAndProcess(ctx, testTopic, testGroup, 10)
	if err != nil {
		t.Fatalf("PollAndProcess failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 event after commit, got %d", n)
	}
}

func TestSQLiteBus_Replay(t *testing.T) {
	b := newTestSQLiteBus(t)
	ctx := context.Background()

	envs := publishN(t, b, testTopic, 5)
	_ = b.Subscribe(ctx, testTopic, testGroup, func(ctx context.Context, env api.EventEnvelope) error {
		return nil
	})
	if _, err := b.PollAndProcess(ctx, testTopic, testGroup, 10); err != nil {
		t.Fatalf("PollAndProcess failed: %v", err)
	}

	var got []int64
	for env, err := range b.Replay(ctx, testTopic, api.ReplayOptions{FromSequence: 2, ToSequence: 4}) {
		if err != nil {
			t.Fatalf("Replay failed: %v", err)
		}
		got = append(got, env.Sequence)
	}
	if len(got) != 3 || got[0] != 2 || got[2] != 4 {
		t.Fatalf("expected sequences [2 3 4], got %v", got)
	}

	// Key filter narrows to a single event.
	var keyed []api.EventEnvelope
	for env, err := range b.Replay(ctx, testTopic, api.ReplayOptions{KeyFilter: envs[3].Key}) {
		if err != nil {
			t.Fatalf("keyed Replay failed: %v", err)
		}
		keyed = append(keyed, env)
	}
	if len(keyed) != 1 || keyed[0].EventID != envs[3].EventID {
		t.Fatalf("expected single keyed event %q, got %v", envs[3].EventID, keyed)
	}

	// An abandoned iteration can be restarted from scratch.
	for range b.Replay(ctx, testTopic, api.ReplayOptions{}) {
		break
	}
	count := 0
	for _, err := range b.Replay(ctx, testTopic, api.ReplayOptions{}) {
		if err != nil {
			t.Fatalf("restarted Replay failed: %v", err)
		}
		count++
	}
	if count != 5 {
		t.Fatalf("expected full restarted replay of 5 events, got %d", count)
	}

	// Replay is read-only with respect to consumer cursors.
	status, _ := b.ConsumerStatus(ctx, testTopic, testGroup)
	if status.LastOffset != 5 {
		t.Fatalf("replay moved the cursor: %d", status.LastOffset)
	}
}

func TestSQLiteBus_ReplayDeadLetter(t *testing.T) {
	b := newTestSQLiteBus(t)
	ctx := context.Background()

	envs := publishN(t, b, testTopic, 1)

	healthy := false
	_ = b.Subscribe(ctx, testTopic, testGroup, func(ctx context.Context, env api.EventEnvelope) error {
		if !healthy {
			return errors.New("still broken")
		}
		return nil
	})

	err := b.Nack(ctx, testTopic, testGroup, envs[0].EventID, api.NackReason{Code: "bad_payload"})
	if err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	// Handler still failing: the entry stays and attempts grow.
	err = b.ReplayDeadLetter(ctx, envs[0].EventID, testGroup)
	if err == nil {
		t.Fatal("expected replay to propagate the handler error")
	}
	entries, _ := b.DeadLetters(ctx, testTopic, testGroup, 10, 0)
	if len(entries) != 1 || entries[0].Attempts != 2 {
		t.Fatalf("expected attempts bumped to 2, got %+v", entries)
	}

	// Handler fixed: the entry is removed.
	healthy = true
	if err := b.ReplayDeadLetter(ctx, envs[0].EventID, testGroup); err != nil {
		t.Fatalf("ReplayDeadLetter failed: %v", err)
	}
	if n, _ := b.DeadLetterCount(ctx, testTopic, testGroup); n != 0 {
		t.Fatalf("expected empty DLQ after successful replay, got %d", n)
	}

	if err := b.ReplayDeadLetter(ctx, "no-such-event", testGroup); !errors.Is(err, api.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestSQLiteBus_ClearDeadLetters(t *testing.T) {
	b := newTestSQLiteBus(t)
	ctx := context.Background()

	envs := publishN(t, b, testTopic, 2)
	other := publishN(t, b, "payments.settled", 1)

	_ = b.Subscribe(ctx, testTopic, testGroup, func(ctx context.Context, env api.EventEnvelope) error { return nil })
	_ = b.Subscribe(ctx, "payments.settled", testGroup, func(ctx context.Context, env api.EventEnvelope) error { return nil })

	reason := api.NackReason{Code: "bad_payload"}
	_ = b.Nack(ctx, testTopic, testGroup, envs[0].EventID, reason)
	_ = b.Nack(ctx, testTopic, testGroup, envs[1].EventID, reason)
	_ = b.Nack(ctx, "payments.settled", testGroup, other[0].EventID, reason)

	// Topic-scoped clear leaves the other topic alone.
	n, err := b.ClearDeadLetters(ctx, testTopic, testGroup)
	if err != nil {
		t.Fatalf("ClearDeadLetters failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if left, _ := b.DeadLetterCount(ctx, "", testGroup); left != 1 {
		t.Fatalf("expected 1 remaining dead letter, got %d", left)
	}
}

func TestSQLiteBus_CompetingGroupsAreIndependent(t *testing.T) {
	b := newTestSQLiteBus(t)
	ctx := context.Background()

	publishN(t, b, testTopic, 4)

	ok := func(ctx context.Context, env api.EventEnvelope) error { return nil }
	_ = b.Subscribe(ctx, testTopic, "billing", ok)
	_ = b.Subscribe(ctx, testTopic, "shipping", ok)

	n1, err := b.PollAndProcess(ctx, testTopic, "billing", 10)
	if err != nil {
		t.Fatalf("billing poll failed: %v", err)
	}
	n2, err := b.PollAndProcess(ctx, testTopic, "shipping", 10)
	if err != nil {
		t.Fatalf("shipping poll failed: %v", err)
	}

	// Each group receives the full stream.
	if n1 != 4 || n2 != 4 {
		t.Fatalf("expected both groups to process 4 events, got %d and %d", n1, n2)
	}
}
