package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"
)

var (
	// ErrConsumerNotFound is returned when a (topic, group) pair is unknown.
	ErrConsumerNotFound = errors.New("consumer not found")

	// ErrEventNotFound is returned when an event ID is unknown to the topic.
	ErrEventNotFound = errors.New("event not found")

	// ErrTopicNotFound is returned when a topic has no events and no
	// subscriptions.
	ErrTopicNotFound = errors.New("topic not found")
)

// PublishError wraps a transport failure during publish. The envelope was
// not durably appended.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// SubscriptionError wraps a transport failure while creating or using a
// consumer group subscription.
type SubscriptionError struct {
	Topic   string
	GroupID string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s/%s failed: %v", e.Topic, e.GroupID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Handler processes a single delivered envelope. A nil return acknowledges
// the event; an error return nacks it as retryable.
type Handler func(ctx context.Context, env EventEnvelope) error

// PublishOptions control transport-specific publish behavior.
type PublishOptions struct {
	// Tx, when non-nil, makes the append participate in the caller's write
	// transaction. Only store-backed transports honor it; broker-backed
	// transports return a PublishError.
	Tx *sql.Tx
}

// ReplayOptions bound a replay. Zero values mean "unbounded" for that edge.
// Exactly sequence bounds or time bounds may be set, not both.
type ReplayOptions struct {
	FromSequence int64
	ToSequence   int64
	FromTime     time.Time
	ToTime       time.Time

	// KeyFilter, if non-empty, limits the replay to envelopes whose Key
	// matches exactly.
	KeyFilter string
}

// Bus is the publish/subscribe contract implemented by all four transports.
//
// Delivery is at-least-once: handlers must tolerate redelivery. Ordering is
// per topic for store-backed and single-stream transports, and per partition
// for the partitioned transport.
type Bus interface {
	// Publish durably appends the envelope before returning.
	Publish(ctx context.Context, topic string, env EventEnvelope, opts ...PublishOptions) error

	// Subscribe registers a handler for a (topic, group) pair. The
	// subscription cursor is created lazily on first call and the call is
	// idempotent thereafter; a repeated Subscribe replaces the handler.
	Subscribe(ctx context.Context, topic, groupID string, h Handler) error

	// Unsubscribe removes a handler registration. It returns
	// ErrConsumerNotFound if the pair was never subscribed.
	Unsubscribe(ctx context.Context, topic, groupID string) error

	// Ack advances the group's committed offset to max(current, sequence of
	// the event). It returns ErrEventNotFound for an unknown event ID.
	Ack(ctx context.Context, topic, groupID, eventID string) error

	// Nack rejects an event. Retryable reasons leave the offset unchanged so
	// the event is redelivered on the next poll; non-retryable reasons park
	// the event in the dead-letter store and advance past it.
	Nack(ctx context.Context, topic, groupID, eventID string, reason NackReason) error

	// PollAndProcess claims up to maxEvents uncommitted events exclusively,
	// invokes the group's handler sequentially per event, auto-acks on
	// success and auto-nacks (retryable, code "handler_error") on error.
	// It returns the number of events processed.
	PollAndProcess(ctx context.Context, topic, groupID string, maxEvents int) (int, error)

	// Replay yields envelopes matching opts in strict sequence order. It is
	// lazy and restartable, and never moves any group offset.
	Replay(ctx context.Context, topic string, opts ReplayOptions) iter.Seq2[EventEnvelope, error]

	// ConsumerStatus reports a group's committed offset, pending backlog and
	// last processing time. It returns ErrConsumerNotFound if the pair is
	// unknown.
	ConsumerStatus(ctx context.Context, topic, groupID string) (ConsumerStatus, error)

	// DeadLetters lists parked entries, optionally filtered by topic and/or
	// group, newest failures last.
	DeadLetters(ctx context.Context, topic, groupID string, limit, offset int) ([]DeadLetterEntry, error)

	// DeadLetterCount counts parked entries with the same filters.
	DeadLetterCount(ctx context.Context, topic, groupID string) (int64, error)

	// ReplayDeadLetter re-invokes the group's handler for one parked entry.
	// On success the entry is removed; on renewed failure Attempts is
	// incremented and the entry kept.
	ReplayDeadLetter(ctx context.Context, eventID, groupID string) error

	// ClearDeadLetters bulk-deletes parked entries, optionally scoped by
	// topic and/or group. It returns the number removed.
	ClearDeadLetters(ctx context.Context, topic, groupID string) (int64, error)

	// Close releases transport resources. The bus must not be used after.
	Close() error
}
