package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/appforge/procflow/pkg/api"
)

// RedisBus is a Bus backed by Redis Streams.
//
// Key layout (prefix defaults to "procflow:"):
//
//	<prefix>stream:<topic>        => stream of envelopes
//	<prefix>seq:<topic>           => INCR counter assigning Sequence
//	<prefix>ids:<topic>           => HASH event_id -> "<stream id>|<seq>"
//	<prefix>group:<topic>:<group> => HASH last_seq / last_processed_at
//	<prefix>dlq                   => HASH "<event_id>|<group>" -> json entry
//
// Crash recovery relies on the stream's pending-entries list: events fetched
// but never acked stay pending, and each poll starts with an XAUTOCLAIM pass
// that reassigns entries idle past the visibility timeout to the calling
// consumer.
type RedisBus struct {
	client   *redis.Client
	prefix   string
	consumer string
	handlers *handlerSet
	logger   *slog.Logger

	// visibility is how long a delivered-but-unacked entry may sit idle
	// before a reclaim pass takes it over.
	visibility time.Duration
}

var _ api.Bus = (*RedisBus)(nil)

// RedisBusOptions tune a RedisBus.
type RedisBusOptions struct {
	// Prefix namespaces all keys. Defaults to "procflow:".
	Prefix string

	// VisibilityTimeout is the idle time after which a pending entry is
	// reclaimed. Defaults to 30s.
	VisibilityTimeout time.Duration
}

// NewRedisBus creates a RedisBus on the given client. The client is owned by
// the caller and is not closed by Close.
func NewRedisBus(client *redis.Client, logger *slog.Logger, opts ...RedisBusOptions) *RedisBus {
	var o RedisBusOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Prefix == "" {
		o.Prefix = "procflow:"
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client:     client,
		prefix:     o.Prefix,
		consumer:   "consumer-" + uuid.NewString(),
		handlers:   newHandlerSet(),
		logger:     logger,
		visibility: o.VisibilityTimeout,
	}
}

func (b *RedisBus) keyStream(topic string) string { return b.prefix + "stream:" + topic }
func (b *RedisBus) keySeq(topic string) string    { return b.prefix + "seq:" + topic }
func (b *RedisBus) keyIDs(topic string) string    { return b.prefix + "ids:" + topic }
func (b *RedisBus) keyDLQ() string                { return b.prefix + "dlq" }

func (b *RedisBus) keyGroup(topic, groupID string) string {
	return b.prefix + "group:" + topic + ":" + groupID
}

func dlqField(eventID, groupID string) string {
	return eventID + "|" + groupID
}

func (b *RedisBus) Publish(ctx context.Context, topic string, env api.EventEnvelope, opts ...api.PublishOptions) error {
	if len(opts) > 0 && opts[0].Tx != nil {
		return &api.PublishError{Topic: topic, Err: errors.New("transactional publish requires a store-backed transport")}
	}

	seq, err := b.client.Incr(ctx, b.keySeq(topic)).Result()
	if err != nil {
		return &api.PublishError{Topic: topic, Err: err}
	}

	data, err := encodeEnvelope(env)
	if err != nil {
		return &api.PublishError{Topic: topic, Err: err}
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.keyStream(topic),
		Values: map[string]any{
			"event_id": env.EventID,
			"seq":      seq,
			"key":      env.Key,
			"envelope": data,
		},
	}).Result()
	if err != nil {
		return &api.PublishError{Topic: topic, Err: err}
	}

	return b.client.HSet(ctx, b.keyIDs(topic), env.EventID, id+"|"+strconv.FormatInt(seq, 10)).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic, groupID string, h api.Handler) error {
	err := b.client.XGroupCreateMkStream(ctx, b.keyStream(topic), groupID, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return &api.SubscriptionError{Topic: topic, GroupID: groupID, Err: err}
	}
	if err := b.client.HSetNX(ctx, b.keyGroup(topic, groupID), "last_seq", 0).Err(); err != nil {
		return &api.SubscriptionError{Topic: topic, GroupID: groupID, Err: err}
	}
	b.handlers.put(topic, groupID, h)
	return nil
}

func (b *RedisBus) Unsubscribe(ctx context.Context, topic, groupID string) error {
	if !b.handlers.remove(topic, groupID) {
		return api.ErrConsumerNotFound
	}
	return nil
}

// lookupEvent resolves an event ID to its stream entry ID and sequence.
func (b *RedisBus) lookupEvent(ctx context.Context, topic, eventID string) (string, int64, error) {
	val, err := b.client.HGet(ctx, b.keyIDs(topic), eventID).Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, api.ErrEventNotFound
	}
	if err != nil {
		return "", 0, err
	}
	streamID, seqStr, ok := strings.Cut(val, "|")
	if !ok {
		return "", 0, fmt.Errorf("corrupt id index entry %q", val)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("corrupt id index entry %q: %w", val, err)
	}
	return streamID, seq, nil
}

// commit acks the stream entry and advances the group's committed sequence.
func (b *RedisBus) commit(ctx context.Context, topic, groupID, streamID string, seq int64) error {
	if err := b.client.XAck(ctx, b.keyStream(topic), groupID, streamID).Err(); err != nil {
		return err
	}

	key := b.keyGroup(topic, groupID)
	cur, err := b.client.HGet(ctx, key, "last_seq").Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if seq > cur {
		cur = seq
	}
	return b.client.HSet(ctx, key,
		"last_seq", cur,
		"last_processed_at", time.Now().UnixNano(),
	).Err()
}

func (b *RedisBus) Ack(ctx context.Context, topic, groupID, eventID string) error {
	streamID, seq, err := b.lookupEvent(ctx, topic, eventID)
	if err != nil {
		return err
	}
	return b.commit(ctx, topic, groupID, streamID, seq)
}

func (b *RedisBus) Nack(ctx context.Context, topic, groupID, eventID string, reason api.NackReason) error {
	streamID, seq, err := b.lookupEvent(ctx, topic, eventID)
	if err != nil {
		return err
	}
	if reason.Retryable {
		// Leave the entry pending; the reclaim pass redelivers it.
		return nil
	}

	env, err := b.readEntry(ctx, topic, streamID)
	if err != nil {
		return err
	}

	if err := b.upsertDeadLetter(ctx, topic, groupID, env, reason); err != nil {
		return err
	}
	return b.commit(ctx, topic, groupID, streamID, seq)
}

func (b *RedisBus) readEntry(ctx context.Context, topic, streamID string) (api.EventEnvelope, error) {
	msgs, err := b.client.XRange(ctx, b.keyStream(topic), streamID, streamID).Result()
	if err != nil {
		return api.EventEnvelope{}, err
	}
	if len(msgs) == 0 {
		return api.EventEnvelope{}, api.ErrEventNotFound
	}
	return decodeStreamMessage(msgs[0])
}

func (b *RedisBus) upsertDeadLetter(ctx context.Context, topic, groupID string, env api.EventEnvelope, reason api.NackReason) error {
	field := dlqField(env.EventID, groupID)
	now := time.Now()

	entry := api.DeadLetterEntry{
		EventID:        env.EventID,
		GroupID:        groupID,
		Topic:          topic,
		Envelope:       env,
		ReasonCode:     reason.Code,
		ReasonMessage:  reason.Message,
		ReasonMetadata: reason.Metadata,
		Attempts:       1,
		FirstFailedAt:  now,
		LastFailedAt:   now,
	}

	if raw, err := b.client.HGet(ctx, b.keyDLQ(), field).Result(); err == nil {
		var prev api.DeadLetterEntry
		if jerr := json.Unmarshal([]byte(raw), &prev); jerr == nil {
			entry.Attempts = prev.Attempts + 1
			entry.FirstFailedAt = prev.FirstFailedAt
		}
	} else if !errors.Is(err, redis.Nil) {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.client.HSet(ctx, b.keyDLQ(), field, data).Err()
}

func decodeStreamMessage(msg redis.XMessage) (api.EventEnvelope, error) {
	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		return api.EventEnvelope{}, fmt.Errorf("stream entry %s has no envelope field", msg.ID)
	}
	var seq int64
	if s, ok := msg.Values["seq"].(string); ok {
		seq, _ = strconv.ParseInt(s, 10, 64)
	}
	return decodeEnvelope([]byte(raw), seq)
}

func (b *RedisBus) PollAndProcess(ctx context.Context, topic, groupID string, maxEvents int) (int, error) {
	handler, ok := b.handlers.get(topic, groupID)
	if !ok {
		return 0, api.ErrConsumerNotFound
	}
	if maxEvents <= 0 {
		return 0, nil
	}

	stream := b.keyStream(topic)
	processed := 0

	process := func(msg redis.XMessage) (bool, error) {
		env, err := decodeStreamMessage(msg)
		if err != nil {
			return false, err
		}
		if err := handler(ctx, env); err != nil {
			// Auto-nack, retryable: the entry stays in the pending list and
			// is redelivered by a later reclaim pass.
			b.logger.Warn("handler failed, event stays pending",
				"topic", topic,
				"group", groupID,
				"event_id", env.EventID,
				"reason", handlerNack(err).Code,
				"error", err,
			)
			return false, nil
		}
		if err := b.commit(ctx, topic, groupID, msg.ID, env.Sequence); err != nil {
			return false, err
		}
		processed++
		return true, nil
	}

	// Reclaim pass: take over entries idle past the visibility timeout,
	// whichever consumer originally fetched them.
	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    groupID,
		Consumer: b.consumer,
		MinIdle:  b.visibility,
		Start:    "0-0",
		Count:    int64(maxEvents),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	for _, msg := range claimed {
		okNext, err := process(msg)
		if err != nil {
			return processed, err
		}
		if !okNext || processed >= maxEvents {
			return processed, nil
		}
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupID,
		Consumer: b.consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(maxEvents - processed),
		Block:    10 * time.Millisecond,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return processed, nil
		}
		return processed, err
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			okNext, err := process(msg)
			if err != nil {
				return processed, err
			}
			if !okNext || processed >= maxEvents {
				return processed, nil
			}
		}
	}
	return processed, nil
}

func (b *RedisBus) Replay(ctx context.Context, topic string, opts api.ReplayOptions) iter.Seq2[api.EventEnvelope, error] {
	return func(yield func(api.EventEnvelope, error) bool) {
		msgs, err := b.client.XRange(ctx, b.keyStream(topic), "-", "+").Result()
		if err != nil {
			yield(api.EventEnvelope{}, err)
			return
		}

		for _, msg := range msgs {
			env, err := decodeStreamMessage(msg)
			if err != nil {
				yield(api.EventEnvelope{}, err)
				return
			}
			if opts.FromSequence > 0 && env.Sequence < opts.FromSequence {
				continue
			}
			if opts.ToSequence > 0 && env.Sequence > opts.ToSequence {
				break
			}
			if !opts.FromTime.IsZero() && env.Timestamp.Before(opts.FromTime) {
				continue
			}
			if !opts.ToTime.IsZero() && env.Timestamp.After(opts.ToTime) {
				continue
			}
			if opts.KeyFilter != "" && env.Key != opts.KeyFilter {
				continue
			}
			if !yield(env, nil) {
				return
			}
		}
	}
}

func (b *RedisBus) ConsumerStatus(ctx context.Context, topic, groupID string) (api.ConsumerStatus, error) {
	status := api.ConsumerStatus{Topic: topic, GroupID: groupID}

	meta, err := b.client.HGetAll(ctx, b.keyGroup(topic, groupID)).Result()
	if err != nil {
		return status, err
	}
	if len(meta) == 0 {
		return status, api.ErrConsumerNotFound
	}

	lastSeq, _ := strconv.ParseInt(meta["last_seq"], 10, 64)
	status.LastOffset = lastSeq

	total, err := b.client.Get(ctx, b.keySeq(topic)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return status, err
	}
	status.PendingCount = total - lastSeq

	if ns, err := strconv.ParseInt(meta["last_processed_at"], 10, 64); err == nil && ns > 0 {
		status.LastProcessedAt = time.Unix(0, ns)
	}
	return status, nil
}

// dlqEntries loads and filters the dead-letter hash. The DLQ is an
// inspection surface, not a hot path, so a full scan is acceptable.
func (b *RedisBus) dlqEntries(ctx context.Context, topic, groupID string) ([]api.DeadLetterEntry, error) {
	all, err := b.client.HGetAll(ctx, b.keyDLQ()).Result()
	if err != nil {
		return nil, err
	}

	var entries []api.DeadLetterEntry
	for _, raw := range all {
		var e api.DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if topic != "" && e.Topic != topic {
			continue
		}
		if groupID != "" && e.GroupID != groupID {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastFailedAt.Before(entries[j].LastFailedAt)
	})
	return entries, nil
}

func (b *RedisBus) DeadLetters(ctx context.Context, topic, groupID string, limit, offset int) ([]api.DeadLetterEntry, error) {
	entries, err := b.dlqEntries(ctx, topic, groupID)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if offset >= len(entries) {
			return nil, nil
		}
		entries = entries[offset:]
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

func (b *RedisBus) DeadLetterCount(ctx context.Context, topic, groupID string) (int64, error) {
	entries, err := b.dlqEntries(ctx, topic, groupID)
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

func (b *RedisBus) ReplayDeadLetter(ctx context.Context, eventID, groupID string) error {
	field := dlqField(eventID, groupID)
	raw, err := b.client.HGet(ctx, b.keyDLQ(), field).Result()
	if errors.Is(err, redis.Nil) {
		return api.ErrEventNotFound
	}
	if err != nil {
		return err
	}

	var entry api.DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return err
	}

	handler, ok := b.handlers.get(entry.Topic, groupID)
	if !ok {
		return api.ErrConsumerNotFound
	}

	if err := handler(ctx, entry.Envelope); err != nil {
		entry.Attempts++
		entry.ReasonMessage = err.Error()
		entry.LastFailedAt = time.Now()
		data, merr := json.Marshal(entry)
		if merr != nil {
			return merr
		}
		if herr := b.client.HSet(ctx, b.keyDLQ(), field, data).Err(); herr != nil {
			return herr
		}
		return fmt.Errorf("replay handler: %w", err)
	}

	return b.client.HDel(ctx, b.keyDLQ(), field).Err()
}

func (b *RedisBus) ClearDeadLetters(ctx context.Context, topic, groupID string) (int64, error) {
	if topic == "" && groupID == "" {
		all, err := b.client.HKeys(ctx, b.keyDLQ()).Result()
		if err != nil || len(all) == 0 {
			return 0, err
		}
		if err := b.client.HDel(ctx, b.keyDLQ(), all...).Err(); err != nil {
			return 0, err
		}
		return int64(len(all)), nil
	}

	entries, err := b.dlqEntries(ctx, topic, groupID)
	if err != nil || len(entries) == 0 {
		return 0, err
	}
	fields := make([]string, 0, len(entries))
	for _, e := range entries {
		fields = append(fields, dlqField(e.EventID, e.GroupID))
	}
	if err := b.client.HDel(ctx, b.keyDLQ(), fields...).Err(); err != nil {
		return 0, err
	}
	return int64(len(fields)), nil
}

// Close is a no-op: the Redis client is owned by the caller.
func (b *RedisBus) Close() error {
	return nil
}
