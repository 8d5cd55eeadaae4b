package bus

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/appforge/procflow/pkg/api"
)

// KafkaBus is a Bus backed by a partitioned log broker.
//
// Semantics differ from the store-backed transports where the broker owns
// the primitive:
//
//   - Ordering is guaranteed only within a partition; the envelope Key
//     selects the partition via hash balancing.
//   - Competing consumers use broker-native consumer-group rebalancing;
//     offsets are committed manually, only after successful handling.
//   - Non-retryable failures are redirected to a per-topic dead-letter
//     topic ("<topic>.dlt") instead of a DLQ table. Dead-letter topics are
//     append-only, so ClearDeadLetters is unsupported and a replayed entry
//     remains in the log.
//
// Sequence on delivered envelopes is the partition offset.
type KafkaBus struct {
	brokers   []string
	writer    *kafka.Writer
	client    *kafka.Client
	handlers  *handlerSet
	logger    *slog.Logger
	dltSuffix string
	pollWait  time.Duration

	mu        sync.Mutex
	readers   map[subKey]*kafka.Reader
	delivered map[subKey]map[string]kafka.Message
}

var _ api.Bus = (*KafkaBus)(nil)

// KafkaBusOptions tune a KafkaBus.
type KafkaBusOptions struct {
	// DLTSuffix is appended to a topic name to form its dead-letter topic.
	// Defaults to ".dlt".
	DLTSuffix string

	// PollWait bounds how long a single PollAndProcess waits for the first
	// message. Defaults to 500ms.
	PollWait time.Duration
}

// NewKafkaBus creates a KafkaBus connected to the given brokers.
func NewKafkaBus(brokers []string, logger *slog.Logger, opts ...KafkaBusOptions) *KafkaBus {
	var o KafkaBusOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.DLTSuffix == "" {
		o.DLTSuffix = ".dlt"
	}
	if o.PollWait <= 0 {
		o.PollWait = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaBus{
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		client:    &kafka.Client{Addr: kafka.TCP(brokers...)},
		handlers:  newHandlerSet(),
		logger:    logger,
		dltSuffix: o.DLTSuffix,
		pollWait:  o.PollWait,
		readers:   make(map[subKey]*kafka.Reader),
		delivered: make(map[subKey]map[string]kafka.Message),
	}
}

func (b *KafkaBus) deadLetterTopic(topic string) string {
	return topic + b.dltSuffix
}

func (b *KafkaBus) Publish(ctx context.Context, topic string, env api.EventEnvelope, opts ...api.PublishOptions) error {
	if len(opts) > 0 && opts[0].Tx != nil {
		return &api.PublishError{Topic: topic, Err: errors.New("transactional publish requires a store-backed transport")}
	}

	data, err := encodeEnvelope(env)
	if err != nil {
		return &api.PublishError{Topic: topic, Err: err}
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(env.Key),
		Value: data,
		Time:  ts,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(env.EventID)},
			{Key: "event_type", Value: []byte(env.EventType)},
		},
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return &api.PublishError{Topic: topic, Err: err}
	}
	return nil
}

func (b *KafkaBus) newReader(topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
}

func (b *KafkaBus) Subscribe(ctx context.Context, topic, groupID string, h api.Handler) error {
	key := subKey{topic, groupID}

	b.mu.Lock()
	if _, ok := b.readers[key]; !ok {
		b.readers[key] = b.newReader(topic, groupID)
		b.delivered[key] = make(map[string]kafka.Message)
	}
	b.mu.Unlock()

	b.handlers.put(topic, groupID, h)
	return nil
}

func (b *KafkaBus) Unsubscribe(ctx context.Context, topic, groupID string) error {
	if !b.handlers.remove(topic, groupID) {
		return api.ErrConsumerNotFound
	}

	key := subKey{topic, groupID}
	b.mu.Lock()
	r := b.readers[key]
	delete(b.readers, key)
	delete(b.delivered, key)
	b.mu.Unlock()

	if r != nil {
		return r.Close()
	}
	return nil
}

func (b *KafkaBus) reader(topic, groupID string) (*kafka.Reader, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.readers[subKey{topic, groupID}]
	return r, ok
}

// resetReader drops the group session so uncommitted fetches are redelivered
// from the last committed offset on the next poll.
func (b *KafkaBus) resetReader(topic, groupID string) {
	key := subKey{topic, groupID}
	b.mu.Lock()
	if r, ok := b.readers[key]; ok {
		_ = r.Close()
		b.readers[key] = b.newReader(topic, groupID)
	}
	b.mu.Unlock()
}

func (b *KafkaBus) remember(topic, groupID string, msg kafka.Message, eventID string) {
	key := subKey{topic, groupID}
	b.mu.Lock()
	if m, ok := b.delivered[key]; ok {
		// Bounded: the cache only needs to cover in-flight deliveries.
		if len(m) > 4096 {
			clear(m)
		}
		m[eventID] = msg
	}
	b.mu.Unlock()
}

func (b *KafkaBus) recall(topic, groupID, eventID string) (kafka.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.delivered[subKey{topic, groupID}]
	if !ok {
		return kafka.Message{}, false
	}
	msg, ok := m[eventID]
	return msg, ok
}

func (b *KafkaBus) Ack(ctx context.Context, topic, groupID, eventID string) error {
	r, ok := b.reader(topic, groupID)
	if !ok {
		return api.ErrConsumerNotFound
	}
	msg, ok := b.recall(topic, groupID, eventID)
	if !ok {
		return api.ErrEventNotFound
	}
	return r.CommitMessages(ctx, msg)
}

func (b *KafkaBus) Nack(ctx context.Context, topic, groupID, eventID string, reason api.NackReason) error {
	r, ok := b.reader(topic, groupID)
	if !ok {
		return api.ErrConsumerNotFound
	}
	msg, ok := b.recall(topic, groupID, eventID)
	if !ok {
		return api.ErrEventNotFound
	}
	if reason.Retryable {
		// Not committed: redelivered after the group session resets.
		b.resetReader(topic, groupID)
		return nil
	}

	// Redirect to the dead-letter topic, then advance past the event.
	dlt := kafka.Message{
		Topic: b.deadLetterTopic(topic),
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(eventID)},
			{Key: "group_id", Value: []byte(groupID)},
			{Key: "reason_code", Value: []byte(reason.Code)},
			{Key: "reason_message", Value: []byte(reason.Message)},
			{Key: "source_topic", Value: []byte(topic)},
		},
	}
	if err := b.writer.WriteMessages(ctx, dlt); err != nil {
		return &api.PublishError{Topic: dlt.Topic, Err: err}
	}
	return r.CommitMessages(ctx, msg)
}

func (b *KafkaBus) PollAndProcess(ctx context.Context, topic, groupID string, maxEvents int) (int, error) {
	handler, ok := b.handlers.get(topic, groupID)
	if !ok {
		return 0, api.ErrConsumerNotFound
	}
	r, ok := b.reader(topic, groupID)
	if !ok {
		return 0, api.ErrConsumerNotFound
	}
	if maxEvents <= 0 {
		return 0, nil
	}

	processed := 0
	for processed < maxEvents {
		fetchCtx, cancel := context.WithTimeout(ctx, b.pollWait)
		msg, err := r.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return processed, nil
			}
			return processed, err
		}

		env, err := decodeEnvelope(msg.Value, msg.Offset)
		if err != nil {
			return processed, err
		}
		b.remember(topic, groupID, msg, env.EventID)

		if err := handler(ctx, env); err != nil {
			// Auto-nack, retryable: leave the offset uncommitted and reset
			// the group session so the event comes back.
			b.logger.Warn("handler failed, event will be redelivered",
				"topic", topic,
				"group", groupID,
				"event_id", env.EventID,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			b.resetReader(topic, groupID)
			return processed, nil
		}

		if err := r.CommitMessages(ctx, msg); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// partitions lists the partition IDs of a topic.
func (b *KafkaBus) partitions(ctx context.Context, topic string) ([]int, error) {
	meta, err := b.client.Metadata(ctx, &kafka.MetadataRequest{
		Topics: []string{topic},
	})
	if err != nil {
		return nil, err
	}
	for _, t := range meta.Topics {
		if t.Name != topic {
			continue
		}
		if t.Error != nil {
			if errors.Is(t.Error, kafka.UnknownTopicOrPartition) {
				return nil, api.ErrTopicNotFound
			}
			return nil, t.Error
		}
		ids := make([]int, 0, len(t.Partitions))
		for _, p := range t.Partitions {
			ids = append(ids, p.ID)
		}
		return ids, nil
	}
	return nil, api.ErrTopicNotFound
}

// partitionBounds returns (first, last) offsets per partition.
func (b *KafkaBus) partitionBounds(ctx context.Context, topic string, ids []int) (map[int][2]int64, error) {
	reqs := make([]kafka.OffsetRequest, 0, len(ids)*2)
	for _, id := range ids {
		reqs = append(reqs, kafka.FirstOffsetOf(id), kafka.LastOffsetOf(id))
	}
	resp, err := b.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{topic: reqs},
	})
	if err != nil {
		return nil, err
	}

	bounds := make(map[int][2]int64, len(ids))
	for _, po := range resp.Topics[topic] {
		if po.Error != nil {
			return nil, po.Error
		}
		bounds[po.Partition] = [2]int64{po.FirstOffset, po.LastOffset}
	}
	return bounds, nil
}

// replayTopic yields every record of a topic partition by partition. Order
// is per partition only, matching the transport's delivery guarantee.
func (b *KafkaBus) replayTopic(ctx context.Context, topic string, opts api.ReplayOptions, yield func(api.EventEnvelope, error) bool) {
	ids, err := b.partitions(ctx, topic)
	if err != nil {
		yield(api.EventEnvelope{}, err)
		return
	}
	bounds, err := b.partitionBounds(ctx, topic, ids)
	if err != nil {
		yield(api.EventEnvelope{}, err)
		return
	}

	for _, id := range ids {
		first, last := bounds[id][0], bounds[id][1]
		if first >= last {
			continue
		}

		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   b.brokers,
			Topic:     topic,
			Partition: id,
			MinBytes:  1,
			MaxBytes:  10e6,
			MaxWait:   250 * time.Millisecond,
		})

		start := first
		if opts.FromSequence > 0 && opts.FromSequence > start {
			start = opts.FromSequence
		}
		if !opts.FromTime.IsZero() {
			if err := r.SetOffsetAt(ctx, opts.FromTime); err != nil {
				r.Close()
				yield(api.EventEnvelope{}, err)
				return
			}
		} else if err := r.SetOffset(start); err != nil {
			r.Close()
			yield(api.EventEnvelope{}, err)
			return
		}

		for {
			if opts.ToSequence > 0 && r.Offset() > opts.ToSequence {
				break
			}
			if r.Offset() >= last {
				break
			}
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				r.Close()
				yield(api.EventEnvelope{}, err)
				return
			}
			env, err := decodeEnvelope(msg.Value, msg.Offset)
			if err != nil {
				r.Close()
				yield(api.EventEnvelope{}, err)
				return
			}
			if !opts.ToTime.IsZero() && env.Timestamp.After(opts.ToTime) {
				continue
			}
			if opts.KeyFilter != "" && env.Key != opts.KeyFilter {
				continue
			}
			if !yield(env, nil) {
				r.Close()
				return
			}
		}
		r.Close()
	}
}

func (b *KafkaBus) Replay(ctx context.Context, topic string, opts api.ReplayOptions) iter.Seq2[api.EventEnvelope, error] {
	return func(yield func(api.EventEnvelope, error) bool) {
		b.replayTopic(ctx, topic, opts, yield)
	}
}

func (b *KafkaBus) ConsumerStatus(ctx context.Context, topic, groupID string) (api.ConsumerStatus, error) {
	status := api.ConsumerStatus{Topic: topic, GroupID: groupID}

	if _, ok := b.handlers.get(topic, groupID); !ok {
		return status, api.ErrConsumerNotFound
	}

	ids, err := b.partitions(ctx, topic)
	if err != nil {
		return status, err
	}
	bounds, err := b.partitionBounds(ctx, topic, ids)
	if err != nil {
		return status, err
	}

	fetch, err := b.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: groupID,
		Topics:  map[string][]int{topic: ids},
	})
	if err != nil {
		return status, err
	}

	committed := make(map[int]int64, len(ids))
	for _, p := range fetch.Topics[topic] {
		committed[p.Partition] = p.CommittedOffset
	}

	// LastOffset is the highest committed partition offset; PendingCount is
	// the total lag across partitions.
	var pending int64
	for _, id := range ids {
		c := committed[id]
		if c < 0 {
			c = bounds[id][0]
		}
		if lag := bounds[id][1] - c; lag > 0 {
			pending += lag
		}
		if c > status.LastOffset {
			status.LastOffset = c
		}
	}
	status.PendingCount = pending
	return status, nil
}

// DeadLetters scans the topic's dead-letter topic. The topic filter is
// required: dead letters live per source topic, not in a shared table.
func (b *KafkaBus) DeadLetters(ctx context.Context, topic, groupID string, limit, offset int) ([]api.DeadLetterEntry, error) {
	if topic == "" {
		return nil, fmt.Errorf("kafka dead letters require a topic filter: %w", errors.ErrUnsupported)
	}

	var entries []api.DeadLetterEntry
	skip := offset
	for env, err := range b.Replay(ctx, b.deadLetterTopic(topic), api.ReplayOptions{}) {
		if err != nil {
			// A missing dead-letter topic simply means nothing has failed.
			if errors.Is(err, api.ErrTopicNotFound) {
				return entries, nil
			}
			return nil, err
		}
		if skip > 0 {
			skip--
			continue
		}
		entries = append(entries, api.DeadLetterEntry{
			EventID:       env.EventID,
			GroupID:       groupID,
			Topic:         topic,
			Envelope:      env,
			ReasonCode:    "dead_lettered",
			Attempts:      1,
			LastFailedAt:  env.Timestamp,
			FirstFailedAt: env.Timestamp,
		})
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func (b *KafkaBus) DeadLetterCount(ctx context.Context, topic, groupID string) (int64, error) {
	if topic == "" {
		return 0, fmt.Errorf("kafka dead letter count requires a topic filter: %w", errors.ErrUnsupported)
	}

	dlt := b.deadLetterTopic(topic)
	ids, err := b.partitions(ctx, dlt)
	if err != nil {
		if errors.Is(err, api.ErrTopicNotFound) {
			return 0, nil
		}
		return 0, err
	}
	bounds, err := b.partitionBounds(ctx, dlt, ids)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, id := range ids {
		n += bounds[id][1] - bounds[id][0]
	}
	return n, nil
}

// ReplayDeadLetter re-invokes the group handler for a dead-lettered event.
// The dead-letter topic is append-only, so a successful replay does not
// remove the record from the log.
func (b *KafkaBus) ReplayDeadLetter(ctx context.Context, eventID, groupID string) error {
	b.mu.Lock()
	topics := make([]string, 0, len(b.readers))
	for key := range b.readers {
		if key.group == groupID {
			topics = append(topics, key.topic)
		}
	}
	b.mu.Unlock()

	for _, topic := range topics {
		handler, ok := b.handlers.get(topic, groupID)
		if !ok {
			continue
		}
		for env, err := range b.Replay(ctx, b.deadLetterTopic(topic), api.ReplayOptions{}) {
			if err != nil {
				if errors.Is(err, api.ErrTopicNotFound) {
					break
				}
				return err
			}
			if env.EventID != eventID {
				continue
			}
			if herr := handler(ctx, env); herr != nil {
				return fmt.Errorf("replay handler: %w", herr)
			}
			return nil
		}
	}
	return api.ErrEventNotFound
}

// ClearDeadLetters is unsupported: dead-letter topics are append-only logs.
func (b *KafkaBus) ClearDeadLetters(ctx context.Context, topic, groupID string) (int64, error) {
	return 0, fmt.Errorf("kafka dead-letter topics cannot be cleared: %w", errors.ErrUnsupported)
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for key, r := range b.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.readers, key)
	}
	if err := b.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
