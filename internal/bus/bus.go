// Package bus contains the transport backends implementing the api.Bus
// publish/subscribe contract: an embedded SQLite store, a PostgreSQL store,
// a Redis Streams broker and a partitioned Kafka broker.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/appforge/procflow/pkg/api"
)

// subKey identifies a consumer group subscription.
type subKey struct {
	topic string
	group string
}

// handlerSet is the in-process handler registry shared by all backends.
// Subscriptions are durable in the backing store; handlers are not, so each
// process re-registers its handlers on startup.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[subKey]api.Handler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[subKey]api.Handler)}
}

func (h *handlerSet) put(topic, group string, fn api.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[subKey{topic, group}] = fn
}

func (h *handlerSet) get(topic, group string) (api.Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.handlers[subKey{topic, group}]
	return fn, ok
}

func (h *handlerSet) remove(topic, group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.handlers[subKey{topic, group}]; !ok {
		return false
	}
	delete(h.handlers, subKey{topic, group})
	return true
}

// encodeEnvelope serializes an envelope without its Sequence; the sequence
// lives in the store column and is stamped back on read, so a replayed
// envelope always reports the position the store assigned.
func encodeEnvelope(env api.EventEnvelope) ([]byte, error) {
	env.Sequence = 0
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.EventID, err)
	}
	return data, nil
}

func decodeEnvelope(data []byte, seq int64) (api.EventEnvelope, error) {
	var env api.EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	env.Sequence = seq
	return env, nil
}

func encodeMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	data, err := json.Marshal(md)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	var md map[string]string
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return nil
	}
	return md
}

// handlerNack is the reason attached when PollAndProcess auto-nacks a
// failing handler.
func handlerNack(err error) api.NackReason {
	return api.NackReason{
		Code:      "handler_error",
		Message:   err.Error(),
		Retryable: true,
	}
}
