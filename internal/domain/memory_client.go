package domain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/appforge/procflow/pkg/api"
)

// MemoryClient is an in-process Client backed by plain maps. It validates
// attributes and status transitions against the entity metadata registered
// in its MetaSource.
type MemoryClient struct {
	metas  MetaSource
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]map[string]Record // entity -> id -> record
}

var _ Client = (*MemoryClient)(nil)

// NewMemoryClient creates a MemoryClient. metas may be nil, in which case no
// validation happens.
func NewMemoryClient(metas MetaSource, logger *slog.Logger) *MemoryClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryClient{
		metas:   metas,
		logger:  logger,
		records: make(map[string]map[string]Record),
	}
}

func (c *MemoryClient) meta(ctx context.Context, entity string) (api.EntityMeta, bool) {
	if c.metas == nil {
		return api.EntityMeta{}, false
	}
	m, err := c.metas.GetEntityMeta(ctx, entity)
	if err != nil {
		return api.EntityMeta{}, false
	}
	return m, true
}

// validateAttrs rejects attributes not declared in the entity metadata.
// Entities without declared fields accept anything.
func (c *MemoryClient) validateAttrs(ctx context.Context, entity string, attrs map[string]any) error {
	m, ok := c.meta(ctx, entity)
	if !ok || len(m.Fields) == 0 {
		return nil
	}
	known := make(map[string]struct{}, len(m.Fields)+2)
	for _, f := range m.Fields {
		known[f] = struct{}{}
	}
	known["id"] = struct{}{}
	known["status"] = struct{}{}
	for k := range attrs {
		if _, ok := known[k]; !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, entity, k)
		}
	}
	return nil
}

func (c *MemoryClient) Create(ctx context.Context, entity string, attrs map[string]any) (Record, error) {
	if err := c.validateAttrs(ctx, entity, attrs); err != nil {
		return nil, err
	}

	rec := make(Record, len(attrs)+2)
	for k, v := range attrs {
		rec[k] = v
	}
	if _, ok := rec["id"]; !ok {
		rec["id"] = uuid.NewString()
	}
	rec["created_at"] = time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.records[entity]
	if byID == nil {
		byID = make(map[string]Record)
		c.records[entity] = byID
	}
	id := fmt.Sprint(rec["id"])
	byID[id] = rec
	return cloneRecord(rec), nil
}

func (c *MemoryClient) Get(ctx context.Context, entity, id string) (Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[entity][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, entity, id)
	}
	return cloneRecord(rec), nil
}

func (c *MemoryClient) Update(ctx context.Context, entity, id string, attrs map[string]any) (Record, error) {
	if err := c.validateAttrs(ctx, entity, attrs); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[entity][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, entity, id)
	}
	for k, v := range attrs {
		if k == "id" {
			continue
		}
		rec[k] = v
	}
	rec["updated_at"] = time.Now().UTC()
	return cloneRecord(rec), nil
}

func (c *MemoryClient) Delete(ctx context.Context, entity, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[entity][id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, entity, id)
	}
	delete(c.records[entity], id)
	return nil
}

func (c *MemoryClient) Transition(ctx context.Context, entity, id, status string) (Record, error) {
	m, hasMeta := c.meta(ctx, entity)

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[entity][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, entity, id)
	}

	current, _ := rec["status"].(string)
	if hasMeta && len(m.Transitions) > 0 {
		allowed := m.Transitions[current]
		found := false
		for _, s := range allowed {
			if s == status {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s %q -> %q", ErrInvalidTransition, entity, current, status)
		}
	}

	rec["status"] = status
	rec["updated_at"] = time.Now().UTC()
	return cloneRecord(rec), nil
}

func (c *MemoryClient) List(ctx context.Context, entity string, filters map[string]any, limit, offset int) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Record
	for _, rec := range c.records[entity] {
		if matchesFilters(rec, filters) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]["id"]) < fmt.Sprint(out[j]["id"])
	})

	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func matchesFilters(rec Record, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := rec[k]
		if !ok {
			return false
		}
		if !matchValue(got, want) {
			return false
		}
	}
	return true
}

func matchValue(got, want any) bool {
	switch w := want.(type) {
	case timeRange:
		t, ok := got.(time.Time)
		if !ok {
			return false
		}
		return !t.Before(w.from) && t.Before(w.to)
	case time.Time:
		t, ok := got.(time.Time)
		if !ok {
			return false
		}
		return t.Equal(w)
	default:
		return fmt.Sprint(got) == fmt.Sprint(want)
	}
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
