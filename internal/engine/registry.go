package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/appforge/procflow/internal/domain"
)

// ErrHandlerNotFound is returned by Registry.Resolve when neither an
// explicit handler nor a built-in operation matches. The executor records
// the step as a skipped no-op rather than failing the run.
var ErrHandlerNotFound = errors.New("service handler not found")

// ServiceHandler executes one service step invocation.
type ServiceHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// CompensationHandler undoes the effect of a completed step during the
// compensation phase. result is the step's recorded result, if any.
type CompensationHandler func(ctx context.Context, runID string, result map[string]any) error

type serviceKey struct {
	entity    string
	operation string
}

// Registry maps (entity, operation) pairs to service handlers and names to
// compensation handlers. Operations without an explicit handler fall back
// to the built-in entity operations backed by the domain client.
type Registry struct {
	mu            sync.RWMutex
	services      map[serviceKey]ServiceHandler
	compensations map[string]CompensationHandler
	entities      domain.Client
}

// NewRegistry creates a Registry whose built-in operations dispatch to the
// given entity client. entities may be nil, in which case only explicitly
// registered handlers resolve.
func NewRegistry(entities domain.Client) *Registry {
	return &Registry{
		services:      make(map[serviceKey]ServiceHandler),
		compensations: make(map[string]CompensationHandler),
		entities:      entities,
	}
}

// RegisterService registers a handler for an (entity, operation) pair,
// replacing any previous registration. Explicit handlers take precedence
// over built-in operations.
func (r *Registry) RegisterService(entity, operation string, h ServiceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[serviceKey{entity, operation}] = h
}

// RegisterCompensation registers a named compensation handler.
func (r *Registry) RegisterCompensation(name string, h CompensationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compensations[name] = h
}

// Compensation looks up a compensation handler by name.
func (r *Registry) Compensation(name string) (CompensationHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.compensations[name]
	return h, ok
}

// Resolve returns the handler for an (entity, operation) pair, or a
// wrapped ErrHandlerNotFound.
func (r *Registry) Resolve(entity, operation string) (ServiceHandler, error) {
	r.mu.RLock()
	h, ok := r.services[serviceKey{entity, operation}]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	if r.entities != nil {
		if h := r.builtin(entity, operation); h != nil {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrHandlerNotFound, entity, operation)
}

func (r *Registry) builtin(entity, operation string) ServiceHandler {
	switch operation {
	case "create":
		return func(ctx context.Context, args map[string]any) (map[string]any, error) {
			attrs, _ := args["attributes"].(map[string]any)
			rec, err := r.entities.Create(ctx, entity, attrs)
			if err != nil {
				return nil, err
			}
			return map[string]any{"record": map[string]any(rec), "id": rec["id"]}, nil
		}
	case "read":
		return func(ctx context.Context, args map[string]any) (map[string]any, error) {
			rec, err := r.entities.Get(ctx, entity, stringArg(args, "id"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"record": map[string]any(rec)}, nil
		}
	case "update":
		return func(ctx context.Context, args map[string]any) (map[string]any, error) {
			attrs, _ := args["attributes"].(map[string]any)
			rec, err := r.entities.Update(ctx, entity, stringArg(args, "id"), attrs)
			if err != nil {
				return nil, err
			}
			return map[string]any{"record": map[string]any(rec)}, nil
		}
	case "delete":
		return func(ctx context.Context, args map[string]any) (map[string]any, error) {
			if err := r.entities.Delete(ctx, entity, stringArg(args, "id")); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true}, nil
		}
	case "transition":
		return func(ctx context.Context, args map[string]any) (map[string]any, error) {
			rec, err := r.entities.Transition(ctx, entity, stringArg(args, "id"), stringArg(args, "status"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"record": map[string]any(rec)}, nil
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
