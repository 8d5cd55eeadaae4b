// Package domain provides the business-entity collaborator the engine's
// built-in service operations and query steps run against.
package domain

import (
	"context"
	"errors"

	"github.com/appforge/procflow/pkg/api"
)

var (
	// ErrRecordNotFound is returned when an entity record does not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrUnknownField is returned when an attribute is not declared in the
	// entity's metadata.
	ErrUnknownField = errors.New("unknown field")

	// ErrInvalidTransition is returned when a status change is not permitted
	// by the entity's transition table.
	ErrInvalidTransition = errors.New("invalid transition")
)

// Record is one stored entity instance. The "id" and "status" keys are
// managed by the client.
type Record map[string]any

// Client is the entity backend the engine dispatches built-in operations to.
type Client interface {
	Create(ctx context.Context, entity string, attrs map[string]any) (Record, error)
	Get(ctx context.Context, entity, id string) (Record, error)
	Update(ctx context.Context, entity, id string, attrs map[string]any) (Record, error)
	Delete(ctx context.Context, entity, id string) error

	// Transition moves a record to a new status, honoring the entity's
	// permitted transitions.
	Transition(ctx context.Context, entity, id, status string) (Record, error)

	// List returns records matching the given equality filters. Filters must
	// already be resolved (see ResolveFilters).
	List(ctx context.Context, entity string, filters map[string]any, limit, offset int) ([]Record, error)
}

// MetaSource looks up entity metadata. persistence.Store satisfies it.
type MetaSource interface {
	GetEntityMeta(ctx context.Context, entity string) (api.EntityMeta, error)
}
