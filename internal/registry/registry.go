package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"carelink-sync-api/internal/model"
)

// EntityService is the capability set a business domain registers for one
// entity type. It is the sole seam between the generic sync machinery and
// entity-specific logic; the sync engine never special-cases a type by name.
type EntityService interface {
	// Create inserts a new entity and returns its stored representation.
	Create(ctx context.Context, data map[string]any, actorID string) (map[string]any, error)

	// Update applies data to an existing entity and returns the result.
	Update(ctx context.Context, id string, data map[string]any, actorID string) (map[string]any, error)

	// Delete removes an entity.
	Delete(ctx context.Context, id string, actorID string) error

	// FindByID returns the current entity state, or (nil, nil) when absent.
	FindByID(ctx context.Context, id string) (map[string]any, error)

	// GetVersion returns version metadata for an entity, or (nil, nil) when
	// the service does not track versions or the entity is unknown.
	GetVersion(ctx context.Context, id string) (*model.EntityVersion, error)

	// ValidateData reports whether a client payload is acceptable.
	ValidateData(data map[string]any) bool
}

// NotRegisteredError indicates a lookup for an entity type no domain
// module has registered.
type NotRegisteredError struct {
	EntityType string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("entity type %q is not registered", e.EntityType)
}

// Registry maps entity-type names to their EntityService. Safe for
// concurrent use; registration normally happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	services map[string]EntityService
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		services: make(map[string]EntityService),
	}
}

// Register binds an entity type to its service. Registering the same type
// twice replaces the previous binding.
func (r *Registry) Register(entityType string, svc EntityService) error {
	if entityType == "" {
		return fmt.Errorf("entity type must not be empty")
	}
	if svc == nil {
		return fmt.Errorf("service for %q must not be nil", entityType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[entityType] = svc
	return nil
}

// Get returns the service for an entity type, or a NotRegisteredError.
func (r *Registry) Get(entityType string) (EntityService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[entityType]
	if !ok {
		return nil, &NotRegisteredError{EntityType: entityType}
	}
	return svc, nil
}

// Has reports whether an entity type is registered.
func (r *Registry) Has(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.services[entityType]
	return ok
}

// List returns the registered entity types in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.services))
	for t := range r.services {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
