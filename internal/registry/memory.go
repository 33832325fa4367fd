package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"carelink-sync-api/internal/model"
	"carelink-sync-api/pkg/uid"
)

// InMemoryEntityService is a version-tracking EntityService backed by a
// map. It is the default binding for entity types that have no dedicated
// domain service yet, and the standard double in tests.
type InMemoryEntityService struct {
	mu       sync.RWMutex
	entities map[string]map[string]any
	versions map[string]*model.EntityVersion
}

var _ EntityService = (*InMemoryEntityService)(nil)

// NewInMemoryEntityService creates an empty in-memory entity service.
func NewInMemoryEntityService() *InMemoryEntityService {
	return &InMemoryEntityService{
		entities: make(map[string]map[string]any),
		versions: make(map[string]*model.EntityVersion),
	}
}

// Create inserts a new entity. The payload's "id" field is used when
// present, otherwise an id is generated.
func (s *InMemoryEntityService) Create(ctx context.Context, data map[string]any, actorID string) (map[string]any, error) {
	id, _ := data["id"].(string)
	if id == "" {
		id = uid.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[id]; exists {
		return nil, fmt.Errorf("entity %q already exists", id)
	}

	stored := copyPayload(data)
	stored["id"] = id
	s.entities[id] = stored
	s.versions[id] = &model.EntityVersion{
		ID:        id,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
		UpdatedBy: actorID,
		Checksum:  model.PayloadChecksum(stored),
	}

	return copyPayload(stored), nil
}

// Update overwrites an entity's fields and bumps its version.
func (s *InMemoryEntityService) Update(ctx context.Context, id string, data map[string]any, actorID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %q not found", id)
	}

	for k, v := range data {
		current[k] = v
	}
	current["id"] = id

	version := s.versions[id]
	version.Version++
	version.UpdatedAt = time.Now().UTC()
	version.UpdatedBy = actorID
	version.Checksum = model.PayloadChecksum(current)

	return copyPayload(current), nil
}

// Delete removes an entity. Deleting an absent entity is not an error.
func (s *InMemoryEntityService) Delete(ctx context.Context, id string, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entities, id)
	delete(s.versions, id)
	return nil
}

// FindByID returns a copy of the entity, or (nil, nil) when absent.
func (s *InMemoryEntityService) FindByID(ctx context.Context, id string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, ok := s.entities[id]
	if !ok {
		return nil, nil
	}
	return copyPayload(entity), nil
}

// GetVersion returns version metadata, or (nil, nil) when unknown.
func (s *InMemoryEntityService) GetVersion(ctx context.Context, id string) (*model.EntityVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	version, ok := s.versions[id]
	if !ok {
		return nil, nil
	}
	v := *version
	return &v, nil
}

// ValidateData accepts any non-nil payload.
func (s *InMemoryEntityService) ValidateData(data map[string]any) bool {
	return data != nil
}

func copyPayload(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
