package store

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/nimbusuite/hub/pkg/errors"
)

// MemoryStore is an in-memory Store implementation. Entities are kept as
// encoded JSON so callers never share mutable state with the store. Suitable
// for tests and embedded single-process deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string][]byte),
	}
}

func (m *MemoryStore) collection(name string) map[string][]byte {
	coll, ok := m.collections[name]
	if !ok {
		coll = make(map[string][]byte)
		m.collections[name] = coll
	}
	return coll
}

// Create stores a new entity, failing if the id already exists
func (m *MemoryStore) Create(_ context.Context, collection, id string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode entity")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collection(collection)
	if _, exists := coll[id]; exists {
		return errors.New(errors.ErrorTypeConflict, fmt.Sprintf("%s/%s already exists", collection, id))
	}
	coll[id] = raw
	return nil
}

// Get decodes an entity into out
func (m *MemoryStore) Get(_ context.Context, collection, id string, out interface{}) error {
	m.mu.RLock()
	raw, ok := m.collections[collection][id]
	m.mu.RUnlock()

	if !ok {
		return errors.New(errors.ErrorTypeNotFound, fmt.Sprintf("%s/%s not found", collection, id))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "decode entity")
	}
	return nil
}

// Update replaces an existing entity
func (m *MemoryStore) Update(_ context.Context, collection, id string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode entity")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collection(collection)
	if _, exists := coll[id]; !exists {
		return errors.New(errors.ErrorTypeNotFound, fmt.Sprintf("%s/%s not found", collection, id))
	}
	coll[id] = raw
	return nil
}

// UpdateFunc applies a read-modify-write under the store lock so concurrent
// mutations of the same entity serialize instead of losing updates
func (m *MemoryStore) UpdateFunc(_ context.Context, collection, id string, fn func(raw []byte) (interface{}, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collection(collection)
	raw, ok := coll[id]
	if !ok {
		return errors.New(errors.ErrorTypeNotFound, fmt.Sprintf("%s/%s not found", collection, id))
	}

	updated, err := fn(raw)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(updated)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode entity")
	}
	coll[id] = encoded
	return nil
}

// Delete removes an entity; deleting a missing entity is not an error
func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.collections[collection], id)
	return nil
}

// Query returns the raw documents matching the filter
func (m *MemoryStore) Query(_ context.Context, collection string, filter func(raw []byte) bool) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out [][]byte
	for _, raw := range m.collections[collection] {
		if filter == nil || filter(raw) {
			cp := make([]byte, len(raw))
			copy(cp, raw)
			out = append(out, cp)
		}
	}
	return out, nil
}
