// Package store defines the persistence boundary for the Integration Hub.
// Every entity is read and written through the Store interface; the hub does
// not depend on any particular storage engine. Values cross the boundary as
// JSON so implementations are free to persist them however they like.
package store

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/nimbusuite/hub/pkg/errors"
)

// Collection names for the hub entities
const (
	CollIntegrations  = "integrations"
	CollConnections   = "connections"
	CollCredentials   = "credentials"
	CollSyncJobs      = "sync_jobs"
	CollFieldMappings = "field_mappings"
	CollWebhooks      = "webhooks"
	CollDeliveries    = "webhook_deliveries"
	CollRecords       = "records"
	CollDeadLetters   = "dead_letters"
)

// Store is a generic transactional key-value document store. UpdateFunc is
// the read-modify-write primitive: the callback runs under the entity's lock
// (or inside a transaction, for engine-backed implementations) so concurrent
// workers touching the same entity cannot lose updates.
type Store interface {
	Create(ctx context.Context, collection, id string, value interface{}) error
	Get(ctx context.Context, collection, id string, out interface{}) error
	Update(ctx context.Context, collection, id string, value interface{}) error
	UpdateFunc(ctx context.Context, collection, id string, fn func(raw []byte) (interface{}, error)) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, filter func(raw []byte) bool) ([][]byte, error)
}

// Get loads and decodes one entity
func Get[T any](ctx context.Context, s Store, collection, id string) (*T, error) {
	var v T
	if err := s.Get(ctx, collection, id, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Mutate applies a typed read-modify-write to one entity
func Mutate[T any](ctx context.Context, s Store, collection, id string, fn func(*T) error) error {
	return s.UpdateFunc(ctx, collection, id, func(raw []byte) (interface{}, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "decode stored entity")
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		return &v, nil
	})
}

// Query loads and decodes all entities matching a typed filter
func Query[T any](ctx context.Context, s Store, collection string, filter func(*T) bool) ([]*T, error) {
	raws, err := s.Query(ctx, collection, func(raw []byte) bool {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return false
		}
		return filter(&v)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "decode stored entity")
		}
		out = append(out, &v)
	}
	return out, nil
}
