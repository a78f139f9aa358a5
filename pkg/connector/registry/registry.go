// Package registry maps auth type tags to connector factories. Variants
// register themselves from init; new auth schemes extend the hub via
// registration, not inheritance.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nimbusuite/hub/pkg/connector/core"
	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/logger"
	"github.com/nimbusuite/hub/pkg/models"
)

// Registry manages connector factory registration and instantiation
type Registry struct {
	factories map[models.AuthType]core.Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[models.AuthType]core.Factory),
		logger:    logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register registers a connector factory for an auth type
func (r *Registry) Register(authType models.AuthType, factory core.Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[authType]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector %s already registered", authType))
	}

	r.factories[authType] = factory
	r.logger.Info("connector registered", zap.String("auth_type", string(authType)))
	return nil
}

// Create creates a connector instance for the env's integration
func (r *Registry) Create(env *core.Env) (core.Connector, error) {
	authType := env.Integration.AuthType

	r.mu.RLock()
	factory, exists := r.factories[authType]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector %s not found", authType))
	}

	conn, err := factory(env)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create connector %s", authType))
	}
	return conn, nil
}

// List returns the registered auth types
func (r *Registry) List() []models.AuthType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.AuthType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}

// Has checks if an auth type is registered
func (r *Registry) Has(authType models.AuthType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[authType]
	return exists
}

// Clear removes all registered factories (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[models.AuthType]core.Factory)
}

// Register registers a factory in the global registry
func Register(authType models.AuthType, factory core.Factory) error {
	return globalRegistry.Register(authType, factory)
}

// Create creates a connector from the global registry
func Create(env *core.Env) (core.Connector, error) {
	return globalRegistry.Create(env)
}

// List lists auth types registered globally
func List() []models.AuthType {
	return globalRegistry.List()
}

// Has checks the global registry
func Has(authType models.AuthType) bool {
	return globalRegistry.Has(authType)
}
