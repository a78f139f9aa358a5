// Package apikey implements the API-key connector variant with header or
// query-parameter key placement.
package apikey

import (
	"context"
	"net/http"
	"sync"

	"github.com/nimbusuite/hub/pkg/connector/base"
	"github.com/nimbusuite/hub/pkg/connector/core"
	"github.com/nimbusuite/hub/pkg/connector/registry"
	"github.com/nimbusuite/hub/pkg/credential"
	"github.com/nimbusuite/hub/pkg/models"
)

func init() {
	_ = registry.Register(models.AuthTypeAPIKey, NewConnector)
}

const (
	// PlacementHeader sends the key in a request header (default)
	PlacementHeader = "header"
	// PlacementQuery sends the key as a query parameter
	PlacementQuery = "query"

	defaultHeaderName = "X-API-Key"
	defaultQueryName  = "api_key"
)

// Connector authenticates requests with a static API key
type Connector struct {
	*base.Connector
	env *core.Env

	once    sync.Once
	payload *credential.Payload
	loadErr error
}

// NewConnector creates an API-key connector
func NewConnector(env *core.Env) (core.Connector, error) {
	c := &Connector{env: env}
	c.Connector = base.New(env, c.applyAuth)
	return c, nil
}

func (c *Connector) load(ctx context.Context) (*credential.Payload, error) {
	c.once.Do(func() {
		c.payload, c.loadErr = c.env.Credentials.Load(ctx, c.env.Connection.ID)
	})
	return c.payload, c.loadErr
}

func (c *Connector) applyAuth(ctx context.Context, req *http.Request) error {
	payload, err := c.load(ctx)
	if err != nil {
		return err
	}

	switch payload.Placement {
	case PlacementQuery:
		name := payload.ParamName
		if name == "" {
			name = defaultQueryName
		}
		q := req.URL.Query()
		q.Set(name, payload.APIKey)
		req.URL.RawQuery = q.Encode()
	default:
		name := payload.ParamName
		if name == "" {
			name = defaultHeaderName
		}
		req.Header.Set(name, payload.APIKey)
	}
	return nil
}
