// Package basicauth implements the HTTP basic auth connector variant.
package basicauth

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
	_ = registry.Register(models.AuthTypeBasic, NewConnector)
}

// Connector authenticates with username/password basic auth
type Connector struct {
	*base.Connector
	env *core.Env

	once    sync.Once
	payload *credential.Payload
	loadErr error
}

// NewConnector creates a basic auth connector
func NewConnector(env *core.Env) (core.Connector, error) {
	c := &Connector{env: env}
	c.Connector = base.New(env, c.applyAuth)
	return c, nil
}

func (c *Connector) applyAuth(ctx context.Context, req *http.Request) error {
	c.once.Do(func() {
		c.payload, c.loadErr = c.env.Credentials.Load(ctx, c.env.Connection.ID)
	})
	if c.loadErr != nil {
		return c.loadErr
	}

	req.SetBasicAuth(c.payload.Username, c.payload.Password)
	return nil
}
