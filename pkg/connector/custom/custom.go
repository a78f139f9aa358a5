// Package custom implements the custom-auth connector variant. The
// integration declares header templates; {field} placeholders are filled
// from the credential payload at request time.
package custom

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/nimbusuite/hub/pkg/connector/base"
	"github.com/nimbusuite/hub/pkg/connector/core"
	"github.com/nimbusuite/hub/pkg/connector/registry"
	"github.com/nimbusuite/hub/pkg/credential"
	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/models"
)

func init() {
	_ = registry.Register(models.AuthTypeCustom, NewConnector)
}

// Connector applies template-substituted headers from the integration config
type Connector struct {
	*base.Connector
	env *core.Env

	once    sync.Once
	payload *credential.Payload
	loadErr error
}

// NewConnector creates a custom-auth connector
func NewConnector(env *core.Env) (core.Connector, error) {
	if len(env.Integration.CustomHeaders) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "custom auth integration declares no headers")
	}

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

	for name, template := range c.env.Integration.CustomHeaders {
		req.Header.Set(name, substitute(template, c.payload.Fields))
	}
	return nil
}

// substitute replaces {field} placeholders with credential values
func substitute(template string, fields map[string]string) string {
	out := template
	for key, value := range fields {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}
