// Package oauth2 implements the OAuth2 connector variant. Tokens come from
// the credential manager, which refreshes them transparently; a rejected
// token triggers one forced refresh before the request fails.
package oauth2

import (
	"context"
	"net/http"

	"github.com/nimbusuite/hub/pkg/connector/base"
	"github.com/nimbusuite/hub/pkg/connector/core"
	"github.com/nimbusuite/hub/pkg/connector/registry"
	"github.com/nimbusuite/hub/pkg/models"
)

func init() {
	_ = registry.Register(models.AuthTypeOAuth2, NewConnector)
}

// Connector authenticates with bearer tokens managed by the credential manager
type Connector struct {
	*base.Connector
	env *core.Env
}

// NewConnector creates an OAuth2 connector
func NewConnector(env *core.Env) (core.Connector, error) {
	c := &Connector{env: env}
	c.Connector = base.New(env, c.applyAuth)
	c.SetAuthErrorHook(c.forceRefresh)
	return c, nil
}

func (c *Connector) applyAuth(ctx context.Context, req *http.Request) error {
	token, err := c.env.Credentials.GetValidToken(ctx, c.env.Connection.ID)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// forceRefresh discards the cached token after an upstream rejection
func (c *Connector) forceRefresh(ctx context.Context) error {
	_, err := c.env.Credentials.Refresh(ctx, c.env.Connection.ID)
	return err
}
