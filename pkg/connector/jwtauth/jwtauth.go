// Package jwtauth implements the self-issued JWT connector variant. Tokens
// are signed locally with the credential's key and cached until near expiry.
package jwtauth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nimbusuite/hub/pkg/connector/base"
	"github.com/nimbusuite/hub/pkg/connector/core"
	"github.com/nimbusuite/hub/pkg/connector/registry"
	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/models"
)

func init() {
	_ = registry.Register(models.AuthTypeJWT, NewConnector)
}

const (
	tokenTTL = time.Hour
	// reissueMargin is how close to expiry a cached token may get
	reissueMargin = time.Minute
)

// Connector signs its own JWTs per request batch
type Connector struct {
	*base.Connector
	env *core.Env

	mu          sync.Mutex
	cachedToken string
	cachedExp   time.Time
}

// NewConnector creates a JWT connector
func NewConnector(env *core.Env) (core.Connector, error) {
	c := &Connector{env: env}
	c.Connector = base.New(env, c.applyAuth)
	return c, nil
}

func (c *Connector) applyAuth(ctx context.Context, req *http.Request) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// token returns the cached JWT, reissuing when it nears expiry
func (c *Connector) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cachedToken != "" && time.Until(c.cachedExp) > reissueMargin {
		return c.cachedToken, nil
	}

	payload, err := c.env.Credentials.Load(ctx, c.env.Connection.ID)
	if err != nil {
		return "", err
	}
	if payload.SigningKey == "" {
		return "", errors.New(errors.ErrorTypeAuthentication, "jwt credential has no signing key")
	}

	now := time.Now().UTC()
	exp := now.Add(tokenTTL)

	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}
	if payload.Issuer != "" {
		claims["iss"] = payload.Issuer
	}
	if payload.Subject != "" {
		claims["sub"] = payload.Subject
	}
	if payload.Audience != "" {
		claims["aud"] = payload.Audience
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(payload.SigningKey))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeAuthentication, "sign jwt")
	}

	c.cachedToken = signed
	c.cachedExp = exp
	return signed, nil
}
