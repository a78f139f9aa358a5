// Package oauthflow implements the authorization-code flow that turns a
// user's provider consent into an active connection with an encrypted
// credential. State tokens are random, single-use, and expire after 15
// minutes.
package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nimbusuite/hub/pkg/credential"
	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/models"
	"github.com/nimbusuite/hub/pkg/store"
)

// stateTTL is how long an issued state token stays valid
const stateTTL = 15 * time.Minute

// pendingAuth is one outstanding authorization attempt keyed by state
type pendingAuth struct {
	UserID        string
	IntegrationID string
	RedirectURI   string
	Scopes        []string
	ExpiresAt     time.Time
}

// Flow drives the OAuth2 authorization-code exchange
type Flow struct {
	store       store.Store
	credentials *credential.Manager
	logger      *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingAuth

	now func() time.Time

	// exchange and fetchUserInfo are swappable for tests
	exchange      func(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error)
	fetchUserInfo func(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, userInfoURL string) (string, error)
}

// NewFlow creates an OAuth flow backed by the given store and credential manager
func NewFlow(s store.Store, credentials *credential.Manager, log *zap.Logger) *Flow {
	return &Flow{
		store:       s,
		credentials: credentials,
		logger:      log.With(zap.String("component", "oauth_flow")),
		pending:     make(map[string]*pendingAuth),
		now:         time.Now,
		exchange: func(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
			return cfg.Exchange(ctx, code)
		},
		fetchUserInfo: fetchUserInfo,
	}
}

// Authorize starts the flow for a user and integration. It returns the
// provider authorization URL to redirect the user to, with a fresh
// single-use state token bound to this attempt. An empty scopes slice
// requests the integration's default scopes.
func (f *Flow) Authorize(ctx context.Context, userID, integrationID, redirectURI string, scopes []string) (string, string, error) {
	integration, err := store.Get[models.Integration](ctx, f.store, store.CollIntegrations, integrationID)
	if err != nil {
		return "", "", err
	}
	if integration.AuthType != models.AuthTypeOAuth2 {
		return "", "", errors.Newf(errors.ErrorTypeValidation,
			"integration %s uses %s auth, not oauth2", integrationID, integration.AuthType)
	}
	if integration.AuthURL == "" || integration.TokenURL == "" {
		return "", "", errors.Newf(errors.ErrorTypeConfig,
			"integration %s is missing oauth endpoints", integrationID)
	}

	state, err := randomState()
	if err != nil {
		return "", "", err
	}

	f.mu.Lock()
	f.gcLocked()
	f.pending[state] = &pendingAuth{
		UserID:        userID,
		IntegrationID: integrationID,
		RedirectURI:   redirectURI,
		Scopes:        scopes,
		ExpiresAt:     f.now().Add(stateTTL),
	}
	f.mu.Unlock()

	cfg := oauthConfig(integration, redirectURI, scopes)
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)

	f.logger.Info("authorization started",
		zap.String("user_id", userID),
		zap.String("integration_id", integrationID))

	return authURL, state, nil
}

// Callback completes the flow: consumes the state, exchanges the code for
// tokens, and creates an active connection with an encrypted credential.
func (f *Flow) Callback(ctx context.Context, state, code string) (*models.Connection, error) {
	attempt, err := f.consumeState(state)
	if err != nil {
		return nil, err
	}

	integration, err := store.Get[models.Integration](ctx, f.store, store.CollIntegrations, attempt.IntegrationID)
	if err != nil {
		return nil, err
	}

	cfg := oauthConfig(integration, attempt.RedirectURI, attempt.Scopes)
	tok, err := f.exchange(ctx, cfg, code)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "code exchange failed")
	}

	conn := models.NewConnection(attempt.UserID, attempt.IntegrationID)
	conn.Name = integration.Name

	if integration.UserInfoURL != "" {
		accountID, err := f.fetchUserInfo(ctx, cfg, tok, integration.UserInfoURL)
		if err != nil {
			// Token is valid even when the identity probe fails
			f.logger.Warn("user info fetch failed",
				zap.String("integration_id", integration.ID),
				zap.Error(err))
		} else {
			conn.ExternalAccountID = accountID
		}
	}

	if err := f.store.Create(ctx, store.CollConnections, conn.ID, conn); err != nil {
		return nil, err
	}

	payload := &credential.Payload{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		payload.ExpiresAt = &expiry
	}

	if _, err := f.credentials.Save(ctx, conn, models.AuthTypeOAuth2, payload); err != nil {
		return nil, err
	}

	now := f.now().UTC()
	err = store.Mutate(ctx, f.store, store.CollConnections, conn.ID, func(c *models.Connection) error {
		c.Status = models.ConnectionActive
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	conn.Status = models.ConnectionActive
	conn.UpdatedAt = now

	f.logger.Info("authorization completed",
		zap.String("connection_id", conn.ID),
		zap.String("integration_id", integration.ID))

	return conn, nil
}

// consumeState validates and removes a state token. A token is valid at
// most once; expired and unknown tokens are rejected identically.
func (f *Flow) consumeState(state string) (*pendingAuth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	attempt, ok := f.pending[state]
	if ok {
		delete(f.pending, state)
	}
	if !ok || f.now().After(attempt.ExpiresAt) {
		return nil, errors.New(errors.ErrorTypeAuthentication, "invalid or expired state")
	}
	return attempt, nil
}

// gcLocked drops expired attempts; caller holds the mutex
func (f *Flow) gcLocked() {
	now := f.now()
	for state, attempt := range f.pending {
		if now.After(attempt.ExpiresAt) {
			delete(f.pending, state)
		}
	}
}

func oauthConfig(integration *models.Integration, redirectURI string, scopes []string) *oauth2.Config {
	if len(scopes) == 0 {
		scopes = integration.Scopes
	}
	return &oauth2.Config{
		ClientID:     integration.ClientID,
		ClientSecret: integration.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  integration.AuthURL,
			TokenURL: integration.TokenURL,
		},
	}
}

// fetchUserInfo probes the provider's identity endpoint for an account ID
func fetchUserInfo(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, userInfoURL string) (string, error) {
	client := cfg.Client(ctx, tok)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "build user info request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "user info request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", errors.NewAPI("user info request rejected", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "read user info response")
	}

	var info map[string]interface{}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeAPI, "decode user info response")
	}

	for _, key := range []string{"id", "sub", "user_id", "account_id"} {
		if v, ok := info[key]; ok {
			switch id := v.(type) {
			case string:
				return id, nil
			case float64:
				return strconv.FormatFloat(id, 'f', -1, 64), nil
			}
		}
	}
	return "", nil
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "generate state")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
