package credential

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/metrics"
	"github.com/nimbusuite/hub/pkg/models"
	"github.com/nimbusuite/hub/pkg/store"
)

// DefaultRefreshThreshold is how close to expiry a token may get before the
// manager refreshes it transparently.
const DefaultRefreshThreshold = 2 * time.Minute

// Exchanger performs the refresh-token grant against the integration's token
// endpoint. Swappable for tests.
type Exchanger interface {
	Refresh(ctx context.Context, integration *models.Integration, refreshToken string) (*Payload, error)
}

// Manager holds encrypted credentials and keeps OAuth access tokens fresh.
// At most one refresh is in flight per connection; concurrent callers wait
// for that refresh instead of issuing duplicates.
type Manager struct {
	store     store.Store
	crypto    *Crypto
	exchanger Exchanger
	logger    *zap.Logger

	refreshThreshold time.Duration

	mu       sync.Mutex
	inflight map[string]*refreshState
}

// refreshState coordinates concurrent refreshers of one connection
type refreshState struct {
	done    chan struct{}
	payload *Payload
	err     error
}

// NewManager creates a credential manager
func NewManager(s store.Store, crypto *Crypto, logger *zap.Logger) *Manager {
	m := &Manager{
		store:            s,
		crypto:           crypto,
		logger:           logger.With(zap.String("component", "credential_manager")),
		refreshThreshold: DefaultRefreshThreshold,
		inflight:         make(map[string]*refreshState),
	}
	m.exchanger = &oauthExchanger{}
	return m
}

// SetExchanger overrides the token exchanger (tests)
func (m *Manager) SetExchanger(e Exchanger) { m.exchanger = e }

// SetRefreshThreshold overrides the expiry buffer
func (m *Manager) SetRefreshThreshold(d time.Duration) { m.refreshThreshold = d }

// Save encrypts and persists a credential payload for a connection,
// rotating any existing envelope in place. A connection has exactly one
// credential: first Save creates it and links it on the stored connection,
// later Saves rotate the same envelope.
func (m *Manager) Save(ctx context.Context, conn *models.Connection, authType models.AuthType, p *Payload) (*models.Credential, error) {
	if err := p.Validate(authType); err != nil {
		return nil, err
	}

	ciphertext, err := m.crypto.Seal(p)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if conn.CredentialID != "" {
		err := store.Mutate(ctx, m.store, store.CollCredentials, conn.CredentialID, func(c *models.Credential) error {
			c.Ciphertext = ciphertext
			c.EnvelopeVersion = EnvelopeVersion
			c.ExpiresAt = p.ExpiresAt
			c.UpdatedAt = now
			return nil
		})
		if err != nil {
			return nil, err
		}
		return store.Get[models.Credential](ctx, m.store, store.CollCredentials, conn.CredentialID)
	}

	cred := &models.Credential{
		ID:              uuid.NewString(),
		ConnectionID:    conn.ID,
		AuthType:        authType,
		EnvelopeVersion: EnvelopeVersion,
		Ciphertext:      ciphertext,
		ExpiresAt:       p.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.Create(ctx, store.CollCredentials, cred.ID, cred); err != nil {
		return nil, err
	}

	err = store.Mutate(ctx, m.store, store.CollConnections, conn.ID, func(c *models.Connection) error {
		c.CredentialID = cred.ID
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	conn.CredentialID = cred.ID

	return cred, nil
}

// Load decrypts the credential payload for a connection
func (m *Manager) Load(ctx context.Context, connectionID string) (*Payload, error) {
	conn, err := store.Get[models.Connection](ctx, m.store, store.CollConnections, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.CredentialID == "" {
		return nil, errors.Newf(errors.ErrorTypeAuthentication, "connection %s has no credential", connectionID)
	}

	cred, err := store.Get[models.Credential](ctx, m.store, store.CollCredentials, conn.CredentialID)
	if err != nil {
		return nil, err
	}
	return m.crypto.Open(cred.EnvelopeVersion, cred.Ciphertext)
}

// GetValidToken returns a non-expired access token for the connection,
// refreshing transparently when the stored expiry is inside the threshold.
func (m *Manager) GetValidToken(ctx context.Context, connectionID string) (string, error) {
	payload, err := m.Load(ctx, connectionID)
	if err != nil {
		return "", err
	}

	if !m.needsRefresh(payload) {
		return payload.AccessToken, nil
	}

	refreshed, err := m.Refresh(ctx, connectionID)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

func (m *Manager) needsRefresh(p *Payload) bool {
	if p.ExpiresAt == nil {
		return false
	}
	return time.Until(*p.ExpiresAt) < m.refreshThreshold
}

// Refresh exchanges the refresh token for a new access token and rotates the
// stored envelope. Concurrent callers for the same connection share a single
// in-flight exchange.
func (m *Manager) Refresh(ctx context.Context, connectionID string) (*Payload, error) {
	m.mu.Lock()
	if st, ok := m.inflight[connectionID]; ok {
		m.mu.Unlock()
		select {
		case <-st.done:
			return st.payload, st.err
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "waiting for in-flight refresh")
		}
	}

	st := &refreshState{done: make(chan struct{})}
	m.inflight[connectionID] = st
	m.mu.Unlock()

	st.payload, st.err = m.doRefresh(ctx, connectionID)
	close(st.done)

	m.mu.Lock()
	delete(m.inflight, connectionID)
	m.mu.Unlock()

	return st.payload, st.err
}

func (m *Manager) doRefresh(ctx context.Context, connectionID string) (*Payload, error) {
	conn, err := store.Get[models.Connection](ctx, m.store, store.CollConnections, connectionID)
	if err != nil {
		return nil, err
	}
	integration, err := store.Get[models.Integration](ctx, m.store, store.CollIntegrations, conn.IntegrationID)
	if err != nil {
		return nil, err
	}
	payload, err := m.Load(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	if payload.RefreshToken == "" {
		m.markConnectionError(ctx, connectionID, "no refresh token available")
		return nil, errors.Newf(errors.ErrorTypeAuthentication, "connection %s has no refresh token", connectionID)
	}

	fresh, err := m.exchanger.Refresh(ctx, integration, payload.RefreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		// Record the provider's message, not the typed error prefix
		msg := err.Error()
		if e, ok := errors.As(err); ok {
			msg = e.Message
		}
		m.markConnectionError(ctx, connectionID, msg)
		m.logger.Warn("token refresh failed",
			zap.String("connection_id", connectionID),
			zap.Error(err))
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "token refresh failed")
	}

	// Providers may omit the refresh token on rotation; keep the old one
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = payload.RefreshToken
	}

	if _, err := m.Save(ctx, conn, models.AuthTypeOAuth2, fresh); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = store.Mutate(ctx, m.store, store.CollConnections, connectionID, func(c *models.Connection) error {
		c.Status = models.ConnectionActive
		c.ConsecutiveFailures = 0
		c.LastSuccessAt = &now
		c.LastErrorMessage = ""
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	m.logger.Info("token refreshed",
		zap.String("connection_id", connectionID),
		zap.Timep("expires_at", fresh.ExpiresAt))

	return fresh, nil
}

// markConnectionError transitions the connection to error state with the
// failure recorded. Errors here are secondary to the refresh failure itself.
func (m *Manager) markConnectionError(ctx context.Context, connectionID, msg string) {
	now := time.Now().UTC()
	err := store.Mutate(ctx, m.store, store.CollConnections, connectionID, func(c *models.Connection) error {
		c.Status = models.ConnectionError
		c.ConsecutiveFailures++
		c.LastErrorAt = &now
		c.LastErrorMessage = msg
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		m.logger.Error("failed to mark connection error",
			zap.String("connection_id", connectionID),
			zap.Error(err))
	}
}

// oauthExchanger performs the refresh grant through golang.org/x/oauth2
type oauthExchanger struct{}

func (e *oauthExchanger) Refresh(ctx context.Context, integration *models.Integration, refreshToken string) (*Payload, error) {
	cfg := &oauth2.Config{
		ClientID:     integration.ClientID,
		ClientSecret: integration.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  integration.AuthURL,
			TokenURL: integration.TokenURL,
		},
		Scopes: integration.Scopes,
	}

	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, err
	}

	payload := &Payload{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		payload.ExpiresAt = &expiry
	}
	return payload, nil
}
