package oauthflow

import (
	"context"
	"crypto/rand"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nimbusuite/hub/pkg/credential"
	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/models"
	"github.com/nimbusuite/hub/pkg/store"
)

func newTestFlow(t *testing.T) (*Flow, store.Store, *credential.Manager) {
	t.Helper()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	crypto, err := credential.NewCrypto(key)
	require.NoError(t, err)

	s := store.NewMemoryStore()
	manager := credential.NewManager(s, crypto, zap.NewNop())
	f := NewFlow(s, manager, zap.NewNop())

	// Exchange without a live provider
	f.exchange = func(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
		if code != "good-code" {
			return nil, errors.New(errors.ErrorTypeAuthentication, "invalid code")
		}
		return &oauth2.Token{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}
	f.fetchUserInfo = func(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, userInfoURL string) (string, error) {
		return "acct-42", nil
	}

	return f, s, manager
}

func seedIntegration(t *testing.T, s store.Store) *models.Integration {
	t.Helper()
	integration := &models.Integration{
		ID:          "int-1",
		Name:        "CRM",
		AuthType:    models.AuthTypeOAuth2,
		BaseURL:     "https://api.crm.test",
		AuthURL:     "https://auth.crm.test/authorize",
		TokenURL:    "https://auth.crm.test/token",
		UserInfoURL: "https://api.crm.test/me",
		ClientID:    "client-id",
		Scopes:      []string{"contacts.read"},
	}
	require.NoError(t, s.Create(context.Background(), store.CollIntegrations, integration.ID, integration))
	return integration
}

func TestAuthorizeBuildsProviderURL(t *testing.T) {
	f, s, _ := newTestFlow(t)
	seedIntegration(t, s)

	authURL, state, err := f.Authorize(context.Background(), "user-1", "int-1", "https://hub.test/callback", nil)
	require.NoError(t, err)
	require.NotEmpty(t, state)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "auth.crm.test", u.Host)
	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, state, q.Get("state"))
	assert.Equal(t, "https://hub.test/callback", q.Get("redirect_uri"))
	assert.Equal(t, "contacts.read", q.Get("scope"))
}

func TestAuthorizeScopesOverride(t *testing.T) {
	f, s, _ := newTestFlow(t)
	seedIntegration(t, s)

	authURL, _, err := f.Authorize(context.Background(), "user-1", "int-1", "https://hub.test/cb",
		[]string{"contacts.write", "deals.read"})
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "contacts.write deals.read", u.Query().Get("scope"))
}

func TestAuthorizeStatesAreUnique(t *testing.T) {
	f, s, _ := newTestFlow(t)
	seedIntegration(t, s)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		_, state, err := f.Authorize(context.Background(), "user-1", "int-1", "https://hub.test/cb", nil)
		require.NoError(t, err)
		require.False(t, seen[state], "state reused")
		seen[state] = true
	}
}

func TestAuthorizeRejectsNonOAuthIntegration(t *testing.T) {
	f, s, _ := newTestFlow(t)
	integration := &models.Integration{ID: "int-2", AuthType: models.AuthTypeAPIKey, BaseURL: "https://x.test"}
	require.NoError(t, s.Create(context.Background(), store.CollIntegrations, integration.ID, integration))

	_, _, err := f.Authorize(context.Background(), "user-1", "int-2", "https://hub.test/cb", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestCallbackCreatesActiveConnection(t *testing.T) {
	f, s, manager := newTestFlow(t)
	seedIntegration(t, s)

	_, state, err := f.Authorize(context.Background(), "user-1", "int-1", "https://hub.test/cb", nil)
	require.NoError(t, err)

	conn, err := f.Callback(context.Background(), state, "good-code")
	require.NoError(t, err)

	assert.Equal(t, models.ConnectionActive, conn.Status)
	assert.Equal(t, "user-1", conn.UserID)
	assert.Equal(t, "int-1", conn.IntegrationID)
	assert.Equal(t, "acct-42", conn.ExternalAccountID)
	require.NotEmpty(t, conn.CredentialID)

	payload, err := manager.Load(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", payload.AccessToken)
	assert.Equal(t, "refresh-1", payload.RefreshToken)
	require.NotNil(t, payload.ExpiresAt)
}

func TestCallbackStateIsSingleUse(t *testing.T) {
	f, s, _ := newTestFlow(t)
	seedIntegration(t, s)

	_, state, err := f.Authorize(context.Background(), "user-1", "int-1", "https://hub.test/cb", nil)
	require.NoError(t, err)

	_, err = f.Callback(context.Background(), state, "good-code")
	require.NoError(t, err)

	_, err = f.Callback(context.Background(), state, "good-code")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	f, s, _ := newTestFlow(t)
	seedIntegration(t, s)

	_, err := f.Callback(context.Background(), "forged-state", "good-code")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestCallbackRejectsExpiredState(t *testing.T) {
	f, s, _ := newTestFlow(t)
	seedIntegration(t, s)

	now := time.Now()
	f.now = func() time.Time { return now }

	_, state, err := f.Authorize(context.Background(), "user-1", "int-1", "https://hub.test/cb", nil)
	require.NoError(t, err)

	now = now.Add(16 * time.Minute)

	_, err = f.Callback(context.Background(), state, "good-code")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestCallbackExchangeFailure(t *testing.T) {
	f, s, _ := newTestFlow(t)
	seedIntegration(t, s)

	_, state, err := f.Authorize(context.Background(), "user-1", "int-1", "https://hub.test/cb", nil)
	require.NoError(t, err)

	_, err = f.Callback(context.Background(), state, "bad-code")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))

	// No connection is created on a failed exchange
	conns, err := store.Query(context.Background(), s, store.CollConnections,
		func(*models.Connection) bool { return true })
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestCallbackSurvivesUserInfoFailure(t *testing.T) {
	f, s, _ := newTestFlow(t)
	seedIntegration(t, s)
	f.fetchUserInfo = func(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, userInfoURL string) (string, error) {
		return "", errors.New(errors.ErrorTypeConnection, "unreachable")
	}

	_, state, err := f.Authorize(context.Background(), "user-1", "int-1", "https://hub.test/cb", nil)
	require.NoError(t, err)

	conn, err := f.Callback(context.Background(), state, "good-code")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionActive, conn.Status)
	assert.Empty(t, conn.ExternalAccountID)
}
