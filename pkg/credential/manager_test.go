package credential

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/models"
	"github.com/nimbusuite/hub/pkg/store"
)

// countingExchanger hands out sequential tokens and counts exchanges
type countingExchanger struct {
	calls atomic.Int64
	delay time.Duration
	fail  bool
}

func (e *countingExchanger) Refresh(ctx context.Context, integration *models.Integration, refreshToken string) (*Payload, error) {
	e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.fail {
		return nil, errors.New(errors.ErrorTypeAuthentication, "invalid_grant")
	}
	expiry := time.Now().Add(time.Hour).UTC()
	return &Payload{
		AccessToken:  "fresh-token",
		RefreshToken: "rotated-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    &expiry,
	}, nil
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	crypto, err := NewCrypto(testKey(t))
	require.NoError(t, err)
	s := store.NewMemoryStore()
	return NewManager(s, crypto, zap.NewNop()), s
}

// seedConnection creates an integration, a connection and an oauth2
// credential that expires at the given time.
func seedConnection(t *testing.T, m *Manager, s store.Store, expiresAt *time.Time) *models.Connection {
	t.Helper()
	ctx := context.Background()

	integration := &models.Integration{
		ID:       "int-1",
		Name:     "CRM",
		AuthType: models.AuthTypeOAuth2,
		BaseURL:  "https://api.crm.test",
		TokenURL: "https://auth.crm.test/token",
		ClientID: "client",
	}
	require.NoError(t, s.Create(ctx, store.CollIntegrations, integration.ID, integration))

	conn := models.NewConnection("user-1", integration.ID)
	conn.Status = models.ConnectionActive
	require.NoError(t, s.Create(ctx, store.CollConnections, conn.ID, conn))

	_, err := m.Save(ctx, conn, models.AuthTypeOAuth2, &Payload{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
	})
	require.NoError(t, err)
	return conn
}

func TestSaveLoadRoundtrip(t *testing.T) {
	m, s := newTestManager(t)
	expiry := time.Now().Add(time.Hour).UTC()
	conn := seedConnection(t, m, s, &expiry)

	payload, err := m.Load(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "stale-token", payload.AccessToken)
	assert.Equal(t, "refresh-1", payload.RefreshToken)

	// Ciphertext never contains the plaintext secret
	cred, err := store.Get[models.Credential](context.Background(), s, store.CollCredentials, conn.CredentialID)
	require.NoError(t, err)
	assert.NotContains(t, string(cred.Ciphertext), "stale-token")
	assert.Equal(t, EnvelopeVersion, cred.EnvelopeVersion)
}

func TestSaveLinksCredentialToConnection(t *testing.T) {
	m, s := newTestManager(t)
	conn := seedConnection(t, m, s, nil)

	// Save set the link on both the passed struct and the stored record
	require.NotEmpty(t, conn.CredentialID)
	stored, err := store.Get[models.Connection](context.Background(), s, store.CollConnections, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.CredentialID, stored.CredentialID)

	// Load works immediately, without any separate linking step
	payload, err := m.Load(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "stale-token", payload.AccessToken)

	// A second Save rotates the envelope instead of orphaning a new one
	_, err = m.Save(context.Background(), conn, models.AuthTypeOAuth2, &Payload{AccessToken: "rotated"})
	require.NoError(t, err)
	creds, err := store.Query(context.Background(), s, store.CollCredentials,
		func(*models.Credential) bool { return true })
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}

func TestSaveRotatesInPlace(t *testing.T) {
	m, s := newTestManager(t)
	conn := seedConnection(t, m, s, nil)

	cred, err := m.Save(context.Background(), conn, models.AuthTypeOAuth2, &Payload{
		AccessToken:  "second-token",
		RefreshToken: "refresh-2",
	})
	require.NoError(t, err)
	assert.Equal(t, conn.CredentialID, cred.ID)

	payload, err := m.Load(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "second-token", payload.AccessToken)
}

func TestSaveRejectsInvalidPayload(t *testing.T) {
	m, _ := newTestManager(t)
	conn := models.NewConnection("user-1", "int-1")

	_, err := m.Save(context.Background(), conn, models.AuthTypeOAuth2, &Payload{RefreshToken: "r"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestGetValidTokenSkipsRefreshWhenFresh(t *testing.T) {
	m, s := newTestManager(t)
	ex := &countingExchanger{}
	m.SetExchanger(ex)

	expiry := time.Now().Add(time.Hour).UTC()
	conn := seedConnection(t, m, s, &expiry)

	token, err := m.GetValidToken(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "stale-token", token)
	assert.EqualValues(t, 0, ex.calls.Load())
}

func TestGetValidTokenRefreshesNearExpiry(t *testing.T) {
	m, s := newTestManager(t)
	ex := &countingExchanger{}
	m.SetExchanger(ex)

	expiry := time.Now().Add(30 * time.Second).UTC() // inside the 2m threshold
	conn := seedConnection(t, m, s, &expiry)

	token, err := m.GetValidToken(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.EqualValues(t, 1, ex.calls.Load())

	// Rotated envelope is persisted
	payload, err := m.Load(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", payload.AccessToken)
	assert.Equal(t, "rotated-refresh", payload.RefreshToken)
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	m, s := newTestManager(t)
	ex := &countingExchanger{delay: 50 * time.Millisecond}
	m.SetExchanger(ex)

	expiry := time.Now().Add(10 * time.Second).UTC()
	conn := seedConnection(t, m, s, &expiry)

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetValidToken(context.Background(), conn.ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh-token", tokens[i])
	}

	// All callers shared one exchange
	assert.EqualValues(t, 1, ex.calls.Load())
}

func TestRefreshFailureMarksConnectionError(t *testing.T) {
	m, s := newTestManager(t)
	ex := &countingExchanger{fail: true}
	m.SetExchanger(ex)

	expiry := time.Now().Add(10 * time.Second).UTC()
	conn := seedConnection(t, m, s, &expiry)

	_, err := m.GetValidToken(context.Background(), conn.ID)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))

	updated, err := store.Get[models.Connection](context.Background(), s, store.CollConnections, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionError, updated.Status)
	assert.Equal(t, 1, updated.ConsecutiveFailures)
	assert.Equal(t, "invalid_grant", updated.LastErrorMessage)
}

func TestRefreshKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	m, s := newTestManager(t)
	m.SetExchanger(exchangerFunc(func(ctx context.Context, integration *models.Integration, refreshToken string) (*Payload, error) {
		return &Payload{AccessToken: "new-token"}, nil
	}))

	conn := seedConnection(t, m, s, nil)

	payload, err := m.Refresh(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-token", payload.AccessToken)
	assert.Equal(t, "refresh-1", payload.RefreshToken)
}

func TestCryptoRejectsTamperedCiphertext(t *testing.T) {
	crypto, err := NewCrypto(testKey(t))
	require.NoError(t, err)

	ciphertext, err := crypto.Seal(&Payload{AccessToken: "t", Fields: map[string]string{"k": "v"}})
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err = crypto.Open(EnvelopeVersion, ciphertext)
	require.Error(t, err)
}

func TestCryptoRequires32ByteKey(t *testing.T) {
	_, err := NewCrypto(make([]byte, 16))
	require.Error(t, err)
}

// exchangerFunc adapts a function to the Exchanger interface
type exchangerFunc func(ctx context.Context, integration *models.Integration, refreshToken string) (*Payload, error)

func (f exchangerFunc) Refresh(ctx context.Context, integration *models.Integration, refreshToken string) (*Payload, error) {
	return f(ctx, integration, refreshToken)
}
