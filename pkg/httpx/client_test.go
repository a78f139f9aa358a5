package httpx

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(DefaultConfig(), zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDoWithTimeoutBodyReadableAfterReturn(t *testing.T) {
	chunk := make([]byte, 600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Stream the body so it is not buffered before DoWithTimeout returns
		_, _ = w.Write(chunk)
		w.(http.Flusher).Flush()
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write(chunk)
	}))
	defer srv.Close()

	c := newTestClient(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.DoWithTimeout(req, 2*time.Second)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, body, 2*len(chunk))
}

func TestDoWithTimeoutStillBoundsTheCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	c := newTestClient(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.DoWithTimeout(req, 50*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoWithTimeoutBoundsSlowBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		time.Sleep(time.Second)
		_, _ = w.Write([]byte("never arrives"))
	}))
	defer srv.Close()

	c := newTestClient(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.DoWithTimeout(req, 100*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	_, err = io.ReadAll(resp.Body)
	require.Error(t, err)
}
