// Package base provides the foundational Connector implementation the auth
// variants embed. It owns request execution: rate-limit gating, auth header
// application, retry with backoff, and translation of upstream failures into
// the hub error taxonomy.
package base

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/nimbusuite/hub/pkg/connector/core"
	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/httpx"
	"github.com/nimbusuite/hub/pkg/metrics"
)

// maxResponseBytes bounds how much of a response body is read
const maxResponseBytes = 10 << 20

// AuthFunc applies the variant's authentication to an outgoing request
type AuthFunc func(ctx context.Context, req *http.Request) error

// Connector implements the request/paginate machinery shared by all auth
// variants. Variants supply an AuthFunc and optionally an auth-error hook.
type Connector struct {
	env    *core.Env
	logger *zap.Logger
	retry  *httpx.RetryPolicy

	applyAuth AuthFunc

	// onAuthError runs once when the upstream rejects credentials; a nil
	// return means the request should be reattempted with fresh auth.
	onAuthError func(ctx context.Context) error
}

// New creates a base connector for an env
func New(env *core.Env, applyAuth AuthFunc) *Connector {
	return &Connector{
		env:       env,
		logger:    env.Logger.With(zap.String("component", "connector"), zap.String("auth_type", string(env.Integration.AuthType))),
		retry:     httpx.NewRetryPolicy(3, time.Second),
		applyAuth: applyAuth,
	}
}

// SetAuthErrorHook installs the refresh-then-retry hook
func (c *Connector) SetAuthErrorHook(fn func(ctx context.Context) error) {
	c.onAuthError = fn
}

// Env returns the connector's environment
func (c *Connector) Env() *core.Env { return c.env }

// Authenticate verifies the stored credential decrypts and matches the
// integration's auth type
func (c *Connector) Authenticate(ctx context.Context) error {
	payload, err := c.env.Credentials.Load(ctx, c.env.Connection.ID)
	if err != nil {
		return err
	}
	return payload.Validate(c.env.Integration.AuthType)
}

// Request performs one API call. HTTP 429 surfaces as a rate-limit error
// carrying the parsed Retry-After; 401/403 as an authentication error after
// one refresh attempt; other non-2xx as an API error with the status code.
func (c *Connector) Request(ctx context.Context, method, endpoint string, params url.Values, body interface{}) (*core.Response, error) {
	quota := c.env.Integration.RateLimit
	reserve := func() error {
		return c.env.Limiter.CheckAndReserve(c.env.Connection.ID, 1, quota)
	}
	if err := reserve(); err != nil {
		return nil, err
	}

	fullURL, err := c.buildURL(endpoint, params)
	if err != nil {
		c.env.Limiter.Release(c.env.Connection.ID, 1, quota)
		return nil, err
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			c.env.Limiter.Release(c.env.Connection.ID, 1, quota)
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "encode request body")
		}
	}

	var resp *core.Response
	authRetried := false
	reserved := true

	execErr := c.retry.ExecuteWithCondition(ctx, func() error {
		// Every physical call counts against the window, retries included
		if !reserved {
			if err := reserve(); err != nil {
				return err
			}
		}
		reserved = false

		r, err := c.doOnce(ctx, method, fullURL, bodyBytes)
		if err != nil {
			// One refresh-then-retry on rejected credentials
			if errors.IsType(err, errors.ErrorTypeAuthentication) && c.onAuthError != nil && !authRetried {
				authRetried = true
				if hookErr := c.onAuthError(ctx); hookErr == nil {
					if err := reserve(); err != nil {
						return err
					}
					r, err = c.doOnce(ctx, method, fullURL, bodyBytes)
				}
			}
		}
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(err error) bool {
		// Transport failures and upstream 5xx retry in place; rate limits
		// and auth failures surface to the caller's own policy.
		if errors.IsType(err, errors.ErrorTypeConnection) || errors.IsType(err, errors.ErrorTypeTimeout) {
			return true
		}
		return errors.IsType(err, errors.ErrorTypeAPI) && errors.StatusCode(err) >= 500
	})
	authType := string(c.env.Integration.AuthType)
	if execErr != nil {
		metrics.ConnectorRequests.WithLabelValues(authType, "failure").Inc()
		return nil, execErr
	}
	metrics.ConnectorRequests.WithLabelValues(authType, "success").Inc()

	resp.RateLimit = c.env.Limiter.Info(c.env.Connection.ID, quota)
	return resp, nil
}

// doOnce issues a single HTTP call and translates the outcome
func (c *Connector) doOnce(ctx context.Context, method, fullURL string, body []byte) (*core.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if c.applyAuth != nil {
		if err := c.applyAuth(ctx, req); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	httpResp, err := c.env.HTTP.Do(req)
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "request timed out")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "read response body")
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(httpResp.Header)
		return nil, errors.NewRateLimit("upstream rate limit", retryAfter).
			WithDetail("status_code", httpResp.StatusCode)

	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, errors.New(errors.ErrorTypeAuthentication,
			fmt.Sprintf("upstream rejected credentials with status %d", httpResp.StatusCode)).
			WithDetail("status_code", httpResp.StatusCode)

	case httpResp.StatusCode < 200 || httpResp.StatusCode >= 300:
		return nil, errors.NewAPI(
			fmt.Sprintf("upstream returned status %d", httpResp.StatusCode),
			httpResp.StatusCode)
	}

	resp := &core.Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       respBody,
		Duration:   duration,
	}

	if looksLikeJSON(httpResp.Header, respBody) {
		var data interface{}
		if err := json.Unmarshal(respBody, &data); err == nil {
			resp.Data = data
		}
	}

	return resp, nil
}

// TestConnection authenticates and issues a minimal GET against the base URL
func (c *Connector) TestConnection(ctx context.Context) error {
	if err := c.Authenticate(ctx); err != nil {
		return err
	}
	_, err := c.Request(ctx, http.MethodGet, "", nil, nil)
	return err
}

// Close releases connector resources
func (c *Connector) Close() error { return nil }

func (c *Connector) buildURL(endpoint string, params url.Values) (string, error) {
	base := strings.TrimRight(c.env.Integration.BaseURL, "/")
	full := base
	if endpoint != "" {
		full = base + "/" + strings.TrimLeft(endpoint, "/")
	}

	u, err := url.Parse(full)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "invalid endpoint URL")
	}

	if len(params) > 0 {
		q := u.Query()
		for key, values := range params {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// parseRetryAfter extracts the wait hint from 429 response headers: integer
// Retry-After seconds, or an X-RateLimit-Reset epoch.
func parseRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}

	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			// Small values are deltas, large ones epoch seconds
			if epoch < 1e6 {
				return time.Duration(epoch) * time.Second
			}
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d
			}
		}
	}

	return time.Minute
}

func looksLikeJSON(h http.Header, body []byte) bool {
	if strings.Contains(h.Get("Content-Type"), "json") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
