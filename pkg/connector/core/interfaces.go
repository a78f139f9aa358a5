// Package core defines the connector abstraction every auth variant
// implements. A connector wraps one connection to an external service and
// exposes a uniform request/paginate surface regardless of how the service
// authenticates.
package core

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusuite/hub/pkg/credential"
	"github.com/nimbusuite/hub/pkg/httpx"
	"github.com/nimbusuite/hub/pkg/models"
	"github.com/nimbusuite/hub/pkg/ratelimit"
)

// Connector is the uniform capability set over heterogeneous auth schemes
type Connector interface {
	// Authenticate prepares or verifies credentials ahead of use
	Authenticate(ctx context.Context) error

	// Request performs one API call against the integration's base URL
	Request(ctx context.Context, method, endpoint string, params url.Values, body interface{}) (*Response, error)

	// Paginate repeatedly calls Request and collects item pages
	Paginate(ctx context.Context, endpoint string, params url.Values, opts PaginateOptions) ([]map[string]interface{}, error)

	// TestConnection verifies the connection end to end
	TestConnection(ctx context.Context) error

	// Close releases connector resources
	Close() error
}

// Response is a parsed connector response
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte

	// Data is the decoded JSON body, when the response carried JSON
	Data interface{}

	// RateLimit is the gate state for the connection at call time
	RateLimit ratelimit.Info

	Duration time.Duration
}

// PaginateOptions controls pagination behavior
type PaginateOptions struct {
	// ItemsKeys are the response keys searched for the item list. Empty
	// means the default heuristics (data, items, results, records, or a
	// bare top-level array).
	ItemsKeys []string

	// Cursor pagination: CursorPath is the response key holding the next
	// cursor, CursorParam the query parameter it feeds.
	CursorPath  string
	CursorParam string

	// Page-number pagination, used when no cursor is configured
	PageParam string
	PageSize  int
	SizeParam string

	// HasMorePath optionally names a boolean response key that signals
	// further pages
	HasMorePath string

	MaxPages int
}

// CredentialSource supplies decrypted credentials and fresh tokens to
// connectors. Implemented by the credential manager.
type CredentialSource interface {
	Load(ctx context.Context, connectionID string) (*credential.Payload, error)
	GetValidToken(ctx context.Context, connectionID string) (string, error)
	Refresh(ctx context.Context, connectionID string) (*credential.Payload, error)
}

// Env carries the shared dependencies a connector needs
type Env struct {
	Integration *models.Integration
	Connection  *models.Connection
	Credentials CredentialSource
	Limiter     *ratelimit.Limiter
	HTTP        *httpx.Client
	Logger      *zap.Logger
}

// Factory creates a connector for one connection
type Factory func(env *Env) (Connector, error)
