// Package hub provides an integration hub that connects user accounts to
// third-party services: encrypted credential management with transparent
// OAuth token refresh, rate-limited API access through pluggable auth
// connectors, bidirectional data sync with conflict resolution, and signed
// webhook delivery and ingestion.
//
// # Architecture
//
// The hub is organized around a few core ideas:
//
// 1. Pluggable connectors: every external service is reached through the
// core.Connector interface. Auth variants (oauth2, api_key, jwt, basic,
// custom) register themselves with the connector registry and share a base
// implementation that handles rate limiting, retries, and error translation.
//
// 2. Engine-agnostic persistence: all entities are read and written through
// the store.Store boundary. The read-modify-write primitive UpdateFunc keeps
// concurrent workers from losing updates regardless of the backing engine.
//
// 3. Encrypted credentials: secrets live in versioned AES-256-GCM envelopes,
// one per connection. The credential manager refreshes expiring OAuth tokens
// transparently, with a single in-flight refresh per connection.
//
// 4. Resilient delivery: outbound webhooks are signed, retried with
// exponential backoff, and dead-lettered when the retry budget is exhausted.
// Inbound webhooks are verified before any processing happens.
//
// # Key Packages
//
//	pkg/connector  - Connector framework and auth variants
//	pkg/credential - Encrypted credential envelopes and token lifecycle
//	pkg/syncengine - Bidirectional sync with field mapping and conflicts
//	pkg/webhook    - Signed outbound delivery and verified ingestion
//	pkg/ratelimit  - Fixed-window per-connection rate limiting
//	pkg/queue      - Priority message queue and event bus
//	pkg/oauthflow  - OAuth2 authorization-code flow
//	pkg/store      - Generic transactional persistence boundary
//	pkg/errors     - Structured error handling
//	pkg/logger     - Structured logging
//	pkg/metrics    - Prometheus metrics collection
//
// # Quick Start
//
// Run the server:
//
//	hub serve --config hub.yaml
//
// Configuration comes from a YAML file plus HUB_-prefixed environment
// variables; the only required setting is the credential encryption key:
//
//	HUB_CREDENTIALS_ENCRYPTION_KEY=<64 hex chars> hub serve
//
// Execute a single sync job and print its summary:
//
//	hub sync <job-id>
package hub
