// Package models defines the Integration Hub domain entities. All entities are
// persisted through the generic store boundary and carry JSON tags for that
// purpose; none of them depend on a particular storage engine.
package models

import (
	"time"

	"github.com/google/uuid"
)

// AuthType identifies the authentication scheme an integration uses
type AuthType string

const (
	AuthTypeOAuth2 AuthType = "oauth2"
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeJWT    AuthType = "jwt"
	AuthTypeBasic  AuthType = "basic"
	AuthTypeCustom AuthType = "custom"
)

// RateLimitQuota is the request budget an integration grants per period
type RateLimitQuota struct {
	Requests int           `json:"requests"`
	Period   time.Duration `json:"period"`
}

// Integration is the static definition of a third-party service.
// Immutable after creation except administrative edits.
type Integration struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	AuthType AuthType `json:"auth_type"`
	BaseURL  string   `json:"base_url"`

	// OAuth2 endpoints, unused for other auth types
	AuthURL      string   `json:"auth_url,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	UserInfoURL  string   `json:"user_info_url,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`

	RateLimit *RateLimitQuota `json:"rate_limit,omitempty"`

	// CustomHeaders holds header templates for custom-auth integrations.
	// {field} placeholders are substituted from the credential payload.
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`

	SupportsWebhooks bool `json:"supports_webhooks"`
	SupportsSync     bool `json:"supports_sync"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConnectionStatus is the lifecycle state of a connection
type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionActive   ConnectionStatus = "active"
	ConnectionError    ConnectionStatus = "error"
	ConnectionInactive ConnectionStatus = "inactive"
)

// Connection is a user's authorized instance of an Integration
type Connection struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	IntegrationID string           `json:"integration_id"`
	CredentialID  string           `json:"credential_id"`
	Name          string           `json:"name,omitempty"`
	Status        ConnectionStatus `json:"status"`

	// ExternalAccountID is the account identifier reported by the provider's
	// user-info endpoint, when one is configured.
	ExternalAccountID string `json:"external_account_id,omitempty"`

	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastErrorAt         *time.Time `json:"last_error_at,omitempty"`
	LastErrorMessage    string     `json:"last_error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConnection creates a pending connection for an integration
func NewConnection(userID, integrationID string) *Connection {
	now := time.Now().UTC()
	return &Connection{
		ID:            uuid.NewString(),
		UserID:        userID,
		IntegrationID: integrationID,
		Status:        ConnectionPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Credential is the persisted encrypted secret envelope for one connection.
// The payload is opaque ciphertext; the plaintext schema depends on the
// integration's auth type. A credential is never shared across connections.
type Credential struct {
	ID           string   `json:"id"`
	ConnectionID string   `json:"connection_id"`
	AuthType     AuthType `json:"auth_type"`

	// EnvelopeVersion identifies the encryption envelope format
	EnvelopeVersion int    `json:"envelope_version"`
	Ciphertext      []byte `json:"ciphertext"`

	// ExpiresAt mirrors the access token expiry so the token manager can
	// decide whether a refresh is due without decrypting.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncDirection controls which way records flow in a sync job
type SyncDirection string

const (
	SyncInbound       SyncDirection = "inbound"
	SyncOutbound      SyncDirection = "outbound"
	SyncBidirectional SyncDirection = "bidirectional"
)

// SyncJobStatus is the sync job lifecycle state
type SyncJobStatus string

const (
	SyncJobPending   SyncJobStatus = "pending"
	SyncJobRunning   SyncJobStatus = "running"
	SyncJobCompleted SyncJobStatus = "completed"
	SyncJobFailed    SyncJobStatus = "failed"
	SyncJobCancelled SyncJobStatus = "cancelled"
)

// ConflictStrategy selects how records changed on both sides reconcile
type ConflictStrategy string

const (
	ConflictSourceWins ConflictStrategy = "source_wins"
	ConflictTargetWins ConflictStrategy = "target_wins"
	ConflictNewestWins ConflictStrategy = "newest_wins"
	ConflictMerge      ConflictStrategy = "merge"
	ConflictManual     ConflictStrategy = "manual"
)

// SyncJob is one synchronization run for a connection. Terminal once
// completed, failed or cancelled.
type SyncJob struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`

	Direction        SyncDirection          `json:"direction"`
	EntityType       string                 `json:"entity_type"`
	Filters          map[string]interface{} `json:"filters,omitempty"`
	FieldMappingID   string                 `json:"field_mapping_id,omitempty"`
	ConflictStrategy ConflictStrategy       `json:"conflict_strategy"`

	Status SyncJobStatus `json:"status"`

	TotalRecords      int      `json:"total_records"`
	ProcessedRecords  int      `json:"processed_records"`
	SuccessfulRecords int      `json:"successful_records"`
	FailedRecords     int      `json:"failed_records"`
	SkippedRecords    int      `json:"skipped_records"`
	FailedRecordIDs   []string `json:"failed_record_ids,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Computed once at completion
	DurationSeconds  float64 `json:"duration_seconds,omitempty"`
	RecordsPerSecond float64 `json:"records_per_second,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSyncJob creates a pending sync job
func NewSyncJob(connectionID, entityType string, direction SyncDirection) *SyncJob {
	now := time.Now().UTC()
	return &SyncJob{
		ID:               uuid.NewString(),
		ConnectionID:     connectionID,
		EntityType:       entityType,
		Direction:        direction,
		ConflictStrategy: ConflictNewestWins,
		Status:           SyncJobPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Terminal reports whether the job reached a terminal state
func (j *SyncJob) Terminal() bool {
	switch j.Status {
	case SyncJobCompleted, SyncJobFailed, SyncJobCancelled:
		return true
	}
	return false
}

// TransformType identifies a per-field transformation rule
type TransformType string

const (
	TransformNone      TransformType = ""
	TransformLowercase TransformType = "lowercase"
	TransformUppercase TransformType = "uppercase"
	TransformTrim      TransformType = "trim"
	TransformToString  TransformType = "to_string"
	TransformToNumber  TransformType = "to_number"
	TransformTemplate  TransformType = "template"
	TransformConst     TransformType = "const"
)

// FieldRule maps one source field to one target field, optionally applying
// a transformation and a default when the source value is absent.
type FieldRule struct {
	SourceField string        `json:"source_field" yaml:"source_field"`
	TargetField string        `json:"target_field" yaml:"target_field"`
	Transform   TransformType `json:"transform,omitempty" yaml:"transform,omitempty"`
	// Template holds the template text for template transforms and the
	// constant value for const transforms.
	Template string      `json:"template,omitempty" yaml:"template,omitempty"`
	Default  interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// FieldMapping is an ordered source-to-target field correspondence.
// Referenced by sync jobs, never owned by one.
type FieldMapping struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	EntityType string      `json:"entity_type" yaml:"entity_type"`
	Rules      []FieldRule `json:"rules" yaml:"rules"`
	CreatedAt  time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at" yaml:"updated_at"`
}

// WebhookDirection marks a webhook as outgoing (we deliver) or incoming
// (we receive and verify)
type WebhookDirection string

const (
	WebhookOutgoing WebhookDirection = "outgoing"
	WebhookIncoming WebhookDirection = "incoming"
)

// SignatureAlgorithm selects the HMAC hash for webhook signing
type SignatureAlgorithm string

const (
	SignatureSHA256 SignatureAlgorithm = "sha256"
	SignatureSHA1   SignatureAlgorithm = "sha1"
	SignatureSHA512 SignatureAlgorithm = "sha512"
	SignatureMD5    SignatureAlgorithm = "md5"
)

// WebhookRetryPolicy controls outbound delivery retries
type WebhookRetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	Timeout    time.Duration `json:"timeout"`
}

// Webhook is a registered endpoint for sending or receiving events
type Webhook struct {
	ID           string           `json:"id"`
	ConnectionID string           `json:"connection_id"`
	Direction    WebhookDirection `json:"direction"`
	URL          string           `json:"url"`
	Events       []string         `json:"events"`

	Secret          string             `json:"secret,omitempty"`
	SignatureAlgo   SignatureAlgorithm `json:"signature_algorithm"`
	SignatureHeader string             `json:"signature_header"`

	// PayloadTemplate overrides the default {event, timestamp, data} body
	// using {field} substitution when set.
	PayloadTemplate string `json:"payload_template,omitempty"`

	Retry  WebhookRetryPolicy `json:"retry"`
	Active bool               `json:"active"`

	// Delivery statistics
	TotalDeliveries     int        `json:"total_deliveries"`
	SuccessfulCount     int        `json:"successful_count"`
	FailedCount         int        `json:"failed_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastDeliveryAt      *time.Time `json:"last_delivery_at,omitempty"`
	LastErrorMessage    string     `json:"last_error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultSignatureHeader is used when a webhook does not configure one
const DefaultSignatureHeader = "X-Webhook-Signature"

// NewWebhook creates an outgoing webhook with default signing and retry settings
func NewWebhook(connectionID, url string, events []string, secret string) *Webhook {
	now := time.Now().UTC()
	return &Webhook{
		ID:              uuid.NewString(),
		ConnectionID:    connectionID,
		Direction:       WebhookOutgoing,
		URL:             url,
		Events:          events,
		Secret:          secret,
		SignatureAlgo:   SignatureSHA256,
		SignatureHeader: DefaultSignatureHeader,
		Retry: WebhookRetryPolicy{
			MaxRetries: 3,
			BaseDelay:  30 * time.Second,
			Timeout:    30 * time.Second,
		},
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Subscribed reports whether the webhook subscribes to the given event type.
// An empty event set subscribes to everything.
func (w *Webhook) Subscribed(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// DeliveryStatus is the webhook delivery lifecycle state
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryIgnored   DeliveryStatus = "ignored"
)

// WebhookDelivery is one delivery attempt chain for a webhook. RetryCount
// increases monotonically and never exceeds the webhook's max retries.
type WebhookDelivery struct {
	ID        string         `json:"id"`
	WebhookID string         `json:"webhook_id"`
	EventType string         `json:"event_type"`
	Payload   []byte         `json:"payload"`
	Status    DeliveryStatus `json:"status"`

	ResponseStatusCode int    `json:"response_status_code,omitempty"`
	ResponseBody       string `json:"response_body,omitempty"`
	DurationMs         int64  `json:"duration_ms,omitempty"`
	ErrorMessage       string `json:"error_message,omitempty"`

	RetryCount  int        `json:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// NewWebhookDelivery creates a pending delivery record
func NewWebhookDelivery(webhookID, eventType string, payload []byte) *WebhookDelivery {
	return &WebhookDelivery{
		ID:        uuid.NewString(),
		WebhookID: webhookID,
		EventType: eventType,
		Payload:   payload,
		Status:    DeliveryPending,
		CreatedAt: time.Now().UTC(),
	}
}

// RateLimitTracker is a per-connection, per-window request counter
type RateLimitTracker struct {
	ConnectionID string    `json:"connection_id"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	Count        int       `json:"count"`
}

// MessagePriority orders queue lanes; lower value dequeues first
type MessagePriority int

const (
	PriorityUrgent MessagePriority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the lane name for logging and metrics labels
func (p MessagePriority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Message is a transient queue unit
type Message struct {
	ID         string                 `json:"id"`
	Topic      string                 `json:"topic"`
	Payload    map[string]interface{} `json:"payload"`
	Priority   MessagePriority        `json:"priority"`
	RetryCount int                    `json:"retry_count"`
	MaxRetries int                    `json:"max_retries"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
}

// NewMessage creates a queue message with the given priority
func NewMessage(topic string, payload map[string]interface{}, priority MessagePriority) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    payload,
		Priority:   priority,
		MaxRetries: 3,
		EnqueuedAt: time.Now().UTC(),
	}
}

// DeadLetterEntry is a message or delivery that exhausted its retries
type DeadLetterEntry struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"` // queue | webhook
	Topic      string                 `json:"topic"`
	Payload    map[string]interface{} `json:"payload"`
	Reason     string                 `json:"reason"`
	RetryCount int                    `json:"retry_count"`
	FailedAt   time.Time              `json:"failed_at"`
}
