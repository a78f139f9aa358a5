package webhook

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/metrics"
	"github.com/nimbusuite/hub/pkg/models"
	"github.com/nimbusuite/hub/pkg/store"
)

// eventTypeKeys are the payload keys probed for the event type, in order
var eventTypeKeys = []string{"event", "event_type", "type", "action"}

// Handler processes a verified inbound event
type Handler func(ctx context.Context, webhookID, eventType string, payload map[string]interface{}) error

// Result is the receiver's disposition of one inbound request
type Result struct {
	Status    string `json:"status"` // processed | ignored
	EventType string `json:"event_type,omitempty"`
}

// Receiver verifies and dispatches inbound webhooks. Signature verification
// runs over the raw body before any business processing; events outside the
// webhook's subscription are acknowledged but ignored.
type Receiver struct {
	store    store.Store
	logger   *zap.Logger
	handlers map[string]Handler
}

// NewReceiver creates an inbound webhook receiver
func NewReceiver(s store.Store, logger *zap.Logger) *Receiver {
	return &Receiver{
		store:    s,
		logger:   logger.With(zap.String("component", "webhook_receiver")),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler installs the handler for an event type. The empty event
// type registers the fallback handler.
func (r *Receiver) RegisterHandler(eventType string, h Handler) {
	r.handlers[eventType] = h
}

// Receive validates and processes one inbound webhook request
func (r *Receiver) Receive(ctx context.Context, webhookID string, rawBody []byte, headers http.Header) (*Result, error) {
	wh, err := store.Get[models.Webhook](ctx, r.store, store.CollWebhooks, webhookID)
	if err != nil {
		return nil, err
	}

	if wh.Secret != "" {
		header := wh.SignatureHeader
		if header == "" {
			header = models.DefaultSignatureHeader
		}
		provided := headers.Get(header)
		if provided == "" {
			metrics.InboundEvents.WithLabelValues("rejected").Inc()
			return nil, errors.Newf(errors.ErrorTypeSignature, "missing signature header %s", header)
		}
		if err := Verify(wh.SignatureAlgo, wh.Secret, rawBody, provided); err != nil {
			metrics.InboundEvents.WithLabelValues("rejected").Inc()
			return nil, err
		}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode webhook payload")
	}

	eventType := extractEventType(payload)

	delivery := models.NewWebhookDelivery(webhookID, eventType, rawBody)

	if !wh.Subscribed(eventType) {
		delivery.Status = models.DeliveryIgnored
		if err := r.store.Create(ctx, store.CollDeliveries, delivery.ID, delivery); err != nil {
			r.logger.Warn("failed to record ignored delivery", zap.Error(err))
		}
		metrics.InboundEvents.WithLabelValues("ignored").Inc()
		r.logger.Debug("ignoring unsubscribed event",
			zap.String("webhook_id", webhookID),
			zap.String("event_type", eventType))
		return &Result{Status: "ignored", EventType: eventType}, nil
	}

	handler, ok := r.handlers[eventType]
	if !ok {
		handler = r.handlers[""]
	}

	if handler != nil {
		if err := handler(ctx, webhookID, eventType, payload); err != nil {
			delivery.Status = models.DeliveryFailed
			delivery.ErrorMessage = err.Error()
			if createErr := r.store.Create(ctx, store.CollDeliveries, delivery.ID, delivery); createErr != nil {
				r.logger.Warn("failed to record failed delivery", zap.Error(createErr))
			}
			metrics.InboundEvents.WithLabelValues("failed").Inc()
			return nil, errors.Wrap(err, errors.ErrorTypeWebhook, "inbound handler failed")
		}
	}

	now := time.Now().UTC()
	delivery.Status = models.DeliveryDelivered
	delivery.DeliveredAt = &now
	if err := r.store.Create(ctx, store.CollDeliveries, delivery.ID, delivery); err != nil {
		r.logger.Warn("failed to record delivery", zap.Error(err))
	}

	metrics.InboundEvents.WithLabelValues("processed").Inc()
	return &Result{Status: "processed", EventType: eventType}, nil
}

// extractEventType probes the common payload keys for the event type
func extractEventType(payload map[string]interface{}) string {
	for _, key := range eventTypeKeys {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return "unknown"
}
