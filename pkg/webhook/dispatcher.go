package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/httpx"
	"github.com/nimbusuite/hub/pkg/metrics"
	"github.com/nimbusuite/hub/pkg/models"
	"github.com/nimbusuite/hub/pkg/store"
)

const (
	// maxResponseSnapshot bounds the stored response body
	maxResponseSnapshot = 1024
	// maxRetryDelay caps exponential backoff
	maxRetryDelay = time.Hour
)

// Dispatcher delivers outbound webhooks with signing, per-webhook timeouts,
// exponential backoff and dead-lettering.
type Dispatcher struct {
	store  store.Store
	http   *httpx.Client
	logger *zap.Logger

	// defaultTimeout applies to webhooks without a per-webhook timeout
	defaultTimeout time.Duration

	// now is swappable for tests
	now func() time.Time
}

// NewDispatcher creates a webhook dispatcher
func NewDispatcher(s store.Store, client *httpx.Client, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  s,
		http:   client,
		logger: logger.With(zap.String("component", "webhook_dispatcher")),
		now:    time.Now,
	}
}

// SetDefaultTimeout sets the per-attempt timeout used when a webhook does
// not configure its own
func (d *Dispatcher) SetDefaultTimeout(timeout time.Duration) {
	d.defaultTimeout = timeout
}

// Send creates a delivery for the event and attempts it immediately.
// The returned delivery reflects the first attempt's outcome.
func (d *Dispatcher) Send(ctx context.Context, webhookID, eventType string, data map[string]interface{}) (*models.WebhookDelivery, error) {
	wh, err := store.Get[models.Webhook](ctx, d.store, store.CollWebhooks, webhookID)
	if err != nil {
		return nil, err
	}
	if !wh.Active {
		return nil, errors.Newf(errors.ErrorTypeValidation, "webhook %s is not active", webhookID)
	}
	if !wh.Subscribed(eventType) {
		return nil, errors.Newf(errors.ErrorTypeValidation, "webhook %s does not subscribe to %s", webhookID, eventType)
	}

	payload, err := d.buildPayload(wh, eventType, data)
	if err != nil {
		return nil, err
	}

	delivery := models.NewWebhookDelivery(webhookID, eventType, payload)
	if err := d.store.Create(ctx, store.CollDeliveries, delivery.ID, delivery); err != nil {
		return nil, err
	}

	if err := d.attempt(ctx, wh, delivery); err != nil {
		d.logger.Warn("webhook delivery attempt failed",
			zap.String("webhook_id", webhookID),
			zap.String("delivery_id", delivery.ID),
			zap.Error(err))
	}

	return store.Get[models.WebhookDelivery](ctx, d.store, store.CollDeliveries, delivery.ID)
}

// buildPayload renders the wire body: the default {event, timestamp, data}
// envelope, or the webhook's template with {field} substitution.
func (d *Dispatcher) buildPayload(wh *models.Webhook, eventType string, data map[string]interface{}) ([]byte, error) {
	if wh.PayloadTemplate == "" {
		body := map[string]interface{}{
			"event":     eventType,
			"timestamp": d.now().UTC().Format(time.RFC3339),
			"data":      data,
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "encode webhook payload")
		}
		return payload, nil
	}

	rendered := wh.PayloadTemplate
	rendered = strings.ReplaceAll(rendered, "{event}", eventType)
	rendered = strings.ReplaceAll(rendered, "{timestamp}", d.now().UTC().Format(time.RFC3339))
	for key, value := range data {
		rendered = strings.ReplaceAll(rendered, "{"+key+"}", fmt.Sprintf("%v", value))
	}
	return []byte(rendered), nil
}

// attempt performs one HTTP delivery and updates the delivery record and the
// webhook's statistics.
func (d *Dispatcher) attempt(ctx context.Context, wh *models.Webhook, delivery *models.WebhookDelivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return d.recordFailure(ctx, wh, delivery, 0, "", err.Error())
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", delivery.EventType)
	req.Header.Set("X-Webhook-ID", wh.ID)
	req.Header.Set("X-Webhook-Delivery", delivery.ID)

	if wh.Secret != "" {
		signature, err := Sign(wh.SignatureAlgo, wh.Secret, delivery.Payload)
		if err != nil {
			return err
		}
		header := wh.SignatureHeader
		if header == "" {
			header = models.DefaultSignatureHeader
		}
		req.Header.Set(header, SignatureHeader(wh.SignatureAlgo, signature))
	}

	timeout := wh.Retry.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	start := d.now()
	resp, err := d.http.DoWithTimeout(req, timeout)
	duration := time.Since(start)
	metrics.WebhookDeliveryDuration.Observe(duration.Seconds())

	if err != nil {
		return d.recordFailure(ctx, wh, delivery, 0, "", err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSnapshot))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return d.recordSuccess(ctx, wh, delivery, resp.StatusCode, string(body), duration)
	}
	return d.recordFailure(ctx, wh, delivery, resp.StatusCode, string(body),
		fmt.Sprintf("endpoint returned status %d", resp.StatusCode))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, wh *models.Webhook, delivery *models.WebhookDelivery, statusCode int, body string, duration time.Duration) error {
	now := d.now().UTC()

	err := store.Mutate(ctx, d.store, store.CollDeliveries, delivery.ID, func(dl *models.WebhookDelivery) error {
		dl.Status = models.DeliveryDelivered
		dl.ResponseStatusCode = statusCode
		dl.ResponseBody = body
		dl.DurationMs = duration.Milliseconds()
		dl.DeliveredAt = &now
		dl.NextRetryAt = nil
		return nil
	})
	if err != nil {
		return err
	}

	metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()

	return store.Mutate(ctx, d.store, store.CollWebhooks, wh.ID, func(w *models.Webhook) error {
		w.TotalDeliveries++
		w.SuccessfulCount++
		w.ConsecutiveFailures = 0
		w.LastDeliveryAt = &now
		w.LastErrorMessage = ""
		w.UpdatedAt = now
		return nil
	})
}

// recordFailure updates the delivery, scheduling a retry while budget
// remains and dead-lettering once it is exhausted.
func (d *Dispatcher) recordFailure(ctx context.Context, wh *models.Webhook, delivery *models.WebhookDelivery, statusCode int, body, reason string) error {
	now := d.now().UTC()
	terminal := false

	err := store.Mutate(ctx, d.store, store.CollDeliveries, delivery.ID, func(dl *models.WebhookDelivery) error {
		dl.ResponseStatusCode = statusCode
		dl.ResponseBody = body
		dl.ErrorMessage = reason

		if dl.RetryCount < wh.Retry.MaxRetries {
			delay := backoffDelay(wh.Retry.BaseDelay, dl.RetryCount)
			next := now.Add(delay)
			dl.RetryCount++
			dl.Status = models.DeliveryRetrying
			dl.NextRetryAt = &next
		} else {
			terminal = true
			dl.Status = models.DeliveryFailed
			dl.NextRetryAt = nil
		}
		return nil
	})
	if err != nil {
		return err
	}

	if terminal {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		d.deadLetter(ctx, wh, delivery, reason)
	} else {
		metrics.WebhookDeliveries.WithLabelValues("retrying").Inc()
	}

	storeErr := store.Mutate(ctx, d.store, store.CollWebhooks, wh.ID, func(w *models.Webhook) error {
		w.TotalDeliveries++
		w.FailedCount++
		w.ConsecutiveFailures++
		w.LastDeliveryAt = &now
		w.LastErrorMessage = reason
		w.UpdatedAt = now
		return nil
	})
	if storeErr != nil {
		return storeErr
	}

	return errors.New(errors.ErrorTypeWebhook, reason)
}

// deadLetter records a terminally failed delivery
func (d *Dispatcher) deadLetter(ctx context.Context, wh *models.Webhook, delivery *models.WebhookDelivery, reason string) {
	entry := &models.DeadLetterEntry{
		ID:     uuid.NewString(),
		Source: "webhook",
		Topic:  delivery.EventType,
		Payload: map[string]interface{}{
			"webhook_id":  wh.ID,
			"delivery_id": delivery.ID,
			"payload":     string(delivery.Payload),
		},
		Reason:     reason,
		RetryCount: wh.Retry.MaxRetries,
		FailedAt:   d.now().UTC(),
	}

	if err := d.store.Create(ctx, store.CollDeadLetters, entry.ID, entry); err != nil {
		d.logger.Error("failed to dead-letter delivery",
			zap.String("delivery_id", delivery.ID),
			zap.Error(err))
		return
	}
	metrics.DeadLetters.WithLabelValues("webhook").Inc()
}

// ProcessPending reattempts deliveries whose nextRetryAt has passed.
// Returns how many deliveries were attempted.
func (d *Dispatcher) ProcessPending(ctx context.Context) (int, error) {
	now := d.now().UTC()

	due, err := store.Query(ctx, d.store, store.CollDeliveries, func(dl *models.WebhookDelivery) bool {
		return dl.Status == models.DeliveryRetrying &&
			dl.NextRetryAt != nil && !dl.NextRetryAt.After(now)
	})
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, delivery := range due {
		if ctx.Err() != nil {
			return attempted, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "retry sweep cancelled")
		}

		wh, err := store.Get[models.Webhook](ctx, d.store, store.CollWebhooks, delivery.WebhookID)
		if err != nil {
			d.logger.Warn("skipping delivery with missing webhook",
				zap.String("delivery_id", delivery.ID),
				zap.Error(err))
			continue
		}

		attempted++
		if err := d.attempt(ctx, wh, delivery); err != nil {
			d.logger.Debug("retry attempt failed",
				zap.String("delivery_id", delivery.ID),
				zap.Error(err))
		}
	}

	return attempted, nil
}

// backoffDelay computes base * 2^retryCount capped at one hour
func backoffDelay(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
