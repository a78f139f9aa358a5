// Package queue provides the in-memory priority message queue and the topic
// event bus used by the hub. Both are created once at startup and injected;
// there is no module-level instance.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/metrics"
	"github.com/nimbusuite/hub/pkg/models"
	"github.com/nimbusuite/hub/pkg/store"
)

// lanes in strict dequeue order
var lanes = []models.MessagePriority{
	models.PriorityUrgent,
	models.PriorityHigh,
	models.PriorityNormal,
	models.PriorityLow,
}

// Queue is a four-lane priority queue. Dequeue always drains higher
// priority lanes before lower ones. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[models.MessagePriority][]*models.Message
	pending map[string]*models.Message
	closed  bool

	store  store.Store
	logger *zap.Logger
}

// NewQueue creates an empty queue backed by the store for dead letters
func NewQueue(s store.Store, logger *zap.Logger) *Queue {
	q := &Queue{
		queues:  make(map[models.MessagePriority][]*models.Message),
		pending: make(map[string]*models.Message),
		store:   s,
		logger:  logger.With(zap.String("component", "queue")),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a message to its priority lane
func (q *Queue) Enqueue(msg *models.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.New(errors.ErrorTypeInternal, "queue is closed")
	}

	q.queues[msg.Priority] = append(q.queues[msg.Priority], msg)
	metrics.QueueDepth.WithLabelValues(msg.Priority.String()).Inc()
	q.cond.Signal()
	return nil
}

// Dequeue removes the highest-priority message without blocking. The message
// stays pending until acked or nacked.
func (q *Queue) Dequeue() (*models.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *Queue) dequeueLocked() (*models.Message, bool) {
	for _, priority := range lanes {
		lane := q.queues[priority]
		if len(lane) == 0 {
			continue
		}
		msg := lane[0]
		q.queues[priority] = lane[1:]
		q.pending[msg.ID] = msg
		metrics.QueueDepth.WithLabelValues(priority.String()).Dec()
		return msg, true
	}
	return nil, false
}

// DequeueWait blocks until a message is available or the context ends
func (q *Queue) DequeueWait(ctx context.Context) (*models.Message, error) {
	// Wake waiters when the context ends
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if msg, ok := q.dequeueLocked(); ok {
			return msg, nil
		}
		if q.closed {
			return nil, errors.New(errors.ErrorTypeInternal, "queue is closed")
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "dequeue cancelled")
		}
		q.cond.Wait()
	}
}

// Ack marks a pending message as done
func (q *Queue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[id]; !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "message %s is not pending", id)
	}
	delete(q.pending, id)
	return nil
}

// Nack returns a pending message to its lane while its retry budget lasts,
// then dead-letters it with the failure reason attached.
func (q *Queue) Nack(ctx context.Context, id string, requeue bool, reason string) error {
	q.mu.Lock()
	msg, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return errors.Newf(errors.ErrorTypeNotFound, "message %s is not pending", id)
	}
	delete(q.pending, id)

	if requeue && msg.RetryCount < msg.MaxRetries {
		msg.RetryCount++
		q.queues[msg.Priority] = append(q.queues[msg.Priority], msg)
		metrics.QueueDepth.WithLabelValues(msg.Priority.String()).Inc()
		q.cond.Signal()
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	return q.deadLetter(ctx, msg, reason)
}

// deadLetter moves an exhausted message to the dead-letter store
func (q *Queue) deadLetter(ctx context.Context, msg *models.Message, reason string) error {
	payload := make(map[string]interface{}, len(msg.Payload)+1)
	for k, v := range msg.Payload {
		payload[k] = v
	}
	payload["failure_reason"] = reason

	entry := &models.DeadLetterEntry{
		ID:         uuid.NewString(),
		Source:     "queue",
		Topic:      msg.Topic,
		Payload:    payload,
		Reason:     reason,
		RetryCount: msg.RetryCount,
		FailedAt:   time.Now().UTC(),
	}

	if err := q.store.Create(ctx, store.CollDeadLetters, entry.ID, entry); err != nil {
		return err
	}

	metrics.DeadLetters.WithLabelValues("queue").Inc()
	q.logger.Warn("message dead-lettered",
		zap.String("message_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.String("reason", reason))
	return nil
}

// Depth returns the number of waiting messages per lane
func (q *Queue) Depth() map[models.MessagePriority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth := make(map[models.MessagePriority]int, len(lanes))
	for _, priority := range lanes {
		depth[priority] = len(q.queues[priority])
	}
	return depth
}

// Close stops the queue; blocked DequeueWait calls return an error
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
