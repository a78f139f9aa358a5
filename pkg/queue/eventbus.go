package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Subscriber consumes events published on a topic
type Subscriber func(ctx context.Context, topic string, payload map[string]interface{})

// EventBus fans events out to topic subscribers. Subscribers run
// concurrently and independently; one subscriber failing or hanging never
// blocks delivery to the others.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// NewEventBus creates an empty event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[string][]Subscriber),
		logger:      logger.With(zap.String("component", "event_bus")),
	}
}

// Subscribe registers a subscriber for a topic
func (b *EventBus) Subscribe(topic string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
}

// Publish delivers the event to every subscriber of the topic, each on its
// own goroutine. Subscriber panics are recovered and logged.
func (b *EventBus) Publish(ctx context.Context, topic string, payload map[string]interface{}) {
	b.mu.RLock()
	subs := b.subscribers[topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		sub := sub
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("subscriber panicked",
						zap.String("topic", topic),
						zap.Any("panic", r))
				}
			}()
			sub(ctx, topic, payload)
		}()
	}
}

// Wait blocks until all in-flight deliveries finish. Intended for shutdown
// and tests.
func (b *EventBus) Wait() {
	b.wg.Wait()
}
