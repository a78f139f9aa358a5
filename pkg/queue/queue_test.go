package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimbusuite/hub/pkg/models"
	"github.com/nimbusuite/hub/pkg/store"
)

func newTestQueue() (*Queue, store.Store) {
	s := store.NewMemoryStore()
	return NewQueue(s, zap.NewNop()), s
}

func TestDequeueStrictPriorityOrder(t *testing.T) {
	q, _ := newTestQueue()

	// Enqueue out of priority order
	require.NoError(t, q.Enqueue(models.NewMessage("t", map[string]interface{}{"n": "low"}, models.PriorityLow)))
	require.NoError(t, q.Enqueue(models.NewMessage("t", map[string]interface{}{"n": "normal"}, models.PriorityNormal)))
	require.NoError(t, q.Enqueue(models.NewMessage("t", map[string]interface{}{"n": "urgent"}, models.PriorityUrgent)))
	require.NoError(t, q.Enqueue(models.NewMessage("t", map[string]interface{}{"n": "high"}, models.PriorityHigh)))

	var got []string
	for i := 0; i < 4; i++ {
		msg, ok := q.Dequeue()
		require.True(t, ok)
		got = append(got, msg.Payload["n"].(string))
	}

	assert.Equal(t, []string{"urgent", "high", "normal", "low"}, got)

	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestFIFOWithinLane(t *testing.T) {
	q, _ := newTestQueue()

	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(models.NewMessage("t", map[string]interface{}{"n": n}, models.PriorityNormal)))
	}

	for _, want := range []string{"a", "b", "c"} {
		msg, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, msg.Payload["n"])
	}
}

func TestUrgentOvertakesQueuedWork(t *testing.T) {
	q, _ := newTestQueue()

	require.NoError(t, q.Enqueue(models.NewMessage("t", map[string]interface{}{"n": "first-low"}, models.PriorityLow)))
	require.NoError(t, q.Enqueue(models.NewMessage("t", map[string]interface{}{"n": "urgent"}, models.PriorityUrgent)))

	msg, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "urgent", msg.Payload["n"])
}

func TestNackRequeuesUntilBudgetExhausted(t *testing.T) {
	q, s := newTestQueue()
	ctx := context.Background()

	msg := models.NewMessage("t", map[string]interface{}{"n": "x"}, models.PriorityNormal)
	msg.MaxRetries = 2
	msg.EnqueuedAt = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, q.Enqueue(msg))

	// Two nacks requeue, the third dead-letters
	for i := 0; i < 2; i++ {
		m, ok := q.Dequeue()
		require.True(t, ok)
		require.NoError(t, q.Nack(ctx, m.ID, true, "worker failed"))
	}

	m, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 2, m.RetryCount)
	require.NoError(t, q.Nack(ctx, m.ID, true, "worker failed again"))

	_, ok = q.Dequeue()
	assert.False(t, ok)

	entries, err := store.Query(ctx, s, store.CollDeadLetters,
		func(*models.DeadLetterEntry) bool { return true })
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "queue", entries[0].Source)
	assert.Equal(t, "worker failed again", entries[0].Payload["failure_reason"])
	// FailedAt marks budget exhaustion, not when the message was enqueued
	assert.WithinDuration(t, time.Now(), entries[0].FailedAt, time.Minute)
}

func TestNackWithoutRequeueDeadLettersImmediately(t *testing.T) {
	q, s := newTestQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(models.NewMessage("t", nil, models.PriorityNormal)))
	m, ok := q.Dequeue()
	require.True(t, ok)
	require.NoError(t, q.Nack(ctx, m.ID, false, "poison"))

	entries, err := store.Query(ctx, s, store.CollDeadLetters,
		func(*models.DeadLetterEntry) bool { return true })
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestAckUnknownMessage(t *testing.T) {
	q, _ := newTestQueue()
	require.Error(t, q.Ack("nope"))
}

func TestDequeueWaitBlocksUntilEnqueue(t *testing.T) {
	q, _ := newTestQueue()

	done := make(chan *models.Message, 1)
	go func() {
		msg, err := q.DequeueWait(context.Background())
		if err == nil {
			done <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(models.NewMessage("t", map[string]interface{}{"n": "late"}, models.PriorityNormal)))

	select {
	case msg := <-done:
		assert.Equal(t, "late", msg.Payload["n"])
	case <-time.After(2 * time.Second):
		t.Fatal("DequeueWait never woke")
	}
}

func TestDequeueWaitHonorsContext(t *testing.T) {
	q, _ := newTestQueue()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.DequeueWait(ctx)
	require.Error(t, err)
}

func TestCloseWakesWaiters(t *testing.T) {
	q, _ := newTestQueue()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.DequeueWait(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("DequeueWait never returned after Close")
	}
}

func TestEventBusFanOut(t *testing.T) {
	b := NewEventBus(zap.NewNop())

	var mu sync.Mutex
	var got []string
	for _, name := range []string{"a", "b"} {
		name := name
		b.Subscribe("sync.completed", func(ctx context.Context, topic string, payload map[string]interface{}) {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
		})
	}
	b.Subscribe("other.topic", func(ctx context.Context, topic string, payload map[string]interface{}) {
		mu.Lock()
		got = append(got, "wrong")
		mu.Unlock()
	})

	b.Publish(context.Background(), "sync.completed", map[string]interface{}{"job_id": "j1"})
	b.Wait()

	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestEventBusRecoversPanickingSubscriber(t *testing.T) {
	b := NewEventBus(zap.NewNop())

	var delivered bool
	b.Subscribe("t", func(ctx context.Context, topic string, payload map[string]interface{}) {
		panic("subscriber bug")
	})
	b.Subscribe("t", func(ctx context.Context, topic string, payload map[string]interface{}) {
		delivered = true
	})

	b.Publish(context.Background(), "t", nil)
	b.Wait()

	assert.True(t, delivered)
}
