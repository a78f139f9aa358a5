package syncengine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nimbusuite/hub/pkg/models"
	"github.com/nimbusuite/hub/pkg/queue"
)

// TopicSyncJob is the queue topic sync jobs are scheduled on
const TopicSyncJob = "sync.job"

// WorkerPool drains sync job messages from the queue and executes them
type WorkerPool struct {
	engine *Engine
	queue  *queue.Queue
	logger *zap.Logger
	size   int
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool of size workers over the given queue
func NewWorkerPool(engine *Engine, q *queue.Queue, size int, log *zap.Logger) *WorkerPool {
	if size <= 0 {
		size = 4
	}
	return &WorkerPool{
		engine: engine,
		queue:  q,
		logger: log.With(zap.String("component", "sync_workers")),
		size:   size,
	}
}

// Schedule enqueues a job for asynchronous execution
func (p *WorkerPool) Schedule(jobID string, priority models.MessagePriority) error {
	msg := models.NewMessage(TopicSyncJob, map[string]interface{}{"job_id": jobID}, priority)
	return p.queue.Enqueue(msg)
}

// Start launches the workers. They stop when ctx ends or the queue closes.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

// Wait blocks until every worker has exited
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker", id))

	for {
		msg, err := p.queue.DequeueWait(ctx)
		if err != nil {
			return
		}
		if msg.Topic != TopicSyncJob {
			// Not ours, put it back for another consumer
			if err := p.queue.Nack(ctx, msg.ID, true, "unhandled topic"); err != nil {
				log.Warn("requeue failed", zap.String("message_id", msg.ID), zap.Error(err))
			}
			continue
		}

		jobID, _ := msg.Payload["job_id"].(string)
		if jobID == "" {
			if err := p.queue.Nack(ctx, msg.ID, false, "message missing job_id"); err != nil {
				log.Warn("nack failed", zap.String("message_id", msg.ID), zap.Error(err))
			}
			continue
		}

		if err := p.engine.Execute(ctx, jobID); err != nil {
			log.Warn("sync job execution failed",
				zap.String("job_id", jobID),
				zap.Error(err))
			if err := p.queue.Nack(ctx, msg.ID, false, err.Error()); err != nil {
				log.Warn("nack failed", zap.String("message_id", msg.ID), zap.Error(err))
			}
			continue
		}

		if err := p.queue.Ack(msg.ID); err != nil {
			log.Warn("ack failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
}
