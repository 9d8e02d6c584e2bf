package app

import (
	"context"
	"errors"
	"sync"

	"github.com/sillypop200/kiwifruit/internal/util"
	"github.com/sillypop200/kiwifruit/pkg/queue"
)

// Dispatcher hands a parse job to a worker without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// InlineDispatcher runs each job on its own goroutine in this process.
type InlineDispatcher struct {
	worker *Worker
	wg     sync.WaitGroup
}

func NewInlineDispatcher(worker *Worker) *InlineDispatcher {
	return &InlineDispatcher{worker: worker}
}

// Dispatch starts the job detached from ctx's cancellation; request-scoped
// values such as the logger are kept so job logs carry the request id.
func (d *InlineDispatcher) Dispatch(ctx context.Context, job Job) error {
	if d.worker == nil {
		return errors.New("inline dispatcher has no worker")
	}
	jobCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.worker.Run(jobCtx, job); err != nil {
			util.LoggerFromContext(jobCtx).Error("parse job left ingestion loading", "ingestion_id", job.IngestionID, "err", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched job has returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

// QueueDispatcher publishes jobs to a durable queue consumed by Worker.HandleQueueJob.
type QueueDispatcher struct {
	queue queue.JobQueue
}

func NewQueueDispatcher(q queue.JobQueue) *QueueDispatcher {
	return &QueueDispatcher{queue: q}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, job Job) error {
	queued, err := d.queue.Enqueue(ctx, job.IngestionID, job.StoredName)
	if err != nil {
		return err
	}
	util.LoggerFromContext(ctx).Info("parse job queued", "ingestion_id", job.IngestionID, "job_id", queued.ID)
	return nil
}
