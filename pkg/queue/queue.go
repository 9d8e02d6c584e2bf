package queue

import (
	"context"
	"time"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job is one parse request for a stored archive.
type Job struct {
	ID           string    `json:"id"`
	IngestionID  string    `json:"ingestionId"`
	StoredName   string    `json:"storedName"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes a delivered job. A non-nil error requeues the job until
// the queue's retry budget is spent.
type Handler func(context.Context, Job) error

// JobQueue is a durable, at-least-once job channel.
type JobQueue interface {
	Enqueue(ctx context.Context, ingestionID, storedName string) (Job, error)
	// Start launches concurrency consumers that run until ctx is done.
	Start(ctx context.Context, concurrency int, handler Handler) error
	// Wait blocks until every consumer started by Start has returned.
	Wait()
	Close() error
}
