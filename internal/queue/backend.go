package queue

import (
	"context"
	"errors"

	"LeaderDrip/internal/models"
)

var ErrBackendClosed = errors.New("queue: backend closed")

// Backend stores jobs across their lifecycle: waiting (ready or delayed),
// active (claimed by a worker), completed, and failed.
type Backend interface {
	// Enqueue adds a job. Jobs whose RunAt is in the future are delayed.
	Enqueue(ctx context.Context, job models.Job) error

	// Claim atomically moves the highest priority ready job to active.
	// ok is false when nothing is ready.
	Claim(ctx context.Context) (job models.Job, ok bool, err error)

	Ack(ctx context.Context, job models.Job) error

	// Requeue returns an active job to waiting, honoring job.RunAt.
	Requeue(ctx context.Context, job models.Job) error

	// Bury moves an active job to the failed set.
	Bury(ctx context.Context, job models.Job) error

	// Failed lists failed jobs, newest first.
	Failed(ctx context.Context, limit int) ([]models.Job, error)

	Status(ctx context.Context) (models.QueueStatus, error)
	Ping(ctx context.Context) error
	Close() error
}
