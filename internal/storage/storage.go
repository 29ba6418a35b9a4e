package storage

import (
	"context"
	"errors"

	"github.com/italolelis/magnetdrive/internal/transfer"
)

// ErrNotFound is returned when a job id is unknown to the store.
var ErrNotFound = errors.New("job not found")

// JobReadRepository is the read side used by status queries.
type JobReadRepository interface {
	Get(ctx context.Context, id string) (*transfer.Job, error)
	// ListByUser returns every job of a user, most recent first.
	ListByUser(ctx context.Context, userID string) ([]*transfer.Job, error)
	// ListActive returns the non-terminal jobs, oldest first.
	ListActive(ctx context.Context) ([]*transfer.Job, error)
}

// JobWriteRepository is the write side used by admission and the scheduler.
type JobWriteRepository interface {
	Insert(ctx context.Context, job *transfer.Job) error
	// UpdateStatus applies a status change atomically. It returns a *transfer.TransitionError
	// when the stored status does not allow the change.
	UpdateStatus(ctx context.Context, id string, change transfer.StatusChange) error
	// UpdateProgress stores a progress snapshot for a downloading job. Snapshots whose percent
	// is lower than the stored one are ignored.
	UpdateProgress(ctx context.Context, id string, update transfer.ProgressUpdate) error
}

// JobStore is the durable record of jobs.
type JobStore interface {
	JobReadRepository
	JobWriteRepository
	Close() error
}
