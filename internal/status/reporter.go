// Package status projects job state for API consumers.
package status

import (
	"context"

	"github.com/italolelis/magnetdrive/internal/storage"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

// Positioner reports FIFO positions of pending jobs.
type Positioner interface {
	PositionOf(jobID string) int
}

// PendingJob is a queued job with its 1-based position in the global FIFO.
type PendingJob struct {
	Job      *transfer.Job
	Position int
}

// UserStatus is the live view of one user's non-terminal jobs.
type UserStatus struct {
	Active  []*transfer.Job
	Pending []PendingJob
}

// Reporter is a read-only projection over the store and the queue.
type Reporter struct {
	store storage.JobReadRepository
	queue Positioner
}

func NewReporter(store storage.JobReadRepository, queue Positioner) *Reporter {
	return &Reporter{store: store, queue: queue}
}

// Status returns the user's active jobs and pending jobs with positions, both oldest first.
// A non-terminal job that is not waiting in the FIFO is active.
func (r *Reporter) Status(ctx context.Context, userID string) (*UserStatus, error) {
	jobs, err := r.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	st := &UserStatus{Active: []*transfer.Job{}, Pending: []PendingJob{}}

	// ListByUser is newest first.
	for i := len(jobs) - 1; i >= 0; i-- {
		job := jobs[i]
		if job.Status.IsTerminal() {
			continue
		}

		if pos := r.queue.PositionOf(job.ID); pos > 0 {
			st.Pending = append(st.Pending, PendingJob{Job: job, Position: pos})

			continue
		}

		st.Active = append(st.Active, job)
	}

	return st, nil
}

// History returns the user's terminal jobs, newest first.
func (r *Reporter) History(ctx context.Context, userID string) ([]*transfer.Job, error) {
	jobs, err := r.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	history := make([]*transfer.Job, 0, len(jobs))

	for _, job := range jobs {
		if job.Status.IsTerminal() {
			history = append(history, job)
		}
	}

	return history, nil
}

// Job returns a single job and its FIFO position, 0 when not pending.
func (r *Reporter) Job(ctx context.Context, jobID string) (*transfer.Job, int, error) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}

	return job, r.queue.PositionOf(job.ID), nil
}
