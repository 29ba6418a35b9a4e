package storage

import (
	"context"

	"github.com/italolelis/magnetdrive/internal/telemetry"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

// InstrumentedJobStore wraps a JobStore with telemetry.
type InstrumentedJobStore struct {
	store     JobStore
	telemetry *telemetry.Telemetry
}

// NewInstrumentedJobStore creates a new instrumented job store.
func NewInstrumentedJobStore(store JobStore, tel *telemetry.Telemetry) *InstrumentedJobStore {
	return &InstrumentedJobStore{
		store:     store,
		telemetry: tel,
	}
}

// Insert stores a new job with telemetry.
func (s *InstrumentedJobStore) Insert(ctx context.Context, job *transfer.Job) error {
	return s.telemetry.InstrumentDBOperation(ctx, "insert_job", func(ctx context.Context) error {
		return s.store.Insert(ctx, job)
	})
}

// UpdateStatus updates a job status with telemetry.
func (s *InstrumentedJobStore) UpdateStatus(ctx context.Context, id string, change transfer.StatusChange) error {
	return s.telemetry.InstrumentDBOperation(ctx, "update_job_status", func(ctx context.Context) error {
		return s.store.UpdateStatus(ctx, id, change)
	})
}

// UpdateProgress updates a job progress with telemetry.
func (s *InstrumentedJobStore) UpdateProgress(ctx context.Context, id string, update transfer.ProgressUpdate) error {
	return s.telemetry.InstrumentDBOperation(ctx, "update_job_progress", func(ctx context.Context) error {
		return s.store.UpdateProgress(ctx, id, update)
	})
}

// Get retrieves a job with telemetry.
func (s *InstrumentedJobStore) Get(ctx context.Context, id string) (*transfer.Job, error) {
	var result *transfer.Job

	err := s.telemetry.InstrumentDBOperation(ctx, "get_job", func(ctx context.Context) error {
		var err error

		result, err = s.store.Get(ctx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ListByUser lists a user's jobs with telemetry.
func (s *InstrumentedJobStore) ListByUser(ctx context.Context, userID string) ([]*transfer.Job, error) {
	var result []*transfer.Job

	err := s.telemetry.InstrumentDBOperation(ctx, "list_jobs_by_user", func(ctx context.Context) error {
		var err error

		result, err = s.store.ListByUser(ctx, userID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ListActive lists non-terminal jobs with telemetry.
func (s *InstrumentedJobStore) ListActive(ctx context.Context) ([]*transfer.Job, error) {
	var result []*transfer.Job

	err := s.telemetry.InstrumentDBOperation(ctx, "list_active_jobs", func(ctx context.Context) error {
		var err error

		result, err = s.store.ListActive(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Close closes the wrapped store.
func (s *InstrumentedJobStore) Close() error {
	return s.store.Close()
}
