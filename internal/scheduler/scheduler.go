// Package scheduler runs admitted jobs through download, upload and link generation
// while keeping at most a fixed number of them active.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/queue"
	"github.com/italolelis/magnetdrive/internal/stall"
	"github.com/italolelis/magnetdrive/internal/storage"
	"github.com/italolelis/magnetdrive/internal/telemetry"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

const (
	DefaultCapacity       = 5
	DefaultPollInterval   = 10 * time.Second
	DefaultMaxPollErrors  = 6
	DefaultCleanupTimeout = 30 * time.Second

	eventBuffer = 64
)

// Options configures a Scheduler. Zero values fall back to the defaults.
type Options struct {
	Capacity       int
	DownloadDir    string
	PollInterval   time.Duration
	MaxPollErrors  int
	StallTimeout   time.Duration
	StallCeiling   time.Duration
	MaxPayloadSize int64
	CleanupTimeout time.Duration
	Reconcile      ReconcilePolicy
}

func (o *Options) setDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}

	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}

	if o.MaxPollErrors <= 0 {
		o.MaxPollErrors = DefaultMaxPollErrors
	}

	if o.StallTimeout <= 0 {
		o.StallTimeout = stall.DefaultTimeout
	}

	if o.StallCeiling <= 0 {
		o.StallCeiling = stall.DefaultCeiling
	}

	if o.MaxPayloadSize <= 0 {
		o.MaxPayloadSize = queue.DefaultMaxPayloadSize
	}

	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = DefaultCleanupTimeout
	}

	if o.Reconcile == "" {
		o.Reconcile = ReconcileFail
	}
}

// Event is published when a job reaches a terminal status.
type Event struct {
	Job transfer.Job
}

type cancelRequest struct {
	jobID string
	reply chan error
}

// Scheduler owns the active set. Only the goroutine running Run mutates it.
type Scheduler struct {
	queue    *queue.Queue
	store    storage.JobStore
	driver   transfer.TorrentDriver
	uploader transfer.CloudUploader
	tel      *telemetry.Telemetry
	opts     Options

	mu     sync.RWMutex
	active map[string]context.CancelCauseFunc

	finished chan string
	cancels  chan cancelRequest
	events   chan Event

	now func() time.Time
}

// New creates a scheduler. Run must be called to start processing.
func New(
	q *queue.Queue,
	store storage.JobStore,
	driver transfer.TorrentDriver,
	uploader transfer.CloudUploader,
	tel *telemetry.Telemetry,
	opts Options,
) *Scheduler {
	opts.setDefaults()

	return &Scheduler{
		queue:    q,
		store:    store,
		driver:   driver,
		uploader: uploader,
		tel:      tel,
		opts:     opts,
		active:   make(map[string]context.CancelCauseFunc),
		finished: make(chan string),
		cancels:  make(chan cancelRequest),
		events:   make(chan Event, eventBuffer),
		now:      time.Now,
	}
}

// Events delivers terminal job events. The channel is closed when Run returns.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Capacity returns the maximum number of active jobs.
func (s *Scheduler) Capacity() int {
	return s.opts.Capacity
}

// ActiveIDs returns the ids of the jobs currently holding a slot.
func (s *Scheduler) ActiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}

	return ids
}

// IsActive reports whether jobID holds a slot.
func (s *Scheduler) IsActive(jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.active[jobID]

	return ok
}

// Run reconciles persisted state and then runs the coordination loop until ctx is done.
// On shutdown active tasks are stopped without touching their records.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.events)

	logger := logctx.LoggerFromContext(ctx)

	resumed, err := s.reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile jobs: %w", err)
	}

	for _, job := range resumed {
		s.launch(ctx, job)
	}

	logger.InfoContext(ctx, "scheduler started",
		"capacity", s.opts.Capacity, "pending", s.queue.Len(), "resumed", len(resumed))

	for {
		s.fill(ctx)

		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "shutting down scheduler", "active", s.activeCount())
			s.drain()

			return nil
		case <-s.queue.Wake():
		case id := <-s.finished:
			s.remove(id)
		case req := <-s.cancels:
			req.reply <- s.handleCancel(ctx, req.jobID)
		}
	}
}

// Cancel stops a pending or active job and marks it Failed "cancelled".
// It returns storage.ErrNotFound for unknown ids and a *transfer.TransitionError for finished jobs.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	req := cancelRequest{jobID: jobID, reply: make(chan error, 1)}

	select {
	case s.cancels <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fill(ctx context.Context) {
	for s.activeCount() < s.opts.Capacity {
		job, ok := s.queue.Dequeue()
		if !ok {
			return
		}

		s.launch(ctx, job)
	}
}

func (s *Scheduler) launch(ctx context.Context, job *transfer.Job) {
	taskCtx, cancel := context.WithCancelCause(logctx.WithJob(ctx, job.ID, job.UserID))

	s.mu.Lock()
	s.active[job.ID] = cancel
	s.mu.Unlock()

	s.tel.IncrementActiveJobs()

	go s.runJob(taskCtx, job)
}

func (s *Scheduler) remove(id string) {
	s.mu.Lock()
	cancel, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()

	if ok {
		cancel(nil)
		s.tel.DecrementActiveJobs()
	}
}

func (s *Scheduler) drain() {
	s.mu.RLock()
	for _, cancel := range s.active {
		cancel(context.Canceled)
	}
	s.mu.RUnlock()

	for s.activeCount() > 0 {
		s.remove(<-s.finished)
	}
}

func (s *Scheduler) activeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.active)
}

func (s *Scheduler) handleCancel(ctx context.Context, jobID string) error {
	s.mu.RLock()
	cancel, active := s.active[jobID]
	s.mu.RUnlock()

	if active {
		// The task may have finished while its exit message is still pending.
		job, err := s.store.Get(ctx, jobID)
		if err != nil {
			return err
		}

		if job.Status.IsTerminal() {
			return &transfer.TransitionError{From: job.Status, To: transfer.StatusFailed, Reason: "job already finished"}
		}

		cancel(transfer.ErrCancelled)

		return nil
	}

	if job, ok := s.queue.Remove(jobID); ok {
		change := transfer.StatusChange{Status: transfer.StatusFailed, Error: transfer.ErrCancelled.Error(), At: s.now()}
		if err := s.store.UpdateStatus(ctx, jobID, change); err != nil {
			return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
		}

		job.Apply(change)
		s.finish(ctx, job, transfer.ErrCancelled)

		return nil
	}

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status.IsTerminal() {
		return &transfer.TransitionError{From: job.Status, To: transfer.StatusFailed, Reason: "job already finished"}
	}

	return errors.New("job is not scheduled")
}

// finish publishes the terminal event and returns the quota reservation.
func (s *Scheduler) finish(ctx context.Context, job *transfer.Job, cause error) {
	s.queue.Release(job.ID)

	s.tel.RecordJobFinished(string(job.Status), reasonLabel(cause))

	select {
	case s.events <- Event{Job: *job}:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "event buffer full, dropping job event",
			"job_id", job.ID, "status", job.Status)
	}
}

// reasonLabel maps a failure cause to a bounded metric label.
func reasonLabel(err error) string {
	var (
		noSeeders *transfer.NoSeedersError
		expired   *transfer.ExpiredError
		daemon    *transfer.DaemonError
		notFound  *transfer.HandleNotFoundError
		space     *transfer.InsufficientSpaceError
		upload    *transfer.UploadError
		link      *transfer.LinkError
		tooLarge  *transfer.PayloadTooLargeError
	)

	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, transfer.ErrCancelled):
		return "cancelled"
	case errors.Is(err, transfer.ErrInterrupted):
		return "interrupted"
	case errors.As(err, &noSeeders):
		return "no_seeders"
	case errors.As(err, &expired):
		return "expired"
	case errors.As(err, &daemon):
		return "daemon_unavailable"
	case errors.As(err, &notFound):
		return "handle_not_found"
	case errors.As(err, &space):
		return "insufficient_space"
	case errors.As(err, &upload):
		return "upload_failed"
	case errors.As(err, &link):
		return "link_failed"
	case errors.As(err, &tooLarge):
		return "payload_too_large"
	default:
		return "other"
	}
}
