package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/stall"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

// runJob drives one job to a terminal status. It always reports back on s.finished.
func (s *Scheduler) runJob(ctx context.Context, job *transfer.Job) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		s.finished <- job.ID
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "job task panicked", "panic", r)
			s.tel.RecordSystemError("scheduler", "panic")
			s.fail(ctx, job, fmt.Errorf("internal error: %v", r))
		}
	}()

	if err := s.process(ctx, job); err != nil {
		if s.shuttingDown(ctx) {
			logger.InfoContext(ctx, "job interrupted by shutdown", "status", job.Status)

			return
		}

		if errors.Is(context.Cause(ctx), transfer.ErrCancelled) {
			err = transfer.ErrCancelled
		}

		logger.ErrorContext(ctx, "job failed", "status", job.Status, "err", err)
		s.fail(ctx, job, err)
	}
}

// process runs the job steps in order and returns the first failure.
func (s *Scheduler) process(ctx context.Context, job *transfer.Job) error {
	logger := logctx.LoggerFromContext(ctx)

	if job.Handle == "" {
		source, err := transfer.ParseSource(job.Source)
		if err != nil {
			return err
		}

		savePath := filepath.Join(s.opts.DownloadDir, job.UserID)

		// Record the handle locally first so a failing start or status write still cleans up the torrent.
		handle, err := s.driver.Start(ctx, source, savePath, job.UserID)
		if handle != "" {
			job.Handle = handle
		}

		if err != nil {
			return err
		}

		if err := s.transition(ctx, job, transfer.StatusChange{Status: transfer.StatusDownloading, Handle: handle}); err != nil {
			return err
		}

		logger.InfoContext(ctx, "torrent submitted", "handle", handle, "save_path", savePath)
	}

	var progress *transfer.Progress

	err := s.tel.InstrumentDownload(ctx, func(ctx context.Context) error {
		var err error

		progress, err = s.download(ctx, job)

		return err
	})
	if err != nil {
		return err
	}

	payloadPath := progress.PayloadPath
	if payloadPath == "" {
		payloadPath = filepath.Join(s.opts.DownloadDir, job.UserID, job.Name)
	}

	if err := s.transition(ctx, job, transfer.StatusChange{Status: transfer.StatusUploading}); err != nil {
		return err
	}

	logger.InfoContext(ctx, "download complete, uploading", "payload_path", payloadPath)

	obj, err := s.uploader.Upload(ctx, payloadPath, job.Name, "")
	if err != nil {
		return err
	}

	link, err := s.uploader.GenerateShareableLink(ctx, obj.ID)
	if err != nil {
		return err
	}

	if err := s.transition(ctx, job, transfer.StatusChange{
		Status:        transfer.StatusCompleted,
		ShareableLink: link,
		RemoteID:      obj.ID,
	}); err != nil {
		return err
	}

	logger.InfoContext(ctx, "job completed", "remote_id", obj.ID)

	s.cleanup(ctx, job.Handle)
	s.finish(ctx, job, nil)

	return nil
}

// download polls the daemon until the payload is complete or the job must fail.
func (s *Scheduler) download(ctx context.Context, job *transfer.Job) (*transfer.Progress, error) {
	logger := logctx.LoggerFromContext(ctx)
	monitor := stall.NewMonitor(s.opts.StallTimeout, s.opts.StallCeiling, s.now())

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var consecutiveErrors int

	for {
		p, err := s.driver.Progress(ctx, job.Handle)

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}

			var notFound *transfer.HandleNotFoundError
			if errors.As(err, &notFound) {
				return nil, err
			}

			consecutiveErrors++
			logger.WarnContext(ctx, "failed to poll torrent progress",
				"handle", job.Handle, "consecutive_errors", consecutiveErrors, "err", err)

			if consecutiveErrors >= s.opts.MaxPollErrors {
				return nil, err
			}
		default:
			consecutiveErrors = 0

			if done, err := s.observe(ctx, job, monitor, p); done || err != nil {
				return p, err
			}
		}

		if monitor.Expired(s.now()) {
			s.tel.RecordStall("expired")

			return nil, monitor.Reason()
		}

		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// observe records one progress snapshot. It reports done once the payload is complete.
func (s *Scheduler) observe(ctx context.Context, job *transfer.Job, monitor *stall.Monitor, p *transfer.Progress) (bool, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := s.now()

	update := p.Update()
	update.At = now

	if err := s.store.UpdateProgress(ctx, job.ID, update); err != nil {
		logger.WarnContext(ctx, "failed to persist progress", "err", err)
	} else if p.Percent >= job.Progress {
		job.Progress = p.Percent
	}

	if p.IsErrored() {
		return false, &transfer.DaemonError{Operation: "progress", Message: fmt.Sprintf("torrent is in state %q", p.DaemonState)}
	}

	if p.BytesTotal > s.opts.MaxPayloadSize {
		return false, &transfer.PayloadTooLargeError{Size: p.BytesTotal, Limit: s.opts.MaxPayloadSize}
	}

	if p.Name != "" {
		job.Name = p.Name
	}

	if p.IsComplete() {
		return true, nil
	}

	previous := monitor.State()

	switch state := monitor.Observe(p, now); state {
	case stall.Stopped:
		var noSeeders *transfer.NoSeedersError
		if errors.As(monitor.Reason(), &noSeeders) {
			s.tel.RecordStall("no_seeders")

			if err := s.driver.Pause(ctx, job.Handle); err != nil {
				logger.WarnContext(ctx, "failed to pause stalled torrent", "handle", job.Handle, "err", err)
			}
		} else {
			s.tel.RecordStall("expired")
		}

		return false, monitor.Reason()
	default:
		if state != previous {
			logger.InfoContext(ctx, "seeder health changed", "from", previous, "to", state, "seeders", p.Seeders)
		}
	}

	logger.DebugContext(ctx, "torrent progress",
		"percent", p.Percent, "seeders", p.Seeders, "download_speed", p.DownloadSpeed)

	return false, nil
}

// fail records the failure, releases the daemon handle and publishes the event.
func (s *Scheduler) fail(ctx context.Context, job *transfer.Job, cause error) {
	logger := logctx.LoggerFromContext(ctx)

	msg := cause.Error()
	if errors.Is(cause, transfer.ErrCancelled) {
		msg = transfer.ErrCancelled.Error()
	}

	// The task context may already be cancelled; the failure must still be persisted.
	ctx = context.WithoutCancel(ctx)

	if err := s.transition(ctx, job, transfer.StatusChange{Status: transfer.StatusFailed, Error: msg}); err != nil {
		logger.ErrorContext(ctx, "failed to persist job failure", "err", err)
	}

	if job.Handle != "" {
		s.cleanup(ctx, job.Handle)
	}

	s.finish(ctx, job, cause)
}

// cleanup removes the torrent and its files from the daemon. Errors are logged and ignored.
func (s *Scheduler) cleanup(ctx context.Context, handle string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CleanupTimeout)
	defer cancel()

	if err := s.driver.Cleanup(ctx, handle, true); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to clean up torrent", "handle", handle, "err", err)
	}
}

func (s *Scheduler) transition(ctx context.Context, job *transfer.Job, change transfer.StatusChange) error {
	change.At = s.now()

	if err := s.store.UpdateStatus(ctx, job.ID, change); err != nil {
		return fmt.Errorf("failed to move job to %s: %w", change.Status, err)
	}

	job.Apply(change)

	return nil
}

// shuttingDown reports whether the task was stopped by process shutdown rather than by a user.
func (s *Scheduler) shuttingDown(ctx context.Context) bool {
	return ctx.Err() != nil && !errors.Is(context.Cause(ctx), transfer.ErrCancelled)
}
