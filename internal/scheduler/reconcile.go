package scheduler

import (
	"context"
	"fmt"

	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

// ReconcilePolicy decides what happens to jobs that were active when the process stopped.
type ReconcilePolicy string

const (
	// ReconcileFail marks interrupted jobs Failed and cleans up their torrents.
	ReconcileFail ReconcilePolicy = "fail"
	// ReconcileReattach resumes polling downloads the daemon still knows about.
	ReconcileReattach ReconcilePolicy = "reattach"
)

// ParseReconcilePolicy validates a policy name.
func ParseReconcilePolicy(s string) (ReconcilePolicy, error) {
	switch p := ReconcilePolicy(s); p {
	case ReconcileFail, ReconcileReattach:
		return p, nil
	case "":
		return ReconcileFail, nil
	default:
		return "", fmt.Errorf("unknown reconcile policy %q", s)
	}
}

// reconcile restores persisted non-terminal jobs. Queued jobs go back to the FIFO in
// creation order; Downloading and Uploading jobs are failed or, under the reattach policy,
// returned for resumption when the daemon still knows their handle.
func (s *Scheduler) reconcile(ctx context.Context) ([]*transfer.Job, error) {
	logger := logctx.LoggerFromContext(ctx)

	jobs, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var resumed []*transfer.Job

	for _, job := range jobs {
		switch job.Status {
		case transfer.StatusQueued:
			s.queue.Restore(job)

			continue
		case transfer.StatusDownloading:
			if s.canReattach(ctx, job, len(resumed)) {
				s.queue.Adopt(job)
				resumed = append(resumed, job)

				logger.InfoContext(ctx, "reattached to download", "job_id", job.ID, "handle", job.Handle)

				continue
			}
		}

		logger.WarnContext(ctx, "failing interrupted job", "job_id", job.ID, "status", job.Status)

		jobCtx := logctx.WithJob(ctx, job.ID, job.UserID)
		s.queue.Adopt(job)
		s.fail(jobCtx, job, transfer.ErrInterrupted)
	}

	return resumed, nil
}

func (s *Scheduler) canReattach(ctx context.Context, job *transfer.Job, alreadyResumed int) bool {
	if s.opts.Reconcile != ReconcileReattach || job.Handle == "" || alreadyResumed >= s.opts.Capacity {
		return false
	}

	if _, err := s.driver.Progress(ctx, job.Handle); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "daemon cannot resume job",
			"job_id", job.ID, "handle", job.Handle, "err", err)

		return false
	}

	return true
}
