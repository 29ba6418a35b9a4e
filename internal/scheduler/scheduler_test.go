package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/magnetdrive/internal/queue"
	"github.com/italolelis/magnetdrive/internal/scheduler"
	"github.com/italolelis/magnetdrive/internal/storage"
	"github.com/italolelis/magnetdrive/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func infoHash(i int) string {
	return fmt.Sprintf("%040x", i+1)
}

func magnet(i int) string {
	return fmt.Sprintf("magnet:?xt=urn:btih:%s&dn=file-%d", infoHash(i), i)
}

type harness struct {
	store    *memStore
	queue    *queue.Queue
	driver   *fakeDriver
	uploader *fakeUploader
	sched    *scheduler.Scheduler
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T, opts scheduler.Options) *harness {
	t.Helper()

	h := &harness{
		store:    newMemStore(),
		driver:   &fakeDriver{},
		uploader: &fakeUploader{},
	}
	h.queue = queue.New(h.store, nil, queue.Options{Quota: 10})

	return h.with(opts)
}

func (h *harness) with(opts scheduler.Options) *harness {
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}

	h.sched = scheduler.New(h.queue, h.store, h.driver, h.uploader, nil, opts)

	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)

	go func() { h.done <- h.sched.Run(ctx) }()

	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}

	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *harness) add(t *testing.T, user string, i int) *transfer.Job {
	t.Helper()

	job, _, err := h.queue.Add(context.Background(), user, magnet(i))
	require.NoError(t, err)

	return job
}

func (h *harness) waitStatus(t *testing.T, id string, status transfer.Status) *transfer.Job {
	t.Helper()

	require.Eventually(t, func() bool { return h.store.status(id) == status }, waitFor, tick,
		"job %s never reached %s", id, status)

	job, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)

	return job
}

func TestScheduler_CompletesJob(t *testing.T) {
	h := newHarness(t, scheduler.Options{})
	h.start(t)

	job := h.add(t, "alice", 0)
	done := h.waitStatus(t, job.ID, transfer.StatusCompleted)

	assert.Equal(t, infoHash(0), done.Handle)
	assert.Equal(t, "https://share.example/remote-1", done.ShareableLink)
	assert.Equal(t, "remote-1", done.RemoteID)
	assert.Empty(t, done.Error)
	require.NotNil(t, done.CompletedAt)

	assert.Eventually(t, func() bool { return h.driver.wasCleaned(infoHash(0)) }, waitFor, tick)
	assert.Equal(t, []string{"/downloads/" + infoHash(0)}, h.uploader.uploads())

	select {
	case ev := <-h.sched.Events():
		assert.Equal(t, job.ID, ev.Job.ID)
		assert.Equal(t, transfer.StatusCompleted, ev.Job.Status)
	case <-time.After(waitFor):
		t.Fatal("expected a completion event")
	}

	assert.Eventually(t, func() bool { return h.queue.Outstanding("alice") == 0 }, waitFor, tick)
}

func TestScheduler_NoSeedersFailsJob(t *testing.T) {
	h := newHarness(t, scheduler.Options{StallTimeout: 50 * time.Millisecond})
	h.driver.progress = func(string) (*transfer.Progress, error) {
		return &transfer.Progress{Percent: 12, Seeders: 0}, nil
	}
	h.start(t)

	job := h.add(t, "alice", 0)
	failed := h.waitStatus(t, job.ID, transfer.StatusFailed)

	assert.Contains(t, failed.Error, "No seeders")
	assert.Empty(t, failed.ShareableLink)
	assert.True(t, h.driver.wasPaused(infoHash(0)))
	assert.Eventually(t, func() bool { return h.driver.wasCleaned(infoHash(0)) }, waitFor, tick)
}

func TestScheduler_InsufficientSpaceFailsWithCleanup(t *testing.T) {
	h := newHarness(t, scheduler.Options{})
	h.uploader.uploadErr = &transfer.InsufficientSpaceError{Required: 2 << 30, Available: 1 << 30}
	h.start(t)

	job := h.add(t, "alice", 0)
	failed := h.waitStatus(t, job.ID, transfer.StatusFailed)

	assert.Contains(t, failed.Error, "InsufficientSpace")
	assert.Eventually(t, func() bool { return h.driver.wasCleaned(infoHash(0)) }, waitFor, tick)
}

func TestScheduler_LinkFailure(t *testing.T) {
	h := newHarness(t, scheduler.Options{})
	h.uploader.linkErr = &transfer.LinkError{RemoteID: "remote-1", Message: "permission denied"}
	h.start(t)

	job := h.add(t, "alice", 0)
	failed := h.waitStatus(t, job.ID, transfer.StatusFailed)

	assert.Equal(t, "LinkGenerationFailed: remote-1: permission denied", failed.Error)
}

func TestScheduler_HandleNotFoundFailsJob(t *testing.T) {
	h := newHarness(t, scheduler.Options{})
	h.driver.progress = func(handle string) (*transfer.Progress, error) {
		return nil, &transfer.HandleNotFoundError{Handle: handle}
	}
	h.start(t)

	job := h.add(t, "alice", 0)
	failed := h.waitStatus(t, job.ID, transfer.StatusFailed)

	assert.Contains(t, failed.Error, "HandleNotFound")
}

func TestScheduler_ToleratesTransientPollErrors(t *testing.T) {
	var (
		mu    sync.Mutex
		polls int
	)

	h := newHarness(t, scheduler.Options{MaxPollErrors: 3})
	h.driver.progress = func(string) (*transfer.Progress, error) {
		mu.Lock()
		defer mu.Unlock()

		polls++
		if polls <= 2 {
			return nil, &transfer.DaemonError{Operation: "progress", Message: "connection refused"}
		}

		return &transfer.Progress{Percent: 100, Seeders: 1}, nil
	}
	h.start(t)

	job := h.add(t, "alice", 0)
	h.waitStatus(t, job.ID, transfer.StatusCompleted)
}

func TestScheduler_PollErrorLimitFailsJob(t *testing.T) {
	h := newHarness(t, scheduler.Options{MaxPollErrors: 2})
	h.driver.progress = func(string) (*transfer.Progress, error) {
		return nil, &transfer.DaemonError{Operation: "progress", Message: "connection refused"}
	}
	h.start(t)

	job := h.add(t, "alice", 0)
	failed := h.waitStatus(t, job.ID, transfer.StatusFailed)

	assert.Equal(t, "DaemonUnavailable: progress: connection refused", failed.Error)
}

func TestScheduler_StartFailure(t *testing.T) {
	h := newHarness(t, scheduler.Options{})
	h.driver.startErr = &transfer.DaemonError{Operation: "start", StatusCode: 503, Message: "unavailable"}
	h.start(t)

	job := h.add(t, "alice", 0)
	failed := h.waitStatus(t, job.ID, transfer.StatusFailed)

	assert.Contains(t, failed.Error, "DaemonUnavailable")
	assert.Empty(t, failed.Handle)
}

func TestScheduler_PayloadCeilingFromDaemon(t *testing.T) {
	h := newHarness(t, scheduler.Options{MaxPayloadSize: 1024})
	h.driver.progress = func(string) (*transfer.Progress, error) {
		return &transfer.Progress{Percent: 1, Seeders: 4, BytesTotal: 4096}, nil
	}
	h.start(t)

	job := h.add(t, "alice", 0)
	failed := h.waitStatus(t, job.ID, transfer.StatusFailed)

	assert.Contains(t, failed.Error, "exceeds limit")
}

// gate keeps downloads running until released.
type gate struct {
	mu       sync.Mutex
	released map[string]bool
}

func (g *gate) release(handle string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.released[handle] = true
}

func (g *gate) progress(handle string) (*transfer.Progress, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released[handle] {
		return &transfer.Progress{Percent: 100, Seeders: 3}, nil
	}

	return &transfer.Progress{Percent: 50, Seeders: 3}, nil
}

func TestScheduler_FreeingASlotStartsExactlyOnePendingJob(t *testing.T) {
	g := &gate{released: make(map[string]bool)}

	h := newHarness(t, scheduler.Options{Capacity: 5})
	h.driver.progress = g.progress

	jobs := make([]*transfer.Job, 8)
	for i := range jobs {
		jobs[i] = h.add(t, fmt.Sprintf("user-%d", i), i)
	}

	h.start(t)

	require.Eventually(t, func() bool { return len(h.driver.startedHandles()) == 5 }, waitFor, tick)
	assert.Len(t, h.sched.ActiveIDs(), 5)
	assert.Equal(t, 3, h.queue.Len())

	// Nothing else starts while all slots are busy.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.driver.startedHandles(), 5)

	g.release(infoHash(2))
	h.waitStatus(t, jobs[2].ID, transfer.StatusCompleted)

	require.Eventually(t, func() bool { return len(h.driver.startedHandles()) == 6 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	started := h.driver.startedHandles()
	require.Len(t, started, 6)
	assert.Equal(t, infoHash(5), started[5], "the FIFO head must start first")
	assert.Equal(t, 2, h.queue.Len())
	assert.Equal(t, 1, h.queue.PositionOf(jobs[6].ID))
	assert.LessOrEqual(t, len(h.sched.ActiveIDs()), 5)
}

func TestScheduler_CancelPendingJob(t *testing.T) {
	g := &gate{released: make(map[string]bool)}

	h := newHarness(t, scheduler.Options{Capacity: 1})
	h.driver.progress = g.progress
	h.start(t)

	running := h.add(t, "alice", 0)
	pending := h.add(t, "alice", 1)
	h.waitStatus(t, running.ID, transfer.StatusDownloading)

	require.NoError(t, h.sched.Cancel(context.Background(), pending.ID))

	failed := h.waitStatus(t, pending.ID, transfer.StatusFailed)
	assert.Equal(t, "cancelled", failed.Error)
	assert.Zero(t, h.queue.PositionOf(pending.ID))
	assert.Equal(t, 1, h.queue.Outstanding("alice"))

	var te *transfer.TransitionError
	require.ErrorAs(t, h.sched.Cancel(context.Background(), pending.ID), &te)
	assert.ErrorIs(t, h.sched.Cancel(context.Background(), "unknown"), storage.ErrNotFound)
}

func TestScheduler_CancelActiveJob(t *testing.T) {
	g := &gate{released: make(map[string]bool)}

	h := newHarness(t, scheduler.Options{})
	h.driver.progress = g.progress
	h.start(t)

	job := h.add(t, "alice", 0)
	h.waitStatus(t, job.ID, transfer.StatusDownloading)

	require.NoError(t, h.sched.Cancel(context.Background(), job.ID))

	failed := h.waitStatus(t, job.ID, transfer.StatusFailed)
	assert.Equal(t, "cancelled", failed.Error)
	assert.Eventually(t, func() bool { return h.driver.wasCleaned(infoHash(0)) }, waitFor, tick)
	assert.Eventually(t, func() bool { return len(h.sched.ActiveIDs()) == 0 }, waitFor, tick)
}

func TestScheduler_CancelWhileTorrentIsBeingAdded(t *testing.T) {
	h := newHarness(t, scheduler.Options{})
	h.driver.afterAdd = func(ctx context.Context) error {
		<-ctx.Done()

		return context.Cause(ctx)
	}
	h.start(t)

	job := h.add(t, "alice", 0)
	require.Eventually(t, func() bool { return len(h.driver.startedHandles()) == 1 }, waitFor, tick)

	require.NoError(t, h.sched.Cancel(context.Background(), job.ID))

	failed := h.waitStatus(t, job.ID, transfer.StatusFailed)
	assert.Equal(t, "cancelled", failed.Error)
	assert.Eventually(t, func() bool { return h.driver.wasCleaned(infoHash(0)) }, waitFor, tick,
		"a torrent added before the cancel must be removed")
}

func TestScheduler_CancelAfterCompletionIsRejected(t *testing.T) {
	release := make(chan struct{})

	h := newHarness(t, scheduler.Options{})
	h.driver.onCleanup = func(string) { <-release }
	h.start(t)

	defer close(release)

	job := h.add(t, "alice", 0)
	h.waitStatus(t, job.ID, transfer.StatusCompleted)

	// The task is still held in cleanup, so the scheduler counts it as active.
	require.Equal(t, []string{job.ID}, h.sched.ActiveIDs())

	var te *transfer.TransitionError
	require.ErrorAs(t, h.sched.Cancel(context.Background(), job.ID), &te)
	assert.Equal(t, transfer.StatusCompleted, te.From)
	assert.Equal(t, transfer.StatusCompleted, h.store.status(job.ID))
}

func TestScheduler_SameTorrentIsNeverTransferredTwice(t *testing.T) {
	g := &gate{released: make(map[string]bool)}

	h := newHarness(t, scheduler.Options{})
	h.driver.progress = g.progress
	h.start(t)

	first := h.add(t, "alice", 0)
	h.waitStatus(t, first.ID, transfer.StatusDownloading)

	_, _, err := h.queue.Add(context.Background(), "bob", magnet(0))

	var dup *transfer.DuplicateSourceError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.JobID)

	require.NoError(t, h.sched.Cancel(context.Background(), first.ID))
	h.waitStatus(t, first.ID, transfer.StatusFailed)
	require.Eventually(t, func() bool { return !h.queue.Holding(infoHash(0)) }, waitFor, tick)

	g.release(infoHash(0))

	second, _, err := h.queue.Add(context.Background(), "bob", magnet(0))
	require.NoError(t, err)
	h.waitStatus(t, second.ID, transfer.StatusCompleted)

	assert.Equal(t, []string{infoHash(0), infoHash(0)}, h.driver.startedHandles())
}

func TestScheduler_ShutdownLeavesRecordsActive(t *testing.T) {
	g := &gate{released: make(map[string]bool)}

	h := newHarness(t, scheduler.Options{})
	h.driver.progress = g.progress
	h.start(t)

	job := h.add(t, "alice", 0)
	h.waitStatus(t, job.ID, transfer.StatusDownloading)

	h.stop()

	assert.Equal(t, transfer.StatusDownloading, h.store.status(job.ID))
	assert.False(t, h.driver.wasCleaned(infoHash(0)))
}

func TestScheduler_ReconcileFailPolicy(t *testing.T) {
	h := newHarness(t, scheduler.Options{})
	ctx := context.Background()
	now := time.Now()

	interrupted := &transfer.Job{ID: "interrupted", UserID: "alice", Source: magnet(0), Handle: infoHash(0),
		Status: transfer.StatusDownloading, CreatedAt: now.Add(-2 * time.Minute)}
	uploading := &transfer.Job{ID: "uploading", UserID: "alice", Source: magnet(1), Handle: infoHash(1),
		Status: transfer.StatusUploading, CreatedAt: now.Add(-time.Minute)}
	queued := &transfer.Job{ID: "queued", UserID: "bob", Source: magnet(2), Name: "file-2",
		Status: transfer.StatusQueued, CreatedAt: now}

	for _, j := range []*transfer.Job{interrupted, uploading, queued} {
		require.NoError(t, h.store.Insert(ctx, j))
	}

	h.start(t)

	failed := h.waitStatus(t, "interrupted", transfer.StatusFailed)
	assert.Equal(t, "interrupted", failed.Error)
	assert.Equal(t, "interrupted", h.waitStatus(t, "uploading", transfer.StatusFailed).Error)
	assert.True(t, h.driver.wasCleaned(infoHash(0)))

	h.waitStatus(t, "queued", transfer.StatusCompleted)
	assert.Eventually(t, func() bool { return h.queue.Outstanding("alice") == 0 }, waitFor, tick)
}

func TestScheduler_ReconcileReattachPolicy(t *testing.T) {
	h := newHarness(t, scheduler.Options{Reconcile: scheduler.ReconcileReattach})
	ctx := context.Background()

	resumable := &transfer.Job{ID: "resumable", UserID: "alice", Source: magnet(0), Handle: infoHash(0),
		Status: transfer.StatusDownloading, CreatedAt: time.Now()}
	require.NoError(t, h.store.Insert(ctx, resumable))

	h.start(t)

	done := h.waitStatus(t, "resumable", transfer.StatusCompleted)
	assert.Equal(t, infoHash(0), done.Handle)
	assert.Empty(t, h.driver.startedHandles(), "a reattached job must not be submitted again")
}

func TestParseReconcilePolicy(t *testing.T) {
	p, err := scheduler.ParseReconcilePolicy("")
	require.NoError(t, err)
	assert.Equal(t, scheduler.ReconcileFail, p)

	p, err = scheduler.ParseReconcilePolicy("reattach")
	require.NoError(t, err)
	assert.Equal(t, scheduler.ReconcileReattach, p)

	_, err = scheduler.ParseReconcilePolicy("resume")
	require.Error(t, err)
}
