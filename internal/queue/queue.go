// Package queue implements admission control: per-user quotas and the global pending FIFO.
package queue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/telemetry"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

const (
	DefaultQuota          = 5
	DefaultMaxPayloadSize = 12 << 30
)

// Inserter persists newly admitted jobs.
type Inserter interface {
	Insert(ctx context.Context, job *transfer.Job) error
}

// Options configures a Queue. Zero values fall back to the defaults.
type Options struct {
	Quota          int
	MaxPayloadSize int64
}

// Queue holds jobs waiting for a scheduler slot.
// A job's quota reservation is taken on Add and only returned by Release, so
// pending and active jobs both count against the user's limit. The reservation
// also claims the job's info hash: two non-terminal jobs never share a torrent.
type Queue struct {
	store          Inserter
	tel            *telemetry.Telemetry
	quota          int
	maxPayloadSize int64

	mu          sync.Mutex
	pending     []*transfer.Job
	outstanding map[string]int
	owners      map[string]reservation
	hashes      map[string]string

	wake chan struct{}
	now  func() time.Time
}

// New creates an empty queue.
func New(store Inserter, tel *telemetry.Telemetry, opts Options) *Queue {
	if opts.Quota <= 0 {
		opts.Quota = DefaultQuota
	}

	if opts.MaxPayloadSize <= 0 {
		opts.MaxPayloadSize = DefaultMaxPayloadSize
	}

	return &Queue{
		store:          store,
		tel:            tel,
		quota:          opts.Quota,
		maxPayloadSize: opts.MaxPayloadSize,
		outstanding:    make(map[string]int),
		owners:         make(map[string]reservation),
		hashes:         make(map[string]string),
		wake:           make(chan struct{}, 1),
		now:            time.Now,
	}
}

// Wake is signalled whenever a job is appended. Signals coalesce.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Add validates source, persists a queued job for userID and appends it to the FIFO.
// It returns the job and its 1-based position.
func (q *Queue) Add(ctx context.Context, userID, rawSource string) (*transfer.Job, int, error) {
	logger := logctx.LoggerFromContext(ctx)

	source, err := transfer.ParseSource(rawSource)
	if err != nil {
		q.tel.RecordAdmission("invalid")

		return nil, 0, err
	}

	if source.Length > q.maxPayloadSize {
		q.tel.RecordAdmission("invalid")

		return nil, 0, &transfer.InvalidSourceError{
			Source: rawSource,
			Reason: "payload exceeds the size limit",
			Err:    &transfer.PayloadTooLargeError{Size: source.Length, Limit: q.maxPayloadSize},
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.outstanding[userID] >= q.quota {
		q.tel.RecordAdmission("quota_exceeded")

		return nil, 0, &transfer.QuotaExceededError{UserID: userID, Limit: q.quota}
	}

	if holder, ok := q.hashes[source.InfoHash]; ok {
		q.tel.RecordAdmission("duplicate")

		return nil, 0, &transfer.DuplicateSourceError{InfoHash: source.InfoHash, JobID: holder}
	}

	job := transfer.NewJob(uuid.NewString(), userID, source, q.now())

	// Held under the lock so FIFO order matches creation order.
	if err := q.store.Insert(ctx, job); err != nil {
		q.tel.RecordAdmission("error")

		return nil, 0, fmt.Errorf("failed to persist job: %w", err)
	}

	q.reserveLocked(job, source.InfoHash)
	q.pending = append(q.pending, job)
	position := len(q.pending)

	q.tel.RecordAdmission("accepted")
	q.tel.AddPendingJobs(1)
	q.signal()

	logger.InfoContext(ctx, "job admitted",
		"job_id", job.ID, "user_id", userID, "info_hash", source.InfoHash, "position", position)

	return job, position, nil
}

// PositionOf returns the 1-based FIFO position of jobID, or 0 when it is not pending.
func (q *Queue) PositionOf(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.indexOf(jobID) + 1
}

// Pending returns the user's pending jobs in FIFO order with their global positions.
func (q *Queue) Pending(userID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var entries []Entry

	for i, job := range q.pending {
		if job.UserID == userID {
			entries = append(entries, Entry{Job: *job, Position: i + 1})
		}
	}

	return entries
}

// Entry is a pending job and its 1-based position in the global FIFO.
type Entry struct {
	Job      transfer.Job
	Position int
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Dequeue pops the FIFO head. The quota reservation stays held until Release.
func (q *Queue) Dequeue() (*transfer.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}

	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	q.tel.AddPendingJobs(-1)

	return job, true
}

// Remove drops a pending job and returns its quota reservation.
// It reports whether the job was pending.
func (q *Queue) Remove(jobID string) (*transfer.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(jobID)
	if i < 0 {
		return nil, false
	}

	job := q.pending[i]
	q.pending = slices.Delete(q.pending, i, i+1)
	q.releaseLocked(jobID)
	q.tel.AddPendingJobs(-1)

	return job, true
}

// Release returns the quota reservation of a job that reached a terminal status.
// Releasing an unknown or already released job is a no-op.
func (q *Queue) Release(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.releaseLocked(jobID)
}

// Restore re-queues a persisted Queued job during restart reconciliation.
// Callers restore in creation order. The quota is not enforced.
func (q *Queue) Restore(job *transfer.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexOf(job.ID) >= 0 {
		return
	}

	q.reserveLocked(job, infoHashOf(job))
	q.pending = append(q.pending, job)
	q.tel.AddPendingJobs(1)
	q.signal()
}

// Adopt accounts for a job that resumes outside the FIFO, such as a re-attached download.
func (q *Queue) Adopt(job *transfer.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reserveLocked(job, infoHashOf(job))
}

// Outstanding returns the number of non-terminal jobs held by the user.
func (q *Queue) Outstanding(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.outstanding[userID]
}

// Holding reports whether the info hash is claimed by a pending or active job.
func (q *Queue) Holding(infoHash string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.hashes[strings.ToLower(infoHash)]

	return ok
}

type reservation struct {
	userID   string
	infoHash string
}

func (q *Queue) reserveLocked(job *transfer.Job, infoHash string) {
	if _, ok := q.owners[job.ID]; ok {
		return
	}

	r := reservation{userID: job.UserID}

	// Restored records are trusted; the first one keeps the claim.
	if infoHash != "" {
		if _, taken := q.hashes[infoHash]; !taken {
			q.hashes[infoHash] = job.ID
			r.infoHash = infoHash
		}
	}

	q.owners[job.ID] = r
	q.outstanding[job.UserID]++
}

func (q *Queue) releaseLocked(jobID string) {
	r, ok := q.owners[jobID]
	if !ok {
		return
	}

	delete(q.owners, jobID)

	if r.infoHash != "" {
		delete(q.hashes, r.infoHash)
	}

	q.outstanding[r.userID]--
	if q.outstanding[r.userID] <= 0 {
		delete(q.outstanding, r.userID)
	}
}

// infoHashOf recovers the info hash of a persisted job.
func infoHashOf(job *transfer.Job) string {
	if job.Handle != "" {
		return strings.ToLower(job.Handle)
	}

	source, err := transfer.ParseSource(job.Source)
	if err != nil {
		return ""
	}

	return source.InfoHash
}

func (q *Queue) indexOf(jobID string) int {
	return slices.IndexFunc(q.pending, func(j *transfer.Job) bool { return j.ID == jobID })
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
