package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/magnetdrive/internal/storage"
	"github.com/italolelis/magnetdrive/internal/storage/sqlite"
	"github.com/italolelis/magnetdrive/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepository(t *testing.T) *sqlite.JobRepository {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)

	repo := sqlite.NewJobRepository(db)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func newJob(id, user string, created time.Time) *transfer.Job {
	return &transfer.Job{
		ID:        id,
		UserID:    user,
		Source:    "magnet:?xt=urn:btih:" + id,
		Name:      id,
		Status:    transfer.StatusQueued,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestJobRepository_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)
	created := time.Date(2024, 3, 1, 10, 0, 0, 123, time.UTC)

	require.NoError(t, repo.Insert(ctx, newJob("a", "u1", created)))

	job, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "u1", job.UserID)
	assert.Equal(t, transfer.StatusQueued, job.Status)
	assert.True(t, created.Equal(job.CreatedAt))
	assert.Nil(t, job.CompletedAt)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobRepository_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)
	now := time.Now()

	require.NoError(t, repo.Insert(ctx, newJob("a", "u1", now)))
	require.NoError(t, repo.UpdateStatus(ctx, "a", transfer.StatusChange{Status: transfer.StatusDownloading, Handle: "hash", At: now}))
	require.NoError(t, repo.UpdateProgress(ctx, "a", transfer.ProgressUpdate{Percent: 40, Seeders: 3, Size: 100, At: now}))
	require.NoError(t, repo.UpdateStatus(ctx, "a", transfer.StatusChange{Status: transfer.StatusUploading, At: now}))
	require.NoError(t, repo.UpdateStatus(ctx, "a", transfer.StatusChange{
		Status:        transfer.StatusCompleted,
		ShareableLink: "https://share.example/a",
		RemoteID:      "remote-a",
		At:            now,
	}))

	job, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, job.Status)
	assert.Equal(t, "hash", job.Handle)
	assert.Equal(t, "https://share.example/a", job.ShareableLink)
	assert.Equal(t, "remote-a", job.RemoteID)
	assert.Empty(t, job.Error)
	assert.InDelta(t, 40, job.Progress, 0.001)
	assert.EqualValues(t, 100, job.Size)
	require.NotNil(t, job.CompletedAt)
}

func TestJobRepository_RejectsInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)

	require.NoError(t, repo.Insert(ctx, newJob("a", "u1", time.Now())))

	var te *transfer.TransitionError

	err := repo.UpdateStatus(ctx, "a", transfer.StatusChange{Status: transfer.StatusUploading})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transfer.StatusQueued, te.From)

	require.NoError(t, repo.UpdateStatus(ctx, "a", transfer.StatusChange{Status: transfer.StatusFailed, Error: "cancelled"}))

	err = repo.UpdateStatus(ctx, "a", transfer.StatusChange{Status: transfer.StatusFailed, Error: "again"})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transfer.StatusFailed, te.From)

	job, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", job.Error, "terminal jobs must not change")

	err = repo.UpdateStatus(ctx, "missing", transfer.StatusChange{Status: transfer.StatusFailed, Error: "x"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobRepository_ProgressNeverGoesBackwards(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)

	require.NoError(t, repo.Insert(ctx, newJob("a", "u1", time.Now())))

	// Progress is only recorded while downloading.
	require.NoError(t, repo.UpdateProgress(ctx, "a", transfer.ProgressUpdate{Percent: 10}))
	job, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, job.Progress)

	require.NoError(t, repo.UpdateStatus(ctx, "a", transfer.StatusChange{Status: transfer.StatusDownloading, Handle: "h"}))
	require.NoError(t, repo.UpdateProgress(ctx, "a", transfer.ProgressUpdate{Percent: 60, Name: "ubuntu.iso"}))
	require.NoError(t, repo.UpdateProgress(ctx, "a", transfer.ProgressUpdate{Percent: 30}))

	job, err = repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.InDelta(t, 60, job.Progress, 0.001)
	assert.Equal(t, "ubuntu.iso", job.Name)

	assert.ErrorIs(t, repo.UpdateProgress(ctx, "missing", transfer.ProgressUpdate{Percent: 1}), storage.ErrNotFound)
}

func TestJobRepository_Listing(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Insert(ctx, newJob("first", "u1", base)))
	require.NoError(t, repo.Insert(ctx, newJob("second", "u1", base.Add(500*time.Millisecond))))
	require.NoError(t, repo.Insert(ctx, newJob("third", "u2", base.Add(time.Second))))
	require.NoError(t, repo.UpdateStatus(ctx, "second", transfer.StatusChange{Status: transfer.StatusFailed, Error: "cancelled"}))

	jobs, err := repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "second", jobs[0].ID)
	assert.Equal(t, "first", jobs[1].ID)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "first", active[0].ID)
	assert.Equal(t, "third", active[1].ID)
}
