package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/magnetdrive/internal/storage"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

// timeLayout is fixed width so that timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `id, user_id, source, handle, name, size, progress, seeders, download_speed,
	status, error, shareable_link, remote_id, payload_path, created_at, updated_at, completed_at`

// JobRepository implements storage.JobStore and stores jobs in SQLite.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Insert stores a new job. The id must be unique.
func (r *JobRepository) Insert(ctx context.Context, job *transfer.Job) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.Source, job.Handle, job.Name, job.Size, job.Progress, job.Seeders,
		job.DownloadSpeed, string(job.Status), job.Error, job.ShareableLink, job.RemoteID, job.PayloadPath,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt), formatNullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}

	return nil
}

// UpdateStatus applies the change only when the stored status is a valid predecessor.
func (r *JobRepository) UpdateStatus(ctx context.Context, id string, change transfer.StatusChange) error {
	if err := change.Validate(); err != nil {
		return err
	}

	if change.At.IsZero() {
		change.At = time.Now()
	}

	from := transfer.PredecessorsOf(change.Status)

	var (
		set  string
		args []any
	)

	switch change.Status {
	case transfer.StatusDownloading:
		set = `handle = CASE WHEN handle = '' THEN ? ELSE handle END`
		args = append(args, change.Handle)
	case transfer.StatusCompleted:
		set = `shareable_link = ?, remote_id = ?, error = '', completed_at = ?`
		args = append(args, change.ShareableLink, change.RemoteID, formatTime(change.At))
	case transfer.StatusFailed:
		set = `error = ?, shareable_link = '', completed_at = ?`
		args = append(args, change.Error, formatTime(change.At))
	}

	query := `UPDATE jobs SET status = ?, updated_at = ?`
	if set != "" {
		query += ", " + set
	}

	query += ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`

	all := []any{string(change.Status), formatTime(change.At)}
	all = append(all, args...)
	all = append(all, id)

	for _, s := range from {
		all = append(all, string(s))
	}

	res, err := r.db.ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("failed to update status of job %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected > 0 {
		return nil
	}

	current, err := r.status(ctx, id)
	if err != nil {
		return err
	}

	return &transfer.TransitionError{From: current, To: change.Status, Reason: "transition not allowed"}
}

// UpdateProgress stores the snapshot unless it would move the progress backwards.
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, update transfer.ProgressUpdate) error {
	if update.At.IsZero() {
		update.At = time.Now()
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET
			progress = ?,
			size = CASE WHEN ? > 0 THEN ? ELSE size END,
			seeders = ?,
			download_speed = ?,
			name = CASE WHEN ? <> '' THEN ? ELSE name END,
			payload_path = CASE WHEN ? <> '' THEN ? ELSE payload_path END,
			updated_at = ?
		WHERE id = ? AND status = ? AND progress <= ?`,
		update.Percent,
		update.Size, update.Size,
		update.Seeders,
		update.DownloadSpeed,
		update.Name, update.Name,
		update.PayloadPath, update.PayloadPath,
		formatTime(update.At),
		id, string(transfer.StatusDownloading), update.Percent,
	)
	if err != nil {
		return fmt.Errorf("failed to update progress of job %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		// Stale snapshots are ignored; only an unknown id is reported.
		if _, err := r.status(ctx, id); err != nil {
			return err
		}
	}

	return nil
}

// Get returns a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*transfer.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	return job, nil
}

// ListByUser returns the jobs of a user, most recent first.
func (r *JobRepository) ListByUser(ctx context.Context, userID string) ([]*transfer.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs of user %s: %w", userID, err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListActive returns the non-terminal jobs in creation order.
func (r *JobRepository) ListActive(ctx context.Context) ([]*transfer.Job, error) {
	active := transfer.ActiveStatuses()

	args := make([]any, 0, len(active))
	for _, s := range active {
		args = append(args, string(s))
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (`+placeholders(len(active))+`) ORDER BY created_at ASC, id ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// Close closes the underlying database.
func (r *JobRepository) Close() error {
	return r.db.Close()
}

func (r *JobRepository) status(ctx context.Context, id string) (transfer.Status, error) {
	var status string

	err := r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}

	if err != nil {
		return "", err
	}

	return transfer.Status(status), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*transfer.Job, error) {
	var (
		job                  transfer.Job
		status               string
		createdAt, updatedAt string
		completedAt          sql.NullString
	)

	err := s.Scan(
		&job.ID, &job.UserID, &job.Source, &job.Handle, &job.Name, &job.Size, &job.Progress, &job.Seeders,
		&job.DownloadSpeed, &status, &job.Error, &job.ShareableLink, &job.RemoteID, &job.PayloadPath,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = transfer.Status(status)

	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}

		job.CompletedAt = &t
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*transfer.Job, error) {
	var jobs []*transfer.Job

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}

	return t, nil
}
