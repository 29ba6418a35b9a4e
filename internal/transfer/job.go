package transfer

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

var transitions = map[Status][]Status{
	StatusQueued:      {StatusDownloading, StatusFailed},
	StatusDownloading: {StatusUploading, StatusFailed},
	StatusUploading:   {StatusCompleted, StatusFailed},
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusDownloading, StatusUploading, StatusCompleted, StatusFailed:
		return true
	}

	return false
}

// CanTransition reports whether a job may move from s to next.
func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// PredecessorsOf returns the statuses a job may be in right before entering s.
func PredecessorsOf(s Status) []Status {
	var from []Status

	for _, candidate := range []Status{StatusQueued, StatusDownloading, StatusUploading} {
		if candidate.CanTransition(s) {
			from = append(from, candidate)
		}
	}

	return from
}

// ActiveStatuses are the non-terminal statuses.
func ActiveStatuses() []Status {
	return []Status{StatusQueued, StatusDownloading, StatusUploading}
}

// Job is one magnet-link-to-cloud-link transfer request.
type Job struct {
	ID            string
	UserID        string
	Source        string
	Handle        string
	Name          string
	Size          int64
	Progress      float64
	Seeders       int
	DownloadSpeed int64
	Status        Status
	Error         string
	ShareableLink string
	RemoteID      string
	PayloadPath   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// NewJob returns a queued job owned by userID.
func NewJob(id, userID string, source *Source, now time.Time) *Job {
	return &Job{
		ID:        id,
		UserID:    userID,
		Source:    source.URI,
		Name:      source.DisplayName,
		Size:      source.Length,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// StatusChange describes a transition persisted through a JobStore.
// Handle is only honoured when entering StatusDownloading, Error only for StatusFailed,
// ShareableLink and RemoteID only for StatusCompleted.
type StatusChange struct {
	Status        Status
	Handle        string
	Error         string
	ShareableLink string
	RemoteID      string
	At            time.Time
}

// Validate checks the payload of the change against the target status.
func (c StatusChange) Validate() error {
	if !c.Status.IsValid() || c.Status == StatusQueued {
		return &TransitionError{To: c.Status, Reason: "not a valid target status"}
	}

	switch c.Status {
	case StatusDownloading:
		if c.Handle == "" {
			return &TransitionError{To: c.Status, Reason: "daemon handle is required"}
		}
	case StatusCompleted:
		if c.ShareableLink == "" {
			return &TransitionError{To: c.Status, Reason: "shareable link is required"}
		}
	case StatusFailed:
		if c.Error == "" {
			return &TransitionError{To: c.Status, Reason: "error detail is required"}
		}
	}

	return nil
}

// Apply mutates j according to c. It does not check the transition; stores do that atomically.
func (j *Job) Apply(c StatusChange) {
	j.Status = c.Status
	j.UpdatedAt = c.At

	switch c.Status {
	case StatusDownloading:
		if j.Handle == "" {
			j.Handle = c.Handle
		}
	case StatusCompleted:
		j.ShareableLink = c.ShareableLink
		j.RemoteID = c.RemoteID
		j.Error = ""
		at := c.At
		j.CompletedAt = &at
	case StatusFailed:
		j.Error = c.Error
		j.ShareableLink = ""
		at := c.At
		j.CompletedAt = &at
	}
}

// ProgressUpdate is a snapshot of daemon-reported progress for a downloading job.
type ProgressUpdate struct {
	Percent       float64
	Size          int64
	Seeders       int
	DownloadSpeed int64
	Name          string
	PayloadPath   string
	At            time.Time
}
