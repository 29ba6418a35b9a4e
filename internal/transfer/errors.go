package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	// ErrInterrupted marks jobs found active when the process restarted.
	ErrInterrupted = errors.New("interrupted")
	// ErrCancelled marks jobs cancelled by their owner.
	ErrCancelled = errors.New("cancelled")
)

// QuotaExceededError is returned at admission when a user already has the maximum
// number of pending and active jobs.
type QuotaExceededError struct {
	UserID string
	Limit  int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("QuotaExceeded: user %s already has %d pending or active jobs", e.UserID, e.Limit)
}

// InvalidSourceError represents a source descriptor that cannot be parsed or is rejected
// by the daemon.
type InvalidSourceError struct {
	Source string // The submitted descriptor
	Reason string // Human-readable explanation of why the source is invalid
	Err    error  // Underlying error, if any
}

func (e *InvalidSourceError) Error() string {
	return fmt.Sprintf("InvalidSource: %s", e.Reason)
}

func (e *InvalidSourceError) Unwrap() error {
	return e.Err
}

// DuplicateSourceError is returned at admission when another pending or active job already
// transfers the same torrent. Jobs never share a daemon handle.
type DuplicateSourceError struct {
	InfoHash string
	JobID    string // The job holding the torrent
}

func (e *DuplicateSourceError) Error() string {
	return fmt.Sprintf("DuplicateSource: torrent %s is already being transferred", e.InfoHash)
}

// DaemonError represents a torrent daemon that cannot be reached or refuses a request.
type DaemonError struct {
	Operation  string // The operation that failed (e.g., "start", "progress")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string
	Err        error
}

func (e *DaemonError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("DaemonUnavailable: %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("DaemonUnavailable: %s: %s", e.Operation, e.Message)
}

func (e *DaemonError) Unwrap() error {
	return e.Err
}

// HandleNotFoundError is returned when the daemon no longer recognizes a handle.
type HandleNotFoundError struct {
	Handle string
}

func (e *HandleNotFoundError) Error() string {
	return fmt.Sprintf("HandleNotFound: daemon does not know torrent %s", e.Handle)
}

// NoSeedersError is raised by the stall monitor when a download had no seeders for too long.
type NoSeedersError struct {
	Timeout time.Duration
}

func (e *NoSeedersError) Error() string {
	return fmt.Sprintf("No seeders available for %s", e.Timeout)
}

// ExpiredError is raised when a download outlives the monitoring ceiling.
type ExpiredError struct {
	Ceiling time.Duration
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("download did not complete within %s", e.Ceiling)
}

// PayloadTooLargeError is returned when the payload exceeds the configured ceiling.
type PayloadTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload size %s exceeds limit of %s",
		humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Limit)))
}

// InsufficientSpaceError is returned when the destination reports less free capacity than
// the payload needs.
type InsufficientSpaceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("InsufficientSpace: payload needs %s but only %s is free",
		humanize.IBytes(uint64(e.Required)), humanize.IBytes(uint64(e.Available)))
}

// UploadError represents a transport or API failure while storing the payload.
type UploadError struct {
	Provider string
	Message  string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("UploadFailed: %s: %s", e.Provider, e.Message)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// LinkError represents a failure to produce a shareable link for an uploaded object.
type LinkError struct {
	RemoteID string
	Message  string
	Err      error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("LinkGenerationFailed: %s: %s", e.RemoteID, e.Message)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// TransitionError is returned by stores when a status change is not allowed.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("invalid transition to %s: %s", e.To, e.Reason)
	}

	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}
