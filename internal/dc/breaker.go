// Package dc holds the plumbing shared by the torrent daemon drivers.
package dc

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/italolelis/magnetdrive/internal/transfer"
)

// BreakerSettings tunes the circuit breaker around a daemon.
type BreakerSettings struct {
	Name string
	// Consecutive failures that open the breaker.
	MaxFailures uint32
	// How long the breaker stays open before letting a trial request through.
	OpenTimeout time.Duration
}

// BreakerDriver trips after repeated daemon failures and fails fast while open.
// HandleNotFound is a valid daemon answer and does not count as a failure.
type BreakerDriver struct {
	next transfer.TorrentDriver
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerDriver(next transfer.TorrentDriver, s BreakerSettings) *BreakerDriver {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}

	if s.OpenTimeout == 0 {
		s.OpenTimeout = 30 * time.Second
	}

	return &BreakerDriver{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        s.Name,
			MaxRequests: 1,
			Timeout:     s.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.MaxFailures
			},
			IsSuccessful: isSuccessful,
		}),
	}
}

func isSuccessful(err error) bool {
	if err == nil {
		return true
	}

	var notFound *transfer.HandleNotFoundError
	if errors.As(err, &notFound) {
		return true
	}

	return errors.Is(err, context.Canceled)
}

// State reports the breaker state, mainly for logs and health checks.
func (b *BreakerDriver) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerDriver) execute(op string, fn func() (any, error)) (any, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &transfer.DaemonError{Operation: op, Message: "circuit breaker open", Err: err}
	}

	return res, err
}

// Start keeps a handle the driver returned next to an error, so a half-added torrent can be cleaned up.
func (b *BreakerDriver) Start(ctx context.Context, source *transfer.Source, savePath, category string) (string, error) {
	var handle string

	_, err := b.execute("start", func() (any, error) {
		var err error

		handle, err = b.next.Start(ctx, source, savePath, category)

		return nil, err
	})

	return handle, err
}

func (b *BreakerDriver) Progress(ctx context.Context, handle string) (*transfer.Progress, error) {
	res, err := b.execute("progress", func() (any, error) {
		return b.next.Progress(ctx, handle)
	})
	if err != nil {
		return nil, err
	}

	return res.(*transfer.Progress), nil
}

func (b *BreakerDriver) Pause(ctx context.Context, handle string) error {
	_, err := b.execute("pause", func() (any, error) {
		return nil, b.next.Pause(ctx, handle)
	})

	return err
}

func (b *BreakerDriver) Cleanup(ctx context.Context, handle string, deleteFiles bool) error {
	_, err := b.execute("cleanup", func() (any, error) {
		return nil, b.next.Cleanup(ctx, handle, deleteFiles)
	})

	return err
}

var _ transfer.TorrentDriver = (*BreakerDriver)(nil)
