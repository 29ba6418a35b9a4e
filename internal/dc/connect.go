package dc

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

// Authenticator is implemented by drivers that need a session before use.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// Connect authenticates against the daemon, retrying with exponential backoff until
// maxElapsed has passed. Rejected credentials are not retried.
func Connect(ctx context.Context, a Authenticator, maxElapsed time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	attempt := 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++

		if err := a.Authenticate(ctx); err != nil {
			var daemonErr *transfer.DaemonError
			if errors.As(err, &daemonErr) && daemonErr.StatusCode == http.StatusUnauthorized {
				return struct{}{}, backoff.Permanent(err)
			}

			logger.WarnContext(ctx, "daemon login failed, retrying", "attempt", attempt, "err", err)

			return struct{}{}, err
		}

		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(maxElapsed))

	return err
}
