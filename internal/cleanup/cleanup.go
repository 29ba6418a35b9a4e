// Package cleanup removes leftover payloads from the download directory.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/storage"
)

// DeleteExpiredFiles removes entries under <dir>/<user> that are older than keepDuration
// and do not belong to a non-terminal job. It returns how many entries were removed.
func DeleteExpiredFiles(ctx context.Context, store storage.JobReadRepository, dir string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	active, err := store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active jobs: %w", err)
	}

	inUse := make(map[string]struct{}, len(active))

	for _, job := range active {
		if job.PayloadPath != "" {
			inUse[filepath.Clean(job.PayloadPath)] = struct{}{}
		}

		if job.Name != "" {
			inUse[filepath.Join(dir, job.UserID, job.Name)] = struct{}{}
		}
	}

	users, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read download dir: %w", err)
	}

	now := time.Now()
	removed := 0

	for _, user := range users {
		if !user.IsDir() {
			continue
		}

		userDir := filepath.Join(dir, user.Name())

		entries, err := os.ReadDir(userDir)
		if err != nil {
			logger.ErrorContext(ctx, "failed to read user dir", "dir", userDir, "err", err)

			continue
		}

		for _, entry := range entries {
			path := filepath.Join(userDir, entry.Name())

			if _, ok := inUse[path]; ok {
				continue
			}

			info, err := entry.Info()
			if err != nil {
				if os.IsNotExist(err) {
					continue // already deleted
				}

				logger.ErrorContext(ctx, "failed to stat file", "file", path, "err", err)

				continue
			}

			if now.Sub(info.ModTime()) <= keepDuration {
				continue
			}

			if err := os.RemoveAll(path); err != nil {
				logger.ErrorContext(ctx, "failed to delete expired file", "file", path, "err", err)

				continue
			}

			removed++

			logger.InfoContext(ctx, "deleted expired file", "file", path)
		}
	}

	return removed, nil
}

// Run sweeps every interval until ctx is cancelled.
func Run(ctx context.Context, store storage.JobReadRepository, dir string, interval, keepDuration time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "cleanup goroutine shutting down")

			return
		case <-ticker.C:
			n, err := DeleteExpiredFiles(ctx, store, dir, keepDuration)
			if err != nil {
				logger.ErrorContext(ctx, "failed to delete expired files", "err", err)

				continue
			}

			if n > 0 {
				logger.InfoContext(ctx, "cleanup finished", "removed", n)
			}
		}
	}
}
