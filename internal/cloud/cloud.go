// Package cloud holds the helpers shared by the cloud uploaders.
package cloud

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/payload"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

// ProgressInterval is how many bytes an upload streams between progress logs.
const ProgressInterval = 64 << 20

// EnsureSpace fails with InsufficientSpaceError when the destination cannot hold required
// bytes. A Total of 0 means the destination reports no limit.
func EnsureSpace(ctx context.Context, provider string, reporter transfer.SpaceReporter, required int64) error {
	space, err := reporter.FreeSpace(ctx)
	if err != nil {
		return &transfer.UploadError{Provider: provider, Message: fmt.Sprintf("failed to query free space: %v", err), Err: err}
	}

	if space.Total > 0 && space.Free < required {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "not enough cloud space",
			"provider", provider, "required", humanize.IBytes(uint64(required)), "free", humanize.IBytes(uint64(space.Free)))

		return &transfer.InsufficientSpaceError{Required: required, Available: space.Free}
	}

	return nil
}

// Prepare opens the payload and checks that it fits in the destination. The caller closes
// the returned payload.
func Prepare(ctx context.Context, provider string, reporter transfer.SpaceReporter, localPath, displayName, mimeType string) (*payload.Payload, error) {
	p, err := payload.Open(ctx, localPath, displayName, mimeType)
	if err != nil {
		return nil, &transfer.UploadError{Provider: provider, Message: err.Error(), Err: err}
	}

	if err := EnsureSpace(ctx, provider, reporter, p.Size); err != nil {
		p.Close()

		return nil, err
	}

	return p, nil
}

// ProgressLogger returns a ProgressReader callback that logs upload progress.
func ProgressLogger(ctx context.Context, provider, name string) func(read, total int64) {
	logger := logctx.LoggerFromContext(ctx).With("provider", provider, "file", name)

	return func(read, total int64) {
		pct := 0.0
		if total > 0 {
			pct = float64(read) * 100 / float64(total)
		}

		logger.DebugContext(ctx, "upload progress",
			"uploaded", humanize.IBytes(uint64(read)), "total", humanize.IBytes(uint64(total)), "percent", fmt.Sprintf("%.1f", pct))
	}
}
