package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	jobIDKey  contextKey = "job_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithJob scopes ctx to a job. TraceHandler adds the job_id to every record logged
// with ctx, and the context logger gains the user_id attribute.
func WithJob(ctx context.Context, jobID, userID string) context.Context {
	ctx = context.WithValue(ctx, jobIDKey, jobID)

	return WithLogger(ctx, LoggerFromContext(ctx).With("user_id", userID))
}

// JobIDFromContext returns the job id set by WithJob, or "".
func JobIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey).(string); ok {
		return id
	}

	return ""
}
