package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output: %v", err)
	}

	return entry
}

// TestTraceHandler_NoSpanContext verifies that logs without span context
// do NOT include trace_id, span_id or job_id fields.
func TestTraceHandler_NoSpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "job admitted", "position", 1)

	entry := decode(t, &buf)
	for _, key := range []string{"trace_id", "span_id", "job_id"} {
		if _, exists := entry[key]; exists {
			t.Errorf("%s should not be present, got: %v", key, entry[key])
		}
	}

	if entry["position"] != float64(1) {
		t.Errorf("expected position=1, got: %v", entry["position"])
	}
}

// TestTraceHandler_WithValidSpan injects a fixed span context into the request context.
func TestTraceHandler_WithValidSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	logger.InfoContext(ctx, "polling torrent")

	entry := decode(t, &buf)
	if entry["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("unexpected trace_id: %v", entry["trace_id"])
	}

	if entry["span_id"] != "00f067aa0ba902b7" {
		t.Errorf("unexpected span_id: %v", entry["span_id"])
	}
}

// TestTraceHandler_JobContext verifies a plain logger picks up the job id from a job context.
func TestTraceHandler_JobContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithJob(context.Background(), "job-42", "user-7")
	logger.InfoContext(ctx, "upload started")

	entry := decode(t, &buf)
	if entry["job_id"] != "job-42" {
		t.Errorf("expected job_id=job-42, got: %v", entry["job_id"])
	}
}

// TestWithJob_EnrichesContextLogger verifies the job-scoped logger carries job and user ids once.
func TestWithJob_EnrichesContextLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithJob(WithLogger(context.Background(), base), "job-1", "user-1")
	LoggerFromContext(ctx).InfoContext(ctx, "download finished")

	if got := JobIDFromContext(ctx); got != "job-1" {
		t.Errorf("expected job id job-1, got %q", got)
	}

	if n := bytes.Count(buf.Bytes(), []byte(`"job_id"`)); n != 1 {
		t.Errorf("expected job_id exactly once, got %d in %s", n, buf.String())
	}

	entry := decode(t, &buf)
	if entry["user_id"] != "user-1" {
		t.Errorf("expected user_id=user-1, got: %v", entry["user_id"])
	}
}

// TestTraceHandler_Enabled verifies that Enabled delegates to inner handler.
func TestTraceHandler_Enabled(t *testing.T) {
	handler := NewTraceHandler(slog.NewJSONHandler(nil, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	if handler.Enabled(ctx, slog.LevelInfo) {
		t.Errorf("expected Info level to be disabled when handler level is Warn")
	}

	if !handler.Enabled(ctx, slog.LevelError) {
		t.Errorf("expected Error level to be enabled")
	}
}

// TestTraceHandler_NilHandler verifies that NewTraceHandler panics with nil handler.
func TestTraceHandler_NilHandler(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("NewTraceHandler with nil handler should panic")
		}
	}()

	NewTraceHandler(nil)
}
