package logging

import (
	"context"
	"time"
)

// LogSyncStart logs the start of a metric sync pass.
func LogSyncStart(ctx context.Context, logger *Logger, metricType string, from, to time.Time) {
	logger.DebugContext(ctx, "metric sync started",
		"metric_type", metricType,
		"from", from.Format(time.RFC3339),
		"to", to.Format(time.RFC3339),
	)
}

// LogSyncComplete logs a finished metric sync pass. Passes that wrote
// nothing log at debug so an idle engine stays quiet.
func LogSyncComplete(ctx context.Context, logger *Logger, metricType string, created, updated, unchanged, failed int, duration time.Duration) {
	args := []any{
		"metric_type", metricType,
		"created", created,
		"updated", updated,
		"unchanged", unchanged,
		"bucket_errors", failed,
		"duration_ms", duration.Milliseconds(),
	}
	if created+updated+failed == 0 {
		logger.DebugContext(ctx, "metric sync completed", args...)
		return
	}
	logger.InfoContext(ctx, "metric sync completed", args...)
}

// LogSyncFailed logs a sync pass aborted by a source failure.
func LogSyncFailed(ctx context.Context, logger *Logger, metricType string, err error, duration time.Duration) {
	logger.ErrorContext(ctx, "metric sync failed",
		"metric_type", metricType,
		"error", err.Error(),
		"duration_ms", duration.Milliseconds(),
	)
}

// LogEventDelivered logs an outbox event acknowledged by the backend.
func LogEventDelivered(ctx context.Context, logger *Logger, eventID, remoteID string, attempt int, latency time.Duration) {
	logger.InfoContext(ctx, "outbox event delivered",
		"event_id", eventID,
		"remote_id", remoteID,
		"attempt", attempt,
		"latency_ms", latency.Milliseconds(),
	)
}

// LogEventFailed logs a failed delivery. Retryable failures log at warn,
// exhausted events at error.
func LogEventFailed(ctx context.Context, logger *Logger, eventID string, err error, attempt, maxAttempts int, terminal bool) {
	args := []any{
		"event_id", eventID,
		"error", err.Error(),
		"attempt", attempt,
		"max_attempts", maxAttempts,
	}
	if terminal {
		logger.ErrorContext(ctx, "outbox event failed permanently", args...)
		return
	}
	logger.WarnContext(ctx, "outbox event delivery failed, will retry", args...)
}

// LogEventSkipped logs an event completed without a remote call.
func LogEventSkipped(ctx context.Context, logger *Logger, eventID, reason string) {
	logger.InfoContext(ctx, "outbox event skipped",
		"event_id", eventID,
		"reason", reason,
	)
}
