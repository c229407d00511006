package testutil

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
)

// TestOwner is the owner ID used by fixtures.
const TestOwner = "owner-1"

// UTCDay returns hour:minute on 2026-03-14 in UTC.
func UTCDay(hour, minute int) time.Time {
	return time.Date(2026, 3, 14, hour, minute, 0, 0, time.UTC)
}

// NewTestEntry creates a pending entry for the hourly bucket at hour.
func NewTestEntry(metricType metric.Type, hour int, value float64) *metric.Entry {
	bucket := UTCDay(hour, 0)
	return &metric.Entry{
		ID:          uuid.New().String(),
		OwnerID:     TestOwner,
		MetricType:  metricType,
		BucketStart: bucket,
		Value:       value,
		CreatedAt:   bucket.Add(5 * time.Minute),
		UpdatedAt:   bucket.Add(5 * time.Minute),
		SyncStatus:  metric.SyncStatusPending,
	}
}

// SleepPayload builds a structured sleep session payload.
func SleepPayload(start, end time.Time) json.RawMessage {
	b, _ := json.Marshal(map[string]string{
		"start": start.Format(time.RFC3339),
		"end":   end.Format(time.RFC3339),
	})
	return b
}
