package ports

import (
	"context"
	"time"

	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
)

// LedgerRecord is the last sync bookkeeping for an owner and metric type.
type LedgerRecord struct {
	OwnerID    string
	MetricType metric.Type
	LastSyncAt time.Time
	// LastBucket is the newest bucket covered by a successful fetch; zero if none.
	LastBucket time.Time
}

// SyncLedgerPort stores last-sync timestamps.
type SyncLedgerPort interface {
	// Get returns the record for owner and type, or nil if none exists.
	Get(ctx context.Context, ownerID string, metricType metric.Type) (*LedgerRecord, error)

	// Record upserts a record.
	Record(ctx context.Context, record LedgerRecord) error

	// Reset removes records for owner; metricType "" removes all types.
	Reset(ctx context.Context, ownerID string, metricType metric.Type) error
}
