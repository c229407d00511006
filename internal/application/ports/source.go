package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
)

// BucketAggregate is one bucket returned by the sensor source.
type BucketAggregate struct {
	BucketStart time.Time
	Value       float64
	Payload     json.RawMessage
}

// SensorSourcePort is the external sensor platform.
type SensorSourcePort interface {
	// FetchBucketedAggregates returns aggregates for buckets in [from, to).
	FetchBucketedAggregates(ctx context.Context, ownerID string, metricType metric.Type, from, to time.Time) ([]BucketAggregate, error)
}

// SourceChange signals that new samples are available.
type SourceChange struct {
	// OwnerID is empty when the change applies to every owner.
	OwnerID    string
	MetricType metric.Type
	At         time.Time
}

// ChangeNotifierPort delivers sensor change notifications.
type ChangeNotifierPort interface {
	Changes() <-chan SourceChange
	Close() error
}
