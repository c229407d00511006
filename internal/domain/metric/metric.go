// Package metric provides the time-bucketed metric entry domain types.
package metric

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/jbctechsolutions/pulsesync/internal/domain/errors"
)

// Type identifies a metric collected from the sensor source.
type Type string

const (
	TypeSteps        Type = "step_count"
	TypeHeartRate    Type = "heart_rate"
	TypeActiveEnergy Type = "active_energy"
	TypeSleepSession Type = "sleep_session"
)

// Aggregation describes how raw samples collapse into a bucket value.
type Aggregation string

const (
	AggregationSum     Aggregation = "sum"
	AggregationAverage Aggregation = "average"
	AggregationSession Aggregation = "session"
)

// Definition describes a supported metric type.
type Definition struct {
	Type        Type
	Unit        string
	Bucket      time.Duration
	Aggregation Aggregation
	// Structured metrics carry a JSON payload in addition to the numeric value.
	Structured bool
}

var definitions = map[Type]Definition{
	TypeSteps:        {Type: TypeSteps, Unit: "count", Bucket: time.Hour, Aggregation: AggregationSum},
	TypeHeartRate:    {Type: TypeHeartRate, Unit: "bpm", Bucket: time.Hour, Aggregation: AggregationAverage},
	TypeActiveEnergy: {Type: TypeActiveEnergy, Unit: "kcal", Bucket: time.Hour, Aggregation: AggregationSum},
	TypeSleepSession: {Type: TypeSleepSession, Unit: "min", Bucket: 24 * time.Hour, Aggregation: AggregationSession, Structured: true},
}

// Lookup returns the definition for t.
func Lookup(t Type) (Definition, bool) {
	d, ok := definitions[t]
	return d, ok
}

// Types returns all supported metric types in stable order.
func Types() []Type {
	out := make([]Type, 0, len(definitions))
	for t := range definitions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseType validates a metric type string.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := definitions[t]; !ok {
		return "", errors.WithContext(
			errors.NewError(errors.CodeValidation, "unsupported metric type", errors.ErrUnknownMetricType),
			"metric_type", s)
	}
	return t, nil
}

// SyncStatus is the remote replication state of an entry.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// Key is the natural key of an entry.
type Key struct {
	OwnerID     string
	MetricType  Type
	BucketStart time.Time
}

// Entry is one aggregate value for an owner, metric type and bucket.
type Entry struct {
	ID          string
	OwnerID     string
	MetricType  Type
	BucketStart time.Time
	Value       float64
	Payload     json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	RemoteID    string
	SyncStatus  SyncStatus
}

// Key returns the natural key of the entry.
func (e *Entry) Key() Key {
	return Key{OwnerID: e.OwnerID, MetricType: e.MetricType, BucketStart: e.BucketStart}
}

// IsSynced reports whether the backend has acknowledged the entry.
func (e *Entry) IsSynced() bool {
	return e.RemoteID != "" && e.SyncStatus == SyncStatusSynced
}

// Validate checks the entry against its metric definition. loc is the
// location bucket boundaries are computed in.
func (e *Entry) Validate(loc *time.Location) error {
	if e.OwnerID == "" {
		return errors.NewError(errors.CodeValidation, "invalid metric entry", errors.ErrOwnerRequired)
	}

	def, ok := Lookup(e.MetricType)
	if !ok {
		return errors.WithContext(
			errors.NewError(errors.CodeValidation, "invalid metric entry", errors.ErrUnknownMetricType),
			"metric_type", string(e.MetricType))
	}

	if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) || e.Value < 0 {
		return errors.WithContext(
			errors.NewError(errors.CodeValidation, "invalid metric entry", errors.ErrInvalidValue),
			"value", e.Value)
	}

	if e.BucketStart.IsZero() || !BucketStart(e.BucketStart, def.Bucket, loc).Equal(e.BucketStart) {
		return errors.WithContext(
			errors.NewError(errors.CodeValidation, "invalid metric entry", errors.ErrMisalignedBucket),
			"bucket_start", e.BucketStart.Format(time.RFC3339))
	}

	if def.Structured {
		if len(e.Payload) == 0 {
			return errors.NewError(errors.CodeValidation, "invalid metric entry", errors.ErrPayloadRequired)
		}
		if !json.Valid(e.Payload) {
			return errors.NewError(errors.CodeValidation, "invalid metric entry: payload is not JSON", errors.ErrInvalidValue)
		}
	}

	return nil
}
