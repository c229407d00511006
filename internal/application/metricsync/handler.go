// Package metricsync pulls bucketed aggregates from the sensor source into
// the MetricStore, one handler per metric type.
package metricsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jbctechsolutions/pulsesync/internal/application/metricstore"
	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/logging"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/tracing"
)

// EntryWriter persists candidate entries.
type EntryWriter interface {
	Write(ctx context.Context, candidate metric.Entry) (metricstore.WriteResult, error)
}

// Gate rate-limits sync passes and remembers the last synced bucket.
type Gate interface {
	ShouldSync(ctx context.Context, ownerID string, metricType metric.Type, threshold time.Duration) (bool, error)
	Record(ctx context.Context, ownerID string, metricType metric.Type, at, lastBucket time.Time) error
	LastSyncedBucket(ctx context.Context, ownerID string, metricType metric.Type) (time.Time, bool, error)
}

// Config holds handler settings.
type Config struct {
	MetricType metric.Type
	// GateThreshold is the minimum time between fetches.
	GateThreshold time.Duration
	// InitialLookback bounds the first fetch for an owner.
	InitialLookback time.Duration
	// Location is the timezone buckets are computed in.
	Location *time.Location
}

// BucketError is a per-bucket write failure.
type BucketError struct {
	BucketStart time.Time
	Err         error
}

func (e BucketError) Error() string {
	return fmt.Sprintf("bucket %s: %v", e.BucketStart.Format(time.RFC3339), e.Err)
}

// SyncResult summarizes one pass.
type SyncResult struct {
	OwnerID    string
	MetricType metric.Type
	// Skipped is true when the gate denied the pass.
	Skipped   bool
	From      time.Time
	To        time.Time
	Created   int
	Updated   int
	Unchanged int
	Errors    []BucketError
}

// Handler runs sync passes for one metric type.
type Handler struct {
	config Config
	def    metric.Definition
	gate   Gate
	store  EntryWriter
	source ports.SensorSourcePort
	tracer *tracing.Tracer
	logger *logging.Logger
	now    func() time.Time
}

// NewHandler creates a handler for cfg.MetricType.
func NewHandler(cfg Config, gate Gate, store EntryWriter, source ports.SensorSourcePort, tracer *tracing.Tracer, logger *logging.Logger) (*Handler, error) {
	def, ok := metric.Lookup(cfg.MetricType)
	if !ok {
		return nil, domainErrors.WithContext(
			domainErrors.NewError(domainErrors.CodeConfiguration, "unsupported metric type", domainErrors.ErrUnknownMetricType),
			"metric_type", string(cfg.MetricType))
	}
	if gate == nil || store == nil || source == nil {
		return nil, fmt.Errorf("gate, store and source are required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = 24 * time.Hour
	}
	if tracer == nil {
		tracer = tracing.Default()
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &Handler{
		config: cfg,
		def:    def,
		gate:   gate,
		store:  store,
		source: source,
		tracer: tracer,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetClock overrides the time source.
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
}

// MetricType returns the handled metric type.
func (h *Handler) MetricType() metric.Type {
	return h.def.Type
}

// Sync fetches new and live buckets for owner and writes them to the store.
// A failed fetch is returned as an error; per-bucket write failures are
// collected in the result instead.
func (h *Handler) Sync(ctx context.Context, ownerID string) (*SyncResult, error) {
	if ownerID == "" {
		return nil, domainErrors.NewError(domainErrors.CodeValidation, "owner ID is required", domainErrors.ErrOwnerRequired)
	}

	ctx = logging.WithOwnerID(ctx, ownerID)
	ctx = logging.WithMetricType(ctx, string(h.def.Type))
	ctx = logging.WithPassID(ctx, uuid.NewString())
	ctx, span := h.tracer.StartSyncSpan(ctx, ownerID, string(h.def.Type))

	result := &SyncResult{OwnerID: ownerID, MetricType: h.def.Type}

	allowed, err := h.gate.ShouldSync(ctx, ownerID, h.def.Type, h.config.GateThreshold)
	if err != nil {
		span.EndWithError(err)
		return nil, err
	}
	if !allowed {
		result.Skipped = true
		span.SetSkipped()
		span.End()
		h.logger.DebugContext(ctx, "metric sync skipped by gate")
		return result, nil
	}

	start := h.now()
	from, current, err := h.window(ctx, ownerID, start)
	if err != nil {
		span.EndWithError(err)
		return nil, err
	}
	result.From, result.To = from, start
	span.SetWindow(from, start)
	logging.LogSyncStart(ctx, h.logger, string(h.def.Type), from, start)

	aggregates, err := h.source.FetchBucketedAggregates(ctx, ownerID, h.def.Type, from, start)
	if err != nil {
		if recErr := h.gate.Record(ctx, ownerID, h.def.Type, start, time.Time{}); recErr != nil {
			h.logger.WarnContext(ctx, "failed to record sync attempt", "error", recErr)
		}
		wrapped := domainErrors.NewError(domainErrors.CodeSource, "failed to fetch aggregates", err)
		logging.LogSyncFailed(ctx, h.logger, string(h.def.Type), wrapped, h.now().Sub(start))
		span.EndWithError(wrapped)
		return nil, wrapped
	}

	for _, agg := range aggregates {
		if err := ctx.Err(); err != nil {
			span.EndWithError(err)
			return result, err
		}

		res, err := h.store.Write(ctx, metric.Entry{
			OwnerID:     ownerID,
			MetricType:  h.def.Type,
			BucketStart: agg.BucketStart,
			Value:       agg.Value,
			Payload:     agg.Payload,
		})
		if err != nil {
			result.Errors = append(result.Errors, BucketError{BucketStart: agg.BucketStart, Err: err})
			h.logger.WarnContext(ctx, "failed to write bucket",
				"bucket_start", agg.BucketStart.Format(time.RFC3339),
				"error", err,
			)
			continue
		}

		switch res.Outcome {
		case metricstore.OutcomeCreated:
			result.Created++
		case metricstore.OutcomeUpdated:
			result.Updated++
		default:
			result.Unchanged++
		}
	}

	if err := h.gate.Record(ctx, ownerID, h.def.Type, start, current); err != nil {
		span.EndWithError(err)
		return result, err
	}

	span.SetCounts(result.Created, result.Updated, result.Unchanged, len(result.Errors))
	span.End()
	logging.LogSyncComplete(ctx, h.logger, string(h.def.Type),
		result.Created, result.Updated, result.Unchanged, len(result.Errors), h.now().Sub(start))

	return result, nil
}

// window returns the fetch start and the current bucket at now. The current
// bucket is always included so its growing value is re-read.
func (h *Handler) window(ctx context.Context, ownerID string, now time.Time) (time.Time, time.Time, error) {
	current := metric.BucketStart(now, h.def.Bucket, h.config.Location)

	last, ok, err := h.gate.LastSyncedBucket(ctx, ownerID, h.def.Type)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	var from time.Time
	if ok {
		from = h.nextBucket(last)
	} else {
		from = metric.BucketStart(now.Add(-h.config.InitialLookback), h.def.Bucket, h.config.Location)
	}

	if from.After(current) {
		from = current
	}
	return from, current, nil
}

func (h *Handler) nextBucket(t time.Time) time.Time {
	if h.def.Bucket >= 24*time.Hour {
		return t.In(h.config.Location).AddDate(0, 0, 1)
	}
	return t.Add(h.def.Bucket)
}
