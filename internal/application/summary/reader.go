// Package summary keeps a read-only snapshot of an owner's metrics for today,
// refreshed from the MetricStore whenever the ChangeBus reports a write.
package summary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jbctechsolutions/pulsesync/internal/application/changebus"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/logging"
)

// EntrySource is the read side of the MetricStore.
type EntrySource interface {
	FetchByOwnerAndType(ctx context.Context, ownerID string, metricType metric.Type, from, to time.Time) ([]*metric.Entry, error)
	Location() *time.Location
}

// Subscriber is the subscribe side of the ChangeBus.
type Subscriber interface {
	Subscribe(filter changebus.Filter) *changebus.Subscription
}

// MetricSummary aggregates today's buckets for one metric type.
type MetricSummary struct {
	MetricType metric.Type
	Unit       string
	// Value is the sum for summed and session metrics and the mean of the
	// bucket values for averaged ones.
	Value        float64
	Buckets      int
	LatestBucket time.Time
	Pending      int
	Failed       int
}

// Summary is a snapshot of an owner's day.
type Summary struct {
	OwnerID     string
	Day         time.Time
	Metrics     map[metric.Type]MetricSummary
	RefreshedAt time.Time
}

// Config holds reader settings.
type Config struct {
	// Types to summarize (default: every supported type).
	Types []metric.Type
	// Debounce window for bursts of change events (default: 2s).
	Debounce time.Duration
	// OnRefresh is called with every new snapshot (optional).
	OnRefresh func(Summary)
}

// Reader maintains a Summary for one owner. It never writes to any store.
type Reader struct {
	ownerID string
	config  Config
	source  EntrySource
	bus     Subscriber
	logger  *logging.Logger
	now     func() time.Time

	mu        sync.RWMutex
	snapshot  Summary
	refreshes int

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	sub     *changebus.Subscription
	done    chan struct{}
}

// NewReader creates a reader for ownerID.
func NewReader(ownerID string, cfg Config, source EntrySource, bus Subscriber, logger *logging.Logger) *Reader {
	if len(cfg.Types) == 0 {
		cfg.Types = metric.Types()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = changebus.DefaultDebounceWindow
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reader{
		ownerID: ownerID,
		config:  cfg,
		source:  source,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (r *Reader) SetClock(now func() time.Time) {
	r.now = now
}

// Start refreshes once, then refreshes after every debounced burst of
// changes for the owner's summarized types.
func (r *Reader) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.running {
		return nil
	}

	// Subscribe before the first refresh so no write falls in between.
	entityTypes := make([]string, len(r.config.Types))
	for i, t := range r.config.Types {
		entityTypes[i] = string(t)
	}
	sub := r.bus.Subscribe(changebus.Filter{OwnerID: r.ownerID, EntityTypes: entityTypes})

	if err := r.Refresh(ctx); err != nil {
		sub.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.sub = sub
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		changebus.Debounce(loopCtx, sub.C(), r.config.Debounce, func(batch []changebus.ChangeEvent) {
			r.logger.Debug("summary refresh triggered", "owner_id", r.ownerID, "changes", len(batch))
			if err := r.Refresh(loopCtx); err != nil && loopCtx.Err() == nil {
				r.logger.Warn("summary refresh failed", "owner_id", r.ownerID, "error", err)
			}
		})
	}()

	return nil
}

// Stop unsubscribes and waits for a running refresh to finish.
func (r *Reader) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if !r.running {
		return
	}
	r.running = false
	r.cancel()
	r.sub.Close()
	<-r.done
}

// Refresh re-queries today's entries and replaces the snapshot.
func (r *Reader) Refresh(ctx context.Context) error {
	now := r.now()
	dayStart, dayEnd := metric.DayBounds(now, r.source.Location())

	metrics := make(map[metric.Type]MetricSummary, len(r.config.Types))
	for _, t := range r.config.Types {
		entries, err := r.source.FetchByOwnerAndType(ctx, r.ownerID, t, dayStart, dayEnd)
		if err != nil {
			return fmt.Errorf("failed to load %s entries: %w", t, err)
		}
		metrics[t] = summarize(t, entries)
	}

	r.mu.Lock()
	r.snapshot = Summary{
		OwnerID:     r.ownerID,
		Day:         dayStart,
		Metrics:     metrics,
		RefreshedAt: now,
	}
	r.refreshes++
	snapshot := r.snapshot
	r.mu.Unlock()

	if r.config.OnRefresh != nil {
		r.config.OnRefresh(snapshot)
	}
	return nil
}

// Snapshot returns the latest summary.
func (r *Reader) Snapshot() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Refreshes returns how many times the snapshot was rebuilt.
func (r *Reader) Refreshes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshes
}

func summarize(t metric.Type, entries []*metric.Entry) MetricSummary {
	s := MetricSummary{MetricType: t}
	def, ok := metric.Lookup(t)
	if ok {
		s.Unit = def.Unit
	}

	var total float64
	for _, e := range entries {
		total += e.Value
		s.Buckets++
		if e.BucketStart.After(s.LatestBucket) {
			s.LatestBucket = e.BucketStart
		}
		switch e.SyncStatus {
		case metric.SyncStatusPending:
			s.Pending++
		case metric.SyncStatusFailed:
			s.Failed++
		}
	}

	s.Value = total
	if ok && def.Aggregation == metric.AggregationAverage && s.Buckets > 0 {
		s.Value = total / float64(s.Buckets)
	}
	return s
}
