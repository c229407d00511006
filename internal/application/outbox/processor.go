// Package outbox drains the local event store and replays each event
// against the remote backend.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	domainOutbox "github.com/jbctechsolutions/pulsesync/internal/domain/outbox"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/logging"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/tracing"
)

// EntryStore is the part of the MetricStore the processor needs.
type EntryStore interface {
	Get(ctx context.Context, id string) (*metric.Entry, error)
	MarkSynced(ctx context.Context, id, remoteID string, updatedAt time.Time) error
	MarkSyncFailed(ctx context.Context, id string, updatedAt time.Time) error
}

// Config holds processor settings.
type Config struct {
	// Interval between cycles (default: 2s).
	Interval time.Duration
	// BatchSize caps events fetched per cycle (default: 25).
	BatchSize int
	// MaxConcurrent caps deliveries in flight (default: 3).
	MaxConcurrent int
	// ProcessingTimeout after which a claimed event counts as stale (default: 2m).
	ProcessingTimeout time.Duration
	// RemoteTimeout bounds each remote call (default: 30s).
	RemoteTimeout time.Duration
	// Retention for completed events (default: 7 days).
	Retention time.Duration
	// PurgeInterval between purges of completed events (default: 1h).
	PurgeInterval time.Duration
	// Backoff before a failed event becomes eligible again.
	Backoff domainOutbox.Backoff
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:          2 * time.Second,
		BatchSize:         25,
		MaxConcurrent:     3,
		ProcessingTimeout: 2 * time.Minute,
		RemoteTimeout:     30 * time.Second,
		Retention:         7 * 24 * time.Hour,
		PurgeInterval:     time.Hour,
		Backoff:           domainOutbox.NewBackoff(nil),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = d.RemoteTimeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = d.PurgeInterval
	}
	if len(c.Backoff.Schedule) == 0 {
		c.Backoff = d.Backoff
	}
	return c
}

// CycleResult summarizes one processor cycle.
type CycleResult struct {
	Recovered int
	Fetched   int
	Delivered int
	Failed    int
	Skipped   int
	Purged    int64
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeFailed
	outcomeSkipped
)

// Processor is the OutboxProcessor for one owner session.
type Processor struct {
	config  Config
	events  ports.EventStorePort
	entries EntryStore
	remote  ports.RemoteAPIPort
	tracer  *tracing.Tracer
	logger  *logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	ownerID string
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	inFlightMu sync.Mutex
	inFlight   map[string]bool

	purgeMu   sync.Mutex
	lastPurge time.Time
}

// NewProcessor creates a processor.
func NewProcessor(cfg Config, events ports.EventStorePort, entries EntryStore, remote ports.RemoteAPIPort, tracer *tracing.Tracer, logger *logging.Logger) *Processor {
	if tracer == nil {
		tracer = tracing.Default()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Processor{
		config:   cfg.withDefaults(),
		events:   events,
		entries:  entries,
		remote:   remote,
		tracer:   tracer,
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[string]bool),
	}
}

// SetClock overrides the time source.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Start runs cycles for ownerID every Interval until ctx is cancelled or
// Stop is called.
func (p *Processor) Start(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return domainErrors.NewError(domainErrors.CodeValidation, "owner ID is required", domainErrors.ErrOwnerRequired)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("outbox processor already running for owner %s", p.ownerID)
	}

	loopCtx, cancel := context.WithCancel(logging.WithOwnerID(ctx, ownerID))
	p.running = true
	p.ownerID = ownerID
	p.cancel = cancel

	p.wg.Add(1)
	go p.loop(loopCtx, ownerID)

	p.logger.Info("outbox processor started",
		"owner_id", ownerID,
		"interval", p.config.Interval.String(),
		"max_concurrent", p.config.MaxConcurrent,
	)
	return nil
}

// Stop cancels the loop and waits for in-flight deliveries to return.
// Cancelled deliveries stay in processing until the stale sweep recovers them.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	owner := p.ownerID
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("outbox processor stopped", "owner_id", owner)
}

// IsRunning reports whether the loop is active.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Processor) loop(ctx context.Context, ownerID string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx, ownerID); err != nil && ctx.Err() == nil {
			p.logger.WarnContext(ctx, "outbox cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce recovers stale events, delivers one batch of ready events and
// purges completed events when PurgeInterval has elapsed.
func (p *Processor) RunOnce(ctx context.Context, ownerID string) (CycleResult, error) {
	var result CycleResult
	if ownerID == "" {
		return result, domainErrors.NewError(domainErrors.CodeValidation, "owner ID is required", domainErrors.ErrOwnerRequired)
	}

	ctx, span := p.tracer.StartCycleSpan(ctx, ownerID)

	recovered, err := p.recoverStale(ctx, ownerID)
	if err != nil {
		span.EndWithError(err)
		return result, err
	}
	result.Recovered = recovered

	ready, err := p.events.FetchReady(ctx, p.config.BatchSize, ownerID)
	if err != nil {
		err = fmt.Errorf("failed to fetch ready events: %w", err)
		span.EndWithError(err)
		return result, err
	}
	result.Fetched = len(ready)

	var (
		g     errgroup.Group
		resMu sync.Mutex
	)
	g.SetLimit(p.config.MaxConcurrent)

	for _, event := range ready {
		if !p.claimEntity(event.EntityID) {
			// Another event for this entity is being delivered.
			result.Skipped++
			continue
		}

		g.Go(func() error {
			defer p.releaseEntity(event.EntityID)

			out, err := p.deliver(ctx, event)

			resMu.Lock()
			switch out {
			case outcomeDelivered:
				result.Delivered++
			case outcomeFailed:
				result.Failed++
			default:
				result.Skipped++
			}
			resMu.Unlock()
			return err
		})
	}

	if err := g.Wait(); err != nil {
		span.SetCounts(result.Recovered, result.Fetched, result.Delivered, result.Failed)
		span.EndWithError(err)
		return result, err
	}

	if p.purgeDue() {
		purged, err := p.Purge(ctx)
		if err != nil {
			p.logger.WarnContext(ctx, "failed to purge completed events", "error", err)
		}
		result.Purged = purged
	}

	span.SetCounts(result.Recovered, result.Fetched, result.Delivered, result.Failed)
	span.End()

	if result.Fetched > 0 || result.Recovered > 0 {
		p.logger.DebugContext(ctx, "outbox cycle completed",
			"recovered", result.Recovered,
			"fetched", result.Fetched,
			"delivered", result.Delivered,
			"failed", result.Failed,
			"skipped", result.Skipped,
		)
	}
	return result, nil
}

// Drain runs cycles until no ready events remain or maxCycles is reached.
// Events waiting out a backoff are left for a later run.
func (p *Processor) Drain(ctx context.Context, ownerID string, maxCycles int) (CycleResult, error) {
	var total CycleResult
	for i := 0; i < maxCycles; i++ {
		res, err := p.RunOnce(ctx, ownerID)
		total.Recovered += res.Recovered
		total.Fetched += res.Fetched
		total.Delivered += res.Delivered
		total.Failed += res.Failed
		total.Skipped += res.Skipped
		total.Purged += res.Purged
		if err != nil {
			return total, err
		}
		if res.Fetched == 0 {
			break
		}
	}
	return total, nil
}

// deliver claims an event and replays it. Only storage and cancellation
// errors are returned; remote failures are recorded on the event.
func (p *Processor) deliver(ctx context.Context, event *domainOutbox.Event) (outcome, error) {
	claimed, err := p.events.MarkProcessing(ctx, event.ID)
	if err != nil {
		if errors.Is(err, domainErrors.ErrEventAlreadyClaimed) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, fmt.Errorf("failed to claim event %s: %w", event.ID, err)
	}

	ctx = logging.WithEventID(ctx, claimed.ID)
	ctx, span := p.tracer.StartDeliverySpan(ctx, claimed.ID, claimed.EntityID, claimed.AttemptCount)

	entry, err := p.entries.Get(ctx, claimed.EntityID)
	if domainErrors.IsNotFound(err) {
		if err := p.events.MarkCompleted(ctx, claimed.ID, ""); err != nil {
			span.EndWithError(err)
			return outcomeSkipped, fmt.Errorf("failed to complete orphaned event: %w", err)
		}
		logging.LogEventSkipped(ctx, p.logger, claimed.ID, "entity no longer exists")
		span.SetOperation("skip")
		span.End()
		return outcomeSkipped, nil
	}
	if err != nil {
		span.EndWithError(err)
		return outcomeSkipped, fmt.Errorf("failed to load entity %s: %w", claimed.EntityID, err)
	}

	op := "create"
	if entry.RemoteID != "" {
		op = "update"
	}
	span.SetOperation(op)

	start := p.now()
	callCtx, cancel := context.WithTimeout(ctx, p.config.RemoteTimeout)
	remoteID, callErr := p.call(callCtx, entry, buildRecord(claimed, entry))
	cancel()

	if callErr != nil && ctx.Err() != nil {
		// Session ended mid-call: leave the event in processing.
		span.EndWithError(ctx.Err())
		return outcomeSkipped, ctx.Err()
	}

	// Bookkeeping must land even if the session ends from here on.
	ctx = context.WithoutCancel(ctx)

	if callErr != nil && domainErrors.IsConflict(callErr) {
		remoteID = domainErrors.ContextString(callErr, "remote_id")
		if remoteID == "" {
			remoteID = entry.RemoteID
		}
		p.logger.InfoContext(ctx, "remote reported duplicate, treating as delivered", "remote_id", remoteID)
		callErr = nil
	}

	if callErr != nil {
		return p.recordFailure(ctx, claimed, entry, callErr, span)
	}

	if err := p.entries.MarkSynced(ctx, entry.ID, remoteID, entry.UpdatedAt); err != nil {
		span.EndWithError(err)
		return outcomeDelivered, fmt.Errorf("failed to mark entry synced: %w", err)
	}
	if err := p.events.MarkCompleted(ctx, claimed.ID, remoteID); err != nil {
		span.EndWithError(err)
		return outcomeDelivered, fmt.Errorf("failed to mark event completed: %w", err)
	}

	span.SetRemoteID(remoteID)
	span.End()
	logging.LogEventDelivered(ctx, p.logger, claimed.ID, remoteID, claimed.AttemptCount, p.now().Sub(start))
	return outcomeDelivered, nil
}

func (p *Processor) call(ctx context.Context, entry *metric.Entry, record ports.RemoteRecord) (string, error) {
	if entry.RemoteID != "" {
		if err := p.remote.Update(ctx, entry.RemoteID, record); err != nil {
			return "", err
		}
		return entry.RemoteID, nil
	}
	return p.remote.Create(ctx, record)
}

func (p *Processor) recordFailure(ctx context.Context, claimed *domainOutbox.Event, entry *metric.Entry, callErr error, span *tracing.DeliverySpan) (outcome, error) {
	span.EndWithError(callErr)

	updated, err := p.events.MarkFailed(ctx, claimed.ID, callErr.Error(), p.config.Backoff)
	if err != nil {
		return outcomeFailed, fmt.Errorf("failed to record delivery failure: %w", err)
	}

	terminal := updated.Status == domainOutbox.StatusFailed
	logging.LogEventFailed(ctx, p.logger, claimed.ID, callErr, updated.AttemptCount, updated.MaxAttempts, terminal)

	if terminal {
		if err := p.entries.MarkSyncFailed(ctx, entry.ID, entry.UpdatedAt); err != nil && !domainErrors.IsNotFound(err) {
			return outcomeFailed, fmt.Errorf("failed to mark entry sync failed: %w", err)
		}
	}
	return outcomeFailed, nil
}

// recoverStale returns this owner's stuck events to pending. An event that
// already used its final attempt fails terminally instead.
func (p *Processor) recoverStale(ctx context.Context, ownerID string) (int, error) {
	stale, err := p.events.FetchStale(ctx, p.config.ProcessingTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stale events: %w", err)
	}

	recovered := 0
	for _, event := range stale {
		if event.OwnerID != ownerID || p.isInFlight(event.EntityID) {
			continue
		}

		if event.AttemptsExhausted() {
			if err := p.events.FailPermanently(ctx, event.ID, "processing timed out on final attempt"); err != nil {
				return recovered, fmt.Errorf("failed to fail stale event %s: %w", event.ID, err)
			}
			if entry, err := p.entries.Get(ctx, event.EntityID); err == nil {
				if err := p.entries.MarkSyncFailed(ctx, entry.ID, entry.UpdatedAt); err != nil {
					return recovered, fmt.Errorf("failed to mark entry sync failed: %w", err)
				}
			}
			p.logger.ErrorContext(ctx, "stale event exhausted its attempts",
				"event_id", event.ID,
				"attempt", event.AttemptCount,
			)
			continue
		}

		if err := p.events.ResetToPending(ctx, event.ID); err != nil {
			if domainErrors.IsNotFound(err) {
				continue
			}
			return recovered, fmt.Errorf("failed to reset stale event %s: %w", event.ID, err)
		}
		recovered++
		p.logger.WarnContext(ctx, "recovered stale event",
			"event_id", event.ID,
			"attempt", event.AttemptCount,
		)
	}
	return recovered, nil
}

// Purge deletes completed events older than Retention.
func (p *Processor) Purge(ctx context.Context) (int64, error) {
	p.purgeMu.Lock()
	p.lastPurge = p.now()
	p.purgeMu.Unlock()

	n, err := p.events.PurgeCompleted(ctx, p.config.Retention)
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed events: %w", err)
	}
	if n > 0 {
		p.logger.InfoContext(ctx, "purged completed events", "count", n)
	}
	return n, nil
}

func (p *Processor) purgeDue() bool {
	p.purgeMu.Lock()
	defer p.purgeMu.Unlock()
	return p.now().Sub(p.lastPurge) >= p.config.PurgeInterval
}

// Stats returns event counts by status for ownerID.
func (p *Processor) Stats(ctx context.Context, ownerID string) (domainOutbox.StatusCounts, error) {
	return p.events.CountByStatus(ctx, ownerID)
}

func (p *Processor) claimEntity(entityID string) bool {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	if p.inFlight[entityID] {
		return false
	}
	p.inFlight[entityID] = true
	return true
}

func (p *Processor) releaseEntity(entityID string) {
	p.inFlightMu.Lock()
	delete(p.inFlight, entityID)
	p.inFlightMu.Unlock()
}

func (p *Processor) isInFlight(entityID string) bool {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	return p.inFlight[entityID]
}

// buildRecord builds the request body from the live entity. The entity ID is
// the dedup token so a resubmitted create is recognized by the backend.
func buildRecord(event *domainOutbox.Event, entry *metric.Entry) ports.RemoteRecord {
	record := ports.RemoteRecord{
		DedupToken:  entry.ID,
		OwnerID:     entry.OwnerID,
		MetricType:  string(entry.MetricType),
		BucketStart: entry.BucketStart.UTC(),
		Value:       entry.Value,
		Payload:     entry.Payload,
		UpdatedAt:   entry.UpdatedAt.UTC(),
	}
	if record.OwnerID == "" {
		record.OwnerID = event.OwnerID
	}
	if def, ok := metric.Lookup(entry.MetricType); ok {
		record.Unit = def.Unit
	}
	return record
}
