// Package metricstore owns every local write of metric entries. It applies
// live-bucket reconciliation and records the matching outbox event in the
// same transaction as the entry.
package metricstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jbctechsolutions/pulsesync/internal/application/changebus"
	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	"github.com/jbctechsolutions/pulsesync/internal/domain/outbox"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/logging"
)

// Outcome describes what Write did with a candidate.
type Outcome string

const (
	// OutcomeCreated means a new entry was inserted.
	OutcomeCreated Outcome = "created"
	// OutcomeUpdated means the live bucket's value changed.
	OutcomeUpdated Outcome = "updated"
	// OutcomeUnchanged means the live bucket already held this value.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeDuplicate means the key matched a closed bucket, which is immutable.
	OutcomeDuplicate Outcome = "duplicate"
)

// WriteResult is returned by Write.
type WriteResult struct {
	EntityID string
	Outcome  Outcome
}

// DeleteResult is returned by DeleteAll.
type DeleteResult struct {
	Entries int64
	Events  int64
}

// Publisher receives change notifications after a write commits.
type Publisher interface {
	Publish(e changebus.ChangeEvent)
}

// Config holds MetricStore settings.
type Config struct {
	// Location is the timezone bucket boundaries and "today" are computed in.
	Location *time.Location
	// BoundaryTolerance lets a bucket slightly ahead of the wall clock count
	// as current.
	BoundaryTolerance time.Duration
	// MaxAttempts is stamped on every enqueued event.
	MaxAttempts int
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Location:          time.Local,
		BoundaryTolerance: time.Hour,
		MaxAttempts:       outbox.DefaultMaxAttempts,
	}
}

// Store is the MetricStore.
type Store struct {
	entries ports.MetricEntryStoragePort
	events  ports.EventStorePort
	tx      ports.TxRunner
	bus     Publisher
	logger  *logging.Logger
	config  Config
	now     func() time.Time

	mu     sync.Mutex
	owners map[string]*sync.Mutex
}

// New creates a Store.
func New(entries ports.MetricEntryStoragePort, events ports.EventStorePort, tx ports.TxRunner, bus Publisher, cfg Config, logger *logging.Logger) *Store {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = outbox.DefaultMaxAttempts
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		entries: entries,
		events:  events,
		tx:      tx,
		bus:     bus,
		logger:  logger,
		config:  cfg,
		now:     time.Now,
		owners:  make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Location returns the timezone buckets are computed in.
func (s *Store) Location() *time.Location {
	return s.config.Location
}

// lockOwner serializes all local mutations for one owner.
func (s *Store) lockOwner(ownerID string) func() {
	s.mu.Lock()
	m, ok := s.owners[ownerID]
	if !ok {
		m = &sync.Mutex{}
		s.owners[ownerID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Write persists candidate, deduplicating on (owner, type, bucket start).
//
// A new key is inserted and enqueued for creation. An existing key in the
// live bucket takes the candidate's value when it differs; an existing key
// in a closed bucket is left untouched. A change event is published after
// every successful write, including no-op ones.
func (s *Store) Write(ctx context.Context, candidate metric.Entry) (WriteResult, error) {
	if err := candidate.Validate(s.config.Location); err != nil {
		return WriteResult{}, err
	}
	def, _ := metric.Lookup(candidate.MetricType)

	unlock := s.lockOwner(candidate.OwnerID)
	defer unlock()

	now := s.now()
	var result WriteResult

	err := s.tx.RunInTx(ctx, func(q ports.Querier) error {
		if err := s.entries.EnsureOwner(ctx, q, candidate.OwnerID); err != nil {
			return err
		}

		dayStart, dayEnd := metric.DayBounds(candidate.BucketStart, s.config.Location)
		existing, err := s.entries.FindByKey(ctx, q, candidate.Key(), dayStart, dayEnd)
		if err != nil {
			return err
		}

		if existing == nil {
			entry := candidate
			entry.ID = uuid.New().String()
			entry.CreatedAt = now
			entry.UpdatedAt = now
			entry.RemoteID = ""
			entry.SyncStatus = metric.SyncStatusPending

			if err := s.entries.Insert(ctx, q, &entry); err != nil {
				return err
			}
			if _, err := s.events.Enqueue(ctx, q, s.enqueueParams(&entry, true, outbox.ReasonInitialWrite)); err != nil {
				return err
			}
			result = WriteResult{EntityID: entry.ID, Outcome: OutcomeCreated}
			return nil
		}

		result.EntityID = existing.ID

		if !metric.IsCurrentBucket(existing.BucketStart, now, def.Bucket, s.config.BoundaryTolerance, s.config.Location) {
			result.Outcome = OutcomeDuplicate
			return nil
		}

		changed := metric.ValueChanged(existing.Value, candidate.Value)
		if def.Structured && metric.PayloadChanged(existing.Payload, candidate.Payload) {
			changed = true
		}
		if !changed {
			result.Outcome = OutcomeUnchanged
			return nil
		}

		existing.Value = candidate.Value
		existing.Payload = candidate.Payload
		existing.UpdatedAt = now
		existing.SyncStatus = metric.SyncStatusPending
		if err := s.entries.UpdateValue(ctx, q, existing); err != nil {
			return err
		}

		if err := s.enqueueLiveUpdate(ctx, q, existing); err != nil {
			return err
		}
		result.Outcome = OutcomeUpdated
		return nil
	})
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to write metric entry: %w", err)
	}

	kind := changebus.KindUpdated
	if result.Outcome == OutcomeCreated {
		kind = changebus.KindCreated
	}
	s.publish(candidate.OwnerID, candidate.MetricType, result.EntityID, kind, now)

	s.logger.DebugContext(ctx, "metric entry written",
		"owner_id", candidate.OwnerID,
		"metric_type", string(candidate.MetricType),
		"bucket_start", candidate.BucketStart.Format(time.RFC3339),
		"entity_id", result.EntityID,
		"outcome", string(result.Outcome),
	)

	return result, nil
}

// enqueueLiveUpdate schedules delivery of a live bucket's new value. An
// unclaimed pending event for the entry is reused so the backlog holds at
// most one undelivered event per entry; otherwise a new event is added.
func (s *Store) enqueueLiveUpdate(ctx context.Context, q ports.Querier, entry *metric.Entry) error {
	pending, err := s.events.FindPendingForEntity(ctx, q, entry.ID)
	if err != nil {
		return err
	}

	if pending != nil {
		md := pending.Metadata
		if md == nil {
			md = make(map[string]string)
		}
		for k, v := range eventMetadata(entry, outbox.ReasonLiveBucket) {
			md[k] = v
		}
		err := s.events.UpdateMetadata(ctx, q, pending.ID, md)
		if err == nil {
			return nil
		}
		if !domainErrors.Is(err, domainErrors.ErrEventAlreadyClaimed) {
			return err
		}
	}

	_, err = s.events.Enqueue(ctx, q, s.enqueueParams(entry, entry.RemoteID == "", outbox.ReasonLiveBucket))
	return err
}

func (s *Store) enqueueParams(entry *metric.Entry, isNew bool, reason string) outbox.EnqueueParams {
	return outbox.EnqueueParams{
		EventType:   string(entry.MetricType),
		EntityID:    entry.ID,
		OwnerID:     entry.OwnerID,
		IsNewRecord: isNew,
		Metadata:    eventMetadata(entry, reason),
		MaxAttempts: s.config.MaxAttempts,
	}
}

func eventMetadata(entry *metric.Entry, reason string) map[string]string {
	return map[string]string{
		outbox.MetaReason:      reason,
		outbox.MetaOwnerID:     entry.OwnerID,
		outbox.MetaMetricType:  string(entry.MetricType),
		outbox.MetaBucketStart: entry.BucketStart.UTC().Format(time.RFC3339),
		outbox.MetaValue:       strconv.FormatFloat(entry.Value, 'f', -1, 64),
	}
}

func (s *Store) publish(ownerID string, metricType metric.Type, entityID string, kind changebus.Kind, at time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(changebus.ChangeEvent{
		OwnerID:    ownerID,
		EntityType: string(metricType),
		EntityID:   entityID,
		Kind:       kind,
		At:         at,
	})
}

// FetchByOwnerAndType returns an owner's entries of one type with bucket
// start in [from, to). Zero bounds are open.
func (s *Store) FetchByOwnerAndType(ctx context.Context, ownerID string, metricType metric.Type, from, to time.Time) ([]*metric.Entry, error) {
	if ownerID == "" {
		return nil, domainErrors.NewError(domainErrors.CodeValidation, "owner ID is required", domainErrors.ErrOwnerRequired)
	}
	return s.entries.List(ctx, ports.MetricEntryFilter{
		OwnerID:    ownerID,
		MetricType: metricType,
		From:       from,
		To:         to,
	})
}

// Get returns an entry by ID.
func (s *Store) Get(ctx context.Context, id string) (*metric.Entry, error) {
	return s.entries.Get(ctx, id)
}

// MarkSynced records the backend's acknowledgement of the snapshot taken
// at updatedAt.
func (s *Store) MarkSynced(ctx context.Context, id, remoteID string, updatedAt time.Time) error {
	return s.entries.MarkSynced(ctx, id, remoteID, updatedAt)
}

// MarkSyncFailed records that delivery of the snapshot taken at updatedAt
// will not be retried.
func (s *Store) MarkSyncFailed(ctx context.Context, id string, updatedAt time.Time) error {
	return s.entries.MarkSyncFailed(ctx, id, updatedAt)
}

// Resubmit enqueues a fresh delivery for an entry whose sync failed. The
// status check and the flip to pending happen on the row read under the
// owner lock, so a concurrent live write is never overwritten.
func (s *Store) Resubmit(ctx context.Context, id string) (*outbox.Event, error) {
	// Only the owner is taken from this read.
	current, err := s.entries.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := s.lockOwner(current.OwnerID)
	defer unlock()

	var event *outbox.Event
	err = s.tx.RunInTx(ctx, func(q ports.Querier) error {
		entry, reset, err := s.entries.ResetFailed(ctx, q, id, s.now())
		if err != nil {
			return err
		}
		if !reset {
			return domainErrors.WithContext(
				domainErrors.NewError(domainErrors.CodeValidation, "only failed entries can be resubmitted", nil),
				"sync_status", string(entry.SyncStatus))
		}
		event, err = s.events.Enqueue(ctx, q, s.enqueueParams(entry, entry.RemoteID == "", outbox.ReasonManualResubmit))
		return err
	})
	if domainErrors.IsValidation(err) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resubmit metric entry: %w", err)
	}
	return event, nil
}

// DeleteAll removes an owner's entries, optionally of one type, together
// with their undelivered outbox events. Owner references are cleared in a
// first pass before the rows are deleted.
func (s *Store) DeleteAll(ctx context.Context, ownerID string, metricType metric.Type) (DeleteResult, error) {
	if ownerID == "" {
		return DeleteResult{}, domainErrors.NewError(domainErrors.CodeValidation, "owner ID is required", domainErrors.ErrOwnerRequired)
	}

	unlock := s.lockOwner(ownerID)
	defer unlock()

	var result DeleteResult
	err := s.tx.RunInTx(ctx, func(q ports.Querier) error {
		ids, err := s.entries.ClearOwnerRefs(ctx, q, ownerID, metricType)
		if err != nil {
			return err
		}
		result.Entries, err = s.entries.DeleteByIDs(ctx, q, ids)
		if err != nil {
			return err
		}
		result.Events, err = s.events.DeleteUndelivered(ctx, q, ownerID, string(metricType))
		return err
	})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("failed to delete metric entries: %w", err)
	}

	s.logger.InfoContext(ctx, "metric entries deleted",
		"owner_id", ownerID,
		"metric_type", string(metricType),
		"entries", result.Entries,
		"events", result.Events,
	)
	return result, nil
}

// CountByStatus returns an owner's entry counts by sync status.
func (s *Store) CountByStatus(ctx context.Context, ownerID string) (map[metric.SyncStatus]int, error) {
	return s.entries.CountByStatus(ctx, ownerID)
}
