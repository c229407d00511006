// Package ports defines the application layer port interfaces following hexagonal architecture.
package ports

import (
	"context"
	"database/sql"
	"time"

	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	"github.com/jbctechsolutions/pulsesync/internal/domain/outbox"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so repository writes can
// join a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxRunner executes fn inside a single local transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(q Querier) error) error
}

// -----------------------------------------------------------------------------
// Event Store Port
// -----------------------------------------------------------------------------

// EventStorePort persists outbox events.
type EventStorePort interface {
	// Enqueue inserts a pending event using q, which may be a transaction.
	Enqueue(ctx context.Context, q Querier, params outbox.EnqueueParams) (*outbox.Event, error)

	// FindPendingForEntity returns the unclaimed pending event for an entity, or nil.
	FindPendingForEntity(ctx context.Context, q Querier, entityID string) (*outbox.Event, error)

	// UpdateMetadata replaces the metadata of an unclaimed pending event.
	UpdateMetadata(ctx context.Context, q Querier, eventID string, metadata map[string]string) error

	// FetchReady returns deliverable events ordered by priority DESC, created_at ASC.
	FetchReady(ctx context.Context, limit int, ownerID string) ([]*outbox.Event, error)

	// MarkProcessing claims an event. Only one concurrent caller wins; the
	// others receive errors.ErrEventAlreadyClaimed.
	MarkProcessing(ctx context.Context, eventID string) (*outbox.Event, error)

	// MarkCompleted records a successful delivery.
	MarkCompleted(ctx context.Context, eventID, remoteID string) error

	// MarkFailed records a failed attempt. The event returns to pending with a
	// not-before time from backoff, or becomes terminally failed once its
	// attempts are exhausted.
	MarkFailed(ctx context.Context, eventID, message string, backoff outbox.Backoff) (*outbox.Event, error)

	// FetchStale returns events stuck in processing for longer than olderThan.
	FetchStale(ctx context.Context, olderThan time.Duration) ([]*outbox.Event, error)

	// ResetToPending returns a stale processing event to pending.
	ResetToPending(ctx context.Context, eventID string) error

	// FailPermanently moves an event to terminal failed regardless of attempts.
	FailPermanently(ctx context.Context, eventID, message string) error

	// PurgeCompleted deletes completed events older than olderThan.
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error)

	// DeleteUndelivered removes non-completed events for an owner and
	// optional event type, using q.
	DeleteUndelivered(ctx context.Context, q Querier, ownerID, eventType string) (int64, error)

	// CountByStatus returns event counts for an owner ("" for all owners).
	CountByStatus(ctx context.Context, ownerID string) (outbox.StatusCounts, error)

	// Get retrieves an event by ID.
	Get(ctx context.Context, eventID string) (*outbox.Event, error)
}

// -----------------------------------------------------------------------------
// Metric Entry Storage Port
// -----------------------------------------------------------------------------

// MetricEntryFilter narrows a metric entry listing.
type MetricEntryFilter struct {
	OwnerID    string
	MetricType metric.Type
	// From and To bound BucketStart as [From, To). Zero values are open.
	From time.Time
	To   time.Time
	// Status filters by sync status (empty for all).
	Status []metric.SyncStatus
	Limit  int
}

// MetricEntryStoragePort persists metric entries.
type MetricEntryStoragePort interface {
	// EnsureOwner registers an owner row so entries can reference it.
	EnsureOwner(ctx context.Context, q Querier, ownerID string) error

	// FindByKey looks up the entry for key, bounded to [dayStart, dayEnd).
	// Returns nil when none exists.
	FindByKey(ctx context.Context, q Querier, key metric.Key, dayStart, dayEnd time.Time) (*metric.Entry, error)

	// Insert persists a new entry.
	Insert(ctx context.Context, q Querier, entry *metric.Entry) error

	// UpdateValue persists value, payload, updated_at and sync_status.
	UpdateValue(ctx context.Context, q Querier, entry *metric.Entry) error

	// Get retrieves an entry by ID.
	Get(ctx context.Context, id string) (*metric.Entry, error)

	// MarkSynced stores the remote identifier and flips the entry to synced.
	MarkSynced(ctx context.Context, id, remoteID string, at time.Time) error

	// MarkSyncFailed flips the entry to failed.
	MarkSyncFailed(ctx context.Context, id string, at time.Time) error

	// ResetFailed flips a failed entry back to pending and returns the
	// current row. Value and payload are untouched. The bool reports whether
	// the entry was failed and has been reset.
	ResetFailed(ctx context.Context, q Querier, id string, at time.Time) (*metric.Entry, bool, error)

	// List returns entries matching filter ordered by bucket start.
	List(ctx context.Context, filter MetricEntryFilter) ([]*metric.Entry, error)

	// ClearOwnerRefs nulls the owner reference on every matched entry and
	// returns their IDs. metricType "" matches all types.
	ClearOwnerRefs(ctx context.Context, q Querier, ownerID string, metricType metric.Type) ([]string, error)

	// DeleteByIDs removes entries by ID.
	DeleteByIDs(ctx context.Context, q Querier, ids []string) (int64, error)

	// CountByStatus returns entry counts by sync status for an owner.
	CountByStatus(ctx context.Context, ownerID string) (map[metric.SyncStatus]int, error)
}
