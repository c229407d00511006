package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/domain/outbox"
)

// Compile-time check that OutboxRepository implements EventStorePort.
var _ ports.EventStorePort = (*OutboxRepository)(nil)

const outboxColumns = `id, event_type, entity_id, owner_id, status, attempt_count, max_attempts,
	priority, created_at, last_attempt_at, not_before, error_message, metadata`

// readyCondition selects events eligible for delivery.
const readyCondition = `(status = 'pending' OR (status = 'failed' AND attempt_count < max_attempts))`

// OutboxRepository implements EventStorePort using SQLite.
type OutboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db, now: time.Now}
}

// SetClock overrides the time source.
func (r *OutboxRepository) SetClock(now func() time.Time) {
	r.now = now
}

func (r *OutboxRepository) querier(q ports.Querier) ports.Querier {
	if q == nil {
		return r.db
	}
	return q
}

// Enqueue inserts a pending event.
func (r *OutboxRepository) Enqueue(ctx context.Context, q ports.Querier, params outbox.EnqueueParams) (*outbox.Event, error) {
	if params.EventType == "" || params.EntityID == "" || params.OwnerID == "" {
		return nil, domainErrors.NewError(domainErrors.CodeValidation, "event type, entity ID and owner ID are required", nil)
	}

	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = outbox.DefaultMaxAttempts
	}

	metadata := make(map[string]string, len(params.Metadata)+1)
	for k, v := range params.Metadata {
		metadata[k] = v
	}
	metadata[outbox.MetaIsNewRecord] = strconv.FormatBool(params.IsNewRecord)

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	event := &outbox.Event{
		ID:          uuid.New().String(),
		EventType:   params.EventType,
		EntityID:    params.EntityID,
		OwnerID:     params.OwnerID,
		Status:      outbox.StatusPending,
		MaxAttempts: maxAttempts,
		Priority:    params.Priority,
		CreatedAt:   fromMillis(toMillis(r.now())),
		Metadata:    metadata,
	}

	_, err = r.querier(q).ExecContext(ctx, `
		INSERT INTO outbox_events (id, event_type, entity_id, owner_id, status, attempt_count,
			max_attempts, priority, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, event.ID, event.EventType, event.EntityID, event.OwnerID, string(event.Status),
		event.MaxAttempts, event.Priority, toMillis(event.CreatedAt), string(metadataJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue outbox event: %w", err)
	}

	return event, nil
}

// FindPendingForEntity returns the newest unclaimed pending event for an entity.
func (r *OutboxRepository) FindPendingForEntity(ctx context.Context, q ports.Querier, entityID string) (*outbox.Event, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events
		WHERE entity_id = ? AND status = 'pending'
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`

	event, err := scanEvent(r.querier(q).QueryRowContext(ctx, query, entityID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending event: %w", err)
	}
	return event, nil
}

// UpdateMetadata replaces the metadata of an unclaimed pending event.
func (r *OutboxRepository) UpdateMetadata(ctx context.Context, q ports.Querier, eventID string, metadata map[string]string) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	result, err := r.querier(q).ExecContext(ctx,
		`UPDATE outbox_events SET metadata = ? WHERE id = ? AND status = 'pending'`,
		string(metadataJSON), eventID)
	if err != nil {
		return fmt.Errorf("failed to update event metadata: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return domainErrors.ErrEventAlreadyClaimed
	}
	return nil
}

// FetchReady returns deliverable events ordered by priority DESC, created_at ASC.
func (r *OutboxRepository) FetchReady(ctx context.Context, limit int, ownerID string) ([]*outbox.Event, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events
		WHERE ` + readyCondition + `
		AND (not_before IS NULL OR not_before <= ?)`
	args := []any{toMillis(r.now())}

	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}

	query += ` ORDER BY priority DESC, created_at ASC, rowid ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return r.queryEvents(ctx, r.db, query, args...)
}

// MarkProcessing claims an event for delivery.
func (r *OutboxRepository) MarkProcessing(ctx context.Context, eventID string) (*outbox.Event, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'processing', attempt_count = attempt_count + 1, last_attempt_at = ?
		WHERE id = ? AND `+readyCondition,
		toMillis(r.now()), eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check claim result: %w", err)
	}

	if rows == 0 {
		if _, err := r.Get(ctx, eventID); err != nil {
			return nil, err
		}
		return nil, domainErrors.ErrEventAlreadyClaimed
	}

	return r.Get(ctx, eventID)
}

// MarkCompleted records a successful delivery.
func (r *OutboxRepository) MarkCompleted(ctx context.Context, eventID, remoteID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'completed', completed_at = ?, remote_id = ?, error_message = NULL, not_before = NULL
		WHERE id = ?
	`, toMillis(r.now()), nullableString(remoteID), eventID)
	if err != nil {
		return fmt.Errorf("failed to complete outbox event: %w", err)
	}
	return requireRow(result, eventID)
}

// MarkFailed records a failed attempt and schedules the retry.
func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID, message string, backoff outbox.Backoff) (*outbox.Event, error) {
	event, err := r.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	var result sql.Result
	if event.AttemptsExhausted() {
		result, err = r.db.ExecContext(ctx, `
			UPDATE outbox_events SET status = 'failed', error_message = ?, not_before = NULL
			WHERE id = ?
		`, message, eventID)
	} else {
		notBefore := r.now().Add(backoff.Delay(event.AttemptCount))
		result, err = r.db.ExecContext(ctx, `
			UPDATE outbox_events SET status = 'pending', error_message = ?, not_before = ?
			WHERE id = ?
		`, message, toMillis(notBefore), eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record outbox failure: %w", err)
	}
	if err := requireRow(result, eventID); err != nil {
		return nil, err
	}

	return r.Get(ctx, eventID)
}

// FetchStale returns events stuck in processing for longer than olderThan.
func (r *OutboxRepository) FetchStale(ctx context.Context, olderThan time.Duration) ([]*outbox.Event, error) {
	cutoff := r.now().Add(-olderThan)
	query := `SELECT ` + outboxColumns + ` FROM outbox_events
		WHERE status = 'processing' AND (last_attempt_at IS NULL OR last_attempt_at < ?)
		ORDER BY created_at ASC, rowid ASC`
	return r.queryEvents(ctx, r.db, query, toMillis(cutoff))
}

// ResetToPending returns a processing event to pending.
func (r *OutboxRepository) ResetToPending(ctx context.Context, eventID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'pending', not_before = NULL
		WHERE id = ? AND status = 'processing'
	`, eventID)
	if err != nil {
		return fmt.Errorf("failed to reset outbox event: %w", err)
	}
	return requireRow(result, eventID)
}

// FailPermanently moves an event to terminal failed.
func (r *OutboxRepository) FailPermanently(ctx context.Context, eventID, message string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'failed', error_message = ?, not_before = NULL,
			attempt_count = MAX(attempt_count, max_attempts)
		WHERE id = ?
	`, message, eventID)
	if err != nil {
		return fmt.Errorf("failed to fail outbox event: %w", err)
	}
	return requireRow(result, eventID)
}

// PurgeCompleted deletes completed events older than olderThan.
func (r *OutboxRepository) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.now().Add(-olderThan)
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM outbox_events WHERE status = 'completed' AND completed_at < ?`,
		toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed events: %w", err)
	}
	return result.RowsAffected()
}

// DeleteUndelivered removes non-completed events for an owner.
func (r *OutboxRepository) DeleteUndelivered(ctx context.Context, q ports.Querier, ownerID, eventType string) (int64, error) {
	query := `DELETE FROM outbox_events WHERE owner_id = ? AND status != 'completed'`
	args := []any{ownerID}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}

	result, err := r.querier(q).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete undelivered events: %w", err)
	}
	return result.RowsAffected()
}

// CountByStatus returns event counts by status.
func (r *OutboxRepository) CountByStatus(ctx context.Context, ownerID string) (outbox.StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM outbox_events`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox events: %w", err)
	}
	defer rows.Close()

	counts := make(outbox.StatusCounts)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outbox count: %w", err)
		}
		counts[outbox.Status(status)] = n
	}
	return counts, rows.Err()
}

// Get retrieves an event by ID.
func (r *OutboxRepository) Get(ctx context.Context, eventID string) (*outbox.Event, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE id = ?`

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, eventID))
	if err == sql.ErrNoRows {
		return nil, domainErrors.NewError(domainErrors.CodeNotFound, fmt.Sprintf("outbox event not found: %s", eventID), domainErrors.ErrEventNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox event: %w", err)
	}
	return event, nil
}

func (r *OutboxRepository) queryEvents(ctx context.Context, q ports.Querier, query string, args ...any) ([]*outbox.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*outbox.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(row scanner) (*outbox.Event, error) {
	var (
		event         outbox.Event
		status        string
		createdAt     int64
		lastAttemptAt sql.NullInt64
		notBefore     sql.NullInt64
		errorMessage  sql.NullString
		metadataJSON  string
	)

	err := row.Scan(
		&event.ID, &event.EventType, &event.EntityID, &event.OwnerID, &status,
		&event.AttemptCount, &event.MaxAttempts, &event.Priority, &createdAt,
		&lastAttemptAt, &notBefore, &errorMessage, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	event.Status = outbox.Status(status)
	event.CreatedAt = fromMillis(createdAt)
	event.LastAttemptAt = timePtr(lastAttemptAt)
	event.NotBefore = timePtr(notBefore)
	event.ErrorMessage = errorMessage.String

	event.Metadata = make(map[string]string)
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
		}
	}

	return &event, nil
}

func requireRow(result sql.Result, eventID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return domainErrors.NewError(domainErrors.CodeNotFound, fmt.Sprintf("outbox event not found: %s", eventID), domainErrors.ErrEventNotFound)
	}
	return nil
}
