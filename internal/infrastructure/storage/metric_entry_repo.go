package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
)

// Compile-time check that MetricEntryRepository implements MetricEntryStoragePort.
var _ ports.MetricEntryStoragePort = (*MetricEntryRepository)(nil)

const entryColumns = `id, COALESCE(owner_id, ''), metric_type, bucket_start, value, payload,
	created_at, updated_at, remote_id, sync_status`

// MetricEntryRepository implements MetricEntryStoragePort using SQLite.
type MetricEntryRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewMetricEntryRepository creates a new metric entry repository.
func NewMetricEntryRepository(db *sql.DB) *MetricEntryRepository {
	return &MetricEntryRepository{db: db, now: time.Now}
}

// SetClock overrides the time source.
func (r *MetricEntryRepository) SetClock(now func() time.Time) {
	r.now = now
}

func (r *MetricEntryRepository) querier(q ports.Querier) ports.Querier {
	if q == nil {
		return r.db
	}
	return q
}

// EnsureOwner registers an owner row if it does not exist.
func (r *MetricEntryRepository) EnsureOwner(ctx context.Context, q ports.Querier, ownerID string) error {
	if ownerID == "" {
		return domainErrors.NewError(domainErrors.CodeValidation, "owner ID is required", domainErrors.ErrOwnerRequired)
	}

	_, err := r.querier(q).ExecContext(ctx,
		`INSERT OR IGNORE INTO owners (id, created_at) VALUES (?, ?)`,
		ownerID, toMillis(r.now()))
	if err != nil {
		return fmt.Errorf("failed to ensure owner: %w", err)
	}
	return nil
}

// FindByKey looks up the entry for key within [dayStart, dayEnd).
func (r *MetricEntryRepository) FindByKey(ctx context.Context, q ports.Querier, key metric.Key, dayStart, dayEnd time.Time) (*metric.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM metric_entries
		WHERE owner_id = ? AND metric_type = ? AND bucket_start = ?
		AND bucket_start >= ? AND bucket_start < ?
		ORDER BY created_at ASC
		LIMIT 1`

	entry, err := scanEntry(r.querier(q).QueryRowContext(ctx, query,
		key.OwnerID, string(key.MetricType), toMillis(key.BucketStart),
		toMillis(dayStart), toMillis(dayEnd)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find metric entry: %w", err)
	}
	return entry, nil
}

// Insert persists a new entry.
func (r *MetricEntryRepository) Insert(ctx context.Context, q ports.Querier, entry *metric.Entry) error {
	if entry == nil || entry.ID == "" {
		return domainErrors.NewError(domainErrors.CodeValidation, "entry ID is required", nil)
	}

	_, err := r.querier(q).ExecContext(ctx, `
		INSERT INTO metric_entries (id, owner_id, metric_type, bucket_start, value, payload,
			created_at, updated_at, remote_id, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.OwnerID, string(entry.MetricType), toMillis(entry.BucketStart),
		entry.Value, nullablePayload(entry.Payload), toMillis(entry.CreatedAt), toMillis(entry.UpdatedAt),
		nullableString(entry.RemoteID), string(entry.SyncStatus))
	if err != nil {
		return fmt.Errorf("failed to insert metric entry: %w", err)
	}
	return nil
}

// UpdateValue persists value, payload, updated_at and sync_status.
func (r *MetricEntryRepository) UpdateValue(ctx context.Context, q ports.Querier, entry *metric.Entry) error {
	result, err := r.querier(q).ExecContext(ctx, `
		UPDATE metric_entries
		SET value = ?, payload = ?, updated_at = ?, sync_status = ?
		WHERE id = ?
	`, entry.Value, nullablePayload(entry.Payload), toMillis(entry.UpdatedAt), string(entry.SyncStatus), entry.ID)
	if err != nil {
		return fmt.Errorf("failed to update metric entry: %w", err)
	}
	return requireEntryRow(result, entry.ID)
}

// Get retrieves an entry by ID.
func (r *MetricEntryRepository) Get(ctx context.Context, id string) (*metric.Entry, error) {
	entry, err := scanEntry(r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM metric_entries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, domainErrors.NewError(domainErrors.CodeNotFound, fmt.Sprintf("metric entry not found: %s", id), domainErrors.ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metric entry: %w", err)
	}
	return entry, nil
}

// MarkSynced stores the remote identifier and flips the entry to synced.
// The status only changes when the entry has not been modified after at,
// so a delivery of an older snapshot never hides a newer local write.
func (r *MetricEntryRepository) MarkSynced(ctx context.Context, id, remoteID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE metric_entries
		SET remote_id = COALESCE(?, remote_id),
			sync_status = CASE WHEN updated_at <= ? THEN 'synced' ELSE sync_status END
		WHERE id = ?
	`, nullableString(remoteID), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark metric entry synced: %w", err)
	}
	return requireEntryRow(result, id)
}

// ResetFailed flips a failed entry back to pending without touching its
// value.
func (r *MetricEntryRepository) ResetFailed(ctx context.Context, q ports.Querier, id string, at time.Time) (*metric.Entry, bool, error) {
	qr := r.querier(q)
	result, err := qr.ExecContext(ctx, `
		UPDATE metric_entries
		SET sync_status = ?, updated_at = ?
		WHERE id = ? AND sync_status = ?
	`, string(metric.SyncStatusPending), toMillis(at), id, string(metric.SyncStatusFailed))
	if err != nil {
		return nil, false, fmt.Errorf("failed to reset metric entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reset metric entry: %w", err)
	}

	entry, err := scanEntry(qr.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM metric_entries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, false, domainErrors.NewError(domainErrors.CodeNotFound, fmt.Sprintf("metric entry not found: %s", id), domainErrors.ErrEntryNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get metric entry: %w", err)
	}
	return entry, n > 0, nil
}

// MarkSyncFailed flips the entry to failed unless it changed after at.
func (r *MetricEntryRepository) MarkSyncFailed(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE metric_entries
		SET sync_status = CASE WHEN updated_at <= ? THEN 'failed' ELSE sync_status END
		WHERE id = ?
	`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark metric entry failed: %w", err)
	}
	return requireEntryRow(result, id)
}

// List returns entries matching filter ordered by bucket start.
func (r *MetricEntryRepository) List(ctx context.Context, filter ports.MetricEntryFilter) ([]*metric.Entry, error) {
	var conditions []string
	var args []any

	if filter.OwnerID != "" {
		conditions = append(conditions, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.MetricType != "" {
		conditions = append(conditions, "metric_type = ?")
		args = append(args, string(filter.MetricType))
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "bucket_start >= ?")
		args = append(args, toMillis(filter.From))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "bucket_start < ?")
		args = append(args, toMillis(filter.To))
	}
	if len(filter.Status) > 0 {
		conditions = append(conditions, "sync_status IN ("+placeholders(len(filter.Status))+")")
		for _, s := range filter.Status {
			args = append(args, string(s))
		}
	}

	query := `SELECT ` + entryColumns + ` FROM metric_entries`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY bucket_start ASC, metric_type ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list metric entries: %w", err)
	}
	defer rows.Close()

	var entries []*metric.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metric entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ClearOwnerRefs nulls the owner reference on matched entries and returns their IDs.
func (r *MetricEntryRepository) ClearOwnerRefs(ctx context.Context, q ports.Querier, ownerID string, metricType metric.Type) ([]string, error) {
	q = r.querier(q)

	query := `SELECT id FROM metric_entries WHERE owner_id = ?`
	args := []any{ownerID}
	if metricType != "" {
		query += ` AND metric_type = ?`
		args = append(args, string(metricType))
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select owner entries: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan entry ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate owner entries: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	updateArgs := make([]any, len(ids))
	for i, id := range ids {
		updateArgs[i] = id
	}
	_, err = q.ExecContext(ctx,
		`UPDATE metric_entries SET owner_id = NULL WHERE id IN (`+placeholders(len(ids))+`)`,
		updateArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to clear owner references: %w", err)
	}

	return ids, nil
}

// DeleteByIDs removes entries by ID.
func (r *MetricEntryRepository) DeleteByIDs(ctx context.Context, q ports.Querier, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := r.querier(q).ExecContext(ctx,
		`DELETE FROM metric_entries WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete metric entries: %w", err)
	}
	return result.RowsAffected()
}

// CountByStatus returns entry counts by sync status for an owner.
func (r *MetricEntryRepository) CountByStatus(ctx context.Context, ownerID string) (map[metric.SyncStatus]int, error) {
	query := `SELECT sync_status, COUNT(*) FROM metric_entries`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` GROUP BY sync_status`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count metric entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[metric.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan entry count: %w", err)
		}
		counts[metric.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanEntry(row scanner) (*metric.Entry, error) {
	var (
		entry       metric.Entry
		metricType  string
		bucketStart int64
		payload     sql.NullString
		createdAt   int64
		updatedAt   int64
		remoteID    sql.NullString
		status      string
	)

	err := row.Scan(&entry.ID, &entry.OwnerID, &metricType, &bucketStart, &entry.Value,
		&payload, &createdAt, &updatedAt, &remoteID, &status)
	if err != nil {
		return nil, err
	}

	entry.MetricType = metric.Type(metricType)
	entry.BucketStart = fromMillis(bucketStart)
	entry.CreatedAt = fromMillis(createdAt)
	entry.UpdatedAt = fromMillis(updatedAt)
	entry.RemoteID = remoteID.String
	entry.SyncStatus = metric.SyncStatus(status)
	if payload.Valid && payload.String != "" {
		entry.Payload = json.RawMessage(payload.String)
	}

	return &entry, nil
}

func nullablePayload(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}

func requireEntryRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return domainErrors.NewError(domainErrors.CodeNotFound, fmt.Sprintf("metric entry not found: %s", id), domainErrors.ErrEntryNotFound)
	}
	return nil
}
