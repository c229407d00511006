package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
)

// Compile-time check that SyncLedgerRepository implements SyncLedgerPort.
var _ ports.SyncLedgerPort = (*SyncLedgerRepository)(nil)

// SyncLedgerRepository implements SyncLedgerPort using SQLite.
type SyncLedgerRepository struct {
	db *sql.DB
}

// NewSyncLedgerRepository creates a new sync ledger repository.
func NewSyncLedgerRepository(db *sql.DB) *SyncLedgerRepository {
	return &SyncLedgerRepository{db: db}
}

// Get returns the record for owner and type, or nil if none exists.
func (r *SyncLedgerRepository) Get(ctx context.Context, ownerID string, metricType metric.Type) (*ports.LedgerRecord, error) {
	var (
		lastSyncAt int64
		lastBucket sql.NullInt64
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT last_sync_at, last_bucket FROM sync_ledger
		WHERE owner_id = ? AND metric_type = ?
	`, ownerID, string(metricType)).Scan(&lastSyncAt, &lastBucket)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync ledger record: %w", err)
	}

	record := &ports.LedgerRecord{
		OwnerID:    ownerID,
		MetricType: metricType,
		LastSyncAt: fromMillis(lastSyncAt),
	}
	if lastBucket.Valid {
		record.LastBucket = fromMillis(lastBucket.Int64)
	}
	return record, nil
}

// Record upserts a record. A zero LastBucket keeps the stored bucket.
func (r *SyncLedgerRepository) Record(ctx context.Context, record ports.LedgerRecord) error {
	var lastBucket sql.NullInt64
	if !record.LastBucket.IsZero() {
		lastBucket = sql.NullInt64{Int64: toMillis(record.LastBucket), Valid: true}
	}

	lastSyncAt := record.LastSyncAt
	if lastSyncAt.IsZero() {
		lastSyncAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_ledger (owner_id, metric_type, last_sync_at, last_bucket)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, metric_type) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_bucket = COALESCE(excluded.last_bucket, sync_ledger.last_bucket)
	`, record.OwnerID, string(record.MetricType), toMillis(lastSyncAt), lastBucket)
	if err != nil {
		return fmt.Errorf("failed to record sync ledger: %w", err)
	}
	return nil
}

// Reset removes records for owner; metricType "" removes all types.
func (r *SyncLedgerRepository) Reset(ctx context.Context, ownerID string, metricType metric.Type) error {
	query := `DELETE FROM sync_ledger WHERE owner_id = ?`
	args := []any{ownerID}
	if metricType != "" {
		query += ` AND metric_type = ?`
		args = append(args, string(metricType))
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to reset sync ledger: %w", err)
	}
	return nil
}
