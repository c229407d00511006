// Package syncgate rate-limits expensive source fetches per owner and
// metric type.
package syncgate

import (
	"context"
	"fmt"
	"time"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
)

// Gate decides whether a sync pass may run.
type Gate struct {
	ledger ports.SyncLedgerPort
	now    func() time.Time
}

// New creates a Gate backed by ledger.
func New(ledger ports.SyncLedgerPort) *Gate {
	return &Gate{ledger: ledger, now: time.Now}
}

// SetClock overrides the time source.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// ShouldSync reports whether threshold has elapsed since the last recorded
// attempt, or no attempt has been recorded yet.
func (g *Gate) ShouldSync(ctx context.Context, ownerID string, metricType metric.Type, threshold time.Duration) (bool, error) {
	if ownerID == "" {
		return false, domainErrors.NewError(domainErrors.CodeValidation, "owner ID is required", domainErrors.ErrOwnerRequired)
	}

	record, err := g.ledger.Get(ctx, ownerID, metricType)
	if err != nil {
		return false, fmt.Errorf("failed to read sync ledger: %w", err)
	}
	if record == nil || record.LastSyncAt.IsZero() {
		return true, nil
	}

	return g.now().Sub(record.LastSyncAt) >= threshold, nil
}

// Record stores an attempt made at at. lastBucket is the newest bucket the
// attempt covered; pass the zero time after a failed fetch to keep the
// previous bucket.
func (g *Gate) Record(ctx context.Context, ownerID string, metricType metric.Type, at, lastBucket time.Time) error {
	if at.IsZero() {
		at = g.now()
	}
	err := g.ledger.Record(ctx, ports.LedgerRecord{
		OwnerID:    ownerID,
		MetricType: metricType,
		LastSyncAt: at,
		LastBucket: lastBucket,
	})
	if err != nil {
		return fmt.Errorf("failed to record sync: %w", err)
	}
	return nil
}

// LastSyncedBucket returns the newest bucket covered by a successful fetch.
// ok is false when none is recorded.
func (g *Gate) LastSyncedBucket(ctx context.Context, ownerID string, metricType metric.Type) (time.Time, bool, error) {
	record, err := g.ledger.Get(ctx, ownerID, metricType)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read sync ledger: %w", err)
	}
	if record == nil || record.LastBucket.IsZero() {
		return time.Time{}, false, nil
	}
	return record.LastBucket, true, nil
}

// Status returns the raw ledger record, or nil.
func (g *Gate) Status(ctx context.Context, ownerID string, metricType metric.Type) (*ports.LedgerRecord, error) {
	return g.ledger.Get(ctx, ownerID, metricType)
}

// Reset forgets recorded syncs so the next pass runs immediately and
// refetches from the initial lookback. metricType "" resets every type.
func (g *Gate) Reset(ctx context.Context, ownerID string, metricType metric.Type) error {
	if err := g.ledger.Reset(ctx, ownerID, metricType); err != nil {
		return fmt.Errorf("failed to reset sync ledger: %w", err)
	}
	return nil
}
