// Package ledger provides a Redis-backed sync ledger so several pulsesync
// processes can share SyncGate state for the same owners.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
)

// Compile-time check that RedisLedger implements SyncLedgerPort.
var _ ports.SyncLedgerPort = (*RedisLedger)(nil)

// DefaultKeyPrefix namespaces ledger keys.
const DefaultKeyPrefix = "pulsesync:ledger"

const (
	fieldLastSyncAt = "last_sync_at"
	fieldLastBucket = "last_bucket"
)

// RedisLedger stores one hash per owner and metric type.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// NewRedisLedger creates a ledger over client. An empty prefix uses
// DefaultKeyPrefix.
func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLedger{client: client, prefix: prefix}
}

// NewClient opens a Redis client and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (l *RedisLedger) key(ownerID string, metricType metric.Type) string {
	return l.prefix + ":" + ownerID + ":" + string(metricType)
}

// Get returns the record for owner and type, or nil if none exists.
func (l *RedisLedger) Get(ctx context.Context, ownerID string, metricType metric.Type) (*ports.LedgerRecord, error) {
	fields, err := l.client.HGetAll(ctx, l.key(ownerID, metricType)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	record := &ports.LedgerRecord{OwnerID: ownerID, MetricType: metricType}
	if record.LastSyncAt, err = parseMillis(fields[fieldLastSyncAt]); err != nil {
		return nil, fmt.Errorf("corrupt ledger field %s: %w", fieldLastSyncAt, err)
	}
	if record.LastBucket, err = parseMillis(fields[fieldLastBucket]); err != nil {
		return nil, fmt.Errorf("corrupt ledger field %s: %w", fieldLastBucket, err)
	}
	return record, nil
}

// Record upserts a record. A zero LastBucket keeps the stored bucket.
func (l *RedisLedger) Record(ctx context.Context, record ports.LedgerRecord) error {
	at := record.LastSyncAt
	if at.IsZero() {
		at = time.Now()
	}

	values := map[string]interface{}{
		fieldLastSyncAt: at.UnixMilli(),
	}
	if !record.LastBucket.IsZero() {
		values[fieldLastBucket] = record.LastBucket.UnixMilli()
	}

	if err := l.client.HSet(ctx, l.key(record.OwnerID, record.MetricType), values).Err(); err != nil {
		return fmt.Errorf("failed to record ledger: %w", err)
	}
	return nil
}

// Reset removes records for owner; metricType "" removes all types. Keys
// are deleted by exact name so owners sharing a prefix are unaffected.
func (l *RedisLedger) Reset(ctx context.Context, ownerID string, metricType metric.Type) error {
	types := []metric.Type{metricType}
	if metricType == "" {
		types = metric.Types()
	}

	keys := make([]string, 0, len(types))
	for _, t := range types {
		keys = append(keys, l.key(ownerID, t))
	}
	if err := l.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset ledger: %w", err)
	}
	return nil
}

func parseMillis(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
