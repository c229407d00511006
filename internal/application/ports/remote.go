package ports

import (
	"context"
	"encoding/json"
	"time"
)

// RemoteRecord is the request body sent to the backend for one metric entry.
type RemoteRecord struct {
	// DedupToken lets the backend recognize resubmissions of the same record.
	DedupToken  string          `json:"dedup_token"`
	OwnerID     string          `json:"owner_id"`
	MetricType  string          `json:"metric_type"`
	BucketStart time.Time       `json:"bucket_start"`
	Value       float64         `json:"value"`
	Unit        string          `json:"unit,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RemoteAPIPort is the authoritative backend. Implementations return
// SyncErrors coded REMOTE_CONFLICT (with a "remote_id" context value),
// REMOTE_TRANSIENT or REMOTE_PERMANENT so callers can branch on them.
type RemoteAPIPort interface {
	// Create submits a new record and returns the server-assigned identifier.
	Create(ctx context.Context, record RemoteRecord) (string, error)

	// Update replaces the record identified by remoteID.
	Update(ctx context.Context, remoteID string, record RemoteRecord) error
}
