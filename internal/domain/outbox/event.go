// Package outbox provides the durable outbox event domain types.
package outbox

import (
	"time"
)

// Status represents the state of an outbox event.
type Status string

const (
	// StatusPending indicates the event is waiting to be delivered.
	StatusPending Status = "pending"
	// StatusProcessing indicates a processor has claimed the event.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the backend acknowledged the event.
	StatusCompleted Status = "completed"
	// StatusFailed indicates delivery attempts are exhausted.
	StatusFailed Status = "failed"
)

// ValidStatuses contains all valid event status values.
var ValidStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// DefaultMaxAttempts bounds delivery retries for an event.
const DefaultMaxAttempts = 5

// Metadata keys carried on every event.
const (
	MetaIsNewRecord = "is_new_record"
	MetaReason      = "reason"
	MetaOwnerID     = "owner_id"
	MetaMetricType  = "metric_type"
	MetaBucketStart = "bucket_start"
	MetaValue       = "value"
)

// Reasons recorded in MetaReason.
const (
	ReasonInitialWrite   = "initial_write"
	ReasonLiveBucket     = "live_bucket_update"
	ReasonManualResubmit = "manual_resubmit"
)

// Event is a pending remote operation recorded alongside a local write.
type Event struct {
	ID            string
	EventType     string
	EntityID      string
	OwnerID       string
	Status        Status
	AttemptCount  int
	MaxAttempts   int
	Priority      int
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	NotBefore     *time.Time
	ErrorMessage  string
	Metadata      map[string]string
}

// IsNewRecord reports whether the event was enqueued for a first write.
func (e *Event) IsNewRecord() bool {
	return e.Metadata[MetaIsNewRecord] == "true"
}

// AttemptsExhausted reports whether no further delivery attempts are allowed.
func (e *Event) AttemptsExhausted() bool {
	return e.AttemptCount >= e.MaxAttempts
}

// IsTerminal reports whether the event will never be delivered again.
func (e *Event) IsTerminal() bool {
	return e.Status == StatusCompleted || (e.Status == StatusFailed && e.AttemptsExhausted())
}

// EnqueueParams describes a new event.
type EnqueueParams struct {
	EventType   string
	EntityID    string
	OwnerID     string
	IsNewRecord bool
	Metadata    map[string]string
	Priority    int
	MaxAttempts int
}

// StatusCounts holds event counts by status.
type StatusCounts map[Status]int

// Backlog returns the number of events that still need delivery.
func (c StatusCounts) Backlog() int {
	return c[StatusPending] + c[StatusProcessing]
}
