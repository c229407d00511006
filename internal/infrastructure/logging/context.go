package logging

import "context"

type contextKey string

const (
	// OwnerIDKey is the context key for the data owner.
	OwnerIDKey contextKey = "owner_id"
	// MetricTypeKey is the context key for metric types.
	MetricTypeKey contextKey = "metric_type"
	// PassIDKey is the context key for one metric sync pass.
	PassIDKey contextKey = "pass_id"
	// EventIDKey is the context key for outbox event IDs.
	EventIDKey contextKey = "event_id"
)

var contextKeys = []contextKey{OwnerIDKey, MetricTypeKey, PassIDKey, EventIDKey}

// WithOwnerID adds the data owner to the context.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, OwnerIDKey, ownerID)
}

// WithMetricType adds a metric type to the context.
func WithMetricType(ctx context.Context, metricType string) context.Context {
	return context.WithValue(ctx, MetricTypeKey, metricType)
}

// WithPassID tags the context with a sync pass identifier.
func WithPassID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, PassIDKey, id)
}

// WithEventID adds an outbox event ID to the context.
func WithEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, EventIDKey, id)
}

// OwnerID returns the owner carried by ctx, or "".
func OwnerID(ctx context.Context) string {
	return stringValue(ctx, OwnerIDKey)
}

// PassID returns the sync pass carried by ctx, or "".
func PassID(ctx context.Context) string {
	return stringValue(ctx, PassIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// enrich prepends the context's identifiers to args. Explicit args with
// the same key are still written; slog keeps both.
func enrich(ctx context.Context, args []any) []any {
	out := make([]any, 0, len(args)+2*len(contextKeys))
	for _, key := range contextKeys {
		if v := stringValue(ctx, key); v != "" {
			out = append(out, string(key), v)
		}
	}
	return append(out, args...)
}
