package metric

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/jbctechsolutions/pulsesync/internal/domain/errors"
)

func TestBucketStart(t *testing.T) {
	loc := time.UTC
	ts := time.Date(2026, 3, 4, 10, 37, 12, 0, loc)

	tests := []struct {
		name string
		d    time.Duration
		want time.Time
	}{
		{"hourly", time.Hour, time.Date(2026, 3, 4, 10, 0, 0, 0, loc)},
		{"quarter hour", 15 * time.Minute, time.Date(2026, 3, 4, 10, 30, 0, 0, loc)},
		{"daily", 24 * time.Hour, time.Date(2026, 3, 4, 0, 0, 0, 0, loc)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BucketStart(ts, tt.d, loc); !got.Equal(tt.want) {
				t.Errorf("BucketStart() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsCurrentBucket(t *testing.T) {
	loc := time.UTC
	ten := time.Date(2026, 3, 4, 10, 0, 0, 0, loc)

	tests := []struct {
		name   string
		bucket time.Time
		now    time.Time
		want   bool
	}{
		{"inside window", ten, ten.Add(15 * time.Minute), true},
		{"window closed", ten, ten.Add(65 * time.Minute), false},
		{"one bucket ahead within tolerance", ten.Add(time.Hour), ten.Add(30 * time.Minute), true},
		{"two buckets ahead", ten.Add(2 * time.Hour), ten.Add(30 * time.Minute), false},
		{"yesterday same hour", ten.AddDate(0, 0, -1), ten.Add(10 * time.Minute), false},
		{"tomorrow midnight", time.Date(2026, 3, 5, 0, 0, 0, 0, loc), time.Date(2026, 3, 4, 23, 30, 0, 0, loc), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsCurrentBucket(tt.bucket, tt.now, time.Hour, time.Hour, loc)
			if got != tt.want {
				t.Errorf("IsCurrentBucket() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValueChanged(t *testing.T) {
	if ValueChanged(100, 100.005) {
		t.Error("differences below epsilon should not count as changes")
	}
	if !ValueChanged(100, 100.02) {
		t.Error("differences above epsilon should count as changes")
	}
}

func TestEntry_Validate(t *testing.T) {
	loc := time.UTC
	bucket := time.Date(2026, 3, 4, 10, 0, 0, 0, loc)
	valid := func() *Entry {
		return &Entry{OwnerID: "u1", MetricType: TypeSteps, BucketStart: bucket, Value: 200}
	}

	tests := []struct {
		name    string
		mutate  func(e *Entry)
		wantErr error
	}{
		{"valid", func(e *Entry) {}, nil},
		{"missing owner", func(e *Entry) { e.OwnerID = "" }, errors.ErrOwnerRequired},
		{"unknown type", func(e *Entry) { e.MetricType = "blood_ink" }, errors.ErrUnknownMetricType},
		{"negative", func(e *Entry) { e.Value = -1 }, errors.ErrInvalidValue},
		{"nan", func(e *Entry) { e.Value = math.NaN() }, errors.ErrInvalidValue},
		{"misaligned", func(e *Entry) { e.BucketStart = bucket.Add(5 * time.Minute) }, errors.ErrMisalignedBucket},
		{"sleep without payload", func(e *Entry) {
			e.MetricType = TypeSleepSession
			e.BucketStart = time.Date(2026, 3, 4, 0, 0, 0, 0, loc)
		}, errors.ErrPayloadRequired},
		{"sleep with payload", func(e *Entry) {
			e.MetricType = TypeSleepSession
			e.BucketStart = time.Date(2026, 3, 4, 0, 0, 0, 0, loc)
			e.Payload = json.RawMessage(`{"deep":90}`)
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			err := e.Validate(loc)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if !errors.IsValidation(err) {
				t.Errorf("expected validation code, got %v", errors.CodeOf(err))
			}
		})
	}
}

func TestParseType(t *testing.T) {
	if _, err := ParseType("step_count"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseType("mana"); !errors.Is(err, errors.ErrUnknownMetricType) {
		t.Fatalf("expected unknown metric type, got %v", err)
	}
	if len(Types()) != 4 {
		t.Errorf("Types() = %v, want 4 entries", Types())
	}
}
