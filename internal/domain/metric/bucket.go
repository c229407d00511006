package metric

import (
	"bytes"
	"math"
	"time"
)

// ValueEpsilon absorbs floating point noise when comparing bucket values.
const ValueEpsilon = 0.01

// BucketStart truncates t to the start of its bucket of width d in loc.
// Buckets are laid out from local midnight so hourly and daily buckets
// follow the wall clock rather than UTC.
func BucketStart(t time.Time, d time.Duration, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	if d <= 0 || d >= 24*time.Hour {
		return midnight
	}
	offset := t.Sub(midnight)
	return midnight.Add(offset - offset%d)
}

// DayBounds returns [start of day, start of next day) for t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// IsCurrentBucket reports whether bucketStart is the live bucket at now.
// The bucket must fall within today and match the wall-clock window; a
// bucket up to tolerance ahead of the clock also counts, which absorbs
// timezone skew between the sensor platform and this process.
func IsCurrentBucket(bucketStart, now time.Time, d, tolerance time.Duration, loc *time.Location) bool {
	dayStart, dayEnd := DayBounds(now, loc)
	if bucketStart.Before(dayStart) || !bucketStart.Before(dayEnd) {
		return false
	}
	current := BucketStart(now, d, loc)
	if bucketStart.Equal(current) {
		return true
	}
	return bucketStart.After(current) && bucketStart.Sub(current) <= tolerance
}

// ValueChanged reports whether two bucket values differ beyond ValueEpsilon.
func ValueChanged(a, b float64) bool {
	return math.Abs(a-b) > ValueEpsilon
}

// PayloadChanged reports whether two structured payloads differ.
func PayloadChanged(a, b []byte) bool {
	return !bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}
