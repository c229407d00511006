package output

import (
	"strconv"
	"time"

	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	"github.com/jbctechsolutions/pulsesync/internal/domain/outbox"
)

// BucketLayout renders bucket starts in tables.
const BucketLayout = "2006-01-02 15:04"

// EntryStatus colors an entry's sync status.
func (f *Formatter) EntryStatus(s metric.SyncStatus) string {
	switch s {
	case metric.SyncStatusSynced:
		return f.Colorize(string(s), ColorGreen)
	case metric.SyncStatusFailed:
		return f.Colorize(string(s), ColorRed)
	default:
		return f.Colorize(string(s), ColorYellow)
	}
}

// EventStatus colors an outbox event status.
func (f *Formatter) EventStatus(s outbox.Status) string {
	switch s {
	case outbox.StatusCompleted:
		return f.Colorize(string(s), ColorGreen)
	case outbox.StatusFailed:
		return f.Colorize(string(s), ColorRed)
	case outbox.StatusProcessing:
		return f.Colorize(string(s), ColorCyan)
	default:
		return f.Colorize(string(s), ColorYellow)
	}
}

// Value renders a metric value with its unit, dropping a zero fraction.
func Value(v float64, unit string) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if unit == "" {
		return s
	}
	return s + " " + unit
}

// Bucket renders a bucket start in loc.
func Bucket(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(BucketLayout)
}

// Ago renders how long before now t was, rounded to the second.
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}
