package outbox

import "time"

// DefaultBackoffSchedule is the retry delay after the 1st, 2nd, ... failure.
var DefaultBackoffSchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// Backoff maps an attempt count to the delay before the next attempt.
type Backoff struct {
	Schedule []time.Duration
}

// NewBackoff returns a Backoff over schedule, or the default schedule when empty.
// Steps are forced non-decreasing.
func NewBackoff(schedule []time.Duration) Backoff {
	if len(schedule) == 0 {
		schedule = DefaultBackoffSchedule
	}
	steps := make([]time.Duration, len(schedule))
	var floor time.Duration
	for i, d := range schedule {
		if d < floor {
			d = floor
		}
		steps[i] = d
		floor = d
	}
	return Backoff{Schedule: steps}
}

// Delay returns the wait after the given number of failed attempts.
// Attempts past the end of the schedule reuse its last step.
func (b Backoff) Delay(attempt int) time.Duration {
	if len(b.Schedule) == 0 || attempt <= 0 {
		return 0
	}
	if attempt > len(b.Schedule) {
		return b.Schedule[len(b.Schedule)-1]
	}
	return b.Schedule[attempt-1]
}
