package changebus

import (
	"context"
	"time"
)

// DefaultDebounceWindow coalesces the burst a single sync pass produces.
const DefaultDebounceWindow = 2 * time.Second

// Debounce reads events from ch and calls fn with each batch collected over
// window, measured from the first event of the batch. It returns when ctx
// is done or ch is closed; a pending batch is flushed when ch closes.
func Debounce(ctx context.Context, ch <-chan ChangeEvent, window time.Duration, fn func([]ChangeEvent)) {
	if window <= 0 {
		window = DefaultDebounceWindow
	}

	var (
		batch []ChangeEvent
		timer *time.Timer
		fire  <-chan time.Time
	)

	stop := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return

		case e, ok := <-ch:
			if !ok {
				if len(batch) > 0 {
					fn(batch)
				}
				return
			}
			batch = append(batch, e)
			if timer == nil {
				timer = time.NewTimer(window)
				fire = timer.C
			}

		case <-fire:
			pending := batch
			batch = nil
			timer = nil
			fire = nil
			if len(pending) > 0 {
				fn(pending)
			}
		}
	}
}
