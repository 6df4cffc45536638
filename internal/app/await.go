package app

import (
	"context"
	"time"
)

// AwaitCondition polls cond every interval until it returns true, the timeout
// elapses or ctx is done. It checks once before the first wait and reports
// whether the condition was met.
func AwaitCondition(ctx context.Context, cond func(context.Context) bool, interval, timeout time.Duration) bool {
	if cond(ctx) {
		return true
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			// One last look so a change landing right at the bound still counts.
			return cond(ctx)
		case <-ticker.C:
			if cond(ctx) {
				return true
			}
		}
	}
}

// sleepCtx waits d or until ctx is done, returning ctx.Err() in the latter case.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
