package worker

import (
	"context"
	"time"
)

// maxBackoff caps the doubling so large retry counts cannot overflow.
const maxBackoff = time.Hour

// backoff returns the delay before retry number retry (1-based): base, then
// 2*base, 4*base and so on.
func backoff(base time.Duration, retry int) time.Duration {
	if retry < 1 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// sleep waits for d or until ctx ends, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
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
