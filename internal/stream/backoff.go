package stream

import (
	"context"
	"time"
)

// backoff doubles from initial up to max.
type backoff struct {
	max  time.Duration
	next time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = DefaultConfig().BackoffInitial
	}
	if max < initial {
		max = initial
	}
	return &backoff{max: max, next: initial}
}

// Next returns the wait before the upcoming attempt and advances the schedule.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
