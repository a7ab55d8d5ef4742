package universe

import (
	"context"
	"time"
)

// MidnightLoader runs Load once immediately and then at every UTC midnight.
type MidnightLoader struct {
	Load func(ctx context.Context) <-chan string
}

// Start runs the schedule in the background until ctx is done. proc consumes
// each load's channel and must return once it is closed.
func (m *MidnightLoader) Start(ctx context.Context, proc func(<-chan string)) {
	go m.Run(ctx, proc)
}

// Run is the blocking form of Start.
func (m *MidnightLoader) Run(ctx context.Context, proc func(<-chan string)) {
	for {
		proc(m.Load(ctx))

		timer := time.NewTimer(time.Until(nextMidnight(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// nextMidnight returns the first UTC midnight strictly after t.
func nextMidnight(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}
