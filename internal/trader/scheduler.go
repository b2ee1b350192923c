package trader

import (
	"context"
	"time"
)

// Scheduler paces the evaluation loop.
type Scheduler interface {
	// Wait blocks until the next cycle is due or ctx is done, in which case it returns ctx.Err().
	Wait(ctx context.Context) error
}

// IntervalScheduler sleeps a fixed interval between the end of one cycle and the start of
// the next, so a slow cycle never causes back-to-back runs.
type IntervalScheduler struct {
	interval time.Duration
}

// NewIntervalScheduler creates a scheduler for interval.
func NewIntervalScheduler(interval time.Duration) *IntervalScheduler {
	return &IntervalScheduler{interval: interval}
}

func (s *IntervalScheduler) Wait(ctx context.Context) error {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
