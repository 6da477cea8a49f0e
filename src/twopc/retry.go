package twopc

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// RetryPolicy is a bounded exponential backoff.
type RetryPolicy struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: 50 * time.Millisecond, Max: 2 * time.Second, Attempts: 8}
}

// Do calls fn until it succeeds, the attempts run out or ctx is done. The
// last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := p.Initial
	attempts := max(p.Attempts, 1)

	var err error
	for i := range attempts {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), err.Error())
		case <-timer.C:
		}
		delay = min(delay*2, p.Max)
	}
	return errors.Wrapf(err, "gave up after %d attempts", attempts)
}
