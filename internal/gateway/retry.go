package gateway

import (
	"context"
	"math/rand/v2"
	"time"
)

type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

var DefaultBackoff = Backoff{Initial: 200 * time.Millisecond, Max: 3 * time.Second, Attempts: 4}

// Retry runs fn until it succeeds, returns a non-retryable error, runs out
// of attempts, or ctx is done. Delays double up to Max with +-50% jitter.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	if b.Attempts < 1 {
		b.Attempts = 1
	}
	delay := b.Initial

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) || attempt >= b.Attempts {
			return err
		}

		timer := time.NewTimer(jitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		delay *= 2
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := int64(d) / 2
	return time.Duration(half + rand.Int64N(half+1))
}
