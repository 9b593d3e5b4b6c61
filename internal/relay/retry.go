package relay

import (
	"context"
	"fmt"
	"time"
)

// Policy is a bounded retry with a fixed delay between attempts.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultPolicy is three attempts half a second apart.
var DefaultPolicy = Policy{Attempts: 3, Delay: 500 * time.Millisecond}

// ExhaustedError is returned by Do when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Do runs fn until it succeeds or p.Attempts is reached, sleeping p.Delay
// between attempts. onFailure, if set, sees every failed attempt.
// Cancelling ctx stops the loop early with ctx's error.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error), onFailure func(attempt int, err error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		zero T
		last error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		last = err
		if onFailure != nil {
			onFailure(attempt, err)
		}
		if attempt == attempts {
			break
		}
		if p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, Last: last}
}
