package services

import (
	"context"
	"math"
	"time"
)

// RetryPolicy defines exponential backoff parameters for processor calls
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NextDelay returns delay for a given retry (1-based) with clamping
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	d := time.Duration(float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1)))
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Do runs op until it succeeds, fails with a non-retryable error, or MaxRetries
// retries are used up. It returns the number of attempts made and the last error.
func (r RetryPolicy) Do(ctx context.Context, retryable func(error) bool, op func(ctx context.Context) error) (int, error) {
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	attempts := 0
	for {
		attempts++
		err := op(ctx)
		if err == nil {
			return attempts, nil
		}
		if !retryable(err) || attempts > r.MaxRetries {
			return attempts, err
		}
		if serr := sleep(ctx, r.NextDelay(attempts)); serr != nil {
			return attempts, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
