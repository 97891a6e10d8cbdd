package membership

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrCASExhausted is returned when every attempt of a conditional write lost its race
var ErrCASExhausted = errors.New("conditional write lost every attempt")

// casOp performs one read-modify-write attempt. false means the write lost a race.
type casOp func(ctx context.Context) (bool, error)

// retryCAS runs op until it succeeds, errors, or attempts run out.
// A lost race is retried after a short jittered pause; errors are returned at once.
func retryCAS(ctx context.Context, attempts int, pause time.Duration, op casOp) (bool, error) {
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		ok, err := op(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if i == attempts-1 {
			break
		}
		if !sleepCtx(ctx, jitter(pause)) {
			return false, ctx.Err()
		}
	}
	return false, nil
}

// jitter returns d scaled by a random factor in [0.5, 1.5)
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

// sleepCtx waits for d or until ctx is done. Returns false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
