package repo

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Retrier re-runs a store operation a bounded number of times with a fixed
// delay between attempts. Not-found, duplicate and context errors are final.
type Retrier struct {
	Attempts int
	Delay    time.Duration
}

// Do runs fn until it succeeds, returns a permanent error, or the attempts
// are exhausted. The last error is returned.
func (r Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil || !retryable(err) {
			return err
		}
		if i == attempts {
			break
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", i).Msg("store operation failed; retrying")
		if r.Delay > 0 {
			t := time.NewTimer(r.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDuplicate),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
