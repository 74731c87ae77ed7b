// Package retry provides exponential backoff for registry connection
// setup and a circuit breaker that rate-limits advisory registry
// notifications once the registry has gone away.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError wraps an error to signal that retrying will not help.
// Return [Permanent](err) from the operation function to stop retrying
// immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff implements exponential backoff with optional jitter.
type Backoff struct {
	// InitialDelay is the delay before the first retry (default 1s).
	InitialDelay time.Duration
	// MaxDelay caps the backoff duration (default 30s).
	MaxDelay time.Duration
	// Multiplier increases the delay each attempt (default 2.0).
	Multiplier float64
	// MaxAttempts is the total number of tries including the first.
	// Zero means retry until the context is cancelled.
	MaxAttempts int
	// Jitter adds ±25% randomisation to each wait.
	Jitter bool
	// Retryable, if set, stops the loop on errors it rejects.
	Retryable func(error) bool
	// OnRetry, if set, is called after a failed attempt and before
	// the wait that precedes the next one.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// ConnectBackoff is the schedule used when opening the registry at
// startup: a handful of quick attempts, then give up so the process
// can report the failure instead of hanging.
func ConnectBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// ExhaustedError is returned by [Backoff.Do] when MaxAttempts ran out.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, fails permanently, or the attempt
// budget or ctx runs out. attempt is 1-based.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	delay, maxDelay, mult := b.schedule()

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		switch {
		case err == nil:
			return nil
		case IsPermanent(err):
			return errors.Unwrap(err)
		case b.Retryable != nil && !b.Retryable(err):
			return err
		case b.MaxAttempts > 0 && attempt >= b.MaxAttempts:
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		wait := delay
		if b.Jitter {
			wait = addJitter(delay)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, wait, err)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled after %d attempt(s): %w", attempt, ctx.Err())
		case <-t.C:
		}

		delay = min(time.Duration(float64(delay)*mult), maxDelay)
	}
}

func (b *Backoff) schedule() (delay, maxDelay time.Duration, mult float64) {
	delay, maxDelay, mult = b.InitialDelay, b.MaxDelay, b.Multiplier
	if delay <= 0 {
		delay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if mult <= 0 {
		mult = 2.0
	}
	return delay, maxDelay, mult
}

// addJitter spreads d by up to a quarter either way.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := rand.Float64()*2*quarter - quarter
	return max(time.Duration(float64(d)+delta), time.Millisecond)
}
