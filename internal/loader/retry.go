package loader

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ehr/claimloader/internal/platform/fhirclient"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffMax  = 10 * time.Second
	DefaultJitter      = 0.25
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryPolicy retries transient sink failures with exponential backoff.
// The delay before attempt n+1 is base*2^(n-1) plus up to Jitter of that,
// capped at MaxDelay, so delays never decrease.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	Retryable   func(error) bool
	Sleep       Sleeper
	Rand        func() float64
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBackoffBase,
		MaxDelay:    DefaultBackoffMax,
		Jitter:      DefaultJitter,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBackoffBase
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = fhirclient.IsRetryable
	}
	if p.Sleep == nil {
		p.Sleep = SleepContext
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	d += time.Duration(float64(d) * p.Jitter * p.Rand())
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. It returns the number of attempts made. A
// cancelled ctx interrupts the backoff sleep, never a call in flight.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	p = p.withDefaults()
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if !p.Retryable(err) {
			return attempt, err
		}
		if attempt >= p.MaxAttempts {
			return attempt, &TransientSinkError{Attempts: attempt, Err: err}
		}
		if serr := p.Sleep(ctx, p.retryDelay(attempt, err)); serr != nil {
			return attempt, &CancelledError{Attempts: attempt, Err: err}
		}
	}
}

// retryDelay honours a server Retry-After hint when it is longer than the
// computed backoff, within MaxDelay.
func (p RetryPolicy) retryDelay(attempt int, err error) time.Duration {
	d := p.Backoff(attempt)
	var se *fhirclient.StatusError
	if errors.As(err, &se) && se.RetryAfter > d {
		d = se.RetryAfter
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}
