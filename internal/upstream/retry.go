package upstream

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls retries of calls that fail before any answer arrives.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	// Jitter adds up to this fraction of the delay at random.
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryPolicy returns the defaults used for unset fields.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    8 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Jitter > 0 {
		d += d * p.Jitter * rand.Float64()
	}
	if limit := float64(p.MaxDelay); p.MaxDelay > 0 && d > limit {
		d = limit
	}
	return time.Duration(d)
}

// Retrier runs calls under a RetryPolicy.
type Retrier struct {
	Policy RetryPolicy
	// Sleep waits between attempts. Tests replace it to record delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// NewRetrier creates a retrier with real sleeps.
func NewRetrier(p RetryPolicy) *Retrier {
	return &Retrier{Policy: p.WithDefaults(), Sleep: sleepCtx}
}

// Do calls fn until it succeeds, fails with a non-retryable error or the
// attempts run out. The last error is returned.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.Policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == attempts {
			return err
		}
		delay := r.Policy.Delay(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
