package patcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kidoz/esxi-patcher-go/internal/config"
)

// RetryPolicy is shared by every retryable transition.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// PolicyFromConfig converts the retry config section.
func PolicyFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.Multiplier,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.Reset()
	return b
}

// retry calls fn until it succeeds, returns an error retryable rejects, the
// attempt budget is spent, or ctx is done. It returns the number of
// attempts made and the last error.
func retry(ctx context.Context, p RetryPolicy, log *slog.Logger, op string, retryable func(error) bool, fn func(context.Context) error) (int, error) {
	maxAttempts := max(p.MaxAttempts, 1)
	b := p.backOff()

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if attempt >= maxAttempts || !retryable(err) || ctx.Err() != nil {
			return attempt, err
		}

		wait := b.NextBackOff()
		log.Warn("Operation failed, retrying...",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, err
		case <-t.C:
		}
	}
}
