package remote

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"loom/internal/config"
	"loom/internal/services"
)

// Policy bounds how often a transient stage failure is retried and how long
// the runner sleeps between attempts.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// PolicyFromConfig derives the retry policy for one stage, letting the
// endpoint override the shared attempt ceiling.
func PolicyFromConfig(stages config.Stages, endpoint config.StageEndpoint) Policy {
	attempts := stages.RetryMaxAttempts
	if endpoint.MaxAttempts > 0 {
		attempts = endpoint.MaxAttempts
	}
	return Policy{
		MaxAttempts: attempts,
		Base:        time.Duration(stages.BackoffBaseMS) * time.Millisecond,
		Cap:         time.Duration(stages.BackoffCapMS) * time.Millisecond,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	return p
}

// backOff builds the jittered exponential schedule for one run: intervals
// double from Base up to Cap and never stop on elapsed time, since the
// attempt ceiling is enforced by Retry itself.
func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Cap
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retry runs op until it succeeds, fails permanently, or the attempt ceiling
// is reached. The attempt number passed to op starts at 1. It returns the
// number of attempts made; when the ceiling is exhausted on a transient
// error, the error is promoted to permanent.
func Retry(ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) error) (int, error) {
	policy = policy.normalized()
	schedule := policy.backOff()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if !services.IsTransient(lastErr) {
			return attempt, lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(schedule.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return policy.MaxAttempts, services.AsPermanent(lastErr, policy.MaxAttempts)
}
