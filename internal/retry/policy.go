package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/scribeforge/creditd/internal/config"
	"go.uber.org/fx"
)

// Module provides the shared retry policy.
var Module = fx.Module("retry",
	fx.Provide(NewPolicy),
)

// Policy is the single bounded-exponential-backoff policy shared by every
// retryable error path. Callers decide which errors are transient; the
// policy decides how long to keep trying.
type Policy struct {
	limits *config.LimitsHolder
}

func NewPolicy(limits *config.LimitsHolder) *Policy {
	return &Policy{limits: limits}
}

// Do runs fn, retrying while retryable(err) is true, up to the configured
// attempt cap. Non-retryable errors abort immediately and are returned
// unchanged.
func (p *Policy) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	limits := p.limits.Get()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = limits.RetryInitialInterval
	eb.MaxInterval = limits.RetryMaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := fn(); err != nil {
			if retryable != nil && retryable(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(limits.RetryMaxAttempts)),
	)
	return err
}

// NewStaticPolicy returns a policy with fixed limits; used by tests.
func NewStaticPolicy(maxAttempts int, initial, max time.Duration) *Policy {
	limits := config.DefaultLimits()
	limits.RetryMaxAttempts = maxAttempts
	limits.RetryInitialInterval = initial
	limits.RetryMaxInterval = max
	return &Policy{limits: config.NewStaticLimitsHolder(limits)}
}
