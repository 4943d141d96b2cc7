package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryConfig controls RetryWithBackoff. Zero values fall back to the
// defaults of backoff.NewExponentialBackOff.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime bounds the whole retry loop. Zero means no time bound.
	MaxElapsedTime time.Duration
	// MaxRetries bounds the number of retries after the first attempt.
	// Zero means no retry-count bound.
	MaxRetries uint64
}

// NewExponentialBackOff builds an exponential backoff policy from cfg.
func NewExponentialBackOff(cfg RetryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	b.MaxElapsedTime = cfg.MaxElapsedTime
	b.Reset()
	return b
}

// RetryWithBackoff runs op until it succeeds, returns a permanent error
// (see Permanent), the policy gives up, or ctx is done. notify, when
// non-nil, is called before each wait.
func RetryWithBackoff(
	ctx context.Context,
	cfg RetryConfig,
	op func() error,
	notify func(err error, wait time.Duration),
) error {
	var policy backoff.BackOff = NewExponentialBackOff(cfg)
	if cfg.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, cfg.MaxRetries)
	}
	policy = backoff.WithContext(policy, ctx)

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("retry aborted: %w", ctxErr)
		}
		return err
	}
	return nil
}

// Permanent marks err so that RetryWithBackoff stops immediately and
// returns err unwrapped.
func Permanent(err error) error { return backoff.Permanent(err) }
