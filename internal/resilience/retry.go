package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyConstant    Strategy = "constant"
)

type Policy struct {
	MaxAttempts  int
	Strategy     Strategy
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Delay returns the pause between attempt n and n+1, n counted from 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.InitialDelay * time.Duration(attempt)
	case StrategyConstant:
		return p.InitialDelay
	default:
		d = p.InitialDelay
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// policyBackOff adapts a Policy to the backoff.BackOff contract so
// backoff.Retry drives the loop.
type policyBackOff struct {
	policy  Policy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.policy.MaxAttempts {
		return backoff.Stop
	}
	return b.policy.Delay(b.attempt)
}

func (b *policyBackOff) Reset() { b.attempt = 0 }

// Retry runs op up to policy.MaxAttempts times with the policy's delay
// between attempts. Wrapping an error with backoff.Permanent stops the loop
// immediately; callers classify permanent provider errors and circuit-open
// failures that way. On exhaustion the last error is surfaced tagged with
// ErrRetriesExhausted.
func Retry(ctx context.Context, policy Policy, op func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return op()
	}, backoff.WithContext(&policyBackOff{policy: policy}, ctx))
	if err != nil && attempts >= policy.MaxAttempts {
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
	}
	return err
}
