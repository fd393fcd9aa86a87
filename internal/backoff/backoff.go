// Package backoff retries operations under a bounded interval policy.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrRetriesExhausted is returned by a policy once MaxRetries is reached.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Unlimited disables the retry cap of a policy.
const Unlimited = -1

type (
	// Policy decides how long to wait before retry number retryCount.
	Policy interface {
		ComputeNextInterval(retryCount int, err error) (time.Duration, error)
	}

	Operation func(ctx context.Context) error

	// IsRetriableFunc reports whether err is worth another attempt.
	IsRetriableFunc func(err error) bool
)

const (
	defaultBackoffFactor = 2.0
	defaultMaxInterval   = 10 * time.Second
)

// ExponentialPolicy doubles the interval after every retry, capped at MaxInterval.
type ExponentialPolicy struct {
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	// MaxRetries counts retries after the first attempt; Unlimited removes the cap.
	MaxRetries int
}

func NewExponentialPolicy(initial time.Duration, maxRetries int) *ExponentialPolicy {
	return &ExponentialPolicy{
		InitialInterval: initial,
		BackoffFactor:   defaultBackoffFactor,
		MaxInterval:     defaultMaxInterval,
		MaxRetries:      maxRetries,
	}
}

func (p *ExponentialPolicy) ComputeNextInterval(retryCount int, _ error) (time.Duration, error) {
	if p.MaxRetries >= 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	interval := float64(p.InitialInterval) * math.Pow(p.BackoffFactor, float64(retryCount))
	if p.MaxInterval > 0 && interval > float64(p.MaxInterval) {
		interval = float64(p.MaxInterval)
	}
	return time.Duration(interval), nil
}

// ConstantPolicy waits the same interval between every retry.
type ConstantPolicy struct {
	Interval   time.Duration
	MaxRetries int
}

func (p *ConstantPolicy) ComputeNextInterval(retryCount int, _ error) (time.Duration, error) {
	if p.MaxRetries >= 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	return p.Interval, nil
}

// Retry runs op until it succeeds, returns a non-retriable error, the policy
// gives up, or ctx is done. When retries are exhausted the last operation
// error is returned. A nil isRetriable retries every error.
func Retry(ctx context.Context, op Operation, policy Policy, isRetriable IsRetriableFunc) error {
	if isRetriable == nil {
		isRetriable = func(error) bool { return true }
	}

	for retries := 0; ; retries++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !isRetriable(err) {
			return err
		}

		interval, perr := policy.ComputeNextInterval(retries, err)
		if perr != nil {
			return err
		}
		if interval <= 0 {
			continue
		}

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
