package transport

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"convopipe/internal/domain"
	"convopipe/internal/ports"
)

// Policy defines retry behavior for idempotent backend reads.
type Policy struct {
	MaxRetries        int           // Maximum number of retry attempts (0 = no retries)
	InitialDelay      time.Duration // Delay before the first retry
	MaxDelay          time.Duration // Cap on the delay between retries
	BackoffMultiplier float64       // Exponential growth factor (e.g., 2.0)
}

// DefaultPolicy returns the retry policy used for detail and strategy fetches.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        2,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          4 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateDelay returns the delay before retry number retryCount (zero-based).
func (p Policy) CalculateDelay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return p.InitialDelay
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(retryCount))
	if time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func (p Policy) ShouldRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}

// Validate checks if the retry policy configuration is valid.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("MaxRetries must be non-negative")
	}
	if p.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if p.MaxDelay <= 0 {
		return errors.New("MaxDelay must be positive")
	}
	if p.BackoffMultiplier <= 0 {
		return errors.New("BackoffMultiplier must be positive")
	}
	if p.InitialDelay > p.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	return nil
}

// IsRetriable reports whether err is a transient backend failure.
// Validation and authorization failures are never retried.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, domain.ErrNetwork) || errors.Is(err, domain.ErrServer)
}

// Retrying wraps detail and strategy reads with backoff. Uploads are not
// idempotent and are deliberately not covered.
type Retrying struct {
	detail   ports.DetailService
	strategy ports.StrategyService
	policy   Policy
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

func NewRetrying(detail ports.DetailService, strategy ports.StrategyService, policy Policy, logger *slog.Logger) *Retrying {
	if err := policy.Validate(); err != nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{detail: detail, strategy: strategy, policy: policy, logger: logger, sleep: sleepContext}
}

func (r *Retrying) Detail(ctx context.Context, sessionID string, credential string) (domain.AnalysisDetail, error) {
	return withRetry(ctx, r, "detail", sessionID, func() (domain.AnalysisDetail, error) {
		return r.detail.Detail(ctx, sessionID, credential)
	})
}

func (r *Retrying) Strategies(ctx context.Context, sessionID string, credential string) (domain.StrategyAnalysis, error) {
	return withRetry(ctx, r, "strategies", sessionID, func() (domain.StrategyAnalysis, error) {
		return r.strategy.Strategies(ctx, sessionID, credential)
	})
}

func withRetry[T any](ctx context.Context, r *Retrying, op, sessionID string, call func() (T, error)) (T, error) {
	for retry := 0; ; retry++ {
		value, err := call()
		if err == nil || !IsRetriable(err) || !r.policy.ShouldRetry(retry) {
			return value, err
		}
		delay := r.policy.CalculateDelay(retry)
		r.logger.Debug("retrying backend read", "op", op, "session_id", sessionID, "attempt", retry+1, "delay", delay, "err", err)
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return value, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
