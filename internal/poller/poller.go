// Package poller watches one backend analysis until it reaches a terminal state.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"convopipe/internal/domain"
	"convopipe/internal/ports"
)

const (
	DefaultInitialGrace = 8 * time.Second
	DefaultInterval     = 3 * time.Second
	DefaultMaxAttempts  = 120
)

// Config bounds one poll sequence.
type Config struct {
	InitialGrace time.Duration
	Interval     time.Duration
	MaxAttempts  int
}

func DefaultConfig() Config {
	return Config{InitialGrace: DefaultInitialGrace, Interval: DefaultInterval, MaxAttempts: DefaultMaxAttempts}
}

func (c Config) normalized() Config {
	if c.InitialGrace < 0 {
		c.InitialGrace = 0
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// MaxDuration is the worst-case wall time spent waiting before a timeout,
// excluding the time spent in the status calls themselves.
func (c Config) MaxDuration() time.Duration {
	c = c.normalized()
	return c.InitialGrace + time.Duration(c.MaxAttempts-1)*c.Interval
}

type OutcomeKind string

const (
	OutcomeCompleted    OutcomeKind = "completed"
	OutcomeFailed       OutcomeKind = "failed"
	OutcomeUnauthorized OutcomeKind = "unauthorized"
	OutcomeTimeout      OutcomeKind = "timeout"
	OutcomeCancelled    OutcomeKind = "cancelled"
)

// Outcome is the terminal result of a poll sequence.
type Outcome struct {
	Kind     OutcomeKind
	Detail   domain.AnalysisDetail
	Reason   string
	Attempts int
}

// Update is a non-terminal observation surfaced while polling.
type Update struct {
	Attempt   int
	Status    string
	Stage     string
	Progress  float64
	Remaining int
}

type Poller struct {
	status ports.StatusService
	detail ports.DetailService
	cfg    Config
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

func New(status ports.StatusService, detail ports.DetailService, cfg Config, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{status: status, detail: detail, cfg: cfg.normalized(), logger: logger, sleep: sleepContext}
}

func (p *Poller) Config() Config {
	return p.cfg
}

// Poll queries sessionID until it is archived or failed, the credential is
// rejected, or MaxAttempts status responses have been consumed. credential
// is used for the whole sequence.
func (p *Poller) Poll(ctx context.Context, sessionID string, credential string, onUpdate func(Update)) Outcome {
	if strings.TrimSpace(credential) == "" {
		return Outcome{Kind: OutcomeUnauthorized, Reason: "authentication required"}
	}

	attempts := 0
	for attempts < p.cfg.MaxAttempts {
		wait := p.cfg.Interval
		if attempts == 0 {
			wait = p.cfg.InitialGrace
		}
		if err := p.sleep(ctx, wait); err != nil {
			return Outcome{Kind: OutcomeCancelled, Reason: err.Error(), Attempts: attempts}
		}

		snapshot, err := p.status.Status(ctx, sessionID, credential)
		if errors.Is(err, domain.ErrUnauthorized) {
			return Outcome{Kind: OutcomeUnauthorized, Reason: domain.ReasonOf(err), Attempts: attempts}
		}
		attempts++
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{Kind: OutcomeCancelled, Reason: ctx.Err().Error(), Attempts: attempts}
			}
			p.logger.Warn("status poll failed", "session_id", sessionID, "attempt", attempts, "err", err)
			continue
		}

		switch normalizeStatus(snapshot.Status) {
		case statusDone:
			detail, err := p.detail.Detail(ctx, sessionID, credential)
			if errors.Is(err, domain.ErrUnauthorized) {
				return Outcome{Kind: OutcomeUnauthorized, Reason: domain.ReasonOf(err), Attempts: attempts}
			}
			if err != nil {
				p.logger.Warn("detail fetch failed", "session_id", sessionID, "attempt", attempts, "err", err)
				continue
			}
			return Outcome{Kind: OutcomeCompleted, Detail: detail, Attempts: attempts}
		case statusFailed:
			reason := strings.TrimSpace(snapshot.FailureReason)
			if reason == "" {
				reason = domain.GenericFailureReason
			}
			return Outcome{Kind: OutcomeFailed, Reason: reason, Attempts: attempts}
		}

		if onUpdate != nil {
			onUpdate(Update{
				Attempt:   attempts,
				Status:    snapshot.Status,
				Stage:     snapshot.Stage,
				Progress:  snapshot.Progress,
				Remaining: snapshot.EstimatedRemaining,
			})
		}
		p.logger.Debug("analysis in progress", "session_id", sessionID, "attempt", attempts, "stage", snapshot.Stage, "progress", snapshot.Progress)
	}

	return Outcome{Kind: OutcomeTimeout, Reason: "analysis is still running; stopped watching", Attempts: attempts}
}

type statusClass int

const (
	statusPending statusClass = iota
	statusDone
	statusFailed
)

func normalizeStatus(status string) statusClass {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "archived", "completed":
		return statusDone
	case "failed":
		return statusFailed
	default:
		return statusPending
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
