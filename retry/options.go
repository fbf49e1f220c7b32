package retry

import (
	"fmt"
	"strings"
	"time"

	permission "github.com/goliatone/go-permission"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger permission.Logger) Option {
	return func(s *Scheduler) {
		s.logger = permission.EnsureLogger(logger)
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithTrigger(t Trigger) Option {
	return func(s *Scheduler) {
		s.trigger = t
	}
}

// WithInterval sweeps on a fixed interval. Ignored when an expression is set.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithExpression sweeps on a cron expression instead of an interval.
func WithExpression(expr string) Option {
	return func(s *Scheduler) {
		s.expression = strings.TrimSpace(expr)
	}
}

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithMaxAttempts stops retrying requests that already used n send attempts.
// Zero means unlimited.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxAttempts = n
		}
	}
}

// FromConfig maps the retry section of the runtime config onto options.
func FromConfig(cfg permission.RetryConfig) []Option {
	return []Option{
		WithInterval(cfg.Interval),
		WithExpression(cfg.Expression),
		WithMaxAttempts(cfg.MaxAttempts),
	}
}

// cronLogger adapts the permission logger to robfig/cron's logger.
type cronLogger struct {
	logger permission.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	if err == nil {
		l.logger.Error("cron: "+msg, keysAndValues...)
		return
	}
	l.logger.Error(fmt.Sprintf("cron: %s", msg), append([]any{"error", err}, keysAndValues...)...)
}
