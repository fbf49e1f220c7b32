// Package retry re-drives permission requests parked in UNABLE_TO_SEND.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	permission "github.com/goliatone/go-permission"
)

// Finder lists current snapshots by status. readmodel.Store implements it.
type Finder interface {
	FindByStatus(ctx context.Context, status permission.Status) ([]permission.Snapshot, error)
}

// Trigger re-attempts the send for one request.
type Trigger interface {
	Retrigger(ctx context.Context, snapshot permission.Snapshot) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, snapshot permission.Snapshot) error

func (f TriggerFunc) Retrigger(ctx context.Context, snapshot permission.Snapshot) error {
	return f(ctx, snapshot)
}

// Metrics records sweep outcomes.
type Metrics interface {
	RecordSweep(report SweepReport, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordSweep(SweepReport, time.Duration) {}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Found     int `json:"found"`
	Triggered int `json:"triggered"`
	Skipped   int `json:"skipped"`
	Exhausted int `json:"exhausted"`
	Failed    int `json:"failed"`
}

const DefaultInterval = 30 * time.Second

var (
	errNoTrigger       = errors.New("retry trigger not configured")
	errNoFinder        = errors.New("retry finder not configured")
	errAlreadyRunning  = errors.New("retry scheduler already running")
	errInvalidInterval = errors.New("retry interval must be positive")
)

// Scheduler periodically sweeps UNABLE_TO_SEND requests and hands each to a
// Trigger. Sweeps run either on a fixed interval or on a cron expression.
type Scheduler struct {
	finder      Finder
	trigger     Trigger
	logger      permission.Logger
	metrics     Metrics
	interval    time.Duration
	expression  string
	location    *time.Location
	maxAttempts int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewScheduler(finder Finder, opts ...Option) *Scheduler {
	s := &Scheduler{
		finder:   finder,
		logger:   permission.NopLogger(),
		metrics:  noopMetrics{},
		interval: DefaultInterval,
		location: time.Local,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Sweep triggers every request currently in UNABLE_TO_SEND. Guard errors mean
// the request already moved on and are counted as skipped. Only a failed
// lookup fails the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if s == nil || s.finder == nil {
		return report, errNoFinder
	}
	if s.trigger == nil {
		return report, errNoTrigger
	}
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	defer func() { s.metrics.RecordSweep(report, time.Since(start)) }()

	parked, err := s.finder.FindByStatus(ctx, permission.StatusUnableToSend)
	if err != nil {
		s.logger.Error("retry sweep lookup failed", "error", err)
		return report, permission.StoreError("find", err)
	}
	report.Found = len(parked)

	for _, snap := range parked {
		if ctx.Err() != nil {
			break
		}
		logger := permission.LoggerFor(ctx, s.logger, map[string]any{
			"permission_id": snap.PermissionID,
			"send_attempts": snap.SendAttempts,
		})
		if s.maxAttempts > 0 && snap.SendAttempts >= s.maxAttempts {
			report.Exhausted++
			logger.Warn("retry attempts exhausted", "max_attempts", s.maxAttempts)
			continue
		}
		err := s.trigger.Retrigger(ctx, snap)
		switch {
		case err == nil:
			report.Triggered++
		case permission.IsGuardError(err):
			report.Skipped++
			logger.Info("retry skipped", "error", err)
		default:
			report.Failed++
			logger.Error("retry trigger failed", "error", err)
		}
	}
	logSweep(s.logger, report)
	return report, nil
}

func logSweep(logger permission.Logger, report SweepReport) {
	if report.Found == 0 {
		logger.Debug("retry sweep found nothing")
		return
	}
	logger.Info("retry sweep finished",
		"found", report.Found,
		"triggered", report.Triggered,
		"skipped", report.Skipped,
		"exhausted", report.Exhausted,
		"failed", report.Failed,
	)
}

// Run sweeps until ctx is done or Stop is called. The in-flight sweep
// finishes before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	return s.loop(runCtx, done)
}

// Start runs the scheduler in the background. Errors from the loop are logged.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	go func() {
		if err := s.loop(runCtx, done); err != nil {
			s.logger.Error("retry scheduler exited", "error", err)
		}
	}()
	return nil
}

func (s *Scheduler) begin(ctx context.Context) (context.Context, chan struct{}, error) {
	if s == nil || s.finder == nil {
		return nil, nil, errNoFinder
	}
	if s.trigger == nil {
		return nil, nil, errNoTrigger
	}
	if s.expression != "" {
		if _, err := cronParser().Parse(s.expression); err != nil {
			return nil, nil, invalidExpression(s.expression, err)
		}
	} else if s.interval <= 0 {
		return nil, nil, errInvalidInterval
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, nil, errAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	return runCtx, s.done, nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) error {
	defer func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
		close(done)
	}()
	if s.expression != "" {
		return s.runCron(ctx)
	}
	return s.runTicker(ctx)
}

func (s *Scheduler) runTicker(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("retry scheduler started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopped")
			return nil
		case <-ticker.C:
			_, _ = s.Sweep(context.WithoutCancel(ctx))
		}
	}
}

func (s *Scheduler) runCron(ctx context.Context) error {
	c := rcron.New(
		rcron.WithLocation(s.location),
		rcron.WithParser(cronParser()),
		rcron.WithChain(
			rcron.Recover(cronLogger{logger: s.logger}),
			rcron.SkipIfStillRunning(cronLogger{logger: s.logger}),
		),
		rcron.WithLogger(cronLogger{logger: s.logger}),
	)
	if _, err := c.AddFunc(s.expression, func() { _, _ = s.Sweep(context.WithoutCancel(ctx)) }); err != nil {
		return invalidExpression(s.expression, err)
	}
	c.Start()
	s.logger.Info("retry scheduler started", "expression", s.expression)
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("retry scheduler stopped")
	return nil
}

// Stop cancels future sweeps and waits for the in-flight one, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil || done == nil {
		return nil
	}
	cancel()
	if ctx == nil {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// cronParser accepts standard five field expressions and descriptors such as
// "@every 30s".
func cronParser() rcron.Parser {
	return rcron.NewParser(rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)
}

func invalidExpression(expr string, err error) error {
	return permission.CloneError(permission.ErrInvalidConfig, fmt.Sprintf("invalid retry expression %q", expr), err, map[string]any{
		"expression": expr,
	})
}
