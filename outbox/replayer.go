package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	permission "github.com/goliatone/go-permission"
	"github.com/goliatone/go-permission/bus"
	"github.com/goliatone/go-permission/eventstore"
)

// Consumer wraps a bus handler so that every processed event is acknowledged
// in ledger under name. Already acknowledged events are skipped, which makes
// live delivery and catch-up replay safe to overlap.
func Consumer(name string, ledger Ledger, fn bus.HandlerFunc) bus.HandlerFunc {
	return func(ctx context.Context, ev permission.Event) error {
		if ledger == nil || ev.ID == 0 {
			return fn(ctx, ev)
		}
		acked, err := ledger.Acked(ctx, name, ev.ID)
		if err != nil {
			return fmt.Errorf("ledger lookup for %s: %w", name, err)
		}
		if acked {
			return nil
		}
		if err := fn(ctx, ev); err != nil {
			return err
		}
		return ledger.Ack(ctx, name, ev.ID)
	}
}

// RuntimeState tracks the lifecycle of the background replay runner.
type RuntimeState string

const (
	RuntimeStateIdle     RuntimeState = "idle"
	RuntimeStateRunning  RuntimeState = "running"
	RuntimeStateStopping RuntimeState = "stopping"
	RuntimeStateStopped  RuntimeState = "stopped"
)

// RuntimeStatus captures the latest runner state and cycle results.
type RuntimeStatus struct {
	WorkerID            string
	State               RuntimeState
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastReport          ReplayReport
}

// Health reports health derived from runtime status.
type Health struct {
	Healthy bool
	Reason  string
	Status  RuntimeStatus
}

// ReplayReport summarizes one replay cycle across all subscribers.
type ReplayReport struct {
	Scanned   int
	Delivered int
	Skipped   int
	Failed    int
	Cursors   map[string]int64
}

type replayTarget struct {
	name    string
	filter  bus.Filter
	handler bus.HandlerFunc
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

func WithReplayLogger(logger permission.Logger) ReplayerOption {
	return func(r *Replayer) {
		r.logger = permission.EnsureLogger(logger)
	}
}

func WithReplayInterval(interval time.Duration) ReplayerOption {
	return func(r *Replayer) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

func WithReplayBatchSize(n int) ReplayerOption {
	return func(r *Replayer) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithReplayWorkerID(id string) ReplayerOption {
	return func(r *Replayer) {
		if strings.TrimSpace(id) != "" {
			r.workerID = id
		}
	}
}

func WithReplayStatusHook(hook func(context.Context, RuntimeStatus)) ReplayerOption {
	return func(r *Replayer) {
		r.statusHook = hook
	}
}

// Replayer rescans the event store for events a subscriber has not yet
// acknowledged and delivers them. It upgrades in-process publish into at
// least once delivery across restarts.
type Replayer struct {
	store     eventstore.Store
	ledger    Ledger
	logger    permission.Logger
	interval  time.Duration
	batchSize int
	workerID  string

	targetsMu sync.RWMutex
	targets   []replayTarget

	statusHook func(context.Context, RuntimeStatus)
	stateMu    sync.RWMutex
	status     RuntimeStatus

	cycleMu sync.Mutex

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

func NewReplayer(store eventstore.Store, ledger Ledger, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		store:     store,
		ledger:    ledger,
		logger:    permission.NopLogger(),
		interval:  30 * time.Second,
		batchSize: 100,
		workerID:  "replay-" + uuid.NewString(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.status = RuntimeStatus{WorkerID: r.workerID, State: RuntimeStateIdle}
	return r
}

// Register adds a named subscriber. The same name must be used with Consumer
// on the live bus path so both share acknowledgements.
func (r *Replayer) Register(name string, filter bus.Filter, handler bus.HandlerFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || handler == nil {
		return errors.New("replay target needs a name and a handler")
	}
	r.targetsMu.Lock()
	defer r.targetsMu.Unlock()
	for _, t := range r.targets {
		if t.name == name {
			return fmt.Errorf("replay target %q already registered", name)
		}
	}
	r.targets = append(r.targets, replayTarget{name: name, filter: filter, handler: handler})
	return nil
}

// RunOnce replays every registered subscriber up to the end of the log.
// A failing handler stops its subscriber at the failed event so the next
// cycle retries from there.
func (r *Replayer) RunOnce(ctx context.Context) (ReplayReport, error) {
	report := ReplayReport{Cursors: map[string]int64{}}
	if r == nil || r.store == nil || r.ledger == nil {
		return report, errors.New("replayer not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	r.targetsMu.RLock()
	targets := append([]replayTarget(nil), r.targets...)
	r.targetsMu.RUnlock()

	var errs []error
	for _, target := range targets {
		if err := r.replayTarget(ctx, target, &report); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	r.recordCycle(ctx, report, err)
	return report, err
}

func (r *Replayer) replayTarget(ctx context.Context, target replayTarget, report *ReplayReport) error {
	logger := permission.LoggerFor(ctx, r.logger, map[string]any{"subscriber": target.name, "worker_id": r.workerID})
	cursor, err := r.ledger.Cursor(ctx, target.name)
	if err != nil {
		return fmt.Errorf("load cursor for %s: %w", target.name, err)
	}
	defer func() { report.Cursors[target.name] = cursor }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := r.store.Since(ctx, cursor, r.batchSize)
		if err != nil {
			return err
		}
		for _, ev := range events {
			report.Scanned++
			if !target.filter.Match(ev) {
				cursor = ev.ID
				continue
			}
			acked, err := r.ledger.Acked(ctx, target.name, ev.ID)
			if err != nil {
				return err
			}
			if acked {
				report.Skipped++
				cursor = ev.ID
				continue
			}
			if err := r.deliver(ctx, target, ev); err != nil {
				report.Failed++
				logger.Warn("replay delivery failed", "permission_id", ev.PermissionID, "event_id", ev.ID, "error", err)
				if setErr := r.ledger.SetCursor(ctx, target.name, cursor); setErr != nil {
					return setErr
				}
				return err
			}
			if err := r.ledger.Ack(ctx, target.name, ev.ID); err != nil {
				return err
			}
			report.Delivered++
			cursor = ev.ID
		}
		if err := r.ledger.SetCursor(ctx, target.name, cursor); err != nil {
			return err
		}
		if len(events) < r.batchSize {
			return nil
		}
	}
}

func (r *Replayer) deliver(ctx context.Context, target replayTarget, ev permission.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("replay handler %s panicked: %v", target.name, rec)
		}
	}()
	return target.handler(ctx, ev)
}

// Run replays on the configured interval until ctx is cancelled or Stop is called.
func (r *Replayer) Run(ctx context.Context) error {
	if r == nil {
		return errors.New("replayer not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return errors.New("replayer already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	r.runCancel = cancel
	r.runDone = runDone
	r.running = true
	r.runMu.Unlock()

	r.setRuntimeState(runCtx, RuntimeStateRunning)
	logger := permission.LoggerFor(runCtx, r.logger, map[string]any{"worker_id": r.workerID})
	logger.Info("replay runner started")

	defer func() {
		r.runMu.Lock()
		r.running = false
		r.runCancel = nil
		r.runDone = nil
		close(runDone)
		r.runMu.Unlock()
		r.setRuntimeState(context.Background(), RuntimeStateStopped)
		logger.Info("replay runner stopped")
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("replay cycle failed", "error", err)
		}
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Stop cancels the runner and waits for the current cycle to return.
func (r *Replayer) Stop(ctx context.Context) error {
	if r == nil {
		return errors.New("replayer not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.runMu.Lock()
	cancel := r.runCancel
	done := r.runDone
	running := r.running
	r.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		r.setRuntimeState(ctx, RuntimeStateStopped)
		return nil
	}
	r.setRuntimeState(ctx, RuntimeStateStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replayer) Status() RuntimeStatus {
	if r == nil {
		return RuntimeStatus{State: RuntimeStateStopped}
	}
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.status
}

func (r *Replayer) Health() Health {
	status := r.Status()
	h := Health{Healthy: true, Status: status}
	if status.ConsecutiveFailures > 0 {
		h.Healthy = false
		h.Reason = "replay failures detected"
	} else if status.State == RuntimeStateStopped && !status.LastRunAt.IsZero() {
		h.Healthy = false
		h.Reason = "replayer stopped"
	}
	return h
}

func (r *Replayer) setRuntimeState(ctx context.Context, state RuntimeState) {
	r.stateMu.Lock()
	r.status.State = state
	status := r.status
	r.stateMu.Unlock()
	if r.statusHook != nil {
		r.statusHook(ctx, status)
	}
}

func (r *Replayer) recordCycle(ctx context.Context, report ReplayReport, err error) {
	now := time.Now().UTC()
	r.stateMu.Lock()
	r.status.LastRunAt = now
	r.status.LastReport = report
	if err != nil {
		r.status.LastError = err.Error()
		r.status.ConsecutiveFailures++
	} else {
		r.status.LastError = ""
		r.status.ConsecutiveFailures = 0
		r.status.LastSuccessAt = now
	}
	status := r.status
	r.stateMu.Unlock()
	if r.statusHook != nil {
		r.statusHook(ctx, status)
	}
}
