package outbox

import (
	"context"
	"errors"
	"time"

	permission "github.com/goliatone/go-permission"
	"github.com/goliatone/go-permission/eventstore"
)

// Publisher hands committed events to subscribers. *bus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, ev permission.Event)
}

// Metrics records commit outcomes.
type Metrics interface {
	RecordCommit(eventType string, duration time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordCommit(string, time.Duration, error) {}

// Option configures an Outbox.
type Option func(*Outbox)

func WithLogger(logger permission.Logger) Option {
	return func(o *Outbox) {
		o.logger = permission.EnsureLogger(logger)
	}
}

func WithMetrics(m Metrics) Option {
	return func(o *Outbox) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Outbox is the single write path for permission events: the event is
// appended to the store and published only once the append succeeded.
type Outbox struct {
	store     eventstore.Store
	publisher Publisher
	logger    permission.Logger
	metrics   Metrics
}

var _ permission.Committer = (*Outbox)(nil)

// New builds an outbox. A nil publisher only persists, which leaves delivery
// to catch-up replay.
func New(store eventstore.Store, publisher Publisher, opts ...Option) *Outbox {
	o := &Outbox{
		store:     store,
		publisher: publisher,
		logger:    permission.NopLogger(),
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Commit appends ev and then publishes the stored copy. The append is not
// cancelled by ctx once started. A failed append returns a store error and
// nothing is published.
func (o *Outbox) Commit(ctx context.Context, ev permission.Event) (permission.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !ev.Persistent() {
		return permission.Event{}, permission.CloneError(permission.ErrInvalidEvent, "bus only event cannot be committed", nil, map[string]any{
			"event_type": string(ev.Type),
		})
	}
	if o == nil || o.store == nil {
		return permission.Event{}, permission.StoreError("append", errNotConfigured)
	}

	start := time.Now()
	stored, err := o.store.Append(context.WithoutCancel(ctx), ev)
	o.metrics.RecordCommit(string(ev.Type), time.Since(start), err)
	logger := permission.LoggerFor(ctx, o.logger, map[string]any{
		"permission_id": ev.PermissionID,
		"event_type":    string(ev.Type),
		"status":        string(ev.Status),
	})
	if err != nil {
		logger.Error("outbox commit failed", "error", err)
		if permission.ErrorCode(err) == permission.ErrCodeInvalidEvent {
			return permission.Event{}, err
		}
		return permission.Event{}, permission.StoreError("append", err)
	}
	logger.Debug("outbox committed event", "event_id", stored.ID)

	if o.publisher != nil {
		o.publisher.Publish(ctx, stored)
	}
	return stored, nil
}

// Publish sends a bus only trigger. Persistent events must go through Commit.
func (o *Outbox) Publish(ctx context.Context, ev permission.Event) error {
	if ev.Persistent() {
		return permission.CloneError(permission.ErrInvalidEvent, "persistent event must be committed", nil, map[string]any{
			"event_type": string(ev.Type),
		})
	}
	if o == nil || o.publisher == nil {
		return nil
	}
	o.publisher.Publish(ctx, ev)
	return nil
}

var errNotConfigured = errors.New("outbox not configured")
