// Package process wires the permission aggregate to its event log, outbox,
// and extensions, and drives the send flow.
package process

import (
	"context"
	"errors"

	permission "github.com/goliatone/go-permission"
	"github.com/goliatone/go-permission/eventstore"
	"github.com/goliatone/go-permission/extension"
	"github.com/goliatone/go-permission/keylock"
)

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger permission.Logger) Option {
	return func(e *Engine) {
		e.logger = permission.EnsureLogger(logger)
	}
}

// WithExtensions sets the factories applied, innermost first, to every
// request the engine hands out.
func WithExtensions(factories ...extension.Factory) Option {
	return func(e *Engine) {
		e.extensions = append(e.extensions, factories...)
	}
}

// WithLocker shares a per-permission lock with other writers.
func WithLocker(l *keylock.Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithRequestOptions forwards aggregate options such as a clock.
func WithRequestOptions(opts ...permission.Option) Option {
	return func(e *Engine) {
		e.requestOpts = append(e.requestOpts, opts...)
	}
}

// Engine serializes transitions per permission id. Each call rebuilds the
// request from the event log, binds it to the committer and wraps it with the
// configured extensions.
type Engine struct {
	store       eventstore.Store
	committer   permission.Committer
	locker      *keylock.Locker
	extensions  []extension.Factory
	requestOpts []permission.Option
	logger      permission.Logger
}

func NewEngine(store eventstore.Store, committer permission.Committer, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		committer: committer,
		locker:    keylock.New(),
		logger:    permission.NopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// TransitionFunc runs one operation against a loaded request.
type TransitionFunc func(ctx context.Context, req permission.Request) (permission.Event, error)

// Create records a new request in CREATED. An empty permissionID gets a
// generated one.
func (e *Engine) Create(ctx context.Context, permissionID, connectionID, dataNeedID string, attrs map[string]any) (permission.Request, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if permissionID == "" {
		permissionID = permission.NewID()
	}
	unlock, err := e.locker.LockContext(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := e.store.FindByPermissionID(ctx, permissionID)
	if err != nil {
		return nil, permission.StoreError("find", err)
	}
	if len(existing) > 0 {
		return nil, permission.CloneError(permission.ErrInvalidEvent, "permission request already exists", nil, map[string]any{
			"permission_id": permissionID,
		})
	}

	opts := append([]permission.Option{permission.WithAttributes(attrs)}, e.requestOpts...)
	agg, ev, err := permission.Create(ctx, e.committer, permissionID, connectionID, dataNeedID, opts...)
	if err != nil {
		return nil, err
	}
	permission.LoggerFor(ctx, e.logger, map[string]any{
		"permission_id": permissionID,
		"connection_id": connectionID,
	}).Info("permission request created", "event_id", ev.ID)
	req := extension.Compose(agg, e.extensions...)
	extension.AnnounceCreated(ctx, req)
	return req, nil
}

// Apply runs fn under the permission's lock. Guard errors from fn are
// returned unchanged.
func (e *Engine) Apply(ctx context.Context, permissionID string, fn TransitionFunc) (permission.Event, error) {
	if err := e.ready(); err != nil {
		return permission.Event{}, err
	}
	if fn == nil {
		return permission.Event{}, errors.New("transition func required")
	}
	var out permission.Event
	err := e.locker.Do(ctx, permissionID, func(ctx context.Context) error {
		req, err := e.load(ctx, permissionID)
		if err != nil {
			return err
		}
		ev, err := fn(ctx, req)
		if err != nil {
			return err
		}
		out = ev
		return nil
	})
	if err != nil {
		logger := permission.LoggerFor(ctx, e.logger, map[string]any{"permission_id": permissionID})
		if permission.IsGuardError(err) {
			logger.Debug("transition rejected", "error", err)
		} else {
			logger.Error("transition failed", "error", err)
		}
		return permission.Event{}, err
	}
	return out, nil
}

// Get returns the current request without extensions. It is a read only view.
func (e *Engine) Get(ctx context.Context, permissionID string) (permission.Request, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return eventstore.LoadRequest(ctx, e.store, permissionID, e.requestOpts...)
}

// History returns the stored events of permissionID in order.
func (e *Engine) History(ctx context.Context, permissionID string) ([]permission.Event, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	events, err := e.store.FindByPermissionID(ctx, permissionID)
	if err != nil {
		return nil, permission.StoreError("find", err)
	}
	if len(events) == 0 {
		return nil, permission.NotFoundError(permissionID)
	}
	return events, nil
}

func (e *Engine) load(ctx context.Context, permissionID string) (permission.Request, error) {
	opts := append([]permission.Option{permission.WithCommitter(e.committer)}, e.requestOpts...)
	agg, err := eventstore.LoadRequest(ctx, e.store, permissionID, opts...)
	if err != nil {
		return nil, err
	}
	return extension.Compose(agg, e.extensions...), nil
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil {
		return permission.StoreError("engine", errors.New("event store not configured"))
	}
	return nil
}
