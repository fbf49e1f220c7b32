package extension

import (
	"context"

	permission "github.com/goliatone/go-permission"
	"github.com/goliatone/go-permission/readmodel"
)

// Option configures the built-in extensions.
type Option func(*options)

type options struct {
	logger  permission.Logger
	onError func(ctx context.Context, permissionID string, err error)
}

func WithLogger(logger permission.Logger) Option {
	return func(o *options) {
		o.logger = permission.EnsureLogger(logger)
	}
}

// WithErrorHook observes side effect failures. The transition itself already
// happened when the hook runs.
func WithErrorHook(hook func(ctx context.Context, permissionID string, err error)) Option {
	return func(o *options) {
		o.onError = hook
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: permission.NopLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// PersistingRequest writes a read model snapshot after every successful
// transition and when the request is announced as created.
type PersistingRequest struct {
	*Decorator
	store readmodel.Store
	opts  options
}

// Persisting returns a factory for PersistingRequest. Snapshot write failures
// are logged and reported to the error hook; they do not undo the transition
// because the read model can be rebuilt from the event log.
func Persisting(store readmodel.Store, opts ...Option) Factory {
	o := buildOptions(opts)
	return func(inner permission.Request) permission.Request {
		p := &PersistingRequest{store: store, opts: o}
		p.Decorator = NewDecorator(inner, p.persist)
		return p
	}
}

func (p *PersistingRequest) AnnounceCreated(ctx context.Context) {
	p.persist(ctx, p.inner, permission.Event{})
}

func (p *PersistingRequest) persist(ctx context.Context, inner permission.Request, ev permission.Event) {
	if p.store == nil {
		return
	}
	snap := inner.Snapshot()
	if err := p.store.Upsert(ctx, snap); err != nil {
		permission.LoggerFor(ctx, p.opts.logger, map[string]any{
			"permission_id": snap.PermissionID,
			"status":        string(snap.Status),
			"event_id":      ev.ID,
		}).Error("persisting extension failed to upsert snapshot", "error", err)
		if p.opts.onError != nil {
			p.opts.onError(ctx, snap.PermissionID, err)
		}
	}
}
