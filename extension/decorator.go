// Package extension attaches cross cutting behavior to permission requests
// through explicit decorators. Every decorator implements the whole
// permission.Request interface and delegates to the request it wraps.
package extension

import (
	"context"

	permission "github.com/goliatone/go-permission"
)

// Factory wraps a request with one extension.
type Factory func(permission.Request) permission.Request

// Compose wraps base with factories, innermost first. Post transition side
// effects therefore run in list order: Compose(base, Persisting(s), Notifying(n))
// persists before it notifies.
func Compose(base permission.Request, factories ...Factory) permission.Request {
	out := base
	for _, f := range factories {
		if f == nil {
			continue
		}
		out = f(out)
	}
	return out
}

// Unwrapper is implemented by decorators.
type Unwrapper interface {
	Unwrap() permission.Request
}

// Base returns the innermost request of a decorator chain.
func Base(r permission.Request) permission.Request {
	for {
		u, ok := r.(Unwrapper)
		if !ok {
			return r
		}
		next := u.Unwrap()
		if next == nil {
			return r
		}
		r = next
	}
}

// CreationAnnouncer is implemented by decorators that act once when a new
// request has been created. Reloaded requests are never announced.
type CreationAnnouncer interface {
	AnnounceCreated(ctx context.Context)
}

// AnnounceCreated runs the creation hooks of r's decorator chain, innermost
// first, matching the order of post transition side effects.
func AnnounceCreated(ctx context.Context, r permission.Request) {
	if ctx == nil {
		ctx = context.Background()
	}
	var chain []CreationAnnouncer
	for r != nil {
		if a, ok := r.(CreationAnnouncer); ok {
			chain = append(chain, a)
		}
		u, ok := r.(Unwrapper)
		if !ok {
			break
		}
		r = u.Unwrap()
	}
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].AnnounceCreated(ctx)
	}
}

// AfterFunc runs after a successful transition of the wrapped request.
type AfterFunc func(ctx context.Context, inner permission.Request, ev permission.Event)

// Decorator delegates every operation to inner and calls after once the
// inner transition succeeded. Failed transitions skip the hook.
type Decorator struct {
	inner permission.Request
	after AfterFunc
}

var _ permission.Request = (*Decorator)(nil)

// NewDecorator wraps inner. A nil after makes the decorator transparent.
func NewDecorator(inner permission.Request, after AfterFunc) *Decorator {
	return &Decorator{inner: inner, after: after}
}

func (d *Decorator) Unwrap() permission.Request { return d.inner }

func (d *Decorator) done(ctx context.Context, ev permission.Event, err error) (permission.Event, error) {
	if err != nil {
		return ev, err
	}
	if d.after != nil {
		d.after(ctx, d.inner, ev)
	}
	return ev, nil
}

func (d *Decorator) PermissionID() string                { return d.inner.PermissionID() }
func (d *Decorator) ConnectionID() string                { return d.inner.ConnectionID() }
func (d *Decorator) DataNeedID() string                  { return d.inner.DataNeedID() }
func (d *Decorator) Status() permission.Status           { return d.inner.Status() }
func (d *Decorator) Attributes() map[string]any          { return d.inner.Attributes() }
func (d *Decorator) Snapshot() permission.Snapshot       { return d.inner.Snapshot() }
func (d *Decorator) Equal(other permission.Request) bool { return d.inner.Equal(other) }

func (d *Decorator) Validate(ctx context.Context, v permission.Validation) (permission.Event, error) {
	ev, err := d.inner.Validate(ctx, v)
	return d.done(ctx, ev, err)
}

func (d *Decorator) SendToAdministrator(ctx context.Context, sendErr error) (permission.Event, error) {
	ev, err := d.inner.SendToAdministrator(ctx, sendErr)
	return d.done(ctx, ev, err)
}

func (d *Decorator) ReceivedAdministratorResponse(ctx context.Context) (permission.Event, error) {
	ev, err := d.inner.ReceivedAdministratorResponse(ctx)
	return d.done(ctx, ev, err)
}

func (d *Decorator) Accept(ctx context.Context) (permission.Event, error) {
	ev, err := d.inner.Accept(ctx)
	return d.done(ctx, ev, err)
}

func (d *Decorator) Reject(ctx context.Context, reason string) (permission.Event, error) {
	ev, err := d.inner.Reject(ctx, reason)
	return d.done(ctx, ev, err)
}

func (d *Decorator) Invalid(ctx context.Context, reason string) (permission.Event, error) {
	ev, err := d.inner.Invalid(ctx, reason)
	return d.done(ctx, ev, err)
}

func (d *Decorator) Terminate(ctx context.Context, reason string) (permission.Event, error) {
	ev, err := d.inner.Terminate(ctx, reason)
	return d.done(ctx, ev, err)
}

func (d *Decorator) Revoke(ctx context.Context) (permission.Event, error) {
	ev, err := d.inner.Revoke(ctx)
	return d.done(ctx, ev, err)
}

func (d *Decorator) Fulfill(ctx context.Context) (permission.Event, error) {
	ev, err := d.inner.Fulfill(ctx)
	return d.done(ctx, ev, err)
}

func (d *Decorator) TimeOut(ctx context.Context) (permission.Event, error) {
	ev, err := d.inner.TimeOut(ctx)
	return d.done(ctx, ev, err)
}

func (d *Decorator) TimeLimit(ctx context.Context) (permission.Event, error) {
	ev, err := d.inner.TimeLimit(ctx)
	return d.done(ctx, ev, err)
}

func (d *Decorator) Unfulfillable(ctx context.Context, reason string) (permission.Event, error) {
	ev, err := d.inner.Unfulfillable(ctx, reason)
	return d.done(ctx, ev, err)
}

func (d *Decorator) RequireExternalTermination(ctx context.Context) (permission.Event, error) {
	ev, err := d.inner.RequireExternalTermination(ctx)
	return d.done(ctx, ev, err)
}

func (d *Decorator) ExternalTermination(ctx context.Context, terminationErr error) (permission.Event, error) {
	ev, err := d.inner.ExternalTermination(ctx, terminationErr)
	return d.done(ctx, ev, err)
}

func (d *Decorator) RetryExternalTermination(ctx context.Context) (permission.Event, error) {
	ev, err := d.inner.RetryExternalTermination(ctx)
	return d.done(ctx, ev, err)
}
