package bus

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"

	permission "github.com/goliatone/go-permission"
)

// Filter selects the events a subscriber receives. An empty filter matches everything.
type Filter struct {
	types    []string
	statuses map[permission.Status]struct{}
}

// ByType matches event types. Patterns may use "*" and "#" wildcards.
func ByType(types ...permission.EventType) Filter {
	f := Filter{}
	for _, t := range types {
		f.types = append(f.types, string(t))
	}
	return f
}

// ByStatus matches the status asserted by the event.
func ByStatus(statuses ...permission.Status) Filter {
	f := Filter{statuses: make(map[permission.Status]struct{}, len(statuses))}
	for _, s := range statuses {
		f.statuses[s] = struct{}{}
	}
	return f
}

func All() Filter { return Filter{} }

// Match reports whether ev passes the filter. Events that are never stored,
// such as retry triggers, only match a filter naming their exact type.
func (f Filter) Match(ev permission.Event) bool {
	if !ev.Persistent() {
		for _, t := range f.types {
			if t == string(ev.Type) {
				return true
			}
		}
		return false
	}
	if len(f.types) == 0 && len(f.statuses) == 0 {
		return true
	}
	for _, pattern := range f.types {
		if matchType(pattern, string(ev.Type)) {
			return true
		}
	}
	_, ok := f.statuses[ev.Status]
	return ok
}

func (f Filter) String() string {
	if len(f.types) == 0 && len(f.statuses) == 0 {
		return "all"
	}
	out := ""
	for _, t := range f.types {
		out += "type:" + t + " "
	}
	for s := range f.statuses {
		out += "status:" + string(s) + " "
	}
	return out
}

// Metrics receives bus delivery outcomes.
type Metrics interface {
	EventPublished(eventType string, subscribers int)
	SubscriberFailed(subscriber, eventType string)
}

type noopMetrics struct{}

func (noopMetrics) EventPublished(string, int)     {}
func (noopMetrics) SubscriberFailed(string, string) {}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(logger permission.Logger) Option {
	return func(b *Bus) {
		b.logger = permission.EnsureLogger(logger)
	}
}

func WithMetrics(m Metrics) Option {
	return func(b *Bus) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithQueueWarnThreshold logs when a subscriber backlog reaches n events.
func WithQueueWarnThreshold(n int) Option {
	return func(b *Bus) {
		b.warnThreshold = n
	}
}

// Bus is an in-process broadcast router. Every matching subscriber receives
// every event, in publish order, through its own unbounded queue, so Publish
// never waits on a subscriber.
type Bus struct {
	mu            sync.RWMutex
	subs          map[string]*Subscription
	closed        bool
	logger        permission.Logger
	metrics       Metrics
	warnThreshold int
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string]*Subscription),
		logger:  permission.NopLogger(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithName labels the subscription in logs and metrics.
func WithName(name string) SubscribeOption {
	return func(s *Subscription) {
		if name != "" {
			s.name = name
		}
	}
}

// Subscribe registers a live subscription. Events published before the call are not delivered.
func (b *Bus) Subscribe(filter Filter, opts ...SubscribeOption) *Subscription {
	s := &Subscription{
		id:     uuid.NewString(),
		filter: filter,
		bus:    b,
		out:    make(chan permission.Event),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.name = s.id
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.closeQueue()
		close(s.out)
		close(s.done)
		return s
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.pump()
	return s
}

// Publish enqueues ev for every matching subscriber and returns immediately.
func (b *Bus) Publish(_ context.Context, ev permission.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	delivered := 0
	for _, s := range b.subs {
		if !s.filter.Match(ev) {
			continue
		}
		depth := s.enqueue(ev)
		delivered++
		if b.warnThreshold > 0 && depth == b.warnThreshold {
			b.logger.Warn("bus subscriber backlog growing", "subscriber", s.name, "depth", depth)
		}
	}
	b.metrics.EventPublished(string(ev.Type), delivered)
}

// HandlerFunc processes one delivered event.
type HandlerFunc func(ctx context.Context, ev permission.Event) error

// Handle subscribes fn and runs it on its own goroutine until ctx is done or
// the subscription is cancelled. Errors and panics from fn are logged and do
// not stop the handler.
func (b *Bus) Handle(ctx context.Context, filter Filter, fn HandlerFunc, opts ...SubscribeOption) *Subscription {
	s := b.Subscribe(filter, opts...)
	s.handled = make(chan struct{})
	go func() {
		defer close(s.handled)
		for {
			select {
			case <-ctx.Done():
				s.Unsubscribe()
				return
			case ev, ok := <-s.out:
				if !ok {
					return
				}
				b.invoke(ctx, s, fn, ev)
			}
		}
	}()
	return s
}

func (b *Bus) invoke(ctx context.Context, s *Subscription, fn HandlerFunc, ev permission.Event) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 4096)
			stack = stack[:runtime.Stack(stack, false)]
			b.metrics.SubscriberFailed(s.name, string(ev.Type))
			b.logger.Error("bus subscriber panicked",
				"subscriber", s.name,
				"permission_id", ev.PermissionID,
				"event_type", string(ev.Type),
				"panic", fmt.Sprint(r),
				"stack", string(stack),
			)
		}
	}()
	if err := fn(ctx, ev); err != nil {
		b.metrics.SubscriberFailed(s.name, string(ev.Type))
		b.logger.Error("bus subscriber failed",
			"subscriber", s.name,
			"permission_id", ev.PermissionID,
			"event_type", string(ev.Type),
			"error", err,
		)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close cancels every subscription. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.cancel()
	}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
