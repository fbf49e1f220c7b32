// Package notify provides Notifier sinks for the notifying extension.
package notify

import (
	"context"
	"sync"

	"github.com/goliatone/go-permission/extension"
)

// Recorder keeps notifications in memory and optionally forwards them on a channel.
type Recorder struct {
	mu   sync.Mutex
	seen []extension.Notification
	ch   chan extension.Notification
}

// NewRecorder builds a recorder. A positive buffer enables C().
func NewRecorder(buffer int) *Recorder {
	r := &Recorder{}
	if buffer > 0 {
		r.ch = make(chan extension.Notification, buffer)
	}
	return r
}

var _ extension.Notifier = (*Recorder)(nil)

func (r *Recorder) Notify(ctx context.Context, n extension.Notification) error {
	r.mu.Lock()
	r.seen = append(r.seen, n)
	r.mu.Unlock()
	if r.ch == nil {
		return nil
	}
	select {
	case r.ch <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C returns the forwarding channel, nil when unbuffered.
func (r *Recorder) C() <-chan extension.Notification { return r.ch }

// Notifications returns a copy of everything recorded so far.
func (r *Recorder) Notifications() []extension.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]extension.Notification(nil), r.seen...)
}
