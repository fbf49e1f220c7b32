package extension

import (
	"context"
	"time"

	permission "github.com/goliatone/go-permission"
)

// Notification is the status update sent to external listeners.
type Notification struct {
	PermissionID string            `json:"permission_id"`
	ConnectionID string            `json:"connection_id"`
	DataNeedID   string            `json:"data_need_id"`
	Status       permission.Status `json:"status"`
	EventType    string            `json:"event_type,omitempty"`
	Message      string            `json:"message,omitempty"`
	Sequence     int64             `json:"sequence"`
	At           time.Time         `json:"at"`
}

// Notifier delivers notifications to an external facing channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// NotifyingRequest emits a notification when the request is announced as
// created and after every successful transition. Sequence is the request
// version, so it orders notifications across reloads.
type NotifyingRequest struct {
	*Decorator
	notifier Notifier
	opts     options
}

func Notifying(notifier Notifier, opts ...Option) Factory {
	o := buildOptions(opts)
	return func(inner permission.Request) permission.Request {
		n := &NotifyingRequest{notifier: notifier, opts: o}
		n.Decorator = NewDecorator(inner, n.notify)
		return n
	}
}

func (n *NotifyingRequest) AnnounceCreated(ctx context.Context) {
	n.notify(ctx, n.inner, permission.Event{})
}

func (n *NotifyingRequest) notify(ctx context.Context, inner permission.Request, ev permission.Event) {
	if n.notifier == nil {
		return
	}
	snap := inner.Snapshot()
	msg := Notification{
		PermissionID: snap.PermissionID,
		ConnectionID: snap.ConnectionID,
		DataNeedID:   snap.DataNeedID,
		Status:       snap.Status,
		EventType:    string(ev.Type),
		Message:      reasonOf(ev),
		Sequence:     int64(snap.Version),
		At:           time.Now().UTC(),
	}
	if !ev.CreatedAt.IsZero() {
		msg.At = ev.CreatedAt
	}
	if err := n.notifier.Notify(ctx, msg); err != nil {
		permission.LoggerFor(ctx, n.opts.logger, map[string]any{
			"permission_id": msg.PermissionID,
			"status":        string(msg.Status),
		}).Error("notifying extension failed", "error", err)
		if n.opts.onError != nil {
			n.opts.onError(ctx, msg.PermissionID, err)
		}
	}
}

func reasonOf(ev permission.Event) string {
	switch p := ev.Payload.(type) {
	case permission.ReasonPayload:
		return p.Reason
	case permission.UnableToSendPayload:
		return p.Reason
	case permission.MalformedPayload:
		if len(p.Errors) > 0 {
			return p.Errors[0].Field + ": " + p.Errors[0].Message
		}
	}
	return ""
}
