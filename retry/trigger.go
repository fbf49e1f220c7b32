package retry

import (
	"context"

	permission "github.com/goliatone/go-permission"
)

// Publisher publishes bus only events. *outbox.Outbox implements it.
type Publisher interface {
	Publish(ctx context.Context, ev permission.Event) error
}

// PublishTrigger asks subscribed senders to retry by publishing a
// retry_requested event instead of sending inline. Stale triggers are
// rejected by the sender's guard.
type PublishTrigger struct {
	publisher Publisher
}

var _ Trigger = (*PublishTrigger)(nil)

func NewPublishTrigger(p Publisher) *PublishTrigger {
	return &PublishTrigger{publisher: p}
}

func (t *PublishTrigger) Retrigger(ctx context.Context, snapshot permission.Snapshot) error {
	if t == nil || t.publisher == nil {
		return errNoTrigger
	}
	return t.publisher.Publish(ctx, permission.NewRetryEvent(snapshot.PermissionID, snapshot.SendAttempts, snapshot.LastReason))
}
