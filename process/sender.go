package process

import (
	"context"
	"errors"

	permission "github.com/goliatone/go-permission"
	"github.com/goliatone/go-permission/bus"
	"github.com/goliatone/go-permission/outbox"
)

// Administrator delivers a validated request to the permission administrator.
type Administrator interface {
	SendToAdministrator(ctx context.Context, snapshot permission.Snapshot) error
}

// AdministratorFunc adapts a function to Administrator.
type AdministratorFunc func(ctx context.Context, snapshot permission.Snapshot) error

func (f AdministratorFunc) SendToAdministrator(ctx context.Context, snapshot permission.Snapshot) error {
	return f(ctx, snapshot)
}

// SenderName is the subscriber name used for ledger acks.
const SenderName = "administrator-sender"

// Sender reacts to VALIDATED and retry events by sending the request to the
// administrator and recording the outcome.
type Sender struct {
	engine *Engine
	admin  Administrator
	logger permission.Logger
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

func WithSenderLogger(logger permission.Logger) SenderOption {
	return func(s *Sender) {
		s.logger = permission.EnsureLogger(logger)
	}
}

func NewSender(engine *Engine, admin Administrator, opts ...SenderOption) *Sender {
	s := &Sender{engine: engine, admin: admin, logger: permission.NopLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Filter selects the events the sender reacts to.
func (s *Sender) Filter() bus.Filter {
	return bus.ByType(permission.EventValidated, permission.EventRetryRequested)
}

// Send performs one send attempt for permissionID. The administrator is only
// contacted when the request can legally be sent; otherwise the guard error is
// returned.
func (s *Sender) Send(ctx context.Context, permissionID string) (permission.Event, error) {
	if s == nil || s.engine == nil || s.admin == nil {
		return permission.Event{}, errors.New("sender not configured")
	}
	return s.engine.Apply(ctx, permissionID, func(ctx context.Context, req permission.Request) (permission.Event, error) {
		if err := permission.CheckOperation(req, permission.OpSendToAdministrator); err != nil {
			return permission.Event{}, err
		}
		sendErr := s.admin.SendToAdministrator(ctx, req.Snapshot())
		if sendErr != nil {
			permission.LoggerFor(ctx, s.logger, map[string]any{
				"permission_id": permissionID,
			}).Warn("administrator send failed", "error", sendErr)
		}
		return req.SendToAdministrator(ctx, sendErr)
	})
}

// Retrigger retries the send for a request found in UNABLE_TO_SEND.
func (s *Sender) Retrigger(ctx context.Context, snapshot permission.Snapshot) error {
	_, err := s.Send(ctx, snapshot.PermissionID)
	return err
}

// Handle is the bus handler. A request that already moved on is skipped so
// redelivered and duplicate triggers stay harmless.
func (s *Sender) Handle(ctx context.Context, ev permission.Event) error {
	_, err := s.Send(ctx, ev.PermissionID)
	if err != nil && permission.IsGuardError(err) {
		permission.LoggerFor(ctx, s.logger, map[string]any{
			"permission_id": ev.PermissionID,
			"event_type":    string(ev.Type),
		}).Info("send trigger skipped", "error", err)
		return nil
	}
	return err
}

// Attach subscribes the sender to b for live delivery and registers it with
// the replayer, both behind the same ack ledger.
func (s *Sender) Attach(ctx context.Context, b *bus.Bus, ledger outbox.Ledger, replayer *outbox.Replayer) (*bus.Subscription, error) {
	handler := outbox.Consumer(SenderName, ledger, s.Handle)
	if replayer != nil {
		if err := replayer.Register(SenderName, s.Filter(), handler); err != nil {
			return nil, err
		}
	}
	if b == nil {
		return nil, nil
	}
	return b.Handle(ctx, s.Filter(), handler, bus.WithName(SenderName)), nil
}
