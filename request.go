package permission

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation names a transition capability.
type Operation string

const (
	OpValidate                      Operation = "validate"
	OpSendToAdministrator           Operation = "sendToAdministrator"
	OpReceivedAdministratorResponse Operation = "receivedAdministratorResponse"
	OpAccept                        Operation = "accept"
	OpReject                        Operation = "reject"
	OpInvalid                       Operation = "invalid"
	OpTerminate                     Operation = "terminate"
	OpRevoke                        Operation = "revoke"
	OpFulfill                       Operation = "fulfill"
	OpTimeOut                       Operation = "timeOut"
	OpTimeLimit                     Operation = "timeLimit"
	OpUnfulfillable                 Operation = "unfulfillable"
	OpRequireExternalTermination    Operation = "requireExternalTermination"
	OpExternalTermination           Operation = "externalTermination"
	OpRetryExternalTermination      Operation = "retryExternalTermination"
)

// legalFrom lists the statuses each operation is declared on. It only feeds
// guard error classification; dispatch goes through the state variants.
var legalFrom = map[Operation][]Status{
	OpValidate:                      {StatusCreated},
	OpSendToAdministrator:           {StatusValidated, StatusUnableToSend},
	OpReceivedAdministratorResponse: {StatusSentToAdministrator},
	OpAccept:                        {StatusSentToAdministrator, StatusPendingAdministratorAck},
	OpReject:                        {StatusSentToAdministrator, StatusPendingAdministratorAck},
	OpTimeOut:                       {StatusSentToAdministrator, StatusPendingAdministratorAck},
	OpFulfill:                       {StatusAccepted},
	OpTerminate:                     {StatusAccepted},
	OpRevoke:                        {StatusAccepted},
	OpTimeLimit:                     {StatusAccepted},
	OpUnfulfillable:                 {StatusAccepted},
	OpRequireExternalTermination:    {StatusAccepted},
	OpExternalTermination:           {StatusRequiresExternalTermination},
	OpRetryExternalTermination:      {StatusFailedToTerminate},
	OpInvalid:                       {StatusCreated},
}

func (op Operation) minRank() (int, bool) {
	statuses, ok := legalFrom[op]
	if !ok || len(statuses) == 0 {
		return 0, false
	}
	min := statuses[0].rank()
	for _, s := range statuses[1:] {
		if r := s.rank(); r < min {
			min = r
		}
	}
	return min, true
}

// Validation is the outcome of the caller's business validation.
// Any attribute error turns validate into a transition to MALFORMED.
type Validation struct {
	Errors      []AttributeError
	Start       time.Time
	End         time.Time
	Granularity string
}

// Snapshot is the projection of a request written to read models.
type Snapshot struct {
	PermissionID string         `json:"permission_id"`
	ConnectionID string         `json:"connection_id"`
	DataNeedID   string         `json:"data_need_id"`
	Status       Status         `json:"status"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Version      int            `json:"version"`
	SendAttempts int            `json:"send_attempts"`
	LastReason   string         `json:"last_reason,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Request is the full capability set of a permission request. Operations that
// are not legal from the current status return a FutureState or PastState error
// and leave the request untouched.
type Request interface {
	PermissionID() string
	ConnectionID() string
	DataNeedID() string
	Status() Status
	Attributes() map[string]any
	Snapshot() Snapshot
	Equal(other Request) bool

	Validate(ctx context.Context, v Validation) (Event, error)
	SendToAdministrator(ctx context.Context, sendErr error) (Event, error)
	ReceivedAdministratorResponse(ctx context.Context) (Event, error)
	Accept(ctx context.Context) (Event, error)
	Reject(ctx context.Context, reason string) (Event, error)
	Invalid(ctx context.Context, reason string) (Event, error)
	Terminate(ctx context.Context, reason string) (Event, error)
	Revoke(ctx context.Context) (Event, error)
	Fulfill(ctx context.Context) (Event, error)
	TimeOut(ctx context.Context) (Event, error)
	TimeLimit(ctx context.Context) (Event, error)
	Unfulfillable(ctx context.Context, reason string) (Event, error)
	RequireExternalTermination(ctx context.Context) (Event, error)
	ExternalTermination(ctx context.Context, terminationErr error) (Event, error)
	RetryExternalTermination(ctx context.Context) (Event, error)
}

// Committer durably records an event before the aggregate applies it.
type Committer interface {
	Commit(ctx context.Context, event Event) (Event, error)
}

// CommitterFunc adapts a function to Committer.
type CommitterFunc func(ctx context.Context, event Event) (Event, error)

func (f CommitterFunc) Commit(ctx context.Context, event Event) (Event, error) {
	return f(ctx, event)
}

// Option configures an Aggregate.
type Option func(*Aggregate)

// WithCommitter makes every transition commit its event before applying it.
func WithCommitter(c Committer) Option {
	return func(a *Aggregate) {
		a.committer = c
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregate) {
		if now != nil {
			a.now = now
		}
	}
}

// WithAttributes seeds opaque region specific attributes.
func WithAttributes(attrs map[string]any) Option {
	return func(a *Aggregate) {
		a.attributes = cloneAttributes(attrs)
	}
}

// WithStatus starts the aggregate in status instead of CREATED.
func WithStatus(status Status) Option {
	return func(a *Aggregate) {
		if status.Valid() {
			a.state = stateFor(status)
		}
	}
}

// NewID returns a new opaque permission id.
func NewID() string { return uuid.NewString() }

// Aggregate is the base permission request. It is safe for concurrent use but
// callers are expected to serialize transitions per permission id.
type Aggregate struct {
	mu           sync.RWMutex
	permissionID string
	connectionID string
	dataNeedID   string
	attributes   map[string]any
	state        state
	version      int
	sendAttempts int
	lastReason   string
	updatedAt    time.Time
	committer    Committer
	now          func() time.Time
}

// New constructs a request in CREATED. An empty permissionID gets a generated one.
func New(permissionID, connectionID, dataNeedID string, opts ...Option) *Aggregate {
	if strings.TrimSpace(permissionID) == "" {
		permissionID = NewID()
	}
	a := &Aggregate{
		permissionID: permissionID,
		connectionID: connectionID,
		dataNeedID:   dataNeedID,
		state:        createdState{},
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.updatedAt = a.now()
	return a
}

// CreatedEvent returns the event that records this request's creation.
func (a *Aggregate) CreatedEvent() Event {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ev := NewCreatedEvent(a.permissionID, a.connectionID, a.dataNeedID, a.attributes)
	ev.CreatedAt = a.now()
	return ev
}

func (a *Aggregate) PermissionID() string { return a.permissionID }
func (a *Aggregate) ConnectionID() string { return a.connectionID }
func (a *Aggregate) DataNeedID() string   { return a.dataNeedID }

func (a *Aggregate) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.status()
}

func (a *Aggregate) Attributes() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneAttributes(a.attributes)
}

func (a *Aggregate) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		PermissionID: a.permissionID,
		ConnectionID: a.connectionID,
		DataNeedID:   a.dataNeedID,
		Status:       a.state.status(),
		Attributes:   cloneAttributes(a.attributes),
		Version:      a.version,
		SendAttempts: a.sendAttempts,
		LastReason:   a.lastReason,
		UpdatedAt:    a.updatedAt,
	}
}

// Equal compares requests by permission id.
func (a *Aggregate) Equal(other Request) bool {
	if other == nil {
		return false
	}
	return a.permissionID == other.PermissionID()
}

func (a *Aggregate) Validate(ctx context.Context, v Validation) (Event, error) {
	return a.transition(ctx, OpValidate, func(s state) (Event, bool) {
		t, ok := s.(validator)
		if !ok {
			return Event{}, false
		}
		return t.validate(a, v), true
	})
}

func (a *Aggregate) SendToAdministrator(ctx context.Context, sendErr error) (Event, error) {
	return a.transition(ctx, OpSendToAdministrator, func(s state) (Event, bool) {
		t, ok := s.(sender)
		if !ok {
			return Event{}, false
		}
		return t.sendToAdministrator(a, sendErr), true
	})
}

func (a *Aggregate) ReceivedAdministratorResponse(ctx context.Context) (Event, error) {
	return a.transition(ctx, OpReceivedAdministratorResponse, func(s state) (Event, bool) {
		t, ok := s.(responseReceiver)
		if !ok {
			return Event{}, false
		}
		return t.receivedAdministratorResponse(a), true
	})
}

func (a *Aggregate) Accept(ctx context.Context) (Event, error) {
	return a.transition(ctx, OpAccept, func(s state) (Event, bool) {
		t, ok := s.(acceptor)
		if !ok {
			return Event{}, false
		}
		return t.accept(a), true
	})
}

func (a *Aggregate) Reject(ctx context.Context, reason string) (Event, error) {
	return a.transition(ctx, OpReject, func(s state) (Event, bool) {
		t, ok := s.(rejecter)
		if !ok {
			return Event{}, false
		}
		return t.reject(a, reason), true
	})
}

func (a *Aggregate) Invalid(ctx context.Context, reason string) (Event, error) {
	return a.transition(ctx, OpInvalid, func(s state) (Event, bool) {
		t, ok := s.(invalidator)
		if !ok {
			return Event{}, false
		}
		return t.invalid(a, reason), true
	})
}

func (a *Aggregate) Terminate(ctx context.Context, reason string) (Event, error) {
	return a.transition(ctx, OpTerminate, func(s state) (Event, bool) {
		t, ok := s.(terminator)
		if !ok {
			return Event{}, false
		}
		return t.terminate(a, reason), true
	})
}

func (a *Aggregate) Revoke(ctx context.Context) (Event, error) {
	return a.transition(ctx, OpRevoke, func(s state) (Event, bool) {
		t, ok := s.(revoker)
		if !ok {
			return Event{}, false
		}
		return t.revoke(a), true
	})
}

func (a *Aggregate) Fulfill(ctx context.Context) (Event, error) {
	return a.transition(ctx, OpFulfill, func(s state) (Event, bool) {
		t, ok := s.(fulfiller)
		if !ok {
			return Event{}, false
		}
		return t.fulfill(a), true
	})
}

func (a *Aggregate) TimeOut(ctx context.Context) (Event, error) {
	return a.transition(ctx, OpTimeOut, func(s state) (Event, bool) {
		t, ok := s.(timeOuter)
		if !ok {
			return Event{}, false
		}
		return t.timeOut(a), true
	})
}

func (a *Aggregate) TimeLimit(ctx context.Context) (Event, error) {
	return a.transition(ctx, OpTimeLimit, func(s state) (Event, bool) {
		t, ok := s.(timeLimiter)
		if !ok {
			return Event{}, false
		}
		return t.timeLimit(a), true
	})
}

func (a *Aggregate) Unfulfillable(ctx context.Context, reason string) (Event, error) {
	return a.transition(ctx, OpUnfulfillable, func(s state) (Event, bool) {
		t, ok := s.(unfulfiller)
		if !ok {
			return Event{}, false
		}
		return t.unfulfillable(a, reason), true
	})
}

func (a *Aggregate) RequireExternalTermination(ctx context.Context) (Event, error) {
	return a.transition(ctx, OpRequireExternalTermination, func(s state) (Event, bool) {
		t, ok := s.(externalTerminationRequirer)
		if !ok {
			return Event{}, false
		}
		return t.requireExternalTermination(a), true
	})
}

func (a *Aggregate) ExternalTermination(ctx context.Context, terminationErr error) (Event, error) {
	return a.transition(ctx, OpExternalTermination, func(s state) (Event, bool) {
		t, ok := s.(externalTerminator)
		if !ok {
			return Event{}, false
		}
		return t.externalTermination(a, terminationErr), true
	})
}

func (a *Aggregate) RetryExternalTermination(ctx context.Context) (Event, error) {
	return a.transition(ctx, OpRetryExternalTermination, func(s state) (Event, bool) {
		t, ok := s.(externalTerminationRetrier)
		if !ok {
			return Event{}, false
		}
		return t.retryExternalTermination(a), true
	})
}

// transition asks the current state variant for the next event, commits it
// when a committer is configured and only then applies it.
func (a *Aggregate) transition(ctx context.Context, op Operation, build func(state) (Event, bool)) (Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ev, ok := build(a.state)
	if !ok {
		return Event{}, guardError(a.permissionID, a.state.status(), op)
	}
	ev.CreatedAt = a.now()
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	if a.committer != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		committed, err := a.committer.Commit(ctx, ev)
		if err != nil {
			return Event{}, err
		}
		ev = committed
	}
	a.apply(ev)
	return ev, nil
}

// apply folds an event into the aggregate without guards. Callers hold a.mu.
func (a *Aggregate) apply(ev Event) {
	switch p := ev.Payload.(type) {
	case CreatedPayload:
		if p.ConnectionID != "" {
			a.connectionID = p.ConnectionID
		}
		if p.DataNeedID != "" {
			a.dataNeedID = p.DataNeedID
		}
		if len(p.Attributes) > 0 {
			a.attributes = cloneAttributes(p.Attributes)
		}
	case ValidatedPayload:
		if a.attributes == nil {
			a.attributes = map[string]any{}
		}
		if !p.Start.IsZero() {
			a.attributes["start"] = p.Start
		}
		if !p.End.IsZero() {
			a.attributes["end"] = p.End
		}
		if p.Granularity != "" {
			a.attributes["granularity"] = p.Granularity
		}
	case SendPayload:
		a.sendAttempts = p.Attempt
		a.lastReason = ""
	case UnableToSendPayload:
		a.sendAttempts = p.Attempt
		a.lastReason = p.Reason
	case ReasonPayload:
		a.lastReason = p.Reason
	}
	a.state = stateFor(ev.Status)
	a.version++
	if !ev.CreatedAt.IsZero() {
		a.updatedAt = ev.CreatedAt
	}
}

// Load rebuilds a request from its ordered event history. Guards are not
// evaluated because the history is authoritative.
func Load(events []Event, opts ...Option) (*Aggregate, error) {
	if len(events) == 0 {
		return nil, NotFoundError("")
	}
	id := events[0].PermissionID
	a := New(id, "", "", opts...)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ev := range events {
		if ev.PermissionID != id {
			return nil, CloneError(ErrInvalidEvent, "event history mixes permission ids", nil, map[string]any{
				"permission_id": id,
				"other_id":      ev.PermissionID,
			})
		}
		a.apply(ev)
	}
	return a, nil
}

// Create commits the CREATED event for a new request and returns the
// aggregate bound to committer.
func Create(ctx context.Context, committer Committer, permissionID, connectionID, dataNeedID string, opts ...Option) (*Aggregate, Event, error) {
	opts = append(opts, WithCommitter(committer))
	a := New(permissionID, connectionID, dataNeedID, opts...)
	ev := a.CreatedEvent()
	if err := ev.Validate(); err != nil {
		return nil, Event{}, err
	}
	if committer != nil {
		committed, err := committer.Commit(ctx, ev)
		if err != nil {
			return nil, Event{}, err
		}
		ev = committed
	}
	a.mu.Lock()
	a.apply(ev)
	a.mu.Unlock()
	return a, ev, nil
}

// Allows reports whether op is legal from status.
func (s Status) Allows(op Operation) bool {
	return stateAllows(stateFor(s), op)
}

// CheckOperation returns the guard error op would produce on r, or nil when
// op is legal from r's current status.
func CheckOperation(r Request, op Operation) error {
	status := r.Status()
	if status.Allows(op) {
		return nil
	}
	return guardError(r.PermissionID(), status, op)
}
