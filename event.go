package permission

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
)

// EventType discriminates persisted event payloads.
type EventType string

const (
	EventCreated                     EventType = "permission.created"
	EventValidated                   EventType = "permission.validated"
	EventMalformed                   EventType = "permission.malformed"
	EventSentToAdministrator         EventType = "permission.sent_to_administrator"
	EventUnableToSend                EventType = "permission.unable_to_send"
	EventPendingAdministratorAck     EventType = "permission.pending_administrator_ack"
	EventAccepted                    EventType = "permission.accepted"
	EventRejected                    EventType = "permission.rejected"
	EventInvalid                     EventType = "permission.invalid"
	EventTerminated                  EventType = "permission.terminated"
	EventRevoked                     EventType = "permission.revoked"
	EventFulfilled                   EventType = "permission.fulfilled"
	EventTimedOut                    EventType = "permission.timed_out"
	EventTimeLimit                   EventType = "permission.time_limit"
	EventUnfulfillable               EventType = "permission.unfulfillable"
	EventRequiresExternalTermination EventType = "permission.requires_external_termination"
	EventExternallyTerminated        EventType = "permission.externally_terminated"
	EventFailedToTerminate           EventType = "permission.failed_to_terminate"

	// EventRetryRequested is published on the bus only. It never reaches the event store.
	EventRetryRequested EventType = "permission.retry_requested"
)

// EventTypeFor returns the default event type asserting status.
func EventTypeFor(status Status) EventType {
	return EventType("permission." + strings.ToLower(string(status)))
}

// Payload is the type specific body of an event.
type Payload interface {
	PayloadType() EventType
}

// AttributeError describes one failed business validation on a request attribute.
type AttributeError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type CreatedPayload struct {
	ConnectionID string         `json:"connection_id"`
	DataNeedID   string         `json:"data_need_id"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

func (CreatedPayload) PayloadType() EventType { return EventCreated }

// ValidatedPayload carries the timeframe and granularity accepted during validation.
type ValidatedPayload struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Granularity string    `json:"granularity,omitempty"`
}

func (ValidatedPayload) PayloadType() EventType { return EventValidated }

type MalformedPayload struct {
	Errors []AttributeError `json:"errors"`
}

func (MalformedPayload) PayloadType() EventType { return EventMalformed }

// SendPayload records which send attempt reached the administrator.
type SendPayload struct {
	Attempt int `json:"attempt"`
}

func (SendPayload) PayloadType() EventType { return EventSentToAdministrator }

type UnableToSendPayload struct {
	Reason  string `json:"reason"`
	Attempt int    `json:"attempt"`
}

func (UnableToSendPayload) PayloadType() EventType { return EventUnableToSend }

// ReasonPayload is shared by transitions that only carry free text.
type ReasonPayload struct {
	Type   EventType `json:"-"`
	Reason string    `json:"reason,omitempty"`
}

func (p ReasonPayload) PayloadType() EventType { return p.Type }

type RetryPayload struct {
	Attempt    int    `json:"attempt"`
	LastReason string `json:"last_reason,omitempty"`
}

func (RetryPayload) PayloadType() EventType { return EventRetryRequested }

// Event records that a permission request moved to Status at CreatedAt.
// ID is assigned by the event store on append.
type Event struct {
	ID           int64
	PermissionID string
	Status       Status
	Type         EventType
	CreatedAt    time.Time
	Payload      Payload
}

// NewEvent builds an event for status using the default event type.
func NewEvent(permissionID string, status Status, payload Payload) Event {
	typ := EventTypeFor(status)
	if payload != nil && status != StatusCreated {
		typ = payload.PayloadType()
	}
	return Event{
		PermissionID: permissionID,
		Status:       status,
		Type:         typ,
		CreatedAt:    time.Now().UTC(),
		Payload:      payload,
	}
}

// NewCreatedEvent records the creation of a request.
func NewCreatedEvent(permissionID, connectionID, dataNeedID string, attrs map[string]any) Event {
	return NewEvent(permissionID, StatusCreated, CreatedPayload{
		ConnectionID: connectionID,
		DataNeedID:   dataNeedID,
		Attributes:   cloneAttributes(attrs),
	})
}

// NewMalformedEvent records failed validation. At least one attribute error is required.
func NewMalformedEvent(permissionID string, errs ...AttributeError) Event {
	return NewEvent(permissionID, StatusMalformed, MalformedPayload{Errors: append([]AttributeError(nil), errs...)})
}

// NewRetryEvent builds the bus only trigger asking for another send attempt.
func NewRetryEvent(permissionID string, attempt int, lastReason string) Event {
	return Event{
		PermissionID: permissionID,
		Status:       StatusUnableToSend,
		Type:         EventRetryRequested,
		CreatedAt:    time.Now().UTC(),
		Payload:      RetryPayload{Attempt: attempt, LastReason: lastReason},
	}
}

// RawPayload keeps the stored body of an event type without a registered
// decoder, so region specific payloads survive a read and re-encode.
type RawPayload struct {
	Type EventType
	Data json.RawMessage
}

func (p RawPayload) PayloadType() EventType { return p.Type }

func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte("null"), nil
	}
	return p.Data, nil
}

// Clone returns a copy of e whose payload shares no slices or maps with e.
func (e Event) Clone() Event {
	switch p := e.Payload.(type) {
	case CreatedPayload:
		p.Attributes = cloneAttributes(p.Attributes)
		e.Payload = p
	case MalformedPayload:
		p.Errors = append([]AttributeError(nil), p.Errors...)
		e.Payload = p
	case RawPayload:
		p.Data = append(json.RawMessage(nil), p.Data...)
		e.Payload = p
	}
	return e
}

// Persistent reports whether the event belongs in the event store.
func (e Event) Persistent() bool {
	return e.Type != EventRetryRequested
}

// Validate checks the event shape and payload invariants.
func (e Event) Validate() error {
	var fields []apperrors.FieldError
	if strings.TrimSpace(e.PermissionID) == "" {
		fields = append(fields, apperrors.FieldError{Field: "permission_id", Message: "required"})
	}
	if !e.Status.Valid() {
		fields = append(fields, apperrors.FieldError{Field: "status", Message: "unknown status", Value: e.Status})
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		fields = append(fields, apperrors.FieldError{Field: "event_type", Message: "required"})
	}
	if e.CreatedAt.IsZero() {
		fields = append(fields, apperrors.FieldError{Field: "created_at", Message: "required"})
	}
	switch p := e.Payload.(type) {
	case MalformedPayload:
		if len(p.Errors) == 0 {
			fields = append(fields, apperrors.FieldError{Field: "errors", Message: "malformed event needs at least one attribute error"})
		}
		for i, attrErr := range p.Errors {
			if strings.TrimSpace(attrErr.Field) == "" {
				fields = append(fields, apperrors.FieldError{Field: "errors", Message: "attribute error without field", Value: i})
			}
		}
	case ValidatedPayload:
		if !p.Start.IsZero() && !p.End.IsZero() && p.End.Before(p.Start) {
			fields = append(fields, apperrors.FieldError{Field: "end", Message: "end before start"})
		}
	}
	if e.Status == StatusMalformed && e.Payload == nil {
		fields = append(fields, apperrors.FieldError{Field: "errors", Message: "malformed event needs at least one attribute error"})
	}
	if len(fields) == 0 {
		return nil
	}
	err := apperrors.NewValidation("invalid permission event", fields...).
		WithTextCode(ErrCodeInvalidEvent).
		WithMetadata(map[string]any{
			"permission_id": e.PermissionID,
			"event_type":    string(e.Type),
		})
	return err
}

func cloneAttributes(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
