package permission

import "strings"

// state is one lifecycle variant. Each variant implements only the capability
// interfaces that are legal from its status.
type state interface {
	status() Status
}

type validator interface {
	validate(a *Aggregate, v Validation) Event
}

type sender interface {
	sendToAdministrator(a *Aggregate, sendErr error) Event
}

type responseReceiver interface {
	receivedAdministratorResponse(a *Aggregate) Event
}

type acceptor interface {
	accept(a *Aggregate) Event
}

type rejecter interface {
	reject(a *Aggregate, reason string) Event
}

type invalidator interface {
	invalid(a *Aggregate, reason string) Event
}

type terminator interface {
	terminate(a *Aggregate, reason string) Event
}

type revoker interface {
	revoke(a *Aggregate) Event
}

type fulfiller interface {
	fulfill(a *Aggregate) Event
}

type timeOuter interface {
	timeOut(a *Aggregate) Event
}

type timeLimiter interface {
	timeLimit(a *Aggregate) Event
}

type unfulfiller interface {
	unfulfillable(a *Aggregate, reason string) Event
}

type externalTerminationRequirer interface {
	requireExternalTermination(a *Aggregate) Event
}

type externalTerminator interface {
	externalTermination(a *Aggregate, terminationErr error) Event
}

type externalTerminationRetrier interface {
	retryExternalTermination(a *Aggregate) Event
}

// invalidable is embedded by every non-terminal variant.
type invalidable struct{}

func (invalidable) invalid(a *Aggregate, reason string) Event {
	return NewEvent(a.permissionID, StatusInvalid, ReasonPayload{Type: EventInvalid, Reason: reason})
}

type createdState struct{ invalidable }

func (createdState) status() Status { return StatusCreated }

func (createdState) validate(a *Aggregate, v Validation) Event {
	if len(v.Errors) > 0 {
		return NewMalformedEvent(a.permissionID, v.Errors...)
	}
	return NewEvent(a.permissionID, StatusValidated, ValidatedPayload{
		Start:       v.Start,
		End:         v.End,
		Granularity: v.Granularity,
	})
}

// sendable covers VALIDATED and UNABLE_TO_SEND, both of which may (re)try the send.
type sendable struct{ invalidable }

func (sendable) sendToAdministrator(a *Aggregate, sendErr error) Event {
	attempt := a.sendAttempts + 1
	if sendErr != nil {
		reason := strings.TrimSpace(sendErr.Error())
		if reason == "" {
			reason = "send failed"
		}
		return NewEvent(a.permissionID, StatusUnableToSend, UnableToSendPayload{Reason: reason, Attempt: attempt})
	}
	return NewEvent(a.permissionID, StatusSentToAdministrator, SendPayload{Attempt: attempt})
}

type validatedState struct{ sendable }

func (validatedState) status() Status { return StatusValidated }

type unableToSendState struct{ sendable }

func (unableToSendState) status() Status { return StatusUnableToSend }

// answerable covers states where the administrator may still decide.
type answerable struct{ invalidable }

func (answerable) accept(a *Aggregate) Event {
	return NewEvent(a.permissionID, StatusAccepted, nil)
}

func (answerable) reject(a *Aggregate, reason string) Event {
	return NewEvent(a.permissionID, StatusRejected, ReasonPayload{Type: EventRejected, Reason: reason})
}

func (answerable) timeOut(a *Aggregate) Event {
	return NewEvent(a.permissionID, StatusTimedOut, nil)
}

type sentToAdministratorState struct{ answerable }

func (sentToAdministratorState) status() Status { return StatusSentToAdministrator }

func (sentToAdministratorState) receivedAdministratorResponse(a *Aggregate) Event {
	return NewEvent(a.permissionID, StatusPendingAdministratorAck, nil)
}

type pendingAdministratorAckState struct{ answerable }

func (pendingAdministratorAckState) status() Status { return StatusPendingAdministratorAck }

type acceptedState struct{ invalidable }

func (acceptedState) status() Status { return StatusAccepted }

func (acceptedState) fulfill(a *Aggregate) Event {
	return NewEvent(a.permissionID, StatusFulfilled, nil)
}

func (acceptedState) terminate(a *Aggregate, reason string) Event {
	return NewEvent(a.permissionID, StatusTerminated, ReasonPayload{Type: EventTerminated, Reason: reason})
}

func (acceptedState) revoke(a *Aggregate) Event {
	return NewEvent(a.permissionID, StatusRevoked, nil)
}

func (acceptedState) timeLimit(a *Aggregate) Event {
	return NewEvent(a.permissionID, StatusTimeLimit, nil)
}

func (acceptedState) unfulfillable(a *Aggregate, reason string) Event {
	return NewEvent(a.permissionID, StatusUnfulfillable, ReasonPayload{Type: EventUnfulfillable, Reason: reason})
}

func (acceptedState) requireExternalTermination(a *Aggregate) Event {
	return NewEvent(a.permissionID, StatusRequiresExternalTermination, nil)
}

type requiresExternalTerminationState struct{ invalidable }

func (requiresExternalTerminationState) status() Status { return StatusRequiresExternalTermination }

func (requiresExternalTerminationState) externalTermination(a *Aggregate, terminationErr error) Event {
	if terminationErr != nil {
		return NewEvent(a.permissionID, StatusFailedToTerminate, ReasonPayload{
			Type:   EventFailedToTerminate,
			Reason: terminationErr.Error(),
		})
	}
	return NewEvent(a.permissionID, StatusExternallyTerminated, nil)
}

type failedToTerminateState struct{ invalidable }

func (failedToTerminateState) status() Status { return StatusFailedToTerminate }

func (failedToTerminateState) retryExternalTermination(a *Aggregate) Event {
	return NewEvent(a.permissionID, StatusRequiresExternalTermination, nil)
}

// passiveState backs non-terminal statuses that are tracked but driven by
// region specific flows. Only invalid is legal from them.
type passiveState struct {
	invalidable
	s Status
}

func (p passiveState) status() Status { return p.s }

// terminalState implements no capability.
type terminalState struct {
	s Status
}

func (t terminalState) status() Status { return t.s }

func stateFor(s Status) state {
	switch s {
	case StatusCreated:
		return createdState{}
	case StatusValidated:
		return validatedState{}
	case StatusUnableToSend:
		return unableToSendState{}
	case StatusSentToAdministrator:
		return sentToAdministratorState{}
	case StatusPendingAdministratorAck:
		return pendingAdministratorAckState{}
	case StatusAccepted:
		return acceptedState{}
	case StatusRequiresExternalTermination:
		return requiresExternalTerminationState{}
	case StatusFailedToTerminate:
		return failedToTerminateState{}
	}
	if s.Terminal() {
		return terminalState{s: s}
	}
	return passiveState{s: s}
}

func stateAllows(s state, op Operation) bool {
	var ok bool
	switch op {
	case OpValidate:
		_, ok = s.(validator)
	case OpSendToAdministrator:
		_, ok = s.(sender)
	case OpReceivedAdministratorResponse:
		_, ok = s.(responseReceiver)
	case OpAccept:
		_, ok = s.(acceptor)
	case OpReject:
		_, ok = s.(rejecter)
	case OpInvalid:
		_, ok = s.(invalidator)
	case OpTerminate:
		_, ok = s.(terminator)
	case OpRevoke:
		_, ok = s.(revoker)
	case OpFulfill:
		_, ok = s.(fulfiller)
	case OpTimeOut:
		_, ok = s.(timeOuter)
	case OpTimeLimit:
		_, ok = s.(timeLimiter)
	case OpUnfulfillable:
		_, ok = s.(unfulfiller)
	case OpRequireExternalTermination:
		_, ok = s.(externalTerminationRequirer)
	case OpExternalTermination:
		_, ok = s.(externalTerminator)
	case OpRetryExternalTermination:
		_, ok = s.(externalTerminationRetrier)
	}
	return ok
}
