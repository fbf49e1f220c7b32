package permission

import (
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// Status is the lifecycle state asserted by a permission event.
type Status string

const (
	StatusCreated                     Status = "CREATED"
	StatusValidated                   Status = "VALIDATED"
	StatusMalformed                   Status = "MALFORMED"
	StatusPendingAdministratorAck     Status = "PENDING_ADMINISTRATOR_ACK"
	StatusSentToAdministrator         Status = "SENT_TO_ADMINISTRATOR"
	StatusUnableToSend                Status = "UNABLE_TO_SEND"
	StatusAccepted                    Status = "ACCEPTED"
	StatusInvalid                     Status = "INVALID"
	StatusRejected                    Status = "REJECTED"
	StatusWaitingForStart             Status = "WAITING_FOR_START"
	StatusStreamingData               Status = "STREAMING_DATA"
	StatusFulfilled                   Status = "FULFILLED"
	StatusUnfulfillable               Status = "UNFULFILLABLE"
	StatusRevocationReceived          Status = "REVOCATION_RECEIVED"
	StatusRevoked                     Status = "REVOKED"
	StatusTerminationReceived         Status = "TERMINATION_RECEIVED"
	StatusTerminated                  Status = "TERMINATED"
	StatusRequiresExternalTermination Status = "REQUIRES_EXTERNAL_TERMINATION"
	StatusExternallyTerminated        Status = "EXTERNALLY_TERMINATED"
	StatusFailedToTerminate           Status = "FAILED_TO_TERMINATE"
	StatusTimeLimit                   Status = "TIME_LIMIT"
	StatusTimedOut                    Status = "TIMED_OUT"
)

// statusRank orders statuses along the lifecycle. Guard errors compare the
// current rank with the earliest rank an operation accepts to decide whether
// the caller is ahead of or behind the request.
var statusRank = map[Status]int{
	StatusCreated:                     0,
	StatusValidated:                   10,
	StatusMalformed:                   10,
	StatusUnableToSend:                20,
	StatusSentToAdministrator:         30,
	StatusPendingAdministratorAck:     40,
	StatusAccepted:                    50,
	StatusRejected:                    50,
	StatusTimedOut:                    50,
	StatusWaitingForStart:             60,
	StatusStreamingData:               70,
	StatusRevocationReceived:          80,
	StatusTerminationReceived:         80,
	StatusFulfilled:                   90,
	StatusUnfulfillable:               90,
	StatusRevoked:                     90,
	StatusTerminated:                  90,
	StatusTimeLimit:                   90,
	StatusRequiresExternalTermination: 100,
	StatusFailedToTerminate:           110,
	StatusExternallyTerminated:        120,
	StatusInvalid:                     130,
}

var terminalStatuses = map[Status]struct{}{
	StatusRejected:             {},
	StatusTerminated:           {},
	StatusRevoked:              {},
	StatusTimeLimit:            {},
	StatusInvalid:              {},
	StatusMalformed:            {},
	StatusFulfilled:            {},
	StatusExternallyTerminated: {},
	StatusUnfulfillable:        {},
	StatusTimedOut:             {},
}

// Statuses returns every known status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusCreated,
		StatusValidated,
		StatusMalformed,
		StatusUnableToSend,
		StatusSentToAdministrator,
		StatusPendingAdministratorAck,
		StatusAccepted,
		StatusRejected,
		StatusTimedOut,
		StatusWaitingForStart,
		StatusStreamingData,
		StatusRevocationReceived,
		StatusTerminationReceived,
		StatusFulfilled,
		StatusUnfulfillable,
		StatusRevoked,
		StatusTerminated,
		StatusTimeLimit,
		StatusRequiresExternalTermination,
		StatusFailedToTerminate,
		StatusExternallyTerminated,
		StatusInvalid,
	}
}

func (s Status) String() string { return string(s) }

// Valid reports whether s is part of the closed status set.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no operation is legal from s.
func (s Status) Terminal() bool {
	_, ok := terminalStatuses[s]
	return ok
}

func (s Status) rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// ParseStatus normalizes and validates a status name.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", apperrors.New("unknown permission status", apperrors.CategoryValidation).
			WithTextCode(ErrCodeInvalidEvent).
			WithMetadata(map[string]any{"status": raw})
	}
	return s, nil
}
