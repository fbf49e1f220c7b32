package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var allOperations = []Operation{
	OpValidate,
	OpSendToAdministrator,
	OpReceivedAdministratorResponse,
	OpAccept,
	OpReject,
	OpInvalid,
	OpTerminate,
	OpRevoke,
	OpFulfill,
	OpTimeOut,
	OpTimeLimit,
	OpUnfulfillable,
	OpRequireExternalTermination,
	OpExternalTermination,
	OpRetryExternalTermination,
}

func runOp(ctx context.Context, r Request, op Operation) (Event, error) {
	switch op {
	case OpValidate:
		return r.Validate(ctx, Validation{})
	case OpSendToAdministrator:
		return r.SendToAdministrator(ctx, nil)
	case OpReceivedAdministratorResponse:
		return r.ReceivedAdministratorResponse(ctx)
	case OpAccept:
		return r.Accept(ctx)
	case OpReject:
		return r.Reject(ctx, "no")
	case OpInvalid:
		return r.Invalid(ctx, "bad")
	case OpTerminate:
		return r.Terminate(ctx, "stop")
	case OpRevoke:
		return r.Revoke(ctx)
	case OpFulfill:
		return r.Fulfill(ctx)
	case OpTimeOut:
		return r.TimeOut(ctx)
	case OpTimeLimit:
		return r.TimeLimit(ctx)
	case OpUnfulfillable:
		return r.Unfulfillable(ctx, "gone")
	case OpRequireExternalTermination:
		return r.RequireExternalTermination(ctx)
	case OpExternalTermination:
		return r.ExternalTermination(ctx, nil)
	case OpRetryExternalTermination:
		return r.RetryExternalTermination(ctx)
	}
	panic("unknown operation " + string(op))
}

type recordingCommitter struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *recordingCommitter) Commit(_ context.Context, ev Event) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return Event{}, c.err
	}
	ev.ID = int64(len(c.events) + 1)
	c.events = append(c.events, ev)
	return ev, nil
}

func TestGuardTotality(t *testing.T) {
	ctx := context.Background()
	for _, status := range Statuses() {
		for _, op := range allOperations {
			committer := &recordingCommitter{}
			req := New("perm-1", "conn", "dn", WithStatus(status), WithCommitter(committer))

			ev, err := runOp(ctx, req, op)
			if status.Allows(op) {
				if err != nil {
					t.Fatalf("%s from %s: expected success, got %v", op, status, err)
				}
				if ev.PermissionID != "perm-1" || !ev.Status.Valid() {
					t.Fatalf("%s from %s: unexpected event %+v", op, status, ev)
				}
				if len(committer.events) != 1 {
					t.Fatalf("%s from %s: expected one committed event, got %d", op, status, len(committer.events))
				}
				if req.Status() != ev.Status {
					t.Fatalf("%s from %s: aggregate at %s, event asserts %s", op, status, req.Status(), ev.Status)
				}
				continue
			}

			if !IsGuardError(err) {
				t.Fatalf("%s from %s: expected guard error, got %v", op, status, err)
			}
			if len(committer.events) != 0 {
				t.Fatalf("%s from %s: rejected operation committed an event", op, status)
			}
			if req.Status() != status {
				t.Fatalf("%s from %s: rejected operation changed status to %s", op, status, req.Status())
			}
			if status.Terminal() && !IsPastState(err) {
				t.Fatalf("%s from terminal %s: expected past state error, got %v", op, status, err)
			}
			if CheckOperation(req, op) == nil {
				t.Fatalf("%s from %s: CheckOperation disagrees with guard", op, status)
			}
		}
	}
}

func TestTerminalStatusesAllowNothing(t *testing.T) {
	for _, status := range Statuses() {
		if !status.Terminal() {
			if !status.Allows(OpInvalid) {
				t.Fatalf("non terminal %s should allow invalid", status)
			}
			continue
		}
		for _, op := range allOperations {
			if status.Allows(op) {
				t.Fatalf("terminal %s allows %s", status, op)
			}
		}
	}
}

func TestGuardErrorClassification(t *testing.T) {
	ctx := context.Background()

	created := New("p", "c", "d")
	_, err := created.Accept(ctx)
	if !IsFutureState(err) {
		t.Fatalf("accept from CREATED should be future state, got %v", err)
	}

	sent := New("p", "c", "d", WithStatus(StatusSentToAdministrator))
	_, err = sent.Validate(ctx, Validation{})
	if !IsPastState(err) {
		t.Fatalf("validate from SENT_TO_ADMINISTRATOR should be past state, got %v", err)
	}

	accepted := New("p", "c", "d", WithStatus(StatusAccepted))
	_, err = accepted.ExternalTermination(ctx, nil)
	if !IsFutureState(err) {
		t.Fatalf("externalTermination from ACCEPTED should be future state, got %v", err)
	}

	rejected := New("p", "c", "d", WithStatus(StatusRejected))
	_, err = rejected.Fulfill(ctx)
	if !IsPastState(err) {
		t.Fatalf("fulfill from terminal REJECTED should be past state, got %v", err)
	}
	if ErrorCode(err) != ErrCodePastState {
		t.Fatalf("expected text code %s, got %q", ErrCodePastState, ErrorCode(err))
	}
}

func TestMalformedScenario(t *testing.T) {
	ctx := context.Background()
	committer := &recordingCommitter{}
	req := New("perm-p1", "conn", "", WithCommitter(committer))

	ev, err := req.Validate(ctx, Validation{Errors: []AttributeError{{Field: "dataNeedId", Message: "unknown data need"}}})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ev.Status != StatusMalformed || ev.Type != EventMalformed {
		t.Fatalf("expected MALFORMED event, got %s/%s", ev.Status, ev.Type)
	}
	payload, ok := ev.Payload.(MalformedPayload)
	if !ok || len(payload.Errors) != 1 || payload.Errors[0].Field != "dataNeedId" {
		t.Fatalf("expected dataNeedId attribute error, got %#v", ev.Payload)
	}
	if len(committer.events) != 1 {
		t.Fatalf("expected exactly one appended event, got %d", len(committer.events))
	}

	_, err = req.Accept(ctx)
	if !IsPastState(err) {
		t.Fatalf("accept after MALFORMED should be past state, got %v", err)
	}
	if len(committer.events) != 1 {
		t.Fatalf("rejected accept must not append")
	}
}

func TestSendAttemptsAndReasons(t *testing.T) {
	ctx := context.Background()
	req := New("perm-send", "c", "d", WithStatus(StatusValidated))

	ev, err := req.SendToAdministrator(ctx, errors.New("connection refused"))
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	if ev.Status != StatusUnableToSend {
		t.Fatalf("expected UNABLE_TO_SEND, got %s", ev.Status)
	}
	snap := req.Snapshot()
	if snap.SendAttempts != 1 || snap.LastReason != "connection refused" {
		t.Fatalf("unexpected snapshot after failed send: %+v", snap)
	}

	ev, err = req.SendToAdministrator(ctx, nil)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if p, ok := ev.Payload.(SendPayload); !ok || p.Attempt != 2 {
		t.Fatalf("expected attempt 2 payload, got %#v", ev.Payload)
	}
	if req.Status() != StatusSentToAdministrator {
		t.Fatalf("expected SENT_TO_ADMINISTRATOR, got %s", req.Status())
	}
	if req.Snapshot().LastReason != "" {
		t.Fatalf("successful send should clear the last reason")
	}
}

func TestExternalTerminationLoop(t *testing.T) {
	ctx := context.Background()
	req := New("perm-ext", "c", "d", WithStatus(StatusAccepted))

	steps := []struct {
		run  func() (Event, error)
		want Status
	}{
		{func() (Event, error) { return req.RequireExternalTermination(ctx) }, StatusRequiresExternalTermination},
		{func() (Event, error) { return req.ExternalTermination(ctx, errors.New("timeout")) }, StatusFailedToTerminate},
		{func() (Event, error) { return req.RetryExternalTermination(ctx) }, StatusRequiresExternalTermination},
		{func() (Event, error) { return req.ExternalTermination(ctx, nil) }, StatusExternallyTerminated},
	}
	for i, step := range steps {
		ev, err := step.run()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ev.Status != step.want {
			t.Fatalf("step %d: expected %s, got %s", i, step.want, ev.Status)
		}
	}
	if !req.Status().Terminal() {
		t.Fatalf("EXTERNALLY_TERMINATED should be terminal")
	}
}

func TestCommitFailureLeavesRequestUnchanged(t *testing.T) {
	ctx := context.Background()
	boom := StoreError("append", errors.New("disk full"))
	committer := &recordingCommitter{err: boom}
	req := New("perm-fail", "c", "d", WithCommitter(committer))

	_, err := req.Validate(ctx, Validation{})
	if !IsStoreError(err) {
		t.Fatalf("expected store error, got %v", err)
	}
	if req.Status() != StatusCreated {
		t.Fatalf("failed commit must not transition, got %s", req.Status())
	}
	if req.Snapshot().Version != 0 {
		t.Fatalf("failed commit must not bump version")
	}

	committer.err = nil
	if _, err := req.Validate(ctx, Validation{}); err != nil {
		t.Fatalf("retry after commit failure: %v", err)
	}
	if req.Status() != StatusValidated {
		t.Fatalf("expected VALIDATED after retry, got %s", req.Status())
	}
}

func TestInvalidValidationPeriodRejected(t *testing.T) {
	req := New("perm-period", "c", "d")
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := req.Validate(context.Background(), Validation{Start: start, End: start.Add(-time.Hour)})
	if ErrorCode(err) != ErrCodeInvalidEvent {
		t.Fatalf("expected invalid event error, got %v", err)
	}
	if req.Status() != StatusCreated {
		t.Fatalf("invalid event must not transition")
	}
}

func TestLoadFoldsHistory(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	committer := &recordingCommitter{}
	live, created, err := Create(ctx, committer, "perm-load", "conn-1", "dn-1",
		WithAttributes(map[string]any{"region": "AT"}),
		WithClock(func() time.Time { return clock }),
	)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != 1 || live.Snapshot().Version != 1 {
		t.Fatalf("expected created event committed as version 1, got id=%d version=%d", created.ID, live.Snapshot().Version)
	}
	if _, err := live.Validate(ctx, Validation{Granularity: "PT15M"}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := live.SendToAdministrator(ctx, errors.New("offline")); err != nil {
		t.Fatalf("send: %v", err)
	}

	loaded, err := Load(committer.events)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got, want := loaded.Snapshot(), live.Snapshot()
	if got.Status != want.Status || got.Version != want.Version || got.SendAttempts != want.SendAttempts {
		t.Fatalf("folded snapshot %+v differs from live %+v", got, want)
	}
	if got.ConnectionID != "conn-1" || got.DataNeedID != "dn-1" {
		t.Fatalf("created payload not folded: %+v", got)
	}
	if got.Attributes["region"] != "AT" || got.Attributes["granularity"] != "PT15M" {
		t.Fatalf("attributes not folded: %+v", got.Attributes)
	}
	if !loaded.Equal(live) {
		t.Fatalf("requests with the same id should be equal")
	}
}

func TestLoadRejectsEmptyAndMixedHistory(t *testing.T) {
	if _, err := Load(nil); !IsNotFound(err) {
		t.Fatalf("expected not found for empty history, got %v", err)
	}
	a := NewCreatedEvent("a", "c", "d", nil)
	b := NewEvent("b", StatusValidated, nil)
	if _, err := Load([]Event{a, b}); ErrorCode(err) != ErrCodeInvalidEvent {
		t.Fatalf("expected invalid event for mixed ids, got %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	got, err := ParseStatus(" unable_to_send ")
	if err != nil || got != StatusUnableToSend {
		t.Fatalf("parse status: %v %v", got, err)
	}
	if _, err := ParseStatus("PAUSED"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}
