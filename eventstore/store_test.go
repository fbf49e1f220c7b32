package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	permission "github.com/goliatone/go-permission"
)

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store { return NewSQLiteStore(openSQLite(t), "") },
	}
}

func at(min int) time.Time {
	return time.Date(2026, 5, 1, 12, min, 0, 0, time.UTC)
}

func event(id string, status permission.Status, payload permission.Payload, created time.Time) permission.Event {
	ev := permission.NewEvent(id, status, payload)
	ev.CreatedAt = created
	return ev
}

func TestStoreAppendAndQuery(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			created := permission.NewCreatedEvent("p1", "conn", "dn", map[string]any{"region": "AT"})
			created.CreatedAt = at(0)
			inputs := []permission.Event{
				created,
				event("p2", permission.StatusCreated, nil, at(1)),
				event("p1", permission.StatusValidated, permission.ValidatedPayload{Start: at(0), End: at(30), Granularity: "PT15M"}, at(2)),
				event("p1", permission.StatusUnableToSend, permission.UnableToSendPayload{Reason: "offline", Attempt: 1}, at(3)),
				event("p2", permission.StatusMalformed, permission.MalformedPayload{Errors: []permission.AttributeError{{Field: "dataNeedId", Message: "unknown"}}}, at(4)),
				event("p1", permission.StatusRejected, permission.ReasonPayload{Type: permission.EventRejected, Reason: "no"}, at(5)),
			}
			var lastID int64
			for _, in := range inputs {
				stored, err := store.Append(ctx, in)
				if err != nil {
					t.Fatalf("append %s: %v", in.Type, err)
				}
				if stored.ID <= lastID {
					t.Fatalf("ids must increase: %d after %d", stored.ID, lastID)
				}
				lastID = stored.ID
			}

			history, err := store.FindByPermissionID(ctx, "p1")
			if err != nil {
				t.Fatalf("find by permission id: %v", err)
			}
			if len(history) != 4 {
				t.Fatalf("expected 4 events for p1, got %d", len(history))
			}
			wantStatuses := []permission.Status{
				permission.StatusCreated,
				permission.StatusValidated,
				permission.StatusUnableToSend,
				permission.StatusRejected,
			}
			for i, ev := range history {
				if ev.Status != wantStatuses[i] {
					t.Fatalf("event %d: expected %s, got %s", i, wantStatuses[i], ev.Status)
				}
			}
			if p, ok := history[0].Payload.(permission.CreatedPayload); !ok || p.Attributes["region"] != "AT" {
				t.Fatalf("created payload not restored: %#v", history[0].Payload)
			}
			if p, ok := history[1].Payload.(permission.ValidatedPayload); !ok || !p.End.Equal(at(30)) || p.Granularity != "PT15M" {
				t.Fatalf("validated payload not restored: %#v", history[1].Payload)
			}
			if p, ok := history[2].Payload.(permission.UnableToSendPayload); !ok || p.Attempt != 1 || p.Reason != "offline" {
				t.Fatalf("unable to send payload not restored: %#v", history[2].Payload)
			}
			if p, ok := history[3].Payload.(permission.ReasonPayload); !ok || p.Reason != "no" || p.Type != permission.EventRejected {
				t.Fatalf("reason payload not restored: %#v", history[3].Payload)
			}
			if !history[3].CreatedAt.Equal(at(5)) {
				t.Fatalf("created at not preserved: %v", history[3].CreatedAt)
			}

			malformed, err := store.FindByStatus(ctx, permission.StatusMalformed)
			if err != nil {
				t.Fatalf("find by status: %v", err)
			}
			if len(malformed) != 1 || malformed[0].PermissionID != "p2" {
				t.Fatalf("expected p2 malformed event, got %+v", malformed)
			}

			page, err := store.Since(ctx, 2, 2)
			if err != nil {
				t.Fatalf("since: %v", err)
			}
			if len(page) != 2 || page[0].ID != 3 || page[1].ID != 4 {
				t.Fatalf("unexpected page %+v", page)
			}
			rest, err := store.Since(ctx, 4, 0)
			if err != nil {
				t.Fatalf("since rest: %v", err)
			}
			if len(rest) != 2 {
				t.Fatalf("expected 2 remaining events, got %d", len(rest))
			}

			none, err := store.FindByPermissionID(ctx, "missing")
			if err != nil || len(none) != 0 {
				t.Fatalf("expected empty history for unknown id, got %v %v", none, err)
			}
		})
	}
}

func TestStoreClampsCreatedAtPerPermission(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			if _, err := store.Append(ctx, event("p1", permission.StatusCreated, nil, at(10))); err != nil {
				t.Fatalf("append: %v", err)
			}
			skewed, err := store.Append(ctx, event("p1", permission.StatusValidated, nil, at(5)))
			if err != nil {
				t.Fatalf("append skewed: %v", err)
			}
			if !skewed.CreatedAt.Equal(at(10)) {
				t.Fatalf("expected clamp to %v, got %v", at(10), skewed.CreatedAt)
			}
			other, err := store.Append(ctx, event("p2", permission.StatusCreated, nil, at(1)))
			if err != nil {
				t.Fatalf("append other: %v", err)
			}
			if !other.CreatedAt.Equal(at(1)) {
				t.Fatalf("clamp must be per permission id, got %v", other.CreatedAt)
			}
		})
	}
}

func TestStoreRejectsInvalidEvents(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			_, err := store.Append(context.Background(), permission.Event{Status: permission.StatusCreated})
			if permission.ErrorCode(err) != permission.ErrCodeInvalidEvent {
				t.Fatalf("expected invalid event error, got %v", err)
			}
		})
	}
}

func TestInMemoryStoreFailAppends(t *testing.T) {
	store := NewInMemoryStore()
	store.FailAppends(errors.New("disk full"))
	_, err := store.Append(context.Background(), event("p1", permission.StatusCreated, nil, at(0)))
	if !permission.IsStoreError(err) {
		t.Fatalf("expected store error, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("failed append must not store")
	}
	store.FailAppends(nil)
	if _, err := store.Append(context.Background(), event("p1", permission.StatusCreated, nil, at(0))); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
}

func TestLoadRequest(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	if _, err := LoadRequest(ctx, store, "nope"); !permission.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	created := permission.NewCreatedEvent("p1", "conn", "dn", nil)
	if _, err := store.Append(ctx, created); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Append(ctx, permission.NewEvent("p1", permission.StatusValidated, nil)); err != nil {
		t.Fatalf("append: %v", err)
	}
	req, err := LoadRequest(ctx, store, "p1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if req.Status() != permission.StatusValidated || req.ConnectionID() != "conn" {
		t.Fatalf("unexpected request %+v", req.Snapshot())
	}
}

func TestSQLiteStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	first := NewSQLiteStore(db, "events")
	if _, err := first.Append(ctx, event("p1", permission.StatusCreated, nil, at(0))); err != nil {
		t.Fatalf("append: %v", err)
	}
	second := NewSQLiteStore(db, "events")
	history, err := second.FindByPermissionID(ctx, "p1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(history) != 1 || history[0].ID != 1 {
		t.Fatalf("expected the stored event from a second instance, got %+v", history)
	}
}

func TestStoreKeepsUnregisteredPayloads(t *testing.T) {
	const mandate permission.EventType = "permission.region.mandate_signed"
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			in := permission.NewEvent("p1", permission.StatusAccepted, permission.RawPayload{
				Type: mandate,
				Data: []byte(`{"mandate_id":"m-7","signed":true}`),
			})
			if _, err := store.Append(ctx, in); err != nil {
				t.Fatalf("append: %v", err)
			}
			history, err := store.FindByPermissionID(ctx, "p1")
			if err != nil || len(history) != 1 {
				t.Fatalf("expected one event, got %v %v", history, err)
			}
			if history[0].Type != mandate {
				t.Fatalf("unexpected type %s", history[0].Type)
			}
			raw, ok := history[0].Payload.(permission.RawPayload)
			if !ok {
				t.Fatalf("expected raw payload, got %#v", history[0].Payload)
			}
			if raw.Type != mandate || string(raw.Data) != `{"mandate_id":"m-7","signed":true}` {
				t.Fatalf("payload body lost: %+v", raw)
			}
		})
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	p, err := DecodePayload("permission.region.other", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, ok := p.(permission.RawPayload)
	if !ok || raw.PayloadType() != "permission.region.other" {
		t.Fatalf("expected raw payload, got %#v", p)
	}
	encoded, err := EncodePayload(raw)
	if err != nil || string(encoded) != `{"a":1}` {
		t.Fatalf("raw payload must re-encode unchanged, got %s %v", encoded, err)
	}

	if _, err := DecodePayload("permission.region.other", []byte("{broken")); err == nil {
		t.Fatalf("expected error for invalid stored JSON")
	}
	if p, err := DecodePayload("permission.region.other", nil); p != nil || err != nil {
		t.Fatalf("empty body decodes to nil, got %#v %v", p, err)
	}
}

func TestInMemoryStoreCopiesPayloads(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	errs := []permission.AttributeError{{Field: "dataNeedId", Message: "unknown"}}
	if _, err := store.Append(ctx, event("p1", permission.StatusMalformed, permission.MalformedPayload{Errors: errs}, at(0))); err != nil {
		t.Fatalf("append: %v", err)
	}
	errs[0].Field = "changed by caller"

	read := func() permission.MalformedPayload {
		history, err := store.FindByPermissionID(ctx, "p1")
		if err != nil || len(history) != 1 {
			t.Fatalf("expected one event, got %v %v", history, err)
		}
		return history[0].Payload.(permission.MalformedPayload)
	}
	first := read()
	if first.Errors[0].Field != "dataNeedId" {
		t.Fatalf("store aliases the appended slice: %+v", first.Errors)
	}
	first.Errors[0].Field = "changed by reader"

	if again := read(); again.Errors[0].Field != "dataNeedId" {
		t.Fatalf("FindByPermissionID aliases the stored slice: %+v", again.Errors)
	}
	page, err := store.Since(ctx, 0, 10)
	if err != nil || len(page) != 1 {
		t.Fatalf("since: %v %v", page, err)
	}
	page[0].Payload.(permission.MalformedPayload).Errors[0].Field = "changed through since"
	if again := read(); again.Errors[0].Field != "dataNeedId" {
		t.Fatalf("Since aliases the stored slice: %+v", again.Errors)
	}
}
