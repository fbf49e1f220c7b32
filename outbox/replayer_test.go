package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	permission "github.com/goliatone/go-permission"
	"github.com/goliatone/go-permission/bus"
	"github.com/goliatone/go-permission/eventstore"
)

type deliveries struct {
	mu  sync.Mutex
	ids []int64
}

func (d *deliveries) handler(fail func(permission.Event) error) bus.HandlerFunc {
	return func(_ context.Context, ev permission.Event) error {
		if fail != nil {
			if err := fail(ev); err != nil {
				return err
			}
		}
		d.mu.Lock()
		d.ids = append(d.ids, ev.ID)
		d.mu.Unlock()
		return nil
	}
}

func (d *deliveries) snapshot() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.ids...)
}

func seed(t *testing.T, ob *Outbox, ids ...string) {
	t.Helper()
	for _, id := range ids {
		req, _, err := permission.Create(context.Background(), ob, id, "conn", "dn")
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if _, err := req.Validate(context.Background(), permission.Validation{}); err != nil {
			t.Fatalf("validate %s: %v", id, err)
		}
	}
}

func TestReplayDeliversEventsCommittedBeforeACrash(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewInMemoryStore()
	// no publisher: the process died after appending and before dispatch
	seed(t, New(store, nil), "p1", "p2")

	ledger := NewInMemoryLedger()
	got := &deliveries{}
	r := NewReplayer(store, ledger, WithReplayBatchSize(3))
	if err := r.Register("sender", bus.ByType(permission.EventValidated), got.handler(nil)); err != nil {
		t.Fatalf("register: %v", err)
	}

	report, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if report.Scanned != 4 || report.Delivered != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if ids := got.snapshot(); len(ids) != 2 || ids[0] != 2 || ids[1] != 4 {
		t.Fatalf("expected validated events 2 and 4, got %v", ids)
	}
	if report.Cursors["sender"] != 4 {
		t.Fatalf("expected cursor at 4, got %d", report.Cursors["sender"])
	}

	report, err = r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if report.Delivered != 0 || len(got.snapshot()) != 2 {
		t.Fatalf("replay must be idempotent, report %+v", report)
	}
	if !r.Health().Healthy {
		t.Fatalf("expected healthy replayer, got %+v", r.Health())
	}
}

func TestReplayRetriesFromTheFailedEvent(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewInMemoryStore()
	seed(t, New(store, nil), "p1", "p2", "p3")

	ledger := NewInMemoryLedger()
	got := &deliveries{}
	failing := true
	r := NewReplayer(store, ledger)
	err := r.Register("sender", bus.ByType(permission.EventValidated), got.handler(func(ev permission.Event) error {
		if failing && ev.PermissionID == "p2" {
			return errors.New("administrator offline")
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	report, err := r.RunOnce(ctx)
	if err == nil {
		t.Fatalf("expected the failing delivery to surface")
	}
	if report.Delivered != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if r.Health().Healthy {
		t.Fatalf("failed cycle should mark the replayer unhealthy")
	}

	failing = false
	report, err = r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if report.Delivered != 2 {
		t.Fatalf("expected p2 and p3 on the second cycle, got %+v", report)
	}
	if ids := got.snapshot(); len(ids) != 3 {
		t.Fatalf("each validated event should be delivered once, got %v", ids)
	}
}

func TestReplaySkipsEventsAckedByLiveDelivery(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewInMemoryStore()
	b := bus.New()
	defer b.Close()
	ledger := NewInMemoryLedger()
	got := &deliveries{}
	handler := Consumer("sender", ledger, got.handler(nil))

	handleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.Handle(handleCtx, bus.ByType(permission.EventValidated), handler, bus.WithName("sender"))

	seed(t, New(store, b), "p1")
	deadline := time.Now().Add(time.Second)
	for {
		if acked, _ := ledger.Acked(ctx, "sender", 2); acked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("live delivery did not happen")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r := NewReplayer(store, ledger)
	if err := r.Register("sender", bus.ByType(permission.EventValidated), handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	report, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if report.Skipped != 1 || report.Delivered != 0 {
		t.Fatalf("expected the live delivered event to be skipped, got %+v", report)
	}
	if ids := got.snapshot(); len(ids) != 1 {
		t.Fatalf("expected exactly one delivery, got %v", ids)
	}
}

func TestReplayRecoversPanickingHandler(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	seed(t, New(store, nil), "p1")
	r := NewReplayer(store, NewInMemoryLedger())
	_ = r.Register("boom", bus.All(), func(context.Context, permission.Event) error { panic("nope") })
	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected panic to surface as an error")
	}
}

func TestReplayerRegisterValidation(t *testing.T) {
	r := NewReplayer(eventstore.NewInMemoryStore(), NewInMemoryLedger())
	noop := func(context.Context, permission.Event) error { return nil }
	if err := r.Register("", bus.All(), noop); err == nil {
		t.Fatalf("expected name to be required")
	}
	if err := r.Register("a", bus.All(), noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("a", bus.All(), noop); err == nil {
		t.Fatalf("expected duplicate name to fail")
	}
}

func TestReplayerRunAndStop(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	seed(t, New(store, nil), "p1")
	got := &deliveries{}
	var states []RuntimeState
	var mu sync.Mutex
	r := NewReplayer(store, NewInMemoryLedger(),
		WithReplayInterval(10*time.Millisecond),
		WithReplayWorkerID("worker-1"),
		WithReplayStatusHook(func(_ context.Context, s RuntimeStatus) {
			mu.Lock()
			states = append(states, s.State)
			mu.Unlock()
		}),
	)
	_ = r.Register("sender", bus.ByType(permission.EventValidated), got.handler(nil))

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for len(got.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("runner did not deliver")
		}
		time.Sleep(5 * time.Millisecond)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := r.Status(); st.State != RuntimeStateStopped || st.WorkerID != "worker-1" {
		t.Fatalf("unexpected status %+v", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[0] != RuntimeStateRunning {
		t.Fatalf("expected running state first, got %v", states)
	}
}
