package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedDispatcher struct {
	mu    sync.Mutex
	calls int
	// script holds per-call results, consumed in order; after the script
	// runs out every call is delivered.
	script []dispatchResult
}

type dispatchResult struct {
	delivered bool
	err       error
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, kind, recipient string, vars map[string]string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.script) == 0 {
		return true, nil
	}
	r := d.script[0]
	d.script = d.script[1:]
	return r.delivered, r.err
}

func (d *scriptedDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testClock(start time.Time) (func() time.Time, func(time.Duration)) {
	var mu sync.Mutex
	t := start
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return t
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(d)
	}
	return now, advance
}

func newTestWorker(store Store, d Dispatcher) (*Worker, func(time.Duration)) {
	w := NewWorker(store, d, time.Second)
	now, advance := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	w.now = now
	return w, advance
}

func mustEnqueue(t *testing.T, o *Outbox, kind string) {
	t.Helper()
	if err := o.Enqueue(context.Background(), kind, "owner:o1", map[string]string{"vault_id": "v1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func onlyEffect(t *testing.T, m *Memory) *Effect {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.effects) != 1 {
		t.Fatalf("expected 1 effect, got %d", len(m.effects))
	}
	for _, e := range m.effects {
		cp := *e
		return &cp
	}
	return nil
}

func TestDrainDelivers(t *testing.T) {
	store := NewMemory()
	o := New(store)
	d := &scriptedDispatcher{}
	w, _ := newTestWorker(store, d)
	o.now = w.now

	mustEnqueue(t, o, "recovery_opened")
	w.DrainOnce(context.Background())

	e := onlyEffect(t, store)
	if e.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %s", e.Status)
	}
	if d.callCount() != 1 {
		t.Fatalf("expected 1 dispatch, got %d", d.callCount())
	}

	// A delivered effect is never picked up again.
	w.DrainOnce(context.Background())
	if d.callCount() != 1 {
		t.Fatalf("redelivered a delivered effect: %d calls", d.callCount())
	}
}

// A transient dispatch error is absorbed by the in-process quick retries and
// never reaches the durable schedule.
func TestQuickRetryAbsorbsTransientError(t *testing.T) {
	store := NewMemory()
	o := New(store)
	d := &scriptedDispatcher{script: []dispatchResult{{err: errors.New("connection reset")}}}
	w, _ := newTestWorker(store, d)
	o.now = w.now

	mustEnqueue(t, o, "recovery_threshold_met")
	w.DrainOnce(context.Background())

	e := onlyEffect(t, store)
	if e.Status != StatusDelivered {
		t.Fatalf("expected delivered after quick retry, got %s (lastError %q)", e.Status, e.LastError)
	}
	if e.Attempts != 0 {
		t.Fatalf("quick retries must not consume durable attempts, got %d", e.Attempts)
	}
	if d.callCount() != 2 {
		t.Fatalf("expected 2 dispatches, got %d", d.callCount())
	}
}

// A rejected delivery lands on the durable backoff schedule and is retried
// only once its next attempt time arrives.
func TestRejectedDeliveryBacksOff(t *testing.T) {
	store := NewMemory()
	o := New(store)
	d := &scriptedDispatcher{script: []dispatchResult{{delivered: false}}}
	w, advance := newTestWorker(store, d)
	o.now = w.now

	mustEnqueue(t, o, "recovery_executed")
	w.DrainOnce(context.Background())

	e := onlyEffect(t, store)
	if e.Status != StatusPending || e.Attempts != 1 {
		t.Fatalf("expected pending with 1 attempt, got %s/%d", e.Status, e.Attempts)
	}
	wantNext := w.now().Add(30 * time.Second)
	if !e.NextAttemptAt.Equal(wantNext) {
		t.Fatalf("nextAttemptAt = %v, want %v", e.NextAttemptAt, wantNext)
	}
	if e.LastError != "not delivered" {
		t.Fatalf("lastError = %q", e.LastError)
	}

	// Not due yet: the drain skips it.
	calls := d.callCount()
	w.DrainOnce(context.Background())
	if d.callCount() != calls {
		t.Fatal("retried before nextAttemptAt")
	}

	advance(31 * time.Second)
	w.DrainOnce(context.Background())
	if e = onlyEffect(t, store); e.Status != StatusDelivered {
		t.Fatalf("expected delivered on rescheduled attempt, got %s", e.Status)
	}
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	store := NewMemory()
	o := New(store)
	d := &scriptedDispatcher{script: []dispatchResult{{delivered: false}, {delivered: false}}}
	w, advance := newTestWorker(store, d)
	w.maxTries = 2
	o.now = w.now

	mustEnqueue(t, o, "guardian_invite")
	w.DrainOnce(context.Background())
	if e := onlyEffect(t, store); e.Status != StatusPending {
		t.Fatalf("expected pending after first failure, got %s", e.Status)
	}

	advance(time.Minute)
	w.DrainOnce(context.Background())
	e := onlyEffect(t, store)
	if e.Status != StatusFailed {
		t.Fatalf("expected dead-lettered effect, got %s", e.Status)
	}

	// Dead letters are out of the drain for good.
	advance(24 * time.Hour)
	calls := d.callCount()
	w.DrainOnce(context.Background())
	if d.callCount() != calls {
		t.Fatal("dead-lettered effect was retried")
	}
}

func TestEnqueueCopiesVars(t *testing.T) {
	store := NewMemory()
	o := New(store)
	vars := map[string]string{"vault_id": "v1"}
	if err := o.Enqueue(context.Background(), "recovery_opened", "owner:o1", vars); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	vars["vault_id"] = "mutated"

	e := onlyEffect(t, store)
	if e.Vars["vault_id"] != "v1" {
		t.Fatalf("vars aliased the caller's map: %q", e.Vars["vault_id"])
	}
}
