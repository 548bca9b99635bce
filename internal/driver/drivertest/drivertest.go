// Package drivertest is a conformance suite for driver.Driver
// implementations.
package drivertest

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/maruel/odb/internal/driver"
	odberrors "github.com/maruel/odb/internal/errors"
)

// Harness describes the driver under test.
type Harness struct {
	// Config is the configuration the driver instances were opened with.
	Config driver.Config
	// Open returns a new driver instance on the backend shared by every call
	// made within one test. The harness closes it.
	Open func(t *testing.T) driver.Driver
	// Bound is the maximum delay for an event to reach a subscriber. Zero
	// means five seconds.
	Bound time.Duration
}

func (h *Harness) bound() time.Duration {
	if h.Bound > 0 {
		return h.Bound
	}
	return 5 * time.Second
}

func (h *Harness) open(t *testing.T) driver.Driver {
	t.Helper()
	d := h.Open(t)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// Run runs the conformance suite.
func Run(t *testing.T, h Harness) {
	t.Run("CRUD", func(t *testing.T) { testCRUD(t, &h) })
	t.Run("Errors", func(t *testing.T) { testErrors(t, &h) })
	t.Run("Find", func(t *testing.T) { testFind(t, &h) })
	t.Run("Subscribe", func(t *testing.T) { testSubscribe(t, &h) })
	t.Run("CrossInstance", func(t *testing.T) {
		if !h.Config.CrossInstanceLive {
			t.Skip("driver does not advertise cross instance live events")
		}
		testCrossInstance(t, &h)
	})
	t.Run("Close", func(t *testing.T) { testClose(t, &h) })
}

func testCRUD(t *testing.T, h *Harness) {
	ctx := t.Context()
	d := h.open(t)
	key, err := d.Insert(ctx, "users", driver.Record{"id": "u1", "name": "Ann", "age": 30})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if key != "u1" {
		t.Errorf("Insert() = %q, want natural key u1", key)
	}
	got, err := d.Get(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got["name"] != "Ann" || got.Key() != "u1" || !driver.Equal(got["age"], 30) {
		t.Errorf("Get() = %v", got)
	}

	auto, err := d.Insert(ctx, "users", driver.Record{"name": "Bob"})
	if err != nil {
		t.Fatalf("Insert() without key failed: %v", err)
	}
	if auto == "" {
		t.Fatal("Insert() assigned an empty key")
	}
	if got, err := d.Get(ctx, "users", auto); err != nil || got.Key() != auto {
		t.Errorf("Get(%q) = %v, %v", auto, got, err)
	}

	if err := d.Update(ctx, "users", "u1", driver.Record{"name": "Annie", "age": nil}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	got, err = d.Get(ctx, "users", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got["name"] != "Annie" {
		t.Errorf("name = %v after Update, want Annie", got["name"])
	}
	if _, ok := got["age"]; ok {
		t.Errorf("age = %v after nil patch, want removed", got["age"])
	}

	if err := d.Remove(ctx, "users", "u1"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	got, err = d.Get(ctx, "users", "u1")
	if err != nil || got != nil {
		t.Errorf("Get() after Remove = %v, %v, want nil, nil", got, err)
	}

	if got, err := d.Get(ctx, "other", auto); err != nil || got != nil {
		t.Errorf("collections are not isolated: %v, %v", got, err)
	}
}

func testErrors(t *testing.T, h *Harness) {
	ctx := t.Context()
	d := h.open(t)
	if _, err := d.Insert(ctx, "users", driver.Record{"id": "dup"}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Insert(ctx, "users", driver.Record{"id": "dup"}); !errors.Is(err, odberrors.ErrConflict) {
		t.Errorf("duplicate Insert() = %v, want CONFLICT", err)
	}
	if err := d.Update(ctx, "users", "absent", driver.Record{"a": 1}); !errors.Is(err, odberrors.ErrNotFound) {
		t.Errorf("Update() of absent key = %v, want NOT_FOUND", err)
	}
	if err := d.Remove(ctx, "users", "absent"); !errors.Is(err, odberrors.ErrNotFound) {
		t.Errorf("Remove() of absent key = %v, want NOT_FOUND", err)
	}
}

func testFind(t *testing.T, h *Harness) {
	ctx := t.Context()
	d := h.open(t)
	for i, name := range []string{"Ann", "Bob", "Cid"} {
		rec := driver.Record{"id": fmt.Sprintf("u%d", i+1), "name": name, "team": "a"}
		if _, err := d.Insert(ctx, "users", rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := d.Find(ctx, "users", driver.Query{"name": "Bob"})
	if err != nil || got.Key() != "u2" {
		t.Errorf("Find(name=Bob) = %v, %v", got, err)
	}
	got, err = d.Find(ctx, "users", driver.Query{"name": "Zed"})
	if err != nil || got != nil {
		t.Errorf("Find(name=Zed) = %v, %v, want nil, nil", got, err)
	}

	var keys []string
	for rec, err := range d.FindAll(ctx, "users", driver.Query{"id": driver.In("u1", "u3")}) {
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, rec.Key())
	}
	slices.Sort(keys)
	if !slices.Equal(keys, []string{"u1", "u3"}) {
		t.Errorf("FindAll($in u1 u3) = %v", keys)
	}

	n := 0
	for _, err := range d.FindAll(ctx, "users", driver.Query{"team": "a"}) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		break
	}
	if n != 1 {
		t.Errorf("early break yielded %d records", n)
	}
}

// recorder collects events delivered to a subscription.
type recorder struct {
	mu     sync.Mutex
	events []driver.Event
	signal chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 1)}
}

func (r *recorder) handle(ev driver.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// wait blocks until n events arrived or the bound elapsed.
func (r *recorder) wait(t *testing.T, n int, bound time.Duration) []driver.Event {
	t.Helper()
	deadline := time.After(bound)
	for {
		r.mu.Lock()
		if len(r.events) >= n {
			out := slices.Clone(r.events)
			r.mu.Unlock()
			return out
		}
		got := len(r.events)
		r.mu.Unlock()
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("got %d events within %s, want %d", got, bound, n)
		}
	}
}

func kinds(events []driver.Event) []driver.Kind {
	out := make([]driver.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func testSubscribe(t *testing.T, h *Harness) {
	ctx := t.Context()
	d := h.open(t)
	rec := newRecorder()
	unsub, err := d.Subscribe("users", rec.handle)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	if _, err := d.Insert(ctx, "users", driver.Record{"id": "u1", "n": 0}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if err := d.Update(ctx, "users", "u1", driver.Record{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.Remove(ctx, "users", "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Insert(ctx, "other", driver.Record{"id": "x"}); err != nil {
		t.Fatal(err)
	}
	events := rec.wait(t, 5, h.bound())
	want := []driver.Kind{driver.Created, driver.Updated, driver.Updated, driver.Updated, driver.Deleted}
	if got := kinds(events); !slices.Equal(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i, ev := range events[1:4] {
		if ev.Collection != "users" || ev.Key != "u1" {
			t.Errorf("event %d = %+v", i+1, ev)
		}
		if ev.Record != nil && !driver.Equal(ev.Record["n"], i+1) {
			t.Errorf("event %d record n = %v, want %d", i+1, ev.Record["n"], i+1)
		}
	}
	if events[4].Record != nil {
		t.Errorf("deleted event carries record %v", events[4].Record)
	}

	unsub()
	if _, err := d.Insert(ctx, "users", driver.Record{"id": "u2"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 5 {
		t.Errorf("events after unsubscribe: %v", rec.events[5:])
	}
}

func testCrossInstance(t *testing.T, h *Harness) {
	ctx := t.Context()
	a := h.open(t)
	b := h.open(t)
	rec := newRecorder()
	unsub, err := b.Subscribe("users", rec.handle)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()
	if _, err := a.Insert(ctx, "users", driver.Record{"id": "u1", "name": "Ann"}); err != nil {
		t.Fatal(err)
	}
	events := rec.wait(t, 1, h.bound())
	if ev := events[0]; ev.Kind != driver.Created || ev.Key != "u1" {
		t.Fatalf("first event = %+v, want created u1", ev)
	}
	if got, err := b.Get(ctx, "users", "u1"); err != nil || got["name"] != "Ann" {
		t.Errorf("b.Get() = %v, %v", got, err)
	}
	if err := a.Update(ctx, "users", "u1", driver.Record{"name": "Annie"}); err != nil {
		t.Fatal(err)
	}
	events = rec.wait(t, 2, h.bound())
	if ev := events[1]; ev.Kind != driver.Updated || (ev.Record != nil && ev.Record["name"] != "Annie") {
		t.Errorf("second event = %+v, want updated to Annie", ev)
	}
	if err := a.Remove(ctx, "users", "u1"); err != nil {
		t.Fatal(err)
	}
	events = rec.wait(t, 3, h.bound())
	if ev := events[2]; ev.Kind != driver.Deleted {
		t.Errorf("third event = %+v, want deleted", ev)
	}
	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 3 {
		t.Errorf("duplicate events delivered: %v", kinds(rec.events))
	}
}

func testClose(t *testing.T, h *Harness) {
	d := h.Open(t)
	if err := d.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, err := d.Get(t.Context(), "users", "u1"); !errors.Is(err, odberrors.ErrUnavailable) {
		t.Errorf("Get() after Close = %v, want UNAVAILABLE", err)
	}
	if _, err := d.Insert(t.Context(), "users", driver.Record{}); !errors.Is(err, odberrors.ErrUnavailable) {
		t.Errorf("Insert() after Close = %v, want UNAVAILABLE", err)
	}
	_ = d.Close()
}
