package observer

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/maruel/odb/internal/errors"
)

// Listener receives the previous and the new value of a committed change.
type Listener[T any] func(prev, curr T)

// Readable is implemented by every watchable cell: observers, memos and
// asynchronous bridges.
type Readable[T any] interface {
	// Get returns the current value without blocking on I/O.
	Get() T
	// Watch registers fn and returns a function that unregisters it.
	Watch(fn Listener[T]) (cancel func())
}

// commit is one queued notification.
type commit struct {
	path       []string
	prev, curr any
}

// tree is the state shared by a root Observer and all its children.
type tree struct {
	mu          sync.Mutex
	value       any
	version     uint64
	reg         registry
	disposed    bool
	queue       []commit
	dispatching bool
}

// Observer is a watchable cell, or a view onto a nested field of one.
//
// Observer is safe for concurrent use.
type Observer[T any] struct {
	t    *tree
	path []string
}

var _ Readable[int] = (*Observer[int])(nil)

// New creates a root Observer holding v.
func New[T any](v T) *Observer[T] {
	return &Observer[T]{t: &tree{value: plain(v)}}
}

// Path returns a child observer for the field at names below parent.
//
// The child shares parent's tree: writes through the child are commits on the
// whole tree and are seen by watchers of parent.
func Path[T, P any](parent *Observer[P], names ...string) *Observer[T] {
	p := make([]string, 0, len(parent.path)+len(names))
	p = append(p, parent.path...)
	p = append(p, names...)
	return &Observer[T]{t: parent.t, path: p}
}

// Get returns a copy of the current value.
func (o *Observer[T]) Get() T {
	o.t.mu.Lock()
	v := getIn(o.t.value, o.path)
	o.t.mu.Unlock()
	return as[T](plain(v))
}

// Set commits v. Listeners are notified after the commit, in commit order.
func (o *Observer[T]) Set(v T) error {
	return o.Update(func(T) (T, bool) { return v, true })
}

// Update atomically replaces the value with fn's result. Returning false
// aborts without a commit.
//
// fn runs with the tree locked and must not call back into the tree.
func (o *Observer[T]) Update(fn func(curr T) (T, bool)) error {
	t := o.t
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return errors.Disposed("observer")
	}
	old := getIn(t.value, o.path)
	next, ok := fn(as[T](plain(old)))
	if !ok {
		t.mu.Unlock()
		return nil
	}
	nv := plain(next)
	if equal(old, nv) {
		t.mu.Unlock()
		return nil
	}
	prevRoot := t.value
	t.value = setIn(t.value, o.path, nv)
	t.version++
	t.queue = append(t.queue, commit{path: o.path, prev: prevRoot, curr: t.value})
	t.drainLocked()
	return nil
}

// Watch registers fn for changes at this observer's path, including changes
// made through a parent or a child.
func (o *Observer[T]) Watch(fn Listener[T]) func() {
	t := o.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return func() {}
	}
	path := slices.Clone(o.path)
	rec := t.reg.add(path, func(prevRoot, currRoot any) {
		pv, cv := getIn(prevRoot, path), getIn(currRoot, path)
		if equal(pv, cv) {
			return
		}
		fn(as[T](plain(pv)), as[T](plain(cv)))
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.reg.remove(rec.h)
			t.mu.Unlock()
		})
	}
}

// Version returns the number of commits on the tree.
func (o *Observer[T]) Version() uint64 {
	o.t.mu.Lock()
	defer o.t.mu.Unlock()
	return o.t.version
}

// Listeners returns the number of listeners registered on the tree.
func (o *Observer[T]) Listeners() int {
	o.t.mu.Lock()
	defer o.t.mu.Unlock()
	return o.t.reg.len()
}

// Dispose terminates the tree and invalidates every listener handle.
func (o *Observer[T]) Dispose() {
	t := o.t
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
	t.queue = nil
	t.reg.invalidate()
}

// Disposed reports whether the tree was disposed.
func (o *Observer[T]) Disposed() bool {
	o.t.mu.Lock()
	defer o.t.mu.Unlock()
	return o.t.disposed
}

// drainLocked delivers queued commits. It is called with t.mu held and
// returns with it released. When another pass is already running, possibly
// further up this goroutine's stack, the commit stays queued for that pass.
func (t *tree) drainLocked() {
	if t.dispatching {
		t.mu.Unlock()
		return
	}
	t.dispatching = true
	for len(t.queue) > 0 {
		c := t.queue[0]
		t.queue = t.queue[1:]
		recs := t.reg.snapshot()
		t.mu.Unlock()
		for _, rec := range recs {
			if rec.live.Load() && related(rec.path, c.path) {
				fire(rec, c)
			}
		}
		t.mu.Lock()
	}
	t.dispatching = false
	t.mu.Unlock()
}

func fire(rec *record, c commit) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("observer listener panicked", "path", rec.path, "panic", r)
		}
	}()
	rec.fire(c.prev, c.curr)
}
