package observer

import (
	"sync"
)

// Derived is a read-only cell computed from a source by a pure function.
//
// Without watchers it recomputes on demand, only when the source value
// changed since the last computation. With watchers it subscribes to the
// source and pushes recomputed values; the subscription is dropped when the
// last watcher leaves and re-established on the next Watch.
type Derived[T any] struct {
	src     func() any
	watch   func(func()) func()
	compute func() T

	mu      sync.Mutex
	valid   bool
	lastIn  any
	out     *Observer[T]
	users   int
	release func()
}

var _ Readable[int] = (*Derived[int])(nil)

// Memo returns a derived cell recomputing fn over src.
func Memo[S, T any](src Readable[S], fn func(S) T) *Derived[T] {
	var zero T
	return &Derived[T]{
		src: func() any { return src.Get() },
		watch: func(changed func()) func() {
			return src.Watch(func(_, _ S) { changed() })
		},
		compute: func() T { return fn(src.Get()) },
		out:     New(zero),
	}
}

// Get returns the current derived value.
func (d *Derived[T]) Get() T {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users > 0 && d.valid {
		return d.out.Get()
	}
	in := plain(d.src())
	if !d.valid || !equal(in, d.lastIn) {
		_ = d.out.Set(d.compute())
		d.lastIn = in
		d.valid = true
	}
	return d.out.Get()
}

// Watch registers fn for changes of the derived value.
func (d *Derived[T]) Watch(fn Listener[T]) func() {
	d.mu.Lock()
	d.users++
	if d.users == 1 {
		d.release = d.watch(d.recompute)
		d.valid = false
	}
	d.mu.Unlock()
	// Prime the cache so the first change is diffed against a real value.
	d.Get()
	cancel := d.out.Watch(fn)
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			d.mu.Lock()
			defer d.mu.Unlock()
			d.users--
			if d.users == 0 && d.release != nil {
				d.release()
				d.release = nil
			}
		})
	}
}

func (d *Derived[T]) recompute() {
	d.mu.Lock()
	in := plain(d.src())
	v := d.compute()
	d.lastIn = in
	d.valid = true
	d.mu.Unlock()
	_ = d.out.Set(v)
}
