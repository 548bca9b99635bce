// Package bridge derives an observable value from an asynchronous computation
// over a source observable.
//
// A [Bridge] re-runs its derivation every time the source changes. Each run
// carries a context that is cancelled as soon as a newer run starts or the
// bridge is disposed. Only a run whose generation is still current may commit
// its result: a slow early run finishing after a fast later one is discarded.
//
// Derivation errors are absorbed. The bridge keeps its last committed value
// and exposes the error through [Bridge.Err] without notifying watchers.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/maruel/odb/internal/observer"
)

// Func computes a value from a source value.
//
// ctx is cancelled when the run is superseded or the bridge is disposed;
// expensive work should select on ctx.Done() to stop early. onCleanup
// registers a function invoked exactly once when the run is retired.
type Func[S, T any] func(ctx context.Context, src S, onCleanup func(func())) (T, error)

// Option configures a Bridge.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used to report absorbed derivation errors.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Bridge is an observable whose value is the result of the most recently
// started run of an asynchronous derivation.
type Bridge[S, T any] struct {
	src observer.Readable[S]
	fn  Func[S, T]
	log *slog.Logger
	out *observer.Observer[T]

	gen      atomic.Uint64
	started  atomic.Uint64
	disposed atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	users   int
	unsub   func()
	current *run
	// last is the most recently started run, kept after a stop so that the
	// next run still waits for its retirement.
	last    *run
	live    map[*run]struct{}
	lastErr error
}

var _ observer.Readable[int] = (*Bridge[int, int])(nil)

// New creates a bridge over src. No run starts until the first Watch.
func New[S, T any](src observer.Readable[S], fn Func[S, T], opts ...Option) *Bridge[S, T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	var zero T
	return &Bridge[S, T]{
		src:  src,
		fn:   fn,
		log:  o.logger,
		out:  observer.New(zero),
		live: make(map[*run]struct{}),
	}
}

// Get returns the last committed value, or the zero value before any commit.
func (b *Bridge[S, T]) Get() T {
	return b.out.Get()
}

// Watch registers fn for committed values. The first watcher subscribes to
// the source and starts a run; the last one to leave unsubscribes and cancels
// the outstanding run.
func (b *Bridge[S, T]) Watch(fn observer.Listener[T]) func() {
	cancel := b.out.Watch(fn)
	b.mu.Lock()
	if b.disposed.Load() {
		b.mu.Unlock()
		return cancel
	}
	b.users++
	if b.users == 1 {
		b.unsub = b.src.Watch(func(_, _ S) { b.onSourceChange() })
		b.startLocked()
	}
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			b.mu.Lock()
			b.users--
			var stopped *run
			if b.users == 0 && !b.disposed.Load() {
				stopped = b.stopLocked()
			}
			b.mu.Unlock()
			if stopped != nil {
				b.retire(stopped)
			}
		})
	}
}

// Err returns the error of the most recent current run that failed, or nil
// once a later run committed.
func (b *Bridge[S, T]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Generation returns the generation of the most recently started run.
func (b *Bridge[S, T]) Generation() uint64 {
	return b.gen.Load()
}

// Runs returns how many runs were started.
func (b *Bridge[S, T]) Runs() uint64 {
	return b.started.Load()
}

// Wait blocks until every started run returned.
func (b *Bridge[S, T]) Wait() {
	b.wg.Wait()
}

// Dispose unsubscribes from the source, cancels the outstanding run and runs
// every pending cleanup. Later source changes are ignored.
func (b *Bridge[S, T]) Dispose() {
	b.mu.Lock()
	if b.disposed.Swap(true) {
		b.mu.Unlock()
		return
	}
	b.gen.Add(1)
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	b.current = nil
	pending := make([]*run, 0, len(b.live))
	for r := range b.live {
		pending = append(pending, r)
	}
	b.mu.Unlock()
	for _, r := range pending {
		b.retire(r)
	}
	b.out.Dispose()
}

// Disposed reports whether Dispose was called.
func (b *Bridge[S, T]) Disposed() bool {
	return b.disposed.Load()
}

func (b *Bridge[S, T]) onSourceChange() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed.Load() || b.users == 0 {
		return
	}
	b.startLocked()
}

// startLocked bumps the generation, cancels the current run and schedules a
// new one. The derivation never runs on the caller's goroutine.
//
// Retirements are chained: a run retires its predecessor only once that one
// retired its own, so every earlier cleanup has run when the derivation
// starts.
func (b *Bridge[S, T]) startLocked() {
	prev := b.last
	r := &run{gen: b.gen.Add(1), ready: make(chan struct{})}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	b.current = r
	b.last = r
	b.live[r] = struct{}{}
	b.started.Add(1)
	if prev != nil {
		prev.cancel()
	}
	v := b.src.Get()
	b.wg.Add(1)
	go b.exec(prev, r, v)
}

// stopLocked retires the current run without starting a new one.
func (b *Bridge[S, T]) stopLocked() *run {
	b.gen.Add(1)
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	r := b.current
	b.current = nil
	return r
}

func (b *Bridge[S, T]) exec(prev, r *run, v S) {
	defer b.wg.Done()
	if prev != nil {
		<-prev.ready
		b.retire(prev)
	}
	close(r.ready)
	res, err := b.fn(r.ctx, v, r.onCleanup)
	if err != nil {
		if b.gen.Load() == r.gen {
			b.mu.Lock()
			b.lastErr = err
			b.mu.Unlock()
		}
		b.log.Debug("bridge derivation failed", "gen", r.gen, "err", err)
		return
	}
	committed := false
	_ = b.out.Update(func(T) (T, bool) {
		if b.disposed.Load() || r.ctx.Err() != nil || b.gen.Load() != r.gen {
			var zero T
			return zero, false
		}
		committed = true
		return res, true
	})
	if committed {
		b.mu.Lock()
		if b.gen.Load() == r.gen {
			b.lastErr = nil
		}
		b.mu.Unlock()
	}
}

// retire cancels r and runs its cleanups once.
func (b *Bridge[S, T]) retire(r *run) {
	r.cancel()
	r.cleanup()
	b.mu.Lock()
	delete(b.live, r)
	b.mu.Unlock()
}

// run is one invocation of the derivation.
type run struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	// ready is closed once the previous run is retired.
	ready chan struct{}
	once  sync.Once

	mu       sync.Mutex
	cleanups []func()
	cleaned  bool
}

// onCleanup registers fn. When the run is already retired fn runs at once.
func (r *run) onCleanup(fn func()) {
	r.mu.Lock()
	if r.cleaned {
		r.mu.Unlock()
		fn()
		return
	}
	r.cleanups = append(r.cleanups, fn)
	r.mu.Unlock()
}

// cleanup runs registered cleanups in reverse order, exactly once. Concurrent
// callers return after the cleanups completed.
func (r *run) cleanup() {
	r.once.Do(func() {
		r.mu.Lock()
		r.cleaned = true
		fns := r.cleanups
		r.cleanups = nil
		r.mu.Unlock()
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	})
}
