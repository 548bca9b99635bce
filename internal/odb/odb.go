// Package odb is the observable database: it constructs live Documents over
// a driver.Driver and keeps them in sync with the backend.
//
// At most one live Document exists per collection and key in a DB. Every
// caller resolving the same key shares it. Change events emitted by the
// driver, including those caused by other instances on a shared backend, are
// applied to the live Document so all holders observe the same state.
package odb

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/errors"
	"github.com/maruel/odb/internal/validator"
)

// Option configures a DB.
type Option func(*DB) error

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) error {
		db.log = l
		return nil
	}
}

// WithValidators sets the validators run on every Document.
func WithValidators(r *validator.Registry) Option {
	return func(db *DB) error {
		db.validators = r
		return nil
	}
}

// WithMetrics registers the DB metrics on r.
func WithMetrics(r prometheus.Registerer) Option {
	return func(db *DB) error {
		return db.metrics.register(r)
	}
}

// DB orchestrates Documents against a driver.
type DB struct {
	drv        driver.Driver
	log        *slog.Logger
	validators *validator.Registry
	metrics    *metrics
	docs       *Registry
	group      singleflight.Group
	closed     atomic.Bool

	// mu guards colls and the event logs of each collection.
	mu    sync.Mutex
	colls map[string]*collection
}

// collection is the driver subscription shared by the live documents and
// in-flight loads of one collection.
type collection struct {
	name  string
	refs  int
	unsub func()
	// While loads are in flight, events are kept in log so that a load can
	// replay the events for its key that arrived before its document was
	// registered.
	inflight int
	log      []driver.Event
}

// New returns a DB over drv. The DB does not own drv.
func New(drv driver.Driver, opts ...Option) (*DB, error) {
	db := &DB{
		drv:     drv,
		log:     slog.Default(),
		metrics: newMetrics(),
		docs:    newRegistry(),
		colls:   map[string]*collection{},
	}
	for _, opt := range opts {
		if err := opt(db); err != nil {
			return nil, err
		}
	}
	if db.validators == nil {
		db.validators = validator.NewRegistry()
		db.validators.SetLogger(db.log)
	}
	return db, nil
}

// Driver returns the underlying driver.
func (db *DB) Driver() driver.Driver {
	return db.drv
}

// Documents returns the registry of live documents.
func (db *DB) Documents() *Registry {
	return db.docs
}

// Get returns the live document for key, loading it when needed. It returns
// nil when no record has this key.
func (db *DB) Get(ctx context.Context, collection, key string) (*Document, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	if d, ok := db.docs.Lookup(collection, key); ok {
		return d, nil
	}
	return db.load(ctx, collection, key)
}

// FindOne returns the live document of the first record matching q, or nil.
func (db *DB) FindOne(ctx context.Context, collection string, q driver.Query) (*Document, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if keys, ok := q.Keys(); ok && len(keys) == 1 {
		return db.Get(ctx, collection, keys[0])
	}
	c, err := db.acquire(collection)
	if err != nil {
		return nil, err
	}
	defer db.release(c)
	pos := db.begin(c)
	defer db.end(c)
	rec, err := db.drv.Find(ctx, collection, q)
	if err != nil || rec == nil {
		return nil, err
	}
	return db.adopt(c, pos, rec, "find")
}

// FindMany returns the live documents of every record matching q. Documents
// are constructed while the sequence is iterated; breaking early stops the
// underlying scan.
func (db *DB) FindMany(ctx context.Context, collection string, q driver.Query) iter.Seq2[*Document, error] {
	return func(yield func(*Document, error) bool) {
		if err := db.check(); err != nil {
			yield(nil, err)
			return
		}
		if err := q.Validate(); err != nil {
			yield(nil, err)
			return
		}
		c, err := db.acquire(collection)
		if err != nil {
			yield(nil, err)
			return
		}
		defer db.release(c)
		pos := db.begin(c)
		defer db.end(c)
		for rec, err := range db.drv.FindAll(ctx, collection, q) {
			if err != nil {
				yield(nil, err)
				return
			}
			d, err := db.adopt(c, pos, rec, "find")
			if err != nil {
				yield(nil, err)
				return
			}
			if d != nil && !yield(d, nil) {
				return
			}
		}
	}
}

// Create validates initial, inserts it and returns its live document.
func (db *DB) Create(ctx context.Context, collection string, initial driver.Record) (*Document, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	c, err := db.acquire(collection)
	if err != nil {
		return nil, err
	}
	defer db.release(c)
	d := newDocument(db, collection, initial.Key(), initial.Clone())
	if err := d.attach(); err != nil {
		d.data.Dispose()
		return nil, err
	}
	rec := d.data.Get()
	if err := db.validators.Check(collection, rec); err != nil {
		d.detach()
		return nil, err
	}
	pos := db.begin(c)
	defer db.end(c)
	key, err := db.drv.Insert(ctx, collection, rec)
	if err != nil {
		d.detach()
		return nil, err
	}
	d.key = key
	rec = rec.Clone()
	rec[driver.KeyField] = key
	d.base = rec
	_ = d.data.Set(rec)
	return db.register(c, pos, d, "create")
}

// Delete removes the record of d from the backend and terminates d.
func (db *DB) Delete(ctx context.Context, d *Document) error {
	if d.Disposed() {
		return errors.Disposed("document")
	}
	if err := db.drv.Remove(ctx, d.coll, d.key); err != nil {
		return err
	}
	d.terminate(true)
	return nil
}

// Dispose terminates d. It is equivalent to d.Dispose().
func (db *DB) Dispose(d *Document) {
	d.Dispose()
}

// Close disposes every live document and releases driver subscriptions. The
// driver itself is left open.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	for _, d := range db.docs.Documents() {
		d.Dispose()
	}
	db.mu.Lock()
	colls := db.colls
	db.colls = map[string]*collection{}
	db.mu.Unlock()
	for _, c := range colls {
		if c.unsub != nil {
			c.unsub()
		}
	}
	return nil
}

func (db *DB) check() error {
	if db.closed.Load() {
		return errors.Closed("odb")
	}
	return nil
}

// load constructs the document for a known key, sharing concurrent loads.
func (db *DB) load(ctx context.Context, collection, key string) (*Document, error) {
	v, err, _ := db.group.Do(collection+"\x00"+key, func() (any, error) {
		if d, ok := db.docs.Lookup(collection, key); ok {
			return d, nil
		}
		c, err := db.acquire(collection)
		if err != nil {
			return nil, err
		}
		defer db.release(c)
		pos := db.begin(c)
		defer db.end(c)
		rec, err := db.drv.Get(ctx, collection, key)
		if err != nil || rec == nil {
			return (*Document)(nil), err
		}
		return db.adopt(c, pos, rec, "get")
	})
	d, _ := v.(*Document)
	return d, err
}

// adopt returns the live document for rec, constructing it when no document
// holds its key. Events logged since pos are replayed on a new document.
func (db *DB) adopt(c *collection, pos int, rec driver.Record, source string) (*Document, error) {
	key := rec.Key()
	if d, ok := db.docs.Lookup(c.name, key); ok {
		return d, nil
	}
	d := newDocument(db, c.name, key, rec.Clone())
	d.base = rec.Clone()
	if err := d.attach(); err != nil {
		d.data.Dispose()
		return nil, err
	}
	return db.register(c, pos, d, source)
}

// register publishes d in the registry and replays the events for its key
// logged since pos. Events delivered after registration wait on d.applyMu
// until the replay completes.
func (db *DB) register(c *collection, pos int, d *Document, source string) (*Document, error) {
	d.applyMu.Lock()
	db.mu.Lock()
	var pending []driver.Event
	for _, ev := range c.log[pos:] {
		if ev.Key == d.key {
			pending = append(pending, ev)
		}
	}
	actual, stored := db.docs.store(d)
	if stored {
		c.refs++
		d.sub = c
	}
	db.mu.Unlock()
	if !stored {
		d.applyMu.Unlock()
		d.detach()
		return actual, nil
	}
	db.metrics.live.WithLabelValues(c.name).Inc()
	db.metrics.loads.WithLabelValues(c.name, source).Inc()
	// The fetched record may already reflect some of the logged events. Skip
	// up to the last one it matches.
	matched := false
	for i := len(pending) - 1; i >= 0; i-- {
		if pending[i].Record != nil && driver.Equal(pending[i].Record, d.base) {
			pending = pending[i+1:]
			matched = true
			break
		}
	}
	if !matched && len(pending) != 0 {
		// The fetched record is older or newer than every logged event. Every
		// logged write is committed, so a new read reflects all of them.
		pending = []driver.Event{{Collection: c.name, Key: d.key, Kind: driver.Updated}}
	}
	for _, ev := range pending {
		d.apply(ev)
	}
	d.applyMu.Unlock()
	if d.Deleted() {
		return nil, nil
	}
	return d, nil
}

// acquire returns the subscription of collection, creating it if needed.
func (db *DB) acquire(name string) (*collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c := db.colls[name]; c != nil {
		c.refs++
		return c, nil
	}
	c := &collection{name: name, refs: 1}
	unsub, err := db.drv.Subscribe(name, func(ev driver.Event) { db.dispatch(c, ev) })
	if err != nil {
		return nil, err
	}
	c.unsub = unsub
	db.colls[name] = c
	return c, nil
}

// release drops a reference taken by acquire or held by a live document.
func (db *DB) release(c *collection) {
	db.mu.Lock()
	c.refs--
	var unsub func()
	if c.refs == 0 && db.colls[c.name] == c {
		delete(db.colls, c.name)
		unsub = c.unsub
	}
	db.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// begin starts logging the events of c and returns the current log
// position. Each call must be paired with end.
func (db *DB) begin(c *collection) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	c.inflight++
	return len(c.log)
}

func (db *DB) end(c *collection) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c.inflight--; c.inflight == 0 {
		c.log = nil
	}
}

// dispatch routes a driver event to the live document of its key. Events for
// keys without a live document are dropped unless a load is in flight.
func (db *DB) dispatch(c *collection, ev driver.Event) {
	db.mu.Lock()
	if c.inflight > 0 {
		c.log = append(c.log, ev)
	}
	d, ok := db.docs.Lookup(ev.Collection, ev.Key)
	db.mu.Unlock()
	if !ok {
		return
	}
	d.applyMu.Lock()
	defer d.applyMu.Unlock()
	d.apply(ev)
}
