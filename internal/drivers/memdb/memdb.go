// Package memdb is an in-memory driver.
//
// Instances created over the same Backend share their data. With
// CrossInstanceLive set, a subscriber receives the writes of every instance
// of its Backend; otherwise only the writes of its own instance.
package memdb

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/maruel/ksid"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/errors"
)

// Name is the registered driver name.
const Name = "memdb"

func init() {
	driver.Register(Name, func(_ context.Context, cfg driver.Config) (driver.Driver, error) {
		return New(Shared(cfg.Prop("backend", "default")), cfg), nil
	})
}

var (
	sharedMu sync.Mutex
	shared   = map[string]*Backend{}
)

// Shared returns the process-wide Backend called name, creating it on first
// use.
func Shared(name string) *Backend {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	b := shared[name]
	if b == nil {
		b = NewBackend()
		shared[name] = b
	}
	return b
}

// Backend holds the collections shared by driver instances.
type Backend struct {
	mu    sync.RWMutex
	colls map[string]map[string]driver.Record
	hub   *driver.Hub
}

// NewBackend returns an empty Backend.
func NewBackend() *Backend {
	return &Backend{
		colls: make(map[string]map[string]driver.Record),
		hub:   driver.NewHub(),
	}
}

// DB is a driver instance over a Backend.
type DB struct {
	b      *Backend
	cfg    driver.Config
	local  *driver.Hub
	closed atomic.Bool

	mu   sync.Mutex
	subs map[*func()]struct{}
}

var _ driver.Driver = (*DB)(nil)

// New returns a driver instance over b.
func New(b *Backend, cfg driver.Config) *DB {
	slog.Debug("memdb opened", "cross_instance_live", cfg.CrossInstanceLive)
	return &DB{b: b, cfg: cfg, local: driver.NewHub(), subs: map[*func()]struct{}{}}
}

// Name implements driver.Driver.
func (d *DB) Name() string {
	return Name
}

func (d *DB) check() error {
	if d.closed.Load() {
		return errors.Closed(Name)
	}
	return nil
}

// Get implements driver.Driver.
func (d *DB) Get(_ context.Context, collection, key string) (driver.Record, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	d.b.mu.RLock()
	defer d.b.mu.RUnlock()
	return d.b.colls[collection][key].Clone(), nil
}

// Find implements driver.Driver.
func (d *DB) Find(ctx context.Context, collection string, q driver.Query) (driver.Record, error) {
	for rec, err := range d.FindAll(ctx, collection, q) {
		return rec, err
	}
	return nil, nil
}

// FindAll implements driver.Driver. Records are yielded in key order.
func (d *DB) FindAll(ctx context.Context, collection string, q driver.Query) iter.Seq2[driver.Record, error] {
	return func(yield func(driver.Record, error) bool) {
		if err := d.check(); err != nil {
			yield(nil, err)
			return
		}
		if err := q.Validate(); err != nil {
			yield(nil, errors.Invalid(err.Error()))
			return
		}
		d.b.mu.RLock()
		coll := d.b.colls[collection]
		keys := make([]string, 0, len(coll))
		if ks, ok := q.Keys(); ok {
			for _, k := range ks {
				if _, ok := coll[k]; ok {
					keys = append(keys, k)
				}
			}
		} else {
			for k, rec := range coll {
				if driver.Match(rec, q) {
					keys = append(keys, k)
				}
			}
		}
		d.b.mu.RUnlock()
		slices.Sort(keys)
		keys = slices.Compact(keys)
		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			d.b.mu.RLock()
			rec := d.b.colls[collection][k].Clone()
			d.b.mu.RUnlock()
			// Removed between the scan and now.
			if rec == nil {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Insert implements driver.Driver.
func (d *DB) Insert(_ context.Context, collection string, rec driver.Record) (string, error) {
	if err := d.check(); err != nil {
		return "", err
	}
	rec, err := driver.Normalize(rec)
	if err != nil {
		return "", errors.Invalid(err.Error())
	}
	if rec == nil {
		rec = driver.Record{}
	}
	key := rec.Key()
	if key == "" {
		key = ksid.NewID().String()
		rec[driver.KeyField] = key
	}
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	coll := d.b.colls[collection]
	if coll == nil {
		coll = make(map[string]driver.Record)
		d.b.colls[collection] = coll
	}
	if _, ok := coll[key]; ok {
		return "", errors.Conflict(collection + "/" + key)
	}
	coll[key] = rec
	d.publish(driver.Event{Collection: collection, Key: key, Kind: driver.Created, Record: rec})
	return key, nil
}

// Update implements driver.Driver.
func (d *DB) Update(_ context.Context, collection, key string, patch driver.Record) error {
	if err := d.check(); err != nil {
		return err
	}
	patch, err := driver.Normalize(patch)
	if err != nil {
		return errors.Invalid(err.Error())
	}
	delete(patch, driver.KeyField)
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	cur, ok := d.b.colls[collection][key]
	if !ok {
		return errors.NotFound(collection + "/" + key)
	}
	next := driver.Merge(cur, patch)
	d.b.colls[collection][key] = next
	d.publish(driver.Event{Collection: collection, Key: key, Kind: driver.Updated, Record: next})
	return nil
}

// Remove implements driver.Driver.
func (d *DB) Remove(_ context.Context, collection, key string) error {
	if err := d.check(); err != nil {
		return err
	}
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if _, ok := d.b.colls[collection][key]; !ok {
		return errors.NotFound(collection + "/" + key)
	}
	delete(d.b.colls[collection], key)
	d.publish(driver.Event{Collection: collection, Key: key, Kind: driver.Deleted})
	return nil
}

// publish is called with b.mu held.
func (d *DB) publish(ev driver.Event) {
	if d.cfg.CrossInstanceLive {
		d.b.hub.Publish(ev)
		return
	}
	d.local.Publish(ev)
}

// Subscribe implements driver.Driver.
func (d *DB) Subscribe(collection string, h driver.Handler) (func(), error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if !d.cfg.CrossInstanceLive {
		return d.local.Subscribe(collection, h), nil
	}
	// Subscriptions on the shared hub outlive the instance unless tracked.
	unsub := d.b.hub.Subscribe(collection, h)
	d.mu.Lock()
	d.subs[&unsub] = struct{}{}
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, &unsub)
		d.mu.Unlock()
		unsub()
	}, nil
}

// Close implements driver.Driver.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.local.Close()
	d.mu.Lock()
	subs := d.subs
	d.subs = map[*func()]struct{}{}
	d.mu.Unlock()
	for unsub := range subs {
		(*unsub)()
	}
	return nil
}
