// Package pebbledb is a driver over an embedded Pebble key-value store.
//
// Collections are simulated via key-prefixing: a record lives under
// collection + '\x00' + key, keeping every collection in a disjoint, sorted
// key range. Pebble locks its directory, so only one instance can use a
// store and change events are delivered in-process only.
package pebbledb

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maruel/ksid"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/errors"
)

// Name is the registered driver name.
const Name = "pebble"

func init() {
	driver.Register(Name, func(ctx context.Context, cfg driver.Config) (driver.Driver, error) {
		return Open(ctx, cfg)
	})
}

// DB is a driver instance over a Pebble store.
type DB struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	log       *slog.Logger
	hub       *driver.Hub

	// closed + mu guard against use-after-close. Operations take an RLock;
	// Close takes the write lock, draining in-flight operations first.
	closed atomic.Bool
	mu     sync.RWMutex
	// wmu serializes writes so that existence checks and event order
	// match the commit order.
	wmu sync.Mutex
}

var _ driver.Driver = (*DB)(nil)

// Open opens or creates the store in the directory named by the "dir"
// property. The "sync" property set to "true" syncs every write.
func Open(ctx context.Context, cfg driver.Config) (*DB, error) {
	dir := cfg.Prop("dir", "")
	if dir == "" {
		return nil, errors.Invalid("pebble: property dir is required")
	}
	if cfg.CrossInstanceLive {
		return nil, errors.Invalid("pebble: cross instance live events are not supported")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble: failed to open %s: %w", dir, err)
	}
	writeOpts := pebble.NoSync
	if cfg.Prop("sync", "") == "true" {
		writeOpts = pebble.Sync
	}
	d := &DB{
		db:        db,
		writeOpts: writeOpts,
		log:       slog.Default().With("driver", Name, "dir", dir),
		hub:       driver.NewHub(),
	}
	d.log.InfoContext(ctx, "database opened")
	return d, nil
}

// Name implements driver.Driver.
func (d *DB) Name() string {
	return Name
}

func prefix(collection string) []byte {
	return []byte(collection + "\x00")
}

// upperBound is the exclusive upper bound of a collection: collection + '\x01'.
func upperBound(collection string) []byte {
	return []byte(collection + "\x01")
}

func recordKey(collection, key string) []byte {
	return append(prefix(collection), key...)
}

// enter takes the read lock and verifies the store is open. The caller must
// call d.mu.RUnlock on success.
func (d *DB) enter(collection string) error {
	if strings.ContainsRune(collection, 0) || collection == "" {
		return errors.Invalid(fmt.Sprintf("pebble: invalid collection name %q", collection))
	}
	d.mu.RLock()
	if d.closed.Load() {
		d.mu.RUnlock()
		return errors.Closed(Name)
	}
	return nil
}

// get returns the record under key, or nil. The caller holds d.mu.
func (d *DB) get(collection, key string) (driver.Record, error) {
	val, closer, err := d.db.Get(recordKey(collection, key))
	if stderrors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Unavailable(fmt.Errorf("pebble: get failed: %w", err))
	}
	defer func() {
		_ = closer.Close()
	}()
	var rec driver.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, errors.Unavailable(fmt.Errorf("pebble: failed to decode %s/%s: %w", collection, key, err))
	}
	return rec, nil
}

// Get implements driver.Driver.
func (d *DB) Get(_ context.Context, collection, key string) (driver.Record, error) {
	if err := d.enter(collection); err != nil {
		return nil, err
	}
	defer d.mu.RUnlock()
	return d.get(collection, key)
}

// Find implements driver.Driver.
func (d *DB) Find(ctx context.Context, collection string, q driver.Query) (driver.Record, error) {
	for rec, err := range d.FindAll(ctx, collection, q) {
		return rec, err
	}
	return nil, nil
}

// FindAll implements driver.Driver. A query on the key field alone is served
// by point lookups, anything else by a scan of the collection range over a
// consistent snapshot.
func (d *DB) FindAll(ctx context.Context, collection string, q driver.Query) iter.Seq2[driver.Record, error] {
	return func(yield func(driver.Record, error) bool) {
		if err := q.Validate(); err != nil {
			yield(nil, errors.Invalid(err.Error()))
			return
		}
		recs, err := d.scan(collection, q)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (d *DB) scan(collection string, q driver.Query) ([]driver.Record, error) {
	if err := d.enter(collection); err != nil {
		return nil, err
	}
	defer d.mu.RUnlock()
	if keys, ok := q.Keys(); ok {
		var out []driver.Record
		for _, k := range keys {
			rec, err := d.get(collection, k)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				out = append(out, rec)
			}
		}
		return out, nil
	}
	it, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix(collection),
		UpperBound: upperBound(collection),
	})
	if err != nil {
		return nil, errors.Unavailable(fmt.Errorf("pebble: failed to create iterator: %w", err))
	}
	defer func() {
		_ = it.Close()
	}()
	var out []driver.Record
	for it.First(); it.Valid(); it.Next() {
		var rec driver.Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, errors.Unavailable(fmt.Errorf("pebble: failed to decode %q: %w", it.Key(), err))
		}
		if driver.Match(rec, q) {
			out = append(out, rec)
		}
	}
	if err := it.Error(); err != nil {
		return nil, errors.Unavailable(fmt.Errorf("pebble: iteration failed: %w", err))
	}
	return out, nil
}

// put stores rec and publishes ev. The caller holds d.mu and d.wmu.
func (d *DB) put(collection, key string, rec driver.Record, kind driver.Kind) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return errors.Invalid(err.Error())
	}
	if err := d.db.Set(recordKey(collection, key), val, d.writeOpts); err != nil {
		return errors.Unavailable(fmt.Errorf("pebble: put failed: %w", err))
	}
	d.hub.Publish(driver.Event{Collection: collection, Key: key, Kind: kind, Record: rec})
	return nil
}

// Insert implements driver.Driver.
func (d *DB) Insert(_ context.Context, collection string, rec driver.Record) (string, error) {
	if err := d.enter(collection); err != nil {
		return "", err
	}
	defer d.mu.RUnlock()
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
	d.wmu.Lock()
	defer d.wmu.Unlock()
	cur, err := d.get(collection, key)
	if err != nil {
		return "", err
	}
	if cur != nil {
		return "", errors.Conflict(collection + "/" + key)
	}
	if err := d.put(collection, key, rec, driver.Created); err != nil {
		return "", err
	}
	return key, nil
}

// Update implements driver.Driver.
func (d *DB) Update(_ context.Context, collection, key string, patch driver.Record) error {
	if err := d.enter(collection); err != nil {
		return err
	}
	defer d.mu.RUnlock()
	patch, err := driver.Normalize(patch)
	if err != nil {
		return errors.Invalid(err.Error())
	}
	delete(patch, driver.KeyField)
	d.wmu.Lock()
	defer d.wmu.Unlock()
	cur, err := d.get(collection, key)
	if err != nil {
		return err
	}
	if cur == nil {
		return errors.NotFound(collection + "/" + key)
	}
	return d.put(collection, key, driver.Merge(cur, patch), driver.Updated)
}

// Remove implements driver.Driver.
func (d *DB) Remove(_ context.Context, collection, key string) error {
	if err := d.enter(collection); err != nil {
		return err
	}
	defer d.mu.RUnlock()
	d.wmu.Lock()
	defer d.wmu.Unlock()
	cur, err := d.get(collection, key)
	if err != nil {
		return err
	}
	if cur == nil {
		return errors.NotFound(collection + "/" + key)
	}
	if err := d.db.Delete(recordKey(collection, key), d.writeOpts); err != nil {
		return errors.Unavailable(fmt.Errorf("pebble: delete failed: %w", err))
	}
	d.hub.Publish(driver.Event{Collection: collection, Key: key, Kind: driver.Deleted})
	return nil
}

// Subscribe implements driver.Driver.
func (d *DB) Subscribe(collection string, h driver.Handler) (func(), error) {
	if err := d.enter(collection); err != nil {
		return nil, err
	}
	defer d.mu.RUnlock()
	return d.hub.Subscribe(collection, h), nil
}

// Close implements driver.Driver.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Swap(true) {
		return nil
	}
	d.hub.Close()
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("pebble: close failed: %w", err)
	}
	d.log.Info("database closed")
	return nil
}
