package odb

import (
	"context"
	"sync"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/errors"
	"github.com/maruel/odb/internal/observer"
	"github.com/maruel/odb/internal/validator"
)

// Document is the live view of one persisted record.
//
// Mutations go through Set, Patch or Data and stay local until Flush. Change
// events of the driver are merged into the document; pending local mutations
// are kept on top of the remote state.
//
// A Document is safe for concurrent use. Once disposed, or deleted, every
// read and write fails with DISPOSED.
type Document struct {
	db   *DB
	coll string
	key  string
	sub  *collection
	data *observer.Observer[driver.Record]

	// applyMu serializes live sync.
	applyMu sync.Mutex
	flushMu sync.Mutex

	mu       sync.Mutex
	base     driver.Record
	cleanup  validator.Cleanup
	deleted  bool
	disposed bool
}

var _ validator.Candidate = (*Document)(nil)

func newDocument(db *DB, collection, key string, rec driver.Record) *Document {
	return &Document{db: db, coll: collection, key: key, data: observer.New(rec)}
}

// attach runs the validators of the collection.
func (d *Document) attach() error {
	cleanup, err := d.db.validators.Run(d)
	if err != nil {
		return err
	}
	d.cleanup = cleanup
	return nil
}

// detach undoes attach on a document that was never registered.
func (d *Document) detach() {
	if d.cleanup != nil {
		d.cleanup()
	}
	d.data.Dispose()
}

// Collection implements validator.Candidate.
func (d *Document) Collection() string {
	return d.coll
}

// Key implements validator.Candidate. It never changes once the document is
// returned to a caller.
func (d *Document) Key() string {
	return d.key
}

// Data implements validator.Candidate. It is the observer over the whole
// record; writes through it are local mutations like Set.
func (d *Document) Data() *observer.Observer[driver.Record] {
	return d.data
}

// Field returns the observer of one field.
func (d *Document) Field(name string) *observer.Observer[any] {
	return observer.Path[any](d.data, name)
}

// Get returns the current value of a field.
func (d *Document) Get(field string) (any, error) {
	if d.Disposed() {
		return nil, errors.Disposed("document")
	}
	return d.Field(field).Get(), nil
}

// Set stores v in field. A nil v removes the field.
func (d *Document) Set(field string, v any) error {
	if field == driver.KeyField {
		return errors.Invalid("document key is immutable")
	}
	return d.Field(field).Set(v)
}

// Patch merges fields into the record in a single commit. A nil value
// removes the field.
func (d *Document) Patch(fields driver.Record) error {
	if _, ok := fields[driver.KeyField]; ok {
		return errors.Invalid("document key is immutable")
	}
	return d.data.Update(func(curr driver.Record) (driver.Record, bool) {
		return driver.Merge(curr, fields), true
	})
}

// Watch registers fn for every committed change of the record. After a
// deletion fn receives a nil record once.
func (d *Document) Watch(fn observer.Listener[driver.Record]) func() {
	return d.data.Watch(fn)
}

// WatchField registers fn for the changes of one field.
func (d *Document) WatchField(field string, fn observer.Listener[any]) func() {
	return d.Field(field).Watch(fn)
}

// Snapshot returns a copy of the current record.
func (d *Document) Snapshot() (driver.Record, error) {
	if d.Disposed() {
		return nil, errors.Disposed("document")
	}
	return d.data.Get(), nil
}

// Dirty reports whether the record has mutations not flushed yet.
func (d *Document) Dirty() bool {
	cur := d.data.Get()
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.disposed && driver.Diff(d.base, cur) != nil
}

// Flush writes the pending mutations to the driver as a patch. It does
// nothing when the document is not dirty.
func (d *Document) Flush(ctx context.Context) error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	if d.Disposed() {
		return errors.Disposed("document")
	}
	cur := d.data.Get()
	d.mu.Lock()
	patch := driver.Diff(d.base, cur)
	d.mu.Unlock()
	if patch == nil {
		return nil
	}
	if _, ok := patch[driver.KeyField]; ok {
		return errors.Invalid("document key is immutable")
	}
	if err := d.db.validators.Check(d.coll, cur); err != nil {
		return err
	}
	if err := d.db.drv.Update(ctx, d.coll, d.key, patch); err != nil {
		return err
	}
	d.mu.Lock()
	d.base = driver.Merge(d.base, patch)
	d.mu.Unlock()
	return nil
}

// Revert discards the mutations not flushed yet, restoring the last
// persisted record.
func (d *Document) Revert() error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	if d.Disposed() {
		return errors.Disposed("document")
	}
	d.mu.Lock()
	base := d.base.Clone()
	d.mu.Unlock()
	return d.data.Set(base)
}

// Dispose terminates the document: it is removed from the registry, its
// validators are cleaned up and its observers stop. Calling it again has no
// effect. It does not touch the stored record.
func (d *Document) Dispose() {
	d.terminate(false)
}

// Deleted reports whether the record was deleted, locally or remotely.
func (d *Document) Deleted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleted
}

// Disposed reports whether the document is terminated.
func (d *Document) Disposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}

func (d *Document) terminate(deleted bool) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	d.deleted = deleted
	cleanup := d.cleanup
	d.mu.Unlock()
	if deleted {
		_ = d.data.Set(nil)
	}
	if cleanup != nil {
		cleanup()
	}
	d.data.Dispose()
	if d.db.docs.remove(d) {
		d.db.metrics.live.WithLabelValues(d.coll).Dec()
		if d.sub != nil {
			d.db.release(d.sub)
		}
	}
}

// apply merges a driver event. It is called with applyMu held.
func (d *Document) apply(ev driver.Event) {
	if d.Disposed() {
		return
	}
	if ev.Kind == driver.Deleted {
		d.terminate(true)
		d.db.metrics.applied.WithLabelValues(d.coll, string(ev.Kind)).Inc()
		return
	}
	rec := ev.Record
	if rec == nil {
		var err error
		if rec, err = d.db.drv.Get(context.Background(), d.coll, d.key); err != nil {
			d.db.log.Error("failed to apply change", "collection", d.coll, "key", d.key, "kind", ev.Kind, "err", err)
			d.db.metrics.failed.WithLabelValues(d.coll).Inc()
			return
		}
		if rec == nil {
			d.terminate(true)
			d.db.metrics.applied.WithLabelValues(d.coll, string(driver.Deleted)).Inc()
			return
		}
	}
	d.mu.Lock()
	old := d.base
	d.base = rec.Clone()
	d.mu.Unlock()
	err := d.data.Update(func(curr driver.Record) (driver.Record, bool) {
		return driver.Merge(rec, driver.Diff(old, curr)), true
	})
	if err != nil {
		d.db.log.Error("failed to apply change", "collection", d.coll, "key", d.key, "kind", ev.Kind, "err", err)
		d.db.metrics.failed.WithLabelValues(d.coll).Inc()
		return
	}
	d.db.metrics.applied.WithLabelValues(d.coll, string(ev.Kind)).Inc()
}
