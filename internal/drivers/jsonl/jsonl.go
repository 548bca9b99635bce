// Package jsonl is a driver storing each collection as an append-only JSONL
// log in a directory.
//
// Every write appends one line holding the full record after the change, so
// the log doubles as the change feed: other instances pointed at the same
// directory tail the file with fsnotify and replay the new lines as events.
// Writers serialize through a per-collection lock file, which makes the line
// order the commit order.
package jsonl

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/ksid"
	"golang.org/x/time/rate"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/errors"
)

// Name is the registered driver name.
const Name = "jsonl"

func init() {
	driver.Register(Name, func(ctx context.Context, cfg driver.Config) (driver.Driver, error) {
		return Open(ctx, cfg)
	})
}

// DB is a driver instance over a directory.
type DB struct {
	dir     string
	cfg     driver.Config
	log     *slog.Logger
	hub     *driver.Hub
	limiter *rate.Limiter
	closed  atomic.Bool
	done    chan struct{}
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	tables map[string]*table

	pendingMu sync.Mutex
	pending   map[string]*time.Timer
}

var _ driver.Driver = (*DB)(nil)

// Open opens the directory named by the "dir" property, creating it if
// needed. With CrossInstanceLive the directory is watched for writes made by
// other instances.
func Open(ctx context.Context, cfg driver.Config) (*DB, error) {
	dir := cfg.Prop("dir", "")
	if dir == "" {
		return nil, errors.Invalid("jsonl: property dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	limit := rate.Inf
	if cfg.Throttle > 0 {
		limit = rate.Every(cfg.Throttle)
	}
	d := &DB{
		dir:     dir,
		cfg:     cfg,
		log:     slog.Default().With("driver", Name, "dir", dir),
		hub:     driver.NewHub(),
		limiter: rate.NewLimiter(limit, 1),
		done:    make(chan struct{}),
		tables:  make(map[string]*table),
		pending: make(map[string]*time.Timer),
	}
	if cfg.CrossInstanceLive {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		d.watcher = w
		go d.watch(w)
	}
	d.log.DebugContext(ctx, "jsonl opened", "cross_instance_live", cfg.CrossInstanceLive)
	return d, nil
}

// Name implements driver.Driver.
func (d *DB) Name() string {
	return Name
}

func validCollection(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return errors.Invalid(fmt.Sprintf("jsonl: invalid collection name %q", name))
	}
	return nil
}

// with runs fn on the caught up table of collection while holding the
// collection file lock, exclusive for writes.
func (d *DB) with(collection string, exclusive bool, fn func(t *table) error) error {
	if d.closed.Load() {
		return errors.Closed(Name)
	}
	if err := validCollection(collection); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.tables[collection]
	if t == nil {
		t = newTable(d.dir, collection)
		d.tables[collection] = t
	}
	lock := t.lock.RLock
	if exclusive {
		lock = t.lock.Lock
	}
	if err := lock(); err != nil {
		return errors.Unavailable(fmt.Errorf("failed to lock %s: %w", collection, err))
	}
	defer func() {
		_ = t.lock.Unlock()
	}()
	events, err := t.catchUp()
	if err != nil {
		return errors.Unavailable(err)
	}
	for _, ev := range events {
		d.hub.Publish(ev)
	}
	if fn == nil {
		return nil
	}
	return fn(t)
}

// Get implements driver.Driver.
func (d *DB) Get(_ context.Context, collection, key string) (driver.Record, error) {
	var rec driver.Record
	err := d.with(collection, false, func(t *table) error {
		rec = t.rows[key].Clone()
		return nil
	})
	return rec, err
}

// Find implements driver.Driver.
func (d *DB) Find(ctx context.Context, collection string, q driver.Query) (driver.Record, error) {
	for rec, err := range d.FindAll(ctx, collection, q) {
		return rec, err
	}
	return nil, nil
}

// FindAll implements driver.Driver. The matching records are snapshotted
// when iteration starts and yielded in key order.
func (d *DB) FindAll(ctx context.Context, collection string, q driver.Query) iter.Seq2[driver.Record, error] {
	return func(yield func(driver.Record, error) bool) {
		if err := q.Validate(); err != nil {
			yield(nil, errors.Invalid(err.Error()))
			return
		}
		var recs []driver.Record
		err := d.with(collection, false, func(t *table) error {
			for _, key := range sortedKeys(t.rows) {
				if rec := t.rows[key]; driver.Match(rec, q) {
					recs = append(recs, rec.Clone())
				}
			}
			return nil
		})
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

// Insert implements driver.Driver.
func (d *DB) Insert(_ context.Context, collection string, rec driver.Record) (string, error) {
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
	err = d.with(collection, true, func(t *table) error {
		if _, ok := t.rows[key]; ok {
			return errors.Conflict(collection + "/" + key)
		}
		return d.write(t, entry{Kind: driver.Created, Key: key, Record: rec})
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Update implements driver.Driver.
func (d *DB) Update(_ context.Context, collection, key string, patch driver.Record) error {
	patch, err := driver.Normalize(patch)
	if err != nil {
		return errors.Invalid(err.Error())
	}
	delete(patch, driver.KeyField)
	return d.with(collection, true, func(t *table) error {
		cur, ok := t.rows[key]
		if !ok {
			return errors.NotFound(collection + "/" + key)
		}
		return d.write(t, entry{Kind: driver.Updated, Key: key, Record: driver.Merge(cur, patch)})
	})
}

// Remove implements driver.Driver.
func (d *DB) Remove(_ context.Context, collection, key string) error {
	return d.with(collection, true, func(t *table) error {
		if _, ok := t.rows[key]; !ok {
			return errors.NotFound(collection + "/" + key)
		}
		return d.write(t, entry{Kind: driver.Deleted, Key: key})
	})
}

func (d *DB) write(t *table, e entry) error {
	ev, err := t.append(e)
	if err != nil {
		return errors.Unavailable(err)
	}
	d.hub.Publish(ev)
	return nil
}

// Compact rewrites the log of collection to hold only live records.
func (d *DB) Compact(_ context.Context, collection string) error {
	return d.with(collection, true, func(t *table) error {
		if err := t.compact(); err != nil {
			return errors.Unavailable(err)
		}
		return nil
	})
}

// Subscribe implements driver.Driver.
func (d *DB) Subscribe(collection string, h driver.Handler) (func(), error) {
	// Load the table first so that existing records are not reported as new.
	if err := d.with(collection, false, nil); err != nil {
		return nil, err
	}
	return d.hub.Subscribe(collection, h), nil
}

// Close implements driver.Driver.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	close(d.done)
	var err error
	if d.watcher != nil {
		err = d.watcher.Close()
	}
	d.pendingMu.Lock()
	for _, tm := range d.pending {
		tm.Stop()
	}
	d.pending = map[string]*time.Timer{}
	d.pendingMu.Unlock()
	d.hub.Close()
	return err
}

func (d *DB) watch(w *fsnotify.Watcher) {
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			base := filepath.Base(event.Name)
			if name, ok := strings.CutSuffix(base, ".jsonl"); ok {
				d.schedule(name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.log.Warn("Error watching directory", "err", err)
		}
	}
}

// schedule refreshes collection once the throttle allows it. Notifications
// arriving while a refresh is pending are coalesced into it.
func (d *DB) schedule(collection string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if d.closed.Load() {
		return
	}
	if _, ok := d.pending[collection]; ok {
		return
	}
	delay := d.limiter.Reserve().Delay()
	d.pending[collection] = time.AfterFunc(delay, func() {
		d.pendingMu.Lock()
		delete(d.pending, collection)
		d.pendingMu.Unlock()
		if d.closed.Load() {
			return
		}
		if err := d.with(collection, false, nil); err != nil && !errors.IsRetryable(err) {
			d.log.Error("failed to refresh collection", "collection", collection, "err", err)
		} else if err != nil {
			d.log.Warn("failed to refresh collection", "collection", collection, "err", err)
		}
	})
}
