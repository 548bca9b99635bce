// Package sqlite is a driver storing records as JSON documents in a SQLite
// database.
//
// Each write inserts a row in the changes table within the same transaction.
// With CrossInstanceLive, instances poll that table and deliver every change,
// including their own, in sequence order.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maruel/ksid"
	"github.com/mattn/go-sqlite3"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/errors"
)

// Name is the registered driver name.
const Name = "sqlite"

//go:embed schema.sql
var schemaSQL string

const (
	defaultPoll = 20 * time.Millisecond
	pageSize    = 100
)

func init() {
	driver.Register(Name, func(ctx context.Context, cfg driver.Config) (driver.Driver, error) {
		return Open(ctx, cfg)
	})
}

// DB is a driver instance over a SQLite file.
type DB struct {
	db     *sql.DB
	cfg    driver.Config
	log    *slog.Logger
	hub    *driver.Hub
	closed atomic.Bool
	done   chan struct{}
	wake   chan struct{}
	wg     sync.WaitGroup

	// mu serializes writes so that local events are published in commit
	// order.
	mu sync.Mutex

	// lastSeq is owned by the poll goroutine once Open returned.
	lastSeq int64
}

var _ driver.Driver = (*DB)(nil)

// Open opens or creates the database named by the "path" property.
func Open(ctx context.Context, cfg driver.Config) (*DB, error) {
	path := cfg.Prop("path", "")
	if path == "" {
		return nil, errors.Invalid("sqlite: property path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	d := &DB{
		db:   db,
		cfg:  cfg,
		log:  slog.Default().With("driver", Name, "path", path),
		hub:  driver.NewHub(),
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM changes").Scan(&d.lastSeq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read change sequence: %w", err)
	}
	if cfg.CrossInstanceLive {
		interval := cfg.Throttle
		if interval <= 0 {
			interval = defaultPoll
		}
		d.wg.Add(1)
		go d.poll(interval)
	}
	d.log.DebugContext(ctx, "sqlite opened", "cross_instance_live", cfg.CrossInstanceLive)
	return d, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
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

func decode(data string) (driver.Record, error) {
	var rec driver.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}

// Get implements driver.Driver.
func (d *DB) Get(ctx context.Context, collection, key string) (driver.Record, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	var data string
	err := d.db.QueryRowContext(ctx, "SELECT data FROM records WHERE collection = ? AND key = ?", collection, key).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Unavailable(err)
	}
	rec, err := decode(data)
	if err != nil {
		return nil, errors.Unavailable(err)
	}
	return rec, nil
}

// Find implements driver.Driver.
func (d *DB) Find(ctx context.Context, collection string, q driver.Query) (driver.Record, error) {
	for rec, err := range d.FindAll(ctx, collection, q) {
		return rec, err
	}
	return nil, nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// where translates the terms of q that SQLite can evaluate. Terms it cannot
// express are left to driver.Match on the decoded rows.
func where(q driver.Query) (string, []any) {
	var clauses []string
	var args []any
	for field, term := range q {
		vals, _ := driver.Values(term)
		if len(vals) == 0 || !identRe.MatchString(field) {
			continue
		}
		supported := true
		for _, v := range vals {
			switch v.(type) {
			case string, float64, float32, int, int64, int32, bool:
			default:
				supported = false
			}
		}
		if !supported {
			continue
		}
		col := "json_extract(data, '$." + field + "')"
		if field == driver.KeyField {
			col = "key"
		}
		clauses = append(clauses, col+" IN ("+strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")+")")
		args = append(args, vals...)
	}
	return strings.Join(clauses, " AND "), args
}

// FindAll implements driver.Driver. Rows are read in pages in key order, so
// no connection is held while the caller consumes the sequence.
func (d *DB) FindAll(ctx context.Context, collection string, q driver.Query) iter.Seq2[driver.Record, error] {
	return func(yield func(driver.Record, error) bool) {
		if err := q.Validate(); err != nil {
			yield(nil, errors.Invalid(err.Error()))
			return
		}
		cond, cargs := where(q)
		query := "SELECT key, data FROM records WHERE collection = ? AND key > ?"
		if cond != "" {
			query += " AND " + cond
		}
		query += fmt.Sprintf(" ORDER BY key LIMIT %d", pageSize)
		after := ""
		for {
			if err := d.check(); err != nil {
				yield(nil, err)
				return
			}
			page, err := d.page(ctx, query, append([]any{collection, after}, cargs...))
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page {
				after = rec.Key()
				if !driver.Match(rec, q) {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

func (d *DB) page(ctx context.Context, query string, args []any) ([]driver.Record, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Unavailable(err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []driver.Record
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, errors.Unavailable(err)
		}
		rec, err := decode(data)
		if err != nil {
			return nil, errors.Unavailable(err)
		}
		rec[driver.KeyField] = key
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Unavailable(err)
	}
	return out, nil
}

// Insert implements driver.Driver.
func (d *DB) Insert(ctx context.Context, collection string, rec driver.Record) (string, error) {
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
	ev := driver.Event{Collection: collection, Key: key, Kind: driver.Created}
	err = d.write(ctx, ev, func(tx *sql.Tx) (driver.Record, error) {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, errors.Invalid(err.Error())
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO records (collection, key, data) VALUES (?, ?, ?)", collection, key, string(data))
		var serr sqlite3.Error
		if stderrors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
			return nil, errors.Conflict(collection + "/" + key)
		}
		return rec, err
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Update implements driver.Driver.
func (d *DB) Update(ctx context.Context, collection, key string, patch driver.Record) error {
	if err := d.check(); err != nil {
		return err
	}
	patch, err := driver.Normalize(patch)
	if err != nil {
		return errors.Invalid(err.Error())
	}
	delete(patch, driver.KeyField)
	ev := driver.Event{Collection: collection, Key: key, Kind: driver.Updated}
	return d.write(ctx, ev, func(tx *sql.Tx) (driver.Record, error) {
		var data string
		err := tx.QueryRowContext(ctx, "SELECT data FROM records WHERE collection = ? AND key = ?", collection, key).Scan(&data)
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound(collection + "/" + key)
		}
		if err != nil {
			return nil, err
		}
		cur, err := decode(data)
		if err != nil {
			return nil, err
		}
		next := driver.Merge(cur, patch)
		b, err := json.Marshal(next)
		if err != nil {
			return nil, errors.Invalid(err.Error())
		}
		_, err = tx.ExecContext(ctx, "UPDATE records SET data = ? WHERE collection = ? AND key = ?", string(b), collection, key)
		return next, err
	})
}

// Remove implements driver.Driver.
func (d *DB) Remove(ctx context.Context, collection, key string) error {
	if err := d.check(); err != nil {
		return err
	}
	ev := driver.Event{Collection: collection, Key: key, Kind: driver.Deleted}
	return d.write(ctx, ev, func(tx *sql.Tx) (driver.Record, error) {
		res, err := tx.ExecContext(ctx, "DELETE FROM records WHERE collection = ? AND key = ?", collection, key)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n == 0 {
			return nil, errors.NotFound(collection + "/" + key)
		}
		return nil, nil
	})
}

// write runs step, which mutates the records table and returns the record
// after the change, and logs the change within the same transaction. Without
// polling the event is published locally once committed.
func (d *DB) write(ctx context.Context, ev driver.Event, step func(tx *sql.Tx) (driver.Record, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Unavailable(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	rec, err := step(tx)
	if err != nil {
		return wrap(err)
	}
	ev.Record = rec
	var stored any
	if rec != nil {
		data, err := json.Marshal(rec)
		if err != nil {
			return errors.Invalid(err.Error())
		}
		stored = string(data)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO changes (collection, key, kind, data, created_at) VALUES (?, ?, ?, ?, ?)",
		ev.Collection, ev.Key, string(ev.Kind), stored, time.Now().UnixMilli()); err != nil {
		return errors.Unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Unavailable(err)
	}
	if d.cfg.CrossInstanceLive {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	} else {
		d.hub.Publish(ev)
	}
	return nil
}

// wrap keeps taxonomy errors and marks everything else as a backend failure.
func wrap(err error) error {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return err
	}
	return errors.Unavailable(err)
}

// Subscribe implements driver.Driver.
func (d *DB) Subscribe(collection string, h driver.Handler) (func(), error) {
	if err := d.check(); err != nil {
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
	d.wg.Wait()
	d.hub.Close()
	return d.db.Close()
}

func (d *DB) poll(interval time.Duration) {
	defer d.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-t.C:
		case <-d.wake:
		}
		if err := d.scan(); err != nil {
			d.log.Warn("failed to scan changes", "err", err)
		}
	}
}

// scan publishes the changes committed since the last scan.
func (d *DB) scan() error {
	ctx := context.Background()
	rows, err := d.db.QueryContext(ctx, "SELECT seq, collection, key, kind, data FROM changes WHERE seq > ? ORDER BY seq", d.lastSeq)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var seq int64
		var ev driver.Event
		var kind string
		var data sql.NullString
		if err := rows.Scan(&seq, &ev.Collection, &ev.Key, &kind, &data); err != nil {
			return err
		}
		ev.Kind = driver.Kind(kind)
		if data.Valid {
			if ev.Record, err = decode(data.String); err != nil {
				return err
			}
		}
		d.lastSeq = seq
		d.hub.Publish(ev)
	}
	return rows.Err()
}
