// Package validator holds the per-collection hooks that normalize or reject
// candidate records before they are exposed.
//
// A Registration is attached once to every candidate of its table, before
// any caller sees the candidate. It typically normalizes the candidate's data
// in place and watches it to keep normalizing later mutations. The Cleanup it
// returns is called once, when the candidate is disposed.
package validator

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/errors"
	"github.com/maruel/odb/internal/observer"
)

// Candidate is the record under construction handed to validators.
type Candidate interface {
	// Collection is the table the candidate belongs to.
	Collection() string
	// Key is the record key. It is empty for a record not inserted yet.
	Key() string
	// Data is the live record. Writes through it are normalization.
	Data() *observer.Observer[driver.Record]
}

// Cleanup releases what a registration attached to a candidate.
type Cleanup func()

// Registration is one validator for a table.
type Registration struct {
	Table string
	// Register attaches the validator to c. Returning an error rejects c.
	// The returned Cleanup may be nil.
	Register func(c Candidate) (Cleanup, error)
	// Check, when set, is called with the record about to be written by a
	// flush. Returning an error rejects the write.
	Check func(rec driver.Record) error
}

// Registry holds registrations by table, in registration order.
type Registry struct {
	mu   sync.RWMutex
	regs map[string][]Registration
	log  *slog.Logger
}

// NewRegistry returns a Registry holding regs.
func NewRegistry(regs ...Registration) *Registry {
	r := &Registry{regs: map[string][]Registration{}, log: slog.Default()}
	r.Add(regs...)
	return r
}

// SetLogger sets the logger used to report rejections and normalization
// failures. It must be called before the registry is used.
func (r *Registry) SetLogger(l *slog.Logger) {
	r.log = l
}

// logger returns the registry logger, or the default one for a nil registry.
func (r *Registry) logger() *slog.Logger {
	if r == nil || r.log == nil {
		return slog.Default()
	}
	return r.log
}

// logged carries the registry logger to the registrations run on a candidate.
type logged struct {
	Candidate
	log *slog.Logger
}

// loggerOf returns the logger attached to c by Run.
func loggerOf(c Candidate) *slog.Logger {
	if l, ok := c.(*logged); ok {
		return l.log
	}
	return slog.Default()
}

// Add appends registrations. They apply to candidates constructed afterward.
func (r *Registry) Add(regs ...Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range regs {
		r.regs[reg.Table] = append(r.regs[reg.Table], reg)
	}
}

// Tables returns the tables having at least one registration, sorted.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.regs))
	for t := range r.regs {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) forTable(table string) []Registration {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.regs[table])
}

// Run attaches every registration of c's table to c, in order.
//
// On success it returns a Cleanup calling the collected cleanups in reverse
// order; calling it more than once has no further effect. When one
// registration fails, the cleanups already collected are called in reverse
// order and a VALIDATION_REJECTED error is returned.
func (r *Registry) Run(c Candidate) (Cleanup, error) {
	table := c.Collection()
	log := r.logger()
	lc := &logged{Candidate: c, log: log}
	var cleanups []Cleanup
	unwind := func() {
		for _, fn := range slices.Backward(cleanups) {
			fn()
		}
	}
	for _, reg := range r.forTable(table) {
		if reg.Register == nil {
			continue
		}
		fn, err := reg.Register(lc)
		if err != nil {
			unwind()
			log.Debug("validator rejected candidate", "table", table, "key", c.Key(), "err", err)
			return nil, errors.Rejected(table, err)
		}
		if fn != nil {
			cleanups = append(cleanups, fn)
		}
	}
	var once sync.Once
	return func() { once.Do(unwind) }, nil
}

// Check runs every Check hook of table against rec.
func (r *Registry) Check(table string, rec driver.Record) error {
	for _, reg := range r.forTable(table) {
		if reg.Check == nil {
			continue
		}
		if err := reg.Check(rec); err != nil {
			r.logger().Debug("validator rejected write", "table", table, "key", rec.Key(), "err", err)
			return errors.Rejected(table, err)
		}
	}
	return nil
}

// Normalizer returns a registration applying fn to the candidate's data now
// and after every later change. fn must be idempotent: its output is fed back
// to it once and must come back unchanged.
func Normalizer(table string, fn func(driver.Record) (driver.Record, error)) Registration {
	return Registration{
		Table: table,
		Register: func(c Candidate) (Cleanup, error) {
			data := c.Data()
			log := loggerOf(c)
			var failed error
			err := data.Update(func(curr driver.Record) (driver.Record, bool) {
				next, err := fn(curr)
				if err != nil {
					failed = err
					return nil, false
				}
				return next, true
			})
			if failed != nil {
				return nil, failed
			}
			if err != nil {
				return nil, err
			}
			stop := data.Watch(func(_, curr driver.Record) {
				if curr == nil {
					return
				}
				next, err := fn(curr)
				if err != nil {
					log.Debug("normalizer failed", "table", table, "key", c.Key(), "err", err)
					return
				}
				_ = data.Set(next)
			})
			return Cleanup(stop), nil
		},
	}
}
