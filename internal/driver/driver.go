// Package driver defines the contract a storage backend implements to be used
// by the observable database.
//
// A Driver exposes collection-scoped CRUD, a flat equality query and change
// notification. Drivers register a factory from their package init so that a
// backend can be selected by name from configuration, the way database/sql
// drivers do.
package driver

import (
	"context"
	"iter"
	"time"
)

// Driver adapts one storage backend.
//
// Every method is safe for concurrent use. Operations after Close fail with
// an UNAVAILABLE error.
type Driver interface {
	// Name returns the registered driver name.
	Name() string
	// Get returns the record stored under key, or nil when absent.
	Get(ctx context.Context, collection, key string) (Record, error)
	// Find returns one record matching q, or nil when none does.
	Find(ctx context.Context, collection string, q Query) (Record, error)
	// FindAll returns a lazy sequence of the records matching q. The sequence
	// is finite and reflects the backend at iteration time.
	FindAll(ctx context.Context, collection string, q Query) iter.Seq2[Record, error]
	// Insert stores rec and returns its key. When rec carries an "id" field it
	// is used as the natural key and a duplicate fails with CONFLICT.
	// Otherwise the driver assigns one.
	Insert(ctx context.Context, collection string, rec Record) (string, error)
	// Update shallow-merges patch into the record stored under key. Fields set
	// to nil are removed. An absent key fails with NOT_FOUND.
	Update(ctx context.Context, collection, key string, patch Record) error
	// Remove deletes the record stored under key. An absent key fails with
	// NOT_FOUND.
	Remove(ctx context.Context, collection, key string) error
	// Subscribe delivers change events of collection to h until the returned
	// function is called. Events for one key are delivered in commit order.
	Subscribe(collection string, h Handler) (unsubscribe func(), err error)
	// Close releases the backend.
	Close() error
}

// Handler receives change events. It runs on a goroutine owned by the
// subscription; a slow handler delays only its own subscription.
type Handler func(Event)

// Kind is the type of change an Event reports.
type Kind string

// Change kinds.
const (
	Created Kind = "created"
	Updated Kind = "updated"
	Deleted Kind = "deleted"
)

// Event is a change notification.
//
// Record holds the full record after the change for Created and Updated, and
// is nil for Deleted. A driver that cannot cheaply provide the record may
// send an Updated event with a nil Record; the receiver re-fetches.
type Event struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Kind       Kind   `json:"kind"`
	Record     Record `json:"record,omitempty"`
}

// Config parametrizes a driver instance.
type Config struct {
	// Name selects a registered driver.
	Name string `yaml:"name" json:"name"`
	// Props holds driver specific settings, for example "dir" or "url".
	Props map[string]string `yaml:"props" json:"props"`
	// Throttle is the minimum interval between two change scans for drivers
	// that poll or tail their backend.
	Throttle time.Duration `yaml:"throttle" json:"throttle"`
	// CrossInstanceLive requests delivery of changes committed by other
	// driver instances sharing the same backend.
	CrossInstanceLive bool `yaml:"cross_instance_live" json:"cross_instance_live"`
}

// Prop returns cfg.Props[name], or def when unset.
func (cfg *Config) Prop(name, def string) string {
	if v, ok := cfg.Props[name]; ok && v != "" {
		return v
	}
	return def
}
