package observer

import (
	"slices"
	"sync/atomic"
)

// handle addresses a listener record in a registry.
type handle uint64

// record is one subscription. fire receives whole-tree root values.
type record struct {
	h    handle
	path []string
	fire func(prevRoot, currRoot any)
	live atomic.Bool
}

// registry is an arena of listener records ordered by registration.
//
// It is not concurrent-safe; the owning tree's lock guards it.
type registry struct {
	next    handle
	records []*record
}

func (r *registry) add(path []string, fire func(prevRoot, currRoot any)) *record {
	r.next++
	rec := &record{h: r.next, path: path, fire: fire}
	rec.live.Store(true)
	r.records = append(r.records, rec)
	return rec
}

func (r *registry) remove(h handle) {
	r.records = slices.DeleteFunc(r.records, func(rec *record) bool {
		if rec.h == h {
			rec.live.Store(false)
			return true
		}
		return false
	})
}

// snapshot returns the records currently registered, in registration order.
func (r *registry) snapshot() []*record {
	return slices.Clone(r.records)
}

// invalidate drops every record.
func (r *registry) invalidate() {
	for _, rec := range r.records {
		rec.live.Store(false)
	}
	r.records = nil
}

func (r *registry) len() int {
	return len(r.records)
}

// related reports whether a change at one path can affect the other.
func related(a, b []string) bool {
	n := min(len(a), len(b))
	return slices.Equal(a[:n], b[:n])
}
