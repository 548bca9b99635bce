package odb

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry maps collection and key to the live Document. It is owned by one
// DB.
type Registry struct {
	m *xsync.MapOf[docID, *Document]
}

type docID struct {
	collection, key string
}

func newRegistry() *Registry {
	return &Registry{m: xsync.NewMapOf[docID, *Document]()}
}

// Lookup returns the live document for key, if any.
func (r *Registry) Lookup(collection, key string) (*Document, bool) {
	return r.m.Load(docID{collection, key})
}

// Len returns the number of live documents.
func (r *Registry) Len() int {
	return r.m.Size()
}

// Documents returns the live documents in unspecified order.
func (r *Registry) Documents() []*Document {
	out := make([]*Document, 0, r.m.Size())
	r.m.Range(func(_ docID, d *Document) bool {
		out = append(out, d)
		return true
	})
	return out
}

// store registers d unless another document holds its key, in which case the
// incumbent is returned.
func (r *Registry) store(d *Document) (*Document, bool) {
	actual, loaded := r.m.LoadOrStore(docID{d.coll, d.key}, d)
	return actual, !loaded
}

// remove unregisters d if it is the registered document for its key.
func (r *Registry) remove(d *Document) bool {
	removed := false
	r.m.Compute(docID{d.coll, d.key}, func(old *Document, loaded bool) (*Document, bool) {
		if loaded && old == d {
			removed = true
			return nil, true
		}
		return old, !loaded
	})
	return removed
}
