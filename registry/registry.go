// Package registry implements the view registry: a map from view-id to
// view provider, supporting dynamic add/replace with readers never
// observing a torn value.
package registry

import (
	"sync/atomic"

	"github.com/adred-codev/viewengine/viewtypes"
)

// Registry maps ViewID to View. The zero value is not usable; use New.
//
// Reads are lock-free: Get loads a single snapshot pointer. Writes
// (AddViews) build a new map and swap the pointer in, so a concurrent
// reader always sees either the entirely-old or entirely-new map, never a
// partially-updated one.
type Registry struct {
	snapshot atomic.Pointer[map[viewtypes.ViewID]viewtypes.View]
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{}
	empty := map[viewtypes.ViewID]viewtypes.View{}
	r.snapshot.Store(&empty)
	return r
}

// AddViews inserts or replaces entries by view.ID(). Replacement is
// in-place from a reader's perspective: a Get racing with AddViews
// observes the view that was current at some instant, never a mix.
func (r *Registry) AddViews(views ...viewtypes.View) {
	if len(views) == 0 {
		return
	}
	for {
		old := r.snapshot.Load()
		next := make(map[viewtypes.ViewID]viewtypes.View, len(*old)+len(views))
		for id, v := range *old {
			next[id] = v
		}
		for _, v := range views {
			next[v.ID()] = v
		}
		if r.snapshot.CompareAndSwap(old, &next) {
			return
		}
		// Lost the race with a concurrent AddViews; retry against the
		// new snapshot.
	}
}

// Get returns the view registered under id, if any.
func (r *Registry) Get(id viewtypes.ViewID) (viewtypes.View, bool) {
	m := *r.snapshot.Load()
	v, ok := m[id]
	return v, ok
}
