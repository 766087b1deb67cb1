package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/adred-codev/viewengine/viewtypes"
)

// memView is an in-memory, namespaced key-value view provider: a small
// per-namespace database where parameters[0] selects the key. Relevant
// matches a hint whose namespace equals the view's namespace and whose
// payload equals the requested key.
type memView struct {
	id viewtypes.ViewID

	mu sync.RWMutex
	db map[viewtypes.Namespace]map[string]int
}

func newMemView(id viewtypes.ViewID, seed map[viewtypes.Namespace]map[string]int) *memView {
	db := make(map[viewtypes.Namespace]map[string]int, len(seed))
	for ns, kv := range seed {
		row := make(map[string]int, len(kv))
		for k, v := range kv {
			row[k] = v
		}
		db[ns] = row
	}
	return &memView{id: id, db: db}
}

func (v *memView) ID() viewtypes.ViewID { return v.id }

func (v *memView) Data(_ context.Context, ns viewtypes.Namespace, params viewtypes.Parameters) (any, error) {
	key, err := paramKey(params)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	row, ok := v.db[ns]
	if !ok {
		return nil, fmt.Errorf("memview %s: unknown namespace %q", v.id, ns)
	}
	val, ok := row[key]
	if !ok {
		return nil, fmt.Errorf("memview %s: unknown key %q in namespace %q", v.id, key, ns)
	}
	return val, nil
}

func (v *memView) Relevant(ns viewtypes.Namespace, params viewtypes.Parameters, hints []viewtypes.Hint) bool {
	key, err := paramKey(params)
	if err != nil {
		return false
	}
	for _, h := range hints {
		if h.Namespace != ns {
			continue
		}
		if h.Payload == key {
			return true
		}
	}
	return false
}

// Set updates a value outside the View interface, simulating an external
// writer mutating the backing store out from under the engine. The demo's
// main does not call it.
func (v *memView) Set(ns viewtypes.Namespace, key string, value int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db[ns] == nil {
		v.db[ns] = make(map[string]int)
	}
	v.db[ns][key] = value
}

func paramKey(params viewtypes.Parameters) (string, error) {
	if len(params) != 1 {
		return "", fmt.Errorf("memview: expected exactly one parameter (the key), got %d", len(params))
	}
	key, ok := params[0].(string)
	if !ok {
		return "", fmt.Errorf("memview: parameter must be a string key, got %T", params[0])
	}
	return key, nil
}
