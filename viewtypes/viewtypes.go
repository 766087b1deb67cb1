// Package viewtypes defines the value types the view subscription and
// refresh engine operates on: view signatures, hints, subscriber keys, and
// the View capability itself.
package viewtypes

import (
	"context"
	"fmt"

	"github.com/adred-codev/viewengine/internal/xhash"
)

// ViewID identifies a view provider in the registry.
type ViewID string

// Namespace is a logical tenancy/partition tag. The zero value means
// "no namespace".
type Namespace string

// Parameters is an ordered sequence of values identifying a concrete view
// instantiation. Equality is structural (deep), not by reference.
type Parameters []any

// SubscriberKey is an opaque, caller-supplied identity for one downstream
// consumer. The engine keys its maps by the key's JSON encoding, so it must
// be JSON-encodable (the index panics otherwise), and two keys with the
// same encoding are treated as the same subscriber. The engine does not
// interpret it beyond that.
type SubscriberKey = any

// ViewSignature uniquely identifies a concrete view instantiation: a
// namespace, a view-id, and an ordered parameter list.
type ViewSignature struct {
	Namespace  Namespace
	ViewID     ViewID
	Parameters Parameters
}

// HasNamespace reports whether the signature already carries a namespace,
// i.e. whether namespace resolution can be skipped.
func (s ViewSignature) HasNamespace() bool {
	return s.Namespace != ""
}

// WithNamespace returns a copy of s with Namespace set to ns.
func (s ViewSignature) WithNamespace(ns Namespace) ViewSignature {
	s.Namespace = ns
	return s
}

// WithoutNamespace returns a copy of s with Namespace cleared, matching the
// payload shape sent to subscribers on refresh.
func (s ViewSignature) WithoutNamespace() ViewSignature {
	s.Namespace = ""
	return s
}

// Key returns a canonical, comparable string encoding of s, used as the
// internal map key everywhere a ViewSignature must be hashed.
func (s ViewSignature) Key() string {
	k, err := xhash.Key(s)
	if err != nil {
		// Parameters are caller-controlled application data; a JSON
		// marshal failure here (e.g. a channel or func in Parameters)
		// is a programming error in the caller, not a runtime
		// condition the engine can recover from sensibly.
		panic(fmt.Sprintf("viewengine: view signature %+v is not key-able: %v", s, err))
	}
	return k
}

// Hint describes "something changed in region X of kind T". Hints are
// opaque to the engine; only View.Relevant interprets them.
type Hint struct {
	Namespace Namespace
	Payload   any
	Type      string
}

// Key returns a canonical string encoding of h for set-deduplication; hints
// are equal structurally and deduplicated on insertion.
func (h Hint) Key() string {
	k, err := xhash.Key(h)
	if err != nil {
		panic(fmt.Sprintf("viewengine: hint %+v is not key-able: %v", h, err))
	}
	return k
}

// View is an externally-provided capability: arbitrary data sources
// (SQL, in-memory maps, etc.) implement it and are otherwise invisible to
// the engine.
//
// Data and Relevant must be safe for concurrent use: Relevant is invoked
// from the watcher goroutine, Data from worker and initial-subscribe
// goroutines, potentially concurrently across different signatures.
type View interface {
	// ID returns this view's identity in the registry.
	ID() ViewID

	// Data computes the current value for (namespace, parameters). It may
	// block and may return an error; errors are logged by the caller and
	// never retried automatically.
	Data(ctx context.Context, ns Namespace, params Parameters) (any, error)

	// Relevant reports whether any of hints could change this view's data
	// for (namespace, parameters). It must be pure with respect to its
	// inputs and should not block.
	Relevant(ns Namespace, params Parameters, hints []Hint) bool
}
