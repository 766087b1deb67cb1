// Package subindex implements the subscription index: the bidirectional
// map between subscriber keys and view signatures, plus the hash cache of
// each signature's last-sent data.
package subindex

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/adred-codev/viewengine/internal/xhash"
	"github.com/adred-codev/viewengine/viewtypes"
)

// Index owns subscribed, subscribers, and hashes behind a single coarse
// mutex: these fields move together under every transition, and splitting
// the lock per field would let a reader observe one field updated and
// another stale.
//
// Maintained invariants:
//
//	sig is in subscribed[key] iff key is in subscribers[sig]
//	hashes[sig] present implies subscribers[sig] is non-empty
//	no empty buckets are retained in either index
//	after Unsubscribe, neither index nor hashes references (sig, key)
type Index struct {
	mu sync.Mutex

	// subscribed[subscriberKeyStr][sigKey] = sig
	subscribed map[string]map[string]viewtypes.ViewSignature
	// subscriberVals[subscriberKeyStr] = the original, un-stringified key
	subscriberVals map[string]viewtypes.SubscriberKey
	// subscribers[sigKey][subscriberKeyStr] = subscriberKey
	subscribers map[string]map[string]viewtypes.SubscriberKey

	hashes map[string]uint64

	// sf collapses concurrent initial-refresh computations for the same
	// view signature into one View.Data call when many subscribers join
	// at once. It does not change delivery semantics: each caller of
	// ComputeInitial still gets the (possibly shared) result back and
	// sends it independently.
	sf singleflight.Group
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		subscribed:     make(map[string]map[string]viewtypes.ViewSignature),
		subscriberVals: make(map[string]viewtypes.SubscriberKey),
		subscribers:    make(map[string]map[string]viewtypes.SubscriberKey),
		hashes:         make(map[string]uint64),
	}
}

func keyOf(k viewtypes.SubscriberKey) string {
	s, err := xhash.Key(k)
	if err != nil {
		panic(fmt.Sprintf("viewengine: subscriber key %+v is not key-able: %v", k, err))
	}
	return s
}

// Subscribe inserts (sig, key) into both indices under one atomic
// transition. Idempotent with respect to the index shape: subscribing the
// same (sig, key) pair twice leaves subscribed/subscribers unchanged,
// even though the caller still performs two independent initial sends.
func (idx *Index) Subscribe(sig viewtypes.ViewSignature, key viewtypes.SubscriberKey) {
	sigKey := sig.Key()
	keyKey := keyOf(key)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.subscribed[keyKey] == nil {
		idx.subscribed[keyKey] = make(map[string]viewtypes.ViewSignature)
	}
	idx.subscribed[keyKey][sigKey] = sig
	idx.subscriberVals[keyKey] = key

	if idx.subscribers[sigKey] == nil {
		idx.subscribers[sigKey] = make(map[string]viewtypes.SubscriberKey)
	}
	idx.subscribers[sigKey][keyKey] = key
}

// Unsubscribe removes (sig, key) from both indices. If the signature has
// no remaining subscribers, its cached hash is purged too. Unknown sig or
// key is a no-op. Reports whether the signature's hash entry was purged as
// a result.
func (idx *Index) Unsubscribe(sig viewtypes.ViewSignature, key viewtypes.SubscriberKey) (hashPurged bool) {
	sigKey := sig.Key()
	keyKey := keyOf(key)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if subs, ok := idx.subscribed[keyKey]; ok {
		delete(subs, sigKey)
		if len(subs) == 0 {
			delete(idx.subscribed, keyKey)
			delete(idx.subscriberVals, keyKey)
		}
	}

	if keys, ok := idx.subscribers[sigKey]; ok {
		delete(keys, keyKey)
		if len(keys) == 0 {
			delete(idx.subscribers, sigKey)
			if _, had := idx.hashes[sigKey]; had {
				delete(idx.hashes, sigKey)
				hashPurged = true
			}
		}
	}
	return hashPurged
}

// UnsubscribeAll removes every signature subscribed by key, returning the
// signatures that were removed.
func (idx *Index) UnsubscribeAll(key viewtypes.SubscriberKey) []viewtypes.ViewSignature {
	keyKey := keyOf(key)

	idx.mu.Lock()
	sigs, ok := idx.subscribed[keyKey]
	if !ok {
		idx.mu.Unlock()
		return nil
	}
	out := make([]viewtypes.ViewSignature, 0, len(sigs))
	for sigKey, sig := range sigs {
		out = append(out, sig)
		if keys, ok := idx.subscribers[sigKey]; ok {
			delete(keys, keyKey)
			if len(keys) == 0 {
				delete(idx.subscribers, sigKey)
				delete(idx.hashes, sigKey)
			}
		}
	}
	delete(idx.subscribed, keyKey)
	delete(idx.subscriberVals, keyKey)
	idx.mu.Unlock()

	return out
}

// SubscribedViews returns the union of every subscriber's subscribed set,
// deduplicated by signature, as of the instant the lock was held.
func (idx *Index) SubscribedViews() []viewtypes.ViewSignature {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	seen := make(map[string]viewtypes.ViewSignature, len(idx.subscribers))
	for _, sigs := range idx.subscribed {
		for sigKey, sig := range sigs {
			seen[sigKey] = sig
		}
	}
	out := make([]viewtypes.ViewSignature, 0, len(seen))
	for _, sig := range seen {
		out = append(out, sig)
	}
	return out
}

// ActiveViewCount returns the count of signatures with at least one
// subscriber.
func (idx *Index) ActiveViewCount() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.subscribers)
}

// SubscriberCount returns the count of distinct subscriber keys with at
// least one subscription.
func (idx *Index) SubscriberCount() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.subscribed)
}

// SubscribersOf returns a snapshot of the subscriber keys currently
// subscribed to sig, taken once per refresh so fan-out sends against a
// consistent list even if the subscriber set changes mid-refresh.
func (idx *Index) SubscribersOf(sig viewtypes.ViewSignature) []viewtypes.SubscriberKey {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	keys, ok := idx.subscribers[sig.Key()]
	if !ok {
		return nil
	}
	out := make([]viewtypes.SubscriberKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, k)
	}
	return out
}

// IsSubscribed reports whether key is currently subscribed to sig. Used by
// the initial-subscribe path to decide whether to send at all, only if the
// subscription still exists at that moment — a narrower check than
// HasSubscribers (some other key might still be subscribed to sig while
// this particular key already left).
func (idx *Index) IsSubscribed(sig viewtypes.ViewSignature, key viewtypes.SubscriberKey) bool {
	sigKey := sig.Key()
	keyKey := keyOf(key)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.subscribers[sigKey][keyKey]
	return ok
}

// HasSubscribers reports whether sig currently has at least one
// subscriber. The initial-subscribe path uses the narrower IsSubscribed
// instead.
func (idx *Index) HasSubscribers(sig viewtypes.ViewSignature) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.subscribers[sig.Key()]) > 0
}

// GetHash returns the cached hash for sig, if any.
func (idx *Index) GetHash(sig viewtypes.ViewSignature) (uint64, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	h, ok := idx.hashes[sig.Key()]
	return h, ok
}

// SetHash stores hash for sig on behalf of the refresh worker, but only if
// sig still has at least one subscriber — this keeps the hash-implies-
// subscribed invariant intact even when the signature was unsubscribed
// between the worker's subscriber snapshot and its hash write. Returns
// whether the hash was stored.
func (idx *Index) SetHash(sig viewtypes.ViewSignature, hash uint64) bool {
	sigKey := sig.Key()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.subscribers[sigKey]) == 0 {
		return false
	}
	idx.hashes[sigKey] = hash
	return true
}

// SetHashIfAbsent implements the hash-first-write policy: the
// initial-subscribe path only stores its hash if no refresh worker has
// already written one for this sig, and only if sig still has a
// subscriber. Returns whether the hash was stored.
func (idx *Index) SetHashIfAbsent(sig viewtypes.ViewSignature, hash uint64) bool {
	sigKey := sig.Key()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.hashes[sigKey]; exists {
		return false
	}
	if len(idx.subscribers[sigKey]) == 0 {
		return false
	}
	idx.hashes[sigKey] = hash
	return true
}

// Reset clears all subscription and hash state. Intended for use by the
// engine's shutdown path, which resets all in-memory state to empty; the
// view registry is deliberately out of scope here since views are
// borrowed external references, not state this index owns.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.subscribed = make(map[string]map[string]viewtypes.ViewSignature)
	idx.subscriberVals = make(map[string]viewtypes.SubscriberKey)
	idx.subscribers = make(map[string]map[string]viewtypes.SubscriberKey)
	idx.hashes = make(map[string]uint64)
}

// ComputeInitial runs compute for sig, collapsing concurrent calls for the
// same signature into a single underlying invocation via singleflight.
// Every caller still receives the (possibly shared) result and is
// responsible for sending it to its own subscriber.
func (idx *Index) ComputeInitial(ctx context.Context, sig viewtypes.ViewSignature, compute func(context.Context) (any, error)) (any, error) {
	v, err, _ := idx.sf.Do(sig.Key(), func() (any, error) {
		return compute(ctx)
	})
	return v, err
}
