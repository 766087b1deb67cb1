// Package xhash computes the deterministic hash the refresh core uses to
// suppress sends of unchanged view data.
package xhash

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Hash canonicalizes v via JSON encoding and returns its xxhash sum.
//
// v is opaque application data; only its deterministic hash is consumed
// internally, so JSON is used purely as a canonical byte representation,
// not a wire format the engine exposes.
func Hash(v any) (uint64, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("xhash: marshal value: %w", err)
	}
	return xxhash.Sum64(b), nil
}

// Key canonicalizes an arbitrary comparable-by-structure value (a
// ViewSignature or Hint's fields) into a string suitable for use as a map
// key, since Go maps can't key on structs containing slices/interfaces.
func Key(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("xhash: marshal key: %w", err)
	}
	return string(b), nil
}
