// Package toolcache caches tool outputs so repeated calls with the same
// arguments are answered without touching the external collaborator.
//
// The cache is best-effort and mutation-tolerant: a lost write or a backend
// error only costs one extra external call, never correctness. Two backends
// are provided — [Memory] for single-node deployments and tests, and [Redis]
// for multi-replica serving where replicas should share hits.
//
// Keys are derived from the tool name and a canonicalized form of the
// arguments, so `{"a":1,"b":2}` and `{"b":2,"a":1}` hit the same entry. Tools
// marked user-scoped additionally mix the user ID into the key; their entries
// can never leak across users.
package toolcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Cache is the backend contract. Implementations must be safe for concurrent
// use from parallel tool calls in one turn and across unrelated conversations.
type Cache interface {
	// Get returns the cached value for key and whether it was present and
	// fresh. Backend errors are returned for logging but callers treat any
	// error as a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores val under key for ttl. A ttl <= 0 is a programming error;
	// callers must bypass the cache entirely for uncacheable tools.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// Key builds the cache key for a tool call. argsJSON is canonicalized (object
// keys sorted recursively, numbers kept in their original representation) so
// argument order differences do not cause spurious misses. userID must be
// empty for globally-scoped tools and the caller's user ID for user-scoped
// ones.
func Key(toolName, argsJSON, userID string) string {
	canonical := canonicalize(argsJSON)

	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(canonical)
	if userID != "" {
		h.Write([]byte{0})
		h.Write([]byte(userID))
	}
	return "tool:" + hex.EncodeToString(h.Sum(nil))
}

// canonicalize re-encodes JSON with sorted object keys. encoding/json sorts
// map keys on marshal, and json.Number round-trips numeric literals verbatim,
// so decode-then-encode is a canonical form. Invalid JSON is used as-is: a
// stable key still results, it just never collides with a valid one.
func canonicalize(argsJSON string) []byte {
	if argsJSON == "" {
		argsJSON = "{}"
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(argsJSON)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return []byte(argsJSON)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return []byte(argsJSON)
	}
	return out
}
