package opensea

import (
	"strings"
	"sync/atomic"
)

// KeySource picks the API key for the next request. Implementations must be
// safe for concurrent use since one source may serve several clients.
type KeySource interface {
	Next() string
}

// StaticKey always returns the same key.
type StaticKey string

func (k StaticKey) Next() string { return string(k) }

// KeyRing rotates through a set of keys round-robin so rate-limit accounting
// is spread across them.
type KeyRing struct {
	keys []string
	next atomic.Uint64
}

// NewKeyRing returns a ring over the non-blank keys.
func NewKeyRing(keys ...string) *KeyRing {
	r := &KeyRing{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			r.keys = append(r.keys, k)
		}
	}
	return r
}

func (r *KeyRing) Next() string {
	if len(r.keys) == 0 {
		return ""
	}
	i := r.next.Add(1) - 1
	return r.keys[i%uint64(len(r.keys))]
}

// Len reports the number of keys in the ring.
func (r *KeyRing) Len() int {
	return len(r.keys)
}
