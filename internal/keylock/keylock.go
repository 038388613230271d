// Package keylock provides striped mutexes keyed by string.
//
// Operations on the same key are serialized; operations on different keys only
// contend when their keys hash to the same stripe. There is no global lock.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultStripes is used when New is given a non-positive count.
const DefaultStripes = 64

// Striped is a fixed set of mutexes indexed by key hash.
type Striped struct {
	stripes []sync.Mutex
}

// New creates a Striped lock with n stripes.
func New(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for key and returns its unlock function.
func (s *Striped) Lock(key string) (unlock func()) {
	mu := &s.stripes[Index(key, len(s.stripes))]
	mu.Lock()
	return mu.Unlock
}

// Index maps key onto [0, n).
func Index(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}
