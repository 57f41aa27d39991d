// Package trust holds the hot-swappable TrustConfig snapshot every request
// reads. Updates atomically swap the snapshot pointer, without a lock;
// in-flight requests keep whatever snapshot they captured at the start of
// the request, per §5's concurrency model.
package trust

import (
	"sync/atomic"

	"github.com/titleprotocol/core/pkg/types"
)

// Store holds the current TrustConfig snapshot. The zero Store is not
// usable; build one with NewStore.
type Store struct {
	current atomic.Pointer[types.TrustConfig]
}

// NewStore builds a Store seeded with initial.
func NewStore(initial *types.TrustConfig) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Snapshot returns the currently active TrustConfig. The returned pointer
// is safe to hold for the lifetime of one request: Replace never mutates
// the pointee, only swaps the pointer.
func (s *Store) Snapshot() *types.TrustConfig {
	return s.current.Load()
}

// Replace atomically swaps in a new TrustConfig snapshot. Requests that
// already captured the previous snapshot via Snapshot are unaffected.
func (s *Store) Replace(next *types.TrustConfig) {
	s.current.Store(next)
}
