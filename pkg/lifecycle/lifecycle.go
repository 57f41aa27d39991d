// Package lifecycle owns the process-wide EnvironmentState gate: the
// single Inactive→Active transition that CreateTree performs once, and
// that Verify/Sign refuse to proceed without.
package lifecycle

import (
	"sync/atomic"

	"github.com/titleprotocol/core/pkg/errs"
	"github.com/titleprotocol/core/pkg/types"
)

// Gate holds the current EnvironmentState behind a single atomic value, so
// reads from concurrent requests never take a lock and the one write (the
// tree-bootstrap transition) is compare-and-swap, not a blind store.
type Gate struct {
	state atomic.Int32
}

// NewGate builds a Gate starting Inactive.
func NewGate() *Gate {
	return &Gate{}
}

// State reports the current EnvironmentState.
func (g *Gate) State() types.EnvironmentState {
	return types.EnvironmentState(g.state.Load())
}

// RequireActive fails with InvalidState unless the gate has already
// transitioned to Active. Verify and Sign call this before doing any work.
func (g *Gate) RequireActive() error {
	if g.State() != types.StateActive {
		return errs.New(errs.InvalidState, "environment is not active")
	}
	return nil
}

// RequireInactive fails with InvalidState unless the gate is still
// Inactive. CreateTree calls this before doing any work.
func (g *Gate) RequireInactive() error {
	if g.State() != types.StateInactive {
		return errs.New(errs.InvalidState, "environment is already active")
	}
	return nil
}

// Activate performs the one permitted Inactive→Active transition. It fails
// with InvalidState if the gate was not Inactive, guarding against a
// concurrent second CreateTree call succeeding twice.
func (g *Gate) Activate() error {
	if !g.state.CompareAndSwap(int32(types.StateInactive), int32(types.StateActive)) {
		return errs.New(errs.InvalidState, "environment is already active")
	}
	return nil
}
