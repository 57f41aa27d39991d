package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/titleprotocol/core/pkg/errs"
	"github.com/titleprotocol/core/pkg/types"
)

func TestGate_StartsInactive(t *testing.T) {
	g := NewGate()
	require.Equal(t, types.StateInactive, g.State())
	require.NoError(t, g.RequireInactive())
	require.Error(t, g.RequireActive())
}

func TestGate_ActivateTransitionsOnce(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.Activate())
	require.Equal(t, types.StateActive, g.State())
	require.NoError(t, g.RequireActive())
	require.Error(t, g.RequireInactive())

	err := g.Activate()
	require.Error(t, err)
	require.Equal(t, errs.InvalidState, errs.KindOf(err))
}
