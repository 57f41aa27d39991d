package trust

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/titleprotocol/core/pkg/types"
)

func TestStore_SnapshotStableAcrossReplace(t *testing.T) {
	first := &types.TrustConfig{Authority: "W1"}
	s := NewStore(first)

	captured := s.Snapshot()
	require.Equal(t, "W1", captured.Authority)

	second := &types.TrustConfig{Authority: "W2"}
	s.Replace(second)

	require.Equal(t, "W1", captured.Authority, "in-flight snapshot must not observe the replacement")
	require.Equal(t, "W2", s.Snapshot().Authority)
}

func TestTrustConfig_WasmHashLookup(t *testing.T) {
	cfg := &types.TrustConfig{
		TrustedWasmModules: []types.TrustedWasmModule{
			{ExtensionID: "redact-v1", WasmHash: "0xabc"},
		},
	}
	hash, ok := cfg.WasmHashFor("redact-v1")
	require.True(t, ok)
	require.Equal(t, "0xabc", hash)

	_, ok = cfg.WasmHashFor("unknown-v1")
	require.False(t, ok)
}
