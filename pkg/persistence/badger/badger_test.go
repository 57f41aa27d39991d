package badger

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/titleprotocol/core/pkg/logging"
	"github.com/titleprotocol/core/pkg/persistence"
)

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()
	tmpDir := t.TempDir()
	testLogger, err := logging.NewLogger(&logging.Config{Debug: false})
	require.NoError(t, err)

	p, err := New(tmpDir, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPersistence_NonceSeenAfterMark(t *testing.T) {
	p := newTestPersistence(t)
	hash := sha256.Sum256([]byte("gateway-signature-bytes"))

	seen, err := p.SeenNonce(hash)
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, p.MarkNonceSeen(hash, time.Minute))

	seen, err = p.SeenNonce(hash)
	require.NoError(t, err)
	require.True(t, seen)
}

func TestPersistence_RecordAndListAttestations(t *testing.T) {
	p := newTestPersistence(t)

	for i, processorID := range []string{"core-c2pa", "redact-v1", "core-c2pa"} {
		rec := persistence.AttestationRecord{
			RecordedAt:    int64(1_700_000_000 + i),
			ProcessorID:   processorID,
			TeeType:       "gcp-confidential-space",
			TeePubkey:     "Bpub111",
			RequestKind:   "verify",
			OutcomeStatus: "ok",
		}
		require.NoError(t, p.RecordAttestation(rec))
	}

	records, err := p.RecentAttestations(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, int64(1_700_000_002), records[0].RecordedAt, "newest first")
}

func TestPersistence_HealthCheckAfterClose(t *testing.T) {
	p := newTestPersistence(t)
	require.NoError(t, p.HealthCheck())
	require.NoError(t, p.Close())
	require.Error(t, p.HealthCheck())
	require.NoError(t, p.Close(), "close is idempotent")
}
