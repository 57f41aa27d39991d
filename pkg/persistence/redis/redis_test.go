package redis

import (
	"crypto/sha256"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/titleprotocol/core/pkg/logging"
	"github.com/titleprotocol/core/pkg/persistence"
)

// testRedisAddress returns the Redis address for testing. Uses
// REDIS_TEST_ADDRESS if set, otherwise defaults to localhost:6379.
func testRedisAddress() string {
	if addr := os.Getenv("REDIS_TEST_ADDRESS"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// requireRedis skips the test if Redis is not reachable at the configured
// address, rather than failing a suite run that has no Redis available.
func requireRedis(t *testing.T) *Persistence {
	t.Helper()

	testLogger, err := logging.NewLogger(&logging.Config{Debug: false})
	require.NoError(t, err)

	cfg := &Config{
		Address:   testRedisAddress(),
		DB:        15, // dedicated DB for tests
		KeyPrefix: "test:",
	}

	p, err := New(cfg, testLogger)
	if err != nil {
		t.Skipf("redis not available at %s: %v", cfg.Address, err)
		return nil
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPersistence_NonceSeenAfterMark(t *testing.T) {
	p := requireRedis(t)
	hash := sha256.Sum256([]byte("gateway-signature-bytes-redis"))

	seen, err := p.SeenNonce(hash)
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, p.MarkNonceSeen(hash, time.Minute))

	seen, err = p.SeenNonce(hash)
	require.NoError(t, err)
	require.True(t, seen)
}

func TestPersistence_RecordAndListAttestations(t *testing.T) {
	p := requireRedis(t)

	for i, processorID := range []string{"core-c2pa", "redact-v1", "core-c2pa"} {
		rec := persistence.AttestationRecord{
			RecordedAt:    int64(1_800_000_000 + i),
			ProcessorID:   processorID,
			TeeType:       "intel-trust-authority",
			TeePubkey:     "Epub222",
			RequestKind:   "sign",
			OutcomeStatus: "ok",
		}
		require.NoError(t, p.RecordAttestation(rec))
	}

	records, err := p.RecentAttestations(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, int64(1_800_000_002), records[0].RecordedAt, "newest first")
}

func TestPersistence_HealthCheckAfterClose(t *testing.T) {
	p := requireRedis(t)
	require.NoError(t, p.HealthCheck())
	require.NoError(t, p.Close())
	require.Error(t, p.HealthCheck())
	require.NoError(t, p.Close(), "close is idempotent")
}

func TestNew_RejectsEmptyAddress(t *testing.T) {
	testLogger, err := logging.NewLogger(&logging.Config{Debug: false})
	require.NoError(t, err)

	_, err = New(&Config{}, testLogger)
	require.Error(t, err)
}
