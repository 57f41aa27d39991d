// Package config holds the small enum-with-String()/validation types and
// environment variable names shared by cmd/title-node and the pkg packages
// it wires together.
package config

import (
	"fmt"

	"github.com/titleprotocol/core/pkg/types"
)

// EnvironmentKind selects which EnvironmentIdentity implementation the node
// boots with.
type EnvironmentKind string

func (k EnvironmentKind) String() string { return string(k) }

const (
	EnvironmentMock     EnvironmentKind = "mock"
	EnvironmentHardware EnvironmentKind = "hardware"
)

func ParseEnvironmentKind(s string) (EnvironmentKind, error) {
	switch EnvironmentKind(s) {
	case EnvironmentMock:
		return EnvironmentMock, nil
	case EnvironmentHardware:
		return EnvironmentHardware, nil
	default:
		return "", fmt.Errorf("unsupported environment kind: %s", s)
	}
}

// BridgeKind selects the outbound transport bridge implementation used by
// pkg/fetcher to reach the gateway's relayed HTTP surface.
type BridgeKind string

func (k BridgeKind) String() string { return string(k) }

const (
	BridgeDirect   BridgeKind = "direct"
	BridgeLoopback BridgeKind = "loopback"
	BridgePlatform BridgeKind = "platform"
)

func ParseBridgeKind(s string) (BridgeKind, error) {
	switch BridgeKind(s) {
	case BridgeDirect:
		return BridgeDirect, nil
	case BridgeLoopback:
		return BridgeLoopback, nil
	case BridgePlatform:
		return BridgePlatform, nil
	default:
		return "", fmt.Errorf("unsupported bridge kind: %s", s)
	}
}

// PersistenceKind selects the backend for pkg/persistence's replay guard and
// local attestation ledger.
type PersistenceKind string

func (k PersistenceKind) String() string { return string(k) }

const (
	PersistenceMemory PersistenceKind = "memory"
	PersistenceBadger PersistenceKind = "badger"
	PersistenceRedis  PersistenceKind = "redis"
)

func ParsePersistenceKind(s string) (PersistenceKind, error) {
	switch PersistenceKind(s) {
	case PersistenceMemory:
		return PersistenceMemory, nil
	case PersistenceBadger:
		return PersistenceBadger, nil
	case PersistenceRedis:
		return PersistenceRedis, nil
	default:
		return "", fmt.Errorf("unsupported persistence kind: %s", s)
	}
}

// AttestationProvider selects which TEE attestation issuer the Hardware
// environment expects its measurement documents from.
type AttestationProvider string

const (
	AttestationGoogleConfidentialSpace AttestationProvider = "google"
	AttestationIntelTrustAuthority     AttestationProvider = "intel"
)

func ParseAttestationProvider(s string) (AttestationProvider, error) {
	switch AttestationProvider(s) {
	case AttestationGoogleConfidentialSpace:
		return AttestationGoogleConfidentialSpace, nil
	case AttestationIntelTrustAuthority:
		return AttestationIntelTrustAuthority, nil
	default:
		return "", fmt.Errorf("unsupported attestation provider: %s", s)
	}
}

// Environment variable names, named per §6. cmd/title-node binds each of
// these to a flag except the three TITLE_ATTESTATION_* names, which no
// flag reads.
const (
	EnvEnvironmentKind       = "TITLE_ENVIRONMENT"
	EnvBridgeKind            = "TITLE_BRIDGE"
	EnvPort                  = "TITLE_PORT"
	EnvCoreCollectionMint    = "TITLE_CORE_COLLECTION_MINT"
	EnvExtCollectionMint     = "TITLE_EXT_COLLECTION_MINT"
	EnvWasmDir               = "TITLE_WASM_DIR"
	EnvGatewayPubkey         = "TITLE_GATEWAY_PUBKEY"
	EnvTrustConfigPath       = "TITLE_TRUST_CONFIG_PATH"
	EnvAdminToken            = "TITLE_ADMIN_TOKEN"
	EnvPersistenceKind       = "TITLE_PERSISTENCE_BACKEND"
	EnvPersistenceDataPath   = "TITLE_PERSISTENCE_DATA_PATH"
	EnvRedisAddress          = "TITLE_REDIS_ADDRESS"
	EnvRedisPassword         = "TITLE_REDIS_PASSWORD"
	EnvAttestationProvider   = "TITLE_ATTESTATION_PROVIDER"
	EnvAttestationProjectID  = "TITLE_ATTESTATION_PROJECT_ID"
	EnvAttestationDebugMode  = "TITLE_ATTESTATION_DEBUG"
	EnvMaxSingleContentBytes = "TITLE_MAX_SINGLE_CONTENT_BYTES"
	EnvMaxConcurrentBytes    = "TITLE_MAX_CONCURRENT_BYTES"
	EnvVerbose               = "TITLE_VERBOSE"
)

// DefaultResourceBudget is the fallback used when no gateway-scoped override
// is present; it favors conservative, small-file limits. The gateway
// envelope carries a types.ResourceBudget per request, so the process
// default uses the same type rather than a parallel shape.
var DefaultResourceBudget = types.ResourceBudget{
	MaxSingleContentBytes:     64 << 20, // 64 MiB
	MaxConcurrentBytes:        256 << 20,
	MinUploadSpeedBytesPerSec: 64 << 10, // 64 KiB/s
	BaseProcessingTimeSec:     5,
	MaxGlobalTimeoutSec:       120,
	ChunkReadTimeoutSec:       10,
	MaxGraphSize:              4096,
}
