// Package gateway verifies the Ed25519 signature the boundary gateway
// attaches to every inbound request envelope, per §4.10: the core never
// trusts a request until this check passes.
package gateway

import (
	"encoding/binary"
	"encoding/json"

	"github.com/mr-tron/base58"

	"github.com/titleprotocol/core/pkg/cryptoprimitives"
	"github.com/titleprotocol/core/pkg/errs"
	"github.com/titleprotocol/core/pkg/trust"
	"github.com/titleprotocol/core/pkg/types"
)

// Checker verifies GatewayEnvelope signatures against the trust snapshot's
// authorized gateway key, falling back to an operator-configured override
// when the snapshot carries none — a deployment toggle for standing up a
// node before its trust config is populated, not a protocol feature.
type Checker struct {
	trust          *trust.Store
	overridePubkey string
}

// NewChecker builds a Checker. overridePubkey (base58) may be empty.
func NewChecker(trustStore *trust.Store, overridePubkey string) *Checker {
	return &Checker{trust: trustStore, overridePubkey: overridePubkey}
}

// CanonicalEnvelope reproduces the exact byte sequence the gateway signs:
// method || path || body || resource_budget, each field preceded by its
// 4-byte big-endian length, with resource_budget
// serialized via its canonical JSON encoding (deterministic field order,
// since Go's encoding/json emits struct fields in declaration order).
func CanonicalEnvelope(method, path string, body []byte, budget types.ResourceBudget) ([]byte, error) {
	budgetJSON, err := json.Marshal(budget)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "marshal resource budget for canonicalization", err)
	}

	var buf []byte
	buf = appendLenPrefixed(buf, []byte(method))
	buf = appendLenPrefixed(buf, []byte(path))
	buf = appendLenPrefixed(buf, body)
	buf = appendLenPrefixed(buf, budgetJSON)
	return buf, nil
}

func appendLenPrefixed(buf, field []byte) []byte {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(field)))
	buf = append(buf, lenBytes[:]...)
	return append(buf, field...)
}

// Verify checks envelope.GatewaySignature against whichever gateway
// pubkey is authoritative: the trust snapshot's first matching
// trusted_environment_nodes.gateway_pubkey, or the override if the
// snapshot carries none. Absence of both or a mismatched signature
// fails with Unauthorized.
func (c *Checker) Verify(envelope types.GatewayEnvelope) error {
	canonical, err := CanonicalEnvelope(envelope.Method, envelope.Path, envelope.BodyBytes, envelope.ResourceBudget)
	if err != nil {
		return err
	}

	pubkeyB58 := c.authorizedPubkeyB58()
	if pubkeyB58 == "" {
		return errs.New(errs.Unauthorized, "no gateway public key configured")
	}
	pubkey, err := base58.Decode(pubkeyB58)
	if err != nil {
		return errs.Wrap(errs.Unauthorized, "configured gateway public key is not valid base58", err)
	}

	if !cryptoprimitives.Verify(pubkey, canonical, envelope.GatewaySignature) {
		return errs.New(errs.Unauthorized, "gateway signature verification failed")
	}
	return nil
}

func (c *Checker) authorizedPubkeyB58() string {
	snapshot := c.trust.Snapshot()
	for _, node := range snapshot.TrustedEnvironmentNodes {
		if node.GatewayPubkey != "" {
			return node.GatewayPubkey
		}
	}
	return c.overridePubkey
}
