package environment

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"

	"github.com/titleprotocol/core/pkg/attestation"
	"github.com/titleprotocol/core/pkg/cryptoprimitives"
)

// AttestationRequester mints a measurement document binding a caller-chosen
// nonce to the platform's boot state. In production this calls out to the
// Confidential Space / Trust Authority metadata server; it is injected so
// Hardware stays testable without a live TEE.
type AttestationRequester interface {
	RequestAttestation(ctx context.Context, teeType attestation.TeeType, nonce []byte) ([]byte, error)
}

// Hardware is the production environment variant: entropy is sourced from
// the platform security module (crypto/rand on a TEE-backed guest kernel
// already draws from the hardware RNG) and GetAttestation returns a real
// measurement document with the signing public key bound into its nonce.
type Hardware struct {
	base
	logger    *zap.Logger
	requester AttestationRequester
	teeType   attestation.TeeType

	attestedTeeType string
	attestedDoc     []byte
}

// NewHardware constructs a Hardware environment that requests attestation
// documents of the given teeType through requester.
func NewHardware(logger *zap.Logger, requester AttestationRequester, teeType attestation.TeeType) *Hardware {
	return &Hardware{logger: logger, requester: requester, teeType: teeType}
}

func (h *Hardware) GenerateSigningKeypair(ctx context.Context) error {
	pub, sk, err := cryptoprimitives.GenerateSigningKeypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("hardware: generate signing keypair: %w", err)
	}
	h.mu.Lock()
	h.signingPub, h.signingSk = pub, sk
	h.mu.Unlock()

	nonce := base64.RawURLEncoding.EncodeToString(pub)
	doc, err := h.requester.RequestAttestation(ctx, h.teeType, []byte(nonce))
	if err != nil {
		return fmt.Errorf("hardware: request attestation: %w", err)
	}
	h.mu.Lock()
	h.attestedTeeType, h.attestedDoc = string(h.teeType), doc
	h.mu.Unlock()
	h.logger.Info("attested signing key", zap.String("tee_type", string(h.teeType)))
	return nil
}

func (h *Hardware) GenerateEncryptionKeypair(ctx context.Context) error {
	sk, err := cryptoprimitives.GenerateX25519Keypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("hardware: generate encryption keypair: %w", err)
	}
	h.mu.Lock()
	h.encSk, h.encPub = sk, sk.PublicKey()
	h.mu.Unlock()
	return nil
}

// GenerateTreeKeypair mints a fresh, single-use Ed25519 keypair from
// platform entropy for tree bootstrap; unlike the signing and encryption
// keypairs it is never attested and never retained past the bootstrap call.
func (h *Hardware) GenerateTreeKeypair(ctx context.Context) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, sk, err := cryptoprimitives.GenerateSigningKeypair(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("hardware: generate tree keypair: %w", err)
	}
	return pub, sk, nil
}

// GetAttestation returns the measurement document captured when the
// signing key was generated; Hardware never re-attests after startup.
func (h *Hardware) GetAttestation(ctx context.Context) (string, []byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.attestedDoc == nil {
		return "", nil, fmt.Errorf("hardware: no attestation captured, GenerateSigningKeypair not called")
	}
	return h.attestedTeeType, h.attestedDoc, nil
}

func (h *Hardware) Sign(msg []byte) ([]byte, error)       { return h.sign(msg) }
func (h *Hardware) SigningPubkey() ed25519.PublicKey      { return h.signingPubkey() }
func (h *Hardware) EncryptionPubkey() *ecdh.PublicKey     { return h.encryptionPubkey() }
func (h *Hardware) EncryptionSecretKey() *ecdh.PrivateKey { return h.encryptionSecretKey() }

var _ Identity = (*Hardware)(nil)
