// Package environment implements the capability-set abstraction an
// EnvironmentIdentity exposes: key generation, attestation, and signing,
// with Mock and Hardware variants sharing one interface per §4.2. An
// interface capability set is used instead of a class hierarchy so that
// adding a third variant never requires touching the first two.
package environment

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/titleprotocol/core/pkg/cryptoprimitives"
)

// Identity is the capability set every environment variant implements.
// Keys are generated exactly once, before the HTTP surface opens; private
// halves are never logged or returned from any method here.
type Identity interface {
	// GenerateSigningKeypair provisions the Ed25519 keypair used to sign
	// every attestation this process emits. Called once at startup.
	GenerateSigningKeypair(ctx context.Context) error

	// GenerateEncryptionKeypair provisions the X25519 static keypair used
	// for inbound ECDH. Called once at startup.
	GenerateEncryptionKeypair(ctx context.Context) error

	// GenerateTreeKeypair creates a fresh, single-use Ed25519 keypair for
	// tree bootstrap. It is never retained after the bootstrap call returns.
	GenerateTreeKeypair(ctx context.Context) (ed25519.PublicKey, ed25519.PrivateKey, error)

	// GetAttestation returns this environment's measurement document,
	// binding the current signing public key to the hosting platform's
	// boot state. The encryption public key is not bound into it.
	GetAttestation(ctx context.Context) (teeType string, document []byte, err error)

	// Sign produces an Ed25519 signature over msg using the currently
	// held signing key.
	Sign(msg []byte) ([]byte, error)

	// SigningPubkey returns the current Ed25519 public key.
	SigningPubkey() ed25519.PublicKey

	// EncryptionPubkey returns the current X25519 static public key.
	EncryptionPubkey() *ecdh.PublicKey

	// EncryptionSecretKey exposes the X25519 private key for ECDH
	// derivation inside the verify pipeline; it never crosses a process
	// boundary or appears in any logged value.
	EncryptionSecretKey() *ecdh.PrivateKey
}

// base holds the state common to every Identity implementation: the
// signing and encryption keypairs generated once at startup.
type base struct {
	mu         sync.RWMutex
	signingPub ed25519.PublicKey
	signingSk  ed25519.PrivateKey
	encPub     *ecdh.PublicKey
	encSk      *ecdh.PrivateKey
}

func (b *base) sign(msg []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.signingSk == nil {
		return nil, fmt.Errorf("environment: signing key not generated")
	}
	return cryptoprimitives.Sign(b.signingSk, msg), nil
}

func (b *base) signingPubkey() ed25519.PublicKey {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.signingPub
}

func (b *base) encryptionPubkey() *ecdh.PublicKey {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.encPub
}

func (b *base) encryptionSecretKey() *ecdh.PrivateKey {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.encSk
}

// Mock is the development environment variant: keys are generated from the
// OS RNG and GetAttestation returns a zero-measurement document rather than
// contacting any real attestation service.
type Mock struct {
	base
}

// NewMock constructs a Mock environment. Keys are not generated until
// GenerateSigningKeypair/GenerateEncryptionKeypair are called.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) GenerateSigningKeypair(ctx context.Context) error {
	pub, sk, err := cryptoprimitives.GenerateSigningKeypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("mock: generate signing keypair: %w", err)
	}
	m.mu.Lock()
	m.signingPub, m.signingSk = pub, sk
	m.mu.Unlock()
	return nil
}

func (m *Mock) GenerateEncryptionKeypair(ctx context.Context) error {
	sk, err := cryptoprimitives.GenerateX25519Keypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("mock: generate encryption keypair: %w", err)
	}
	m.mu.Lock()
	m.encSk, m.encPub = sk, sk.PublicKey()
	m.mu.Unlock()
	return nil
}

func (m *Mock) GenerateTreeKeypair(ctx context.Context) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, sk, err := cryptoprimitives.GenerateSigningKeypair(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("mock: generate tree keypair: %w", err)
	}
	return pub, sk, nil
}

// GetAttestation returns a fixed zero-measurement document: Mock never
// talks to a real attestation service. Downstream self-verify / trust
// checks still apply unchanged to whatever tee_type the caller configures
// trust for in development.
func (m *Mock) GetAttestation(ctx context.Context) (string, []byte, error) {
	return "mock", []byte(`{"measurement":"0000000000000000000000000000000000000000000000000000000000000000"}`), nil
}

func (m *Mock) Sign(msg []byte) ([]byte, error)        { return m.sign(msg) }
func (m *Mock) SigningPubkey() ed25519.PublicKey       { return m.signingPubkey() }
func (m *Mock) EncryptionPubkey() *ecdh.PublicKey      { return m.encryptionPubkey() }
func (m *Mock) EncryptionSecretKey() *ecdh.PrivateKey  { return m.encryptionSecretKey() }

var _ Identity = (*Mock)(nil)
