// Package cryptoprimitives provides the pure, deterministic cryptographic
// functions the rest of Title Protocol's core builds on: Ed25519 signatures,
// X25519 key agreement, HKDF-SHA-256 derivation, and AES-256-GCM sealing.
package cryptoprimitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFInfo is the domain-separation string bound into every key derived for
// the client<->environment end-to-end encryption channel.
const HKDFInfo = "title-protocol-e2ee"

// ErrAuthTagMismatch is returned by Open when the AEAD tag fails to verify.
var ErrAuthTagMismatch = fmt.Errorf("cryptoprimitives: auth tag mismatch")

// GenerateSigningKeypair creates a fresh Ed25519 keypair using the supplied
// entropy source. Callers pass crypto/rand.Reader in production and a seeded
// reader only in tests.
func GenerateSigningKeypair(entropy io.Reader) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(entropy)
}

// Sign produces a 64-byte Ed25519 signature over msg.
func Sign(sk ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(sk, msg)
}

// Verify reports whether sig is a valid Ed25519 signature of msg under pk.
func Verify(pk ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pk, msg, sig)
}

// GenerateX25519Keypair creates a fresh X25519 static keypair for inbound
// ECDH key agreement.
func GenerateX25519Keypair(entropy io.Reader) (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(entropy)
}

// X25519PublicFromBytes parses a 32-byte X25519 public key.
func X25519PublicFromBytes(b []byte) (*ecdh.PublicKey, error) {
	return ecdh.X25519().NewPublicKey(b)
}

// DeriveShared computes the X25519 shared secret between sk and the peer's
// public key. x25519(a_sk, b_pk) == x25519(b_sk, a_pk) for any matching pair.
func DeriveShared(sk *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	shared, err := sk.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("cryptoprimitives: ecdh: %w", err)
	}
	return shared, nil
}

// DeriveSessionKey runs HKDF-SHA-256 over the ECDH shared secret with the
// protocol's fixed info string and an empty salt, producing a 32-byte AES key.
func DeriveSessionKey(shared []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, shared, nil, []byte(HKDFInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("cryptoprimitives: hkdf expand: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with a fresh random 12-byte nonce using
// AES-256-GCM, returning the nonce and ciphertext||tag separately.
func Seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoprimitives: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoprimitives: new gcm: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("cryptoprimitives: nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Open decrypts ciphertext (which must include the GCM tag) under key and
// nonce, returning ErrAuthTagMismatch on any tamper or key/nonce mismatch.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoprimitives: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoprimitives: new gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrAuthTagMismatch
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthTagMismatch
	}
	return plaintext, nil
}

// ContentHash is SHA-256 of the active manifest's signature blob, the
// protocol's canonical content identifier.
func ContentHash(activeManifestSignature []byte) [32]byte {
	return sha256.Sum256(activeManifestSignature)
}

// ContentHashHex formats a content hash the way every external surface
// expects it: "0x" followed by lowercase hex, 66 characters total.
func ContentHashHex(h [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 2+len(h)*2)
	out[0], out[1] = '0', 'x'
	for i, b := range h {
		out[2+i*2] = hextable[b>>4]
		out[2+i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
