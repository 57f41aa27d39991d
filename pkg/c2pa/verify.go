package c2pa

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"
)

// canonicalClaimBytes serializes the claim fields a manifest's signature
// covers, excluding the signature itself, with deterministic key ordering.
func canonicalClaimBytes(m *Manifest) ([]byte, error) {
	claim := struct {
		ClaimGenerator string       `json:"claim_generator"`
		ContentType    string       `json:"content_type"`
		CreatorWallet  string       `json:"creator_wallet"`
		Ingredients    []Ingredient `json:"ingredients,omitempty"`
	}{m.ClaimGenerator, m.ContentType, m.CreatorWallet, m.Ingredients}
	return json.Marshal(claim)
}

// verifyChain validates m's certificate chain (leaf first, root last,
// self-contained: the root is trusted because it closes the embedded
// chain, not against an external PKI) and checks m.Signature over the
// canonical claim bytes using the leaf certificate's public key.
func verifyChain(m *Manifest) error {
	if len(m.CertChainDER) == 0 {
		return errSignatureInvalid("no_cert_chain", fmt.Errorf("manifest carries no certificate chain"))
	}

	certs := make([]*x509.Certificate, 0, len(m.CertChainDER))
	for i, der := range m.CertChainDER {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return errSignatureInvalid("malformed_cert", fmt.Errorf("cert %d: %w", i, err))
		}
		certs = append(certs, cert)
	}

	leaf := certs[0]
	intermediates := x509.NewCertPool()
	roots := x509.NewCertPool()
	if len(certs) > 1 {
		for _, cert := range certs[1 : len(certs)-1] {
			intermediates.AddCert(cert)
		}
		roots.AddCert(certs[len(certs)-1])
	} else {
		roots.AddCert(leaf)
	}

	if _, err := leaf.Verify(x509.VerifyOptions{
		Intermediates: intermediates,
		Roots:         roots,
		CurrentTime:   time.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return errSignatureInvalid("chain_untrusted", err)
	}

	claimBytes, err := canonicalClaimBytes(m)
	if err != nil {
		return errSignatureInvalid("claim_encoding", err)
	}

	if !verifySignatureWithPublicKey(leaf.PublicKey, claimBytes, m.Signature) {
		return errSignatureInvalid("claim_signature", fmt.Errorf("signature does not verify against leaf certificate"))
	}
	return nil
}

func verifySignatureWithPublicKey(pub any, msg, sig []byte) bool {
	switch key := pub.(type) {
	case ed25519.PublicKey:
		return ed25519.Verify(key, msg, sig)
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(key, hashForECDSA(msg), sig)
	default:
		return false
	}
}

func hashForECDSA(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}

// Verify reads the embedded manifest store from assetBytes, validates
// every manifest's signature chain, and identifies the active manifest
// (the last manifest in the store).
func Verify(assetBytes []byte) (*VerifiedManifestSet, error) {
	store, err := ParseManifestStore(assetBytes)
	if err != nil {
		return nil, err
	}

	var codes []ValidationCode
	for i := range store.Manifests {
		m := &store.Manifests[i]
		if err := verifyChain(m); err != nil {
			return nil, err
		}
		codes = append(codes, CodeTrustedSigner)
	}

	active := &store.Manifests[len(store.Manifests)-1]
	return &VerifiedManifestSet{
		Store:           store,
		ActiveManifest:  active,
		ValidationCodes: codes,
	}, nil
}
