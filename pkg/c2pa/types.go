// Package c2pa parses a C2PA-style manifest store from raw asset bytes,
// validates each manifest's signature chain, and derives the provenance
// graph and content identifier the rest of the pipeline signs over.
//
// The wire format this package parses is one JSON manifest store appended
// after the asset's own bytes and followed by its 4-byte big-endian
// length (the
// embedding convention a JUMBF box would use in a full C2PA toolchain,
// simplified to JSON since no manifest binary-format parser exists in
// this codebase's dependency stack). Signature chains are still verified
// against real X.509 certificates and real Ed25519/ECDSA signatures.
package c2pa

import "time"

// ValidationCode is a non-fatal signal surfaced alongside a successful
// verification, carried through into the attestation's attributes.
type ValidationCode string

const (
	CodeTrustedSigner     ValidationCode = "signingCredential.trusted"
	CodeUntrustedTSA      ValidationCode = "timeStamp.untrusted"
	CodeIngredientUnknown ValidationCode = "ingredient.unresolved"
)

// Ingredient references another manifest embedded as input material. When
// Manifest is nil the ingredient is a leaf: its signature is recorded but
// no nested provenance exists to walk further.
type Ingredient struct {
	Title     string    `json:"title"`
	Signature []byte    `json:"signature"`
	Manifest  *Manifest `json:"manifest,omitempty"`
}

// TimestampToken is an embedded RFC 3161 timestamp over the manifest's
// claim signature.
type TimestampToken struct {
	UnixSecs      int64    `json:"unix_secs"`
	SignerKeyHash [32]byte `json:"signer_key_hash"`
	TokenData     []byte   `json:"token_data"`
}

// Manifest is one entry in the manifest store: a claim, its signature,
// the signing certificate chain, and the ingredients it references.
type Manifest struct {
	ClaimGenerator string          `json:"claim_generator"`
	ContentType    string          `json:"content_type"`
	CreatorWallet  string          `json:"creator_wallet"`
	Signature      []byte          `json:"signature"`
	CertChainDER   [][]byte        `json:"cert_chain_der"`
	Ingredients    []Ingredient    `json:"ingredients,omitempty"`
	Timestamp      *TimestampToken `json:"timestamp,omitempty"`
}

// ManifestStore is the full embedded chain, ordered oldest-first; the
// active manifest is the last entry.
type ManifestStore struct {
	Manifests []Manifest `json:"manifests"`
}

// VerifiedManifestSet is the output of Verify: the parsed store plus the
// resolved active manifest and any non-fatal validation codes collected
// while walking the chain.
type VerifiedManifestSet struct {
	Store           *ManifestStore
	ActiveManifest  *Manifest
	ValidationCodes []ValidationCode
	VerifiedAt      time.Time
}
