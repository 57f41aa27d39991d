package c2pa

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// selfSignedEd25519 generates a fresh Ed25519 keypair and a self-signed
// certificate over it, returning the DER-encoded certificate and the
// private key used to sign claims in tests.
func selfSignedEd25519(t *testing.T) (certDER []byte, sk ed25519.PrivateKey) {
	t.Helper()
	pub, sk, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-c2pa-signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, sk)
	require.NoError(t, err)
	return der, sk
}

func signManifest(t *testing.T, m *Manifest, sk ed25519.PrivateKey, certDER []byte) {
	t.Helper()
	m.CertChainDER = [][]byte{certDER}
	claimBytes, err := canonicalClaimBytes(m)
	require.NoError(t, err)
	m.Signature = ed25519.Sign(sk, claimBytes)
}

func assetWithStore(t *testing.T, store *ManifestStore) []byte {
	t.Helper()
	blob, err := json.Marshal(store)
	require.NoError(t, err)

	asset := []byte("JPEG-bytes-not-real-but-enough-to-sniff")
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(blob)))
	return append(append(asset, blob...), lenPrefix...)
}

func TestVerify_ActiveManifestOnly(t *testing.T) {
	certDER, sk := selfSignedEd25519(t)

	m := Manifest{ClaimGenerator: "title/1.0", ContentType: "image/jpeg", CreatorWallet: "W111"}
	signManifest(t, &m, sk, certDER)

	store := &ManifestStore{Manifests: []Manifest{m}}
	asset := assetWithStore(t, store)

	set, err := Verify(asset)
	require.NoError(t, err)
	require.Equal(t, "W111", set.ActiveManifest.CreatorWallet)

	id := ContentIdentifier(set)
	require.Len(t, id, 66)
	require.Equal(t, "0x", id[:2])

	dag, err := BuildProvenanceGraph(set, 100)
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 1)
	require.Len(t, dag.Links, 0)
}

func TestVerify_TamperedSignatureFails(t *testing.T) {
	certDER, sk := selfSignedEd25519(t)

	m := Manifest{ClaimGenerator: "title/1.0", ContentType: "image/jpeg", CreatorWallet: "W111"}
	signManifest(t, &m, sk, certDER)
	m.ContentType = "image/png" // mutate claim after signing

	store := &ManifestStore{Manifests: []Manifest{m}}
	asset := assetWithStore(t, store)

	_, err := Verify(asset)
	require.Error(t, err)
}

func TestBuildProvenanceGraph_WithIngredients(t *testing.T) {
	certDER, sk := selfSignedEd25519(t)

	ing1 := Manifest{ClaimGenerator: "title/1.0", ContentType: "image/jpeg", CreatorWallet: "W222"}
	signManifest(t, &ing1, sk, certDER)
	ing2 := Manifest{ClaimGenerator: "title/1.0", ContentType: "image/jpeg", CreatorWallet: "W333"}
	signManifest(t, &ing2, sk, certDER)

	root := Manifest{
		ClaimGenerator: "title/1.0",
		ContentType:    "image/jpeg",
		CreatorWallet:  "W111",
		Ingredients: []Ingredient{
			{Title: "a", Signature: ing1.Signature, Manifest: &ing1},
			{Title: "b", Signature: ing2.Signature, Manifest: &ing2},
		},
	}
	signManifest(t, &root, sk, certDER)

	store := &ManifestStore{Manifests: []Manifest{root}}
	asset := assetWithStore(t, store)

	set, err := Verify(asset)
	require.NoError(t, err)

	dag, err := BuildProvenanceGraph(set, 100)
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 3)
	require.Len(t, dag.Links, 2)
	for _, link := range dag.Links {
		require.Equal(t, "ingredient", link.Role)
	}
}

func TestBuildProvenanceGraph_DropsBackEdge(t *testing.T) {
	certDER, sk := selfSignedEd25519(t)

	child := Manifest{ClaimGenerator: "title/1.0", ContentType: "image/jpeg", CreatorWallet: "W222"}
	signManifest(t, &child, sk, certDER)

	// Introduce a back-edge: child lists itself as an ingredient, so the walk
	// meets a node that is already on its current path. The edge is added
	// before root is signed, since root's signature covers its ingredients.
	childSigCopy := append([]byte{}, child.Signature...)
	child.Ingredients = []Ingredient{{Title: "back", Signature: childSigCopy}}

	root := Manifest{
		ClaimGenerator: "title/1.0",
		ContentType:    "image/jpeg",
		CreatorWallet:  "W111",
		Ingredients: []Ingredient{
			{Title: "a", Signature: child.Signature, Manifest: &child},
		},
	}
	signManifest(t, &root, sk, certDER)

	store := &ManifestStore{Manifests: []Manifest{root}}
	asset := assetWithStore(t, store)

	set, err := Verify(asset)
	require.NoError(t, err)

	dag, err := BuildProvenanceGraph(set, 100)
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 2, "back-edge must not introduce a third node")
}

func TestBuildProvenanceGraph_RejectsOversizedGraph(t *testing.T) {
	certDER, sk := selfSignedEd25519(t)

	root := Manifest{ClaimGenerator: "title/1.0", ContentType: "image/jpeg", CreatorWallet: "W111"}
	for i := 0; i < 5; i++ {
		ing := Manifest{ClaimGenerator: "title/1.0", ContentType: "image/jpeg", CreatorWallet: "W999" + string(rune('a'+i))}
		signManifest(t, &ing, sk, certDER)
		root.Ingredients = append(root.Ingredients, Ingredient{Title: "x", Signature: ing.Signature, Manifest: &ing})
	}
	signManifest(t, &root, sk, certDER)

	store := &ManifestStore{Manifests: []Manifest{root}}
	asset := assetWithStore(t, store)

	set, err := Verify(asset)
	require.NoError(t, err)

	_, err = BuildProvenanceGraph(set, 3)
	require.Error(t, err)
}

func TestContentIdentifier_Deterministic(t *testing.T) {
	certDER, sk := selfSignedEd25519(t)
	m := Manifest{ClaimGenerator: "title/1.0", ContentType: "image/jpeg", CreatorWallet: "W111"}
	signManifest(t, &m, sk, certDER)

	store := &ManifestStore{Manifests: []Manifest{m}}
	asset1 := assetWithStore(t, store)
	asset2 := append([]byte{}, asset1...)

	set1, err := Verify(asset1)
	require.NoError(t, err)
	set2, err := Verify(asset2)
	require.NoError(t, err)

	require.Equal(t, ContentIdentifier(set1), ContentIdentifier(set2))
}

func TestParseManifestStore_RejectsTruncatedAsset(t *testing.T) {
	_, err := ParseManifestStore([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestExtractTimestamp_UntrustedSignerOmitted(t *testing.T) {
	certDER, sk := selfSignedEd25519(t)
	m := Manifest{
		ClaimGenerator: "title/1.0",
		ContentType:    "image/jpeg",
		CreatorWallet:  "W111",
		Timestamp:      &TimestampToken{UnixSecs: 1700000000, SignerKeyHash: [32]byte{0xAA}},
	}
	signManifest(t, &m, sk, certDER)

	store := &ManifestStore{Manifests: []Manifest{m}}
	asset := assetWithStore(t, store)

	set, err := Verify(asset)
	require.NoError(t, err)

	_, ok := ExtractTimestamp(set, func(keyHash [32]byte) bool { return false })
	require.False(t, ok)

	token, ok := ExtractTimestamp(set, func(keyHash [32]byte) bool { return keyHash == [32]byte{0xAA} })
	require.True(t, ok)
	require.Equal(t, int64(1700000000), token.UnixSecs)
}
