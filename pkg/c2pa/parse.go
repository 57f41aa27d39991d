package c2pa

import (
	"encoding/binary"
	"encoding/json"
	"net/http"
)

// storeTrailerMinLen is the smallest a valid trailer can be: a minimal
// JSON object followed by its 4-byte big-endian length.
const storeTrailerMinLen = 4 + 2

// DetectContentType sniffs the MIME type from the raw asset bytes rather
// than trusting any client-supplied value, per the defense-in-depth
// requirement on content_type detection.
func DetectContentType(assetBytes []byte) string {
	return http.DetectContentType(assetBytes)
}

// ParseManifestStore locates and decodes the embedded manifest store
// appended to assetBytes: a JSON blob followed by its own 4-byte
// big-endian length as the asset's last four bytes, so the length is read
// from the end and the blob is located just before it.
func ParseManifestStore(assetBytes []byte) (*ManifestStore, error) {
	if len(assetBytes) < storeTrailerMinLen {
		return nil, errNoManifest("asset too short to carry a manifest store")
	}

	storeLen := binary.BigEndian.Uint32(assetBytes[len(assetBytes)-4:])
	if int(storeLen) <= 0 || int(storeLen) > len(assetBytes)-4 {
		return nil, errNoManifest("invalid manifest store length prefix")
	}

	storeStart := len(assetBytes) - 4 - int(storeLen)
	blob := assetBytes[storeStart : len(assetBytes)-4]

	var store ManifestStore
	if err := json.Unmarshal(blob, &store); err != nil {
		return nil, errMalformedStore(err)
	}
	if len(store.Manifests) == 0 {
		return nil, errNoManifest("manifest store has no manifests")
	}
	return &store, nil
}
