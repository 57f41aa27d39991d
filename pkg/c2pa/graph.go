package c2pa

import (
	"github.com/titleprotocol/core/pkg/cryptoprimitives"
	"github.com/titleprotocol/core/pkg/types"
)

// ContentIdentifier returns the stable "0x"-prefixed hex content identifier
// for the active manifest: SHA-256 of its claim signature.
func ContentIdentifier(set *VerifiedManifestSet) string {
	h := cryptoprimitives.ContentHash(set.ActiveManifest.Signature)
	return cryptoprimitives.ContentHashHex(h)
}

// BuildProvenanceGraph walks the active manifest's ingredients
// depth-first, left-to-right, deduplicating nodes by content identifier
// and dropping any back-edge to preserve the DAG property. maxGraphSize
// bounds |nodes| + |links|.
func BuildProvenanceGraph(set *VerifiedManifestSet, maxGraphSize int) (*types.ProvenanceDAG, error) {
	rootID := ContentIdentifier(set)

	dag := &types.ProvenanceDAG{
		Nodes: []types.DAGNode{{ID: rootID, Kind: types.NodeFinal}},
	}
	seen := map[string]bool{rootID: true}
	onPath := map[string]bool{rootID: true}

	var walk func(parentID string, ingredients []Ingredient) error
	walk = func(parentID string, ingredients []Ingredient) error {
		for _, ing := range ingredients {
			childID := cryptoprimitives.ContentHashHex(cryptoprimitives.ContentHash(ing.Signature))

			if onPath[childID] {
				// Back-edge: drop silently to preserve the DAG property.
				continue
			}

			if !seen[childID] {
				seen[childID] = true
				dag.Nodes = append(dag.Nodes, types.DAGNode{ID: childID, Kind: types.NodeIngredient})
				if len(dag.Nodes)+len(dag.Links) > maxGraphSize {
					return errGraphTooLarge()
				}
			}

			dag.Links = append(dag.Links, types.DAGLink{Source: parentID, Target: childID, Role: "ingredient"})
			if len(dag.Nodes)+len(dag.Links) > maxGraphSize {
				return errGraphTooLarge()
			}

			if ing.Manifest != nil {
				onPath[childID] = true
				if err := walk(childID, ing.Manifest.Ingredients); err != nil {
					return err
				}
				onPath[childID] = false
			}
		}
		return nil
	}

	if err := walk(rootID, set.ActiveManifest.Ingredients); err != nil {
		return nil, err
	}
	return dag, nil
}

// ExtractTimestamp returns the active manifest's embedded RFC 3161
// timestamp iff its signer key hash is present in trustedTSAKeys;
// otherwise it returns ok=false (not an error: an untrusted or absent
// timestamp simply omits timestamp fields from the attestation).
func ExtractTimestamp(set *VerifiedManifestSet, trusted func(keyHash [32]byte) bool) (ts *TimestampToken, ok bool) {
	token := set.ActiveManifest.Timestamp
	if token == nil {
		return nil, false
	}
	if !trusted(token.SignerKeyHash) {
		return nil, false
	}
	return token, true
}
