package merkle

import "fmt"

// Node-level layout constants for a concurrent (changelog-buffered) merkle
// tree account, matching the on-chain compression program's account shape:
// a fixed header, a changelog ring buffer sized to hold max_buffer_size
// concurrent writers' root-paths, and an optional canopy caching the
// top canopyDepth levels so off-chain clients can submit shorter proofs.
const (
	nodeSize = 32

	// headerSize covers the account discriminator, schema version, padding,
	// authority pubkey, creation slot, and the tree's own (max_depth,
	// max_buffer_size) parameters.
	headerSize = 8 + 1 + 1 + 6 + 32 + 8 + 4 + 4
)

// pathEntrySize is one changelog ring-buffer slot: the leaf index this
// write touched, padding, and the full root-to-leaf path of node hashes.
func pathEntrySize(maxDepth uint32) int { return 4 + 4 + int(maxDepth)*nodeSize }

// AccountSize computes the byte size a concurrent merkle tree account must
// be allocated at, given its depth, changelog buffer size, and canopy
// depth. It must match the on-chain compression program's own sizing
// byte-for-byte for account creation to succeed.
func AccountSize(maxDepth, maxBufferSize, canopyDepth uint32) (uint64, error) {
	if maxDepth == 0 || maxDepth > 30 {
		return 0, fmt.Errorf("merkle: max_depth %d out of supported range [1,30]", maxDepth)
	}
	if maxBufferSize == 0 {
		return 0, fmt.Errorf("merkle: max_buffer_size must be nonzero")
	}
	if canopyDepth >= maxDepth {
		return 0, fmt.Errorf("merkle: canopy_depth %d must be less than max_depth %d", canopyDepth, maxDepth)
	}

	changelogSize := uint64(maxBufferSize) * uint64(pathEntrySize(maxDepth))
	rightmostProofSize := uint64(nodeSize)*uint64(maxDepth) + 8 // path + (index, padding)
	var canopySize uint64
	if canopyDepth > 0 {
		// Stores every node at levels [1, canopyDepth]: 2^(d+1) - 2 nodes.
		canopySize = (uint64(1)<<(canopyDepth+1) - 2) * nodeSize
	}

	return uint64(headerSize) + changelogSize + rightmostProofSize + canopySize, nil
}
