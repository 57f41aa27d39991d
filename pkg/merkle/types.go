package merkle

// Tree is a binary merkle tree over arbitrary byte leaves, keccak256-hashed
// for compatibility with the on-chain programs title-node's attestations
// are ultimately anchored against.
type Tree struct {
	// Leaves contains the hashed, sorted leaf values.
	Leaves [][32]byte

	// Root is the merkle root hash.
	Root [32]byte

	// levels stores all tree levels for proof generation.
	// levels[0] = leaves, levels[len-1] = root
	levels [][][32]byte
}

// Proof represents a proof that a leaf is included in the tree.
// The proof consists of sibling hashes along the path from leaf to root.
type Proof struct {
	// LeafIndex is the index of the leaf in the sorted leaves array.
	LeafIndex int

	// Leaf is the hash of the leaf being proven.
	Leaf [32]byte

	// Siblings contains the sibling hashes from leaf to root.
	// Siblings[0] is the sibling of the leaf, Siblings[len-1] is near the root.
	Siblings [][32]byte
}
