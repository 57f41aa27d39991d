// Package merkle builds a keccak256 binary merkle tree over arbitrary byte
// leaves and the closed-form account-size calculation the tree-bootstrap
// operation needs when sizing a compressed-NFT tree account on-chain.
package merkle

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
)

// Build creates a binary merkle tree over leaves. Leaves are sorted
// byte-lexicographically first so that tree construction is deterministic
// regardless of input order. If there's an odd number of nodes at any
// level, the last node is duplicated.
func Build(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("merkle: cannot build a tree from zero leaves")
	}

	sorted := make([][]byte, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	hashed := make([][32]byte, len(sorted))
	for i, leaf := range sorted {
		hashed[i] = crypto.Keccak256Hash(leaf)
	}

	levels := [][][32]byte{hashed}
	current := hashed
	for len(current) > 1 {
		next := make([][32]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			right := left
			if i+1 < len(current) {
				right = current[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		levels = append(levels, next)
		current = next
	}
	if len(current) != 1 {
		return nil, fmt.Errorf("merkle: construction invariant violated, final level has %d nodes", len(current))
	}

	return &Tree{Leaves: hashed, Root: current[0], levels: levels}, nil
}

// GenerateProof builds an inclusion proof for the leaf at leafIndex.
func (t *Tree) GenerateProof(leafIndex int) (*Proof, error) {
	if leafIndex < 0 || leafIndex >= len(t.Leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of bounds (%d leaves)", leafIndex, len(t.Leaves))
	}

	siblings := make([][32]byte, 0, len(t.levels)-1)
	index := leafIndex
	for level := 0; level < len(t.levels)-1; level++ {
		cur := t.levels[level]
		siblingIndex := index + 1
		if index%2 != 0 {
			siblingIndex = index - 1
		}
		if siblingIndex >= len(cur) {
			siblingIndex = index
		}
		siblings = append(siblings, cur[siblingIndex])
		index /= 2
	}

	return &Proof{LeafIndex: leafIndex, Leaf: t.Leaves[leafIndex], Siblings: siblings}, nil
}

// VerifyProof reports whether proof demonstrates inclusion under root.
func VerifyProof(proof *Proof, root [32]byte) bool {
	if proof == nil {
		return false
	}
	current := proof.Leaf
	index := proof.LeafIndex
	for _, sibling := range proof.Siblings {
		if index%2 == 0 {
			current = hashPair(current, sibling)
		} else {
			current = hashPair(sibling, current)
		}
		index /= 2
	}
	return current == root
}

// hashPair computes keccak256(left || right).
func hashPair(left, right [32]byte) [32]byte {
	data := make([]byte, 64)
	copy(data[0:32], left[:])
	copy(data[32:64], right[:])
	return crypto.Keccak256Hash(data)
}
