package merkle

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomLeaf() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}

func TestBuild_VariousSizes(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 8, 17} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			leaves := make([][]byte, n)
			for i := range leaves {
				leaves[i] = randomLeaf()
			}
			tree, err := Build(leaves)
			require.NoError(t, err)
			require.Len(t, tree.Leaves, n)
			require.NotEqual(t, [32]byte{}, tree.Root)
		})
	}
}

func TestBuild_EmptyFails(t *testing.T) {
	_, err := Build(nil)
	require.Error(t, err)
}

func TestProof_RoundTrip(t *testing.T) {
	leaves := make([][]byte, 7)
	for i := range leaves {
		leaves[i] = randomLeaf()
	}
	tree, err := Build(leaves)
	require.NoError(t, err)

	for i := range leaves {
		proof, err := tree.GenerateProof(i)
		require.NoError(t, err)
		require.True(t, VerifyProof(proof, tree.Root))
	}
}

func TestProof_TamperedLeafFailsVerification(t *testing.T) {
	leaves := make([][]byte, 4)
	for i := range leaves {
		leaves[i] = randomLeaf()
	}
	tree, err := Build(leaves)
	require.NoError(t, err)

	proof, err := tree.GenerateProof(0)
	require.NoError(t, err)
	proof.Leaf[0] ^= 0xff
	require.False(t, VerifyProof(proof, tree.Root))
}

func TestBuild_DeterministicRegardlessOfInputOrder(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	reversed := [][]byte{[]byte("d"), []byte("c"), []byte("b"), []byte("a")}

	t1, err := Build(leaves)
	require.NoError(t, err)
	t2, err := Build(reversed)
	require.NoError(t, err)

	require.Equal(t, t1.Root, t2.Root)
}

func TestAccountSize_GrowsWithDepthAndBuffer(t *testing.T) {
	small, err := AccountSize(14, 64, 0)
	require.NoError(t, err)
	large, err := AccountSize(20, 256, 10)
	require.NoError(t, err)
	require.Greater(t, large, small)
}

func TestAccountSize_RejectsInvalidCanopy(t *testing.T) {
	_, err := AccountSize(10, 64, 10)
	require.Error(t, err)
}

func TestAccountSize_Deterministic(t *testing.T) {
	a, err := AccountSize(14, 64, 9)
	require.NoError(t, err)
	b, err := AccountSize(14, 64, 9)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
