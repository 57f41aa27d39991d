package merkle

import (
	"fmt"
	"testing"
)

func benchLeaves(n int) [][]byte {
	leaves := make([][]byte, n)
	for i := range leaves {
		leaves[i] = randomLeaf()
	}
	return leaves
}

func BenchmarkBuild(b *testing.B) {
	for _, size := range []int{10, 50, 100, 200} {
		b.Run(fmt.Sprintf("n=%d", size), func(b *testing.B) {
			leaves := benchLeaves(size)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, _ = Build(leaves)
			}
		})
	}
}

func BenchmarkGenerateProof(b *testing.B) {
	for _, size := range []int{10, 50, 100, 200} {
		leaves := benchLeaves(size)
		tree, _ := Build(leaves)
		b.Run(fmt.Sprintf("n=%d", size), func(b *testing.B) {
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, _ = tree.GenerateProof(i % size)
			}
		})
	}
}
