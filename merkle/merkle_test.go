package merkle

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func testLeaves(n int) []common.Hash {
	leaves := make([]common.Hash, n)
	for i := range leaves {
		leaves[i] = crypto.Keccak256Hash([]byte{byte(i)})
	}
	return leaves
}

func TestTreeInclusion(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 8, 13} {
		tree := NewTree(ModuleTree, testLeaves(n))
		for i := 0; i < n; i++ {
			proof := tree.Prove(uint64(i))
			require.Equal(t, tree.Root(), proof.ComputeRoot(uint64(i), testLeaves(n)[i]),
				"size %d leaf %d", n, i)
		}
	}
}

func TestTreeWrongLeafRejected(t *testing.T) {
	tree := NewTree(MemoryTree, testLeaves(4))
	proof := tree.Prove(2)
	require.NotEqual(t, tree.Root(), proof.ComputeRoot(2, common.Hash{0xff}))
	// and a valid leaf at the wrong index
	require.NotEqual(t, tree.Root(), proof.ComputeRoot(3, testLeaves(4)[2]))
}

func TestTreeReplaceLeaf(t *testing.T) {
	leaves := testLeaves(8)
	tree := NewTree(ValueTree, leaves)
	proof := tree.Prove(5)

	replacement := crypto.Keccak256Hash([]byte("new"))
	leaves[5] = replacement
	want := NewTree(ValueTree, leaves).Root()
	require.Equal(t, want, proof.ComputeRoot(5, replacement),
		"root recomputed over the old path must match a rebuilt tree")
}

func TestPrefixDomainSeparation(t *testing.T) {
	leaves := testLeaves(4)
	require.NotEqual(t, NewTree(ValueTree, leaves).Root(), NewTree(TableTree, leaves).Root())
}
