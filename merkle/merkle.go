// Package merkle provides the domain-separated binary Merkle trees used to
// commit to machine modules, function code, memory and value tables.
// Verifiers only ever recompute roots from a leaf and a sibling path; full
// trees are materialized by provers and test fixtures.
package merkle

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Tree kinds. Each level hash is keccak256(prefix, left, right) so that proofs
// for one structure can never be replayed against another.
const (
	ValueTree       = "Value merkle tree:"
	FunctionTree    = "Function merkle tree:"
	InstructionTree = "Instruction merkle tree:"
	MemoryTree      = "Memory merkle tree:"
	TableTree       = "Table merkle tree:"
	ModuleTree      = "Module merkle tree:"
)

func hashNode(prefix string, left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte(prefix), left.Bytes(), right.Bytes())
}

// Proof is the sibling path from a leaf up to a root.
type Proof struct {
	Prefix string
	Nodes  []common.Hash
}

// ComputeRoot folds the leaf at index up the sibling path. The same call
// serves both inclusion checks (compare the result against a known root) and
// root updates (recompute with a replacement leaf over the same path).
func (p Proof) ComputeRoot(index uint64, leaf common.Hash) common.Hash {
	h := leaf
	for _, sib := range p.Nodes {
		if index&1 == 1 {
			h = hashNode(p.Prefix, sib, h)
		} else {
			h = hashNode(p.Prefix, h, sib)
		}
		index >>= 1
	}
	return h
}

// Tree is a fully materialized tree, zero-padded to a power of two.
type Tree struct {
	prefix string
	layers [][]common.Hash // layers[0] = padded leaves
}

func NewTree(prefix string, leaves []common.Hash) *Tree {
	size := uint64(1)
	for size < uint64(len(leaves)) {
		size *= 2
	}
	layer := make([]common.Hash, size)
	copy(layer, leaves)
	layers := [][]common.Hash{layer}
	for len(layer) > 1 {
		next := make([]common.Hash, len(layer)/2)
		for i := range next {
			next[i] = hashNode(prefix, layer[2*i], layer[2*i+1])
		}
		layers = append(layers, next)
		layer = next
	}
	return &Tree{prefix: prefix, layers: layers}
}

func (t *Tree) Root() common.Hash {
	return t.layers[len(t.layers)-1][0]
}

// Prove returns the sibling path for the leaf at index.
func (t *Tree) Prove(index uint64) Proof {
	nodes := make([]common.Hash, 0, len(t.layers)-1)
	for _, layer := range t.layers[:len(t.layers)-1] {
		nodes = append(nodes, layer[index^1])
		index >>= 1
	}
	return Proof{Prefix: t.prefix, Nodes: nodes}
}
