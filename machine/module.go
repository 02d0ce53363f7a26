package machine

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ModuleMemory is a module's linear memory, committed as a Merkle tree over
// 32-byte leaves. Size and MaxSize are in bytes.
type ModuleMemory struct {
	Size       uint64      `json:"size"`
	MaxSize    uint64      `json:"maxSize"`
	MerkleRoot common.Hash `json:"merkleRoot"`
}

func (m ModuleMemory) Hash() common.Hash {
	var sizes [16]byte
	binary.BigEndian.PutUint64(sizes[:8], m.Size)
	binary.BigEndian.PutUint64(sizes[8:], m.MaxSize)
	return crypto.Keccak256Hash([]byte("Memory:"), sizes[:], m.MerkleRoot.Bytes())
}

// Module commits to one loaded module. All large structures (globals, tables,
// functions) appear only as Merkle roots with index-to-hash proofs; nothing is
// materialized on the verification path.
type Module struct {
	GlobalsMerkleRoot   common.Hash  `json:"globalsMerkleRoot"`
	Memory              ModuleMemory `json:"memory"`
	TablesMerkleRoot    common.Hash  `json:"tablesMerkleRoot"`
	FunctionsMerkleRoot common.Hash  `json:"functionsMerkleRoot"`
	InternalsOffset     uint32       `json:"internalsOffset"`
}

func (m Module) Hash() common.Hash {
	var off [4]byte
	binary.BigEndian.PutUint32(off[:], m.InternalsOffset)
	return crypto.Keccak256Hash(
		[]byte("Module:"),
		m.GlobalsMerkleRoot.Bytes(),
		m.Memory.Hash().Bytes(),
		m.TablesMerkleRoot.Bytes(),
		m.FunctionsMerkleRoot.Bytes(),
		off[:],
	)
}

// FunctionHash is the leaf commitment of one function: its code Merkle root
// wrapped with a domain tag.
func FunctionHash(codeMerkleRoot common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte("Function:"), codeMerkleRoot.Bytes())
}

// MemoryLeafHash commits to one 32-byte memory leaf.
func MemoryLeafHash(leaf [32]byte) common.Hash {
	return crypto.Keccak256Hash([]byte("Memory leaf:"), leaf[:])
}
