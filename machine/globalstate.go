package machine

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Positions within GlobalState.U64Vals. The inbox position counts whole
// messages consumed; execution never interprets the second slot, it is only
// reachable through the generic register opcodes.
const (
	GlobalStateInboxPosition = 0
	GlobalStatePositionInMsg = 1
)

// GlobalState is the machine's global register file: two 32-byte slots and
// two 64-bit counters. The machine itself carries only its hash; provers
// reveal the preimage when an instruction touches it.
type GlobalState struct {
	Bytes32Vals [2]common.Hash `json:"bytes32Vals"`
	U64Vals     [2]uint64      `json:"u64Vals"`
}

func (gs GlobalState) Hash() common.Hash {
	var u64s [16]byte
	binary.BigEndian.PutUint64(u64s[:8], gs.U64Vals[0])
	binary.BigEndian.PutUint64(u64s[8:], gs.U64Vals[1])
	return crypto.Keccak256Hash(
		[]byte("Global state:"),
		gs.Bytes32Vals[0].Bytes(),
		gs.Bytes32Vals[1].Bytes(),
		u64s[:],
	)
}
