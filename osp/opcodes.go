package osp

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Opcode identifies one lowered instruction. Values below 0x8000 keep the
// WebAssembly encoding; values at 0x8000 and above are lowering extensions
// that replace structured control flow and host interaction.
type Opcode uint16

const (
	OpUnreachable Opcode = 0x00
	OpNop         Opcode = 0x01
	OpReturn      Opcode = 0x0F
	OpCall        Opcode = 0x10
	OpDrop        Opcode = 0x1A
	OpSelect      Opcode = 0x1B

	OpLocalGet  Opcode = 0x20
	OpLocalSet  Opcode = 0x21
	OpGlobalGet Opcode = 0x23
	OpGlobalSet Opcode = 0x24

	OpI32Load  Opcode = 0x28
	OpI64Load  Opcode = 0x29
	OpI32Store Opcode = 0x36
	OpI64Store Opcode = 0x37

	OpI32Const Opcode = 0x41
	OpI64Const Opcode = 0x42
	OpF32Const Opcode = 0x43
	OpF64Const Opcode = 0x44

	OpI32Eqz Opcode = 0x45
	OpI32Eq  Opcode = 0x46
	OpI32Ne  Opcode = 0x47
	OpI32LtS Opcode = 0x48
	OpI32LtU Opcode = 0x49
	OpI32GtS Opcode = 0x4A
	OpI32GtU Opcode = 0x4B

	OpI64Eqz Opcode = 0x50
	OpI64Eq  Opcode = 0x51
	OpI64Ne  Opcode = 0x52
	OpI64LtS Opcode = 0x53
	OpI64LtU Opcode = 0x54
	OpI64GtS Opcode = 0x55
	OpI64GtU Opcode = 0x56

	OpI32Add  Opcode = 0x6A
	OpI32Sub  Opcode = 0x6B
	OpI32Mul  Opcode = 0x6C
	OpI32DivS Opcode = 0x6D
	OpI32DivU Opcode = 0x6E
	OpI32RemS Opcode = 0x6F
	OpI32RemU Opcode = 0x70
	OpI32And  Opcode = 0x71
	OpI32Or   Opcode = 0x72
	OpI32Xor  Opcode = 0x73
	OpI32Shl  Opcode = 0x74
	OpI32ShrS Opcode = 0x75
	OpI32ShrU Opcode = 0x76

	OpI64Add  Opcode = 0x7C
	OpI64Sub  Opcode = 0x7D
	OpI64Mul  Opcode = 0x7E
	OpI64DivS Opcode = 0x7F
	OpI64DivU Opcode = 0x80
	OpI64RemS Opcode = 0x81
	OpI64RemU Opcode = 0x82
	OpI64And  Opcode = 0x83
	OpI64Or   Opcode = 0x84
	OpI64Xor  Opcode = 0x85
	OpI64Shl  Opcode = 0x86
	OpI64ShrS Opcode = 0x87
	OpI64ShrU Opcode = 0x88

	OpArbitraryJump           Opcode = 0x8000
	OpArbitraryJumpIf         Opcode = 0x8001
	OpInitFrame               Opcode = 0x8002
	OpMoveFromStackToInternal Opcode = 0x8005
	OpMoveFromInternalToStack Opcode = 0x8006
	OpCrossModuleCall         Opcode = 0x8009
	OpGetGlobalStateU64       Opcode = 0x8010
	OpSetGlobalStateU64       Opcode = 0x8012
	OpReadInboxMessage        Opcode = 0x8021
	OpHaltAndSetFinished      Opcode = 0x8022
)

// Inbox identifiers used as the argument of OpReadInboxMessage.
const (
	InboxSequencer uint64 = iota
	InboxDelayed
)

// Instruction is one lowered instruction as committed in a function's code
// Merkle tree. The immediate is a full 256-bit word so that instructions can
// commit to hashes: InitFrame carries the locals Merkle root of the frame it
// creates, and a root taken from anywhere else would let two valid proofs of
// the same step disagree. Numeric immediates occupy the low bits.
type Instruction struct {
	Opcode       Opcode
	ArgumentData uint256.Int
}

// NewInstruction builds an instruction with a numeric immediate.
func NewInstruction(op Opcode, arg uint64) Instruction {
	return Instruction{Opcode: op, ArgumentData: *uint256.NewInt(arg)}
}

// InitFrameInstruction commits the locals root of the frame being created.
func InitFrameInstruction(localsRoot common.Hash) Instruction {
	var arg uint256.Int
	arg.SetBytes32(localsRoot.Bytes())
	return Instruction{Opcode: OpInitFrame, ArgumentData: arg}
}

func (i Instruction) Hash() common.Hash {
	var data [34]byte
	binary.BigEndian.PutUint16(data[:2], uint16(i.Opcode))
	arg := i.ArgumentData.Bytes32()
	copy(data[2:], arg[:])
	return crypto.Keccak256Hash([]byte("Instruction:"), data[:])
}
