// Package osp implements the one-step prover: deterministic re-execution of a
// single machine instruction from a self-contained proof. Given the hash of
// the machine before the step, the proof reveals exactly the state fragments
// the instruction touches, and the verifier recomputes the machine hash after
// the step. Every reveal is checked against a commitment already bound into
// the before-hash, so a dishonest prover cannot make the verifier accept a
// fragment the machine never contained.
package osp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/rollgate/rollgate/machine"
	"github.com/rollgate/rollgate/merkle"
)

// ErrProofMismatch marks a proof whose revealed fragments do not match the
// commitments they claim to open: wrong machine hash, wrong Merkle path, or a
// global state preimage that does not hash to the machine's commitment.
var ErrProofMismatch = errors.New("proof does not match committed state")

// errTrap aborts the current instruction with StatusErrored. A trap is a
// valid execution result, not a proof defect: the after-hash of an errored
// machine is still the answer the verifier returns.
var errTrap = errors.New("machine trap")

// InboxReader exposes the message accumulators a ReadInboxMessage step is
// checked against.
type InboxReader interface {
	SequencerMessageCount() uint64
	DelayedMessageCount() uint64
	SequencerAccumulator(index uint64) (common.Hash, error)
	DelayedAccumulator(index uint64) (common.Hash, error)
}

// ExecutionContext pins the inbox view a one-step proof is judged under.
// MaxInboxMessagesRead caps how far into the sequencer inbox the disputed
// execution was allowed to read when the challenge was created.
type ExecutionContext struct {
	MaxInboxMessagesRead uint64
	Inbox                InboxReader
}

type Verifier struct{}

func NewVerifier() *Verifier {
	return &Verifier{}
}

// ProveOneStep re-executes one instruction. It checks that proof opens to a
// machine hashing to beforeHash, applies the instruction at the machine's
// program counter, and returns the hash of the resulting machine. step is the
// global step index; it only matters for halted machines, which step to
// themselves regardless of it.
func (v *Verifier) ProveOneStep(ctx ExecutionContext, step uint64, beforeHash common.Hash, proof []byte) (after common.Hash, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok {
				panic(r)
			}
			after = common.Hash{}
			if errors.Is(e, ErrProofMismatch) || errors.Is(e, ErrMalformedProof) {
				err = e
			} else {
				err = fmt.Errorf("%w: %v", ErrMalformedProof, e)
			}
		}
	}()

	rdr := newReader(proof)
	mach := rdr.machine()
	if mach.Hash() != beforeHash {
		return common.Hash{}, fmt.Errorf("%w: proof machine hashes to %s, claim is %s", ErrProofMismatch, mach.Hash(), beforeHash)
	}
	if mach.Status != machine.StatusRunning {
		rdr.requireDone()
		return mach.Hash(), nil
	}

	mod := rdr.module()
	moduleIdx := uint64(mach.ModuleIdx)
	modProof := rdr.merkleProof(merkle.ModuleTree)
	if modProof.ComputeRoot(moduleIdx, mod.Hash()) != mach.ModulesRoot {
		return common.Hash{}, fmt.Errorf("%w: module %d not under modules root", ErrProofMismatch, mach.ModuleIdx)
	}

	instr := rdr.instruction()
	codeProof := rdr.merkleProof(merkle.InstructionTree)
	codeRoot := codeProof.ComputeRoot(uint64(mach.FunctionPc), instr.Hash())
	funcProof := rdr.merkleProof(merkle.FunctionTree)
	if funcProof.ComputeRoot(uint64(mach.FunctionIdx), machine.FunctionHash(codeRoot)) != mod.FunctionsMerkleRoot {
		return common.Hash{}, fmt.Errorf("%w: instruction not under function %d", ErrProofMismatch, mach.FunctionIdx)
	}

	sc := &stepContext{ctx: ctx, rdr: rdr, mach: mach, mod: mod}
	sc.execute(instr)
	rdr.requireDone()

	// The path proved above doubles as the update path: re-fold the (possibly
	// mutated) module over it to get the new modules root.
	mach.ModulesRoot = modProof.ComputeRoot(moduleIdx, mod.Hash())
	return mach.Hash(), nil
}

type stepContext struct {
	ctx  ExecutionContext
	rdr  *reader
	mach *machine.Machine
	mod  *machine.Module
}

func (sc *stepContext) execute(instr Instruction) {
	defer func() {
		if r := recover(); r != nil {
			if r == errTrap {
				sc.mach.Status = machine.StatusErrored
				return
			}
			panic(r)
		}
	}()
	sc.dispatch(instr)
}

func (sc *stepContext) trap() {
	panic(errTrap)
}

func (sc *stepContext) popI32() uint32 {
	v := sc.mach.ValueStack.Pop()
	if v.Type != machine.I32 {
		sc.trap()
	}
	return uint32(v.Contents.Uint64())
}

func (sc *stepContext) popI64() uint64 {
	v := sc.mach.ValueStack.Pop()
	if v.Type != machine.I64 {
		sc.trap()
	}
	return v.Contents.Uint64()
}

func (sc *stepContext) push(v machine.Value) {
	sc.mach.ValueStack.Push(v)
}

func boolToI32(b bool) machine.Value {
	if b {
		return machine.I32Value(1)
	}
	return machine.I32Value(0)
}

// provedValue opens one leaf of a value Merkle tree (locals or globals).
func (sc *stepContext) provedValue(root common.Hash, index uint64) (machine.Value, merkle.Proof) {
	v := sc.rdr.value()
	p := sc.rdr.merkleProof(merkle.ValueTree)
	if p.ComputeRoot(index, v.Hash()) != root {
		panic(fmt.Errorf("%w: value leaf %d not under claimed root", ErrProofMismatch, index))
	}
	return v, p
}

// openMemoryLeaf reveals and verifies the 32-byte leaf covering addr.
func (sc *stepContext) openMemoryLeaf(leafIdx uint64) ([32]byte, merkle.Proof) {
	leaf := sc.rdr.bytes32()
	p := sc.rdr.merkleProof(merkle.MemoryTree)
	if p.ComputeRoot(leafIdx, machine.MemoryLeafHash(leaf)) != sc.mod.Memory.MerkleRoot {
		panic(fmt.Errorf("%w: memory leaf %d not under memory root", ErrProofMismatch, leafIdx))
	}
	return leaf, p
}

// memoryAccess bounds-checks an access of width bytes at addr and traps on
// out-of-bounds or leaf-straddling addresses.
func (sc *stepContext) memoryAccess(addr, width uint64) (leafIdx, offset uint64) {
	if addr+width > sc.mod.Memory.Size || addr+width < addr {
		sc.trap()
	}
	leafIdx, offset = addr/32, addr%32
	if offset+width > 32 {
		sc.trap()
	}
	return leafIdx, offset
}

func (sc *stepContext) loadMemory(addr, width uint64) []byte {
	leafIdx, offset := sc.memoryAccess(addr, width)
	leaf, _ := sc.openMemoryLeaf(leafIdx)
	return leaf[offset : offset+width]
}

func (sc *stepContext) storeMemory(addr uint64, data []byte) {
	leafIdx, offset := sc.memoryAccess(addr, uint64(len(data)))
	leaf, p := sc.openMemoryLeaf(leafIdx)
	copy(leaf[offset:], data)
	sc.mod.Memory.MerkleRoot = p.ComputeRoot(leafIdx, machine.MemoryLeafHash(leaf))
}

func (sc *stepContext) revealGlobalState() machine.GlobalState {
	gs := sc.rdr.globalState()
	if gs.Hash() != sc.mach.GlobalStateHash {
		panic(fmt.Errorf("%w: global state preimage does not hash to commitment", ErrProofMismatch))
	}
	return gs
}

func (sc *stepContext) dispatch(instr Instruction) {
	mach := sc.mach
	arg := instr.ArgumentData.Uint64()
	advance := true

	switch instr.Opcode {
	case OpUnreachable:
		sc.trap()
	case OpNop:
	case OpHaltAndSetFinished:
		mach.Status = machine.StatusFinished

	case OpReturn:
		frame := mach.FrameStack.Pop()
		if frame.ReturnPc.Type != machine.InternalRef {
			sc.trap()
		}
		mach.ModuleIdx, mach.FunctionIdx, mach.FunctionPc = frame.ReturnPc.UnpackInternalRef()
		advance = false
	case OpCall:
		sc.push(machine.InternalRefValue(mach.ModuleIdx, mach.FunctionIdx, mach.FunctionPc+1))
		sc.push(machine.I32Value(mach.ModuleIdx))
		sc.push(machine.I32Value(sc.mod.InternalsOffset))
		mach.FunctionIdx = uint32(arg)
		mach.FunctionPc = 0
		advance = false
	case OpCrossModuleCall:
		sc.push(machine.InternalRefValue(mach.ModuleIdx, mach.FunctionIdx, mach.FunctionPc+1))
		sc.push(machine.I32Value(mach.ModuleIdx))
		sc.push(machine.I32Value(sc.mod.InternalsOffset))
		mach.ModuleIdx = uint32(arg >> 32)
		mach.FunctionIdx = uint32(arg)
		mach.FunctionPc = 0
		advance = false
	case OpInitFrame:
		callerInternals := sc.popI32()
		callerModule := sc.popI32()
		retPc := mach.ValueStack.Pop()
		if retPc.Type != machine.InternalRef && retPc.Type != machine.RefNull {
			sc.trap()
		}
		// The locals root comes from the instruction's committed immediate,
		// never from the proof stream: a prover-chosen root would make two
		// valid proofs of the same step disagree.
		mach.FrameStack.Push(machine.StackFrame{
			ReturnPc:              retPc,
			LocalsMerkleRoot:      common.Hash(instr.ArgumentData.Bytes32()),
			CallerModule:          callerModule,
			CallerModuleInternals: callerInternals,
		})

	case OpArbitraryJump:
		mach.FunctionPc = uint32(arg)
		advance = false
	case OpArbitraryJumpIf:
		if sc.popI32() != 0 {
			mach.FunctionPc = uint32(arg)
			advance = false
		}

	case OpDrop:
		mach.ValueStack.Pop()
	case OpSelect:
		selector := sc.popI32()
		v2 := mach.ValueStack.Pop()
		v1 := mach.ValueStack.Pop()
		if selector != 0 {
			sc.push(v1)
		} else {
			sc.push(v2)
		}
	case OpMoveFromStackToInternal:
		mach.InternalStack.Push(mach.ValueStack.Pop())
	case OpMoveFromInternalToStack:
		mach.ValueStack.Push(mach.InternalStack.Pop())

	case OpLocalGet:
		frame := mach.FrameStack.Peek()
		v, _ := sc.provedValue(frame.LocalsMerkleRoot, arg)
		sc.push(v)
	case OpLocalSet:
		v := mach.ValueStack.Pop()
		frame := mach.FrameStack.Peek()
		_, p := sc.provedValue(frame.LocalsMerkleRoot, arg)
		frame.LocalsMerkleRoot = p.ComputeRoot(arg, v.Hash())
	case OpGlobalGet:
		v, _ := sc.provedValue(sc.mod.GlobalsMerkleRoot, arg)
		sc.push(v)
	case OpGlobalSet:
		v := mach.ValueStack.Pop()
		_, p := sc.provedValue(sc.mod.GlobalsMerkleRoot, arg)
		sc.mod.GlobalsMerkleRoot = p.ComputeRoot(arg, v.Hash())

	// Linear memory is little-endian; the proof format itself stays big-endian.
	case OpI32Load:
		ptr := sc.popI32()
		data := sc.loadMemory(uint64(ptr)+arg, 4)
		sc.push(machine.I32Value(binary.LittleEndian.Uint32(data)))
	case OpI64Load:
		ptr := sc.popI32()
		data := sc.loadMemory(uint64(ptr)+arg, 8)
		sc.push(machine.I64Value(binary.LittleEndian.Uint64(data)))
	case OpI32Store:
		val := sc.popI32()
		ptr := sc.popI32()
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], val)
		sc.storeMemory(uint64(ptr)+arg, buf[:])
	case OpI64Store:
		val := sc.popI64()
		ptr := sc.popI32()
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], val)
		sc.storeMemory(uint64(ptr)+arg, buf[:])

	case OpI32Const:
		sc.push(machine.I32Value(uint32(arg)))
	case OpI64Const:
		sc.push(machine.I64Value(arg))
	case OpF32Const:
		sc.push(machine.Value{Type: machine.F32, Contents: *uint256.NewInt(arg & math.MaxUint32)})
	case OpF64Const:
		sc.push(machine.Value{Type: machine.F64, Contents: *uint256.NewInt(arg)})

	case OpI32Eqz:
		sc.push(boolToI32(sc.popI32() == 0))
	case OpI64Eqz:
		sc.push(boolToI32(sc.popI64() == 0))
	case OpI32Eq, OpI32Ne, OpI32LtS, OpI32LtU, OpI32GtS, OpI32GtU:
		rhs := sc.popI32()
		lhs := sc.popI32()
		sc.push(boolToI32(compareI32(instr.Opcode, lhs, rhs)))
	case OpI64Eq, OpI64Ne, OpI64LtS, OpI64LtU, OpI64GtS, OpI64GtU:
		rhs := sc.popI64()
		lhs := sc.popI64()
		sc.push(boolToI32(compareI64(instr.Opcode, lhs, rhs)))

	case OpI32Add, OpI32Sub, OpI32Mul, OpI32DivS, OpI32DivU, OpI32RemS, OpI32RemU,
		OpI32And, OpI32Or, OpI32Xor, OpI32Shl, OpI32ShrS, OpI32ShrU:
		rhs := sc.popI32()
		lhs := sc.popI32()
		sc.push(machine.I32Value(sc.arithI32(instr.Opcode, lhs, rhs)))
	case OpI64Add, OpI64Sub, OpI64Mul, OpI64DivS, OpI64DivU, OpI64RemS, OpI64RemU,
		OpI64And, OpI64Or, OpI64Xor, OpI64Shl, OpI64ShrS, OpI64ShrU:
		rhs := sc.popI64()
		lhs := sc.popI64()
		sc.push(machine.I64Value(sc.arithI64(instr.Opcode, lhs, rhs)))

	case OpGetGlobalStateU64:
		if arg >= 2 {
			sc.trap()
		}
		gs := sc.revealGlobalState()
		sc.push(machine.I64Value(gs.U64Vals[arg]))
	case OpSetGlobalStateU64:
		if arg >= 2 {
			sc.trap()
		}
		val := sc.popI64()
		gs := sc.revealGlobalState()
		gs.U64Vals[arg] = val
		mach.GlobalStateHash = gs.Hash()

	case OpReadInboxMessage:
		sc.readInboxMessage(arg)

	default:
		sc.trap()
	}

	if mach.Status == machine.StatusRunning && advance {
		mach.FunctionPc++
	}
}

// readInboxMessage consumes the next message from the selected inbox: the
// revealed item hash is checked against the on-record accumulator chain, the
// hash is written to memory at the popped pointer, and the inbox position
// register advances. Reading past what the inbox (or the challenge's read
// cap) contains resolves to StatusTooFar rather than a trap: the execution
// simply claims more input than existed.
func (sc *stepContext) readInboxMessage(inboxID uint64) {
	ptr := sc.popI32()
	gs := sc.revealGlobalState()
	msgIdx := gs.U64Vals[machine.GlobalStateInboxPosition]

	var count uint64
	var accumulator func(uint64) (common.Hash, error)
	switch inboxID {
	case InboxSequencer:
		count = sc.ctx.Inbox.SequencerMessageCount()
		if sc.ctx.MaxInboxMessagesRead < count {
			count = sc.ctx.MaxInboxMessagesRead
		}
		accumulator = sc.ctx.Inbox.SequencerAccumulator
	case InboxDelayed:
		count = sc.ctx.Inbox.DelayedMessageCount()
		accumulator = sc.ctx.Inbox.DelayedAccumulator
	default:
		sc.trap()
	}
	if msgIdx >= count {
		sc.mach.Status = machine.StatusTooFar
		return
	}

	item := sc.rdr.hash()
	acc, err := accumulator(msgIdx)
	if err != nil {
		panic(fmt.Errorf("%w: %v", ErrProofMismatch, err))
	}
	var prev common.Hash
	if msgIdx > 0 {
		if prev, err = accumulator(msgIdx - 1); err != nil {
			panic(fmt.Errorf("%w: %v", ErrProofMismatch, err))
		}
	}
	if crypto.Keccak256Hash(prev.Bytes(), item.Bytes()) != acc {
		panic(fmt.Errorf("%w: inbox item %d does not chain into accumulator", ErrProofMismatch, msgIdx))
	}

	if ptr%32 != 0 {
		sc.trap()
	}
	sc.storeMemory(uint64(ptr), item.Bytes())

	gs.U64Vals[machine.GlobalStateInboxPosition]++
	sc.mach.GlobalStateHash = gs.Hash()
	sc.push(machine.I32Value(32))
}

func (sc *stepContext) arithI32(op Opcode, lhs, rhs uint32) uint32 {
	switch op {
	case OpI32Add:
		return lhs + rhs
	case OpI32Sub:
		return lhs - rhs
	case OpI32Mul:
		return lhs * rhs
	case OpI32DivU:
		if rhs == 0 {
			sc.trap()
		}
		return lhs / rhs
	case OpI32RemU:
		if rhs == 0 {
			sc.trap()
		}
		return lhs % rhs
	case OpI32DivS:
		l, r := int32(lhs), int32(rhs)
		if r == 0 || (l == math.MinInt32 && r == -1) {
			sc.trap()
		}
		return uint32(l / r)
	case OpI32RemS:
		l, r := int32(lhs), int32(rhs)
		if r == 0 {
			sc.trap()
		}
		if r == -1 {
			return 0
		}
		return uint32(l % r)
	case OpI32And:
		return lhs & rhs
	case OpI32Or:
		return lhs | rhs
	case OpI32Xor:
		return lhs ^ rhs
	case OpI32Shl:
		return lhs << (rhs & 31)
	case OpI32ShrU:
		return lhs >> (rhs & 31)
	case OpI32ShrS:
		return uint32(int32(lhs) >> (rhs & 31))
	default:
		panic(fmt.Errorf("opcode %#x is not i32 arithmetic", uint16(op)))
	}
}

func (sc *stepContext) arithI64(op Opcode, lhs, rhs uint64) uint64 {
	switch op {
	case OpI64Add:
		return lhs + rhs
	case OpI64Sub:
		return lhs - rhs
	case OpI64Mul:
		return lhs * rhs
	case OpI64DivU:
		if rhs == 0 {
			sc.trap()
		}
		return lhs / rhs
	case OpI64RemU:
		if rhs == 0 {
			sc.trap()
		}
		return lhs % rhs
	case OpI64DivS:
		l, r := int64(lhs), int64(rhs)
		if r == 0 || (l == math.MinInt64 && r == -1) {
			sc.trap()
		}
		return uint64(l / r)
	case OpI64RemS:
		l, r := int64(lhs), int64(rhs)
		if r == 0 {
			sc.trap()
		}
		if r == -1 {
			return 0
		}
		return uint64(l % r)
	case OpI64And:
		return lhs & rhs
	case OpI64Or:
		return lhs | rhs
	case OpI64Xor:
		return lhs ^ rhs
	case OpI64Shl:
		return lhs << (rhs & 63)
	case OpI64ShrU:
		return lhs >> (rhs & 63)
	case OpI64ShrS:
		return uint64(int64(lhs) >> (rhs & 63))
	default:
		panic(fmt.Errorf("opcode %#x is not i64 arithmetic", uint16(op)))
	}
}

func compareI32(op Opcode, lhs, rhs uint32) bool {
	switch op {
	case OpI32Eq:
		return lhs == rhs
	case OpI32Ne:
		return lhs != rhs
	case OpI32LtU:
		return lhs < rhs
	case OpI32GtU:
		return lhs > rhs
	case OpI32LtS:
		return int32(lhs) < int32(rhs)
	case OpI32GtS:
		return int32(lhs) > int32(rhs)
	default:
		panic(fmt.Errorf("opcode %#x is not an i32 comparison", uint16(op)))
	}
}

func compareI64(op Opcode, lhs, rhs uint64) bool {
	switch op {
	case OpI64Eq:
		return lhs == rhs
	case OpI64Ne:
		return lhs != rhs
	case OpI64LtU:
		return lhs < rhs
	case OpI64GtU:
		return lhs > rhs
	case OpI64LtS:
		return int64(lhs) < int64(rhs)
	case OpI64GtS:
		return int64(lhs) > int64(rhs)
	default:
		panic(fmt.Errorf("opcode %#x is not an i64 comparison", uint16(op)))
	}
}
