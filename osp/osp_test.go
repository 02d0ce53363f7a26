package osp

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/rollgate/rollgate/machine"
	"github.com/rollgate/rollgate/merkle"
)

type stubInbox struct {
	sequencer []common.Hash
	delayed   []common.Hash
}

func (s stubInbox) SequencerMessageCount() uint64 { return uint64(len(s.sequencer)) }
func (s stubInbox) DelayedMessageCount() uint64   { return uint64(len(s.delayed)) }

func (s stubInbox) SequencerAccumulator(index uint64) (common.Hash, error) {
	return s.sequencer[index], nil
}

func (s stubInbox) DelayedAccumulator(index uint64) (common.Hash, error) {
	return s.delayed[index], nil
}

func testContext(inbox stubInbox) ExecutionContext {
	return ExecutionContext{MaxInboxMessagesRead: 1 << 20, Inbox: inbox}
}

// fixture materializes the prover side: one module at index 0 holding one
// function, a small zeroed memory, and the Merkle trees a proof opens.
type fixture struct {
	code        []Instruction
	codeTree    *merkle.Tree
	funcsTree   *merkle.Tree
	memTree     *merkle.Tree
	localsTree  *merkle.Tree
	mod         *machine.Module
	modulesTree *merkle.Tree
	gs          machine.GlobalState
}

func newFixture(code []Instruction) *fixture {
	codeLeaves := make([]common.Hash, len(code))
	for i, instr := range code {
		codeLeaves[i] = instr.Hash()
	}
	codeTree := merkle.NewTree(merkle.InstructionTree, codeLeaves)
	funcsTree := merkle.NewTree(merkle.FunctionTree, []common.Hash{machine.FunctionHash(codeTree.Root())})

	memLeaves := make([]common.Hash, 4)
	for i := range memLeaves {
		memLeaves[i] = machine.MemoryLeafHash([32]byte{})
	}
	memTree := merkle.NewTree(merkle.MemoryTree, memLeaves)

	locals := []common.Hash{machine.I32Value(7).Hash(), machine.I64Value(900).Hash()}
	localsTree := merkle.NewTree(merkle.ValueTree, locals)

	mod := &machine.Module{
		GlobalsMerkleRoot: merkle.NewTree(merkle.ValueTree, nil).Root(),
		Memory: machine.ModuleMemory{
			Size:       128,
			MaxSize:    1 << 16,
			MerkleRoot: memTree.Root(),
		},
		FunctionsMerkleRoot: funcsTree.Root(),
	}
	modulesTree := merkle.NewTree(merkle.ModuleTree, []common.Hash{mod.Hash()})
	return &fixture{
		code:        code,
		codeTree:    codeTree,
		funcsTree:   funcsTree,
		memTree:     memTree,
		localsTree:  localsTree,
		mod:         mod,
		modulesTree: modulesTree,
	}
}

// machineAt builds a running machine at pc with the given revealed stack.
func (f *fixture) machineAt(pc uint32, stack []machine.Value) *machine.Machine {
	m := machine.NewStartMachine(f.gs.Hash(), f.modulesTree.Root())
	m.FunctionPc = pc
	m.ValueStack.Proved = stack
	m.FrameStack.Proved[0].LocalsMerkleRoot = f.localsTree.Root()
	return m
}

// proofFor serializes the full one-step proof for m, with op-specific bytes
// appended after the instruction lookup section.
func (f *fixture) proofFor(m *machine.Machine, extra []byte) []byte {
	out := AppendMachine(nil, m)
	if m.Status != machine.StatusRunning {
		return out
	}
	out = AppendModule(out, f.mod)
	out = AppendMerkleProof(out, f.modulesTree.Prove(uint64(m.ModuleIdx)))
	out = AppendInstruction(out, f.code[m.FunctionPc])
	out = AppendMerkleProof(out, f.codeTree.Prove(uint64(m.FunctionPc)))
	out = AppendMerkleProof(out, f.funcsTree.Prove(uint64(m.FunctionIdx)))
	return append(out, extra...)
}

func TestProveOneStepI32Add(t *testing.T) {
	f := newFixture([]Instruction{
		NewInstruction(OpI32Const, 2),
		NewInstruction(OpI32Const, 3),
		NewInstruction(OpI32Add, 0),
		NewInstruction(OpHaltAndSetFinished, 0),
	})
	before := f.machineAt(2, []machine.Value{machine.I32Value(2), machine.I32Value(3)})
	proof := f.proofFor(before, nil)

	got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 2, before.Hash(), proof)
	require.NoError(t, err)

	expected := f.machineAt(3, []machine.Value{machine.I32Value(5)})
	require.Equal(t, expected.Hash(), got)
}

func TestProveOneStepRejectsWrongBeforeHash(t *testing.T) {
	f := newFixture([]Instruction{
		NewInstruction(OpI32Add, 0),
	})
	claimed := f.machineAt(0, []machine.Value{machine.I32Value(2), machine.I32Value(3)})
	lying := f.machineAt(0, []machine.Value{machine.I32Value(2), machine.I32Value(4)})
	proof := f.proofFor(lying, nil)

	_, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, claimed.Hash(), proof)
	require.ErrorIs(t, err, ErrProofMismatch)
}

func TestHaltedMachineStepsToItself(t *testing.T) {
	f := newFixture([]Instruction{NewInstruction(OpNop, 0)})
	for _, status := range []machine.Status{machine.StatusFinished, machine.StatusErrored, machine.StatusTooFar} {
		m := f.machineAt(0, nil)
		m.Status = status
		proof := f.proofFor(m, nil)
		got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 99, m.Hash(), proof)
		require.NoError(t, err)
		require.Equal(t, m.Hash(), got)
	}
}

func TestTrapsResolveToErrored(t *testing.T) {
	cases := []struct {
		name  string
		code  Instruction
		stack []machine.Value
	}{
		{"unreachable", NewInstruction(OpUnreachable, 0), nil},
		{"divide by zero", NewInstruction(OpI32DivU, 0), []machine.Value{machine.I32Value(1), machine.I32Value(0)}},
		{"signed division overflow", NewInstruction(OpI32DivS, 0), []machine.Value{machine.I32Value(1 << 31), machine.I32Value(0xFFFFFFFF)}},
		{"type confusion", NewInstruction(OpI32Add, 0), []machine.Value{machine.I64Value(1), machine.I64Value(2)}},
		{"unknown opcode", NewInstruction(0x0FFF, 0), nil},
		{"return through null frame", NewInstruction(OpReturn, 0), nil},
		{"load out of bounds", NewInstruction(OpI32Load, 0), []machine.Value{machine.I32Value(1 << 20)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture([]Instruction{tc.code})
			before := f.machineAt(0, tc.stack)
			proof := f.proofFor(before, nil)
			got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), proof)
			require.NoError(t, err)
			require.Equal(t, machine.HaltedMachineHash(machine.StatusErrored, f.gs.Hash()), got)
		})
	}
}

func TestSignedRemainderOverflowIsZero(t *testing.T) {
	f := newFixture([]Instruction{NewInstruction(OpI32RemS, 0)})
	before := f.machineAt(0, []machine.Value{machine.I32Value(1 << 31), machine.I32Value(0xFFFFFFFF)})
	proof := f.proofFor(before, nil)

	got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), proof)
	require.NoError(t, err)

	expected := f.machineAt(1, []machine.Value{machine.I32Value(0)})
	require.Equal(t, expected.Hash(), got)
}

func TestLocalGetOpensLocalsTree(t *testing.T) {
	f := newFixture([]Instruction{NewInstruction(OpLocalGet, 1)})
	before := f.machineAt(0, nil)

	var extra []byte
	extra = AppendValue(extra, machine.I64Value(900))
	extra = AppendMerkleProof(extra, f.localsTree.Prove(1))
	proof := f.proofFor(before, extra)

	got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), proof)
	require.NoError(t, err)

	expected := f.machineAt(1, []machine.Value{machine.I64Value(900)})
	require.Equal(t, expected.Hash(), got)
}

func TestLocalGetRejectsWrongLeaf(t *testing.T) {
	f := newFixture([]Instruction{NewInstruction(OpLocalGet, 1)})
	before := f.machineAt(0, nil)

	var extra []byte
	extra = AppendValue(extra, machine.I64Value(901))
	extra = AppendMerkleProof(extra, f.localsTree.Prove(1))
	proof := f.proofFor(before, extra)

	_, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), proof)
	require.ErrorIs(t, err, ErrProofMismatch)
}

func TestI64StoreUpdatesMemoryRoot(t *testing.T) {
	f := newFixture([]Instruction{NewInstruction(OpI64Store, 8)})
	before := f.machineAt(0, []machine.Value{machine.I32Value(32), machine.I64Value(0x1122334455667788)})

	var extra []byte
	var leaf [32]byte
	extra = append(extra, leaf[:]...)
	extra = AppendMerkleProof(extra, f.memTree.Prove(1))
	proof := f.proofFor(before, extra)

	got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), proof)
	require.NoError(t, err)

	// addr 40 lands in leaf 1 at offset 8, little-endian.
	copy(leaf[8:16], []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11})
	newMod := *f.mod
	newMod.Memory.MerkleRoot = f.memTree.Prove(1).ComputeRoot(1, machine.MemoryLeafHash(leaf))

	expected := f.machineAt(1, nil)
	expected.ModulesRoot = f.modulesTree.Prove(0).ComputeRoot(0, newMod.Hash())
	require.Equal(t, expected.Hash(), got)
}

func TestCallPushesReturnInfo(t *testing.T) {
	f := newFixture([]Instruction{NewInstruction(OpCall, 0)})
	before := f.machineAt(0, nil)
	proof := f.proofFor(before, nil)

	got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), proof)
	require.NoError(t, err)

	expected := f.machineAt(0, []machine.Value{
		machine.InternalRefValue(0, 0, 1),
		machine.I32Value(0),
		machine.I32Value(0),
	})
	require.Equal(t, expected.Hash(), got)
}

func TestCrossModuleCallSwitchesModule(t *testing.T) {
	f := newFixture([]Instruction{NewInstruction(OpCrossModuleCall, 5<<32|9)})
	before := f.machineAt(0, nil)
	proof := f.proofFor(before, nil)

	got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), proof)
	require.NoError(t, err)

	expected := f.machineAt(0, []machine.Value{
		machine.InternalRefValue(0, 0, 1),
		machine.I32Value(0),
		machine.I32Value(0),
	})
	expected.ModuleIdx = 5
	expected.FunctionIdx = 9
	require.Equal(t, expected.Hash(), got)
}

func TestInitFrameUsesCommittedLocalsRoot(t *testing.T) {
	localsRoot := crypto.Keccak256Hash([]byte("callee locals"))
	f := newFixture([]Instruction{InitFrameInstruction(localsRoot)})
	retPc := machine.InternalRefValue(0, 0, 5)
	before := f.machineAt(0, []machine.Value{retPc, machine.I32Value(0), machine.I32Value(0)})
	proof := f.proofFor(before, nil)

	got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), proof)
	require.NoError(t, err)

	expected := f.machineAt(1, nil)
	expected.FrameStack.Push(machine.StackFrame{ReturnPc: retPc, LocalsMerkleRoot: localsRoot})
	require.Equal(t, expected.Hash(), got)

	// The locals root is not a free proof input: a proof carrying any extra
	// bytes is malformed, so no second valid proof of this step can reach a
	// different machine.
	forged := append(append([]byte{}, proof...), crypto.Keccak256Hash([]byte("other root")).Bytes()...)
	_, err = NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), forged)
	require.ErrorIs(t, err, ErrMalformedProof)
}

func TestInitFrameThenReturnReopensFrame(t *testing.T) {
	localsRoot := crypto.Keccak256Hash([]byte("callee locals"))
	f := newFixture([]Instruction{
		InitFrameInstruction(localsRoot),
		NewInstruction(OpReturn, 0),
	})
	retPc := machine.InternalRefValue(0, 0, 7)
	before := f.machineAt(0, []machine.Value{retPc, machine.I32Value(3), machine.I32Value(9)})

	afterInit, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), f.proofFor(before, nil))
	require.NoError(t, err)

	// reconstruct the machine the init step committed to, then return through it
	mid := f.machineAt(1, nil)
	mid.FrameStack.Push(machine.StackFrame{
		ReturnPc:              retPc,
		LocalsMerkleRoot:      localsRoot,
		CallerModule:          3,
		CallerModuleInternals: 9,
	})
	require.Equal(t, afterInit, mid.Hash())

	got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 1, mid.Hash(), f.proofFor(mid, nil))
	require.NoError(t, err)

	expected := f.machineAt(7, nil)
	expected.FrameStack.Proved = nil
	expected.FrameStack.Remaining = mid.FrameStack.Remaining
	require.Equal(t, expected.Hash(), got)
}

func TestArbitraryJump(t *testing.T) {
	f := newFixture([]Instruction{NewInstruction(OpArbitraryJump, 3)})
	before := f.machineAt(0, nil)
	got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), f.proofFor(before, nil))
	require.NoError(t, err)
	require.Equal(t, f.machineAt(3, nil).Hash(), got)
}

func TestArbitraryJumpIf(t *testing.T) {
	f := newFixture([]Instruction{NewInstruction(OpArbitraryJumpIf, 3)})
	for _, tc := range []struct {
		name      string
		condition uint32
		wantPc    uint32
	}{
		{"taken", 1, 3},
		{"fallthrough", 0, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := f.machineAt(0, []machine.Value{machine.I32Value(tc.condition)})
			got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), f.proofFor(before, nil))
			require.NoError(t, err)
			require.Equal(t, f.machineAt(tc.wantPc, nil).Hash(), got)
		})
	}
}

func TestSelect(t *testing.T) {
	f := newFixture([]Instruction{NewInstruction(OpSelect, 0)})
	for _, tc := range []struct {
		name     string
		selector uint32
		want     machine.Value
	}{
		{"nonzero keeps first", 1, machine.I32Value(10)},
		{"zero keeps second", 0, machine.I64Value(20)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := f.machineAt(0, []machine.Value{machine.I32Value(10), machine.I64Value(20), machine.I32Value(tc.selector)})
			got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), f.proofFor(before, nil))
			require.NoError(t, err)
			require.Equal(t, f.machineAt(1, []machine.Value{tc.want}).Hash(), got)
		})
	}
}

func TestInternalStackMoves(t *testing.T) {
	f := newFixture([]Instruction{
		NewInstruction(OpMoveFromStackToInternal, 0),
		NewInstruction(OpMoveFromInternalToStack, 0),
	})
	before := f.machineAt(0, []machine.Value{machine.I64Value(77)})
	got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), f.proofFor(before, nil))
	require.NoError(t, err)

	mid := f.machineAt(1, nil)
	mid.InternalStack.Proved = []machine.Value{machine.I64Value(77)}
	require.Equal(t, mid.Hash(), got)

	got2, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 1, mid.Hash(), f.proofFor(mid, nil))
	require.NoError(t, err)
	require.Equal(t, f.machineAt(2, []machine.Value{machine.I64Value(77)}).Hash(), got2)
}

func TestReadInboxMessageTooFar(t *testing.T) {
	f := newFixture([]Instruction{NewInstruction(OpReadInboxMessage, InboxSequencer)})
	before := f.machineAt(0, []machine.Value{machine.I32Value(0)})

	proof := f.proofFor(before, AppendGlobalState(nil, f.gs))
	got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), proof)
	require.NoError(t, err)
	require.Equal(t, machine.HaltedMachineHash(machine.StatusTooFar, f.gs.Hash()), got)
}

func TestReadInboxMessageConsumesDelayed(t *testing.T) {
	item := crypto.Keccak256Hash([]byte("delayed message 0"))
	inbox := stubInbox{delayed: []common.Hash{crypto.Keccak256Hash(common.Hash{}.Bytes(), item.Bytes())}}

	f := newFixture([]Instruction{NewInstruction(OpReadInboxMessage, InboxDelayed)})
	before := f.machineAt(0, []machine.Value{machine.I32Value(0)})

	var extra []byte
	extra = AppendGlobalState(extra, f.gs)
	extra = append(extra, item.Bytes()...)
	var leaf [32]byte
	extra = append(extra, leaf[:]...)
	extra = AppendMerkleProof(extra, f.memTree.Prove(0))
	proof := f.proofFor(before, extra)

	got, err := NewVerifier().ProveOneStep(testContext(inbox), 0, before.Hash(), proof)
	require.NoError(t, err)

	copy(leaf[:], item.Bytes())
	newMod := *f.mod
	newMod.Memory.MerkleRoot = f.memTree.Prove(0).ComputeRoot(0, machine.MemoryLeafHash(leaf))
	newGs := f.gs
	newGs.U64Vals[machine.GlobalStateInboxPosition] = 1

	expected := f.machineAt(1, []machine.Value{machine.I32Value(32)})
	expected.GlobalStateHash = newGs.Hash()
	expected.ModulesRoot = f.modulesTree.Prove(0).ComputeRoot(0, newMod.Hash())
	require.Equal(t, expected.Hash(), got)
}

func TestReadInboxMessageRejectsUnchainedItem(t *testing.T) {
	item := crypto.Keccak256Hash([]byte("delayed message 0"))
	inbox := stubInbox{delayed: []common.Hash{crypto.Keccak256Hash(common.Hash{}.Bytes(), item.Bytes())}}

	f := newFixture([]Instruction{NewInstruction(OpReadInboxMessage, InboxDelayed)})
	before := f.machineAt(0, []machine.Value{machine.I32Value(0)})

	var extra []byte
	extra = AppendGlobalState(extra, f.gs)
	extra = append(extra, crypto.Keccak256Hash([]byte("forged item")).Bytes()...)
	var leaf [32]byte
	extra = append(extra, leaf[:]...)
	extra = AppendMerkleProof(extra, f.memTree.Prove(0))
	proof := f.proofFor(before, extra)

	_, err := NewVerifier().ProveOneStep(testContext(inbox), 0, before.Hash(), proof)
	require.ErrorIs(t, err, ErrProofMismatch)
}

func TestGlobalStateRegisterRoundTrip(t *testing.T) {
	f := newFixture([]Instruction{
		NewInstruction(OpSetGlobalStateU64, 1),
		NewInstruction(OpGetGlobalStateU64, 1),
	})
	before := f.machineAt(0, []machine.Value{machine.I64Value(42)})
	proof := f.proofFor(before, AppendGlobalState(nil, f.gs))

	got, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), proof)
	require.NoError(t, err)

	newGs := f.gs
	newGs.U64Vals[1] = 42
	expected := f.machineAt(1, nil)
	expected.GlobalStateHash = newGs.Hash()
	require.Equal(t, expected.Hash(), got)

	// Reading the register back opens the updated preimage.
	before2 := f.machineAt(1, nil)
	before2.GlobalStateHash = newGs.Hash()
	proof2 := f.proofFor(before2, AppendGlobalState(nil, newGs))
	got2, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 1, before2.Hash(), proof2)
	require.NoError(t, err)

	expected2 := f.machineAt(2, []machine.Value{machine.I64Value(42)})
	expected2.GlobalStateHash = newGs.Hash()
	require.Equal(t, expected2.Hash(), got2)
}

func TestMalformedProofsRejected(t *testing.T) {
	f := newFixture([]Instruction{NewInstruction(OpNop, 0)})
	before := f.machineAt(0, nil)
	proof := f.proofFor(before, nil)

	t.Run("truncated", func(t *testing.T) {
		_, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), proof[:len(proof)-5])
		require.ErrorIs(t, err, ErrMalformedProof)
	})
	t.Run("trailing bytes", func(t *testing.T) {
		_, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), append(append([]byte{}, proof...), 0xFF))
		require.ErrorIs(t, err, ErrMalformedProof)
	})
	t.Run("empty", func(t *testing.T) {
		_, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, before.Hash(), nil)
		require.ErrorIs(t, err, ErrMalformedProof)
	})
	t.Run("underrevealed stack", func(t *testing.T) {
		f2 := newFixture([]Instruction{NewInstruction(OpDrop, 0)})
		m := f2.machineAt(0, nil)
		_, err := NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, m.Hash(), f2.proofFor(m, nil))
		require.ErrorIs(t, err, ErrMalformedProof)
	})
}

func FuzzProveOneStepNeverPanics(f *testing.F) {
	fx := newFixture([]Instruction{NewInstruction(OpI32Add, 0)})
	m := fx.machineAt(0, []machine.Value{machine.I32Value(1), machine.I32Value(2)})
	f.Add(fx.proofFor(m, nil))
	f.Add([]byte{})
	f.Add([]byte{0x00, 0x01, 0x02})
	f.Fuzz(func(t *testing.T, proof []byte) {
		_, _ = NewVerifier().ProveOneStep(testContext(stubInbox{}), 0, m.Hash(), proof)
	})
}
