package osp

import (
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/rollgate/rollgate/machine"
	"github.com/rollgate/rollgate/merkle"
)

// ErrMalformedProof marks a proof that cannot be decoded: truncated buffers,
// trailing bytes, or structurally invalid windows. Malformed proofs are
// decisive for the caller, never retried.
var ErrMalformedProof = errors.New("malformed one-step proof")

// reader walks the proof buffer. All decode failures panic with
// ErrMalformedProof and are recovered at the verifier boundary.
type reader struct {
	data []byte
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) take(n int) []byte {
	if len(r.data) < n {
		panic(ErrMalformedProof)
	}
	out := r.data[:n]
	r.data = r.data[n:]
	return out
}

func (r *reader) u8() uint8   { return r.take(1)[0] }
func (r *reader) u16() uint16 { return binary.BigEndian.Uint16(r.take(2)) }
func (r *reader) u32() uint32 { return binary.BigEndian.Uint32(r.take(4)) }
func (r *reader) u64() uint64 { return binary.BigEndian.Uint64(r.take(8)) }

func (r *reader) hash() common.Hash {
	return common.BytesToHash(r.take(32))
}

func (r *reader) bytes32() (out [32]byte) {
	copy(out[:], r.take(32))
	return out
}

// requireDone rejects proofs carrying bytes the verifier never reads.
func (r *reader) requireDone() {
	if len(r.data) != 0 {
		panic(ErrMalformedProof)
	}
}

func (r *reader) value() machine.Value {
	t := machine.ValueType(r.u8())
	if t > machine.InternalRef {
		panic(ErrMalformedProof)
	}
	contents := r.bytes32()
	var c uint256.Int
	c.SetBytes32(contents[:])
	return machine.Value{Type: t, Contents: c}
}

func (r *reader) valueStack() machine.ValueStack {
	count := r.u32()
	if uint64(count)*33 > uint64(len(r.data)) {
		panic(ErrMalformedProof)
	}
	proved := make([]machine.Value, count)
	for i := range proved {
		proved[i] = r.value()
	}
	return machine.ValueStack{Proved: proved, Remaining: r.hash()}
}

func (r *reader) stackFrame() machine.StackFrame {
	return machine.StackFrame{
		ReturnPc:              r.value(),
		LocalsMerkleRoot:      r.hash(),
		CallerModule:          r.u32(),
		CallerModuleInternals: r.u32(),
	}
}

func (r *reader) frameWindow() machine.FrameWindow {
	count := r.u8()
	if count > 1 {
		panic(ErrMalformedProof)
	}
	var proved []machine.StackFrame
	if count == 1 {
		proved = []machine.StackFrame{r.stackFrame()}
	}
	return machine.FrameWindow{Proved: proved, Remaining: r.hash()}
}

func (r *reader) machine() *machine.Machine {
	status := machine.Status(r.u8())
	if status > machine.StatusTooFar {
		panic(ErrMalformedProof)
	}
	return &machine.Machine{
		Status:          status,
		ValueStack:      r.valueStack(),
		InternalStack:   r.valueStack(),
		FrameStack:      r.frameWindow(),
		GlobalStateHash: r.hash(),
		ModuleIdx:       r.u32(),
		FunctionIdx:     r.u32(),
		FunctionPc:      r.u32(),
		ModulesRoot:     r.hash(),
	}
}

func (r *reader) module() *machine.Module {
	return &machine.Module{
		GlobalsMerkleRoot: r.hash(),
		Memory: machine.ModuleMemory{
			Size:       r.u64(),
			MaxSize:    r.u64(),
			MerkleRoot: r.hash(),
		},
		TablesMerkleRoot:    r.hash(),
		FunctionsMerkleRoot: r.hash(),
		InternalsOffset:     r.u32(),
	}
}

func (r *reader) merkleProof(prefix string) merkle.Proof {
	count := r.u8()
	nodes := make([]common.Hash, count)
	for i := range nodes {
		nodes[i] = r.hash()
	}
	return merkle.Proof{Prefix: prefix, Nodes: nodes}
}

func (r *reader) globalState() machine.GlobalState {
	var gs machine.GlobalState
	gs.Bytes32Vals[0] = r.hash()
	gs.Bytes32Vals[1] = r.hash()
	gs.U64Vals[0] = r.u64()
	gs.U64Vals[1] = r.u64()
	return gs
}

func (r *reader) instruction() Instruction {
	op := Opcode(r.u16())
	arg := r.bytes32()
	var data uint256.Int
	data.SetBytes32(arg[:])
	return Instruction{Opcode: op, ArgumentData: data}
}

// The Append functions are the prover side of the codec. Field order must
// mirror the reader methods above byte for byte.

func AppendValue(out []byte, v machine.Value) []byte {
	out = append(out, byte(v.Type))
	contents := v.Contents.Bytes32()
	return append(out, contents[:]...)
}

func AppendValueStack(out []byte, s machine.ValueStack) []byte {
	out = binary.BigEndian.AppendUint32(out, uint32(len(s.Proved)))
	for _, v := range s.Proved {
		out = AppendValue(out, v)
	}
	return append(out, s.Remaining.Bytes()...)
}

func AppendStackFrame(out []byte, f machine.StackFrame) []byte {
	out = AppendValue(out, f.ReturnPc)
	out = append(out, f.LocalsMerkleRoot.Bytes()...)
	out = binary.BigEndian.AppendUint32(out, f.CallerModule)
	return binary.BigEndian.AppendUint32(out, f.CallerModuleInternals)
}

func AppendFrameWindow(out []byte, w machine.FrameWindow) []byte {
	out = append(out, byte(len(w.Proved)))
	for _, f := range w.Proved {
		out = AppendStackFrame(out, f)
	}
	return append(out, w.Remaining.Bytes()...)
}

func AppendMachine(out []byte, m *machine.Machine) []byte {
	out = append(out, byte(m.Status))
	out = AppendValueStack(out, m.ValueStack)
	out = AppendValueStack(out, m.InternalStack)
	out = AppendFrameWindow(out, m.FrameStack)
	out = append(out, m.GlobalStateHash.Bytes()...)
	out = binary.BigEndian.AppendUint32(out, m.ModuleIdx)
	out = binary.BigEndian.AppendUint32(out, m.FunctionIdx)
	out = binary.BigEndian.AppendUint32(out, m.FunctionPc)
	return append(out, m.ModulesRoot.Bytes()...)
}

func AppendModule(out []byte, mod *machine.Module) []byte {
	out = append(out, mod.GlobalsMerkleRoot.Bytes()...)
	out = binary.BigEndian.AppendUint64(out, mod.Memory.Size)
	out = binary.BigEndian.AppendUint64(out, mod.Memory.MaxSize)
	out = append(out, mod.Memory.MerkleRoot.Bytes()...)
	out = append(out, mod.TablesMerkleRoot.Bytes()...)
	out = append(out, mod.FunctionsMerkleRoot.Bytes()...)
	return binary.BigEndian.AppendUint32(out, mod.InternalsOffset)
}

func AppendMerkleProof(out []byte, p merkle.Proof) []byte {
	out = append(out, byte(len(p.Nodes)))
	for _, n := range p.Nodes {
		out = append(out, n.Bytes()...)
	}
	return out
}

func AppendGlobalState(out []byte, gs machine.GlobalState) []byte {
	out = append(out, gs.Bytes32Vals[0].Bytes()...)
	out = append(out, gs.Bytes32Vals[1].Bytes()...)
	out = binary.BigEndian.AppendUint64(out, gs.U64Vals[0])
	return binary.BigEndian.AppendUint64(out, gs.U64Vals[1])
}

func AppendInstruction(out []byte, i Instruction) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(i.Opcode))
	arg := i.ArgumentData.Bytes32()
	return append(out, arg[:]...)
}
