package machine

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// StackFrame is one call frame. ReturnPc is an InternalRef value; locals are
// committed as a value Merkle root rather than materialized.
type StackFrame struct {
	ReturnPc              Value       `json:"returnPc"`
	LocalsMerkleRoot      common.Hash `json:"localsMerkleRoot"`
	CallerModule          uint32      `json:"callerModule"`
	CallerModuleInternals uint32      `json:"callerModuleInternals"`
}

func (f StackFrame) Hash() common.Hash {
	var idx [8]byte
	binary.BigEndian.PutUint32(idx[:4], f.CallerModule)
	binary.BigEndian.PutUint32(idx[4:], f.CallerModuleInternals)
	return crypto.Keccak256Hash(
		[]byte("Stack frame:"),
		f.ReturnPc.Hash().Bytes(),
		f.LocalsMerkleRoot.Bytes(),
		idx[:],
	)
}

// FrameWindow is the proved/remaining split for the call stack, capped at one
// revealed frame: one-step execution only ever touches the top frame, so a
// proof revealing more (or operating on less) is malformed.
type FrameWindow struct {
	Proved    []StackFrame `json:"proved"`
	Remaining common.Hash  `json:"remainingHash"`
}

func (w *FrameWindow) Hash() common.Hash {
	h := w.Remaining
	for _, f := range w.Proved {
		h = crypto.Keccak256Hash([]byte("Stack frame stack:"), h.Bytes(), f.Hash().Bytes())
	}
	return h
}

func (w *FrameWindow) requireOneProved() {
	if len(w.Proved) != 1 {
		panic(ErrBadWindowLength)
	}
}

// Push folds the currently revealed frame into Remaining and reveals the new
// top frame in its place, preserving the one-frame cap.
func (w *FrameWindow) Push(f StackFrame) {
	w.requireOneProved()
	w.Remaining = crypto.Keccak256Hash([]byte("Stack frame stack:"), w.Remaining.Bytes(), w.Proved[0].Hash().Bytes())
	w.Proved[0] = f
}

func (w *FrameWindow) Pop() StackFrame {
	w.requireOneProved()
	f := w.Proved[0]
	w.Proved = nil
	return f
}

func (w *FrameWindow) Peek() *StackFrame {
	w.requireOneProved()
	return &w.Proved[0]
}
