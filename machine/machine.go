// Package machine models the Merkleized state of the deterministic rollup
// virtual machine. A machine hash is a pure function of the fields below;
// identical fields always hash identically, which is what makes the bisection
// protocol sound.
package machine

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Status uint8

const (
	StatusRunning Status = iota
	StatusFinished
	StatusErrored
	StatusTooFar
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusErrored:
		return "errored"
	case StatusTooFar:
		return "too-far"
	default:
		return fmt.Sprintf("invalid<%d>", uint8(s))
	}
}

type Machine struct {
	Status Status `json:"status"`

	ValueStack    ValueStack  `json:"valueStack"`
	InternalStack ValueStack  `json:"internalStack"`
	FrameStack    FrameWindow `json:"frameStack"`

	GlobalStateHash common.Hash `json:"globalStateHash"`

	ModuleIdx   uint32 `json:"moduleIdx"`
	FunctionIdx uint32 `json:"functionIdx"`
	FunctionPc  uint32 `json:"functionPc"`

	ModulesRoot common.Hash `json:"modulesRoot"`
}

// Hash commits to the full machine. Terminal statuses collapse to short
// tagged digests: once a machine has halted, how it got there no longer
// matters, so stack and pc detail is deliberately discarded.
func (m *Machine) Hash() common.Hash {
	switch m.Status {
	case StatusRunning:
		var pc [12]byte
		binary.BigEndian.PutUint32(pc[:4], m.ModuleIdx)
		binary.BigEndian.PutUint32(pc[4:8], m.FunctionIdx)
		binary.BigEndian.PutUint32(pc[8:], m.FunctionPc)
		return crypto.Keccak256Hash(
			[]byte("Machine running:"),
			m.ValueStack.Hash().Bytes(),
			m.InternalStack.Hash().Bytes(),
			m.FrameStack.Hash().Bytes(),
			m.GlobalStateHash.Bytes(),
			pc[:],
			m.ModulesRoot.Bytes(),
		)
	default:
		return HaltedMachineHash(m.Status, m.GlobalStateHash)
	}
}

// HaltedMachineHash is the collapsed digest of a machine in a terminal status.
func HaltedMachineHash(status Status, globalStateHash common.Hash) common.Hash {
	switch status {
	case StatusFinished:
		return crypto.Keccak256Hash([]byte("Machine finished:"), globalStateHash.Bytes())
	case StatusErrored:
		return crypto.Keccak256Hash([]byte("Machine errored:"))
	case StatusTooFar:
		return crypto.Keccak256Hash([]byte("Machine too far:"))
	default:
		panic(fmt.Errorf("status %s is not terminal", status))
	}
}

// NewStartMachine is the canonical machine a block execution starts from:
// running at pc (0,0,0) with empty stacks and a single seeded entry frame.
// Both parties to a challenge must be able to reproduce this independently.
func NewStartMachine(globalStateHash, modulesRoot common.Hash) *Machine {
	return &Machine{
		Status: StatusRunning,
		FrameStack: FrameWindow{
			Proved: []StackFrame{{ReturnPc: RefNullValue()}},
		},
		GlobalStateHash: globalStateHash,
		ModulesRoot:     modulesRoot,
	}
}
