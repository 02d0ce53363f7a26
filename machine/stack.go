package machine

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrBadWindowLength marks a structurally malformed proof window. It is raised
// as a panic and recovered at the one-step verifier boundary: a prover that
// reveals the wrong number of elements has already lost, there is nothing to
// retry.
var ErrBadWindowLength = errors.New("bad proof window length")

// ValueStack is a partially revealed stack: Proved is the visible top section
// (Proved[len-1] is the top of stack) and Remaining commits to everything
// below it. Push and pop only ever touch the revealed section, so a single
// top-of-stack operation needs at most one revealed element while staying
// bound to the full stack through Remaining.
type ValueStack struct {
	Proved    []Value     `json:"proved"`
	Remaining common.Hash `json:"remainingHash"`
}

// Hash folds the revealed elements onto the Remaining commitment, bottom-up.
func (s *ValueStack) Hash() common.Hash {
	h := s.Remaining
	for _, v := range s.Proved {
		h = crypto.Keccak256Hash([]byte("Value stack:"), h.Bytes(), v.Hash().Bytes())
	}
	return h
}

func (s *ValueStack) Push(v Value) {
	s.Proved = append(s.Proved, v)
}

// Pop removes and returns the top revealed value. Popping past the revealed
// section means the proof did not reveal enough of the stack.
func (s *ValueStack) Pop() Value {
	if len(s.Proved) == 0 {
		panic(ErrBadWindowLength)
	}
	v := s.Proved[len(s.Proved)-1]
	s.Proved = s.Proved[:len(s.Proved)-1]
	return v
}
