// Package accum implements the append-only keccak hash chains that back both
// rollup inboxes. Every entry commits to the full history before it:
//
//	acc[i] = keccak256(acc[i-1], itemHash[i]), acc[-1] = 0
package accum

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrIndexOutOfRange = errors.New("accumulator index out of range")

// Accumulator is strictly sequential: Append is the only mutator, and entries
// are never rewritten or truncated.
type Accumulator struct {
	values []common.Hash
}

func New() *Accumulator {
	return &Accumulator{}
}

// Append chains itemHash onto the accumulator and returns the new head value.
func (a *Accumulator) Append(itemHash common.Hash) common.Hash {
	acc := crypto.Keccak256Hash(a.Head().Bytes(), itemHash.Bytes())
	a.values = append(a.values, acc)
	return acc
}

// Get returns the accumulator value after the item at index was appended.
func (a *Accumulator) Get(index uint64) (common.Hash, error) {
	if index >= uint64(len(a.values)) {
		return common.Hash{}, fmt.Errorf("%w: index %d, count %d", ErrIndexOutOfRange, index, len(a.values))
	}
	return a.values[index], nil
}

func (a *Accumulator) Count() uint64 {
	return uint64(len(a.values))
}

// Head is the latest accumulator value, or the zero hash for an empty log.
func (a *Accumulator) Head() common.Hash {
	if len(a.values) == 0 {
		return common.Hash{}
	}
	return a.values[len(a.values)-1]
}
