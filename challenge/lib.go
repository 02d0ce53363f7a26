package challenge

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rollgate/rollgate/machine"
)

// HashChallengeState commits to the disputed range and its segment boundary
// hashes. Both parties recompute this independently, so the packing must stay
// canonical: two big-endian u64s followed by the segment hashes in order.
func HashChallengeState(segmentsStart, segmentsLength uint64, segments []common.Hash) common.Hash {
	data := make([]byte, 16, 16+32*len(segments))
	binary.BigEndian.PutUint64(data[:8], segmentsStart)
	binary.BigEndian.PutUint64(data[8:16], segmentsLength)
	for _, seg := range segments {
		data = append(data, seg.Bytes()...)
	}
	return crypto.Keccak256Hash(data)
}

// BlockStateHash is the boundary commitment used by block-mode challenges:
// the machine status plus the global state it stopped at.
func BlockStateHash(status machine.Status, globalStateHash common.Hash) common.Hash {
	switch status {
	case machine.StatusRunning:
		return crypto.Keccak256Hash([]byte("Block state:"), globalStateHash.Bytes())
	case machine.StatusFinished:
		return crypto.Keccak256Hash([]byte("Block state, finished:"), globalStateHash.Bytes())
	case machine.StatusErrored:
		return crypto.Keccak256Hash([]byte("Block state, errored:"), globalStateHash.Bytes())
	case machine.StatusTooFar:
		return crypto.Keccak256Hash([]byte("Block state, too far:"))
	default:
		panic(fmt.Errorf("invalid machine status %d", status))
	}
}

// extractSegment resolves the caller's chosen position into its start and
// length. Boundaries are deterministic: every segment spans length/degree
// steps and the last segment absorbs the remainder, so both parties always
// tile the range identically.
func extractSegment(start, length uint64, segments []common.Hash, pos uint64) (uint64, uint64, error) {
	degree := uint64(len(segments) - 1)
	if pos >= degree {
		return 0, 0, fmt.Errorf("%w: position %d, degree %d", ErrInvalidSelection, pos, degree)
	}
	segLen := length / degree
	segStart := start + segLen*pos
	if pos == degree-1 {
		segLen += length % degree
	}
	if segLen == 0 {
		return 0, 0, fmt.Errorf("%w: empty segment at position %d", ErrInvalidSelection, pos)
	}
	return segStart, segLen, nil
}
