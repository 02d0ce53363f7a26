package inbox

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Delayed message kinds.
const (
	KindL2Message          uint8 = 3
	KindInitialize         uint8 = 11
	KindEthDeposit         uint8 = 12
	KindBatchPostingReport uint8 = 13
)

// DelayedMessage is a permissionlessly submitted input. Once accumulated it is
// immutable and referenced by its index and accumulator value; the payload
// itself stays off-core behind PayloadHash.
type DelayedMessage struct {
	Kind        uint8          `json:"kind"`
	Sender      common.Address `json:"sender"`
	BlockNumber uint64         `json:"blockNumber"`
	Timestamp   uint64         `json:"timestamp"`
	BaseFee     *uint256.Int   `json:"baseFee"`
	PayloadHash common.Hash    `json:"payloadHash"`
}

// ItemHash is the accumulator item for this message at the given index.
func (m *DelayedMessage) ItemHash(seqNum uint64) common.Hash {
	var nums [24]byte
	binary.BigEndian.PutUint64(nums[:8], m.BlockNumber)
	binary.BigEndian.PutUint64(nums[8:16], m.Timestamp)
	binary.BigEndian.PutUint64(nums[16:], seqNum)
	baseFee := new(uint256.Int)
	if m.BaseFee != nil {
		baseFee = m.BaseFee
	}
	fee := baseFee.Bytes32()
	return crypto.Keccak256Hash(
		[]byte{m.Kind},
		m.Sender.Bytes(),
		nums[:],
		fee[:],
		m.PayloadHash.Bytes(),
	)
}
