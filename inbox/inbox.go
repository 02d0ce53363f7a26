// Package inbox orders the rollup's two input logs: the permissionless
// delayed inbox and the operator-fed sequencer inbox. Both are append-only
// hash-chained accumulators; batches bind the two together through their
// afterDelayedMessagesRead field, and a timeout escape hatch (force inclusion)
// bounds how long the operator can ignore delayed messages.
//
// Every exported operation is a single atomic state transition: any failed
// check returns before the first mutation.
package inbox

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/rollgate/rollgate/accum"
)

var (
	ErrNotAuthorized     = errors.New("not authorized")
	ErrBadSequenceNumber = errors.New("bad sequence number")
	ErrOutOfOrder        = errors.New("delayed messages read count would regress")
	ErrDelayedTooFar     = errors.New("delayed messages read count exceeds delayed log size")
	ErrBadMessageCount   = errors.New("bad child chain message count")
	ErrInvalidKeyset     = errors.New("batch references an invalid keyset")
	ErrTooSoon           = errors.New("delayed message is still within the delay window")
	ErrPreimageMismatch  = errors.New("claimed message fields do not match the delayed accumulator")
)

// DontCareSequenceNumber lets racing batch posters submit without committing
// to a sequence number; whichever lands first determines the order.
const DontCareSequenceNumber = ^uint64(0)

const batchHeaderLen = 40

// ChainContext supplies monotonic host-chain time and height. It is a
// queryable capability, never a blocking timer.
type ChainContext interface {
	BlockNumber() uint64
	Timestamp() uint64
}

type TimeVariation struct {
	DelayBlocks   uint64 `json:"delayBlocks"`
	FutureBlocks  uint64 `json:"futureBlocks"`
	DelaySeconds  uint64 `json:"delaySeconds"`
	FutureSeconds uint64 `json:"futureSeconds"`
}

// TimeBounds stamp each batch with the window it could honestly have been
// posted in, so downstream consumers can validate timestamps claimed inside
// the payload against when it actually landed.
type TimeBounds struct {
	MinTimestamp   uint64 `json:"minTimestamp"`
	MaxTimestamp   uint64 `json:"maxTimestamp"`
	MinBlockNumber uint64 `json:"minBlockNumber"`
	MaxBlockNumber uint64 `json:"maxBlockNumber"`
}

type SequencerInbox struct {
	chain ChainContext
	owner common.Address

	maxTimeVariation TimeVariation
	reportVariant    PostingReportVariant

	delayed   *accum.Accumulator
	sequencer *accum.Accumulator

	totalDelayedMessagesRead uint64
	reportedSubMessageCount  uint64

	batchPosters map[common.Address]bool
	keysets      map[common.Hash]*KeysetInfo
}

func NewSequencerInbox(chain ChainContext, owner common.Address, maxTimeVariation TimeVariation, reportVariant PostingReportVariant) *SequencerInbox {
	return &SequencerInbox{
		chain:            chain,
		owner:            owner,
		maxTimeVariation: maxTimeVariation,
		reportVariant:    reportVariant,
		delayed:          accum.New(),
		sequencer:        accum.New(),
		batchPosters:     make(map[common.Address]bool),
		keysets:          make(map[common.Hash]*KeysetInfo),
	}
}

// SubmitDelayedMessage appends to the delayed log. Permissionless; always
// succeeds and returns the new message's index.
func (s *SequencerInbox) SubmitDelayedMessage(msg *DelayedMessage) uint64 {
	index := s.delayed.Count()
	s.delayed.Append(msg.ItemHash(index))
	return index
}

// SubmitSequencerBatch posts a batch of raw transaction bytes. The batch is
// committed by hash only: dataHash = keccak(header, rawBytes), with the header
// carrying the time bounds and the delayed-log read count. calldataFeePayer is
// the party that paid for the batch's calldata; when that is a third party
// rather than the poster, a synthetic posting report enters the delayed log so
// fee accounting stays consistent with direct reads.
func (s *SequencerInbox) SubmitSequencerBatch(
	poster common.Address,
	seqNum uint64,
	rawBytes []byte,
	afterDelayedMessagesRead uint64,
	prevMessageCount uint64,
	newMessageCount uint64,
	calldataFeePayer common.Address,
) (uint64, error) {
	if !s.batchPosters[poster] {
		return 0, ErrNotAuthorized
	}
	if err := s.validatePayload(rawBytes); err != nil {
		return 0, err
	}
	batchNum, err := s.addSequencerBatch(seqNum, rawBytes, afterDelayedMessagesRead, prevMessageCount, newMessageCount)
	if err != nil {
		return 0, err
	}
	if calldataFeePayer != (common.Address{}) && calldataFeePayer != poster {
		s.submitPostingReport(poster, batchNum, rawBytes, afterDelayedMessagesRead)
	}
	return batchNum, nil
}

// ForceInclusion is the permissionless escape hatch: once the delayed message
// at target-1 is strictly older than the delay window (by both block height
// and timestamp), anyone may advance the read count to target with a
// header-only batch. The caller proves the message's fields by preimage
// against the stored accumulator.
func (s *SequencerInbox) ForceInclusion(
	target uint64,
	kind uint8,
	blockNumber uint64,
	timestamp uint64,
	baseFee *uint256.Int,
	sender common.Address,
	payloadHash common.Hash,
) (uint64, error) {
	if target <= s.totalDelayedMessagesRead {
		return 0, fmt.Errorf("%w: target %d already read", ErrOutOfOrder, target)
	}
	if target > s.delayed.Count() {
		return 0, fmt.Errorf("%w: target %d, delayed log size %d", ErrDelayedTooFar, target, s.delayed.Count())
	}
	if blockNumber+s.maxTimeVariation.DelayBlocks >= s.chain.BlockNumber() ||
		timestamp+s.maxTimeVariation.DelaySeconds >= s.chain.Timestamp() {
		return 0, ErrTooSoon
	}

	msg := DelayedMessage{
		Kind:        kind,
		Sender:      sender,
		BlockNumber: blockNumber,
		Timestamp:   timestamp,
		BaseFee:     baseFee,
		PayloadHash: payloadHash,
	}
	var prevAcc common.Hash
	if target >= 2 {
		prevAcc, _ = s.delayed.Get(target - 2)
	}
	want, _ := s.delayed.Get(target - 1)
	if crypto.Keccak256Hash(prevAcc.Bytes(), msg.ItemHash(target-1).Bytes()) != want {
		return 0, ErrPreimageMismatch
	}

	return s.addSequencerBatch(s.sequencer.Count(), nil, target, 0, 0)
}

// addSequencerBatch holds the ordering contract shared by batch posting and
// force inclusion. All checks precede the first mutation.
func (s *SequencerInbox) addSequencerBatch(
	seqNum uint64,
	rawBytes []byte,
	afterDelayedMessagesRead uint64,
	prevMessageCount uint64,
	newMessageCount uint64,
) (uint64, error) {
	if afterDelayedMessagesRead < s.totalDelayedMessagesRead {
		return 0, fmt.Errorf("%w: %d < %d", ErrOutOfOrder, afterDelayedMessagesRead, s.totalDelayedMessagesRead)
	}
	if afterDelayedMessagesRead > s.delayed.Count() {
		return 0, fmt.Errorf("%w: %d > %d", ErrDelayedTooFar, afterDelayedMessagesRead, s.delayed.Count())
	}
	batchNum := s.sequencer.Count()
	if seqNum != DontCareSequenceNumber && seqNum != batchNum {
		return 0, fmt.Errorf("%w: got %d, expected %d", ErrBadSequenceNumber, seqNum, batchNum)
	}
	if prevMessageCount > newMessageCount {
		return 0, fmt.Errorf("%w: prev %d > new %d", ErrBadMessageCount, prevMessageCount, newMessageCount)
	}
	trackCounts := prevMessageCount != 0 || newMessageCount != 0
	if trackCounts && prevMessageCount != s.reportedSubMessageCount {
		return 0, fmt.Errorf("%w: prev %d, reported %d", ErrBadMessageCount, prevMessageCount, s.reportedSubMessageCount)
	}

	header := packBatchHeader(s.currentTimeBounds(), afterDelayedMessagesRead)
	dataHash := crypto.Keccak256Hash(header, rawBytes)

	var delayedAcc common.Hash
	if afterDelayedMessagesRead > 0 {
		delayedAcc, _ = s.delayed.Get(afterDelayedMessagesRead - 1)
	}
	var counts [24]byte
	binary.BigEndian.PutUint64(counts[:8], afterDelayedMessagesRead)
	binary.BigEndian.PutUint64(counts[8:16], prevMessageCount)
	binary.BigEndian.PutUint64(counts[16:], newMessageCount)
	itemHash := crypto.Keccak256Hash(dataHash.Bytes(), delayedAcc.Bytes(), counts[:])

	s.sequencer.Append(itemHash)
	s.totalDelayedMessagesRead = afterDelayedMessagesRead
	if trackCounts {
		s.reportedSubMessageCount = newMessageCount
	}
	return batchNum, nil
}

func (s *SequencerInbox) submitPostingReport(poster common.Address, batchNum uint64, rawBytes []byte, afterDelayedMessagesRead uint64) {
	header := packBatchHeader(s.currentTimeBounds(), afterDelayedMessagesRead)
	report := BatchPostingReport{
		Variant:        s.reportVariant,
		BatchTimestamp: s.chain.Timestamp(),
		Poster:         poster,
		DataHash:       crypto.Keccak256Hash(header, rawBytes),
		BatchNumber:    batchNum,
	}
	s.SubmitDelayedMessage(&DelayedMessage{
		Kind:        KindBatchPostingReport,
		Sender:      poster,
		BlockNumber: s.chain.BlockNumber(),
		Timestamp:   s.chain.Timestamp(),
		PayloadHash: crypto.Keccak256Hash(report.Encode()),
	})
}

func (s *SequencerInbox) currentTimeBounds() TimeBounds {
	ts, blk := s.chain.Timestamp(), s.chain.BlockNumber()
	tb := TimeBounds{
		MaxTimestamp:   ts + s.maxTimeVariation.FutureSeconds,
		MaxBlockNumber: blk + s.maxTimeVariation.FutureBlocks,
	}
	if ts > s.maxTimeVariation.DelaySeconds {
		tb.MinTimestamp = ts - s.maxTimeVariation.DelaySeconds
	}
	if blk > s.maxTimeVariation.DelayBlocks {
		tb.MinBlockNumber = blk - s.maxTimeVariation.DelayBlocks
	}
	return tb
}

// packBatchHeader is the fixed-width persisted layout: five big-endian u64
// fields, 40 bytes, prepended to the raw payload before hashing.
func packBatchHeader(tb TimeBounds, afterDelayedMessagesRead uint64) []byte {
	out := make([]byte, 0, batchHeaderLen)
	out = binary.BigEndian.AppendUint64(out, tb.MinTimestamp)
	out = binary.BigEndian.AppendUint64(out, tb.MaxTimestamp)
	out = binary.BigEndian.AppendUint64(out, tb.MinBlockNumber)
	out = binary.BigEndian.AppendUint64(out, tb.MaxBlockNumber)
	out = binary.BigEndian.AppendUint64(out, afterDelayedMessagesRead)
	return out
}

// Admin operations, owner-gated.

func (s *SequencerInbox) SetMaxTimeVariation(caller common.Address, tv TimeVariation) error {
	if caller != s.owner {
		return ErrNotAuthorized
	}
	s.maxTimeVariation = tv
	return nil
}

func (s *SequencerInbox) SetIsBatchPoster(caller, poster common.Address, isPoster bool) error {
	if caller != s.owner {
		return ErrNotAuthorized
	}
	s.batchPosters[poster] = isPoster
	return nil
}

// Read accessors. Together with the accumulator getters these satisfy the
// one-step verifier's InboxReader.

func (s *SequencerInbox) SequencerMessageCount() uint64 { return s.sequencer.Count() }

func (s *SequencerInbox) DelayedMessageCount() uint64 { return s.delayed.Count() }

func (s *SequencerInbox) SequencerAccumulator(index uint64) (common.Hash, error) {
	return s.sequencer.Get(index)
}

func (s *SequencerInbox) DelayedAccumulator(index uint64) (common.Hash, error) {
	return s.delayed.Get(index)
}

func (s *SequencerInbox) TotalDelayedMessagesRead() uint64 { return s.totalDelayedMessagesRead }

func (s *SequencerInbox) IsBatchPoster(addr common.Address) bool { return s.batchPosters[addr] }

func (s *SequencerInbox) MaxTimeVariation() TimeVariation { return s.maxTimeVariation }
