package inbox

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PostingReportVariant selects the byte layout of a batch posting report.
// Two layouts exist in the wild, depending on the host chain the batch was
// posted to; the tag byte keeps historical logs parseable without guessing.
type PostingReportVariant uint8

const (
	// PostingReportLegacy: tag(1) timestamp(8) poster(20) dataHash(32) batchNumber(8) l1BaseFee(32)
	PostingReportLegacy PostingReportVariant = iota
	// PostingReportExtraGas appends extraGas(8) to the legacy layout.
	PostingReportExtraGas
)

const (
	legacyReportLen   = 1 + 8 + 20 + 32 + 8 + 32
	extraGasReportLen = legacyReportLen + 8
)

// BatchPostingReport is the synthetic delayed-log message emitted when a
// batch's calldata cost was paid by someone other than the poster, keeping
// fee accounting consistent with directly read batches.
type BatchPostingReport struct {
	Variant        PostingReportVariant `json:"variant"`
	BatchTimestamp uint64               `json:"batchTimestamp"`
	Poster         common.Address       `json:"poster"`
	DataHash       common.Hash          `json:"dataHash"`
	BatchNumber    uint64               `json:"batchNumber"`
	L1BaseFee      *uint256.Int         `json:"l1BaseFee"`
	ExtraGas       uint64               `json:"extraGas"`
}

func (r *BatchPostingReport) Encode() []byte {
	out := make([]byte, 0, extraGasReportLen)
	out = append(out, byte(r.Variant))
	out = binary.BigEndian.AppendUint64(out, r.BatchTimestamp)
	out = append(out, r.Poster.Bytes()...)
	out = append(out, r.DataHash.Bytes()...)
	out = binary.BigEndian.AppendUint64(out, r.BatchNumber)
	baseFee := new(uint256.Int)
	if r.L1BaseFee != nil {
		baseFee = r.L1BaseFee
	}
	fee := baseFee.Bytes32()
	out = append(out, fee[:]...)
	if r.Variant == PostingReportExtraGas {
		out = binary.BigEndian.AppendUint64(out, r.ExtraGas)
	}
	return out
}

func DecodeBatchPostingReport(data []byte) (*BatchPostingReport, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty batch posting report")
	}
	variant := PostingReportVariant(data[0])
	switch variant {
	case PostingReportLegacy:
		if len(data) != legacyReportLen {
			return nil, fmt.Errorf("legacy batch posting report must be %d bytes, got %d", legacyReportLen, len(data))
		}
	case PostingReportExtraGas:
		if len(data) != extraGasReportLen {
			return nil, fmt.Errorf("extra-gas batch posting report must be %d bytes, got %d", extraGasReportLen, len(data))
		}
	default:
		return nil, fmt.Errorf("unknown batch posting report variant %d", data[0])
	}
	r := &BatchPostingReport{
		Variant:        variant,
		BatchTimestamp: binary.BigEndian.Uint64(data[1:9]),
		Poster:         common.BytesToAddress(data[9:29]),
		DataHash:       common.BytesToHash(data[29:61]),
		BatchNumber:    binary.BigEndian.Uint64(data[61:69]),
		L1BaseFee:      new(uint256.Int).SetBytes(data[69:101]),
	}
	if variant == PostingReportExtraGas {
		r.ExtraGas = binary.BigEndian.Uint64(data[101:109])
	}
	return r, nil
}
