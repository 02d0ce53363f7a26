package inbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/ethereum/go-ethereum/common"
)

// Batch payload header flags (first payload byte).
const (
	// BrotliMessageHeaderByte marks an inline, brotli-compressed segment stream.
	BrotliMessageHeaderByte byte = 0x00
	// DASMessageHeaderFlag marks an externally stored payload; the 32 bytes
	// after the flag byte are the hash of the keyset that signed it.
	DASMessageHeaderFlag byte = 0x80
)

// Decompression cap. A hostile payload must not be able to balloon memory.
const maxDecompressedLen = 1 << 24

var (
	ErrExternalPayload      = errors.New("payload is externally stored, segments unavailable locally")
	ErrUnknownPayloadFormat = errors.New("unknown batch payload format")
)

// validatePayload is the coarse structural check applied at batch submission:
// externally stored payloads must carry a currently valid keyset hash. The
// payload bytes themselves stay opaque.
func (s *SequencerInbox) validatePayload(payload []byte) error {
	if len(payload) == 0 || payload[0]&DASMessageHeaderFlag == 0 {
		return nil
	}
	if len(payload) < 33 {
		return fmt.Errorf("%w: truncated keyset hash", ErrInvalidKeyset)
	}
	ksHash := common.BytesToHash(payload[1:33])
	if !s.IsValidKeysetHash(ksHash) {
		return fmt.Errorf("%w: %s", ErrInvalidKeyset, ksHash)
	}
	return nil
}

// ParseBatchSegments splits an inline batch payload into its transaction
// segments: a brotli stream of u32 length-prefixed chunks.
func ParseBatchSegments(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if payload[0]&DASMessageHeaderFlag != 0 {
		return nil, ErrExternalPayload
	}
	if payload[0] != BrotliMessageHeaderByte {
		return nil, fmt.Errorf("%w: header byte %#x", ErrUnknownPayloadFormat, payload[0])
	}
	decompressed, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(payload[1:])), maxDecompressedLen))
	if err != nil {
		return nil, fmt.Errorf("brotli decompression failed: %w", err)
	}
	var segments [][]byte
	for off := 0; off < len(decompressed); {
		if off+4 > len(decompressed) {
			return nil, fmt.Errorf("truncated segment length prefix at offset %d", off)
		}
		n := int(binary.BigEndian.Uint32(decompressed[off : off+4]))
		off += 4
		if off+n > len(decompressed) {
			return nil, fmt.Errorf("segment of %d bytes overruns payload at offset %d", n, off)
		}
		segments = append(segments, decompressed[off:off+n])
		off += n
	}
	return segments, nil
}

// EncodeBatchSegments is the prover/test-side inverse of ParseBatchSegments.
func EncodeBatchSegments(segments [][]byte) ([]byte, error) {
	var raw []byte
	for _, seg := range segments {
		raw = binary.BigEndian.AppendUint32(raw, uint32(len(seg)))
		raw = append(raw, seg...)
	}
	var buf bytes.Buffer
	buf.WriteByte(BrotliMessageHeaderByte)
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
