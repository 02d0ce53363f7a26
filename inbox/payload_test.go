package inbox

import (
	"bytes"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"
)

func TestBatchSegmentsRoundTrip(t *testing.T) {
	segments := [][]byte{
		[]byte("first transaction"),
		{},
		[]byte("a somewhat longer payload segment with repeated content content content"),
	}
	payload, err := EncodeBatchSegments(segments)
	require.NoError(t, err)
	require.Equal(t, BrotliMessageHeaderByte, payload[0])

	got, err := ParseBatchSegments(payload)
	require.NoError(t, err)
	require.Equal(t, len(segments), len(got))
	for i := range segments {
		require.Equal(t, segments[i], got[i], "segment %d", i)
	}
}

func TestParseBatchSegmentsEdgeCases(t *testing.T) {
	got, err := ParseBatchSegments(nil)
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = ParseBatchSegments([]byte{DASMessageHeaderFlag, 0x01})
	require.ErrorIs(t, err, ErrExternalPayload)

	_, err = ParseBatchSegments([]byte{0x42, 0x01})
	require.ErrorIs(t, err, ErrUnknownPayloadFormat)

	data, err := ParseBatchSegments([]byte{BrotliMessageHeaderByte}) // decompresses to zero bytes
	require.NoError(t, err)
	require.Nil(t, data)

	// a decompressed stream that stops mid segment is rejected
	_, err = ParseBatchSegments(compress(t, []byte{0, 0, 0}))
	require.ErrorContains(t, err, "truncated segment length prefix")
	_, err = ParseBatchSegments(compress(t, []byte{0, 0, 0, 5, 0xaa}))
	require.ErrorContains(t, err, "overruns payload")
}

// compress wraps raw bytes in a brotli stream with the inline header byte.
func compress(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte(BrotliMessageHeaderByte)
	w := brotli.NewWriter(&buf)
	_, err := w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}
