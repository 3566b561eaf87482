package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkRoundTrip(t *testing.T) {
	c := DenimChunk{Payload: []byte("hello"), MessageID: 7, SequenceNumber: 2, Flag: FlagFinal}
	enc := c.Encode(nil)
	require.Equal(t, c.EncodedLen(), len(enc))

	got, rest, err := DecodeChunk(enc)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, c, got)
}

func TestDummyAndRealChunkSameLengthAreByteLengthIdentical(t *testing.T) {
	real := DenimChunk{Payload: []byte("0123456789"), MessageID: 1, SequenceNumber: 0, Flag: FlagNone}
	dummy := DenimChunk{Payload: make([]byte, 10), MessageID: 0, SequenceNumber: 0, Flag: FlagDummyPadding}
	require.Equal(t, real.EncodedLen(), dummy.EncodedLen())
}

func TestDeniablePayloadRoundTrip(t *testing.T) {
	p := DeniablePayload{
		Chunks: []DenimChunk{
			{Payload: []byte("ab"), MessageID: 1, SequenceNumber: 0, Flag: FlagNone},
			{Payload: []byte("cd"), MessageID: 1, SequenceNumber: 1, Flag: FlagFinal},
		},
		Garbage: []byte{1, 2, 3},
	}
	enc := p.Encode(nil)
	require.Equal(t, p.EncodedLen(), len(enc))

	got, rest, err := DecodeDeniablePayload(enc, len(enc))
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, p, got)
}

func TestDeniablePayloadRawRoundTrip(t *testing.T) {
	p := DeniablePayload{Garbage: []byte{1, 2, 3, 4, 5}, Raw: true}
	enc := p.Encode(nil)
	require.Equal(t, p.EncodedLen(), len(enc))
	require.Equal(t, len(p.Garbage), len(enc))

	got, rest, err := DecodeDeniablePayload(enc, len(enc))
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, p, got)
}

func TestDenimMessageRoundTrip(t *testing.T) {
	m := DenimMessage{
		RegularPayload: []byte("regular frame"),
		DeniablePayload: DeniablePayload{
			Chunks:  []DenimChunk{{Payload: []byte("x"), MessageID: 9, SequenceNumber: 0, Flag: FlagFinal}},
			Garbage: nil,
		},
		Q: 0.33,
	}
	enc := m.Encode(nil)
	require.Equal(t, m.EncodedLen(), len(enc))

	got, err := DecodeDenimMessage(enc)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestEnvelopeStatusRoundTrip(t *testing.T) {
	e := DenimEnvelope{Kind: EnvelopeStatus, QStatus: 0.5}
	got, err := DecodeEnvelope(e.Encode())
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := DecodeChunk([]byte{0, 0, 0, 5, 1, 2})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeBadEnvelopeKind(t *testing.T) {
	_, err := DecodeEnvelope([]byte{7})
	require.ErrorIs(t, err, ErrBadKind)
}
