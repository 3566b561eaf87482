// Package wire implements the binary codec for the deniable transport:
// DenimChunk, DeniablePayload, DenimMessage and the outer DenimEnvelope.
//
// Every integer on the wire is fixed-width, big-endian. There is no varint
// encoding anywhere in this package: the exact-length invariant the sending
// buffer relies on (see package sendbuffer) depends on every chunk's encoded
// overhead being a known constant, not a value that shrinks for small
// numbers.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Flag identifies the role a chunk plays in reassembly.
type Flag uint8

const (
	FlagNone Flag = iota
	FlagFinal
	FlagDummyPadding
)

func (f Flag) String() string {
	switch f {
	case FlagNone:
		return "none"
	case FlagFinal:
		return "final"
	case FlagDummyPadding:
		return "dummy_padding"
	default:
		return fmt.Sprintf("flag(%d)", uint8(f))
	}
}

// ChunkOverhead is the length of the payload-length prefix alone. It is
// retained under this name for callers that reason about the prefix in
// isolation, but it is NOT the number the sending buffer should subtract
// per chunk — see chunkFixedOverhead below and the discussion in DESIGN.md.
const ChunkOverhead = 4

// chunkFixedOverhead is the true fixed cost, in encoded bytes, of a
// DenimChunk carrying zero payload bytes: payload_len(4) + message_id(4) +
// sequence_number(4) + flag(1). The sending buffer must subtract this full
// amount per chunk, not just the 4-byte payload-length prefix, or the
// exact-length invariant silently breaks the moment a chunk is non-terminal
// and the message_id/sequence_number/flag fields actually hit the wire.
const chunkFixedOverhead = 13

// MinDeniablePayload is the threshold below which a deniable payload
// carries only random garbage, never real chunks.
const MinDeniablePayload = 20

// ChunkFixedOverhead exposes the true per-chunk fixed cost to other
// packages (sendbuffer) without re-deriving it.
func ChunkFixedOverhead() int { return chunkFixedOverhead }

// payloadFixedOverhead is the fixed cost, in encoded bytes, of a
// DeniablePayload carrying zero chunks and zero garbage: chunk_count(4) +
// garbage_len(4). The sending buffer must reserve this out of its
// available-bytes budget up front, on top of chunkFixedOverhead per chunk,
// or the exact-length invariant breaks by this constant on every
// header-framed payload. Payloads below MinDeniablePayload (including every
// q==0 payload) are Raw and carry neither prefix.
const payloadFixedOverhead = 8

// PayloadFixedOverhead exposes the true fixed DeniablePayload framing cost
// to other packages (sendbuffer) without re-deriving it.
func PayloadFixedOverhead() int { return payloadFixedOverhead }

var (
	ErrTruncated    = errors.New("wire: truncated frame")
	ErrTrailingData = errors.New("wire: trailing data after frame")
	ErrBadFlag      = errors.New("wire: invalid chunk flag")
	ErrBadKind      = errors.New("wire: invalid envelope kind")
)

// DenimChunk is one slice of a deniable message's byte stream.
type DenimChunk struct {
	Payload        []byte
	MessageID      uint32
	SequenceNumber uint32
	Flag           Flag
}

// EncodedLen returns the number of bytes Encode will produce for this chunk.
func (c DenimChunk) EncodedLen() int {
	return chunkFixedOverhead + len(c.Payload)
}

// Encode appends the wire encoding of c to dst and returns the result.
func (c DenimChunk) Encode(dst []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(c.Payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, c.Payload...)
	binary.BigEndian.PutUint32(hdr[:], c.MessageID)
	dst = append(dst, hdr[:]...)
	binary.BigEndian.PutUint32(hdr[:], c.SequenceNumber)
	dst = append(dst, hdr[:]...)
	dst = append(dst, byte(c.Flag))
	return dst
}

// DecodeChunk decodes one DenimChunk from the front of b and returns the
// remainder.
func DecodeChunk(b []byte) (DenimChunk, []byte, error) {
	if len(b) < 4 {
		return DenimChunk{}, nil, ErrTruncated
	}
	payloadLen := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(len(b)) < uint64(payloadLen)+9 {
		return DenimChunk{}, nil, ErrTruncated
	}
	payload := append([]byte(nil), b[:payloadLen]...)
	b = b[payloadLen:]
	messageID := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	seq := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	flag := Flag(b[0])
	b = b[1:]
	if flag > FlagDummyPadding {
		return DenimChunk{}, nil, ErrBadFlag
	}
	return DenimChunk{Payload: payload, MessageID: messageID, SequenceNumber: seq, Flag: flag}, b, nil
}

// DeniablePayload is the covert content of one transport frame: zero or
// more encoded chunks plus trailing garbage bytes.
type DeniablePayload struct {
	Chunks  []DenimChunk
	Garbage []byte

	// Raw marks a below-MinDeniablePayload payload: the sending buffer had
	// no room left even for the chunk_count/garbage_len framing, so the
	// whole payload is exactly len(Garbage) random bytes with no header
	// fields at all. Chunks is always empty when Raw is set. A payload
	// that went through the normal (header) path is never marked Raw,
	// even when it happens to carry zero chunks.
	Raw bool
}

// EncodedLen returns the number of bytes Encode will produce.
func (p DeniablePayload) EncodedLen() int {
	if p.Raw {
		return len(p.Garbage)
	}
	n := 4 // chunk_count
	for _, c := range p.Chunks {
		n += c.EncodedLen()
	}
	n += 4 // garbage_len
	n += len(p.Garbage)
	return n
}

func (p DeniablePayload) Encode(dst []byte) []byte {
	if p.Raw {
		return append(dst, p.Garbage...)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(p.Chunks)))
	dst = append(dst, hdr[:]...)
	for _, c := range p.Chunks {
		dst = c.Encode(dst)
	}
	binary.BigEndian.PutUint32(hdr[:], uint32(len(p.Garbage)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, p.Garbage...)
	return dst
}

// DecodeDeniablePayload decodes the deniable payload occupying the first
// totalLen bytes of b and returns the remainder. totalLen must be supplied
// by the caller (derived from the surrounding frame's known total length):
// below MinDeniablePayload the payload carries no self-describing header,
// so decoding it correctly requires knowing its length up front rather than
// reading it off the wire.
func DecodeDeniablePayload(b []byte, totalLen int) (DeniablePayload, []byte, error) {
	if totalLen < 0 || len(b) < totalLen {
		return DeniablePayload{}, nil, ErrTruncated
	}
	if totalLen < MinDeniablePayload {
		garbage := append([]byte(nil), b[:totalLen]...)
		return DeniablePayload{Garbage: garbage, Raw: true}, b[totalLen:], nil
	}

	start := b
	if len(b) < 4 {
		return DeniablePayload{}, nil, ErrTruncated
	}
	count := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	chunks := make([]DenimChunk, 0, count)
	for i := uint32(0); i < count; i++ {
		var c DenimChunk
		var err error
		c, b, err = DecodeChunk(b)
		if err != nil {
			return DeniablePayload{}, nil, err
		}
		chunks = append(chunks, c)
	}
	if len(b) < 4 {
		return DeniablePayload{}, nil, ErrTruncated
	}
	garbageLen := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(len(b)) < uint64(garbageLen) {
		return DeniablePayload{}, nil, ErrTruncated
	}
	garbage := append([]byte(nil), b[:garbageLen]...)
	b = b[garbageLen:]
	if len(start)-len(b) != totalLen {
		return DeniablePayload{}, nil, ErrTrailingData
	}
	return DeniablePayload{Chunks: chunks, Garbage: garbage}, b, nil
}

// DenimMessage is the transport frame pairing an overt payload with its
// piggybacked deniable payload.
type DenimMessage struct {
	RegularPayload  []byte
	DeniablePayload DeniablePayload
	Q               float32
}

func (m DenimMessage) EncodedLen() int {
	return 4 + len(m.RegularPayload) + m.DeniablePayload.EncodedLen() + 4
}

func (m DenimMessage) Encode(dst []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(m.RegularPayload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, m.RegularPayload...)
	dst = m.DeniablePayload.Encode(dst)
	binary.BigEndian.PutUint32(hdr[:], math.Float32bits(m.Q))
	dst = append(dst, hdr[:]...)
	return dst
}

func DecodeDenimMessage(b []byte) (DenimMessage, error) {
	if len(b) < 4 {
		return DenimMessage{}, ErrTruncated
	}
	regLen := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(len(b)) < uint64(regLen) {
		return DenimMessage{}, ErrTruncated
	}
	regular := append([]byte(nil), b[:regLen]...)
	b = b[regLen:]
	if len(b) < 4 {
		return DenimMessage{}, ErrTruncated
	}
	deniableLen := len(b) - 4
	payload, rest, err := DecodeDeniablePayload(b, deniableLen)
	if err != nil {
		return DenimMessage{}, err
	}
	b = rest
	if len(b) < 4 {
		return DenimMessage{}, ErrTruncated
	}
	q := math.Float32frombits(binary.BigEndian.Uint32(b[:4]))
	b = b[4:]
	if len(b) != 0 {
		return DenimMessage{}, ErrTrailingData
	}
	return DenimMessage{RegularPayload: regular, DeniablePayload: payload, Q: q}, nil
}

// EnvelopeKind tags the outer frame carried over the persistent connection.
type EnvelopeKind uint8

const (
	EnvelopeMessage EnvelopeKind = iota
	EnvelopeStatus
)

// DenimEnvelope is the outer WebSocket-carried frame: either a DenimMessage
// or a server-pushed Status update of the deniable ratio.
type DenimEnvelope struct {
	Kind    EnvelopeKind
	Message DenimMessage // valid when Kind == EnvelopeMessage
	QStatus float32      // valid when Kind == EnvelopeStatus
}

func (e DenimEnvelope) Encode() []byte {
	switch e.Kind {
	case EnvelopeMessage:
		dst := make([]byte, 0, 1+e.Message.EncodedLen())
		dst = append(dst, byte(EnvelopeMessage))
		return e.Message.Encode(dst)
	case EnvelopeStatus:
		dst := make([]byte, 0, 5)
		dst = append(dst, byte(EnvelopeStatus))
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], math.Float32bits(e.QStatus))
		return append(dst, hdr[:]...)
	default:
		panic("wire: unknown envelope kind")
	}
}

func DecodeEnvelope(b []byte) (DenimEnvelope, error) {
	if len(b) < 1 {
		return DenimEnvelope{}, ErrTruncated
	}
	kind := EnvelopeKind(b[0])
	b = b[1:]
	switch kind {
	case EnvelopeMessage:
		msg, err := DecodeDenimMessage(b)
		if err != nil {
			return DenimEnvelope{}, err
		}
		return DenimEnvelope{Kind: EnvelopeMessage, Message: msg}, nil
	case EnvelopeStatus:
		if len(b) != 4 {
			return DenimEnvelope{}, ErrTruncated
		}
		q := math.Float32frombits(binary.BigEndian.Uint32(b))
		return DenimEnvelope{Kind: EnvelopeStatus, QStatus: q}, nil
	default:
		return DenimEnvelope{}, ErrBadKind
	}
}
