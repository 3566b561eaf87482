package sendbuffer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/denim-research/denim-proxy/internal/wire"
)

func deniableMsg(id uint32, content []byte) wire.DeniableMessage {
	return wire.DeniableMessage{
		MessageID: id,
		Kind:      wire.KindUserMessage,
		UserMessage: wire.UserMessage{
			CiphertextType: 1,
			Ciphertext:     content,
		},
	}
}

// S1: q=1.0 and a message small enough to fit a single frame's budget in
// one chunk, the chunk must be flagged Final with no trailing garbage.
func TestS1_SingleFrameFinal(t *testing.T) {
	b := New(1.0)
	msg := deniableMsg(1, make([]byte, 10))
	b.Enqueue(msg)

	// One chunk costs ChunkFixedOverhead plus the encoded message length
	// (the 10 ciphertext bytes plus the UserMessage header); adding the
	// payload-level framing cost gives a budget that exactly fits that
	// single Final chunk, with nothing left over for a dummy chunk or garbage.
	regularLen := uint32(wire.ChunkFixedOverhead() + len(msg.Encode()) + wire.PayloadFixedOverhead())
	p := b.GetDeniablePayload(regularLen)
	require.Len(t, p.Chunks, 1)
	require.Equal(t, wire.FlagFinal, p.Chunks[0].Flag)
	require.Empty(t, p.Garbage)
	require.Equal(t, int(regularLen), p.EncodedLen())
}

// S2: a message too large for one frame's budget is sliced across several
// frames, the last of which is Final.
func TestS2_MultiFrameSlicing(t *testing.T) {
	b := New(0.33)
	content := make([]byte, 500)
	for i := range content {
		content[i] = byte(i)
	}
	b.Enqueue(deniableMsg(1, content))

	// The encoded message is 526 bytes and each 40-byte frame carries a
	// 19-byte slice, so the Final chunk arrives in frame 28.
	var allChunks []wire.DenimChunk
	for i := 0; i < 40; i++ {
		p := b.GetDeniablePayload(120)
		require.Equal(t, ceilMul(120, 0.33), p.EncodedLen())
		allChunks = append(allChunks, p.Chunks...)
		if len(allChunks) > 0 && allChunks[len(allChunks)-1].Flag == wire.FlagFinal {
			break
		}
	}
	require.NotEmpty(t, allChunks)
	require.Equal(t, wire.FlagFinal, allChunks[len(allChunks)-1].Flag)
}

// S6: q=0 produces zero-length payloads.
func TestS6_ZeroQProducesEmptyPayload(t *testing.T) {
	b := New(0)
	b.Enqueue(deniableMsg(1, []byte("hello")))
	p := b.GetDeniablePayload(100)
	require.Equal(t, 0, p.EncodedLen())
}

// Property 1: exact-length invariant across a spread of ratios and lengths.
func TestExactLengthInvariant(t *testing.T) {
	ratios := []float32{0, 0.1, 0.33, 0.5, 1.0, 1.5}
	lens := []uint32{0, 1, 19, 20, 21, 50, 120, 4096}

	for _, q := range ratios {
		b := New(q)
		b.Enqueue(deniableMsg(1, make([]byte, 5000)))
		for _, l := range lens {
			p := b.GetDeniablePayload(l)
			want := ceilMul(l, q)
			require.Equalf(t, want, p.EncodedLen(), "q=%v len=%v", q, l)
		}
	}
}

func ceilMul(l uint32, q float32) int {
	f := float64(l) * float64(q)
	i := int(f)
	if float64(i) < f {
		i++
	}
	return i
}

func TestBelowMinimumIsGarbageOnly(t *testing.T) {
	b := New(0.1)
	b.Enqueue(deniableMsg(1, []byte("short")))
	// float32(0.1) is slightly above 0.1, so ceil(100*q)=11 < MinDeniablePayload(20)
	p := b.GetDeniablePayload(100)
	require.Empty(t, p.Chunks)
	require.Len(t, p.Garbage, 11)
}

func TestDummyChunkWhenQueueDrained(t *testing.T) {
	b := New(1.0)
	// No messages enqueued: every frame must be pure dummy padding.
	p := b.GetDeniablePayload(100)
	require.Len(t, p.Chunks, 1)
	require.Equal(t, wire.FlagDummyPadding, p.Chunks[0].Flag)
	require.Equal(t, 100, p.EncodedLen())
}
