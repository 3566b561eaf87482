package recvbuffer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/denim-research/denim-proxy/internal/wire"
)

func sampleMessage(id uint32) wire.DeniableMessage {
	return wire.DeniableMessage{
		MessageID: id,
		Kind:      wire.KindBlockRequest,
		BlockRequest: wire.BlockRequest{
			Target: wire.AccountID{1, 2, 3},
		},
	}
}

func chunksFor(content []byte, msgID uint32, size int) []wire.DenimChunk {
	var chunks []wire.DenimChunk
	seq := uint32(0)
	for len(content) > 0 {
		n := size
		if n > len(content) {
			n = len(content)
		}
		flag := wire.FlagNone
		if n == len(content) {
			flag = wire.FlagFinal
		}
		chunks = append(chunks, wire.DenimChunk{
			Payload:        content[:n],
			MessageID:      msgID,
			SequenceNumber: seq,
			Flag:           flag,
		})
		content = content[n:]
		seq++
	}
	return chunks
}

func TestInOrderReassembly(t *testing.T) {
	msg := sampleMessage(1)
	content := msg.Encode()
	chunks := chunksFor(content, 1, 2)
	require.True(t, len(chunks) > 1)

	b := New()
	var got Completed
	for _, c := range chunks[:len(chunks)-1] {
		_, done := b.Ingest(c)
		require.False(t, done)
	}
	got, done := b.Ingest(chunks[len(chunks)-1])
	require.True(t, done)
	require.NoError(t, got.Err)
	require.Equal(t, msg, got.Decoded)
}

// S3: deliver frames out of order [4,3,2,1]; reassembly still succeeds.
func TestOutOfOrderReassembly(t *testing.T) {
	msg := sampleMessage(2)
	content := msg.Encode()
	chunks := chunksFor(content, 2, max(1, len(content)/4))

	reversed := make([]wire.DenimChunk, len(chunks))
	for i, c := range chunks {
		reversed[len(chunks)-1-i] = c
	}

	b := New()
	var last Completed
	var done bool
	for _, c := range reversed {
		last, done = b.Ingest(c)
	}
	require.True(t, done)
	require.NoError(t, last.Err)
	require.Equal(t, msg, last.Decoded)
}

func TestDummyPaddingDroppedSilently(t *testing.T) {
	b := New()
	_, done := b.Ingest(wire.DenimChunk{Payload: []byte("noise"), Flag: wire.FlagDummyPadding})
	require.False(t, done)
	require.Equal(t, 0, b.OpenMessageCount())
}

func TestInterleavedMessageIDsDoNotCorruptEachOther(t *testing.T) {
	m1 := sampleMessage(10)
	m2 := wire.DeniableMessage{MessageID: 20, Kind: wire.KindSeedUpdate, SeedUpdate: wire.SeedUpdate{Seed: [32]byte{9}}}

	c1 := chunksFor(m1.Encode(), 1, 3)
	c2 := chunksFor(m2.Encode(), 2, 3)

	b := New()
	// interleave
	var completions []Completed
	max := len(c1)
	if len(c2) > max {
		max = len(c2)
	}
	for i := 0; i < max; i++ {
		if i < len(c1) {
			if got, done := b.Ingest(c1[i]); done {
				completions = append(completions, got)
			}
		}
		if i < len(c2) {
			if got, done := b.Ingest(c2[i]); done {
				completions = append(completions, got)
			}
		}
	}
	require.Len(t, completions, 2)
	for _, c := range completions {
		require.NoError(t, c.Err)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
