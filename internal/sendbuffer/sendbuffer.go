// Package sendbuffer slices queued deniable messages into DenimChunks sized
// by the ratio q, with dummy padding covering the gap so that a frame with
// real content and a frame with none are byte-length identical.
package sendbuffer

import (
	"crypto/rand"
	"math"
	"sync"
	"sync/atomic"

	"github.com/denim-research/denim-proxy/internal/wire"
)

// current tracks the in-flight message being sliced across successive
// GetDeniablePayload calls.
type current struct {
	content []byte
	msgID   uint32
	nextSeq uint32
}

// Buffer slices a FIFO of deniable messages into chunks, one frame's worth
// at a time. A Buffer is safe for concurrent use: the queue and slicing
// state are guarded by an internal mutex, and q is held in an atomic so
// SetQ and Q never wait on a chunking pass.
type Buffer struct {
	mu       sync.Mutex
	q        atomic.Uint64 // stores math.Float64bits(float64(q))
	outgoing []queuedMessage
	cur      *current
}

type queuedMessage struct {
	id      uint32
	content []byte
}

// New returns a Buffer with the given initial ratio.
func New(q float32) *Buffer {
	b := &Buffer{}
	b.SetQ(q)
	return b
}

// SetQ updates the ratio. It takes effect on the next GetDeniablePayload
// call, never retroactively.
func (b *Buffer) SetQ(q float32) {
	b.q.Store(math.Float64bits(float64(q)))
}

func (b *Buffer) currentQ() float32 {
	return float32(math.Float64frombits(b.q.Load()))
}

// Q reports the ratio currently in effect.
func (b *Buffer) Q() float32 {
	return b.currentQ()
}

// Enqueue appends a deniable message to the outgoing queue. It never blocks
// and never rejects; unbounded growth is accepted (see DESIGN.md "Open
// Question decisions").
func (b *Buffer) Enqueue(msg wire.DeniableMessage) {
	b.mu.Lock()
	b.outgoing = append(b.outgoing, queuedMessage{id: msg.MessageID, content: msg.Encode()})
	b.mu.Unlock()
}

// Len reports the number of fully-queued (not-yet-started) messages,
// exposed so callers can alert on unbounded growth.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.outgoing)
}

// GetDeniablePayload produces the deniable payload to piggyback on an
// outbound overt frame of regularLen bytes. The encoded length of the
// returned payload always equals ceil(regularLen * q) exactly.
func (b *Buffer) GetDeniablePayload(regularLen uint32) wire.DeniablePayload {
	q := b.currentQ()
	var available int
	if q != 0 {
		available = int(math.Ceil(float64(regularLen) * float64(q)))
	}

	if available < wire.MinDeniablePayload {
		// No room even for the chunk_count/garbage_len framing: the whole
		// budget (possibly zero, when q==0) is raw garbage with no header.
		return wire.DeniablePayload{Garbage: randomBytes(available), Raw: true}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Reserve the payload-level chunk_count/garbage_len framing cost up
	// front, symmetric to chunkFixedOverhead reserved per chunk below —
	// otherwise the final encoded length overshoots the budget by exactly
	// wire.PayloadFixedOverhead() bytes.
	available -= wire.PayloadFixedOverhead()

	overhead := wire.ChunkFixedOverhead()
	var chunks []wire.DenimChunk
	for available > overhead {
		if b.cur == nil {
			if len(b.outgoing) == 0 {
				// Nothing left to send: emit one dummy chunk consuming the
				// rest of the budget, then stop.
				chunks = append(chunks, wire.DenimChunk{
					Payload: randomBytes(available - overhead),
					Flag:    wire.FlagDummyPadding,
				})
				available = 0
				break
			}
			next := b.outgoing[0]
			b.outgoing = b.outgoing[1:]
			b.cur = &current{content: next.content, msgID: next.id}
		}

		budget := available - overhead
		n := budget
		if n > len(b.cur.content) {
			n = len(b.cur.content)
		}
		slice := b.cur.content[:n]
		b.cur.content = b.cur.content[n:]

		flag := wire.FlagNone
		if len(b.cur.content) == 0 {
			flag = wire.FlagFinal
		}

		chunk := wire.DenimChunk{
			Payload:        slice,
			MessageID:      b.cur.msgID,
			SequenceNumber: b.cur.nextSeq,
			Flag:           flag,
		}
		chunks = append(chunks, chunk)
		available -= chunk.EncodedLen()
		b.cur.nextSeq++

		if flag == wire.FlagFinal {
			b.cur = nil
		}
	}

	payload := wire.DeniablePayload{Chunks: chunks}
	if available > 0 {
		payload.Garbage = randomBytes(available)
	}
	return payload
}

func randomBytes(n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	_, _ = rand.Read(out)
	return out
}
