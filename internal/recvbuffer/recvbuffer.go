// Package recvbuffer reassembles DenimChunks back into DeniableMessages,
// tolerating out-of-order arrival within a message_id.
package recvbuffer

import (
	"sort"
	"sync"

	"github.com/denim-research/denim-proxy/internal/wire"
)

type pending struct {
	chunks     map[uint32][]byte
	waitingFor map[uint32]struct{}
	sawFinal   bool
}

func newPending() *pending {
	return &pending{
		chunks:     make(map[uint32][]byte),
		waitingFor: map[uint32]struct{}{0: {}},
	}
}

// Buffer reassembles chunks per message_id. It is safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	byMsgID  map[uint32]*pending
}

// New returns an empty receiving buffer.
func New() *Buffer {
	return &Buffer{byMsgID: make(map[uint32]*pending)}
}

// Completed is a fully-reassembled deniable message along with its decode
// result; a codec failure is reported per-message, not as a connection
// error (codec-error propagation policy).
type Completed struct {
	MessageID uint32
	Decoded   wire.DeniableMessage
	Err       error
}

// Ingest feeds one chunk into the buffer. DummyPadding chunks are dropped
// silently. When a message becomes complete (waiting_for is empty and a
// Final chunk has been observed) it is removed from the buffer, decoded,
// and returned; otherwise the second return value is false.
func (b *Buffer) Ingest(c wire.DenimChunk) (Completed, bool) {
	if c.Flag == wire.FlagDummyPadding {
		return Completed{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.byMsgID[c.MessageID]
	if !ok {
		p = newPending()
		b.byMsgID[c.MessageID] = p
	}

	seq := c.SequenceNumber
	if _, waiting := p.waitingFor[seq]; waiting {
		p.chunks[seq] = c.Payload
		delete(p.waitingFor, seq)
		if c.Flag != wire.FlagFinal {
			if _, have := p.chunks[seq+1]; !have {
				p.waitingFor[seq+1] = struct{}{}
			}
		}
	} else {
		for i := uint32(0); i < seq; i++ {
			if _, have := p.chunks[i]; !have {
				p.waitingFor[i] = struct{}{}
			}
		}
		if c.Flag != wire.FlagFinal {
			p.waitingFor[seq+1] = struct{}{}
		}
		p.chunks[seq] = c.Payload
	}

	if c.Flag == wire.FlagFinal {
		p.sawFinal = true
	}

	if len(p.waitingFor) != 0 || !p.sawFinal {
		return Completed{}, false
	}

	delete(b.byMsgID, c.MessageID)

	seqs := make([]uint32, 0, len(p.chunks))
	for s := range p.chunks {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var content []byte
	for _, s := range seqs {
		content = append(content, p.chunks[s]...)
	}

	decoded, err := wire.DecodeDeniableMessage(content)
	return Completed{MessageID: c.MessageID, Decoded: decoded, Err: err}, true
}

// OpenMessageCount reports the number of incomplete message_id buffers
// currently held, so metrics can observe the unbounded-growth DoS surface
// left unbounded without the buffer itself imposing an
// eviction policy.
func (b *Buffer) OpenMessageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byMsgID)
}
