// Package buffermanager implements the proxy buffer manager:
// per-account sending and receiving buffers, and the glue that routes
// decoded client requests to the deniable router.
package buffermanager

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/denim-research/denim-proxy/internal/metrics"
	"github.com/denim-research/denim-proxy/internal/recvbuffer"
	"github.com/denim-research/denim-proxy/internal/router"
	"github.com/denim-research/denim-proxy/internal/sendbuffer"
	"github.com/denim-research/denim-proxy/internal/wire"
)

// account bundles the per-account state. The map holding accounts is
// guarded by Manager.mu, held only to locate the entry; all further work
// happens against the entry's own buffers, which have their own locks.
type account struct {
	send *sendbuffer.Buffer
	recv *recvbuffer.Buffer
}

// Manager owns per-account sending and receiving buffers and dispatches
// reassembled client requests to a Router.
type Manager struct {
	mu       sync.Mutex
	accounts map[wire.AccountID]*account
	initialQ float32
	router   *router.Router
	log      *logrus.Logger
	metrics  *metrics.Metrics
}

// New returns an empty Manager. initialQ seeds newly-created sending
// buffers; SetQ re-broadcasts to every resident buffer afterward.
func New(r *router.Router, initialQ float32, log *logrus.Logger) *Manager {
	return &Manager{
		accounts: make(map[wire.AccountID]*account),
		initialQ: initialQ,
		router:   r,
		log:      log,
	}
}

// WithMetrics wires Prometheus counters for chunk/route/error volume. A nil
// Manager.metrics (the default) makes every recording call a no-op.
func (m *Manager) WithMetrics(mx *metrics.Metrics) *Manager {
	m.metrics = mx
	return m
}

func (m *Manager) get(acct wire.AccountID) *account {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[acct]
	if !ok {
		a = &account{
			send: sendbuffer.New(m.initialQ),
			recv: recvbuffer.New(),
		}
		m.accounts[acct] = a
	}
	return a
}

// EnqueueForAccount implements router.Sink: place an outgoing deniable
// message into acct's sending buffer. Also the entry point user-facing
// code uses directly.
func (m *Manager) EnqueueForAccount(acct wire.AccountID, msg wire.DeniableMessage) {
	m.get(acct).send.Enqueue(msg)
}

// TakeDeniablePayload produces the piggyback payload for the next downlink
// frame to acct.
func (m *Manager) TakeDeniablePayload(acct wire.AccountID, regularLen uint32) wire.DeniablePayload {
	payload := m.get(acct).send.GetDeniablePayload(regularLen)
	if m.metrics != nil {
		for _, c := range payload.Chunks {
			m.metrics.RecordChunkSent(c.Flag.String(), len(c.Payload))
		}
	}
	return payload
}

// ChunkResult reports the outcome of reassembling one completed message
// while ingesting chunks; per-message decode errors do not abort ingestion
// of the remaining chunks.
type ChunkResult struct {
	MessageID uint32
	Err       error
}

// IngestChunks feeds chunks arriving from acct into its receiving buffer.
// Completed, successfully-decoded requests are routed immediately (spec
// §4.G is applied inline, preserving receive order per account). Kinds a
// client may never send (KeyResponse, Error) are rejected and logged, not
// forwarded.
func (m *Manager) IngestChunks(acct wire.AccountID, chunks []wire.DenimChunk) []ChunkResult {
	a := m.get(acct)
	var results []ChunkResult
	for _, c := range chunks {
		if m.metrics != nil {
			m.metrics.RecordChunkReceived(c.Flag.String())
		}
		completed, done := a.recv.Ingest(c)
		if !done {
			continue
		}
		if completed.Err != nil {
			if m.metrics != nil {
				m.metrics.RecordRoutingError("decode")
			}
			results = append(results, ChunkResult{MessageID: completed.MessageID, Err: completed.Err})
			continue
		}
		if completed.Decoded.Kind.IsServerOnly() {
			m.log.WithFields(logrus.Fields{"account": acct, "kind": completed.Decoded.Kind}).
				Warn("client sent a server-only deniable message kind")
			if m.metrics != nil {
				m.metrics.RecordRoutingError(completed.Decoded.Kind.String())
			}
			results = append(results, ChunkResult{MessageID: completed.MessageID, Err: wire.ErrServerOnlyKind})
			continue
		}
		m.router.Handle(m, acct, completed.Decoded)
		if m.metrics != nil {
			m.metrics.RecordMessageRouted(completed.Decoded.Kind.String())
		}
		results = append(results, ChunkResult{MessageID: completed.MessageID})
	}
	return results
}

// SetQ broadcasts a new ratio to every resident sending buffer.
func (m *Manager) SetQ(q float32) {
	m.mu.Lock()
	accts := make([]*account, 0, len(m.accounts))
	for _, a := range m.accounts {
		accts = append(accts, a)
	}
	m.mu.Unlock()

	for _, a := range accts {
		a.send.SetQ(q)
	}
}

// OpenMessageCount reports the total number of incomplete receive buffers
// across all resident accounts (for metrics).
func (m *Manager) OpenMessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.accounts {
		n += a.recv.OpenMessageCount()
	}
	return n
}

// SendingQueueDepth reports the queued-but-not-yet-sliced message count for
// acct (for metrics alerting on unbounded growth).
func (m *Manager) SendingQueueDepth(acct wire.AccountID) int {
	return m.get(acct).send.Len()
}

// CurrentQ reports the ratio currently in effect for acct's sending buffer,
// used to populate periodic Status pushes on the downlink.
func (m *Manager) CurrentQ(acct wire.AccountID) float32 {
	return m.get(acct).send.Q()
}
