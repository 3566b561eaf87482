// Package router implements the proxy deniable router: it
// processes decoded client requests sequentially per account and produces
// the responses the buffer manager enqueues back onto the wire.
package router

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/denim-research/denim-proxy/internal/audit"
	"github.com/denim-research/denim-proxy/internal/keyengine"
	"github.com/denim-research/denim-proxy/internal/metrics"
	"github.com/denim-research/denim-proxy/internal/wire"
)

// BlockList records per-account sender blocks, consulted before a
// UserMessage is delivered (grounded on the
// reference implementation's in-memory block list manager).
type BlockList struct {
	mu   sync.Mutex
	byAcct map[wire.AccountID]map[wire.AccountID]struct{}
}

// NewBlockList returns an empty block list.
func NewBlockList() *BlockList {
	return &BlockList{byAcct: make(map[wire.AccountID]map[wire.AccountID]struct{})}
}

// Block records that blocker refuses further deniable delivery from target.
func (bl *BlockList) Block(blocker, target wire.AccountID) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	set, ok := bl.byAcct[blocker]
	if !ok {
		set = make(map[wire.AccountID]struct{})
		bl.byAcct[blocker] = set
	}
	set[target] = struct{}{}
}

// IsBlocked reports whether blocker has blocked sender.
func (bl *BlockList) IsBlocked(blocker, sender wire.AccountID) bool {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	set, ok := bl.byAcct[blocker]
	if !ok {
		return false
	}
	_, blocked := set[sender]
	return blocked
}

// MessageIDProvider hands out monotonic per-account deniable message ids
// for proxy-originated messages (KeyResponse, Error), mirroring the
// reference implementation's atomic per-account counter.
type MessageIDProvider struct {
	mu   sync.Mutex
	next map[wire.AccountID]uint32
}

// NewMessageIDProvider returns an empty provider.
func NewMessageIDProvider() *MessageIDProvider {
	return &MessageIDProvider{next: make(map[wire.AccountID]uint32)}
}

// Next returns the next id for account, starting at 1.
func (p *MessageIDProvider) Next(account wire.AccountID) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next[account]++
	return p.next[account]
}

// requestQueue is the pending key-request table ("KeyRequest
// table"): requested_account -> list of requester accounts awaiting a
// seed.
type requestQueue struct {
	mu      sync.Mutex
	pending map[wire.AccountID][]wire.AccountID
}

func newRequestQueue() *requestQueue {
	return &requestQueue{pending: make(map[wire.AccountID][]wire.AccountID)}
}

func (q *requestQueue) store(requested, requester wire.AccountID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[requested] = append(q.pending[requested], requester)
}

func (q *requestQueue) drain(account wire.AccountID) []wire.AccountID {
	q.mu.Lock()
	defer q.mu.Unlock()
	requesters := q.pending[account]
	delete(q.pending, account)
	return requesters
}

// Outbound is a decoded response the router wants delivered to a
// recipient's sending buffer.
type Outbound struct {
	Recipient wire.AccountID
	Message   wire.DeniableMessage
}

// Sink is the subset of the buffer manager the router needs: enqueuing
// proxy-originated responses onto a recipient's sending buffer. Kept as an
// interface so the router can be tested without a full buffer manager.
type Sink interface {
	EnqueueForAccount(account wire.AccountID, msg wire.DeniableMessage)
}

// Router processes decoded client requests.
type Router struct {
	keys   *keyengine.Engine
	blocks *BlockList
	ids    *MessageIDProvider
	reqs   *requestQueue
	log     *logrus.Logger
	audit   audit.Logger
	metrics *metrics.Metrics
	device  uint16 // device scope this router issues prekeys against; single-device simplification
}

// New returns a Router backed by the given key engine and block list. Audit
// logging and metrics are no-ops until SetAudit/SetMetrics are called.
func New(keys *keyengine.Engine, blocks *BlockList, ids *MessageIDProvider, log *logrus.Logger) *Router {
	return &Router{keys: keys, blocks: blocks, ids: ids, reqs: newRequestQueue(), log: log, device: 1}
}

// SetAudit wires an audit logger that records key-request resolutions,
// seed updates, blocks and routed/dropped user messages.
func (r *Router) SetAudit(a audit.Logger) {
	r.audit = a
}

// SetMetrics wires Prometheus counters for prekey derivations and queued key
// requests.
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Handle processes one decoded client request from `from`, enqueuing any
// response through sink. It never returns an error for per-request
// failures — those become an Error deniable message delivered to the
// requester, mirroring the original failure-handling path.
func (r *Router) Handle(sink Sink, from wire.AccountID, msg wire.DeniableMessage) {
	switch msg.Kind {
	case wire.KindBlockRequest:
		r.blocks.Block(from, msg.BlockRequest.Target)
		if r.audit != nil {
			r.audit.LogBlockRequest(from.String(), msg.BlockRequest.Target.String())
		}

	case wire.KindKeyRequest:
		r.handleKeyRequest(sink, from, msg.KeyRequest)

	case wire.KindSeedUpdate:
		r.handleSeedUpdate(sink, from, msg.SeedUpdate)

	case wire.KindUserMessage:
		r.handleUserMessage(sink, from, msg.UserMessage)

	case wire.KindKeyResponse, wire.KindError:
		r.log.WithFields(logrus.Fields{"from": from, "kind": msg.Kind}).
			Warn("dropping client-sent server-only message kind")

	default:
		r.log.WithFields(logrus.Fields{"from": from, "kind": msg.Kind}).Warn("unknown deniable request kind")
	}
}

func (r *Router) handleKeyRequest(sink Sink, requester wire.AccountID, req wire.KeyRequest) {
	if !r.keys.HasSeed(req.Target, r.device) {
		r.reqs.store(req.Target, requester)
		if r.audit != nil {
			r.audit.LogKeyRequest(requester.String(), req.Target.String(), true, nil)
		}
		if r.metrics != nil {
			r.metrics.RecordKeyRequestQueued()
		}
		return
	}
	resp, err := r.buildKeyResponse(req.Target)
	if r.audit != nil {
		r.audit.LogKeyRequest(requester.String(), req.Target.String(), false, err)
	}
	if err != nil {
		sink.EnqueueForAccount(requester, wire.DeniableMessage{
			MessageID: r.ids.Next(requester),
			Kind:      wire.KindError,
			Error: wire.ErrorMessage{
				TargetAccount: req.Target,
				Description:   err.Error(),
			},
		})
		return
	}
	resp.MessageID = r.ids.Next(requester)
	sink.EnqueueForAccount(requester, resp)
}

func (r *Router) buildKeyResponse(target wire.AccountID) (wire.DeniableMessage, error) {
	pk, err := r.keys.NextPreKey(target, r.device)
	if err != nil {
		return wire.DeniableMessage{}, err
	}
	if r.metrics != nil {
		r.metrics.RecordKeyDerivation()
	}
	return wire.DeniableMessage{
		Kind: wire.KindKeyResponse,
		KeyResponse: wire.KeyResponse{
			Target: target,
			Bundle: wire.PreKeyBundle{
				Device:       wire.DeviceID(r.device),
				PreKeyID:     pk.ID,
				PreKeyPublic: pk.Public,
			},
		},
	}, nil
}

func (r *Router) handleSeedUpdate(sink Sink, from wire.AccountID, upd wire.SeedUpdate) {
	r.keys.StoreSeed(from, r.device, upd.Seed)

	requesters := r.reqs.drain(from)
	var drainErr error
	for _, requester := range requesters {
		resp, err := r.buildKeyResponse(from)
		if err != nil {
			drainErr = err
			sink.EnqueueForAccount(requester, wire.DeniableMessage{
				MessageID: r.ids.Next(requester),
				Kind:      wire.KindError,
				Error:     wire.ErrorMessage{TargetAccount: from, Description: err.Error()},
			})
			continue
		}
		resp.MessageID = r.ids.Next(requester)
		sink.EnqueueForAccount(requester, resp)
	}
	if r.audit != nil {
		r.audit.LogSeedUpdate(from.String(), len(requesters), drainErr)
	}
}

func (r *Router) handleUserMessage(sink Sink, from wire.AccountID, um wire.UserMessage) {
	if r.blocks.IsBlocked(um.Recipient, from) {
		if r.audit != nil {
			r.audit.LogRoute(from.String(), um.Recipient.String(), 0, true, "recipient blocked sender")
		}
		return // S5: dropped silently at the proxy
	}
	id := r.ids.Next(um.Recipient)
	sink.EnqueueForAccount(um.Recipient, wire.DeniableMessage{
		MessageID:   id,
		Kind:        wire.KindUserMessage,
		UserMessage: um,
	})
	if r.audit != nil {
		r.audit.LogRoute(from.String(), um.Recipient.String(), id, false, "")
	}
}
