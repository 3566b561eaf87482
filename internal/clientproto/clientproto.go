// Package clientproto implements the client protocol engine: a
// single persistent duplex connection to the proxy, one reader task (Run),
// request/response correlation by message id, and the response-id
// discipline that tears the connection down on mismatch. There is no
// separate writer task: SendMessage writes its frame from the caller's
// goroutine.
package clientproto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/denim-research/denim-proxy/internal/recvbuffer"
	"github.com/denim-research/denim-proxy/internal/sendbuffer"
	"github.com/denim-research/denim-proxy/internal/wire"
)

// Conn is the minimal duplex byte-message transport the engine drives. A
// gorilla/websocket connection satisfies this directly (see
// internal/transport for the proxy-side counterpart).
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close(reason string) error
}

var (
	ErrDisconnected    = errors.New("clientproto: disconnected")
	ErrWrongResponseID = errors.New("clientproto: response id did not match request id")
)

// Status is the overt-protocol delivery status correlated back to a
// send_message call.
type Status struct {
	MessageID uint32
	Payload   []byte // opaque overt status body
}

// StatusIDFunc extracts the overt protocol's own message id from an inbound
// regular_payload, reporting whether the frame is a status/ack at all. The
// overt protocol itself is opaque to this engine (spec §6), so the caller
// supplies this: it is the one piece of overt framing knowledge the engine
// needs to enforce response-id discipline.
type StatusIDFunc func(payload []byte) (id uint32, isStatus bool)

type pendingResult struct {
	status Status
	err    error
}

// Engine is the client-side protocol engine for one connection.
type Engine struct {
	conn     Conn
	log      *logrus.Logger
	statusID StatusIDFunc

	send *sendbuffer.Buffer
	recv *recvbuffer.Buffer

	nextID atomic.Uint32

	mu        sync.Mutex
	closed    bool
	closeErr  error
	pendingID uint32
	pendingCh chan pendingResult

	Overt    chan []byte
	Deniable chan wire.DeniableMessage
}

// New constructs an Engine driving conn. Overt and Deniable are buffered
// delivery channels handed to the application layer. statusID may be nil,
// in which case every regular_payload arriving while a SendMessage call is
// outstanding is trusted as that call's status without an id check
// (arrival-order correlation only); supply it to enforce the full
// response-id discipline (spec §8 property 6).
func New(conn Conn, q float32, log *logrus.Logger, queueSize int, statusID StatusIDFunc) *Engine {
	e := &Engine{
		conn:     conn,
		log:      log,
		statusID: statusID,
		send:     sendbuffer.New(q),
		recv:     recvbuffer.New(),
		Overt:    make(chan []byte, queueSize),
		Deniable: make(chan wire.DeniableMessage, queueSize),
	}
	return e
}

// Run starts the reader loop; it blocks until the connection closes or ctx
// is cancelled, and must be run in its own goroutine (the "reader task").
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.Overt)
	defer close(e.Deniable)
	for {
		select {
		case <-ctx.Done():
			return e.teardown(ctx.Err())
		default:
		}

		raw, err := e.conn.ReadMessage()
		if err != nil {
			return e.teardown(fmt.Errorf("%w: %v", ErrDisconnected, err))
		}

		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			return e.teardown(fmt.Errorf("clientproto: malformed envelope: %w", err))
		}

		if env.Kind == wire.EnvelopeStatus {
			e.send.SetQ(env.QStatus)
			continue
		}

		msg := env.Message
		e.send.SetQ(msg.Q) // downlink q is authoritative

		if mismatch := e.deliverStatusOrOvert(msg.RegularPayload); mismatch != nil {
			return e.teardown(mismatch)
		}

		for _, c := range msg.DeniablePayload.Chunks {
			if completed, done := e.recv.Ingest(c); done {
				if completed.Err != nil {
					e.log.WithError(completed.Err).Warn("clientproto: dropping undecodable deniable message")
					continue
				}
				select {
				case e.Deniable <- completed.Decoded:
				case <-ctx.Done():
					return e.teardown(ctx.Err())
				}
			}
		}
	}
}

// deliverStatusOrOvert routes an inbound regular_payload either to a
// waiting SendMessage call (status correlation) or to the overt queue. When
// statusID is configured and the frame identifies itself as a status whose
// id does not match the outstanding request, it returns a non-nil error:
// the caller must tear the connection down with it (response-id
// discipline, spec §8 property 6).
func (e *Engine) deliverStatusOrOvert(payload []byte) error {
	e.mu.Lock()
	waiting := e.pendingCh
	wantID := e.pendingID
	e.mu.Unlock()

	if waiting != nil {
		if e.statusID != nil {
			gotID, isStatus := e.statusID(payload)
			if isStatus {
				if gotID != wantID {
					return fmt.Errorf("%w: got %d want %d", ErrWrongResponseID, gotID, wantID)
				}
				e.resolvePending(pendingResult{status: Status{MessageID: gotID, Payload: payload}})
				return nil
			}
		} else {
			// No id-extraction configured: trust arrival order alone.
			e.resolvePending(pendingResult{status: Status{Payload: payload}})
			return nil
		}
	}

	select {
	case e.Overt <- payload:
	default:
		e.log.Warn("clientproto: overt queue full, dropping frame")
	}
	return nil
}

// resolvePending delivers res to the outstanding SendMessage call, if any,
// and clears the pending slot. Non-blocking: the channel is always
// buffered with room for exactly one result.
func (e *Engine) resolvePending(res pendingResult) {
	e.mu.Lock()
	ch := e.pendingCh
	e.pendingCh = nil
	e.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// Enqueue places a deniable message on the sending buffer for piggybacking
// on the next uplink frame.
func (e *Engine) Enqueue(msg wire.DeniableMessage) {
	e.send.Enqueue(msg)
}

// SendMessage serializes overt, piggybacks a deniable payload sized against
// its own length, and awaits the correlated status. A response carrying a
// different message id than the one just sent tears the connection down
// with an id-mismatch reason.
func (e *Engine) SendMessage(ctx context.Context, overt []byte) (Status, error) {
	id := e.nextID.Add(1)

	deniable := e.send.GetDeniablePayload(uint32(len(overt)))
	msg := wire.DenimMessage{RegularPayload: overt, DeniablePayload: deniable, Q: 0.0}
	env := wire.DenimEnvelope{Kind: wire.EnvelopeMessage, Message: msg}

	ch := make(chan pendingResult, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Status{}, ErrDisconnected
	}
	e.pendingID = id
	e.pendingCh = ch
	e.mu.Unlock()

	if err := e.conn.WriteMessage(env.Encode()); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return Status{}, res.err
		}
		if res.status.MessageID == 0 {
			res.status.MessageID = id // no statusID extractor configured: trust our own id
		}
		return res.status, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (e *Engine) teardown(err error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return e.closeErr
	}
	e.closed = true
	e.closeErr = err
	e.mu.Unlock()

	e.resolvePending(pendingResult{err: err})
	_ = e.conn.Close(err.Error())
	return err
}

// CloseOnIDMismatch tears the connection down with an explicit reason when a
// caller supplies a response whose id does not match the outstanding
// request.
func (e *Engine) CloseOnIDMismatch(got, want uint32) error {
	err := fmt.Errorf("%w: got %d want %d", ErrWrongResponseID, got, want)
	_ = e.conn.Close("Request and Response Id did not match")
	return e.teardown(err)
}
