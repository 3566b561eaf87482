// Package transport implements the proxy transport: accepts a
// client WebSocket connection, dials the upstream relay authenticated with
// the same credentials, and splices frames in both directions, wrapping
// and unwrapping deniable payloads along the way. Modeled on a worker-pump structure (parallel goroutines feeding a shared
// error channel), adapted from a single encrypt/decrypt reader pipeline to
// two directional pumps.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/denim-research/denim-proxy/internal/audit"
	"github.com/denim-research/denim-proxy/internal/buffermanager"
	"github.com/denim-research/denim-proxy/internal/metrics"
	"github.com/denim-research/denim-proxy/internal/wire"
)

// RelayDialer opens the upstream connection to the overt messaging relay,
// given the same authorization header a client presented. It is the
// external-collaborator boundary (persistence/identity are
// someone else's concern; this is the relay's).
type RelayDialer interface {
	Dial(ctx context.Context, authorization string) (RelayConn, error)
}

// RelayConn is the minimal duplex the relay side needs.
type RelayConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Proxy splices client and relay connections.
type Proxy struct {
	dialer      RelayDialer
	buffers     *buffermanager.Manager
	log         *logrus.Logger
	account     func(*http.Request) wire.AccountID
	statusEvery time.Duration
	audit       audit.Logger
	metrics     *metrics.Metrics
}

// New returns a Proxy that dials relay connections through dialer and
// routes deniable traffic through buffers. account extracts the account id
// for a given inbound HTTP upgrade request (e.g. from the same
// authorization header forwarded to the relay); identity/registration
// itself remains out of scope.
func New(dialer RelayDialer, buffers *buffermanager.Manager, log *logrus.Logger, account func(*http.Request) wire.AccountID) *Proxy {
	return &Proxy{dialer: dialer, buffers: buffers, log: log, account: account}
}

// WithAudit wires an audit logger that records connection lifecycle events
// (connect, relay-dial failure, disconnect).
func (p *Proxy) WithAudit(a audit.Logger) *Proxy {
	p.audit = a
	return p
}

// WithMetrics wires Prometheus counters for active connections and per-frame
// processing latency.
func (p *Proxy) WithMetrics(m *metrics.Metrics) *Proxy {
	p.metrics = m
	return p
}

// WithStatusInterval sets how often an unsolicited Status envelope pushes
// the account's current q between regular downlink frames. Zero (the
// default) disables the periodic push; q still rides authoritatively on
// every regular DenimMessage regardless.
func (p *Proxy) WithStatusInterval(every time.Duration) *Proxy {
	p.statusEvery = every
	return p
}

// ServeHTTP upgrades the inbound connection and runs the splice until
// either side closes.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.WithError(err).Warn("transport: upgrade failed")
		return
	}
	defer clientConn.Close()

	acct := p.account(r)
	log := p.log.WithField("account", acct)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	relayConn, err := p.dialer.Dial(ctx, r.Header.Get("Authorization"))
	if err != nil {
		log.WithError(err).Warn("transport: relay dial failed")
		if p.audit != nil {
			p.audit.LogConnection(acct.String(), "relay_dial", err)
		}
		return
	}
	defer relayConn.Close()

	if p.audit != nil {
		p.audit.LogConnection(acct.String(), "connect", nil)
	}
	if p.metrics != nil {
		p.metrics.IncrementActiveConnections()
		defer p.metrics.DecrementActiveConnections()
	}

	errCh := make(chan error, 2)
	go func() { errCh <- p.uplinkPump(ctx, acct, clientConn, relayConn) }()
	go func() { errCh <- p.downlinkPump(ctx, acct, clientConn, relayConn) }()
	go StatusTicker(ctx, p.statusEvery, func() error {
		return PushStatus(clientConn, p.buffers.CurrentQ(acct))
	}, log)

	err = <-errCh
	cancel()
	// Closing both ends unblocks the other pump if it is parked in a read.
	clientConn.Close()
	relayConn.Close()
	<-errCh // wait for the other pump to exit
	if err != nil {
		log.WithError(err).Info("transport: connection closed")
	}
	if p.audit != nil {
		p.audit.LogConnection(acct.String(), "disconnect", err)
	}
}

// uplinkPump decodes each inbound DenimEnvelope, routes the deniable
// payload through the buffer manager, and forwards the overt
// regular_payload to the relay untouched.
func (p *Proxy) uplinkPump(ctx context.Context, acct wire.AccountID, client *websocket.Conn, relay RelayConn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start := time.Now()
		_, raw, err := client.ReadMessage()
		if err != nil {
			return fmt.Errorf("uplink read: %w", err)
		}
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			return fmt.Errorf("uplink decode: %w", err)
		}
		if env.Kind != wire.EnvelopeMessage {
			continue // clients never send Status
		}

		results := p.buffers.IngestChunks(acct, env.Message.DeniablePayload.Chunks)
		for _, res := range results {
			if res.Err != nil {
				p.log.WithError(res.Err).WithField("message_id", res.MessageID).
					Warn("transport: deniable message dropped")
			}
		}

		if err := relay.WriteMessage(env.Message.RegularPayload); err != nil {
			return fmt.Errorf("uplink relay write: %w", err)
		}
		if p.metrics != nil {
			p.metrics.ObserveFrameDuration("uplink", time.Since(start))
		}
	}
}

// downlinkPump re-wraps every relay frame with a piggybacked deniable
// payload sized against its length and the account's current q, then sends
// it to the client.
func (p *Proxy) downlinkPump(ctx context.Context, acct wire.AccountID, client *websocket.Conn, relay RelayConn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start := time.Now()
		frame, err := relay.ReadMessage()
		if err != nil {
			return fmt.Errorf("downlink relay read: %w", err)
		}

		deniable := p.buffers.TakeDeniablePayload(acct, uint32(len(frame)))
		msg := wire.DenimMessage{RegularPayload: frame, DeniablePayload: deniable, Q: p.buffers.CurrentQ(acct)}
		env := wire.DenimEnvelope{Kind: wire.EnvelopeMessage, Message: msg}

		if err := client.WriteMessage(websocket.BinaryMessage, env.Encode()); err != nil {
			return fmt.Errorf("downlink client write: %w", err)
		}
		if p.metrics != nil {
			p.metrics.ObserveFrameDuration("downlink", time.Since(start))
		}
	}
}

// PushStatus sends an unsolicited Status envelope updating q, used by the
// periodic ratio-update schedule.
func PushStatus(client *websocket.Conn, q float32) error {
	env := wire.DenimEnvelope{Kind: wire.EnvelopeStatus, QStatus: q}
	return client.WriteMessage(websocket.BinaryMessage, env.Encode())
}

// StatusTicker periodically invokes push until ctx is cancelled.
func StatusTicker(ctx context.Context, every time.Duration, push func() error, log logrus.FieldLogger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := push(); err != nil {
				log.WithError(err).Debug("transport: status push failed")
				return
			}
		}
	}
}
