package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/denim-research/denim-proxy/internal/buffermanager"
	"github.com/denim-research/denim-proxy/internal/keyengine"
	"github.com/denim-research/denim-proxy/internal/router"
	"github.com/denim-research/denim-proxy/internal/wire"
)

// fakeRelayConn is an in-memory RelayConn that just echoes every frame it
// receives back, simulating the overt relay server.
type fakeRelayConn struct {
	in  chan []byte
	out chan []byte
}

func newFakeRelay() *fakeRelayConn {
	return &fakeRelayConn{in: make(chan []byte, 8), out: make(chan []byte, 8)}
}

func (c *fakeRelayConn) ReadMessage() ([]byte, error) { return <-c.out, nil }
func (c *fakeRelayConn) WriteMessage(b []byte) error   { c.in <- b; c.out <- b; return nil }
func (c *fakeRelayConn) Close() error                  { return nil }

type fakeDialer struct{ conn *fakeRelayConn }

func (d fakeDialer) Dial(ctx context.Context, auth string) (RelayConn, error) { return d.conn, nil }

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestUplinkAndDownlinkSplice(t *testing.T) {
	log := silentLogger()
	r := router.New(keyengine.New(), router.NewBlockList(), router.NewMessageIDProvider(), log)
	mgr := buffermanager.New(r, 0, log)
	relay := newFakeRelay()

	p := New(fakeDialer{relay}, mgr, log, func(req *http.Request) wire.AccountID {
		return wire.AccountID{1}
	})

	srv := httptest.NewServer(p)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	env := wire.DenimEnvelope{
		Kind: wire.EnvelopeMessage,
		Message: wire.DenimMessage{
			RegularPayload: []byte("overt hello"),
		},
	}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, env.Encode()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	gotEnv, err := wire.DecodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, []byte("overt hello"), gotEnv.Message.RegularPayload)
}
