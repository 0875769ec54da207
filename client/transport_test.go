package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paperdesk/collab-server/internal/testutil"
	"github.com/stretchr/testify/assert"
)

// echoServer upgrades every request and echoes frames back until the
// peer goes away. Connections are collected so tests can kill them.
type echoServer struct {
	ts *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newEchoServer(t *testing.T) *echoServer {
	es := &echoServer{}
	upgrader := websocket.Upgrader{}

	es.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.conns = append(es.conns, conn)
		es.mu.Unlock()

		for {
			msgType, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, raw); err != nil {
				return
			}
		}
	}))
	t.Cleanup(es.ts.Close)

	return es
}

func (es *echoServer) url() string {
	return "ws" + strings.TrimPrefix(es.ts.URL, "http")
}

func (es *echoServer) dropConnections() {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, c := range es.conns {
		c.Close()
	}
	es.conns = nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTransport_SendNotOpen(t *testing.T) {
	tr := NewTransport("ws://127.0.0.1:0/ws", nil, testutil.TestLogger(t))
	assert.Equal(t, Closed, tr.State())

	err := tr.Send(map[string]string{"type": "init"})
	assert.ErrorIs(t, err, ErrNotConnected, "expected sends on a closed transport to be dropped with an error")
}

func TestTransport_StateString(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "closing", Closing.String())
	assert.Equal(t, "closed", Closed.String())
}

func TestTransport_ConnectSendReceive(t *testing.T) {
	es := newEchoServer(t)

	var mu sync.Mutex
	var received []string

	tr := NewTransport(es.url(), nil, testutil.TestLogger(t))
	tr.OnMessage(func(raw []byte) {
		mu.Lock()
		received = append(received, string(raw))
		mu.Unlock()
	})

	connects := 0
	tr.OnConnect(func() {
		mu.Lock()
		connects++
		mu.Unlock()
	})

	tr.Start()
	defer tr.Close()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 1 && tr.State() == Open
	}, "transport never opened")

	assert.NoError(t, tr.Send(map[string]string{"type": "init", "pdfUrl": "doc-1.pdf"}))
	assert.NoError(t, tr.Send(map[string]string{"type": "init", "pdfUrl": "doc-2.pdf"}))

	// The echo preserves arrival order.
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, "echoes never arrived")

	mu.Lock()
	assert.Contains(t, received[0], "doc-1.pdf")
	assert.Contains(t, received[1], "doc-2.pdf")
	mu.Unlock()
}

func TestTransport_Reconnect(t *testing.T) {
	es := newEchoServer(t)

	var mu sync.Mutex
	connects := 0

	tr := NewTransport(es.url(), nil, testutil.TestLogger(t))
	tr.OnConnect(func() {
		mu.Lock()
		connects++
		mu.Unlock()
	})

	tr.Start()
	defer tr.Close()

	waitFor(t, 2*time.Second, func() bool { return tr.State() == Open }, "transport never opened")

	es.dropConnections()

	// The transport redials on its own; the hook fires again so callers
	// can re-request their snapshot.
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects >= 2 && tr.State() == Open
	}, "transport never reconnected")
}

func TestTransport_Close(t *testing.T) {
	es := newEchoServer(t)

	tr := NewTransport(es.url(), nil, testutil.TestLogger(t))
	tr.Start()

	waitFor(t, 2*time.Second, func() bool { return tr.State() == Open }, "transport never opened")

	tr.Close()
	assert.Equal(t, Closed, tr.State())

	err := tr.Send(map[string]string{"type": "init"})
	assert.ErrorIs(t, err, ErrNotConnected, "expected sends after close to fail")

	// Closing twice is a no-op.
	tr.Close()
}

func TestTransport_CloseWithoutStart(t *testing.T) {
	tr := NewTransport("ws://127.0.0.1:0/ws", nil, testutil.TestLogger(t))

	done := make(chan struct{})
	go func() {
		tr.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close on an unstarted transport did not return")
	}
	assert.Equal(t, Closed, tr.State())

	// Start after Close must not resurrect the run loop.
	tr.Start()
	err := tr.Send(map[string]string{"type": "init"})
	assert.ErrorIs(t, err, ErrNotConnected)
}
