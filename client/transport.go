// Package client implements the extension side of the sync protocol: a
// reconnecting transport plus local mirrors of the hub's annotation and
// collaboration state, kept consistent by applying broadcast events.
package client

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// State is the transport liveness state.
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

var ErrNotConnected = errors.New("transport is not open")

const (
	maxReconnectInterval = 30 * time.Second
	writeWait            = 10 * time.Second
)

// Transport is one bidirectional link to the hub. It redials with capped
// exponential backoff after an unexpected closure; there is no
// continuity across reconnects, so OnConnect fires on every successful
// dial and callers must re-request their snapshot there. Messages sent
// while not open are dropped with an error, never buffered.
type Transport struct {
	url    string
	header http.Header
	log    *log.Logger

	onMessage func([]byte)
	onConnect func()

	state atomic.Int32

	connLock sync.Mutex
	conn     *websocket.Conn

	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewTransport(url string, header http.Header, logger *log.Logger) *Transport {
	t := &Transport{
		url:    url,
		header: header,
		log:    logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.state.Store(int32(Closed))

	return t
}

// OnMessage registers the inbound handler. Payloads are delivered in
// arrival order from a single goroutine. Must be set before Start.
func (t *Transport) OnMessage(fn func([]byte)) {
	t.onMessage = fn
}

// OnConnect registers the (re)connection hook. Must be set before Start.
func (t *Transport) OnConnect(fn func()) {
	t.onConnect = fn
}

func (t *Transport) State() State {
	return State(t.state.Load())
}

// Start runs the dial/read/redial loop until Close. Calling it more
// than once is a no-op.
func (t *Transport) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.run()
}

func (t *Transport) run() {
	defer close(t.done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectInterval
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-t.stop:
			return
		default:
		}

		t.state.Store(int32(Connecting))
		t.log.Printf("connecting to %s", t.url)

		conn, _, err := websocket.DefaultDialer.Dial(t.url, t.header)
		if err != nil {
			t.state.Store(int32(Closed))
			wait := bo.NextBackOff()
			t.log.Printf("dial %s: %v, retrying in %s", t.url, err, wait)
			select {
			case <-time.After(wait):
				continue
			case <-t.stop:
				return
			}
		}

		bo.Reset()
		t.setConn(conn)
		t.state.Store(int32(Open))
		t.log.Printf("connected to %s", t.url)

		if t.onConnect != nil {
			t.onConnect()
		}

		t.readLoop(conn)

		t.setConn(nil)
		select {
		case <-t.stop:
			t.state.Store(int32(Closed))
			return
		default:
		}

		t.state.Store(int32(Closed))
		wait := bo.NextBackOff()
		t.log.Printf("connection to %s lost, reconnecting in %s", t.url, wait)
		select {
		case <-time.After(wait):
		case <-t.stop:
			return
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				t.log.Printf("ws: read: %v", err)
			}
			return
		}

		if t.onMessage != nil {
			t.onMessage(raw)
		}
	}
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.connLock.Lock()
	defer t.connLock.Unlock()
	if t.conn != nil && conn == nil {
		t.conn.Close()
	}
	t.conn = conn
}

// Send marshals and writes v. When the transport is not open the message
// is dropped and ErrNotConnected returned; callers treat that as a
// passive indicator, not a retryable failure.
func (t *Transport) Send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	t.connLock.Lock()
	defer t.connLock.Unlock()

	if t.State() != Open || t.conn == nil {
		t.log.Printf("dropping message, transport is %s", t.State())
		return ErrNotConnected
	}

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.log.Printf("write message: %v", err)
		return err
	}

	return nil
}

// Close shuts the transport down permanently. Closing a transport that
// was never started returns immediately.
func (t *Transport) Close() {
	t.once.Do(func() {
		t.state.Store(int32(Closing))
		close(t.stop)
		t.connLock.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.connLock.Unlock()
		if t.started.Load() {
			<-t.done
		}
		t.state.Store(int32(Closed))
	})
}
