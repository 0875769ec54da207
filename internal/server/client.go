package server

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// ChannelKind selects which event vocabulary a connection speaks.
type ChannelKind int

const (
	// AnnotationChannel carries per-document annotation sync.
	AnnotationChannel ChannelKind = iota
	// CollabChannel carries session, presence and chat events.
	CollabChannel
)

// Client is one transport-level link between a peer and the hub. The
// hub owns it for its lifetime; documentRef, userId and the group set
// are only touched from the hub's run loop.
type Client struct {
	conn   *websocket.Conn
	server *CollabServer
	log    *log.Logger
	kind   ChannelKind

	userId      string
	documentRef string
	groups      map[string]struct{}
	groupsLock  sync.RWMutex

	send     chan *ServerEvent
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(kind ChannelKind, conn *websocket.Conn, cs *CollabServer, l *log.Logger) *Client {
	return &Client{
		conn:   conn,
		server: cs,
		log:    l,
		kind:   kind,
		groups: make(map[string]struct{}),
		send:   make(chan *ServerEvent, 256),
		stop:   make(chan struct{}),
	}
}

// Write drains the send queue onto the connection, pinging on an
// interval to keep the read deadline fresh on the peer.
func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case se, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(se)
			if err != nil {
				c.log.Println("failed to serialize event:", err)
				continue
			}

			if !c.writeFrame(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeFrame(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read pumps inbound frames into the hub until the connection drops.
// Malformed or unrecognized frames are logged and skipped; the
// connection stays open.
func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		ev, err := DecodeClientEvent(raw)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				c.log.Println("unknown event type:", err)
			} else {
				c.log.Println("error parsing event:", err)
			}
			continue
		}

		if !c.allowed(ev.Type) {
			c.log.Printf("event %s not valid on this channel", ev.Type)
			continue
		}

		ev.client = c
		c.server.enqueue(ev)
	}
}

// allowed keeps each channel to its own vocabulary.
func (c *Client) allowed(t EventType) bool {
	switch t {
	case EventInit, EventAnnotationCreate, EventAnnotationUpdate, EventAnnotationDelete:
		return c.kind == AnnotationChannel
	default:
		return c.kind == CollabChannel
	}
}

// queueEvent enqueues without blocking; a client that does not drain its
// queue loses events rather than stalling the broadcast fan-out.
func (c *Client) queueEvent(se *ServerEvent) bool {
	select {
	case c.send <- se:
	default:
		c.log.Println("failed to queue event, channel is full")
		return false
	}

	return true
}

func (c *Client) writeFrame(msgType int, payload []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, payload); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write frame: %s", err)
		}
		return false
	}

	return true
}

// stopClient signals the write pump to exit. Both the hub's Shutdown
// and the read pump's cleanup may race here, so the close is guarded.
func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.server.DeRegisterClient(c)
	c.stopClient()
}

func (c *Client) joinGroup(sessionId string) {
	c.groupsLock.Lock()
	defer c.groupsLock.Unlock()
	c.groups[sessionId] = struct{}{}
}

func (c *Client) leaveGroup(sessionId string) {
	c.groupsLock.Lock()
	defer c.groupsLock.Unlock()
	delete(c.groups, sessionId)
}

func (c *Client) inGroup(sessionId string) bool {
	c.groupsLock.RLock()
	defer c.groupsLock.RUnlock()
	_, ok := c.groups[sessionId]
	return ok
}
