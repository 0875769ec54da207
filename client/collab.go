package client

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/paperdesk/collab-server/internal/types"
)

// CollabClient mirrors the collaboration channel: the online-user list,
// the session catalog, the active session and its chat history.
type CollabClient struct {
	transport *Transport
	log       *log.Logger
	self      types.User

	mu       sync.RWMutex
	users    []types.User
	sessions []types.Session
	active   *types.Session
	messages []types.Message

	onChange func()
	onError  func(string)
}

func NewCollabClient(t *Transport, self types.User, logger *log.Logger) *CollabClient {
	cc := &CollabClient{
		transport: t,
		log:       logger,
		self:      self,
	}

	t.OnMessage(cc.handle)
	t.OnConnect(cc.join)

	return cc
}

// OnChange registers a callback fired after every mirror mutation.
func (cc *CollabClient) OnChange(fn func()) {
	cc.onChange = fn
}

// OnError registers a callback for server-reported errors, e.g. a
// rejected join.
func (cc *CollabClient) OnError(fn func(string)) {
	cc.onError = fn
}

// join announces the user. Fired on every (re)connection; the sessions
// and users mirrors are reset and repopulated by the hub's replies.
func (cc *CollabClient) join() {
	cc.mu.Lock()
	cc.users = nil
	cc.sessions = nil
	cc.active = nil
	cc.messages = nil
	cc.mu.Unlock()

	err := cc.transport.Send(map[string]any{
		"type": "user:join",
		"user": cc.self,
	})
	if err != nil {
		cc.log.Printf("collab: join: %v", err)
	}
}

func (cc *CollabClient) handle(raw []byte) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		cc.log.Printf("collab: decode: %v", err)
		return
	}

	switch msg.Type {
	case "users:online":
		cc.mu.Lock()
		cc.users = msg.Users
		cc.mu.Unlock()
	case "sessions:list":
		cc.mu.Lock()
		cc.sessions = msg.Sessions
		if cc.active != nil {
			for i := range msg.Sessions {
				if msg.Sessions[i].Id == cc.active.Id {
					s := msg.Sessions[i]
					cc.active = &s
					break
				}
			}
		}
		cc.mu.Unlock()
	case "session:created", "session:joined":
		if msg.Session == nil {
			return
		}
		cc.mu.Lock()
		cc.active = msg.Session
		cc.messages = msg.Messages
		cc.mu.Unlock()
	case "session:item-shared":
		if msg.Session == nil {
			return
		}
		cc.mu.Lock()
		if cc.active != nil && cc.active.Id == msg.Session.Id {
			cc.active = msg.Session
		}
		cc.mu.Unlock()
	case "user:updated":
		if msg.User == nil {
			return
		}
		cc.mu.Lock()
		cc.self = *msg.User
		cc.mu.Unlock()
	case "message:new":
		var m types.Message
		if err := json.Unmarshal(msg.Message, &m); err != nil {
			cc.log.Printf("collab: decode message: %v", err)
			return
		}
		cc.mu.Lock()
		cc.messages = append(cc.messages, m)
		cc.mu.Unlock()
	case "error":
		var text string
		if err := json.Unmarshal(msg.Message, &text); err != nil {
			text = string(msg.Message)
		}
		cc.log.Printf("collab: server error: %s", text)
		if cc.onError != nil {
			cc.onError(text)
		}
		return
	default:
		return
	}

	if cc.onChange != nil {
		cc.onChange()
	}
}

// OnlineUsers returns the last broadcast user list.
func (cc *CollabClient) OnlineUsers() []types.User {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.users
}

// Sessions returns the last broadcast session catalog.
func (cc *CollabClient) Sessions() []types.Session {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.sessions
}

// ActiveSession returns the session this client created or joined, nil
// when not in one.
func (cc *CollabClient) ActiveSession() *types.Session {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.active
}

// Messages returns the chat history of the active session.
func (cc *CollabClient) Messages() []types.Message {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.messages
}

// UpdateProfile sends a profile change; the mirror updates on the ack.
func (cc *CollabClient) UpdateProfile(u types.User) error {
	return cc.transport.Send(map[string]any{
		"type": "user:update",
		"user": u,
	})
}

// CreateSession asks the hub to create a session owned by this user.
func (cc *CollabClient) CreateSession(name, accessCode string, isPrivate bool) error {
	return cc.transport.Send(map[string]any{
		"type": "session:create",
		"session": map[string]any{
			"name":       name,
			"isPrivate":  isPrivate,
			"accessCode": accessCode,
			"createdBy":  cc.self.Id,
		},
	})
}

// JoinSession asks to join. A wrong access code comes back through
// OnError, not as a Send failure.
func (cc *CollabClient) JoinSession(sessionId, accessCode string) error {
	return cc.transport.Send(map[string]any{
		"type":       "session:join",
		"sessionId":  sessionId,
		"userId":     cc.self.Id,
		"accessCode": accessCode,
	})
}

// LeaveSession leaves the active session and clears the local mirror
// immediately.
func (cc *CollabClient) LeaveSession() error {
	cc.mu.Lock()
	var sessionId string
	if cc.active != nil {
		sessionId = cc.active.Id
	}
	cc.active = nil
	cc.messages = nil
	cc.mu.Unlock()

	if sessionId == "" {
		return nil
	}

	return cc.transport.Send(map[string]any{
		"type":      "session:leave",
		"sessionId": sessionId,
		"userId":    cc.self.Id,
	})
}

// ShareItem shares a note or highlight into the active session.
func (cc *CollabClient) ShareItem(itemType string, itemId int) error {
	cc.mu.RLock()
	active := cc.active
	cc.mu.RUnlock()

	if active == nil {
		return nil
	}

	return cc.transport.Send(map[string]any{
		"type":      "session:share-item",
		"sessionId": active.Id,
		"userId":    cc.self.Id,
		"itemType":  itemType,
		"itemId":    itemId,
	})
}

// SendMessage posts a chat message to the active session.
func (cc *CollabClient) SendMessage(text string) error {
	cc.mu.RLock()
	active := cc.active
	cc.mu.RUnlock()

	if active == nil {
		return nil
	}

	return cc.transport.Send(map[string]any{
		"type": "message:send",
		"message": map[string]any{
			"sessionId": active.Id,
			"userId":    cc.self.Id,
			"text":      text,
		},
	})
}
