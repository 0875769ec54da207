package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paperdesk/collab-server/internal/types"
)

type EventType string

// Client to hub.
const (
	EventInit             EventType = "init"
	EventAnnotationCreate EventType = "annotation:create"
	EventAnnotationUpdate EventType = "annotation:update"
	EventAnnotationDelete EventType = "annotation:delete"
	EventUserJoin         EventType = "user:join"
	EventUserUpdate       EventType = "user:update"
	EventSessionCreate    EventType = "session:create"
	EventSessionJoin      EventType = "session:join"
	EventSessionLeave     EventType = "session:leave"
	EventSessionShare     EventType = "session:share-item"
	EventMessageSend      EventType = "message:send"
)

// Hub to client.
const (
	EventAnnotationsInit   EventType = "annotations:init"
	EventAnnotationCreated EventType = "annotation:created"
	EventAnnotationUpdated EventType = "annotation:updated"
	EventAnnotationDeleted EventType = "annotation:deleted"
	EventUsersOnline       EventType = "users:online"
	EventSessionsList      EventType = "sessions:list"
	EventSessionCreated    EventType = "session:created"
	EventSessionJoined     EventType = "session:joined"
	EventSessionItemShared EventType = "session:item-shared"
	EventUserUpdated       EventType = "user:updated"
	EventMessageNew        EventType = "message:new"
	EventError             EventType = "error"
)

// Internal events injected by the hub itself, never decoded from the wire.
const (
	eventDisconnect      EventType = "disconnect"
	eventAnnotationsList EventType = "annotations:list"
	eventSessionGet      EventType = "session:get"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrMissingPayload = errors.New("missing required payload field")
)

type InitPayload struct {
	DocumentRef string `json:"pdfUrl"`
	UserId      string `json:"userId"`
}

type AnnotationCreatePayload struct {
	Annotation  types.Annotation `json:"annotation"`
	DocumentRef string           `json:"pdfUrl"`
}

type AnnotationUpdatePayload struct {
	Annotation types.AnnotationPatch `json:"annotation"`
}

type AnnotationDeletePayload struct {
	AnnotationId string `json:"annotationId"`
}

// SessionSpec is the inbound form of a session: the session fields plus
// the plaintext access code, which the hub hashes and discards.
type SessionSpec struct {
	types.Session
	AccessCode string `json:"accessCode,omitempty"`
}

type SessionCreatePayload struct {
	Session SessionSpec `json:"session"`
}

type SessionJoinPayload struct {
	SessionId  string `json:"sessionId"`
	UserId     string `json:"userId"`
	AccessCode string `json:"accessCode,omitempty"`
}

type SessionLeavePayload struct {
	SessionId string `json:"sessionId"`
	UserId    string `json:"userId"`
}

type SessionSharePayload struct {
	SessionId string `json:"sessionId"`
	UserId    string `json:"userId"`
	ItemType  string `json:"itemType"`
	ItemId    int    `json:"itemId"`
}

type MessageSendPayload struct {
	Message types.Message `json:"message"`
}

// ClientEvent is a decoded inbound event. Exactly one payload pointer is
// non-nil, matching Type. Events carry the originating client, or a reply
// channel when the caller is the REST mirror rather than a connection.
type ClientEvent struct {
	Type             EventType
	Init             *InitPayload
	AnnotationCreate *AnnotationCreatePayload
	AnnotationUpdate *AnnotationUpdatePayload
	AnnotationDelete *AnnotationDeletePayload
	User             *types.User
	SessionCreate    *SessionCreatePayload
	SessionJoin      *SessionJoinPayload
	SessionLeave     *SessionLeavePayload
	SessionShare     *SessionSharePayload
	MessageSend      *MessageSendPayload

	// DocumentRef/SessionId for internal read events.
	Ref string

	client *Client
	reply  chan *ServerEvent
}

// DecodeClientEvent validates a raw frame into a ClientEvent. Unknown
// types return ErrUnknownEvent; missing discriminant or required fields
// are reported as errors so the caller can log and drop the frame.
func DecodeClientEvent(raw []byte) (*ClientEvent, error) {
	var envelope struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingPayload)
	}

	ev := &ClientEvent{Type: envelope.Type}
	switch envelope.Type {
	case EventInit:
		var p InitPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		if p.DocumentRef == "" {
			return nil, fmt.Errorf("%w: pdfUrl", ErrMissingPayload)
		}
		ev.Init = &p
	case EventAnnotationCreate:
		var p AnnotationCreatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		if p.DocumentRef == "" {
			p.DocumentRef = p.Annotation.DocumentRef
		}
		if p.DocumentRef == "" {
			return nil, fmt.Errorf("%w: pdfUrl", ErrMissingPayload)
		}
		ev.AnnotationCreate = &p
	case EventAnnotationUpdate:
		var p AnnotationUpdatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		if p.Annotation.Id == "" {
			return nil, fmt.Errorf("%w: annotation.id", ErrMissingPayload)
		}
		ev.AnnotationUpdate = &p
	case EventAnnotationDelete:
		var p AnnotationDeletePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		if p.AnnotationId == "" {
			return nil, fmt.Errorf("%w: annotationId", ErrMissingPayload)
		}
		ev.AnnotationDelete = &p
	case EventUserJoin, EventUserUpdate:
		var p struct {
			User types.User `json:"user"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		if p.User.Id == "" {
			return nil, fmt.Errorf("%w: user.id", ErrMissingPayload)
		}
		ev.User = &p.User
	case EventSessionCreate:
		var p SessionCreatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		if p.Session.Name == "" {
			return nil, fmt.Errorf("%w: session.name", ErrMissingPayload)
		}
		ev.SessionCreate = &p
	case EventSessionJoin:
		var p SessionJoinPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		if p.SessionId == "" || p.UserId == "" {
			return nil, fmt.Errorf("%w: sessionId/userId", ErrMissingPayload)
		}
		ev.SessionJoin = &p
	case EventSessionLeave:
		var p SessionLeavePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		if p.SessionId == "" || p.UserId == "" {
			return nil, fmt.Errorf("%w: sessionId/userId", ErrMissingPayload)
		}
		ev.SessionLeave = &p
	case EventSessionShare:
		var p SessionSharePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		if p.SessionId == "" || p.ItemType == "" {
			return nil, fmt.Errorf("%w: sessionId/itemType", ErrMissingPayload)
		}
		ev.SessionShare = &p
	case EventMessageSend:
		var p MessageSendPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		if p.Message.SessionId == "" {
			return nil, fmt.Errorf("%w: message.sessionId", ErrMissingPayload)
		}
		ev.MessageSend = &p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Type)
	}

	return ev, nil
}

// ServerEvent is an outbound event. The populated fields depend on Type;
// SkipClient is excluded from broadcast delivery.
type ServerEvent struct {
	Type         EventType          `json:"type"`
	Annotations  []types.Annotation `json:"annotations,omitempty"`
	Annotation   *types.Annotation  `json:"annotation,omitempty"`
	AnnotationId string             `json:"annotationId,omitempty"`
	Users        []types.User       `json:"users,omitempty"`
	User         *types.User        `json:"user,omitempty"`
	Sessions     []types.Session    `json:"sessions,omitempty"`
	Session      *types.Session     `json:"session,omitempty"`
	Messages     []types.Message    `json:"messages,omitempty"`
	Message      *types.Message     `json:"message,omitempty"`
	ItemType     string             `json:"itemType,omitempty"`
	ItemId       int                `json:"itemId,omitempty"`
	Error        string             `json:"-"`

	SkipClient *Client `json:"-"`
}

// MarshalJSON flattens error events to the wire form {type, message}.
func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	if e.Type == EventError {
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Message string    `json:"message"`
		}{e.Type, e.Error})
	}

	type plain ServerEvent
	return json.Marshal((*plain)(e))
}

func ErrorEvent(msg string) *ServerEvent {
	return &ServerEvent{Type: EventError, Error: msg}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
