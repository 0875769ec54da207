package client

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/paperdesk/collab-server/internal/types"
)

// serverMessage is the superset of hub broadcast payloads. Only the
// fields relevant to the event type are populated.
type serverMessage struct {
	Type         string             `json:"type"`
	Annotations  []types.Annotation `json:"annotations,omitempty"`
	Annotation   *types.Annotation  `json:"annotation,omitempty"`
	AnnotationId string             `json:"annotationId,omitempty"`
	Users        []types.User       `json:"users,omitempty"`
	User         *types.User        `json:"user,omitempty"`
	Sessions     []types.Session    `json:"sessions,omitempty"`
	Session      *types.Session     `json:"session,omitempty"`
	Messages     []types.Message    `json:"messages,omitempty"`
	Message      json.RawMessage    `json:"message,omitempty"`
	ItemType     string             `json:"itemType,omitempty"`
	ItemId       int                `json:"itemId,omitempty"`
}

// AnnotationClient mirrors the annotation set of a single document. It
// applies broadcasts as they arrive and performs its own writes
// optimistically, trusting the echo to reconcile.
type AnnotationClient struct {
	transport   *Transport
	log         *log.Logger
	documentRef string
	userId      string

	mu          sync.RWMutex
	annotations map[string]types.Annotation
	order       []string
	ready       bool

	onChange func()
}

func NewAnnotationClient(t *Transport, documentRef, userId string, logger *log.Logger) *AnnotationClient {
	ac := &AnnotationClient{
		transport:   t,
		log:         logger,
		documentRef: documentRef,
		userId:      userId,
		annotations: make(map[string]types.Annotation),
	}

	t.OnMessage(ac.handle)
	t.OnConnect(ac.init)

	return ac
}

// OnChange registers a callback fired after every mirror mutation.
func (ac *AnnotationClient) OnChange(fn func()) {
	ac.onChange = fn
}

// init requests a fresh snapshot. Fired on every (re)connection: the
// mirror is reset first so state from a previous link never survives.
func (ac *AnnotationClient) init() {
	ac.mu.Lock()
	ac.annotations = make(map[string]types.Annotation)
	ac.order = nil
	ac.ready = false
	ac.mu.Unlock()

	err := ac.transport.Send(map[string]any{
		"type":   "init",
		"pdfUrl": ac.documentRef,
		"userId": ac.userId,
	})
	if err != nil {
		ac.log.Printf("annotations: init: %v", err)
	}
}

func (ac *AnnotationClient) handle(raw []byte) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		ac.log.Printf("annotations: decode: %v", err)
		return
	}

	switch msg.Type {
	case "annotations:init":
		ac.mu.Lock()
		ac.annotations = make(map[string]types.Annotation, len(msg.Annotations))
		ac.order = ac.order[:0]
		for _, a := range msg.Annotations {
			ac.annotations[a.Id] = a
			ac.order = append(ac.order, a.Id)
		}
		ac.ready = true
		ac.mu.Unlock()
	case "annotation:created":
		if msg.Annotation == nil {
			return
		}
		ac.mu.Lock()
		if _, ok := ac.annotations[msg.Annotation.Id]; !ok {
			ac.order = append(ac.order, msg.Annotation.Id)
		}
		ac.annotations[msg.Annotation.Id] = *msg.Annotation
		ac.mu.Unlock()
	case "annotation:updated":
		if msg.Annotation == nil {
			return
		}
		ac.mu.Lock()
		_, known := ac.annotations[msg.Annotation.Id]
		if known {
			ac.annotations[msg.Annotation.Id] = *msg.Annotation
		}
		ac.mu.Unlock()
		if !known {
			return
		}
	case "annotation:deleted":
		ac.mu.Lock()
		_, known := ac.annotations[msg.AnnotationId]
		if known {
			delete(ac.annotations, msg.AnnotationId)
			for i, id := range ac.order {
				if id == msg.AnnotationId {
					ac.order = append(ac.order[:i], ac.order[i+1:]...)
					break
				}
			}
		}
		ac.mu.Unlock()
		if !known {
			return
		}
	case "error":
		var text string
		if err := json.Unmarshal(msg.Message, &text); err != nil {
			text = string(msg.Message)
		}
		ac.log.Printf("annotations: server error: %s", text)
		return
	default:
		return
	}

	if ac.onChange != nil {
		ac.onChange()
	}
}

// Ready reports whether the initial snapshot has been applied since the
// last (re)connection.
func (ac *AnnotationClient) Ready() bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.ready
}

// Annotations returns the mirror contents in arrival order.
func (ac *AnnotationClient) Annotations() []types.Annotation {
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	out := make([]types.Annotation, 0, len(ac.order))
	for _, id := range ac.order {
		out = append(out, ac.annotations[id])
	}

	return out
}

// Create applies the annotation locally and sends it to the hub. The id
// is assigned client-side so the echoed broadcast lands on the same
// entry.
func (ac *AnnotationClient) Create(a types.Annotation) (string, error) {
	if a.Id == "" {
		a.Id = uuid.NewString()
	}
	a.DocumentRef = ac.documentRef

	ac.mu.Lock()
	if _, ok := ac.annotations[a.Id]; !ok {
		ac.order = append(ac.order, a.Id)
	}
	ac.annotations[a.Id] = a
	ac.mu.Unlock()

	err := ac.transport.Send(map[string]any{
		"type":       "annotation:create",
		"annotation": a,
	})

	return a.Id, err
}

// Update merges the patch into the local copy and sends it to the hub.
func (ac *AnnotationClient) Update(patch types.AnnotationPatch) error {
	ac.mu.Lock()
	if cur, ok := ac.annotations[patch.Id]; ok {
		if patch.Kind != nil {
			cur.Kind = *patch.Kind
		}
		if patch.PageNumber != nil {
			cur.PageNumber = *patch.PageNumber
		}
		if patch.Content != nil {
			cur.Content = *patch.Content
		}
		if patch.Position != nil {
			cur.Position = *patch.Position
		}
		if patch.Color != nil {
			cur.Color = *patch.Color
		}
		ac.annotations[patch.Id] = cur
	}
	ac.mu.Unlock()

	return ac.transport.Send(map[string]any{
		"type":       "annotation:update",
		"annotation": patch,
	})
}

// Delete removes the annotation locally and sends the delete to the hub.
func (ac *AnnotationClient) Delete(id string) error {
	ac.mu.Lock()
	if _, ok := ac.annotations[id]; ok {
		delete(ac.annotations, id)
		for i, oid := range ac.order {
			if oid == id {
				ac.order = append(ac.order[:i], ac.order[i+1:]...)
				break
			}
		}
	}
	ac.mu.Unlock()

	return ac.transport.Send(map[string]any{
		"type":         "annotation:delete",
		"annotationId": id,
	})
}
