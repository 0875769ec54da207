package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/paperdesk/collab-server/internal/stats"
	"github.com/paperdesk/collab-server/internal/types"
)

const (
	metricActiveClients  = "NumActiveClients"
	metricActiveSessions = "NumActiveSessions"
	metricAnnotations    = "NumAnnotations"
	metricOnlineUsers    = "NumOnlineUsers"
)

var ErrAnnotationNotFound = errors.New("annotation not found")

// CollabServer is the authoritative in-memory hub. All session,
// annotation and user mutations are processed one event at a time by the
// run loop, which is what serializes broadcasts per entity. Clients only
// ever receive copies via events, never references into hub state.
type CollabServer struct {
	log         *log.Logger
	stats       stats.StatsProvider
	clients     map[*Client]struct{}
	clientsLock sync.Mutex

	annotations *annotationStore
	registry    *sessionRegistry

	eventChan chan *ClientEvent
	stop      chan struct{}
	done      chan struct{}
}

func NewCollabServer(logger *log.Logger, su stats.StatsProvider) (*CollabServer, error) {
	for _, name := range []string{
		metricActiveClients,
		metricActiveSessions,
		metricAnnotations,
		metricOnlineUsers,
	} {
		su.RegisterMetric(name)
	}

	return &CollabServer{
		log:         logger,
		stats:       su,
		clients:     make(map[*Client]struct{}),
		annotations: newAnnotationStore(),
		registry:    newSessionRegistry(),
		eventChan:   make(chan *ClientEvent, 512),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Run processes events until Shutdown. It must be running for any
// channel or REST operation to make progress.
func (cs *CollabServer) Run() {
	for {
		select {
		case ev := <-cs.eventChan:
			cs.dispatch(ev)
		case <-cs.stop:
			cs.log.Println("event loop exiting")
			close(cs.done)
			return
		}
	}
}

func (cs *CollabServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch routes one event to its handler. A handler failure is logged
// and answered with an error event; it never takes down the loop.
func (cs *CollabServer) dispatch(ev *ClientEvent) {
	defer func() {
		if r := recover(); r != nil {
			cs.log.Printf("panic handling %s: %v", ev.Type, r)
			cs.respond(ev, ErrorEvent("internal error"))
		}
	}()

	switch ev.Type {
	case EventInit:
		cs.handleInit(ev)
	case EventAnnotationCreate:
		cs.handleAnnotationCreate(ev)
	case EventAnnotationUpdate:
		cs.handleAnnotationUpdate(ev)
	case EventAnnotationDelete:
		cs.handleAnnotationDelete(ev)
	case EventUserJoin:
		cs.handleUserJoin(ev)
	case EventUserUpdate:
		cs.handleUserUpdate(ev)
	case EventSessionCreate:
		cs.handleSessionCreate(ev)
	case EventSessionJoin:
		cs.handleSessionJoin(ev)
	case EventSessionLeave:
		cs.handleSessionLeave(ev)
	case EventSessionShare:
		cs.handleSessionShare(ev)
	case EventMessageSend:
		cs.handleMessageSend(ev)
	case eventDisconnect:
		cs.handleDisconnect(ev)
	case eventAnnotationsList:
		anns := cs.annotations.List(ev.Ref)
		if ev.Ref == "" {
			anns = cs.annotations.All()
		}
		cs.respond(ev, &ServerEvent{Type: EventAnnotationsInit, Annotations: anns})
	case eventSessionGet:
		if s, ok := cs.registry.Session(ev.Ref); ok {
			cs.respond(ev, &ServerEvent{Type: EventSessionsList, Session: &s})
		} else {
			cs.respond(ev, ErrorEvent("Session not found"))
		}
	default:
		cs.log.Printf("unhandled event type %q", ev.Type)
	}
}

// enqueue hands an event to the run loop without blocking the caller's
// read pump. A full queue drops the event with an error back to the
// client.
func (cs *CollabServer) enqueue(ev *ClientEvent) {
	select {
	case cs.eventChan <- ev:
	default:
		cs.log.Printf("event queue full, dropping %s", ev.Type)
		if ev.client != nil {
			ev.client.queueEvent(ErrorEvent("service unavailable"))
		}
	}
}

// respond answers the event's originator: the REST reply channel when
// present, otherwise the originating connection.
func (cs *CollabServer) respond(ev *ClientEvent, se *ServerEvent) {
	if ev.reply != nil {
		ev.reply <- se
		return
	}
	if ev.client != nil {
		ev.client.queueEvent(se)
	}
}

func (cs *CollabServer) handleInit(ev *ClientEvent) {
	c := ev.client
	if c != nil {
		c.documentRef = ev.Init.DocumentRef
		c.userId = ev.Init.UserId
	}

	cs.respond(ev, &ServerEvent{
		Type:        EventAnnotationsInit,
		Annotations: cs.annotations.List(ev.Init.DocumentRef),
	})
}

func (cs *CollabServer) handleAnnotationCreate(ev *ClientEvent) {
	a := cs.annotations.Create(ev.AnnotationCreate.DocumentRef, ev.AnnotationCreate.Annotation)
	cs.stats.Incr(metricAnnotations)

	created := &ServerEvent{Type: EventAnnotationCreated, Annotation: &a}
	if ev.reply != nil {
		ev.reply <- created
	}
	// The creator receives the echo too; optimistic local copies are
	// superseded by it.
	cs.broadcastToDocument(a.DocumentRef, created)
}

func (cs *CollabServer) handleAnnotationUpdate(ev *ClientEvent) {
	a, ok := cs.annotations.Update(ev.AnnotationUpdate.Annotation)
	if !ok {
		cs.log.Printf("update for unknown annotation %q ignored", ev.AnnotationUpdate.Annotation.Id)
		return
	}

	cs.broadcastToDocument(a.DocumentRef, &ServerEvent{Type: EventAnnotationUpdated, Annotation: &a})
}

func (cs *CollabServer) handleAnnotationDelete(ev *ClientEvent) {
	id := ev.AnnotationDelete.AnnotationId
	documentRef, ok := cs.annotations.Delete(id)
	if !ok {
		cs.log.Printf("delete for unknown annotation %q ignored", id)
		if ev.reply != nil {
			ev.reply <- ErrorEvent("annotation not found")
		}
		return
	}
	cs.stats.Decr(metricAnnotations)

	deleted := &ServerEvent{Type: EventAnnotationDeleted, AnnotationId: id}
	if ev.reply != nil {
		ev.reply <- deleted
	}
	cs.broadcastToDocument(documentRef, deleted)
}

func (cs *CollabServer) handleUserJoin(ev *ClientEvent) {
	prev, known := cs.registry.User(ev.User.Id)
	u := cs.registry.UpsertUser(*ev.User)
	if !known || !prev.IsOnline {
		cs.stats.Incr(metricOnlineUsers)
	}

	if ev.client != nil {
		ev.client.userId = u.Id
	}

	cs.log.Printf("user %q joined", u.Name)
	cs.broadcastToCollab(&ServerEvent{Type: EventUsersOnline, Users: cs.registry.OnlineUsers()})
	cs.respond(ev, &ServerEvent{Type: EventSessionsList, Sessions: cs.registry.Sessions()})
}

func (cs *CollabServer) handleUserUpdate(ev *ClientEvent) {
	prev, known := cs.registry.User(ev.User.Id)
	u, ok := cs.registry.UpdateUser(*ev.User)
	if !ok {
		cs.log.Printf("update for unknown user %q ignored", ev.User.Id)
		return
	}
	if known && !prev.IsOnline {
		cs.stats.Incr(metricOnlineUsers)
	}

	cs.respond(ev, &ServerEvent{Type: EventUserUpdated, User: &u})
	cs.broadcastToCollab(&ServerEvent{Type: EventUsersOnline, Users: cs.registry.OnlineUsers()})
	cs.broadcastToCollab(&ServerEvent{Type: EventSessionsList, Sessions: cs.registry.Sessions()})
}

func (cs *CollabServer) handleSessionCreate(ev *ClientEvent) {
	creatorId := ev.SessionCreate.Session.CreatedBy
	if creatorId == "" && ev.client != nil {
		creatorId = ev.client.userId
	}

	creator, ok := cs.registry.User(creatorId)
	if !ok {
		cs.respond(ev, ErrorEvent("User not found"))
		return
	}

	s, err := cs.registry.CreateSession(ev.SessionCreate.Session, creator)
	if err != nil {
		cs.log.Printf("create session: %v", err)
		cs.respond(ev, ErrorEvent("internal error"))
		return
	}
	cs.stats.Incr(metricActiveSessions)

	if ev.client != nil {
		ev.client.joinGroup(s.Id)
	}

	cs.log.Printf("session %q created by %q", s.Name, creator.Name)
	cs.respond(ev, &ServerEvent{Type: EventSessionCreated, Session: &s})
	cs.broadcastToCollab(&ServerEvent{Type: EventSessionsList, Sessions: cs.registry.Sessions()})
}

func (cs *CollabServer) handleSessionJoin(ev *ClientEvent) {
	p := ev.SessionJoin
	s, history, err := cs.registry.JoinSession(p.SessionId, p.UserId, p.AccessCode)
	if err != nil {
		cs.respond(ev, ErrorEvent(joinErrorMessage(err)))
		return
	}

	if ev.client != nil {
		ev.client.joinGroup(s.Id)
	}

	cs.respond(ev, &ServerEvent{Type: EventSessionJoined, Session: &s, Messages: history})
	cs.broadcastToCollab(&ServerEvent{Type: EventSessionsList, Sessions: cs.registry.Sessions()})
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "Session not found"
	case errors.Is(err, ErrInvalidAccessCode):
		return "Invalid access code"
	case errors.Is(err, ErrUserNotFound):
		return "User not found"
	default:
		return "internal error"
	}
}

func (cs *CollabServer) handleSessionLeave(ev *ClientEvent) {
	p := ev.SessionLeave
	if ev.client != nil {
		ev.client.leaveGroup(p.SessionId)
	}

	_, removed, err := cs.registry.LeaveSession(p.SessionId, p.UserId)
	if err != nil {
		cs.log.Printf("leave for unknown session %q ignored", p.SessionId)
		return
	}
	if removed {
		cs.log.Printf("session %q removed, no members left", p.SessionId)
		cs.stats.Decr(metricActiveSessions)
	}

	cs.broadcastToCollab(&ServerEvent{Type: EventSessionsList, Sessions: cs.registry.Sessions()})
}

func (cs *CollabServer) handleSessionShare(ev *ClientEvent) {
	p := ev.SessionShare
	s, added, err := cs.registry.ShareItem(p.SessionId, types.ItemRef{Type: p.ItemType, Id: p.ItemId})
	if err != nil {
		cs.log.Printf("share for unknown session %q ignored", p.SessionId)
		return
	}
	if !added {
		return
	}

	cs.broadcastToSession(s.Id, &ServerEvent{
		Type:     EventSessionItemShared,
		Session:  &s,
		ItemType: p.ItemType,
		ItemId:   p.ItemId,
	})
}

func (cs *CollabServer) handleMessageSend(ev *ClientEvent) {
	m, err := cs.registry.AppendMessage(ev.MessageSend.Message)
	if err != nil {
		cs.respond(ev, ErrorEvent("Session not found"))
		return
	}

	cs.broadcastToSession(m.SessionId, &ServerEvent{Type: EventMessageNew, Message: &m})
}

// handleDisconnect marks the connection's user offline once its last
// connection is gone. Connections that never identified a user leave no
// presence to clean up.
func (cs *CollabServer) handleDisconnect(ev *ClientEvent) {
	c := ev.client
	if c == nil || c.userId == "" {
		return
	}

	cs.clientsLock.Lock()
	var remaining int
	for other := range cs.clients {
		if other.userId == c.userId {
			remaining++
		}
	}
	cs.clientsLock.Unlock()
	if remaining > 0 {
		return
	}

	prev, known := cs.registry.User(c.userId)
	if _, ok := cs.registry.SetOffline(c.userId); !ok {
		return
	}
	if known && prev.IsOnline {
		cs.stats.Decr(metricOnlineUsers)
	}

	cs.broadcastToCollab(&ServerEvent{Type: EventUsersOnline, Users: cs.registry.OnlineUsers()})
}

// RegisterClient adds a connection to the delivery set.
func (cs *CollabServer) RegisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
	cs.stats.Incr(metricActiveClients)
}

// DeRegisterClient removes a connection from the delivery set immediately
// so no further events reach it, then routes the presence side effect
// through the run loop.
func (cs *CollabServer) DeRegisterClient(c *Client) {
	cs.clientsLock.Lock()
	if _, ok := cs.clients[c]; !ok {
		cs.clientsLock.Unlock()
		return
	}
	delete(cs.clients, c)
	cs.clientsLock.Unlock()
	cs.stats.Decr(metricActiveClients)

	cs.enqueue(&ClientEvent{Type: eventDisconnect, client: c})
}

func (cs *CollabServer) broadcast(se *ServerEvent, include func(*Client) bool) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	for c := range cs.clients {
		if c == se.SkipClient || !include(c) {
			continue
		}
		c.queueEvent(se)
	}
}

func (cs *CollabServer) broadcastToDocument(documentRef string, se *ServerEvent) {
	cs.broadcast(se, func(c *Client) bool {
		return c.kind == AnnotationChannel && c.documentRef == documentRef
	})
}

func (cs *CollabServer) broadcastToCollab(se *ServerEvent) {
	cs.broadcast(se, func(c *Client) bool {
		return c.kind == CollabChannel
	})
}

func (cs *CollabServer) broadcastToSession(sessionId string, se *ServerEvent) {
	cs.broadcast(se, func(c *Client) bool {
		return c.kind == CollabChannel && c.inGroup(sessionId)
	})
}

// submit runs an event through the loop and waits for its reply, for
// callers outside the event loop (the REST mirror).
func (cs *CollabServer) submit(ctx context.Context, ev *ClientEvent) (*ServerEvent, error) {
	ev.reply = make(chan *ServerEvent, 1)

	select {
	case cs.eventChan <- ev:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case se := <-ev.reply:
		return se, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListAnnotations returns the annotation set for one document, or for
// every document when documentRef is empty.
func (cs *CollabServer) ListAnnotations(ctx context.Context, documentRef string) ([]types.Annotation, error) {
	se, err := cs.submit(ctx, &ClientEvent{Type: eventAnnotationsList, Ref: documentRef})
	if err != nil {
		return nil, err
	}
	if se.Annotations == nil {
		return []types.Annotation{}, nil
	}
	return se.Annotations, nil
}

// CreateAnnotation stores an annotation on behalf of a REST caller and
// triggers the same broadcast as the channel operation.
func (cs *CollabServer) CreateAnnotation(ctx context.Context, documentRef string, a types.Annotation) (types.Annotation, error) {
	se, err := cs.submit(ctx, &ClientEvent{
		Type:             EventAnnotationCreate,
		AnnotationCreate: &AnnotationCreatePayload{Annotation: a, DocumentRef: documentRef},
	})
	if err != nil {
		return types.Annotation{}, err
	}
	if se.Type == EventError {
		return types.Annotation{}, fmt.Errorf("create annotation: %s", se.Error)
	}
	return *se.Annotation, nil
}

// DeleteAnnotation removes an annotation on behalf of a REST caller,
// broadcasting the deletion to the document's viewers.
func (cs *CollabServer) DeleteAnnotation(ctx context.Context, id string) error {
	se, err := cs.submit(ctx, &ClientEvent{
		Type:             EventAnnotationDelete,
		AnnotationDelete: &AnnotationDeletePayload{AnnotationId: id},
	})
	if err != nil {
		return err
	}
	if se.Type == EventError {
		return ErrAnnotationNotFound
	}
	return nil
}

// SessionById returns a copy of one session for REST callers.
func (cs *CollabServer) SessionById(ctx context.Context, id string) (types.Session, error) {
	se, err := cs.submit(ctx, &ClientEvent{Type: eventSessionGet, Ref: id})
	if err != nil {
		return types.Session{}, err
	}
	if se.Type == EventError {
		return types.Session{}, ErrSessionNotFound
	}
	return *se.Session, nil
}
