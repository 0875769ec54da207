package client

import (
	"testing"

	"github.com/paperdesk/collab-server/internal/testutil"
	"github.com/paperdesk/collab-server/internal/types"
	"github.com/stretchr/testify/assert"
)

func newCollabMirror(t *testing.T) *CollabClient {
	tr := NewTransport("ws://127.0.0.1:0/ws", nil, testutil.TestLogger(t))
	return NewCollabClient(tr, types.User{Id: "u1", Name: "Ada"}, testutil.TestLogger(t))
}

func TestCollabClient_Presence(t *testing.T) {
	cc := newCollabMirror(t)
	assert.Empty(t, cc.OnlineUsers())

	cc.handle([]byte(`{"type":"users:online","users":[
		{"id":"u1","name":"Ada","isOnline":true},
		{"id":"u2","name":"Grace","isOnline":false}
	]}`))

	users := cc.OnlineUsers()
	assert.Len(t, users, 2)
	assert.True(t, users[0].IsOnline)
	assert.False(t, users[1].IsOnline)
}

func TestCollabClient_SessionCatalog(t *testing.T) {
	cc := newCollabMirror(t)

	cc.handle([]byte(`{"type":"sessions:list","sessions":[
		{"id":"s1","name":"reading group","createdBy":"u1","members":[{"id":"u1","name":"Ada"}]}
	]}`))

	sessions := cc.Sessions()
	assert.Len(t, sessions, 1)
	assert.Equal(t, "reading group", sessions[0].Name)
	assert.Nil(t, cc.ActiveSession(), "expected no active session from a catalog update")
}

func TestCollabClient_SessionLifecycle(t *testing.T) {
	cc := newCollabMirror(t)

	cc.handle([]byte(`{"type":"session:created","session":{"id":"s1","name":"reading group","createdBy":"u1","members":[{"id":"u1","name":"Ada"}]}}`))
	active := cc.ActiveSession()
	if assert.NotNil(t, active, "expected created session to become active") {
		assert.Equal(t, "s1", active.Id)
	}
	assert.Empty(t, cc.Messages())

	// Catalog updates refresh the active session in place.
	cc.handle([]byte(`{"type":"sessions:list","sessions":[
		{"id":"s1","name":"reading group","members":[{"id":"u1","name":"Ada"},{"id":"u2","name":"Grace"}]}
	]}`))
	active = cc.ActiveSession()
	if assert.NotNil(t, active) {
		assert.Len(t, active.Members, 2, "expected active session to track the catalog")
	}

	// Leaving clears the mirror immediately.
	err := cc.LeaveSession()
	assert.ErrorIs(t, err, ErrNotConnected, "expected send to fail on a closed transport")
	assert.Nil(t, cc.ActiveSession())
	assert.Empty(t, cc.Messages())

	// Leaving with no active session sends nothing.
	assert.NoError(t, cc.LeaveSession())
}

func TestCollabClient_JoinWithHistory(t *testing.T) {
	cc := newCollabMirror(t)

	cc.handle([]byte(`{"type":"session:joined","session":{"id":"s1","name":"reading group"},"messages":[
		{"id":"m1","sessionId":"s1","userId":"u2","text":"welcome"}
	]}`))

	if assert.NotNil(t, cc.ActiveSession()) {
		assert.Equal(t, "s1", cc.ActiveSession().Id)
	}
	msgs := cc.Messages()
	assert.Len(t, msgs, 1)
	assert.Equal(t, "welcome", msgs[0].Text)

	cc.handle([]byte(`{"type":"message:new","message":{"id":"m2","sessionId":"s1","userId":"u1","text":"hi"}}`))
	msgs = cc.Messages()
	assert.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[1].Text, "expected arrival order to be kept")
}

func TestCollabClient_ItemShared(t *testing.T) {
	cc := newCollabMirror(t)
	cc.handle([]byte(`{"type":"session:created","session":{"id":"s1","name":"reading group","sharedItems":[]}}`))

	cc.handle([]byte(`{"type":"session:item-shared","session":{"id":"s1","name":"reading group","sharedItems":[{"type":"highlight","id":7}]},"itemType":"highlight","itemId":7}`))

	active := cc.ActiveSession()
	if assert.NotNil(t, active) {
		assert.Len(t, active.SharedItems, 1)
		assert.Equal(t, types.ItemRef{Type: "highlight", Id: 7}, active.SharedItems[0])
	}

	// Shares for other sessions leave the mirror alone.
	cc.handle([]byte(`{"type":"session:item-shared","session":{"id":"s2","sharedItems":[{"type":"note","id":1}]},"itemType":"note","itemId":1}`))
	assert.Len(t, cc.ActiveSession().SharedItems, 1)
}

func TestCollabClient_ProfileAck(t *testing.T) {
	cc := newCollabMirror(t)

	cc.handle([]byte(`{"type":"user:updated","user":{"id":"u1","name":"Ada Lovelace","avatar":"ada.png","isOnline":true}}`))
	assert.Equal(t, "Ada Lovelace", cc.self.Name, "expected the ack to update the local identity")
	assert.Equal(t, "ada.png", cc.self.Avatar)
}

func TestCollabClient_ServerErrors(t *testing.T) {
	cc := newCollabMirror(t)

	var reported string
	cc.OnError(func(msg string) { reported = msg })

	changes := 0
	cc.OnChange(func() { changes++ })

	cc.handle([]byte(`{"type":"error","message":"Invalid access code"}`))
	assert.Equal(t, "Invalid access code", reported, "expected the error text to reach the callback")
	assert.Zero(t, changes, "expected no mirror change on errors")
}

func TestCollabClient_SendGuards(t *testing.T) {
	cc := newCollabMirror(t)

	// Without an active session, shares and chat sends are dropped
	// locally.
	assert.NoError(t, cc.ShareItem(types.ItemTypeHighlight, 7))
	assert.NoError(t, cc.SendMessage("hello"))

	cc.handle([]byte(`{"type":"session:created","session":{"id":"s1","name":"reading group"}}`))
	assert.ErrorIs(t, cc.ShareItem(types.ItemTypeHighlight, 7), ErrNotConnected)
	assert.ErrorIs(t, cc.SendMessage("hello"), ErrNotConnected)
}

func TestCollabClient_ResetOnReconnect(t *testing.T) {
	cc := newCollabMirror(t)
	cc.handle([]byte(`{"type":"users:online","users":[{"id":"u1","name":"Ada"}]}`))
	cc.handle([]byte(`{"type":"session:created","session":{"id":"s1","name":"reading group"}}`))

	cc.join()
	assert.Empty(t, cc.OnlineUsers(), "expected mirrors to reset on reconnect")
	assert.Empty(t, cc.Sessions())
	assert.Nil(t, cc.ActiveSession())
	assert.Empty(t, cc.Messages())
}
