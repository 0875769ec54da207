package client

import (
	"testing"

	"github.com/paperdesk/collab-server/internal/testutil"
	"github.com/paperdesk/collab-server/internal/types"
	"github.com/stretchr/testify/assert"
)

func newMirrorClient(t *testing.T) *AnnotationClient {
	tr := NewTransport("ws://127.0.0.1:0/pdf-ws", nil, testutil.TestLogger(t))
	return NewAnnotationClient(tr, "doc-1.pdf", "u1", testutil.TestLogger(t))
}

func TestAnnotationClient_Snapshot(t *testing.T) {
	ac := newMirrorClient(t)
	assert.False(t, ac.Ready(), "expected mirror to start unready")

	ac.handle([]byte(`{"type":"annotations:init","annotations":[
		{"id":"a1","type":"highlight","pageNumber":1,"pdfUrl":"doc-1.pdf"},
		{"id":"a2","type":"note","pageNumber":2,"pdfUrl":"doc-1.pdf"}
	]}`))

	assert.True(t, ac.Ready(), "expected mirror to be ready after the snapshot")
	anns := ac.Annotations()
	assert.Len(t, anns, 2)
	assert.Equal(t, "a1", anns[0].Id, "expected snapshot order to be kept")
	assert.Equal(t, "a2", anns[1].Id)

	// A later snapshot replaces the mirror wholesale.
	ac.handle([]byte(`{"type":"annotations:init","annotations":[
		{"id":"a3","type":"bookmark","pageNumber":5,"pdfUrl":"doc-1.pdf"}
	]}`))
	anns = ac.Annotations()
	assert.Len(t, anns, 1)
	assert.Equal(t, "a3", anns[0].Id)
}

func TestAnnotationClient_AppliesBroadcasts(t *testing.T) {
	ac := newMirrorClient(t)
	ac.handle([]byte(`{"type":"annotations:init","annotations":[]}`))

	changes := 0
	ac.OnChange(func() { changes++ })

	ac.handle([]byte(`{"type":"annotation:created","annotation":{"id":"a1","type":"highlight","pageNumber":1,"content":"first","pdfUrl":"doc-1.pdf"}}`))
	assert.Len(t, ac.Annotations(), 1)

	ac.handle([]byte(`{"type":"annotation:updated","annotation":{"id":"a1","type":"highlight","pageNumber":1,"content":"second","pdfUrl":"doc-1.pdf"}}`))
	assert.Equal(t, "second", ac.Annotations()[0].Content)

	// Updates for ids the mirror never saw are dropped.
	ac.handle([]byte(`{"type":"annotation:updated","annotation":{"id":"ghost","content":"x"}}`))
	assert.Len(t, ac.Annotations(), 1)

	ac.handle([]byte(`{"type":"annotation:deleted","annotationId":"a1"}`))
	assert.Empty(t, ac.Annotations())

	// Deleting again changes nothing.
	ac.handle([]byte(`{"type":"annotation:deleted","annotationId":"a1"}`))
	assert.Empty(t, ac.Annotations())

	assert.Equal(t, 3, changes, "expected a change callback per applied mutation only")
}

func TestAnnotationClient_EchoSupersedesOptimisticCopy(t *testing.T) {
	ac := newMirrorClient(t)
	ac.handle([]byte(`{"type":"annotations:init","annotations":[]}`))

	id, err := ac.Create(types.Annotation{Kind: types.AnnotationHighlight, PageNumber: 1, Content: "local"})
	assert.ErrorIs(t, err, ErrNotConnected, "expected send to fail on a closed transport")
	assert.NotEmpty(t, id, "expected the client to assign an id")
	assert.Len(t, ac.Annotations(), 1, "expected optimistic local copy")

	// The echo lands on the same entry, not a duplicate.
	ac.handle([]byte(`{"type":"annotation:created","annotation":{"id":"` + id + `","type":"highlight","pageNumber":1,"content":"local","pdfUrl":"doc-1.pdf","createdAt":"2026-08-31T10:00:00Z"}}`))
	anns := ac.Annotations()
	assert.Len(t, anns, 1)
	assert.False(t, anns[0].CreatedAt.IsZero(), "expected the echo's server-stamped fields to win")
}

func TestAnnotationClient_OptimisticUpdateDelete(t *testing.T) {
	ac := newMirrorClient(t)
	ac.handle([]byte(`{"type":"annotations:init","annotations":[
		{"id":"a1","type":"note","pageNumber":1,"content":"old","pdfUrl":"doc-1.pdf"}
	]}`))

	content := "new"
	err := ac.Update(types.AnnotationPatch{Id: "a1", Content: &content})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, "new", ac.Annotations()[0].Content, "expected local merge before the echo")
	assert.Equal(t, types.AnnotationNote, ac.Annotations()[0].Kind, "expected untouched fields to survive")

	err = ac.Delete("a1")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, ac.Annotations(), "expected local removal before the echo")
}

func TestAnnotationClient_ResetOnReconnect(t *testing.T) {
	ac := newMirrorClient(t)
	ac.handle([]byte(`{"type":"annotations:init","annotations":[
		{"id":"a1","type":"note","pageNumber":1,"pdfUrl":"doc-1.pdf"}
	]}`))
	assert.True(t, ac.Ready())

	// The connect hook clears the mirror before requesting a snapshot;
	// nothing from the previous link survives.
	ac.init()
	assert.False(t, ac.Ready(), "expected mirror to be unready until the next snapshot")
	assert.Empty(t, ac.Annotations())
}

func TestAnnotationClient_IgnoresForeignEvents(t *testing.T) {
	ac := newMirrorClient(t)
	ac.handle([]byte(`{"type":"annotations:init","annotations":[]}`))

	changes := 0
	ac.OnChange(func() { changes++ })

	ac.handle([]byte(`{"type":"error","message":"bad request"}`))
	ac.handle([]byte(`{"type":"users:online","users":[]}`))
	ac.handle([]byte(`not json`))

	assert.Zero(t, changes, "expected no mirror changes for foreign or malformed events")
}
