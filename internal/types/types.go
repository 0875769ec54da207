package types

import (
	"time"
)

// User is a participant identity. The hub holds exactly one canonical
// record per user id; clients receive copies via events.
type User struct {
	Id         string    `json:"id"`
	Name       string    `json:"name"`
	Avatar     string    `json:"avatar,omitempty"`
	IsOnline   bool      `json:"isOnline"`
	LastActive time.Time `json:"lastActive"`
}

// ItemRef references a note or highlight owned by the persistence layer.
type ItemRef struct {
	Type string `json:"type"`
	Id   int    `json:"id"`
}

const (
	ItemTypeNote      = "note"
	ItemTypeHighlight = "highlight"
)

// Session is a named group of users sharing a set of items. A session
// with zero members is removed from the registry immediately.
type Session struct {
	Id          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	Members     []User    `json:"members"`
	IsPrivate   bool      `json:"isPrivate"`
	SharedItems []ItemRef `json:"sharedItems"`
	// AccessCodeHash is the bcrypt hash of the access code for private
	// sessions. Never serialized back to clients.
	AccessCodeHash []byte `json:"-"`
}

// Message is an immutable chat entry in a per-session ordered log.
type Message struct {
	Id            string    `json:"id"`
	UserId        string    `json:"userId"`
	SessionId     string    `json:"sessionId"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
	Mentions      []string  `json:"mentions,omitempty"`
	AttachedItems []ItemRef `json:"attachedItems,omitempty"`
}

const (
	AnnotationHighlight = "highlight"
	AnnotationNote      = "note"
	AnnotationBookmark  = "bookmark"
)

// Position is a document-relative rectangle on a page.
type Position struct {
	X      float64  `json:"x"`
	Y      float64  `json:"y"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`
}

// Annotation is a positioned marking on one page of one document.
// Id and DocumentRef are immutable after creation.
type Annotation struct {
	Id          string    `json:"id"`
	Kind        string    `json:"type"`
	PageNumber  int       `json:"pageNumber"`
	Content     string    `json:"content"`
	Position    Position  `json:"position"`
	Color       string    `json:"color"`
	DocumentRef string    `json:"pdfUrl"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AnnotationPatch is a partial update to an existing annotation. Nil
// fields are left untouched; id, owning document and creation time
// cannot be changed through a patch.
type AnnotationPatch struct {
	Id         string    `json:"id"`
	Kind       *string   `json:"type,omitempty"`
	PageNumber *int      `json:"pageNumber,omitempty"`
	Content    *string   `json:"content,omitempty"`
	Position   *Position `json:"position,omitempty"`
	Color      *string   `json:"color,omitempty"`
}
