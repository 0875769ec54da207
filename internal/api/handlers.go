package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/paperdesk/collab-server/internal/database"
	"github.com/paperdesk/collab-server/internal/server"
	"github.com/paperdesk/collab-server/internal/types"
)

type CreateAnnotationRequest struct {
	types.Annotation
}

// SessionItems is a session's shared references resolved to display
// content via the highlight/note store.
type SessionItems struct {
	SessionId  string               `json:"sessionId"`
	Highlights []database.Highlight `json:"highlights"`
	Notes      []database.Note      `json:"notes"`
}

func (s *CollabApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *CollabApp) getAnnotations(w http.ResponseWriter, r *http.Request) {
	annotations, err := s.cs.ListAnnotations(r.Context(), r.URL.Query().Get("pdfUrl"))
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, annotations)
}

// createAnnotation is the REST counterpart of annotation:create; the
// same broadcast reaches every channel viewer of the document.
func (s *CollabApp) createAnnotation(w http.ResponseWriter, r *http.Request) {
	var req CreateAnnotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.DocumentRef == "" || req.PageNumber < 1 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	annotation, err := s.cs.CreateAnnotation(r.Context(), req.DocumentRef, req.Annotation)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, annotation)
}

func (s *CollabApp) deleteAnnotation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.cs.DeleteAnnotation(r.Context(), id); err != nil {
		var errResp *ApiError
		if errors.Is(err, server.ErrAnnotationNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *CollabApp) getHighlights(w http.ResponseWriter, r *http.Request) {
	highlights, err := s.db.GetHighlights()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if highlights == nil {
		highlights = []database.Highlight{}
	}
	s.writeJson(w, http.StatusOK, highlights)
}

func (s *CollabApp) getHighlight(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	highlight, err := s.db.GetHighlight(id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, highlight)
}

func (s *CollabApp) getNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := s.db.GetNotes()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if notes == nil {
		notes = []database.Note{}
	}
	s.writeJson(w, http.StatusOK, notes)
}

func (s *CollabApp) getNote(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	note, err := s.db.GetNote(id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, note)
}

// getSessionItems resolves a session's shared (type, id) references
// through the read-only item store. Dangling references are skipped.
func (s *CollabApp) getSessionItems(w http.ResponseWriter, r *http.Request) {
	session, err := s.cs.SessionById(r.Context(), r.PathValue("id"))
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, server.ErrSessionNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	items := SessionItems{
		SessionId:  session.Id,
		Highlights: []database.Highlight{},
		Notes:      []database.Note{},
	}
	for _, ref := range session.SharedItems {
		switch ref.Type {
		case types.ItemTypeHighlight:
			h, err := s.db.GetHighlight(ref.Id)
			if err != nil {
				if !errors.Is(err, sql.ErrNoRows) {
					s.log.Printf("resolve highlight %d: %v", ref.Id, err)
				}
				continue
			}
			items.Highlights = append(items.Highlights, h)
		case types.ItemTypeNote:
			n, err := s.db.GetNote(ref.Id)
			if err != nil {
				if !errors.Is(err, sql.ErrNoRows) {
					s.log.Printf("resolve note %d: %v", ref.Id, err)
				}
				continue
			}
			items.Notes = append(items.Notes, n)
		}
	}

	s.writeJson(w, http.StatusOK, items)
}

func (s *CollabApp) serveAnnotationWs(w http.ResponseWriter, r *http.Request) {
	s.serveWs(w, r, server.AnnotationChannel)
}

func (s *CollabApp) serveCollabWs(w http.ResponseWriter, r *http.Request) {
	s.serveWs(w, r, server.CollabChannel)
}

func (s *CollabApp) serveWs(w http.ResponseWriter, r *http.Request, kind server.ChannelKind) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(kind, conn, s.cs, s.log)
	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
