package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/paperdesk/collab-server/internal/config"
	"github.com/paperdesk/collab-server/internal/database"
	"github.com/paperdesk/collab-server/internal/server"
)

// CollabApp is the HTTP surface: the REST mirror for annotations, the
// read-only highlight/note API, and the two WebSocket upgrade endpoints.
type CollabApp struct {
	log            *log.Logger
	db             database.ItemRepository
	mux            *http.Server
	cs             *server.CollabServer
	signingKey     []byte
	allowedOrigins []string
}

func NewCollabApp(mux *http.ServeMux, logger *log.Logger, cs *server.CollabServer, db database.ItemRepository, cfg *config.Config) *CollabApp {
	s := &CollabApp{
		log:            logger,
		db:             db,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/token", s.issueToken)
	mux.Handle("GET /api/highlights", s.authMiddleware(s.getHighlights))
	mux.Handle("GET /api/highlights/{id}", s.authMiddleware(s.getHighlight))
	mux.Handle("GET /api/notes", s.authMiddleware(s.getNotes))
	mux.Handle("GET /api/notes/{id}", s.authMiddleware(s.getNote))
	mux.Handle("GET /api/pdf-annotations", s.authMiddleware(s.getAnnotations))
	mux.Handle("POST /api/pdf-annotations", s.authMiddleware(s.createAnnotation))
	mux.Handle("DELETE /api/pdf-annotations/{id}", s.authMiddleware(s.deleteAnnotation))
	mux.Handle("GET /api/sessions/{id}/items", s.authMiddleware(s.getSessionItems))
	mux.Handle("GET /ws", s.authMiddleware(s.serveCollabWs))
	mux.Handle("GET /pdf-ws", s.authMiddleware(s.serveAnnotationWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *CollabApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

// Handler exposes the composed handler for tests.
func (s *CollabApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *CollabApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
