package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/npezzotti/go-strangerchat/internal/blob"
	"github.com/npezzotti/go-strangerchat/internal/chat"
	"github.com/npezzotti/go-strangerchat/internal/config"
	"github.com/npezzotti/go-strangerchat/internal/database"
	"github.com/npezzotti/go-strangerchat/internal/presence"
	"github.com/npezzotti/go-strangerchat/internal/server"
)

type StrangerChatApp struct {
	log            *log.Logger
	db             database.StrangerChatRepository
	mux            *http.Server
	cs             *server.ChatServer
	chat           *chat.Service
	presence       *presence.Tracker
	blobs          blob.Store
	signingKey     []byte
	allowedOrigins []string
}

func NewStrangerChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.StrangerChatRepository,
	chatSvc *chat.Service, tracker *presence.Tracker, blobs blob.Store, cfg *config.Config) *StrangerChatApp {
	s := &StrangerChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		chat:           chatSvc,
		presence:       tracker,
		blobs:          blobs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("POST /api/auth/anonymous", s.anonymous)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("/api/account", s.authMiddleware(s.account))
	mux.Handle("GET /api/chats", s.authMiddleware(s.getChats))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/attachments", s.authMiddleware(s.uploadAttachment))
	mux.Handle("GET /api/attachments/{key}", s.authMiddleware(s.getAttachment))
	mux.Handle("GET /api/friend-requests", s.authMiddleware(s.getFriendRequests))
	mux.Handle("POST /api/friend-requests/respond", s.authMiddleware(s.respondFriendRequest))
	mux.Handle("GET /api/presence", s.authMiddleware(s.getPresence))
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
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

func (s *StrangerChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *StrangerChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
