// Package web exposes the message store over HTTP: JSON projections for
// listings and single messages, delete operations, and a websocket feed of
// newly received messages.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mailcrab/mailcrab/log"
	"github.com/mailcrab/mailcrab/queue"
	"github.com/mailcrab/mailcrab/store"
)

// Config carries what the web layer needs from the daemon configuration
type Config struct {
	Addr string
	// Prefix mounts every route under a URL path, "" for the root
	Prefix string
	// Version is reported by the version endpoint
	Version string
}

// Server is the HTTP API over the store. Reads are pure projections;
// the only mutations are the delete endpoints and the websocket commands.
type Server struct {
	cfg    Config
	store  *store.Store
	bus    *queue.Broadcaster
	logger log.Logger

	listener   net.Listener
	httpServer *http.Server
}

func NewServer(cfg Config, st *store.Store, bus *queue.Broadcaster, logger log.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		bus:    bus,
		logger: logger,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	api := r
	if len(s.cfg.Prefix) > 0 {
		api = r.PathPrefix(s.cfg.Prefix).Subrouter()
	}
	api.HandleFunc("/api/messages", s.handleMessages).Methods(http.MethodGet)
	api.HandleFunc("/api/message/{id}", s.handleMessage).Methods(http.MethodGet)
	api.HandleFunc("/api/message/{id}/body", s.handleMessageBody).Methods(http.MethodGet)
	api.HandleFunc("/api/delete/{id}", s.handleDelete).Methods(http.MethodPost)
	api.HandleFunc("/api/delete-all", s.handleDeleteAll).Methods(http.MethodPost)
	api.HandleFunc("/api/version", s.handleVersion).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.handleWebSocket)
	return r
}

// Start binds the listen address and serves until Shutdown. startWG is
// released once the listener is bound.
func (s *Server) Start(startWG *sync.WaitGroup) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		startWG.Done()
		return fmt.Errorf("[%s] cannot listen on port: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.logger.Infof("HTTP server listening on TCP %s", s.cfg.Addr)
	startWG.Done()

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, waiting up to timeout for in-flight
// requests. Open websockets are cut by closing their underlying listener.
func (s *Server) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("HTTP shutdown did not complete cleanly")
		_ = s.httpServer.Close()
	}
}

// Addr reports the bound listen address, once Start has released its
// startup wait group
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.store.ListMetadata())
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.messageID(w, r)
	if !ok {
		return
	}
	m, found := s.store.Get(id)
	if !found {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, m)
}

func (s *Server) handleMessageBody(w http.ResponseWriter, r *http.Request) {
	id, ok := s.messageID(w, r)
	if !ok {
		return
	}
	m, found := s.store.Get(id)
	if !found {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(m.Render()))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.messageID(w, r)
	if !ok {
		return
	}
	if !s.store.Remove(id) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	n := s.store.Clear()
	s.logger.Infof("removed all %d messages", n)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"version_be": s.cfg.Version})
}

// messageID parses the {id} route variable, answering 400 on garbage
func (s *Server) messageID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return uuid.UUID{}, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Debug("Failed to write response body")
	}
}
