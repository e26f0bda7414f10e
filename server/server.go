// Package server exposes the engine over HTTP and WebSocket. The REST
// surface covers chat, conversation management and health; /ws carries the
// same chat operation for clients that keep a connection open.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/becomeliminal/mnemo/core"
	"github.com/becomeliminal/mnemo/engine"
	"github.com/becomeliminal/mnemo/inference"
)

// maxBodyBytes bounds request bodies; a synced transcript fits comfortably.
const maxBodyBytes = 4 << 20

// Config configures the HTTP server.
type Config struct {
	// Addr to listen on (default :8000).
	Addr string

	// AllowedOrigins is the CORS allow-list, also applied to WebSocket
	// upgrades. Empty, or containing "*", allows any origin.
	AllowedOrigins []string

	// ShutdownTimeout bounds graceful shutdown (default 10s).
	ShutdownTimeout time.Duration
}

// Server routes requests to the engine.
type Server struct {
	engine          *engine.Engine
	http            *http.Server
	origins         []string
	shutdownTimeout time.Duration
}

// New builds the server around the engine.
func New(eng *engine.Engine, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		engine:          eng,
		origins:         cfg.AllowedOrigins,
		shutdownTimeout: cfg.ShutdownTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /conversations", s.handleList)
	mux.HandleFunc("DELETE /conversations/{id}", s.handleDelete)
	mux.HandleFunc("POST /conversations/{id}/sync", s.handleSync)
	mux.HandleFunc("GET /conversations/{id}/stats", s.handleStats)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain(mux, recoverMiddleware, requestIDMiddleware, accessLogMiddleware, corsMiddleware(cfg.AllowedOrigins)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[SERVER] listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("[SERVER] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

type chatRequest struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	Message        string         `json:"message"`
	History        []core.Message `json:"conversation_history,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	out, err := s.engine.HandleChat(r.Context(), &engine.ChatInput{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		History:        req.History,
		Temperature:    req.Temperature,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Response: out.Reply, ConversationID: out.ConversationID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"conversations": s.engine.ConversationCount(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": s.engine.ListConversations(),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.DeleteConversation(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "deleted",
		"conversation_id": id,
	})
}

type syncRequest struct {
	Messages []core.Message `json:"messages"`
	Metadata *core.Metadata `json:"metadata,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req syncRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.engine.SyncConversation(r.Context(), id, req.Messages, req.Metadata); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "synced",
		"conversation_id": id,
		"message_count":   len(req.Messages),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.ConversationStats(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// statusFor maps engine and backend failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, inference.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, inference.ErrUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, inference.ErrBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[SERVER] failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
