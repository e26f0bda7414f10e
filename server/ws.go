package server

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/becomeliminal/mnemo/engine"
)

const (
	// pongWait is how long a silent peer keeps the connection open.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait so a live peer always
	// answers before the read deadline expires.
	pingPeriod = (pongWait * 9) / 10
	// pingWait bounds the control-frame write itself.
	pingWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The handler checks the origin allow-list before upgrading.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsRequest struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        string   `json:"message,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
}

type wsReply struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Response       string `json:"response,omitempty"`
	Error          string `json:"error,omitempty"`
	Code           int    `json:"code,omitempty"`
}

// handleWS upgrades the connection and serves chat requests sequentially.
// One goroutine per connection; replies go back in request order. A second
// goroutine pings the peer so proxies keep the connection open and dead
// peers trip the read deadline.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !originAllowed(s.origins, r) {
		writeError(w, http.StatusForbidden, fmt.Errorf("origin %q not allowed", r.Header.Get("Origin")))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SERVER] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	log.Printf("[SERVER] websocket %s connected from %s", connID, r.RemoteAddr)
	defer log.Printf("[SERVER] websocket %s disconnected", connID)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go pingLoop(conn, connID, stop)

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[SERVER] websocket %s read failed: %v", connID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		reply := s.serveWSRequest(r, &req)
		if err := conn.WriteJSON(reply); err != nil {
			log.Printf("[SERVER] websocket %s write failed: %v", connID, err)
			return
		}
	}
}

// pingLoop sends protocol-level pings until the connection is torn down.
// WriteControl is safe to call concurrently with WriteJSON.
func pingLoop(conn *websocket.Conn, connID string, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWait)); err != nil {
				log.Printf("[SERVER] websocket %s ping failed: %v", connID, err)
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Server) serveWSRequest(r *http.Request, req *wsRequest) wsReply {
	switch strings.ToLower(req.Type) {
	case "chat":
		out, err := s.engine.HandleChat(r.Context(), &engine.ChatInput{
			ConversationID: req.ConversationID,
			Message:        req.Message,
			Temperature:    req.Temperature,
		})
		if err != nil {
			return wsReply{Type: "error", ConversationID: req.ConversationID, Error: err.Error(), Code: statusFor(err)}
		}
		return wsReply{Type: "reply", ConversationID: out.ConversationID, Response: out.Reply}
	case "ping":
		return wsReply{Type: "pong"}
	default:
		return wsReply{Type: "error", Error: "unknown request type: " + req.Type, Code: http.StatusBadRequest}
	}
}
