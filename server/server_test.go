package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/becomeliminal/mnemo/core"
	"github.com/becomeliminal/mnemo/engine"
	"github.com/becomeliminal/mnemo/inference"
	"github.com/becomeliminal/mnemo/memory"
	"github.com/becomeliminal/mnemo/memory/embedder/mock"
	"github.com/becomeliminal/mnemo/memory/index"
	"github.com/becomeliminal/mnemo/server"
	"github.com/becomeliminal/mnemo/store"
)

// echoService answers every completion with a fixed reply, or fails with
// the configured error.
type echoService struct {
	mu  sync.Mutex
	err error
}

func (s *echoService) Complete(_ context.Context, _ []core.Message, _ float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return "I hear you.", nil
}

func (s *echoService) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func newTestEngine(t *testing.T) (*engine.Engine, *echoService) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	emb := mock.New()
	cache, err := memory.NewEmbeddingCache(emb, st, 100)
	if err != nil {
		t.Fatalf("Failed to create embedding cache: %v", err)
	}
	indexes := index.NewManager(cache, index.KindLinear, emb.Dimensions())
	mem := memory.NewManager(cache, indexes, st, nil)
	svc := &echoService{}
	eng := engine.New(st, mem, svc, engine.WithTemperature(0.5))
	t.Cleanup(func() { eng.Close() })
	return eng, svc
}

func newTestServer(t *testing.T) (*httptest.Server, *echoService) {
	t.Helper()
	eng, svc := newTestEngine(t)
	ts := httptest.NewServer(server.New(eng, server.Config{}).Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func postJSON(t *testing.T, url string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to post: %v", err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Failed to decode response %q: %v", data, err)
	}
	return parsed
}

func TestServer_ChatRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := postJSON(t, ts.URL+"/chat", map[string]any{
		"conversation_id": "c1",
		"message":         "good morning",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	if body["response"] != "I hear you." {
		t.Errorf("response = %v, want the echoed reply", body["response"])
	}
	if body["conversation_id"] != "c1" {
		t.Errorf("conversation_id = %v, want c1", body["conversation_id"])
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected a request id on the response")
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS headers on the response")
	}
}

func TestServer_ChatValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := postJSON(t, ts.URL+"/chat", map[string]any{"conversation_id": "c1", "message": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message status = %d, want 400", resp.StatusCode)
	}
	if msg, ok := body["error"].(string); !ok || msg == "" {
		t.Error("expected an error field in the body")
	}

	raw, err := http.Post(ts.URL+"/chat", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("Failed to post: %v", err)
	}
	defer raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", raw.StatusCode)
	}
}

func TestServer_BackendFailureMapsToStatus(t *testing.T) {
	ts, svc := newTestServer(t)

	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("slow: %w", inference.ErrTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("down: %w", inference.ErrUnreachable), http.StatusServiceUnavailable},
		{fmt.Errorf("broken: %w", inference.ErrBackend), http.StatusBadGateway},
	}
	for _, c := range cases {
		svc.setErr(c.err)
		resp, _ := postJSON(t, ts.URL+"/chat", map[string]any{"conversation_id": "c1", "message": "hello"})
		if resp.StatusCode != c.want {
			t.Errorf("status for %v = %d, want %d", c.err, resp.StatusCode, c.want)
		}
	}
}

func TestServer_HealthAndList(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to get health: %v", err)
	}
	body := decodeBody(t, resp)
	if body["status"] != "healthy" {
		t.Errorf("health status = %v, want healthy", body["status"])
	}
	if body["conversations"] != float64(0) {
		t.Errorf("conversations = %v, want 0", body["conversations"])
	}

	if _, body = postJSON(t, ts.URL+"/chat", map[string]any{"conversation_id": "c1", "message": "hello"}); body["response"] != "I hear you." {
		t.Fatal("chat did not answer")
	}
	resp, err = http.Get(ts.URL + "/conversations")
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	body = decodeBody(t, resp)
	listed, ok := body["conversations"].([]any)
	if !ok || len(listed) != 1 {
		t.Fatalf("expected one listed conversation, got %v", body["conversations"])
	}
}

func TestServer_SyncStatsDelete(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := postJSON(t, ts.URL+"/conversations/c1/sync", map[string]any{
		"messages": []map[string]string{
			{"role": "user", "content": "imported from the client"},
			{"role": "assistant", "content": "Welcome back."},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d (body %v)", resp.StatusCode, body)
	}
	if body["status"] != "synced" || body["message_count"] != float64(2) {
		t.Errorf("sync body = %v", body)
	}

	resp, err := http.Get(ts.URL + "/conversations/c1/stats")
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	body = decodeBody(t, resp)
	if body["id"] != "c1" || body["message_count"] != float64(2) {
		t.Errorf("stats body = %v", body)
	}
	if body["indexed_count"] != float64(2) {
		t.Errorf("indexed_count = %v, want 2", body["indexed_count"])
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/conversations/c1", nil)
	if err != nil {
		t.Fatalf("Failed to build delete request: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	body = decodeBody(t, resp)
	if body["status"] != "deleted" {
		t.Errorf("delete body = %v", body)
	}

	resp, err = http.Get(ts.URL + "/conversations/c1/stats")
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stats after delete = %d, want 404", resp.StatusCode)
	}
}

func TestServer_DeleteMissingConversation(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/conversations/ghost", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_CORSAllowList(t *testing.T) {
	eng, _ := newTestEngine(t)
	ts := httptest.NewServer(server.New(eng, server.Config{
		AllowedOrigins: []string{"http://localhost:5173"},
	}).Handler())
	t.Cleanup(ts.Close)

	get := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
		if err != nil {
			t.Fatalf("Failed to build request: %v", err)
		}
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to get: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if got := get("http://localhost:5173").Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allowed origin echoed %q, want the origin back", got)
	}
	if got := get("http://evil.example").Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got %q, want no allow header", got)
	}
	if got := get("").Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("originless request got %q, want no allow header", got)
	}

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/chat", nil)
	if err != nil {
		t.Fatalf("Failed to build preflight: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("expected allow-methods on the preflight response")
	}
}

func TestServer_WebSocketRejectsDisallowedOrigin(t *testing.T) {
	eng, _ := newTestEngine(t)
	ts := httptest.NewServer(server.New(eng, server.Config{
		AllowedOrigins: []string{"http://localhost:5173"},
	}).Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		conn.Close()
		t.Fatal("expected the handshake to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("handshake response = %+v, want 403", resp)
	}
	if resp != nil {
		resp.Body.Close()
	}

	header.Set("Origin", "http://localhost:5173")
	conn, _, err = websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Failed to dial with an allowed origin: %v", err)
	}
	conn.Close()
}

func TestServer_WebSocketChat(t *testing.T) {
	ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close()

	var reply struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
		Response       string `json:"response"`
		Error          string `json:"error"`
		Code           int    `json:"code"`
	}

	if err := conn.WriteJSON(map[string]string{"type": "chat", "conversation_id": "w1", "message": "hello over the socket"}); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if reply.Type != "reply" || reply.Response != "I hear you." || reply.ConversationID != "w1" {
		t.Errorf("chat reply = %+v", reply)
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if reply.Type != "pong" {
		t.Errorf("ping reply = %+v", reply)
	}

	if err := conn.WriteJSON(map[string]string{"type": "broadcast"}); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if reply.Type != "error" || reply.Code != http.StatusBadRequest {
		t.Errorf("unknown type reply = %+v", reply)
	}

	// Protocol-level pings are answered too; the pong handler fires while
	// the next data frame is being read.
	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongs <- struct{}{}:
		default:
		}
		return nil
	})
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Failed to ping: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	select {
	case <-pongs:
	default:
		t.Error("expected a protocol-level pong before the next reply")
	}
}
