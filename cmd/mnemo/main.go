// mnemo is the terminal client for the mnemod daemon. It keeps one
// conversation going over REST or WebSocket and exposes the management
// endpoints as slash commands.
package main

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/becomeliminal/mnemo/core"
)

func main() {
	server := flag.String("server", "http://localhost:8000", "mnemod base URL")
	useWS := flag.Bool("ws", false, "use the WebSocket transport")
	conversation := flag.String("conversation", "", "conversation id (default: derived from the first message)")
	temperature := flag.Float64("temperature", 0.7, "sampling temperature")
	flag.Parse()

	c := &client{
		baseURL:        strings.TrimRight(*server, "/"),
		http:           &http.Client{Timeout: 120 * time.Second},
		conversationID: *conversation,
		temperature:    *temperature,
	}

	if *useWS {
		if err := c.dial(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
			os.Exit(1)
		}
		defer c.ws.Close()
	}

	fmt.Printf("connected to %s\n", c.baseURL)
	fmt.Println("commands: /list, /stats, /delete, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\nyou> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch strings.ToLower(line) {
		case "/quit", "/exit", "quit", "exit", "q":
			fmt.Println("bye")
			return
		case "/list":
			c.list()
			continue
		case "/stats":
			c.stats()
			continue
		case "/delete":
			c.deleteConversation()
			continue
		}
		if strings.HasPrefix(line, "/") {
			fmt.Printf("unknown command %s\n", line)
			continue
		}

		c.send(line)
	}
}

type client struct {
	baseURL        string
	http           *http.Client
	ws             *websocket.Conn
	conversationID string
	temperature    float64
}

// dial upgrades the client to the WebSocket transport.
func (c *client) dial() error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	c.ws = conn
	return nil
}

func (c *client) send(message string) {
	// The first message names the conversation, the way a fresh session
	// picks up where an earlier one with the same opener left off.
	if c.conversationID == "" {
		c.conversationID = deriveConversationID(message)
		fmt.Printf("(conversation %s)\n", c.conversationID)
	}

	var (
		reply string
		err   error
	)
	if c.ws != nil {
		reply, err = c.chatWS(message)
	} else {
		reply, err = c.chatREST(message)
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("\nmnemo> %s\n", reply)
}

func (c *client) chatREST(message string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"conversation_id": c.conversationID,
		"message":         message,
		"temperature":     c.temperature,
	})
	if err != nil {
		return "", err
	}

	resp, err := c.http.Post(c.baseURL+"/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Response       string `json:"response"`
		ConversationID string `json:"conversation_id"`
		Error          string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("server returned %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s (%s)", out.Error, resp.Status)
	}
	c.conversationID = out.ConversationID
	return out.Response, nil
}

func (c *client) chatWS(message string) (string, error) {
	err := c.ws.WriteJSON(map[string]any{
		"type":            "chat",
		"conversation_id": c.conversationID,
		"message":         message,
		"temperature":     c.temperature,
	})
	if err != nil {
		return "", err
	}

	var reply struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
		Response       string `json:"response"`
		Error          string `json:"error"`
	}
	if err := c.ws.ReadJSON(&reply); err != nil {
		return "", err
	}
	if reply.Type == "error" {
		return "", fmt.Errorf("%s", reply.Error)
	}
	if reply.ConversationID != "" {
		c.conversationID = reply.ConversationID
	}
	return reply.Response, nil
}

func (c *client) list() {
	var out struct {
		Conversations []core.Summary `json:"conversations"`
	}
	if err := c.get("/conversations", &out); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if len(out.Conversations) == 0 {
		fmt.Println("no conversations")
		return
	}
	for _, s := range out.Conversations {
		marker := " "
		if s.ID == c.conversationID {
			marker = "*"
		}
		fmt.Printf("%s %s  %3d messages  %s\n", marker, s.ID, s.MessageCount, s.Title)
	}
}

func (c *client) stats() {
	if c.conversationID == "" {
		fmt.Println("no active conversation yet")
		return
	}
	var stats core.Stats
	if err := c.get("/conversations/"+c.conversationID+"/stats", &stats); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("conversation: %s\n", stats.ID)
	fmt.Printf("messages:     %d (%d indexed)\n", stats.MessageCount, stats.IndexedCount)
	fmt.Printf("title:        %s\n", stats.Title)
	fmt.Printf("updated:      %s\n", stats.UpdatedAt)
}

func (c *client) deleteConversation() {
	if c.conversationID == "" {
		fmt.Println("no active conversation yet")
		return
	}

	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/conversations/"+c.conversationID, nil)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("error: server returned %s\n", resp.Status)
		return
	}

	fmt.Printf("deleted %s\n", c.conversationID)
	c.conversationID = ""
}

func (c *client) get(path string, dst any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// deriveConversationID names a conversation after its opening message so
// that restarting the client resumes the same thread.
func deriveConversationID(firstMessage string) string {
	sum := md5.Sum([]byte(firstMessage))
	return hex.EncodeToString(sum[:])[:16]
}
