// Package wsrelay mirrors the committed sequence-text stream to any
// number of WebSocket dashboard clients, alongside the mandatory raw
// TCP relay socket from spec §6. It never replaces that socket; a
// SequenceWriter can write to both by wrapping io.MultiWriter, or a
// caller can feed Broadcast directly from the same callback that writes
// to the relay socket.
package wsrelay

import (
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     buildCheckOrigin(),
}

// buildCheckOrigin allows all origins unless TRACER_ALLOWED_ORIGINS is
// set, mirroring the teacher's production-allowlist pattern
// (internal/fabric/websocket.go's buildCheckOrigin).
func buildCheckOrigin() func(r *http.Request) bool {
	allowedRaw := os.Getenv("TRACER_ALLOWED_ORIGINS")
	if allowedRaw == "" {
		return func(r *http.Request) bool { return true }
	}
	allowed := make(map[string]bool)
	for _, origin := range strings.Split(allowedRaw, ",") {
		allowed[strings.TrimSpace(origin)] = true
	}
	return func(r *http.Request) bool {
		return allowed[r.Header.Get("Origin")]
	}
}

// client is one connected dashboard socket with its own outbound queue,
// so one slow reader can't block the broadcaster.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Relay fans committed sequence-text lines out to every connected
// dashboard client.
type Relay struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func New() *Relay {
	return &Relay{clients: make(map[*client]struct{})}
}

// HandleWebSocket upgrades an HTTP request to a WebSocket and registers
// the connection as a relay client until it disconnects.
func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("wsrelay: upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 256)}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()

	go r.writePump(c)
}

func (r *Relay) writePump(c *client) {
	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		c.conn.Close()
	}()
	for line := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, line); err != nil {
			return
		}
	}
}

// Broadcast sends line as one message to every connected client,
// exactly as given, dropping it for clients whose
// outbound queue is full rather than blocking the writer.
func (r *Relay) Broadcast(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := []byte(line)
	for c := range r.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Close disconnects every client.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		close(c.send)
		delete(r.clients, c)
	}
}

// NewWriter adapts r to io.Writer, so a SequenceWriter can mirror its
// output to every connected dashboard client via io.MultiWriter,
// exactly as this package's doc comment describes.
func NewWriter(r *Relay) io.Writer {
	return writerAdapter{r}
}

type writerAdapter struct{ r *Relay }

func (w writerAdapter) Write(p []byte) (int, error) {
	w.r.Broadcast(string(p))
	return len(p), nil
}
