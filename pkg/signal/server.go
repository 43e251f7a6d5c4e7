package signal

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client represents one connected WebSocket channel on the relay.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// Server is the signaling relay: it assigns each connecting client a
// random id, keeps the client directory, broadcasts the full user list
// on every change and forwards targeted negotiation messages.
//
// The directory is owned exclusively by the server; every mutation and
// the broadcast it triggers happen under one lock, so broadcasts
// produced by one client's messages are never reordered.
type Server struct {
	mu       sync.Mutex
	clients  map[string]*Client
	dir      *directory
	upgrader websocket.Upgrader
}

// NewServer creates a new signaling relay.
func NewServer() *Server {
	return &Server{
		clients: make(map[string]*Client),
		dir:     newDirectory(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // clients connect from arbitrary origins
			},
		},
	}
}

// Router returns the relay's HTTP handler: the WebSocket endpoint and
// the operator health endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.HandleWebSocket)
	r.Get("/healthz", s.handleHealth)
	return r
}

// HandleWebSocket upgrades the connection, registers the client in the
// directory, sends the connected message with the assigned id and
// broadcasts the updated user list to everyone including the newcomer.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.dir.add(client.id)
	client.enqueue(Message{Type: TypeConnected, ID: client.id})
	s.broadcastUserListLocked()
	s.mu.Unlock()

	log.Info().Str("client_id", client.id).Msg("client connected")

	go client.writePump()
	go client.readPump()
}

// handleHealth reports process liveness and the connected-client count.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	count := s.dir.len()
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": count,
	})
}

// ClientCount returns the number of currently connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.len()
}

// removeClient drops a client from the directory and notifies the
// remaining clients. Peer links referencing the departed client are
// not touched here; controllers detect the loss through their own
// transport state callbacks.
func (s *Server) removeClient(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.id]; !ok {
		return
	}
	delete(s.clients, client.id)
	s.dir.remove(client.id)
	close(client.send)
	s.broadcastUserListLocked()

	log.Info().Str("client_id", client.id).Msg("client disconnected")
}

// broadcastUserListLocked sends the full directory snapshot to every
// connected client. Caller must hold s.mu.
func (s *Server) broadcastUserListLocked() {
	msg := Message{Type: TypeUserList, Users: s.dir.snapshot()}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("marshal user list")
		return
	}
	for _, c := range s.clients {
		c.enqueueRaw(data)
	}
}

// forwardLocked delivers msg to the channel matching target, or drops
// it silently when no such channel exists. Caller must hold s.mu.
func (s *Server) forwardLocked(target string, msg Message) {
	c, ok := s.clients[target]
	if !ok {
		log.Debug().Str("target", target).Str("type", string(msg.Type)).Msg("routing miss, dropped")
		return
	}
	c.enqueue(msg)
}

// enqueue marshals and queues a message for delivery to this client.
func (c *Client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", string(msg.Type)).Msg("marshal message")
		return
	}
	c.enqueueRaw(data)
}

// enqueueRaw queues a frame for delivery. A full buffer means the
// client stopped reading; dropping frames would leave it with a stale
// directory view forever, so the connection is closed instead and the
// read pump removes the client.
func (c *Client) enqueueRaw(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Warn().Str("client_id", c.id).Msg("send buffer full, closing connection")
		c.conn.Close()
	}
}
