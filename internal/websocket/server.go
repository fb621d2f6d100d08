package websocket

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/oh8fks/aprsmap/pkg/logger"
)

// Session is the per-connection application protocol. The transport calls
// HandleMessage for every client frame and Close exactly once when the
// connection ends.
type Session interface {
	HandleMessage(data []byte)
	Close()
}

// SessionFactory creates the session for a new connection. The send
// function queues one outbound frame; it reports false when the client is
// gone or its queue is full, in which case the connection is torn down.
type SessionFactory func(send func(data []byte) bool, closeConn func()) Session

// Client represents one WebSocket connection and its session.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	server  *Server
	session Session

	mu     sync.Mutex
	closed bool
}

// Server is the WebSocket transport hub: it upgrades connections, tracks
// clients and runs the read/write pumps. All protocol logic lives in the
// sessions.
type Server struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	upgrader   websocket.Upgrader
	factory    SessionFactory
	queueSize  int
	logger     *logger.Logger
	mu         sync.RWMutex
}

// NewServer creates a WebSocket server creating sessions with the factory.
func NewServer(factory SessionFactory, queueSize int, log *logger.Logger) *Server {
	return &Server{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		factory:   factory,
		queueSize: queueSize,
		logger:    log.Named("web-socket"),
	}
}

// Run tracks client registration until the process exits.
func (s *Server) Run() {
	s.logger.Info("Starting WebSocket server")

	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			count := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Client registered", logger.Int("client_count", count))

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.mu.Lock()
				if !client.closed {
					client.closed = true
					close(client.send)
				}
				client.mu.Unlock()
			}
			count := len(s.clients)
			s.mu.Unlock()
			client.session.Close()
			s.logger.Debug("Client unregistered", logger.Int("client_count", count))
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleConnection upgrades an HTTP request and starts the client pumps.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}

	s.logger.Debug("Client connected", logger.String("remote_addr", r.RemoteAddr))

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, s.queueSize),
		server: s,
	}
	client.session = s.factory(client.Send, client.Close)

	s.register <- client

	go client.readPump()
	go client.writePump()
}

// Send queues a frame for the client. Returns false when the client is
// closed or its queue is full; a full queue means the client cannot keep
// up and the connection is closed.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		c.server.logger.Warn("Client send queue full, closing connection")
		c.Close()
		return false
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	already := c.closed
	c.mu.Unlock()
	if already {
		return
	}
	c.conn.Close()
}

// readPump forwards client frames to the session until the connection
// drops, then unregisters.
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Error("WebSocket read error", logger.Error(err))
			}
			return
		}
		c.session.HandleMessage(data)
	}
}

// writePump drains the send queue to the socket.
func (c *Client) writePump() {
	defer c.conn.Close()

	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
