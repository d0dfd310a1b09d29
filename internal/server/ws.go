package server

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development, configure for production
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	// Heartbeat interval
	pingInterval = 30 * time.Second
	// Write timeout
	writeTimeout = 10 * time.Second
	// Read deadline, refreshed on every pong
	readTimeout = 60 * time.Second
)

// Close code for a failed token handshake.
const closeUnauthorized = 4001

// wsTransport adapts a websocket connection to the hub transport. The write
// mutex also covers the keepalive ping ticker.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{conn: conn, done: make(chan struct{})}
	go t.keepalive()
	return t
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
	})
	return nil
}

func (t *wsTransport) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// HandleWS upgrades the connection, authenticates the token and hands the
// session to the hub. Authentication happens after the upgrade so the client
// receives a proper close code instead of a failed handshake.
func (s *Server) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Server] Failed to upgrade connection: %v", err)
		return
	}

	token := c.Query("token")
	identity, err := s.resolver.Resolve(c.Request.Context(), token)
	if err != nil {
		log.Printf("[Server] WebSocket auth failed: %v", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeUnauthorized, "authentication failed"),
			time.Now().Add(writeTimeout))
		conn.Close()
		return
	}

	transport := newWSTransport(conn)
	connID := s.hub.Connect(transport, identity.UserID, map[string]interface{}{
		"remote_addr": c.ClientIP(),
		"user_agent":  c.Request.UserAgent(),
		"role":        identity.Role,
	})

	go s.readPump(conn, connID)
}

// readPump reads client messages until the connection drops, then removes
// the session from the hub.
func (s *Server) readPump(conn *websocket.Conn, connID string) {
	defer s.hub.Disconnect(connID)

	conn.SetReadLimit(512 * 1024)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[Server] Conn %s read error: %v", connID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.hub.HandleMessage(s.ctx, connID, message)
	}
}

// GetWSStats returns hub counters.
func (s *Server) GetWSStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}
