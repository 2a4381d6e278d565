// internal/notify/hub.go
package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// LockerMessage is pushed to a locker controller over its live channel.
type LockerMessage struct {
	AccessCode string `json:"accessCode"`
	Action     string `json:"action"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId,omitempty"`
	// Timestamp is Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

const ActionActivate = "ACTIVATE"

// LockerChannel publishes messages to a locker's live channel.
type LockerChannel interface {
	Publish(ctx context.Context, lockerID string, msg LockerMessage) error
}

var ErrLockerOffline = errors.New("locker has no live connection")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub keeps one or more websocket connections per locker and fans
// messages out to them.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]map[string]*lockerConn
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

type lockerConn struct {
	id       string
	lockerID string
	conn     *websocket.Conn
	send     chan LockerMessage
	closing  sync.Once
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		conns: make(map[string]map[string]*lockerConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Locker controllers are not browsers and send no Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve upgrades the request and registers the connection under lockerID
// until the peer goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, lockerID string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &lockerConn{
		id:       uuid.NewString(),
		lockerID: lockerID,
		conn:     ws,
		send:     make(chan LockerMessage, 16),
	}
	h.register(c)
	h.logger.Info().Str("locker_id", lockerID).Str("conn_id", c.id).Msg("locker connected")

	go h.writePump(c)
	h.readPump(c)
	return nil
}

// Publish queues msg on every live connection of lockerID.
func (h *Hub) Publish(_ context.Context, lockerID string, msg LockerMessage) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := h.conns[lockerID]
	if len(conns) == 0 {
		return ErrLockerOffline
	}
	delivered := 0
	for _, c := range conns {
		select {
		case c.send <- msg:
			delivered++
		default:
			h.logger.Warn().Str("locker_id", lockerID).Str("conn_id", c.id).Msg("locker send buffer full")
		}
	}
	if delivered == 0 {
		return ErrLockerOffline
	}
	return nil
}

// Connected reports the number of live connections for lockerID.
func (h *Hub) Connected(lockerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[lockerID])
}

func (h *Hub) register(c *lockerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.lockerID] == nil {
		h.conns[c.lockerID] = make(map[string]*lockerConn)
	}
	h.conns[c.lockerID][c.id] = c
}

func (h *Hub) unregister(c *lockerConn) {
	h.mu.Lock()
	if conns, ok := h.conns[c.lockerID]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.conns, c.lockerID)
		}
	}
	h.mu.Unlock()
	c.closing.Do(func() { close(c.send) })
}

func (h *Hub) readPump(c *lockerConn) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		h.logger.Info().Str("locker_id", c.lockerID).Str("conn_id", c.id).Msg("locker disconnected")
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("locker_id", c.lockerID).Msg("locker connection error")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *lockerConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
