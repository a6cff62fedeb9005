// Package ws accepts sync socket connections and dispatches their frames.
package ws

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/polished-app/realtime-collab/internal/auth"
	"github.com/polished-app/realtime-collab/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 256
)

// Conn is one client connection. It subscribes to every room the client has
// joined and owns the read and write pumps for the socket.
type Conn struct {
	id       string
	clientID uint64
	socket   *websocket.Conn
	send     chan []byte
	handler  *Handler

	mu       sync.Mutex
	joined   map[string]*room.Room
	identity auth.Identity
	authed   bool

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(socket *websocket.Conn, handler *Handler) *Conn {
	connUUID := uuid.New()
	return &Conn{
		id:       connUUID.String(),
		clientID: binary.BigEndian.Uint64(connUUID[:8]),
		socket:   socket,
		send:     make(chan []byte, sendBuffer),
		handler:  handler,
		joined:   make(map[string]*room.Room),
		done:     make(chan struct{}),
	}
}

// ID returns the connection identifier used for broadcast exclusion.
func (c *Conn) ID() string {
	return c.id
}

// ClientID returns the numeric identifier used for this connection's
// awareness entries.
func (c *Conn) ClientID() uint64 {
	return c.clientID
}

// Deliver queues a frame for the write pump without blocking. It reports
// false when the client's buffer is full or the connection is closing.
func (c *Conn) Deliver(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) rememberRoom(joined *room.Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined[joined.Name()] = joined
}

func (c *Conn) joinedRoom(name string) (*room.Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	joined, ok := c.joined[name]
	return joined, ok
}

func (c *Conn) joinedRooms() []*room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]*room.Room, 0, len(c.joined))
	for _, joined := range c.joined {
		rooms = append(rooms, joined)
	}
	return rooms
}

func (c *Conn) setIdentity(identity auth.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
	c.authed = true
}

func (c *Conn) currentIdentity() (auth.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.authed
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.socket.Close()
	})
}

func (c *Conn) readPump() {
	defer func() {
		c.handler.detach(c)
		c.shutdown()
	}()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.handler.logger.Debug("socket read failed")
			}
			return
		}
		if !c.handler.handleFrame(c, message) {
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
