package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ensemble-studio/ensemble/internal/access"
	"github.com/ensemble-studio/ensemble/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20
	sendBufferSize = 256
)

var errConnClosed = errors.New("server: connection closed")

// relayConn adapts a websocket to the room.Conn contract. Outbound frames
// are enqueued on a buffered channel drained by writePump; a peer too slow
// to drain its buffer is treated as failed rather than allowed to stall the
// actor.
type relayConn struct {
	clientID string
	userID   string
	userName string
	role     access.Role

	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newRelayConn(ws *websocket.Conn, clientID, userID, userName string, role access.Role, logger *zap.Logger) *relayConn {
	return &relayConn{
		clientID: clientID,
		userID:   userID,
		userName: userName,
		role:     role,
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		closed:   make(chan struct{}),
		logger:   logger,
	}
}

func (c *relayConn) ClientID() string  { return c.clientID }
func (c *relayConn) UserID() string    { return c.userID }
func (c *relayConn) UserName() string  { return c.userName }
func (c *relayConn) Role() access.Role { return c.role }

// Send enqueues a frame without blocking the actor.
func (c *relayConn) Send(frame []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return errConnClosed
	default:
		return errors.New("server: send buffer full")
	}
}

// Close is idempotent and unblocks both pumps.
func (c *relayConn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// readPump delivers inbound frames to the actor until the socket errors,
// then detaches.
func (c *relayConn) readPump(actor *room.Actor) {
	defer func() {
		actor.Detach(c)
		c.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("relay read ended",
					zap.String("client_id", c.clientID),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		actor.Receive(c, raw)
	}
}

// writePump drains the send buffer onto the socket and keeps the connection
// alive with pings.
func (c *relayConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
