package websocket

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"erpchat/internal/logging"
	"erpchat/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// State is a connection's position in its lifecycle. Rejected handshakes
// never produce a Client, so there is no rejected state.
type State int32

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one authenticated socket. Its room is always its own UserID.
type Client struct {
	ID     string
	UserID models.UserID

	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	state  atomic.Int32
	logger zerolog.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, userID models.UserID) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	c.logger = hub.logger.With().Str(logging.USER, userID.String()).Str(logging.CONN, c.ID).Logger()
	return c
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// ReadPump reads frames in arrival order and dispatches each one. It leaves
// the room when the connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("unexpected close")
			}
			return
		}
		c.hub.dispatch(c, message)
	}
}

// WritePump writes queued frames and keepalive pings. It exits when the
// hub closes the send channel or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
