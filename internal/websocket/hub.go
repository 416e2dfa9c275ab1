package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"erpchat/internal/bus"
	"erpchat/internal/logging"
	"erpchat/internal/metrics"
	"erpchat/internal/models"
)

var ErrHubStopped = errors.New("hub stopped")

type membership struct {
	client *Client
	done   chan struct{}
}

// Hub is the room registry. Every connection of a user is a member of the
// room named after that user's id; pushes addressed to the user go to all of
// them. Membership changes are serialized through Run.
type Hub struct {
	rooms      map[models.UserID]map[*Client]struct{}
	register   chan membership
	unregister chan membership
	stopped    chan struct{}
	mu         sync.RWMutex
	bus        bus.Bus
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

func NewHub(b bus.Bus, m *metrics.Metrics, logger zerolog.Logger) *Hub {
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		rooms:      make(map[models.UserID]map[*Client]struct{}),
		register:   make(chan membership),
		unregister: make(chan membership),
		stopped:    make(chan struct{}),
		bus:        b,
		metrics:    m,
		logger:     logging.Component(logger, "websocket"),
	}
}

// Run processes joins and leaves and relays bus deliveries to local rooms
// until ctx is done. On return every remaining connection is closed.
func (h *Hub) Run(ctx context.Context) error {
	unsubscribe, err := h.bus.Subscribe(h.deliver)
	if err != nil {
		close(h.stopped)
		return fmt.Errorf("subscribing to bus: %w", err)
	}
	defer unsubscribe()
	defer close(h.stopped)
	defer h.closeAll()

	h.logger.Info().Msg("WebSocket hub started")
	for {
		select {
		case m := <-h.register:
			h.join(m.client)
			close(m.done)

		case m := <-h.unregister:
			h.leave(m.client)
			close(m.done)

		case <-ctx.Done():
			h.logger.Info().Msg("WebSocket hub stopping")
			return nil
		}
	}
}

func (h *Hub) join(c *Client) {
	h.mu.Lock()
	room, ok := h.rooms[c.UserID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[c.UserID] = room
	}
	room[c] = struct{}{}
	size := len(room)
	h.mu.Unlock()

	c.setState(StateJoined)
	h.metrics.Connections.Inc()
	h.logger.Info().
		Str(logging.ROOM, c.UserID.String()).
		Str(logging.CONN, c.ID).
		Int("roomSize", size).
		Msg("Client connected")

	welcome, err := models.NewEnvelope(models.EventSystem, map[string]interface{}{
		"message":      "Connected to chat server",
		"userId":       c.UserID,
		"connectionId": c.ID,
	})
	if err == nil {
		if data, err := json.Marshal(welcome); err == nil {
			c.send <- data
		}
	}
}

// leave removes c from its room and closes its send channel. It is a no-op
// for clients that already left.
func (h *Hub) leave(c *Client) {
	h.mu.Lock()
	room, ok := h.rooms[c.UserID]
	if ok {
		_, ok = room[c]
	}
	var size int
	if ok {
		delete(room, c)
		size = len(room)
		if size == 0 {
			delete(h.rooms, c.UserID)
		}
		close(c.send)
	}
	h.mu.Unlock()

	if ok {
		c.setState(StateClosed)
		h.metrics.Connections.Dec()
		h.logger.Info().
			Str(logging.ROOM, c.UserID.String()).
			Str(logging.CONN, c.ID).
			Int("roomSize", size).
			Msg("Client disconnected")
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	var clients []*Client
	for _, room := range h.rooms {
		for c := range room {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.leave(c)
	}
}

// Join adds c to the room of its user and blocks until the hub applied it.
func (h *Hub) Join(c *Client) error {
	return h.send(h.register, c)
}

// Leave removes c from its room and blocks until the hub applied it.
func (h *Hub) Leave(c *Client) error {
	return h.send(h.unregister, c)
}

func (h *Hub) send(ch chan membership, c *Client) error {
	m := membership{client: c, done: make(chan struct{})}
	select {
	case ch <- m:
	case <-h.stopped:
		return ErrHubStopped
	}
	<-m.done
	return nil
}

// RoomSize returns the number of local connections in userID's room.
func (h *Hub) RoomSize(userID models.UserID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Rooms lists the users with at least one local connection.
func (h *Hub) Rooms() []models.UserID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]models.UserID, 0, len(h.rooms))
	for id := range h.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

// Notify pushes event to every connection of userID, on this instance and
// on any other instance sharing the bus. Delivery is best effort: users with
// no connection simply miss the push.
func (h *Hub) Notify(ctx context.Context, userID models.UserID, event string, payload interface{}) error {
	if !userID.Valid() {
		return fmt.Errorf("notify %s: empty user id", event)
	}
	envelope, err := models.NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", event, err)
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshaling %s envelope: %w", event, err)
	}
	if err := h.bus.Publish(ctx, userID, data); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", event, userID, err)
	}
	h.metrics.Notifications.WithLabelValues(event).Inc()
	return nil
}

// deliver writes frame to every local connection in userID's room. A
// connection whose send buffer is full is dropped.
func (h *Hub) deliver(userID models.UserID, frame []byte) {
	var slow []*Client

	h.mu.RLock()
	for c := range h.rooms[userID] {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().
			Str(logging.ROOM, userID.String()).
			Str(logging.CONN, c.ID).
			Msg("Send buffer full, removing client")
		go h.Leave(c)
	}
}
