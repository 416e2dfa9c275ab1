package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"erpchat/internal/logging"
	"erpchat/internal/metrics"
	"erpchat/internal/models"
)

// dispatch handles one inbound frame. Malformed or unknown events are
// dropped; a failing handler never takes the read loop down with it.
func (h *Hub) dispatch(c *Client, frame []byte) {
	var envelope models.Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		h.metrics.Events.WithLabelValues("invalid", metrics.EventDropped).Inc()
		c.logger.Debug().Err(err).Msg("dropping malformed frame")
		return
	}

	result := metrics.EventHandled
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str(logging.EVENT, envelope.Type).Msg("event handler panicked")
			result = metrics.EventFailed
		}
		h.metrics.Events.WithLabelValues(eventLabel(envelope.Type), result).Inc()
	}()

	var err error
	switch envelope.Type {
	case models.EventTyping:
		err = h.handleTyping(c, envelope.Payload)
	case models.EventPing:
		err = h.handlePing(c, envelope.Payload)
	default:
		err = fmt.Errorf("unknown event %q", envelope.Type)
	}
	if err != nil {
		result = metrics.EventDropped
		c.logger.Debug().Err(err).Str(logging.EVENT, envelope.Type).Msg("dropping event")
	}
}

// eventLabel bounds the cardinality of the events metric.
func eventLabel(event string) string {
	switch event {
	case models.EventTyping, models.EventPing:
		return event
	default:
		return "unknown"
	}
}

// handleTyping forwards {to, isTyping} to the room of to as
// {from, isTyping}. At most once, nothing is stored.
func (h *Hub) handleTyping(c *Client, payload json.RawMessage) error {
	var req models.TypingRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decoding typing payload: %w", err)
	}
	if !req.To.Valid() {
		return fmt.Errorf("typing event without recipient")
	}
	return h.Notify(context.Background(), req.To, models.EventTyping, models.TypingNotice{
		From:     c.UserID,
		IsTyping: req.IsTyping,
	})
}

// handlePing echoes the payload back to the sending connection only.
func (h *Hub) handlePing(c *Client, payload json.RawMessage) error {
	data, err := json.Marshal(models.Envelope{Type: models.EventPong, Payload: payload})
	if err != nil {
		return err
	}
	if !h.sendTo(c, data) {
		return fmt.Errorf("connection %s is gone or backed up", c.ID)
	}
	return nil
}

// sendTo queues frame for c alone, if c is still joined.
func (h *Hub) sendTo(c *Client, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.rooms[c.UserID][c]; !ok {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}
