package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/tomb.v2"

	"erpchat/internal/models"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
)

// Session is one authenticated realtime connection. It is created by
// Store.Connect and replaced, never revived, after the transport drops.
type Session struct {
	ID     string
	UserID models.UserID

	conn    *websocket.Conn
	writeMu sync.Mutex
	t       tomb.Tomb
}

// socketURL maps the API base onto the ws endpoint.
func socketURL(base *url.URL) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = base.Path + "/ws"
	u.RawQuery = ""
	return u.String()
}

// dial performs the authenticated handshake and waits for the server to
// confirm the room join.
func dial(ctx context.Context, dialer *websocket.Dialer, base *url.URL, token string) (*Session, error) {
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := dialer.DialContext(ctx, socketURL(base), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return nil, readAPIError(resp)
		}
		return nil, fmt.Errorf("dialing chat socket: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var welcome models.Envelope
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("waiting for join confirmation: %w", err)
	}
	if welcome.Type != models.EventSystem {
		conn.Close()
		return nil, fmt.Errorf("unexpected first event %q", welcome.Type)
	}
	var joined struct {
		UserID       models.UserID `json:"userId"`
		ConnectionID string        `json:"connectionId"`
	}
	if err := json.Unmarshal(welcome.Payload, &joined); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decoding join confirmation: %w", err)
	}
	if !joined.UserID.Valid() {
		conn.Close()
		return nil, fmt.Errorf("join confirmation names no user")
	}
	conn.SetReadDeadline(time.Time{})

	return &Session{ID: joined.ConnectionID, UserID: joined.UserID, conn: conn}, nil
}

// start reads events in arrival order and hands each to handle until the
// connection fails or the session is closed.
func (s *Session) start(handle func(models.Envelope)) {
	s.t.Go(func() error {
		for {
			var envelope models.Envelope
			if err := s.conn.ReadJSON(&envelope); err != nil {
				select {
				case <-s.t.Dying():
					return nil
				default:
					return err
				}
			}
			handle(envelope)
		}
	})
}

// Emit writes one event. Writes from different goroutines are serialized.
func (s *Session) Emit(event string, payload interface{}) error {
	envelope, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(envelope)
}

// Dead is closed once the read loop has stopped.
func (s *Session) Dead() <-chan struct{} { return s.t.Dead() }

// Err reports why the read loop stopped, or tomb.ErrStillAlive.
func (s *Session) Err() error { return s.t.Err() }

// Close shuts the connection and waits for the read loop.
func (s *Session) Close() error {
	s.t.Kill(nil)
	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	s.conn.Close()
	return s.t.Wait()
}
