package websocket

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"erpchat/internal/auth"
	"erpchat/internal/logging"
	"erpchat/internal/metrics"
)

// Handler performs the socket handshake: authenticate, upgrade, join.
type Handler struct {
	hub      *Hub
	auth     *auth.Authenticator
	upgrader websocket.Upgrader
}

// NewHandler accepts upgrades from allowedOrigins, or from any origin when
// the list contains "*". An empty list accepts only the server's own
// origin. Requests without an Origin header are always accepted.
func NewHandler(hub *Hub, authenticator *auth.Authenticator, allowedOrigins []string) *Handler {
	return &Handler{
		hub:  hub,
		auth: authenticator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(allowed) == 0 {
			return sameOrigin(origin, r.Host)
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func sameOrigin(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, host)
}

// ServeHTTP rejects the handshake with 401 before upgrading when the
// credential is missing or invalid, so a rejected handshake never creates a
// client or touches a room.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		h.hub.metrics.Handshakes.WithLabelValues(metrics.HandshakeRejected).Inc()
		h.hub.logger.Info().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket handshake rejected")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.hub.metrics.Handshakes.WithLabelValues(metrics.HandshakeRejected).Inc()
		h.hub.logger.Warn().Err(err).Str(logging.USER, identity.UserID.String()).Msg("Failed to upgrade connection")
		return
	}

	client := NewClient(h.hub, conn, identity.UserID)
	if err := h.hub.Join(client); err != nil {
		h.hub.logger.Warn().Err(err).Msg("Failed to join room")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	h.hub.metrics.Handshakes.WithLabelValues(metrics.HandshakeAccepted).Inc()

	go client.WritePump()
	go client.ReadPump()
}
