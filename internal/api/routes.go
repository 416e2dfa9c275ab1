package api

import (
	"net/http"
)

// Routes mounts the API, the uploads directory and, when non-nil, the socket
// endpoint and metrics handler. The socket endpoint bypasses request logging
// and CORS since it authenticates on its own.
func (h *Handlers) Routes(ws http.Handler, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()

	// Auth endpoints
	mux.HandleFunc("POST /api/auth/register", h.logRequest("register", h.HandleRegister))
	mux.HandleFunc("POST /api/auth/login", h.logRequest("login", h.HandleLogin))
	mux.HandleFunc("POST /api/auth/logout", h.logRequest("logout", h.HandleLogout))
	mux.HandleFunc("GET /api/auth/verify", h.logRequest("verify", h.WithAuth(h.HandleVerify)))

	// User endpoints
	mux.HandleFunc("GET /api/users", h.logRequest("users", h.WithAuth(h.HandleUsers)))

	// Conversation endpoints
	mux.HandleFunc("GET /api/conversations", h.logRequest("conversations", h.WithAuth(h.HandleConversations)))
	mux.HandleFunc("POST /api/conversations/{peer}/read", h.logRequest("mark_read", h.WithAuth(h.HandleMarkRead)))

	// Message endpoints
	mux.HandleFunc("GET /api/messages", h.logRequest("messages", h.WithAuth(h.HandleMessages)))
	mux.HandleFunc("POST /api/messages", h.logRequest("send_message", h.WithAuth(h.HandleSendMessage)))
	mux.HandleFunc("DELETE /api/messages/{id}", h.logRequest("delete_message", h.WithAuth(h.HandleDeleteMessage)))

	mux.Handle("GET "+uploadPrefix, http.StripPrefix(uploadPrefix, http.FileServer(http.Dir(h.uploadDir))))

	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	api := h.WithCORS(mux)
	if ws == nil {
		return api
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			ws.ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}
