package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"erpchat/internal/auth"
	"erpchat/internal/config"
	"erpchat/internal/db"
	"erpchat/internal/logging"
	"erpchat/internal/metrics"
	"erpchat/internal/models"
)

type contextKey string

const (
	userContextKey contextKey = "user"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
	uploadPrefix        = "/uploads/"
)

// Notifier pushes an event to every connection of a user.
type Notifier interface {
	Notify(ctx context.Context, userID models.UserID, event string, payload interface{}) error
}

type Handlers struct {
	db             *db.DB
	hub            Notifier
	auth           *auth.Authenticator
	metrics        *metrics.Metrics
	uploadDir      string
	maxUploadBytes int64
	allowedOrigins []string
	logger         zerolog.Logger
}

func NewHandlers(database *db.DB, hub Notifier, authenticator *auth.Authenticator, m *metrics.Metrics, cfg *config.Config, logger zerolog.Logger) *Handlers {
	if m == nil {
		m = metrics.New()
	}
	return &Handlers{
		db:             database,
		hub:            hub,
		auth:           authenticator,
		metrics:        m,
		uploadDir:      cfg.UploadDir,
		maxUploadBytes: cfg.MaxUploadBytes,
		allowedOrigins: cfg.AllowedOrigins,
		logger:         logging.Component(logger, "api"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func currentUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(userContextKey).(*models.User)
	return user
}

// notify pushes best effort; the request has already succeeded.
func (h *Handlers) notify(ctx context.Context, userID models.UserID, event string, payload interface{}) {
	if err := h.hub.Notify(ctx, userID, event, payload); err != nil {
		h.logger.Warn().Err(err).Str(logging.USER, userID.String()).Str(logging.EVENT, event).Msg("Failed to notify")
	}
}

// Auth handlers
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	user, err := h.db.CreateUser(r.Context(), req, string(hashedPassword))
	if errors.Is(err, db.ErrConflict) {
		writeError(w, http.StatusConflict, "Username already exists")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create user")
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.db.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, expiresAt, err := h.auth.Issue(user)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create token")
		writeError(w, http.StatusInternalServerError, "Failed to create token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})

	user.Password = ""
	writeJSON(w, http.StatusOK, models.LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      *user,
	})
}

func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

// User handlers
func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("search"))

	var (
		users []*models.User
		err   error
	)
	if query != "" {
		users, err = h.db.SearchUsers(r.Context(), query)
	} else {
		users, err = h.db.ListUsers(r.Context())
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to get users")
		writeError(w, http.StatusInternalServerError, "Failed to get users")
		return
	}

	me := currentUser(r)
	response := make([]models.PeerSummary, 0, len(users))
	for _, user := range users {
		if user.ID == me.ID {
			continue
		}
		response = append(response, user.Summary())
	}
	writeJSON(w, http.StatusOK, response)
}

// Conversation handlers
func (h *Handlers) HandleConversations(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	conversations, err := h.db.ListConversations(r.Context(), user.ID)
	if err != nil {
		h.logger.Error().Err(err).Str(logging.USER, user.ID.String()).Msg("Failed to fetch conversations")
		writeError(w, http.StatusInternalServerError, "Failed to fetch conversations")
		return
	}
	if conversations == nil {
		conversations = []*models.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

// HandleMarkRead zeroes the caller's unread count for the peer in the path
// and tells the caller's other tabs.
func (h *Handlers) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	peer := models.UserID(r.PathValue("peer"))
	if !peer.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid peer")
		return
	}

	marked, err := h.db.MarkConversationRead(r.Context(), user.ID, peer)
	if err != nil {
		h.logger.Error().Err(err).Str(logging.PEER, peer.String()).Msg("Failed to mark conversation read")
		writeError(w, http.StatusInternalServerError, "Failed to mark conversation read")
		return
	}
	h.notify(r.Context(), user.ID, models.EventConversationRead, models.ConversationRead{Peer: peer})
	writeJSON(w, http.StatusOK, models.ReadResponse{Peer: peer, Marked: marked})
}

// Message handlers
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	peer := models.UserID(r.URL.Query().Get("peer"))
	if !peer.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid peer")
		return
	}

	limit := defaultMessageLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxMessageLimit)
	}

	messages, err := h.db.ListMessagesBetween(r.Context(), user.ID, peer, limit)
	if err != nil {
		h.logger.Error().Err(err).Str(logging.PEER, peer.String()).Msg("Failed to fetch messages")
		writeError(w, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// HandleSendMessage accepts JSON, or multipart/form-data with recipient,
// content and an optional file part. A message needs content or a file.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	var (
		req        models.SendMessageRequest
		attachment *models.Attachment
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large or malformed")
			return
		}
		defer r.MultipartForm.RemoveAll()

		req.Recipient = models.UserID(r.FormValue("recipient"))
		req.Content = r.FormValue("content")
		if file, header, err := r.FormFile("file"); err == nil {
			defer file.Close()
			attachment, err = h.saveUpload(file, header)
			if err != nil {
				h.logger.Error().Err(err).Msg("Failed to store upload")
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		} else if !errors.Is(err, http.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, "Invalid file")
			return
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" && attachment == nil {
		writeError(w, http.StatusBadRequest, "Message needs content or an attachment")
		return
	}
	if !req.Recipient.Valid() || req.Recipient == user.ID {
		writeError(w, http.StatusBadRequest, "Invalid recipient")
		return
	}
	if _, err := h.db.GetUserByID(r.Context(), req.Recipient); err != nil {
		writeError(w, http.StatusNotFound, "Recipient not found")
		return
	}

	msg, err := h.db.CreateMessage(r.Context(), user.ID, req.Recipient, req.Content, attachment)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to save message")
		writeError(w, http.StatusInternalServerError, "Failed to save message")
		return
	}

	h.notify(r.Context(), msg.Recipient, models.EventNewMessage, msg)
	// the sender's other tabs
	h.notify(r.Context(), msg.Sender, models.EventNewMessage, msg)

	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handlers) saveUpload(file multipart.File, header *multipart.FileHeader) (*models.Attachment, error) {
	if header.Size > h.maxUploadBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", h.maxUploadBytes)
	}
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return nil, err
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		sniff := make([]byte, 512)
		n, _ := io.ReadFull(file, sniff)
		contentType = http.DetectContentType(sniff[:n])
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(header.Filename))
	dst, err := os.Create(filepath.Join(h.uploadDir, name))
	if err != nil {
		return nil, err
	}
	defer dst.Close()
	size, err := io.Copy(dst, file)
	if err != nil {
		return nil, err
	}

	return &models.Attachment{
		URL:  uploadPrefix + name,
		Type: models.AttachmentTypeFor(contentType),
		Name: filepath.Base(header.Filename),
		Size: size,
	}, nil
}

func (h *Handlers) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	id := r.PathValue("id")

	msg, err := h.db.SoftDeleteMessage(r.Context(), id, user.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "Message not found")
		return
	case errors.Is(err, db.ErrForbidden):
		writeError(w, http.StatusForbidden, "Only the sender can delete a message")
		return
	case err != nil:
		h.logger.Error().Err(err).Str(logging.MESSAGE, id).Msg("Failed to delete message")
		writeError(w, http.StatusInternalServerError, "Failed to delete message")
		return
	}

	notice := models.MessageDeleted{ID: msg.ID, Sender: msg.Sender, Recipient: msg.Recipient}
	h.notify(r.Context(), msg.Recipient, models.EventMessageDeleted, notice)
	h.notify(r.Context(), msg.Sender, models.EventMessageDeleted, notice)

	writeJSON(w, http.StatusOK, msg)
}
