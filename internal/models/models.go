package models

import (
	"encoding/json"
	"strings"
	"time"
)

// UserID identifies a user and doubles as the name of that user's room.
type UserID string

func (id UserID) String() string { return string(id) }

// Valid reports whether id is non-blank.
func (id UserID) Valid() bool { return strings.TrimSpace(string(id)) != "" }

type User struct {
	ID          UserID    `json:"id" db:"id"`
	Username    string    `json:"username" db:"username"`
	Password    string    `json:"-" db:"password"`
	DisplayName string    `json:"displayName" db:"display_name"`
	Role        string    `json:"role" db:"role"`
	Position    string    `json:"position" db:"position"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// Summary returns the public view of u used in conversation lists.
func (u *User) Summary() PeerSummary {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return PeerSummary{ID: u.ID, Name: name, Role: u.Role, Position: u.Position}
}

type PeerSummary struct {
	ID       UserID `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
	Position string `json:"position,omitempty"`
}

type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentFile  AttachmentType = "file"
)

// AttachmentTypeFor classifies a MIME type.
func AttachmentTypeFor(contentType string) AttachmentType {
	if strings.HasPrefix(contentType, "image/") {
		return AttachmentImage
	}
	return AttachmentFile
}

type Attachment struct {
	URL  string         `json:"url"`
	Type AttachmentType `json:"type"`
	Name string         `json:"name"`
	Size int64          `json:"size"`
}

type Message struct {
	ID         string      `json:"id" db:"id"`
	Sender     UserID      `json:"sender" db:"sender_id"`
	Recipient  UserID      `json:"recipient" db:"recipient_id"`
	Content    string      `json:"content,omitempty" db:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"createdAt" db:"created_at"`
	Deleted    bool        `json:"deleted" db:"deleted"`
}

// Peer returns the other side of the conversation m belongs to, as seen by me.
func (m *Message) Peer(me UserID) UserID {
	if m.Sender == me {
		return m.Recipient
	}
	return m.Sender
}

// Conversation is the per-peer projection returned by the conversations endpoint.
type Conversation struct {
	Peer           PeerSummary `json:"peer"`
	UnreadCount    int         `json:"unreadCount"`
	LastActivityAt time.Time   `json:"lastActivityAt"`
	LastMessage    *Message    `json:"lastMessage,omitempty"`
}

// Request/Response structures
type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	Position    string `json:"position"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      User      `json:"user"`
}

type SendMessageRequest struct {
	Recipient UserID `json:"recipient"`
	Content   string `json:"content"`
}

type ReadResponse struct {
	Peer   UserID `json:"peer"`
	Marked int64  `json:"marked"`
}

// Socket event names.
const (
	EventSystem           = "system"
	EventTyping           = "typing"
	EventNewMessage       = "new_message"
	EventMessageDeleted   = "message_deleted"
	EventConversationRead = "conversation_read"
	EventPing             = "ping"
	EventPong             = "pong"
)

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(eventType string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: eventType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, Payload: data}, nil
}

// TypingRequest is sent by a client announcing it is typing to someone.
type TypingRequest struct {
	To       UserID `json:"to"`
	IsTyping bool   `json:"isTyping"`
}

// TypingNotice is delivered to the room of the user being typed to.
type TypingNotice struct {
	From     UserID `json:"from"`
	IsTyping bool   `json:"isTyping"`
}

type MessageDeleted struct {
	ID        string `json:"id"`
	Sender    UserID `json:"sender"`
	Recipient UserID `json:"recipient"`
}

type ConversationRead struct {
	Peer UserID `json:"peer"`
}
