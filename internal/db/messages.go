package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"erpchat/internal/models"
)

const messageColumns = `id, sender_id, recipient_id, content, attachment_url, attachment_type, attachment_name, attachment_size, created_at, deleted`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var (
		msg             models.Message
		url, kind, name sql.NullString
		size            sql.NullInt64
		createdAt       int64
		deleted         int
	)
	if err := row.Scan(&msg.ID, &msg.Sender, &msg.Recipient, &msg.Content, &url, &kind, &name, &size, &createdAt, &deleted); err != nil {
		return nil, err
	}
	if url.Valid && url.String != "" {
		msg.Attachment = &models.Attachment{
			URL:  url.String,
			Type: models.AttachmentType(kind.String),
			Name: name.String,
			Size: size.Int64,
		}
	}
	msg.CreatedAt = fromDB(createdAt)
	msg.Deleted = deleted != 0
	return &msg, nil
}

// CreateMessage persists a direct message from sender to recipient and
// returns it with its id and timestamp assigned.
func (db *DB) CreateMessage(ctx context.Context, sender, recipient models.UserID, content string, attachment *models.Attachment) (*models.Message, error) {
	msg := &models.Message{
		ID:         uuid.NewString(),
		Sender:     sender,
		Recipient:  recipient,
		Content:    content,
		Attachment: attachment,
		CreatedAt:  db.now().UTC(),
	}

	var url, kind, name sql.NullString
	var size sql.NullInt64
	if attachment != nil {
		url = sql.NullString{String: attachment.URL, Valid: true}
		kind = sql.NullString{String: string(attachment.Type), Valid: true}
		name = sql.NullString{String: attachment.Name, Valid: true}
		size = sql.NullInt64{Int64: attachment.Size, Valid: true}
	}

	_, err := db.exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
	`, msg.ID, msg.Sender, msg.Recipient, msg.Content, url, kind, name, size, toDB(msg.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return msg, nil
}

func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(db.queryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return msg, nil
}

// ListMessagesBetween returns the most recent limit messages exchanged by a
// and b, oldest first. Deleted messages are included with their flag set so
// clients can retract them.
func (db *DB) ListMessagesBetween(ctx context.Context, a, b models.UserID, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// SoftDeleteMessage retracts a message. Only its sender may do so. The
// content and attachment are cleared; the row stays so both sides learn
// about the deletion on their next fetch. Deleting twice is not an error.
func (db *DB) SoftDeleteMessage(ctx context.Context, id string, requester models.UserID) (*models.Message, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	msg, err := scanMessage(tx.QueryRowContext(ctx,
		db.rebind(`SELECT `+messageColumns+` FROM messages WHERE id = $1`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	if msg.Sender != requester {
		return nil, fmt.Errorf("message %s belongs to %s: %w", id, msg.Sender, ErrForbidden)
	}

	if _, err := tx.ExecContext(ctx, db.rebind(`
		UPDATE messages
		SET deleted = 1, content = '', attachment_url = NULL, attachment_type = NULL,
			attachment_name = NULL, attachment_size = NULL
		WHERE id = $1
	`), id); err != nil {
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	msg.Deleted = true
	msg.Content = ""
	msg.Attachment = nil
	return msg, nil
}

// ListConversations returns one entry per peer user has exchanged messages
// with, most recently active first. UnreadCount counts undeleted messages
// sent to user that have not been marked read.
func (db *DB) ListConversations(ctx context.Context, user models.UserID) ([]*models.Conversation, error) {
	rows, err := db.query(ctx, `
		SELECT u.id, u.username, u.password, u.display_name, u.role, u.position, u.created_at,
			c.last_at, c.unread
		FROM (
			SELECT peer_id, MAX(created_at) AS last_at,
				SUM(CASE WHEN recipient_id = $1 AND read_at IS NULL AND deleted = 0 THEN 1 ELSE 0 END) AS unread
			FROM (
				SELECT CASE WHEN sender_id = $1 THEN recipient_id ELSE sender_id END AS peer_id,
					recipient_id, created_at, read_at, deleted
				FROM messages
				WHERE sender_id = $1 OR recipient_id = $1
			) m
			GROUP BY peer_id
		) c
		JOIN users u ON u.id = c.peer_id
		ORDER BY c.last_at DESC, u.id ASC
	`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		var (
			peer   models.User
			joined int64
			lastAt int64
			unread int64
		)
		if err := rows.Scan(&peer.ID, &peer.Username, &peer.Password, &peer.DisplayName, &peer.Role, &peer.Position, &joined, &lastAt, &unread); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, &models.Conversation{
			Peer:           peer.Summary(),
			UnreadCount:    int(unread),
			LastActivityAt: fromDB(lastAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	rows.Close()

	for _, conv := range conversations {
		last, err := db.ListMessagesBetween(ctx, user, conv.Peer.ID, 1)
		if err != nil {
			return nil, err
		}
		if len(last) == 1 {
			conv.LastMessage = last[0]
		}
	}
	return conversations, nil
}

// MarkConversationRead marks every message peer sent to user as read and
// returns how many were newly marked.
func (db *DB) MarkConversationRead(ctx context.Context, user, peer models.UserID) (int64, error) {
	result, err := db.exec(ctx, `
		UPDATE messages SET read_at = $3
		WHERE recipient_id = $1 AND sender_id = $2 AND read_at IS NULL
	`, user, peer, toDB(db.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return result.RowsAffected()
}
