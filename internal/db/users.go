package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"erpchat/internal/models"
)

const userColumns = `id, username, password, display_name, role, position, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var (
		user      models.User
		createdAt int64
	)
	if err := row.Scan(&user.ID, &user.Username, &user.Password, &user.DisplayName, &user.Role, &user.Position, &createdAt); err != nil {
		return nil, err
	}
	user.CreatedAt = fromDB(createdAt)
	return &user, nil
}

// CreateUser stores a new user. password must already be hashed.
func (db *DB) CreateUser(ctx context.Context, req models.RegisterRequest, passwordHash string) (*models.User, error) {
	user := &models.User{
		ID:          models.UserID(uuid.NewString()),
		Username:    strings.TrimSpace(req.Username),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Role:        req.Role,
		Position:    req.Position,
		CreatedAt:   db.now().UTC(),
	}
	_, err := db.exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Username, passwordHash, user.DisplayName, user.Role, user.Position, toDB(user.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("username %q: %w", user.Username, ErrConflict)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(db.queryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return user, nil
}

func (db *DB) GetUserByID(ctx context.Context, id models.UserID) (*models.User, error) {
	user, err := scanUser(db.queryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return user, nil
}

// ListUsers returns all users ordered by username.
func (db *DB) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := db.query(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return collectUsers(rows)
}

// SearchUsers matches username or display name case-insensitively, exact
// matches first, then prefixes, then substrings.
func (db *DB) SearchUsers(ctx context.Context, query string) ([]*models.User, error) {
	q := strings.ToLower(query)
	rows, err := db.query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE LOWER(username) LIKE $1 OR LOWER(display_name) LIKE $1
		ORDER BY
			CASE
				WHEN LOWER(username) = $2 THEN 1
				WHEN LOWER(username) LIKE $3 THEN 2
				ELSE 3
			END,
			username
		LIMIT 10
	`, "%"+q+"%", q, q+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]*models.User, error) {
	defer rows.Close()
	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}
