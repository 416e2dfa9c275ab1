// Package auth verifies the bearer credentials presented on socket
// handshakes and HTTP requests, and issues them on login.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"erpchat/internal/clock"
	"erpchat/internal/models"
)

const (
	// CookieName carries the token set at login. Browsers send it on the
	// websocket handshake, so it is the handshake's auth field.
	CookieName = "auth_token"
	// QueryParam is the query string fallback for clients that cannot set
	// cookies or headers on the upgrade request.
	QueryParam = "token"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrMissingToken    = fmt.Errorf("%w: missing token", ErrUnauthenticated)
	ErrInvalidToken    = fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	ErrExpiredToken    = fmt.Errorf("%w: token expired", ErrUnauthenticated)
)

// Claims is the token payload. The user id is carried in user_id, with the
// registered sub claim accepted as a fallback.
type Claims struct {
	UserID models.UserID `json:"user_id,omitempty"`
	Role   string        `json:"role,omitempty"`
	jwt.StandardClaims
}

// Identity is what a verified token proves.
type Identity struct {
	UserID    models.UserID
	Role      string
	ExpiresAt time.Time
}

type Authenticator struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func New(secret string, ttl time.Duration, clk clock.Clock) *Authenticator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, clock: clk}
}

// TokenFromRequest returns the first credential found, checking the auth
// cookie, then the token query parameter, then the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if token := r.URL.Query().Get(QueryParam); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// Authenticate extracts and verifies the credential on r.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	return a.Verify(token)
}

// Verify checks the signature (HS256 family only), the expiry and the
// presence of a user id.
func (a *Authenticator) Verify(tokenString string) (Identity, error) {
	claims := &Claims{}
	parser := &jwt.Parser{SkipClaimsValidation: true}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	now := a.clock.Now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return Identity{}, ErrExpiredToken
	}

	userID := claims.UserID
	if !userID.Valid() {
		userID = models.UserID(claims.Subject)
	}
	if !userID.Valid() {
		return Identity{}, fmt.Errorf("%w: no user id in token", ErrInvalidToken)
	}

	return Identity{
		UserID:    userID,
		Role:      claims.Role,
		ExpiresAt: time.Unix(claims.ExpiresAt, 0),
	}, nil
}

// Issue signs a token for user valid for the authenticator's ttl.
func (a *Authenticator) Issue(user *models.User) (string, time.Time, error) {
	now := a.clock.Now()
	expiresAt := now.Add(a.ttl)
	claims := Claims{
		UserID: user.ID,
		Role:   user.Role,
		StandardClaims: jwt.StandardClaims{
			Subject:   string(user.ID),
			IssuedAt:  now.Unix(),
			ExpiresAt: expiresAt.Unix(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expiresAt, nil
}
