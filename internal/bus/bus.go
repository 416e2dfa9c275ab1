// Package bus carries per-user socket frames between server instances, so a
// notification raised on one instance reaches tabs connected to another.
package bus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"erpchat/internal/models"
)

var ErrClosed = errors.New("bus closed")

// Handler receives a frame addressed to userID.
type Handler func(userID models.UserID, frame []byte)

// Bus delivers frames published for a user to every subscriber, on every
// instance sharing the bus.
type Bus interface {
	Publish(ctx context.Context, userID models.UserID, frame []byte) error
	Subscribe(h Handler) (unsubscribe func(), err error)
	Close() error
}

// Open picks an implementation from rawURL's scheme: empty or "local" for
// the in-process bus, nats:// or tls:// for NATS, redis:// or rediss:// for
// Redis pub/sub.
func Open(rawURL string, logger zerolog.Logger) (Bus, error) {
	if rawURL == "" || rawURL == "local" {
		return NewLocal(), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing bus url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "local":
		return NewLocal(), nil
	case "nats", "tls":
		return NewNATS(rawURL, logger)
	case "redis", "rediss":
		return NewRedis(rawURL, logger)
	default:
		return nil, fmt.Errorf("unsupported bus scheme %q", u.Scheme)
	}
}

// Local is an in-process Bus. Publish calls every handler synchronously.
type Local struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
	closed   bool
}

func NewLocal() *Local {
	return &Local{handlers: make(map[int]Handler)}
}

func (l *Local) Publish(_ context.Context, userID models.UserID, frame []byte) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		h(userID, frame)
	}
	return nil
}

func (l *Local) Subscribe(h Handler) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	id := l.next
	l.next++
	l.handlers[id] = h
	return func() {
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	}, nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handlers = make(map[int]Handler)
	return nil
}
