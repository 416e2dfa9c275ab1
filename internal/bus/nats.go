package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"erpchat/internal/logging"
	"erpchat/internal/models"
)

const natsSubjectPrefix = "chat.user."

// NATS fans frames out over subjects chat.user.<userID>.
type NATS struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func NewNATS(url string, logger zerolog.Logger) (*NATS, error) {
	logger = logging.Component(logger, "bus").With().Str("transport", "nats").Logger()
	conn, err := nats.Connect(url,
		nats.Name("erpchat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATS{conn: conn, logger: logger}, nil
}

// natsSubject rejects ids that would change the subject's token structure.
func natsSubject(userID models.UserID) (string, error) {
	id := string(userID)
	if !userID.Valid() || strings.ContainsAny(id, ".*> \t\r\n") {
		return "", fmt.Errorf("user id %q is not a valid subject token", id)
	}
	return natsSubjectPrefix + id, nil
}

func (n *NATS) Publish(_ context.Context, userID models.UserID, frame []byte) error {
	subject, err := natsSubject(userID)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(subject, frame); err != nil {
		if n.conn.IsClosed() {
			return ErrClosed
		}
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) Subscribe(h Handler) (func(), error) {
	sub, err := n.conn.Subscribe(natsSubjectPrefix+"*", func(msg *nats.Msg) {
		h(models.UserID(strings.TrimPrefix(msg.Subject, natsSubjectPrefix)), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing: %w", err)
	}
	// Make sure the server knows about the subscription before returning.
	if err := n.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && !n.conn.IsClosed() {
			n.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
	}, nil
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
