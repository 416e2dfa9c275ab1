package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"erpchat/internal/logging"
	"erpchat/internal/models"
)

const redisChannelPrefix = "chat:user:"

// Redis fans frames out over pub/sub channels chat:user:<userID>.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedis(url string, logger zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Redis{
		client: client,
		logger: logging.Component(logger, "bus").With().Str("transport", "redis").Logger(),
	}, nil
}

func (r *Redis) Publish(ctx context.Context, userID models.UserID, frame []byte) error {
	if !userID.Valid() {
		return fmt.Errorf("invalid user id %q", userID)
	}
	if err := r.client.Publish(ctx, redisChannelPrefix+string(userID), frame).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("publishing for %s: %w", userID, err)
	}
	return nil
}

func (r *Redis) Subscribe(h Handler) (func(), error) {
	ctx := context.Background()
	pubsub := r.client.PSubscribe(ctx, redisChannelPrefix+"*")
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			h(models.UserID(strings.TrimPrefix(msg.Channel, redisChannelPrefix)), []byte(msg.Payload))
		}
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
		<-done
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
