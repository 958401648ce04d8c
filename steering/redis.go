package steering

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisRelay lets processes other than the one running the loop steer it.
// Text is published on steer:<session> and forwarded into the run's Channel.
type RedisRelay struct {
	client *redis.Client
}

// NewRedisRelay connects to Redis and verifies the connection.
func NewRedisRelay(ctx context.Context, addr, password string, db int) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "steering: ping redis")
	}
	return &RedisRelay{client: client}, nil
}

// Close releases the client.
func (r *RedisRelay) Close() error {
	if err := r.client.Close(); err != nil {
		return errors.Wrap(err, "steering: close redis")
	}
	return nil
}

// Topic returns the pub/sub channel for a session.
func Topic(sessionID string) string {
	return "steer:" + sessionID
}

// Publish sends text to whichever process runs the session. It reports an
// error when no subscriber received it.
func (r *RedisRelay) Publish(ctx context.Context, sessionID, text string) error {
	n, err := r.client.Publish(ctx, Topic(sessionID), text).Result()
	if err != nil {
		return errors.Wrapf(err, "steering: publish to %s", Topic(sessionID))
	}
	if n == 0 {
		return errors.Errorf("no active run is listening for session %s", sessionID)
	}
	return nil
}

// Forward subscribes to the session topic and sends each message into ch
// until ctx ends or ch closes. It returns once the subscription is live.
func (r *RedisRelay) Forward(ctx context.Context, sessionID string, ch *Channel) error {
	sub := r.client.Subscribe(ctx, Topic(sessionID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return errors.Wrapf(err, "steering: subscribe to %s", Topic(sessionID))
	}

	ctx, cancel := context.WithCancel(ctx)
	ch.OnClose(cancel)
	msgs := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if err := ch.Send(msg.Payload); err != nil {
					if errors.Is(err, ErrClosed) {
						return
					}
					log.Debug().Err(err).Str("session", sessionID).Msg("steering: dropped relayed message")
				}
			}
		}
	}()
	return nil
}
