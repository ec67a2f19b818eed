package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"morsel/internal/domain"
)

// Redis is a domain.PubSub over Redis PUBLISH/SUBSCRIBE.
type Redis struct {
	client *goredis.Client
	logger *slog.Logger
}

var _ domain.PubSub = (*Redis)(nil)

// NewRedis connects to the server at url (redis://...).
func NewRedis(ctx context.Context, url string, logger *slog.Logger) (*Redis, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	r := NewRedisClient(goredis.NewClient(opts), logger)
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *goredis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger}
}

// Ping checks the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe waits for the server to confirm the subscription before
// returning, so publishes made afterwards are not missed.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler domain.MessageHandler) (func() error, error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				handler(ctx, []byte(msg.Payload))
			}
		}
	}()

	var once sync.Once
	var closeErr error
	return func() error {
		once.Do(func() {
			cancel()
			closeErr = sub.Close()
			<-done
		})
		return closeErr
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
