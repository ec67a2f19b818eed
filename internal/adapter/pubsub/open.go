package pubsub

import (
	"context"
	"fmt"
	"log/slog"

	"morsel/internal/domain"
	"morsel/internal/infra/config"
)

// Open builds the substrate named by cfg.Kind. The local kind needs no
// substrate and returns nil. originID keeps per-process queues apart where
// the broker needs one.
func Open(ctx context.Context, cfg config.BackplaneConfig, originID string, logger *slog.Logger) (domain.PubSub, error) {
	switch cfg.Kind {
	case "", "local":
		return nil, nil
	case "memory":
		return NewMemory(logger), nil
	}

	var (
		ps  domain.PubSub
		err error
	)
	switch cfg.Kind {
	case "redis":
		ps, err = NewRedis(ctx, cfg.RedisURL, logger)
	case "nats":
		ps, err = NewNATS(cfg.NATSURL, logger)
	case "amqp":
		ps, err = NewAMQP(cfg.AMQPURL, originID, logger)
	default:
		return nil, fmt.Errorf("unknown backplane kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrBackplaneUnavailable, cfg.Kind, err)
	}
	return ps, nil
}
