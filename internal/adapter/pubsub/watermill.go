// Package pubsub provides the substrates a scale-out backplane relays over.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	nats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"morsel/internal/domain"
)

// Factories are swapped in tests.
var (
	GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		ps := gochannel.NewGoChannel(cfg, logger)
		return ps, ps
	}
	NATSPublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
	NATSSubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nats.NewSubscriber(cfg, logger)
	}
)

// Watermill adapts a watermill publisher/subscriber pair to domain.PubSub.
// Channels map to watermill topics.
type Watermill struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger *slog.Logger

	onClose   func() error
	closeOnce sync.Once
	closeErr  error
}

var _ domain.PubSub = (*Watermill)(nil)

// NewWatermill wraps pub and sub. When both are the same value it is closed once.
func NewWatermill(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *Watermill {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watermill{pub: pub, sub: sub, logger: logger}
}

// NewMemory returns an in-process substrate. Every backplane sharing the
// returned value sees every relay, which is how tests run several
// "processes" in one binary.
func NewMemory(logger *slog.Logger) *Watermill {
	if logger == nil {
		logger = slog.Default()
	}
	pub, sub := GoChannelFactory(gochannel.Config{OutputChannelBuffer: 256}, watermill.NewSlogLogger(logger))
	return NewWatermill(pub, sub, logger)
}

// NewNATS connects to a NATS server using core (non-JetStream) subjects so
// that every subscriber receives every relay.
func NewNATS(url string, logger *slog.Logger) (*Watermill, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wlog := watermill.NewSlogLogger(logger)
	marshaler := &nats.NATSMarshaler{}
	js := nats.JetStreamConfig{Disabled: true}

	pub, err := NATSPublisherFactory(nats.PublisherConfig{
		URL:       url,
		Marshaler: marshaler,
		JetStream: js,
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("nats publisher: %w", err)
	}
	sub, err := NATSSubscriberFactory(nats.SubscriberConfig{
		URL:         url,
		Unmarshaler: marshaler,
		JetStream:   js,
	}, wlog)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("nats subscriber: %w", err)
	}
	return NewWatermill(pub, sub, logger), nil
}

// NewAMQP connects to a RabbitMQ broker with a fanout exchange per channel.
// queueSuffix must be unique per process so each process gets its own queue.
func NewAMQP(url, queueSuffix string, logger *slog.Logger) (*Watermill, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wlog := watermill.NewSlogLogger(logger)
	cfg := amqp.NewNonDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(queueSuffix))

	conn, err := amqp.NewConnection(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("amqp connect: %w", err)
	}
	pub, err := amqp.NewPublisherWithConnection(cfg, wlog, conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp publisher: %w", err)
	}
	sub, err := amqp.NewSubscriberWithConnection(cfg, wlog, conn)
	if err != nil {
		_ = pub.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp subscriber: %w", err)
	}
	w := NewWatermill(pub, sub, logger)
	w.onClose = conn.Close
	return w, nil
}

// Publish sends payload on channel.
func (w *Watermill) Publish(ctx context.Context, channel string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := w.pub.Publish(channel, msg); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers every message on channel to handler, acking each after
// the handler returns.
func (w *Watermill) Subscribe(ctx context.Context, channel string, handler domain.MessageHandler) (func() error, error) {
	ctx, cancel := context.WithCancel(ctx)
	msgs, err := w.sub.Subscribe(ctx, channel)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgs {
			handler(ctx, msg.Payload)
			msg.Ack()
		}
	}()

	var once sync.Once
	return func() error {
		once.Do(func() {
			cancel()
			<-done
		})
		return nil
	}, nil
}

// Close closes the publisher and subscriber.
func (w *Watermill) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.pub.Close()
		if any(w.sub) != any(w.pub) {
			if err := w.sub.Close(); w.closeErr == nil {
				w.closeErr = err
			}
		}
		if w.onClose != nil {
			if err := w.onClose(); w.closeErr == nil {
				w.closeErr = err
			}
		}
	})
	return w.closeErr
}
