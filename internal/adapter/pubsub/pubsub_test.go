package pubsub

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	nats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morsel/internal/domain"
	"morsel/internal/infra/config"
)

type collector struct {
	mu   sync.Mutex
	got  []string
	recv chan struct{}
}

func newCollector() *collector { return &collector{recv: make(chan struct{}, 16)} }

func (c *collector) handle(_ context.Context, payload []byte) {
	c.mu.Lock()
	c.got = append(c.got, string(payload))
	c.mu.Unlock()
	c.recv <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	for range n {
		select {
		case <-c.recv:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func TestMemory_FanOutToEverySubscriber(t *testing.T) {
	ps := NewMemory(nil)
	defer ps.Close()
	ctx := context.Background()

	a, b := newCollector(), newCollector()
	unsubA, err := ps.Subscribe(ctx, "room", a.handle)
	require.NoError(t, err)
	defer unsubA()
	unsubB, err := ps.Subscribe(ctx, "room", b.handle)
	require.NoError(t, err)
	defer unsubB()

	require.NoError(t, ps.Publish(ctx, "room", []byte("one")))
	require.NoError(t, ps.Publish(ctx, "room", []byte("two")))

	assert.Equal(t, []string{"one", "two"}, a.wait(t, 2))
	assert.Equal(t, []string{"one", "two"}, b.wait(t, 2))
}

func TestMemory_ChannelsAreIsolated(t *testing.T) {
	ps := NewMemory(nil)
	defer ps.Close()
	ctx := context.Background()

	c := newCollector()
	unsub, err := ps.Subscribe(ctx, "a", c.handle)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, ps.Publish(ctx, "b", []byte("elsewhere")))
	require.NoError(t, ps.Publish(ctx, "a", []byte("here")))
	assert.Equal(t, []string{"here"}, c.wait(t, 1))
}

func TestMemory_UnsubscribeStopsDelivery(t *testing.T) {
	ps := NewMemory(nil)
	defer ps.Close()
	ctx := context.Background()

	c := newCollector()
	unsub, err := ps.Subscribe(ctx, "room", c.handle)
	require.NoError(t, err)
	require.NoError(t, unsub())
	require.NoError(t, unsub(), "unsubscribe is idempotent")

	require.NoError(t, ps.Publish(ctx, "room", []byte("late")))
	select {
	case <-c.recv:
		t.Fatal("delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatermill_CloseOnceForSharedPubSub(t *testing.T) {
	ps := NewMemory(nil)
	require.NoError(t, ps.Close())
	require.NoError(t, ps.Close())
}

func TestNewNATS_DisablesJetStream(t *testing.T) {
	origPub, origSub := NATSPublisherFactory, NATSSubscriberFactory
	defer func() { NATSPublisherFactory, NATSSubscriberFactory = origPub, origSub }()

	var pubCfg nats.PublisherConfig
	var subCfg nats.SubscriberConfig
	mem := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	NATSPublisherFactory = func(cfg nats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return mem, nil
	}
	NATSSubscriberFactory = func(cfg nats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfg = cfg
		return mem, nil
	}

	ps, err := NewNATS("nats://example:4222", nil)
	require.NoError(t, err)
	defer ps.Close()

	assert.Equal(t, "nats://example:4222", pubCfg.URL)
	assert.Equal(t, "nats://example:4222", subCfg.URL)
	assert.True(t, pubCfg.JetStream.Disabled)
	assert.True(t, subCfg.JetStream.Disabled)
}

func TestNewNATS_FactoryErrors(t *testing.T) {
	origPub, origSub := NATSPublisherFactory, NATSSubscriberFactory
	defer func() { NATSPublisherFactory, NATSSubscriberFactory = origPub, origSub }()

	t.Run("publisher", func(t *testing.T) {
		NATSPublisherFactory = func(nats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("pub down")
		}
		_, err := NewNATS("nats://x", nil)
		assert.ErrorContains(t, err, "pub down")
	})

	t.Run("subscriber", func(t *testing.T) {
		NATSPublisherFactory = func(nats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{}), nil
		}
		NATSSubscriberFactory = func(nats.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("sub down")
		}
		_, err := NewNATS("nats://x", nil)
		assert.ErrorContains(t, err, "sub down")
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	ps, err := Open(ctx, config.BackplaneConfig{Kind: "local"}, "o", nil)
	require.NoError(t, err)
	assert.Nil(t, ps)

	ps, err = Open(ctx, config.BackplaneConfig{Kind: "memory"}, "o", nil)
	require.NoError(t, err)
	require.NotNil(t, ps)
	assert.NoError(t, ps.Close())

	_, err = Open(ctx, config.BackplaneConfig{Kind: "carrier-pigeon"}, "o", nil)
	assert.ErrorContains(t, err, "unknown backplane kind")

	_, err = Open(ctx, config.BackplaneConfig{Kind: "redis", RedisURL: "not a url"}, "o", nil)
	assert.ErrorIs(t, err, domain.ErrBackplaneUnavailable)
}

func TestRedis_PublishSubscribe(t *testing.T) {
	url := os.Getenv("MORSEL_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MORSEL_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	ps, err := NewRedis(ctx, url, nil)
	require.NoError(t, err)
	defer ps.Close()

	c := newCollector()
	unsub, err := ps.Subscribe(ctx, "morsel.test", c.handle)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, ps.Publish(ctx, "morsel.test", []byte("hello")))
	assert.Equal(t, []string{"hello"}, c.wait(t, 1))
}
