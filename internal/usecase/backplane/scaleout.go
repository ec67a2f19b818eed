package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"morsel/internal/domain"
	"morsel/internal/infra/metrics"
	"morsel/internal/infra/tracer"
)

// Default breaker settings for relay publishing.
const (
	defaultMaxFailures uint32        = 5
	defaultOpenTimeout time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
	defaultPrefix                    = "morsel"
)

// BreakerSettings configures the circuit breaker guarding relay publishes.
type BreakerSettings struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// ScaleoutOptions configures a Scaleout backplane.
type ScaleoutOptions struct {
	// OriginID identifies this process on the substrate. Defaults to a new ULID.
	OriginID string
	// Prefix namespaces the relay channel: "<prefix>.backplane".
	Prefix  string
	Breaker BreakerSettings
	Logger  *slog.Logger
	Metrics *metrics.Collectors
	Bus     domain.EventBus
}

// NewOriginID returns a process identity that is unique across restarts.
func NewOriginID() string { return ulid.Make().String() }

// Scaleout extends Local with relay messages over a shared pub/sub channel so
// that processes behave as one hub.
type Scaleout struct {
	local   *Local
	ps      domain.PubSub
	origin  string
	channel string
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
	metrics *metrics.Collectors
	bus     domain.EventBus

	degraded    atomic.Bool
	unsubscribe func() error
}

var _ domain.Backplane = (*Scaleout)(nil)

// NewScaleout subscribes to the relay channel on ps and returns the backplane.
// ps stays owned by the caller.
func NewScaleout(ctx context.Context, ps domain.PubSub, opts ScaleoutOptions) (*Scaleout, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origin := opts.OriginID
	if origin == "" {
		origin = NewOriginID()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	logger = logger.With("origin", origin)

	s := &Scaleout{
		local:   NewLocal(logger),
		ps:      ps,
		origin:  origin,
		channel: prefix + ".backplane",
		logger:  logger,
		metrics: opts.Metrics,
		bus:     opts.Bus,
	}
	s.breaker = newBreaker(s.channel, opts.Breaker, logger)

	unsub, err := ps.Subscribe(ctx, s.channel, s.onRelay)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrBackplaneUnavailable, s.channel, err)
	}
	s.unsubscribe = unsub
	logger.Info("backplane subscribed", "channel", s.channel)
	return s, nil
}

func newBreaker(name string, cfg BreakerSettings, logger *slog.Logger) *gobreaker.CircuitBreaker[struct{}] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultOpenTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "backplane:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// OriginID returns this process's identity on the substrate.
func (s *Scaleout) OriginID() string { return s.origin }

// Channel returns the relay channel name.
func (s *Scaleout) Channel() string { return s.channel }

// Local returns the process-local delivery layer.
func (s *Scaleout) Local() *Local { return s.local }

// Degraded reports whether the last relay publish failed.
func (s *Scaleout) Degraded() bool { return s.degraded.Load() }

func (s *Scaleout) OnClientConnected(ctx context.Context, peer domain.Peer) error {
	return s.local.OnClientConnected(ctx, peer)
}

func (s *Scaleout) OnClientDisconnected(ctx context.Context, id string) error {
	return s.local.OnClientDisconnected(ctx, id)
}

// AddToGroup records membership locally. Relayed group sends are matched
// against each process's own membership map.
func (s *Scaleout) AddToGroup(ctx context.Context, id, group string) error {
	return s.local.AddToGroup(ctx, id, group)
}

func (s *Scaleout) RemoveFromGroup(ctx context.Context, id, group string) error {
	return s.local.RemoveFromGroup(ctx, id, group)
}

// Send delivers env to target across all processes. A connection owned here
// is written directly. Group and broadcast sends are delivered to local
// members and relayed for everyone else. When the substrate is unavailable
// group sends degrade to local-only delivery; a remote connection target
// fails with ErrBackplaneUnavailable.
func (s *Scaleout) Send(ctx context.Context, target domain.Target, env domain.Envelope) error {
	if target.Kind == domain.TargetConnection && s.local.Owns(target.Value) {
		return s.local.Send(ctx, target, env)
	}

	if target.Kind != domain.TargetConnection {
		if _, err := s.local.Deliver(ctx, target, env); err != nil {
			return err
		}
	}

	err := s.publish(ctx, domain.RelayMessage{OriginID: s.origin, Target: target, Envelope: env})
	if err != nil && target.Kind == domain.TargetConnection {
		return err
	}
	return nil
}

func (s *Scaleout) publish(ctx context.Context, msg domain.RelayMessage) (err error) {
	ctx, span := tracer.StartPublish(ctx, string(msg.Target.Kind), msg.Target.Value)
	defer func() { tracer.Finish(span, err) }()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode relay: %w", err)
	}
	_, err = s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.ps.Publish(ctx, s.channel, data)
	})
	if err != nil {
		s.metrics.PublishFailed()
		if s.degraded.CompareAndSwap(false, true) {
			s.logger.Warn("backplane degraded to local delivery", "error", err)
			s.emit(ctx, domain.EventBackplaneDegraded, err.Error())
		}
		return fmt.Errorf("%w: %v", domain.ErrBackplaneUnavailable, err)
	}
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("backplane recovered")
		s.emit(ctx, domain.EventBackplaneRecovered, nil)
	}
	return nil
}

// onRelay delivers a relay published by another process to the local
// connections it selects. Relays from this process are ignored since the
// sender already delivered locally.
func (s *Scaleout) onRelay(ctx context.Context, payload []byte) {
	var msg domain.RelayMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("dropping malformed relay", "error", err)
		return
	}
	if msg.OriginID == s.origin {
		return
	}
	n, err := s.local.Deliver(ctx, msg.Target, msg.Envelope)
	if err != nil {
		s.logger.Debug("relay delivery failed", "error", err, "target", msg.Target.Value)
	}
	if n > 0 {
		s.metrics.Relayed(string(msg.Target.Kind))
		s.logger.Debug("relay delivered",
			"from", msg.OriginID,
			"kind", string(msg.Target.Kind),
			"target", msg.Target.Value,
			"delivered", n,
		)
	}
}

func (s *Scaleout) emit(ctx context.Context, t domain.EventType, payload any) {
	if s.bus != nil {
		s.bus.Publish(ctx, domain.NewEvent(t, "", payload))
	}
}

// Close stops the relay subscription and forgets local state.
func (s *Scaleout) Close() error {
	var err error
	if s.unsubscribe != nil {
		err = s.unsubscribe()
	}
	_ = s.local.Close()
	return err
}
