// Package metrics holds the Prometheus collectors of a morsel process.
// All recording methods are safe to call on a nil *Collectors.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "morsel"

// Outcome labels for invocations.
const (
	OutcomeOK            = "ok"
	OutcomeFault         = "fault"
	OutcomeUnknownMethod = "unknown_method"
	OutcomeRateLimited   = "rate_limited"
)

// Collectors groups every morsel collector.
type Collectors struct {
	mu sync.Mutex

	connections        prometheus.Gauge
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	publishFailures    prometheus.Counter
	relays             *prometheus.CounterVec
	decodeErrors       prometheus.Counter
	upgradeRejections  *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// New creates collectors bound to registerer (prometheus.DefaultRegisterer when nil).
func New(registerer prometheus.Registerer) *Collectors {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Collectors{
		registerer: registerer,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open hub connections on this process",
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Hub method invocations by method and outcome",
		}, []string{"method", "outcome"}),
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Time spent running hub methods",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backplane",
			Name:      "publish_failures_total",
			Help:      "Relay messages that could not be published to the backplane",
		}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backplane",
			Name:      "relays_total",
			Help:      "Relay messages delivered locally from the backplane by target kind",
		}, []string{"kind"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound messages dropped as malformed",
		}),
		upgradeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "upgrade_rejections_total",
			Help:      "WebSocket upgrade requests refused by reason",
		}, []string{"reason"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (c *Collectors) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}
	for _, col := range []prometheus.Collector{
		c.connections, c.invocations, c.invocationDuration,
		c.publishFailures, c.relays, c.decodeErrors, c.upgradeRejections,
	} {
		if err := c.registerer.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	c.registered = true
	return nil
}

func (c *Collectors) ConnectionOpened() {
	if c != nil {
		c.connections.Inc()
	}
}

func (c *Collectors) ConnectionClosed() {
	if c != nil {
		c.connections.Dec()
	}
}

// Invocation records one dispatched invocation.
func (c *Collectors) Invocation(method, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.invocations.WithLabelValues(method, outcome).Inc()
	if outcome == OutcomeOK || outcome == OutcomeFault {
		c.invocationDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	}
}

func (c *Collectors) PublishFailed() {
	if c != nil {
		c.publishFailures.Inc()
	}
}

func (c *Collectors) Relayed(kind string) {
	if c != nil {
		c.relays.WithLabelValues(kind).Inc()
	}
}

func (c *Collectors) DecodeError() {
	if c != nil {
		c.decodeErrors.Inc()
	}
}

// UpgradeRejected records a refused WebSocket upgrade.
func (c *Collectors) UpgradeRejected(reason string) {
	if c != nil {
		c.upgradeRejections.WithLabelValues(reason).Inc()
	}
}
