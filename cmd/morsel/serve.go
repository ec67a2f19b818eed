package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"morsel/internal/adapter/gateway"
	"morsel/internal/adapter/pubsub"
	"morsel/internal/domain"
	"morsel/internal/infra/config"
	"morsel/internal/infra/logger"
	"morsel/internal/infra/metrics"
	"morsel/internal/infra/tracer"
	"morsel/internal/usecase/backplane"
	"morsel/internal/usecase/eventbus"
	"morsel/internal/usecase/hub"
	"morsel/internal/usecase/pipeline"
)

func runServe(parent context.Context, sf serveFlags) error {
	if err := config.LoadDotEnv(sf.envFile); err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	cfg, err := config.Load(configPath(sf.config))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger, "server")
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, appDeps{Logger: log, Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info("morsel starting",
		"version", version,
		"backplane", cfg.Backplane.Kind,
		"origin", a.origin,
		"stages", cfg.Pipeline.Stages,
	)
	return a.server.Start(ctx)
}

// appDeps are the collaborators newApp does not build from config.
type appDeps struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// PubSub overrides the substrate named in the config.
	PubSub domain.PubSub
}

// app is a fully wired hub process.
type app struct {
	server     *gateway.Server
	dispatcher *hub.Dispatcher
	backplane  domain.Backplane
	bus        *eventbus.Bus
	origin     string
	closers    []func() error
	logger     *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, deps appDeps) (*app, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	a := &app{logger: log, origin: backplane.NewOriginID()}
	wired := false
	defer func() {
		if !wired {
			a.Close()
		}
	}()

	m := metrics.New(deps.Registerer)
	if err := m.Register(); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	a.bus = eventbus.New(log)
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })
	unlog := eventbus.LogEvents(a.bus, log)
	a.closers = append(a.closers, func() error { unlog(); return nil })

	pipe, err := pipeline.Build(pipeline.Options{
		Stages:        cfg.Pipeline.Stages,
		AESPassphrase: cfg.Pipeline.AESPassphrase,
		AESSalt:       cfg.Pipeline.AESSalt,
		GzipLevel:     cfg.Pipeline.GzipLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	ps := deps.PubSub
	if ps == nil {
		ps, err = pubsub.Open(ctx, cfg.Backplane, a.origin, log)
		if err != nil {
			return nil, err
		}
		if ps != nil {
			a.closers = append(a.closers, ps.Close)
		}
	}

	if ps == nil {
		a.backplane = backplane.NewLocal(log)
	} else {
		a.backplane, err = backplane.NewScaleout(ctx, ps, backplane.ScaleoutOptions{
			OriginID: a.origin,
			Prefix:   cfg.Backplane.ChannelPrefix,
			Breaker: backplane.BreakerSettings{
				MaxFailures: cfg.Backplane.Breaker.MaxFailures,
				Timeout:     cfg.Backplane.Breaker.Timeout,
				Interval:    cfg.Backplane.Breaker.Interval,
			},
			Logger:  log,
			Metrics: m,
			Bus:     a.bus,
		})
		if err != nil {
			return nil, fmt.Errorf("backplane: %w", err)
		}
	}
	// Closers run in reverse, so the backplane unsubscribes before the
	// substrate goes away.
	a.closers = append(a.closers, a.backplane.Close)

	registry, err := newChatRegistry(log)
	if err != nil {
		return nil, err
	}
	a.dispatcher = hub.NewDispatcher(registry, a.backplane, hub.Options{
		Pipeline:          pipe,
		InvocationTimeout: cfg.Invocation.Timeout,
		MaxDecodeFailures: cfg.Invocation.MaxDecodeFailures,
		MaxQueued:         cfg.Invocation.MaxQueued,
		RateLimit:         rate.Limit(cfg.Gateway.RateLimit.PerSecond),
		Burst:             cfg.Gateway.RateLimit.Burst,
		Logger:            log,
		Metrics:           m,
		Bus:               a.bus,
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		if g, ok := deps.Registerer.(prometheus.Gatherer); ok {
			gatherer = g
		}
	}
	a.server = gateway.NewServer(a.dispatcher, gateway.Options{
		Config:        cfg.Gateway,
		BufferSize:    cfg.Channel.BufferSize,
		Backplane:     a.backplane,
		BackplaneKind: cfg.Backplane.Kind,
		Version:       version,
		Gatherer:      gatherer,
		Metrics:       m,
		Logger:        log,
	})
	wired = true
	return a, nil
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}
