// Package gateway exposes a hub dispatcher over HTTP: the WebSocket upgrade
// endpoint plus status and metrics routes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"morsel/internal/adapter/channel"
	"morsel/internal/domain"
	"morsel/internal/infra/config"
	"morsel/internal/infra/metrics"
	"morsel/internal/infra/middleware"
	"morsel/internal/usecase/hub"
	"morsel/internal/usecase/scheduling"
)

const (
	defaultShutdownTimeout  = 5 * time.Second
	defaultHeartbeatTimeout = 10 * time.Second
	heartbeatJob            = "heartbeat"
)

// Options configures a Server.
type Options struct {
	Config     config.GatewayConfig
	BufferSize int // channel buffer size; 0 uses the channel default
	Auth       Authenticator
	// Backplane and BackplaneKind are reported on the status endpoint.
	Backplane     domain.Backplane
	BackplaneKind string
	Version       string
	Gatherer      prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	Metrics       *metrics.Collectors
	Logger        *slog.Logger
}

// Server accepts WebSocket upgrades and hands each socket to a dispatcher.
type Server struct {
	dispatcher *hub.Dispatcher
	opts       Options
	cfg        config.GatewayConfig
	auth       Authenticator
	logger     *slog.Logger
	limiter    *middleware.IPLimiter
	scheduler  *scheduling.Scheduler
	mux        *http.ServeMux
	started    time.Time

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	stopOnce  sync.Once
	stopErr   error
}

// NewServer wires the routes for d. Nothing listens until Start.
func NewServer(d *hub.Dispatcher, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := opts.Auth
	if auth == nil {
		auth = NewAuthenticator(opts.Config.Auth)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		dispatcher: d,
		opts:       opts,
		cfg:        opts.Config,
		auth:       auth,
		logger:     logger.With("component", "gateway"),
		scheduler:  scheduling.NewScheduler(logger),
		mux:        http.NewServeMux(),
	}

	path := s.cfg.Path
	if path == "" {
		path = "/hub"
	}
	var upgrade http.Handler = http.HandlerFunc(s.handleUpgrade)
	if n := s.cfg.RateLimit.UpgradesPerIP; n > 0 {
		s.limiter = middleware.NewIPLimiter(n, 0, s.cfg.TrustedProxies...)
		s.limiter.OnReject = func(_ *http.Request, ip string) {
			s.opts.Metrics.UpgradeRejected("rate_limit")
			s.logger.Warn("upgrade rate limited", "ip", ip)
		}
		upgrade = s.limiter.Middleware(upgrade)
	}
	s.mux.Handle(path, upgrade)
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if s.cfg.Metrics.Enabled {
		mpath := s.cfg.Metrics.Path
		if mpath == "" {
			mpath = "/metrics"
		}
		s.mux.Handle("GET "+mpath, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the gateway's HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return middleware.SecurityHeaders(s.mux) }

// HandleFunc adds an extra HTTP route. Must be called before Start.
func (s *Server) HandleFunc(pattern string, h http.HandlerFunc) { s.mux.HandleFunc(pattern, h) }

// Start listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = ln.Addr().String()
	s.started = time.Now()
	s.mu.Unlock()

	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}
	if err := s.startHeartbeat(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	s.logger.Info("gateway started", "addr", ln.Addr().String(), "path", s.cfg.Path)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		return s.Stop(context.WithoutCancel(ctx))
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway serve: %w", err)
	}
}

func (s *Server) startHeartbeat(ctx context.Context) error {
	hb := s.cfg.Heartbeat
	if hb.Schedule == "" {
		return nil
	}
	timeout := hb.Timeout
	if timeout <= 0 {
		timeout = defaultHeartbeatTimeout
	}
	err := s.scheduler.Add(heartbeatJob, hb.Schedule, func(ctx context.Context) error {
		if n := s.dispatcher.PingAll(ctx, timeout); n > 0 {
			s.logger.Info("heartbeat dropped unresponsive connections", "count", n)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.scheduler.Start(ctx)
	return nil
}

// Stop closes every hub connection and shuts the HTTP server down. Calling it
// more than once returns the first result.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.scheduler.Stop()
		s.dispatcher.CloseAll("server shutting down")

		s.mu.Lock()
		srv := s.httpSrv
		s.mu.Unlock()
		if srv == nil {
			return
		}
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		s.stopErr = srv.Shutdown(shutdownCtx)
		s.logger.Info("gateway stopped")
	})
	return s.stopErr
}

// BoundAddr returns the address the server listens on. Empty before Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(TokenFromRequest(r))
	if err != nil {
		s.opts.Metrics.UpgradeRejected("unauthorized")
		s.logger.Debug("upgrade refused", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.opts.Metrics.UpgradeRejected("handshake")
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	if s.cfg.ReadLimit > 0 {
		ws.SetReadLimit(s.cfg.ReadLimit)
	}

	var opts []channel.Option
	if s.opts.BufferSize > 0 {
		opts = append(opts, channel.WithBufferSize(s.opts.BufferSize))
	}
	ch := channel.New(channel.NewWebSocket(ws), opts...)

	ctx := domain.ContextWithPrincipal(r.Context(), info.Name)
	if err := s.dispatcher.Serve(ctx, ch); err != nil {
		s.logger.Info("connection ended", "client", info.Name, "error", err)
	}
}
