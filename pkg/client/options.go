package client

import (
	"log/slog"
	"net/http"
	"time"

	"morsel/internal/usecase/pipeline"
)

// Option configures Dial.
type Option func(*options)

type options struct {
	token        string
	header       http.Header
	logger       *slog.Logger
	pipeline     *pipeline.Pipeline
	timeout      time.Duration
	bufferSize   int
	readLimit    int64
	handshake    time.Duration
	retries      int
	retryMin     time.Duration
	retryMax     time.Duration
	onDisconnect func(error)
}

func defaultOptions() options {
	return options{
		logger:    slog.Default(),
		timeout:   30 * time.Second,
		readLimit: 1 << 20,
		handshake: 10 * time.Second,
		retryMin:  100 * time.Millisecond,
		retryMax:  10 * time.Second,
	}
}

// WithToken sends token as a bearer credential on the upgrade request.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithHeader adds a header to the upgrade request.
func WithHeader(key, value string) Option {
	return func(o *options) {
		if o.header == nil {
			o.header = make(http.Header)
		}
		o.header.Add(key, value)
	}
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPipeline sets the middleware pipeline. It must mirror the server's.
func WithPipeline(p *pipeline.Pipeline) Option {
	return func(o *options) { o.pipeline = p }
}

// WithTimeout bounds each Invoke. Zero waits until the context ends.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithBufferSize sets the channel's frame buffer size.
func WithBufferSize(n int) Option {
	return func(o *options) { o.bufferSize = n }
}

// WithReadLimit caps the size of one inbound message.
func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

// WithHandshakeTimeout bounds the wait for the ConnectionEvent after the
// upgrade succeeds.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshake = d }
}

// WithRetry retries a failed dial up to attempts more times, backing off
// exponentially between min and max.
func WithRetry(attempts int, min, max time.Duration) Option {
	return func(o *options) {
		o.retries = attempts
		o.retryMin = min
		o.retryMax = max
	}
}

// WithOnDisconnect is called once when the connection ends, with nil for a
// normal close.
func WithOnDisconnect(fn func(error)) Option {
	return func(o *options) { o.onDisconnect = fn }
}
