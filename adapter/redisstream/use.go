package redisstream

import (
	"github.com/trickstertwo/xbot"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Use returns an EngineBuilder preconfigured with a Redis Streams transport.
func Use(cfg Config, opts ...Option) *xbot.EngineBuilder {
	eb := xbot.NewEngineBuilder().
		WithTransportInstance(New(cfg))
	for _, o := range opts {
		if o != nil {
			o(eb)
		}
	}
	return eb
}

// Option configures the xbot.Engine when calling Use.
type Option func(*xbot.EngineBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xbot.EngineBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xbot.EngineBuilder) { b.WithClock(c) }
}

// WithSink registers the engine sink.
func WithSink(s xbot.Sink) Option {
	return func(b *xbot.EngineBuilder) { b.WithSink(s) }
}

// WithMiddleware adds sink middlewares (retry, logging, etc).
func WithMiddleware(mw ...xbot.SinkMiddleware) Option {
	return func(b *xbot.EngineBuilder) { b.WithMiddleware(mw...) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xbot.EngineBuilder) { b.WithCodec(name) }
}
