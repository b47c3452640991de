package xbot

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// EngineBuilder constructs Engine instances (Builder pattern).
type EngineBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	sink        Sink
	middlewares []SinkMiddleware

	codecName string
	codecInst Codec

	logger *xlog.Logger
	clock  xclock.Clock

	progressInterval  time.Duration
	heartbeatInterval time.Duration
	watchdogTick      time.Duration
	superviseInterval time.Duration
	idleWait          time.Duration
	onStall           StallPolicy
}

// NewEngineBuilder returns a new builder with production defaults: 1s
// progress and supervision ticks, 60s heartbeat interval checked at 1s
// granularity, StallAbort on stall.
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{
		codecName:         "json",
		progressInterval:  time.Second,
		heartbeatInterval: time.Minute,
		watchdogTick:      time.Second,
		superviseInterval: time.Second,
		idleWait:          10 * time.Millisecond,
		onStall:           StallAbort,
	}
}

func (eb *EngineBuilder) WithTransport(name string, cfg map[string]any) *EngineBuilder {
	eb.transportName = name
	eb.transportCfg = cfg
	return eb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from an adapter).
func (eb *EngineBuilder) WithTransportInstance(t Transport) *EngineBuilder {
	eb.transportInst = t
	return eb
}

// WithSink registers the user sink the dispatch loop drains into.
func (eb *EngineBuilder) WithSink(s Sink) *EngineBuilder {
	eb.sink = s
	return eb
}

// WithMiddleware adds sink middlewares (retry, logging, etc).
func (eb *EngineBuilder) WithMiddleware(mw ...SinkMiddleware) *EngineBuilder {
	if len(mw) == 0 {
		return eb
	}
	eb.middlewares = append(eb.middlewares, mw...)
	return eb
}

func (eb *EngineBuilder) WithCodec(name string) *EngineBuilder {
	eb.codecName = name
	return eb
}

// WithCodecInstance accepts a ready Codec instance.
func (eb *EngineBuilder) WithCodecInstance(c Codec) *EngineBuilder {
	eb.codecInst = c
	return eb
}

func (eb *EngineBuilder) WithLogger(l *xlog.Logger) *EngineBuilder {
	eb.logger = l
	return eb
}

func (eb *EngineBuilder) WithClock(c xclock.Clock) *EngineBuilder {
	eb.clock = c
	return eb
}

// WithProgressInterval sets the progress-logger period.
func (eb *EngineBuilder) WithProgressInterval(d time.Duration) *EngineBuilder {
	if d > 0 {
		eb.progressInterval = d
	}
	return eb
}

// WithHeartbeatInterval sets the silence window the watchdog treats as a stall.
func (eb *EngineBuilder) WithHeartbeatInterval(d time.Duration) *EngineBuilder {
	if d > 0 {
		eb.heartbeatInterval = d
	}
	return eb
}

// WithWatchdogTick sets how often the watchdog re-checks the stop flag
// between snapshot comparisons.
func (eb *EngineBuilder) WithWatchdogTick(d time.Duration) *EngineBuilder {
	if d > 0 {
		eb.watchdogTick = d
	}
	return eb
}

// WithSuperviseInterval sets the duration of one supervision (runtime) tick.
func (eb *EngineBuilder) WithSuperviseInterval(d time.Duration) *EngineBuilder {
	if d > 0 {
		eb.superviseInterval = d
	}
	return eb
}

// WithIdleWait sets how long the dispatch loop yields on an empty queue.
func (eb *EngineBuilder) WithIdleWait(d time.Duration) *EngineBuilder {
	if d > 0 {
		eb.idleWait = d
	}
	return eb
}

// WithStallPolicy selects the unwind behavior when the watchdog fires.
func (eb *EngineBuilder) WithStallPolicy(p StallPolicy) *EngineBuilder {
	eb.onStall = p
	return eb
}

func (eb *EngineBuilder) Build() (*Engine, error) {
	var tr Transport
	var err error

	switch {
	case eb.transportInst != nil:
		tr = eb.transportInst
	case eb.transportName != "":
		tr, err = NewTransport(eb.transportName, eb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	if eb.sink == nil {
		return nil, ErrNoSinkConfigured
	}

	var cd Codec
	if eb.codecInst != nil {
		cd = eb.codecInst
	} else {
		cd, err = NewCodec(eb.codecName)
		if err != nil {
			return nil, err
		}
	}

	var clk xclock.Clock
	if eb.clock != nil {
		clk = eb.clock
	} else {
		clk = xclock.Default()
	}
	var lg *xlog.Logger
	if eb.logger != nil {
		lg = eb.logger
	} else {
		lg = xlog.Default()
	}

	// Recovery wraps innermost so a panicking sink is a failed send, never a
	// dead dispatch loop.
	sink := ChainSink(RecoverySink()(eb.sink), eb.middlewares...)

	return &Engine{
		transport:         tr,
		sink:              sink,
		codec:             cd,
		clock:             clk,
		logger:            lg,
		progressInterval:  eb.progressInterval,
		heartbeatInterval: eb.heartbeatInterval,
		watchdogTick:      eb.watchdogTick,
		superviseInterval: eb.superviseInterval,
		idleWait:          eb.idleWait,
		onStall:           eb.onStall,
	}, nil
}
