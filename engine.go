package xbot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const (
	// DefaultMaxQueueSize bounds the pending-message queue when RunOptions
	// does not say otherwise.
	DefaultMaxQueueSize = 256

	// eventBuffer decouples the transport's callback goroutine from the
	// engine's event loop. Lifecycle events are rare; a small buffer is
	// enough to never stall the transport in practice.
	eventBuffer = 16
)

// StallPolicy decides what happens when the heartbeat watchdog detects a
// full interval of total silence.
type StallPolicy int

const (
	// StallAbort returns from Run immediately without the orderly
	// disconnect/drain sequence. The process supervisor is expected to
	// restart the bot; continuing silently is worse than a hard restart.
	StallAbort StallPolicy = iota
	// StallShutdown routes the stall through the orderly stop path.
	StallShutdown
)

// RunOptions parameterizes a single Run invocation.
type RunOptions struct {
	// Channel is the pub/sub topic to subscribe to.
	Channel string
	// Filter is an opaque server-side filter expression, transport-defined.
	Filter string
	// Position is the cursor to resume the subscription from; when empty
	// the transport's default applies (tail for redisstream, full replay
	// buffer for memory).
	Position string
	// Verbose enables per-message logging.
	Verbose bool
	// MaxQueueSize bounds the pending queue (default DefaultMaxQueueSize).
	MaxQueueSize int
	// EnableHeartbeat starts the liveness watchdog.
	EnableHeartbeat bool
	// Runtime is the number of supervision ticks to run for; -1 runs forever.
	Runtime int
}

// Stats is a point-in-time snapshot of the engine counters.
type Stats struct {
	Received uint64
	Sent     uint64
	Dropped  uint64
	Queued   int
}

// Engine bridges one inbound pub/sub channel to one user-supplied sink with
// bounded buffering, backpressure and liveness supervision.
//
// All mutable state is instance-scoped so multiple engines can coexist in
// one process and be tested in isolation. Construct via EngineBuilder.
type Engine struct {
	transport Transport
	sink      Sink
	codec     Codec
	clock     xclock.Clock
	logger    *xlog.Logger

	progressInterval  time.Duration
	heartbeatInterval time.Duration
	watchdogTick      time.Duration
	superviseInterval time.Duration
	idleWait          time.Duration
	onStall           StallPolicy

	received atomic.Uint64
	sent     atomic.Uint64
	stop     atomic.Bool
	throttle Throttle
	running  atomic.Bool
	lastPos  atomic.Value // string
	queue    atomic.Pointer[Queue]

	fatalOnce sync.Once
	fatalMu   sync.Mutex
	fatalErr  error
	fatalCh   chan struct{}

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// Run connects the transport, starts the worker loops, supervises until the
// runtime elapses, the context is canceled or a fatal condition arrives, and
// then shuts everything down.
//
// The int result doubles as exit-code material: the final sent count on
// success, -1 with a non-nil error on a fatal transport event or stall.
// Context cancellation is an orderly stop, not an error.
//
// Run is single-flight. After a StallAbort return the engine must not be
// reused: the abrupt path deliberately skips the joins.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (int64, error) {
	if e.running.Swap(true) {
		return -1, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	e.received.Store(0)
	e.sent.Store(0)
	e.stop.Store(false)
	e.throttle.Clear()
	e.fatalOnce = sync.Once{}
	e.fatalMu.Lock()
	e.fatalErr = nil
	e.fatalMu.Unlock()
	e.fatalCh = make(chan struct{})
	e.events = make(chan Event, eventBuffer)
	e.done = make(chan struct{})
	e.lastPos.Store(opts.Position)

	size := opts.MaxQueueSize
	if size < 1 {
		size = DefaultMaxQueueSize
	}
	q := NewQueue(size)
	e.queue.Store(q)

	start := e.clock.Now()

	// Workers start before Connect so lifecycle events emitted during the
	// handshake are consumed from the first moment.
	e.transport.SetEventCallback(e.postEvent)
	e.wg.Add(4)
	go e.eventLoop(opts)
	go e.progressLoop(q)
	go e.heartbeatLoop(opts.EnableHeartbeat)
	go e.dispatchLoop(q, opts.Verbose)

	if err := e.transport.Connect(ctx); err != nil {
		e.stop.Store(true)
		close(e.done)
		e.wg.Wait()
		return -1, fmt.Errorf("xbot: connect: %w", err)
	}

	e.supervise(ctx, opts.Runtime)

	if ferr := e.fatalError(); errors.Is(ferr, ErrStalled) && e.onStall == StallAbort {
		// Fail-fast escape hatch, distinct from the orderly stop path: no
		// disconnect, no drain, no joins. The caller exits and the process
		// supervisor restarts the bot.
		e.logger.Error().Msg("stalled, aborting without graceful shutdown")
		e.stop.Store(true)
		close(e.done)
		return -1, ferr
	}

	if err := e.transport.Disconnect(); err != nil {
		e.logger.Warn().Err(err).Msg("transport disconnect failed")
	}
	e.stop.Store(true)
	close(e.done)
	e.wg.Wait()

	e.logger.Info().
		Dur("elapsed", e.clock.Since(start)).
		Str("sent", strconv.FormatUint(e.sent.Load(), 10)).
		Str("dropped", strconv.FormatUint(q.Dropped(), 10)).
		Msg("run finished")

	if ferr := e.fatalError(); ferr != nil {
		return -1, ferr
	}
	return int64(e.sent.Load()), nil
}

// supervise polls once per tick until the requested runtime is spent, exiting
// early on the first fatal condition or context cancellation.
func (e *Engine) supervise(ctx context.Context, runtime int) {
	for i := 0; runtime < 0 || i < runtime; i++ {
		select {
		case <-e.fatalCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(e.superviseInterval):
		}
	}
}

// postEvent is the callback installed on the transport. It only enqueues, so
// the transport's goroutine never runs engine logic and never blocks: late
// events after a run and overflow beyond the buffer are dropped.
func (e *Engine) postEvent(ev Event) {
	select {
	case e.events <- ev:
		return
	case <-e.done:
		return
	default:
	}
	e.logger.Warn().Str("event", string(ev.Type)).Msg("event buffer full, event dropped")
	// A dropped fatal event still has to trip the supervision loop.
	if ev.Fatal() {
		e.fail(&TransportError{Event: ev.Type, Msg: ev.Err})
	}
}

func (e *Engine) eventLoop(opts RunOptions) {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.events:
			e.handleEvent(ev, opts)
		case <-e.done:
			e.logger.Debug().Msg("event loop done")
			return
		}
	}
}

// handleEvent runs the connection-event state machine, one event at a time.
// Only handshake/authentication/subscription failures are fatal; Closed and
// Error are expected under normal transport reconnect behavior.
func (e *Engine) handleEvent(ev Event, opts RunOptions) {
	switch ev.Type {
	case EventOpen:
		lg := e.logger
		for k, v := range ev.Headers {
			lg = lg.With(xlog.Str(k, v))
		}
		lg.Info().Msg("subscriber connected")
	case EventAuthenticated:
		e.logger.Info().Msg("subscriber authenticated")
		pos := e.LastPosition()
		if err := e.transport.Subscribe(opts.Channel, opts.Filter, pos, e.onMessage(opts.Verbose)); err != nil {
			e.logger.Error().Err(err).Str("channel", opts.Channel).Msg("subscribe failed")
			e.fail(&TransportError{Event: EventSubscriptionError, Msg: err.Error()})
		}
	case EventSubscribed:
		e.logger.Info().Str("subscription", ev.SubscriptionID).Msg("subscribed to channel")
	case EventUnsubscribed:
		e.logger.Info().Str("subscription", ev.SubscriptionID).Msg("unsubscribed from channel")
	case EventClosed:
		e.logger.Info().Str("reason", ev.Err).Msg("subscriber closed")
	case EventError:
		e.logger.Error().Str("reason", ev.Err).Msg("subscriber error")
	case EventPublished:
		e.logger.Debug().Msg("unexpected publish confirmation")
	case EventPong:
		e.logger.Debug().Str("payload", ev.Err).Msg("pong received")
	case EventHandshakeError:
		e.logger.Error().Str("reason", ev.Err).Msg("handshake error")
		e.fail(&TransportError{Event: ev.Type, Msg: ev.Err})
	case EventAuthenticationError:
		e.logger.Error().Str("reason", ev.Err).Msg("authentication error")
		e.fail(&TransportError{Event: ev.Type, Msg: ev.Err})
	case EventSubscriptionError:
		e.logger.Error().Str("reason", ev.Err).Msg("subscription error")
		e.fail(&TransportError{Event: ev.Type, Msg: ev.Err})
	}
}

// onMessage builds the ingestion handler. The throttle check comes before
// the counter and the enqueue: while the sink pushes back, inbound messages
// cost nothing beyond the flag read and are silently lost.
func (e *Engine) onMessage(verbose bool) MessageFunc {
	return func(msg *Message, position string) {
		if verbose {
			e.logger.Debug().Str("position", position).Msg("message received")
		}
		if e.throttle.Throttled() {
			return
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = e.clock.Now()
		}
		e.received.Add(1)
		e.lastPos.Store(position)
		if q := e.queue.Load(); q != nil {
			q.Add(msg)
		}
	}
}

// dispatchLoop is the single consumer draining the queue into the sink. A
// failed send is logged and isolated; the loop only exits on the stop flag.
// Empty-queue polling uses a short sleep so stop is observed promptly.
func (e *Engine) dispatchLoop(q *Queue, verbose bool) {
	defer e.wg.Done()
	for !e.stop.Load() {
		msg := q.Pop()
		if msg == nil {
			time.Sleep(e.idleWait)
			continue
		}
		if e.sink.Send(msg, verbose, &e.throttle) {
			if verbose {
				e.logger.Debug().Str("position", msg.Position).Msg("sink send ok")
			}
			e.sent.Add(1)
		} else {
			e.logger.Error().Str("position", msg.Position).Msg("sink send failed")
		}
	}
	e.logger.Debug().Msg("dispatch loop done")
}

// fail records the first fatal condition and unwinds the supervision loop.
func (e *Engine) fail(err error) {
	e.fatalOnce.Do(func() {
		e.fatalMu.Lock()
		e.fatalErr = err
		e.fatalMu.Unlock()
		close(e.fatalCh)
	})
}

func (e *Engine) fatalError() error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatalErr
}

// Stats returns a snapshot of the engine counters. Dropped counts queue
// evictions; throttle drops are observable as the received/sent delta.
func (e *Engine) Stats() Stats {
	s := Stats{Received: e.received.Load(), Sent: e.sent.Load()}
	if q := e.queue.Load(); q != nil {
		s.Dropped = q.Dropped()
		s.Queued = q.Len()
	}
	return s
}

// LastPosition returns the cursor of the most recently received message, so
// a supervisor can resubscribe from where this run stopped.
func (e *Engine) LastPosition() string {
	if v, ok := e.lastPos.Load().(string); ok {
		return v
	}
	return ""
}

// Codec returns the configured codec for decoding payloads in sinks.
func (e *Engine) Codec() Codec { return e.codec }
