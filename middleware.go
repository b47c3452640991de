package xbot

import (
	"math/rand"
	"time"

	"github.com/trickstertwo/xlog"
)

// SinkMiddleware composes processing concerns around a Sink.
type SinkMiddleware func(next Sink) Sink

// RetryConfig controls retry behavior for RetrySink.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first send.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt (e.g., exponential backoff).
	Backoff func(attempt int) time.Duration
	// Jitter adds up to [0, Jitter] random delay to the base backoff to avoid thundering herds.
	Jitter time.Duration
}

// RetrySink retries a failed send a bounded number of times before giving up.
// Retrying competes with freshness (the queue is already dropping oldest
// under overload), so keep MaxAttempts small.
func RetrySink(cfg RetryConfig) SinkMiddleware {
	return func(next Sink) Sink {
		return SinkFunc(func(msg *Message, verbose bool, throttle *Throttle) bool {
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			for i := 1; i <= attempts; i++ {
				if next.Send(msg, verbose, throttle) {
					return true
				}
				if i == attempts {
					return false
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					time.Sleep(wait)
				}
			}
			return false
		})
	}
}

// RecoverySink prevents sink panics from killing the dispatch loop and
// converts them into a failed send.
func RecoverySink() SinkMiddleware {
	return func(next Sink) Sink {
		return SinkFunc(func(msg *Message, verbose bool, throttle *Throttle) (ok bool) {
			defer func() {
				if r := recover(); r != nil {
					ok = false
				}
			}()
			return next.Send(msg, verbose, throttle)
		})
	}
}

// LoggingSink logs every send with its outcome and duration.
func LoggingSink(l *xlog.Logger) SinkMiddleware {
	return func(next Sink) Sink {
		return SinkFunc(func(msg *Message, verbose bool, throttle *Throttle) bool {
			start := time.Now()
			ok := next.Send(msg, verbose, throttle)
			ev := l.With(
				xlog.Str("position", msg.Position),
				xlog.Dur("dur", time.Since(start)),
			)
			if ok {
				ev.Debug().Msg("sink send ok")
			} else {
				ev.Warn().Msg("sink send failed")
			}
			return ok
		})
	}
}

// ChainSink composes middlewares around a sink in order.
func ChainSink(s Sink, mws ...SinkMiddleware) Sink {
	if len(mws) == 0 {
		return s
	}
	wrapped := s
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
