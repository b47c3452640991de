package xbot

import (
	"sync/atomic"
)

// Throttle is the backward backpressure signal: the sink sets it to make the
// ingestion path start dropping new inbound messages, and clears it to
// resume. Only the latest value matters, so it is a single-slot atomic flag
// rather than a channel. Toggling is idempotent.
type Throttle struct {
	flag atomic.Bool
}

// Set marks the sink as rejecting new work.
func (t *Throttle) Set() { t.flag.Store(true) }

// Clear resumes normal ingestion.
func (t *Throttle) Clear() { t.flag.Store(false) }

// Throttled reports the current state.
func (t *Throttle) Throttled() bool { return t.flag.Load() }

// Sink processes one message and reports success. The dispatch loop invokes
// it with the shared throttle handle; the sink may Set it to push back on
// ingestion and Clear it once it catches up. Returning false logs a send
// error but never stops dispatch; a single send failure is isolated.
type Sink interface {
	Send(msg *Message, verbose bool, throttle *Throttle) bool
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(msg *Message, verbose bool, throttle *Throttle) bool

func (f SinkFunc) Send(msg *Message, verbose bool, throttle *Throttle) bool {
	return f(msg, verbose, throttle)
}
