package xbot

import (
	"errors"
	"fmt"
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

var (
	ErrNoTransportConfigured = errors.New("xbot: no transport configured")
	ErrNoSinkConfigured      = errors.New("xbot: no sink configured")
	ErrAlreadyRunning        = errors.New("xbot: engine is already running")

	// ErrStalled is reported by the heartbeat watchdog when a full heartbeat
	// interval passes with zero messages received and zero sent.
	ErrStalled = errors.New("xbot: no messages received or sent for the heartbeat interval")
)

// TransportError is the unrecoverable condition recorded when a fatal
// lifecycle event (handshake, authentication or subscription failure)
// arrives. It unwinds the supervision loop and surfaces from Run.
type TransportError struct {
	Event EventType
	Msg   string
}

func (e *TransportError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("xbot: fatal transport event %s", e.Event)
	}
	return fmt.Sprintf("xbot: fatal transport event %s: %s", e.Event, e.Msg)
}
