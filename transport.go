package xbot

import (
	"context"
	"errors"
	"sync"
)

// Transport is the Strategy interface for the underlying pub/sub channel.
// Implementations own connection handshake, authentication and wire framing;
// the engine only sees lifecycle events and inbound messages.
//
// Contract: SetEventCallback is called before Connect. Events are delivered
// on the transport's own goroutine, one at a time. After Disconnect no more
// events or messages are delivered.
type Transport interface {
	// Connect establishes the connection and starts event delivery.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down and stops event delivery.
	Disconnect() error
	// SetEventCallback installs the lifecycle event sink.
	SetEventCallback(cb func(Event))
	// Subscribe issues a subscription for (channel, filter, position) and
	// installs the per-message handler. Typically called from the event
	// callback when Authenticated arrives.
	Subscribe(channel, filter, position string, onMessage MessageFunc) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}
