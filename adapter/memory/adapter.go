package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/trickstertwo/xbot"
)

const TransportName = "memory"

func init() {
	if err := xbot.RegisterTransport(TransportName, func(cfg map[string]any) (xbot.Transport, error) {
		return New(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xbot/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// History is the replay buffer capacity (default: 1024). Subscribing
	// from an old position replays retained entries after it.
	History int
	// ManualLifecycle suppresses the Open and Authenticated events normally
	// emitted on Connect, so tests can drive the lifecycle by hand with Emit.
	ManualLifecycle bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	return Config{
		History:         max(1, getInt("history", 1024)),
		ManualLifecycle: getBool("manual_lifecycle", false),
	}
}

type entry struct {
	position string
	payload  []byte
	metadata map[string]string
}

// Transport implements xbot.Transport in memory (dev/testing). It keeps a
// bounded replay buffer with positions "mem-1", "mem-2", ... and delivers
// scripted lifecycle events, so engine tests run without a broker.
//
// The filter expression is ignored; server-side filtering belongs to real
// transports.
type Transport struct {
	cfg Config

	mu        sync.Mutex
	cb        func(xbot.Event)
	onMessage xbot.MessageFunc
	entries   []entry
	seq       uint64
	connected bool

	wg sync.WaitGroup
}

var _ xbot.Transport = (*Transport)(nil)

// New creates a new in-memory transport.
func New(cfg Config) *Transport {
	if cfg.History < 1 {
		cfg.History = 1024
	}
	return &Transport{cfg: cfg}
}

func (t *Transport) SetEventCallback(cb func(xbot.Event)) {
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
}

// Connect marks the transport connected and, unless ManualLifecycle is set,
// emits the Open and Authenticated events from a background goroutine,
// mirroring a real transport's asynchronous handshake.
func (t *Transport) Connect(_ context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return errors.New("memory transport is already connected")
	}
	t.connected = true
	manual := t.cfg.ManualLifecycle
	t.mu.Unlock()

	if !manual {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.Emit(xbot.Event{Type: xbot.EventOpen, Headers: map[string]string{"transport": TransportName}})
			t.Emit(xbot.Event{Type: xbot.EventAuthenticated})
		}()
	}
	return nil
}

// Disconnect stops delivery and emits Closed.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	t.onMessage = nil
	t.mu.Unlock()

	t.wg.Wait()
	t.Emit(xbot.Event{Type: xbot.EventClosed, Err: "disconnect requested"})
	return nil
}

// Subscribe installs the message handler, emits Subscribed and replays any
// retained entries strictly after position ("" replays the full buffer,
// matching a subscription from the earliest retained cursor).
func (t *Transport) Subscribe(channel, _ /* filter */, position string, onMessage xbot.MessageFunc) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return errors.New("memory transport is not connected")
	}
	t.onMessage = onMessage
	var replay []entry
	started := position == ""
	for _, en := range t.entries {
		if started {
			replay = append(replay, en)
		} else if en.position == position {
			started = true
		}
	}
	t.mu.Unlock()

	t.Emit(xbot.Event{Type: xbot.EventSubscribed, SubscriptionID: channel})
	for _, en := range replay {
		t.deliver(en, onMessage)
	}
	return nil
}

// Publish appends a payload to the replay buffer and delivers it to the
// active subscription, returning the assigned position. Test/dev producer API.
func (t *Transport) Publish(payload []byte, metadata map[string]string) string {
	t.mu.Lock()
	t.seq++
	en := entry{
		position: fmt.Sprintf("mem-%d", t.seq),
		payload:  payload,
		metadata: metadata,
	}
	t.entries = append(t.entries, en)
	if len(t.entries) > t.cfg.History {
		t.entries = t.entries[len(t.entries)-t.cfg.History:]
	}
	onMessage := t.onMessage
	t.mu.Unlock()

	if onMessage != nil {
		t.deliver(en, onMessage)
	}
	return en.position
}

// Emit delivers a raw lifecycle event to the registered callback. Tests use
// it for failure injection (handshake/auth/subscription errors).
func (t *Transport) Emit(ev xbot.Event) {
	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (t *Transport) deliver(en entry, onMessage xbot.MessageFunc) {
	onMessage(&xbot.Message{
		Position: en.position,
		Payload:  en.payload,
		Metadata: en.metadata,
	}, en.position)
}
