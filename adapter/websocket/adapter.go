package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trickstertwo/xbot"
)

const TransportName = "websocket"

func init() {
	if err := xbot.RegisterTransport(TransportName, func(cfg map[string]any) (xbot.Transport, error) {
		return New(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xbot: failed to register transport %q: %w", TransportName, err))
	}
}

// Config for the websocket gateway transport.
type Config struct {
	// URL is the ws:// or wss:// gateway endpoint.
	URL string
	// Token authenticates the auth control frame.
	Token string
	// Headers are sent with the upgrade request.
	Headers http.Header

	HandshakeTimeout time.Duration // dial timeout (default 10s)
	WriteTimeout     time.Duration // per-frame write deadline (default 10s)
	PingInterval     time.Duration // keepalive ping period (default 30s, 0 disables)
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getString := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	c := Config{
		URL:              getString("url", ""),
		Token:            getString("token", ""),
		HandshakeTimeout: getDur("handshake_timeout", 10*time.Second),
		WriteTimeout:     getDur("write_timeout", 10*time.Second),
		PingInterval:     getDur("ping_interval", 30*time.Second),
	}
	if h, ok := cfg["headers"].(http.Header); ok {
		c.Headers = h
	}
	return c
}

// Transport speaks the gateway's JSON control protocol over a websocket:
// handshake, then auth, then subscribe, with inbound messages multiplexed on
// the same connection. The server drives the lifecycle; every control
// response maps onto one engine event, including the three fatal kinds.
type Transport struct {
	cfg Config

	mu        sync.Mutex
	cb        func(xbot.Event)
	conn      *websocket.Conn
	onMessage xbot.MessageFunc
	subID     string
	done      chan struct{}

	closing atomic.Bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

var _ xbot.Transport = (*Transport)(nil)

// New creates the transport; the connection is dialed on Connect.
func New(cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Transport{cfg: cfg}
}

func (t *Transport) SetEventCallback(cb func(xbot.Event)) {
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
}

// Connect dials the gateway, emits Open with the upgrade response headers,
// starts the read loop and keepalive pinger, and opens the handshake. The
// rest of the lifecycle (auth, subscribe confirmations) arrives
// asynchronously on the read loop.
func (t *Transport) Connect(ctx context.Context) error {
	if t.cfg.URL == "" {
		err := errors.New("websocket: URL not configured")
		t.emit(xbot.Event{Type: xbot.EventHandshakeError, Err: err.Error()})
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, t.cfg.Headers)
	if err != nil {
		t.emit(xbot.Event{Type: xbot.EventHandshakeError, Err: err.Error()})
		return fmt.Errorf("websocket: dial %s: %w", t.cfg.URL, err)
	}

	headers := map[string]string{}
	if resp != nil {
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
	}

	conn.SetPongHandler(func(appData string) error {
		t.emit(xbot.Event{Type: xbot.EventPong, Err: appData})
		return nil
	})

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.done = done
	t.mu.Unlock()
	t.closing.Store(false)

	t.emit(xbot.Event{Type: xbot.EventOpen, Headers: headers})

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(conn)
	}()
	if t.cfg.PingInterval > 0 {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.pingLoop(conn, done)
		}()
	}

	if err := t.writeFrame(conn, frame{Action: actionHandshake, Body: mustBody(handshakeBody{Version: protocolVersion})}); err != nil {
		t.emit(xbot.Event{Type: xbot.EventHandshakeError, Err: err.Error()})
		// The loops are already running on a live socket; tear them down so
		// a failed connect leaks nothing.
		_ = t.teardown(conn)
		return err
	}
	return nil
}

// Subscribe sends the subscribe control frame; the Subscribed event arrives
// when the server confirms and messages flow after that.
func (t *Transport) Subscribe(channel, filter, position string, onMessage xbot.MessageFunc) error {
	t.mu.Lock()
	conn := t.conn
	t.onMessage = onMessage
	t.mu.Unlock()
	if conn == nil {
		return errors.New("websocket: not connected")
	}
	return t.writeFrame(conn, frame{Action: actionSubscribe, Body: mustBody(subscribeBody{
		Channel:  channel,
		Filter:   filter,
		Position: position,
	})})
}

// Disconnect sends a best-effort unsubscribe and close frame, then tears
// the connection down. The Closed event is emitted by the read loop.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	subID := t.subID
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.closing.Store(true)

	if subID != "" {
		_ = t.writeFrame(conn, frame{Action: actionUnsubscribe, Body: mustBody(controlBody{SubscriptionID: subID})})
	}
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.teardown(conn)
}

// teardown closes the connection and joins the read and ping loops. The done
// channel releases the pinger immediately; waiting for its next tick would
// hold Disconnect for up to a full PingInterval.
func (t *Transport) teardown(conn *websocket.Conn) error {
	t.closing.Store(true)
	t.mu.Lock()
	t.conn = nil
	t.onMessage = nil
	t.subID = ""
	done := t.done
	t.done = nil
	t.mu.Unlock()

	if done != nil {
		close(done)
	}
	err := conn.Close()
	t.wg.Wait()
	return err
}

// readLoop is the transport's event-delivery goroutine: it turns every
// control response into exactly one engine event and fans inbound message
// batches into the subscription handler.
func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason := err.Error()
			if t.closing.Load() {
				reason = "disconnect requested"
			}
			t.emit(xbot.Event{Type: xbot.EventClosed, Err: reason})
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.emit(xbot.Event{Type: xbot.EventError, Err: fmt.Sprintf("malformed frame: %v", err)})
			continue
		}

		switch f.Action {
		case actionHandshakeOK:
			if err := t.writeFrame(conn, frame{Action: actionAuth, Body: mustBody(authBody{Token: t.cfg.Token})}); err != nil {
				t.emit(xbot.Event{Type: xbot.EventAuthenticationError, Err: err.Error()})
			}
		case actionHandshakeError:
			t.emit(xbot.Event{Type: xbot.EventHandshakeError, Err: reasonOf(f.Body)})
		case actionAuthOK:
			t.emit(xbot.Event{Type: xbot.EventAuthenticated})
		case actionAuthError:
			t.emit(xbot.Event{Type: xbot.EventAuthenticationError, Err: reasonOf(f.Body)})
		case actionSubscribeOK:
			var body controlBody
			_ = json.Unmarshal(f.Body, &body)
			t.mu.Lock()
			t.subID = body.SubscriptionID
			t.mu.Unlock()
			t.emit(xbot.Event{Type: xbot.EventSubscribed, SubscriptionID: body.SubscriptionID})
		case actionSubscribeError:
			t.emit(xbot.Event{Type: xbot.EventSubscriptionError, Err: reasonOf(f.Body)})
		case actionUnsubscribeOK:
			var body controlBody
			_ = json.Unmarshal(f.Body, &body)
			t.emit(xbot.Event{Type: xbot.EventUnsubscribed, SubscriptionID: body.SubscriptionID})
		case actionPublishOK:
			t.emit(xbot.Event{Type: xbot.EventPublished})
		case actionMessage:
			t.deliver(f.Body)
		case actionError:
			t.emit(xbot.Event{Type: xbot.EventError, Err: reasonOf(f.Body)})
		default:
			// Unknown actions are ignored for forward compatibility.
		}
	}
}

func (t *Transport) deliver(body json.RawMessage) {
	var mb messageBody
	if err := json.Unmarshal(body, &mb); err != nil {
		t.emit(xbot.Event{Type: xbot.EventError, Err: fmt.Sprintf("malformed message body: %v", err)})
		return
	}
	t.mu.Lock()
	onMessage := t.onMessage
	t.mu.Unlock()
	if onMessage == nil {
		return
	}
	for _, m := range mb.Messages {
		onMessage(&xbot.Message{
			Position: m.Position,
			Payload:  m.Payload,
			Metadata: m.Metadata,
		}, m.Position)
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (t *Transport) writeFrame(conn *websocket.Conn, f frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return conn.WriteJSON(f)
}

func (t *Transport) emit(ev xbot.Event) {
	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}
