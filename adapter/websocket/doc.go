// Package websocket provides a realtime-gateway transport for xbot over a
// single websocket connection (gorilla/websocket).
//
// Transport name: "websocket"
//
// Minimal config keys:
//   - url: ws:// or wss:// gateway endpoint (required)
//   - token: credential for the auth frame
//   - handshake_timeout: dial timeout (default 10s)
//   - write_timeout: per-frame write deadline (default 10s)
//   - ping_interval: keepalive ping period (default 30s, 0 disables)
//
// The lifecycle is fully asynchronous: Connect returns once the socket is
// up and the handshake frame is on the wire; Authenticated, Subscribed and
// the fatal error events arrive through the engine's event callback as the
// server answers.
package websocket
