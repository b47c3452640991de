package websocket

import (
	"encoding/json"
)

// Gateway control protocol: every frame is a JSON object with an action tag
// and an action-specific body. Client actions are handshake, auth, subscribe
// and unsubscribe; the server answers each with "<action>/ok" or
// "<action>/error" and pushes inbound batches as "message" frames.

const protocolVersion = 1

const (
	actionHandshake      = "handshake"
	actionHandshakeOK    = "handshake/ok"
	actionHandshakeError = "handshake/error"
	actionAuth           = "auth"
	actionAuthOK         = "auth/ok"
	actionAuthError      = "auth/error"
	actionSubscribe      = "subscribe"
	actionSubscribeOK    = "subscribe/ok"
	actionSubscribeError = "subscribe/error"
	actionUnsubscribe    = "unsubscribe"
	actionUnsubscribeOK  = "unsubscribe/ok"
	actionPublishOK      = "publish/ok"
	actionMessage        = "message"
	actionError          = "error"
)

type frame struct {
	Action string          `json:"action"`
	Body   json.RawMessage `json:"body,omitempty"`
}

type handshakeBody struct {
	Version int `json:"version"`
}

type authBody struct {
	Token string `json:"token"`
}

type subscribeBody struct {
	Channel  string `json:"channel"`
	Filter   string `json:"filter,omitempty"`
	Position string `json:"position,omitempty"`
}

// controlBody covers ok/error responses: either a subscription identifier
// or a failure reason.
type controlBody struct {
	SubscriptionID string `json:"subscription_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type messageBody struct {
	SubscriptionID string         `json:"subscription_id"`
	Messages       []inboundEntry `json:"messages"`
}

type inboundEntry struct {
	Position string            `json:"position"`
	Payload  json.RawMessage   `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func mustBody(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func reasonOf(body json.RawMessage) string {
	var cb controlBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return ""
	}
	return cb.Reason
}
