package xbot

// EventType enumerates transport lifecycle events.
type EventType string

const (
	EventOpen                EventType = "open"
	EventClosed              EventType = "closed"
	EventAuthenticated       EventType = "authenticated"
	EventSubscribed          EventType = "subscribed"
	EventUnsubscribed        EventType = "unsubscribed"
	EventError               EventType = "error"
	EventPublished           EventType = "published"
	EventPong                EventType = "pong"
	EventHandshakeError      EventType = "handshake_error"
	EventAuthenticationError EventType = "authentication_error"
	EventSubscriptionError   EventType = "subscription_error"
)

// Event is the discriminated lifecycle event a transport reports through its
// event callback. Only Type is always set.
type Event struct {
	Type           EventType
	Err            string            // optional error message
	Headers        map[string]string // optional, on Open
	SubscriptionID string            // optional, on Subscribed/Unsubscribed
}

// Fatal reports whether the event kind is unrecoverable for the engine.
// Handshake, authentication and subscription failures mean the bot can never
// make progress on this channel; everything else is expected reconnect noise.
func (e Event) Fatal() bool {
	switch e.Type {
	case EventHandshakeError, EventAuthenticationError, EventSubscriptionError:
		return true
	}
	return false
}
