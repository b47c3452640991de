package xbot

import (
	"time"
)

// Message is a single inbound payload taken off the channel. It is immutable
// once enqueued; ownership transfers to the sink when the dispatch loop pops it.
type Message struct {
	// Position is the channel-assigned cursor for this message. It is opaque
	// but monotonically meaningful: resubscribing from it resumes delivery
	// at the next message.
	Position string
	// Payload is the encoded key/value document. Decode with a Codec.
	Payload []byte
	// Metadata is a bag for transport headers/tracing/etc.
	Metadata map[string]string
	// ReceivedAt is the local receive timestamp (from the injected clock).
	ReceivedAt time.Time
}

// MessageFunc is invoked by a transport once per inbound message after a
// successful subscription. position duplicates msg.Position for callers that
// only track the cursor.
type MessageFunc func(msg *Message, position string)
