// Package xbot is a long-running bridge engine: it subscribes to one
// realtime pub/sub channel through a pluggable Transport, buffers inbound
// messages in a bounded drop-oldest queue, and drains them through a
// user-supplied Sink under liveness supervision.
//
// The engine is explicitly lossy under overload: when the queue is full the
// oldest message is evicted, and while the sink holds the Throttle the
// ingestion path discards new messages outright. Both are policy, observable
// through Stats, not errors.
//
// Construction goes through EngineBuilder; transports register themselves
// via RegisterTransport (see adapter/memory, adapter/redisstream and
// adapter/websocket).
//
//	engine, err := xbot.NewEngineBuilder().
//	    WithTransport(websocket.TransportName, map[string]any{
//	        "url":   "wss://gateway.example.com/v2",
//	        "token": os.Getenv("GATEWAY_TOKEN"),
//	    }).
//	    WithSink(xbot.SinkFunc(func(msg *xbot.Message, verbose bool, th *xbot.Throttle) bool {
//	        // forward msg somewhere; Set th to shed load, Clear to resume
//	        return true
//	    })).
//	    Build()
//	if err != nil {
//	    ...
//	}
//	sent, err := engine.Run(ctx, xbot.RunOptions{Channel: "events", Runtime: -1})
package xbot
