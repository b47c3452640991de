// Package redisstream provides a Redis Streams transport for xbot.
//
// Transport name: "redis-streams"
//
// Minimal config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - username, password, db: client credentials
//   - tls, tls_server_name: enable TLS
//   - batch_size: XREAD COUNT (default 128)
//   - block: XREAD BLOCK duration (default 5s)
//   - ping_timeout: Connect probe timeout (default 2s)
//   - max_len_approx: approximate trim length for Publish (default off)
//
// Positions are stream entry IDs; an empty position tails new entries only.
// Server-side filter expressions are rejected with a SubscriptionError.
//
// Example builder usage:
//
//	engine, _ := xbot.NewEngineBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":       "localhost:6379",
//	        "batch_size": 256,
//	        "block":      "5s",
//	    }).
//	    WithSink(sink).
//	    Build()
package redisstream
