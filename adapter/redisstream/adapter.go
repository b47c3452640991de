package redisstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xbot"
)

const TransportName = "redis-streams"

func init() {
	if err := xbot.RegisterTransport(TransportName, func(cfg map[string]any) (xbot.Transport, error) {
		return New(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xbot: failed to register transport %q: %w", TransportName, err))
	}
}

// Field constants (avoid typos/allocs)
const (
	fieldPayload    = "payload" // raw []byte, binary-safe
	fieldProducedAt = "producedAt"
	fieldMetaPrefix = "meta:"
)

// Config for the Redis Streams transport.
type Config struct {
	// Client options
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Tailing options
	BatchSize int           // XREAD COUNT
	Block     time.Duration // XREAD BLOCK

	// Connect handshake
	PingTimeout time.Duration

	// Stream trimming for Publish
	MaxLenApprox int64
}

// Defaults returns a Config with production defaults.
func Defaults() Config {
	return Config{
		Addr:        "127.0.0.1:6379",
		BatchSize:   128,
		Block:       5 * time.Second,
		PingTimeout: 2 * time.Second,
	}
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getString := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
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
		}
		return d
	}
	getInt64 := func(k string, d int64) int64 {
		switch v := cfg[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return d
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
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

	return Config{
		Addr:          getString("addr", "127.0.0.1:6379"),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),
		BatchSize:     getInt("batch_size", 128),
		Block:         getDur("block", 5*time.Second),
		PingTimeout:   getDur("ping_timeout", 2*time.Second),
		MaxLenApprox:  getInt64("max_len_approx", 0),
	}
}

// Transport tails a Redis stream as the inbound channel. The position is the
// stream entry ID, which is exactly the monotonic cursor the engine expects:
// resubscribing from the last delivered ID resumes without gaps. No consumer
// groups are used because the engine owns exactly one cursor per instance.
//
// Filter expressions are not supported; Subscribe rejects a non-empty
// filter with a SubscriptionError.
type Transport struct {
	cfg    Config
	client *redis.Client

	mu        sync.Mutex
	cb        func(xbot.Event)
	cancel    context.CancelFunc
	connected bool

	wg sync.WaitGroup
}

var _ xbot.Transport = (*Transport)(nil)

// New creates the transport; the client connects on Connect.
func New(cfg Config) *Transport {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 128
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	return &Transport{cfg: cfg}
}

func (t *Transport) SetEventCallback(cb func(xbot.Event)) {
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
}

// Connect builds the client and probes it with PING. The probe doubles as
// the authentication handshake: credential rejections surface as
// AuthenticationError, anything else as HandshakeError.
func (t *Transport) Connect(ctx context.Context) error {
	opts := &redis.Options{
		Addr:     t.cfg.Addr,
		Username: t.cfg.Username,
		Password: t.cfg.Password,
		DB:       t.cfg.DB,
	}
	if t.cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    t.cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	client := redis.NewClient(opts)

	if err := t.ping(ctx, client); err != nil {
		_ = client.Close()
		if isAuthErr(err) {
			t.emit(xbot.Event{Type: xbot.EventAuthenticationError, Err: err.Error()})
		} else {
			t.emit(xbot.Event{Type: xbot.EventHandshakeError, Err: err.Error()})
		}
		return err
	}

	t.mu.Lock()
	t.client = client
	t.connected = true
	t.mu.Unlock()

	t.emit(xbot.Event{Type: xbot.EventOpen, Headers: map[string]string{
		"addr": t.cfg.Addr,
		"db":   strconv.Itoa(t.cfg.DB),
	}})
	t.emit(xbot.Event{Type: xbot.EventAuthenticated})
	return nil
}

// Subscribe starts a tailing goroutine reading the stream from position
// ("$" when empty, i.e. new entries only).
func (t *Transport) Subscribe(channel, filter, position string, onMessage xbot.MessageFunc) error {
	if filter != "" {
		err := fmt.Errorf("redisstream: server-side filters are not supported (got %q)", filter)
		t.emit(xbot.Event{Type: xbot.EventSubscriptionError, Err: err.Error()})
		return err
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return errors.New("redisstream: not connected")
	}
	if t.cancel != nil {
		// Re-subscription after a reconnect: stop the previous tail first.
		t.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	client := t.client
	t.mu.Unlock()

	if position == "" {
		position = "$"
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.tail(ctx, client, channel, position, onMessage)
	}()

	t.emit(xbot.Event{Type: xbot.EventSubscribed, SubscriptionID: channel})
	return nil
}

func (t *Transport) tail(ctx context.Context, client *redis.Client, channel, lastID string, onMessage xbot.MessageFunc) {
	args := &redis.XReadArgs{
		Count: int64(t.cfg.BatchSize),
		Block: t.cfg.Block,
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		args.Streams = []string{channel, lastID}
		res, err := client.XRead(ctx, args).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout, just loop again.
				continue
			}
			t.emit(xbot.Event{Type: xbot.EventError, Err: err.Error()})
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		for i := range res {
			for j := range res[i].Messages {
				x := res[i].Messages[j]
				onMessage(decodeMessage(x.ID, x.Values), x.ID)
				lastID = x.ID
			}
		}
	}
}

// Publish appends a payload to a stream with XADD; used by forwarding sinks
// that republish into another stream.
func (t *Transport) Publish(ctx context.Context, stream string, payload []byte, metadata map[string]string) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return errors.New("redisstream: not connected")
	}

	vals := make(map[string]any, 2+len(metadata))
	vals[fieldPayload] = payload
	vals[fieldProducedAt] = time.Now().UnixNano()
	for k, v := range metadata {
		vals[fieldMetaPrefix+k] = v
	}
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: vals,
	}
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	return client.XAdd(ctx, args).Err()
}

// Disconnect stops the tailing goroutine and closes the client.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	cancel := t.cancel
	t.cancel = nil
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()

	var err error
	if client != nil {
		err = client.Close()
	}
	t.emit(xbot.Event{Type: xbot.EventClosed, Err: "disconnect requested"})
	return err
}

func (t *Transport) emit(ev xbot.Event) {
	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// decodeMessage maps a stream entry to a Message. Entries written by Publish
// carry a raw payload field; foreign entries are re-encoded as a JSON
// document of their fields so the sink always sees one payload.
func decodeMessage(id string, vals map[string]any) *xbot.Message {
	msg := &xbot.Message{
		Position: id,
		Metadata: map[string]string{},
	}
	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			msg.Payload = p
		case string:
			msg.Payload = []byte(p)
		}
	} else {
		doc := make(map[string]string, len(vals))
		for k, v := range vals {
			doc[k] = asString(v)
		}
		msg.Payload, _ = json.Marshal(doc)
	}
	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			msg.ReceivedAt = time.Unix(0, ns)
		}
	}
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			msg.Metadata[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}

func (t *Transport) ping(ctx context.Context, c *redis.Client) error {
	pctx, cancel := context.WithTimeout(ctx, t.cfg.PingTimeout)
	defer cancel()
	res, err := c.Ping(pctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if !strings.EqualFold(res, "PONG") {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}

func isAuthErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NOAUTH") ||
		strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "invalid username-password")
}
