package xbot_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xbot"
	"github.com/trickstertwo/xbot/adapter/memory"
	"github.com/trickstertwo/xlog"
	_ "github.com/trickstertwo/xlog/adapter/zerolog"
)

// newTestBuilder returns a builder with millisecond-scale intervals so the
// supervision, progress and watchdog loops run fast under test.
func newTestBuilder(tr *memory.Transport, sink xbot.Sink) *xbot.EngineBuilder {
	return xbot.NewEngineBuilder().
		WithTransportInstance(tr).
		WithSink(sink).
		WithLogger(xlog.New()).
		WithProgressInterval(20 * time.Millisecond).
		WithSuperviseInterval(20 * time.Millisecond).
		WithWatchdogTick(5 * time.Millisecond).
		WithHeartbeatInterval(50 * time.Millisecond).
		WithIdleWait(time.Millisecond)
}

func countingSink(sent *atomic.Int64) xbot.Sink {
	return xbot.SinkFunc(func(*xbot.Message, bool, *xbot.Throttle) bool {
		sent.Add(1)
		return true
	})
}

type runResult struct {
	n   int64
	err error
}

func runAsync(e *xbot.Engine, ctx context.Context, opts xbot.RunOptions) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		n, err := e.Run(ctx, opts)
		ch <- runResult{n: n, err: err}
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan runResult, timeout time.Duration) runResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(timeout):
		t.Fatalf("run did not return within %v", timeout)
		return runResult{}
	}
}

func TestRun_SentAccounting(t *testing.T) {
	tr := memory.New(memory.Config{})
	for i := 0; i < 5; i++ {
		tr.Publish([]byte(fmt.Sprintf(`{"id":%d}`, i)), nil)
	}

	var sent atomic.Int64
	engine, err := newTestBuilder(tr, countingSink(&sent)).Build()
	require.NoError(t, err)

	n, err := engine.Run(context.Background(), xbot.RunOptions{
		Channel: "events",
		Runtime: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, int64(5), sent.Load())

	stats := engine.Stats()
	assert.Equal(t, uint64(5), stats.Received)
	assert.Equal(t, uint64(5), stats.Sent)
	assert.Equal(t, uint64(0), stats.Dropped)
}

func TestRun_BoundedRuntimeNoTraffic(t *testing.T) {
	tr := memory.New(memory.Config{})
	var sent atomic.Int64
	engine, err := newTestBuilder(tr, countingSink(&sent)).Build()
	require.NoError(t, err)

	n, err := engine.Run(context.Background(), xbot.RunOptions{
		Channel: "events",
		Runtime: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRun_FatalClassification(t *testing.T) {
	kinds := []xbot.EventType{
		xbot.EventHandshakeError,
		xbot.EventAuthenticationError,
		xbot.EventSubscriptionError,
	}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			tr := memory.New(memory.Config{ManualLifecycle: true})
			var sent atomic.Int64
			engine, err := newTestBuilder(tr, countingSink(&sent)).Build()
			require.NoError(t, err)

			ch := runAsync(engine, context.Background(), xbot.RunOptions{
				Channel: "events",
				Runtime: -1,
			})

			time.Sleep(50 * time.Millisecond)
			tr.Emit(xbot.Event{Type: kind, Err: "induced failure"})

			res := waitResult(t, ch, 2*time.Second)
			assert.Equal(t, int64(-1), res.n)

			var terr *xbot.TransportError
			require.ErrorAs(t, res.err, &terr)
			assert.Equal(t, kind, terr.Event)
		})
	}
}

func TestRun_FatalShortCircuitsRuntime(t *testing.T) {
	tr := memory.New(memory.Config{})
	var sent atomic.Int64
	engine, err := newTestBuilder(tr, countingSink(&sent)).
		WithSuperviseInterval(50 * time.Millisecond).
		Build()
	require.NoError(t, err)

	start := time.Now()
	ch := runAsync(engine, context.Background(), xbot.RunOptions{
		Channel: "events",
		Runtime: 20, // a full second without the short-circuit
	})

	time.Sleep(100 * time.Millisecond)
	tr.Emit(xbot.Event{Type: xbot.EventHandshakeError, Err: "induced failure"})

	res := waitResult(t, ch, 2*time.Second)
	assert.Equal(t, int64(-1), res.n)
	require.Error(t, res.err)
	assert.Less(t, time.Since(start), 600*time.Millisecond,
		"fatal event must end supervision early")
}

func TestRun_ThrottleDropsInbound(t *testing.T) {
	tr := memory.New(memory.Config{})
	thCh := make(chan *xbot.Throttle, 1)
	var sent atomic.Int64
	sink := xbot.SinkFunc(func(_ *xbot.Message, _ bool, th *xbot.Throttle) bool {
		sent.Add(1)
		select {
		case thCh <- th:
		default:
		}
		return true
	})

	engine, err := newTestBuilder(tr, sink).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := runAsync(engine, ctx, xbot.RunOptions{Channel: "events", Runtime: -1})

	tr.Publish([]byte(`{"id":1}`), nil)
	var th *xbot.Throttle
	select {
	case th = <-thCh:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never ran")
	}

	// Memory delivery is synchronous with Publish, so the flag takes effect
	// before the next message arrives.
	th.Set()
	for i := 2; i <= 4; i++ {
		tr.Publish([]byte(fmt.Sprintf(`{"id":%d}`, i)), nil)
	}
	assert.Equal(t, uint64(1), engine.Stats().Received,
		"throttled messages must not be counted or queued")

	th.Clear()
	tr.Publish([]byte(`{"id":5}`), nil)
	require.Eventually(t, func() bool { return sent.Load() == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), engine.Stats().Received)

	cancel()
	res := waitResult(t, ch, 2*time.Second)
	require.NoError(t, res.err)
	assert.Equal(t, int64(2), res.n)
}

func TestRun_SinkFailureIsIsolated(t *testing.T) {
	tr := memory.New(memory.Config{})
	for i := 1; i <= 3; i++ {
		tr.Publish([]byte(fmt.Sprintf(`{"id":%d}`, i)), nil)
	}

	sink := xbot.SinkFunc(func(m *xbot.Message, _ bool, _ *xbot.Throttle) bool {
		return m.Position != "mem-2"
	})
	engine, err := newTestBuilder(tr, sink).Build()
	require.NoError(t, err)

	n, err := engine.Run(context.Background(), xbot.RunOptions{
		Channel: "events",
		Runtime: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "one failed send must not stop the loop")
	assert.Equal(t, uint64(3), engine.Stats().Received)
}

func TestRun_PanickingSinkDoesNotKillDispatch(t *testing.T) {
	tr := memory.New(memory.Config{})
	for i := 1; i <= 3; i++ {
		tr.Publish([]byte(fmt.Sprintf(`{"id":%d}`, i)), nil)
	}

	sink := xbot.SinkFunc(func(m *xbot.Message, _ bool, _ *xbot.Throttle) bool {
		if m.Position == "mem-1" {
			panic("boom")
		}
		return true
	})
	engine, err := newTestBuilder(tr, sink).Build()
	require.NoError(t, err)

	n, err := engine.Run(context.Background(), xbot.RunOptions{
		Channel: "events",
		Runtime: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRun_StallAbort(t *testing.T) {
	tr := memory.New(memory.Config{})
	var sent atomic.Int64
	engine, err := newTestBuilder(tr, countingSink(&sent)).Build()
	require.NoError(t, err)

	ch := runAsync(engine, context.Background(), xbot.RunOptions{
		Channel:         "events",
		EnableHeartbeat: true,
		Runtime:         -1,
	})

	res := waitResult(t, ch, 2*time.Second)
	assert.Equal(t, int64(-1), res.n)
	assert.ErrorIs(t, res.err, xbot.ErrStalled)
}

func TestRun_StallShutdownIsOrderly(t *testing.T) {
	tr := memory.New(memory.Config{})
	var sent atomic.Int64
	engine, err := newTestBuilder(tr, countingSink(&sent)).
		WithStallPolicy(xbot.StallShutdown).
		Build()
	require.NoError(t, err)

	ch := runAsync(engine, context.Background(), xbot.RunOptions{
		Channel:         "events",
		EnableHeartbeat: true,
		Runtime:         -1,
	})
	res := waitResult(t, ch, 2*time.Second)
	assert.Equal(t, int64(-1), res.n)
	assert.ErrorIs(t, res.err, xbot.ErrStalled)

	// The orderly path joins every worker, so the engine is reusable.
	tr2 := memory.New(memory.Config{})
	engine2, err := newTestBuilder(tr2, countingSink(&sent)).
		WithStallPolicy(xbot.StallShutdown).
		Build()
	require.NoError(t, err)
	n, err := engine2.Run(context.Background(), xbot.RunOptions{Channel: "events", Runtime: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRun_HeartbeatDisabledNeverStalls(t *testing.T) {
	tr := memory.New(memory.Config{})
	var sent atomic.Int64
	engine, err := newTestBuilder(tr, countingSink(&sent)).Build()
	require.NoError(t, err)

	// Several heartbeat intervals of silence with the watchdog off.
	n, err := engine.Run(context.Background(), xbot.RunOptions{
		Channel: "events",
		Runtime: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRun_ContextCancelIsOrderlyStop(t *testing.T) {
	tr := memory.New(memory.Config{})
	var sent atomic.Int64
	engine, err := newTestBuilder(tr, countingSink(&sent)).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := runAsync(engine, ctx, xbot.RunOptions{Channel: "events", Runtime: -1})

	time.Sleep(50 * time.Millisecond)
	cancel()

	res := waitResult(t, ch, 2*time.Second)
	require.NoError(t, res.err)
	assert.Equal(t, int64(0), res.n)
}

func TestRun_TracksLastPosition(t *testing.T) {
	tr := memory.New(memory.Config{})
	for i := 1; i <= 3; i++ {
		tr.Publish([]byte(fmt.Sprintf(`{"id":%d}`, i)), nil)
	}

	var sent atomic.Int64
	engine, err := newTestBuilder(tr, countingSink(&sent)).Build()
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), xbot.RunOptions{Channel: "events", Runtime: 5})
	require.NoError(t, err)
	assert.Equal(t, "mem-3", engine.LastPosition())
}

func TestRun_SecondConcurrentRunRejected(t *testing.T) {
	tr := memory.New(memory.Config{})
	var sent atomic.Int64
	engine, err := newTestBuilder(tr, countingSink(&sent)).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := runAsync(engine, ctx, xbot.RunOptions{Channel: "events", Runtime: -1})

	time.Sleep(50 * time.Millisecond)
	n, err := engine.Run(context.Background(), xbot.RunOptions{Channel: "events", Runtime: 1})
	assert.Equal(t, int64(-1), n)
	assert.ErrorIs(t, err, xbot.ErrAlreadyRunning)

	cancel()
	waitResult(t, ch, 2*time.Second)
}

func TestBuilder_Validation(t *testing.T) {
	_, err := xbot.NewEngineBuilder().Build()
	assert.ErrorIs(t, err, xbot.ErrNoTransportConfigured)

	_, err = xbot.NewEngineBuilder().
		WithTransportInstance(memory.New(memory.Config{})).
		Build()
	assert.ErrorIs(t, err, xbot.ErrNoSinkConfigured)

	var sent atomic.Int64
	_, err = xbot.NewEngineBuilder().
		WithTransport("no-such-transport", nil).
		WithSink(countingSink(&sent)).
		Build()
	var unknown xbot.ErrUnknownTransport
	assert.ErrorAs(t, err, &unknown)
}

func TestRun_DecodePayloadInSink(t *testing.T) {
	type event struct {
		ID int `json:"id"`
	}

	tr := memory.New(memory.Config{})
	tr.Publish([]byte(`{"id":42}`), nil)

	got := make(chan int, 1)
	var engine *xbot.Engine
	sink := xbot.SinkFunc(func(m *xbot.Message, _ bool, _ *xbot.Throttle) bool {
		evt, err := xbot.Decode[event](engine.Codec(), m)
		if err != nil {
			return false
		}
		select {
		case got <- evt.ID:
		default:
		}
		return true
	})

	var err error
	engine, err = newTestBuilder(tr, sink).Build()
	require.NoError(t, err)

	n, err := engine.Run(context.Background(), xbot.RunOptions{Channel: "events", Runtime: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	select {
	case id := <-got:
		assert.Equal(t, 42, id)
	default:
		t.Fatal("sink never decoded the payload")
	}
}

func TestRun_UsePreconfiguredBuilder(t *testing.T) {
	var sent atomic.Int64
	engine, err := memory.Use(memory.Config{History: 16},
		memory.WithSink(countingSink(&sent)),
		memory.WithLogger(xlog.New()),
	).
		WithSuperviseInterval(20 * time.Millisecond).
		WithProgressInterval(20 * time.Millisecond).
		WithIdleWait(time.Millisecond).
		Build()
	require.NoError(t, err)

	n, err := engine.Run(context.Background(), xbot.RunOptions{Channel: "events", Runtime: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
