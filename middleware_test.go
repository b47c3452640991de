package xbot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecoverySink_ConvertsPanicToFailedSend(t *testing.T) {
	sink := RecoverySink()(SinkFunc(func(*Message, bool, *Throttle) bool {
		panic("boom")
	}))

	assert.NotPanics(t, func() {
		assert.False(t, sink.Send(msg("a"), false, &Throttle{}))
	})
}

func TestRetrySink_BoundedAttempts(t *testing.T) {
	var calls int
	sink := RetrySink(RetryConfig{MaxAttempts: 3})(SinkFunc(func(*Message, bool, *Throttle) bool {
		calls++
		return false
	}))

	assert.False(t, sink.Send(msg("a"), false, &Throttle{}))
	assert.Equal(t, 3, calls)
}

func TestRetrySink_StopsOnSuccess(t *testing.T) {
	var calls int
	sink := RetrySink(RetryConfig{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Millisecond },
	})(SinkFunc(func(*Message, bool, *Throttle) bool {
		calls++
		return calls >= 2
	}))

	assert.True(t, sink.Send(msg("a"), false, &Throttle{}))
	assert.Equal(t, 2, calls)
}

func TestChainSink_Order(t *testing.T) {
	var order []string
	mw := func(name string) SinkMiddleware {
		return func(next Sink) Sink {
			return SinkFunc(func(m *Message, v bool, th *Throttle) bool {
				order = append(order, name)
				return next.Send(m, v, th)
			})
		}
	}

	sink := ChainSink(SinkFunc(func(*Message, bool, *Throttle) bool {
		order = append(order, "sink")
		return true
	}), mw("outer"), mw("inner"))

	assert.True(t, sink.Send(msg("a"), false, &Throttle{}))
	assert.Equal(t, []string{"outer", "inner", "sink"}, order)
}

func TestThrottle_IdempotentToggle(t *testing.T) {
	var th Throttle
	assert.False(t, th.Throttled())
	th.Set()
	th.Set()
	assert.True(t, th.Throttled())
	th.Clear()
	th.Clear()
	assert.False(t, th.Throttled())
}
