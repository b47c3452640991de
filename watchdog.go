package xbot

import (
	"fmt"
	"strconv"
	"time"
)

// progressLoop emits a status line with the current counters once per
// interval. Purely observational; exits when the stop flag is set.
func (e *Engine) progressLoop(q *Queue) {
	defer e.wg.Done()
	for !e.stop.Load() {
		e.logger.Info().
			Str("received", strconv.FormatUint(e.received.Load(), 10)).
			Str("sent", strconv.FormatUint(e.sent.Load(), 10)).
			Str("dropped", strconv.FormatUint(q.Dropped(), 10)).
			Str("queued", strconv.Itoa(q.Len())).
			Msg("progress")
		time.Sleep(e.progressInterval)
	}
	e.logger.Debug().Msg("progress loop done")
}

// heartbeatLoop is the liveness watchdog. It checks the stop flag every
// watchdogTick but only compares counter snapshots once per full heartbeat
// interval, so shutdown latency stays bounded by the tick. An unchanged
// snapshot means zero messages received and zero sent for the whole
// interval; no legitimate operating mode is that quiet, so it is reported
// as a fatal stall and the StallPolicy decides how Run unwinds.
func (e *Engine) heartbeatLoop(enabled bool) {
	defer e.wg.Done()
	if !enabled {
		return
	}
	last := e.livenessSnapshot()
	var elapsed time.Duration
	for !e.stop.Load() {
		time.Sleep(e.watchdogTick)
		elapsed += e.watchdogTick
		if elapsed < e.heartbeatInterval {
			continue
		}
		elapsed = 0
		cur := e.livenessSnapshot()
		if cur == last {
			e.logger.Error().
				Str("interval", e.heartbeatInterval.String()).
				Msg("no messages received or sent for the full interval")
			e.fail(ErrStalled)
			return
		}
		last = cur
	}
	e.logger.Debug().Msg("heartbeat loop done")
}

func (e *Engine) livenessSnapshot() string {
	return fmt.Sprintf("received %d sent %d", e.received.Load(), e.sent.Load())
}
