package vibemesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

const (
	frameTypePing = "ping"
	frameTypePong = "pong"
)

// probeFrame is the JSON wire shape of the latency probe exchange.
type probeFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	PingID  string          `json:"pingId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Vibe wraps one connection to a peer, tracks its liveness and carries a
// desirability score. Higher value means a better peer; the score is the
// negated round-trip latency of the last probe, so it is never positive.
type Vibe struct {
	conn Conn

	lk         sync.Mutex
	value      float64
	lastActive time.Time
	lastPing   time.Time
	muted      bool
	pending    map[string]chan error

	logger *slog.Logger
	msink  metrics.MetricSink
}

func newVibe(conn Conn, logger *slog.Logger, msink metrics.MetricSink) *Vibe {
	return &Vibe{
		conn:    conn,
		pending: make(map[string]chan error),
		logger:  logger,
		msink:   msink,
	}
}

// Touch records peer activity. It is invoked on every inbound frame and
// explicitly right after connecting.
func (vb *Vibe) Touch() {
	vb.lk.Lock()
	vb.lastActive = time.Now()
	vb.lk.Unlock()
}

// IsActive reports whether the peer showed any sign of life within
// maxInactivity of now.
func (vb *Vibe) IsActive(maxInactivity time.Duration, now time.Time) bool {
	vb.lk.Lock()
	defer vb.lk.Unlock()
	return !vb.lastActive.Add(maxInactivity).Before(now)
}

// Mute marks the vibe as no longer permitted to originate application
// traffic. Inbound frames and protocol responses keep flowing so in-flight
// exchanges can complete; the vibe is expected to go inactive and be closed
// by its sprite's convergence cycle. Muting is never undone.
func (vb *Vibe) Mute() {
	vb.lk.Lock()
	vb.muted = true
	vb.lk.Unlock()
}

func (vb *Vibe) Muted() bool {
	vb.lk.Lock()
	defer vb.lk.Unlock()
	return vb.muted
}

// Value returns the current desirability score.
func (vb *Vibe) Value() float64 {
	vb.lk.Lock()
	defer vb.lk.Unlock()
	return vb.value
}

// LastPing returns when the last probe was initiated, or the zero time if
// the vibe was never probed.
func (vb *Vibe) LastPing() time.Time {
	vb.lk.Lock()
	defer vb.lk.Unlock()
	return vb.lastPing
}

func (vb *Vibe) setValue(v float64) {
	vb.lk.Lock()
	vb.value = v
	vb.lk.Unlock()
}

// Forward sends one application frame on the underlying connection. Muted
// vibes refuse to originate traffic.
func (vb *Vibe) Forward(frame []byte) error {
	if vb.Muted() {
		return ErrVibeMuted
	}
	if err := vb.conn.Send(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
	return nil
}

// Ping measures the round-trip latency to the peer and folds the outcome
// into the vibe's value: a matching pong within timeout yields
// -elapsedMilliseconds, anything else (timeout, malformed traffic while
// waiting, a failed send) yields -Inf. Ping never returns an error: the
// caller cannot distinguish "too slow" from "protocol violation" here, and
// is not meant to.
//
// At most one waiter exists per call; it is torn down exactly once, on
// whichever comes first of the matching pong, the timeout or ctx
// cancellation. A pong landing after that is silently discarded.
func (vb *Vibe) Ping(ctx context.Context, payload any, timeout time.Duration) {
	id := uuid.NewString()
	frame, err := marshalProbe(probeFrame{Type: frameTypePing, ID: id}, payload)
	if err != nil {
		vb.setValue(math.Inf(-1))
		return
	}

	waiter := make(chan error, 1)
	vb.lk.Lock()
	vb.pending[id] = waiter
	vb.lastPing = time.Now()
	vb.lk.Unlock()
	defer func() {
		vb.lk.Lock()
		delete(vb.pending, id)
		vb.lk.Unlock()
	}()

	vb.msink.IncrCounter(MetricVibePingCount, 1.0)
	start := time.Now()
	if err := vb.conn.Send(frame); err != nil {
		vb.setValue(math.Inf(-1))
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-waiter:
		if err != nil {
			vb.setValue(math.Inf(-1))
			return
		}
		elapsed := float64(time.Since(start)) / float64(time.Millisecond)
		vb.msink.AddSample(MetricVibeRttMs, float32(elapsed))
		vb.setValue(-elapsed)
	case <-timer.C:
		vb.msink.IncrCounter(MetricVibePingTimeoutCount, 1.0)
		vb.setValue(math.Inf(-1))
	case <-ctx.Done():
		vb.setValue(math.Inf(-1))
	}
}

// Pong answers a probe, echoing the id carried by the triggering ping.
func (vb *Vibe) Pong(pingID string, payload any) error {
	frame, err := marshalProbe(probeFrame{Type: frameTypePong, PingID: pingID}, payload)
	if err != nil {
		return err
	}
	if err := vb.conn.Send(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
	vb.msink.IncrCounter(MetricVibePongCount, 1.0)
	return nil
}

// handleFrame is the inbound dispatcher bound to the connection. Every
// frame counts as activity. Bare pings get an immediate pong; pongs are
// matched against the pending probe; malformed traffic fails any probe in
// flight instead of surfacing to a caller.
func (vb *Vibe) handleFrame(frame []byte) {
	vb.Touch()

	var msg probeFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		vb.failPending()
		return
	}

	switch msg.Type {
	case frameTypePing:
		if err := vb.Pong(msg.ID, nil); err != nil {
			vb.logger.Warn("failed to answer a ping", LabelError.L(err))
		}
	case frameTypePong:
		vb.lk.Lock()
		waiter, has := vb.pending[msg.PingID]
		if has {
			delete(vb.pending, msg.PingID)
		}
		vb.lk.Unlock()
		if has {
			waiter <- nil
		}
	}
}

// failPending resolves every in-flight probe as a protocol failure.
func (vb *Vibe) failPending() {
	vb.lk.Lock()
	waiters := make([]chan error, 0, len(vb.pending))
	for id, waiter := range vb.pending {
		waiters = append(waiters, waiter)
		delete(vb.pending, id)
	}
	vb.lk.Unlock()
	for _, waiter := range waiters {
		waiter <- ErrProtocol
	}
}

func marshalProbe(frame probeFrame, payload any) ([]byte, error) {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		frame.Payload = raw
	}
	return json.Marshal(frame)
}
