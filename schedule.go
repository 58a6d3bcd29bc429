package vibemesh

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

// beat invokes fn every period under a named schedule. Invariants:
//
//   - at most one invocation is in flight; a tick firing while the previous
//     invocation runs is dropped, not queued.
//   - a failing invocation is logged and counted, then the schedule goes on;
//     nothing a tick does may terminate the beat.
//   - pause drops ticks without stopping the ticker; resume undoes it.
type beat struct {
	name   string
	period time.Duration
	fn     func(ctx context.Context) error

	logger *slog.Logger
	msink  metrics.MetricSink

	paused atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBeat(name string, period time.Duration, fn func(ctx context.Context) error, logger *slog.Logger, msink metrics.MetricSink) *beat {
	return &beat{
		name:   name,
		period: period,
		fn:     fn,
		logger: logger,
		msink:  msink,
	}
}

func (bt *beat) start() {
	ctx, cancel := context.WithCancel(context.Background())
	bt.cancel = cancel
	bt.wg.Add(1)
	go bt.run(ctx)
}

func (bt *beat) run(ctx context.Context) {
	defer bt.wg.Done()
	ticker := time.NewTicker(bt.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if bt.paused.Load() {
			continue
		}

		if err := bt.fn(ctx); err != nil {
			bt.msink.IncrCounterWithLabels(MetricBeatErrorCount, 1.0,
				[]metrics.Label{LabelBeatName.M(bt.name)})
			bt.logger.Warn("beat tick failed",
				LabelBeatName.L(bt.name), LabelError.L(err))
		}

		// fn runs on the ticker goroutine, so a tick that fired meanwhile
		// is pending in the channel: drop it rather than run back-to-back.
		select {
		case <-ticker.C:
		default:
		}
	}
}

func (bt *beat) pause()  { bt.paused.Store(true) }
func (bt *beat) resume() { bt.paused.Store(false) }

func (bt *beat) stop() {
	if bt.cancel != nil {
		bt.cancel()
	}
	bt.wg.Wait()
}

// withRetries runs fn up to attempts times, each attempt bounded by timeout,
// sleeping delay between failures. The last error is returned when every
// attempt failed; ctx cancellation cuts the loop short.
func withRetries(ctx context.Context, attempts int, delay, timeout time.Duration, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
