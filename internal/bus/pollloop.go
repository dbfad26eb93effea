package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/twmb/franz-go/pkg/kgo"
)

// BatchPoller is what the poll loop needs from a consumer.
type BatchPoller interface {
	PollBatch(ctx context.Context, maxN int, timeout time.Duration) ([]*kgo.Record, error)
}

// PollLoopOptions parameterize PollLoop. Zero-valued stop conditions are
// disabled.
type PollLoopOptions struct {
	// Handler is called with every non-empty batch.
	Handler func(context.Context, []*kgo.Record) error
	// BatchSize is the max records per poll.
	BatchSize int
	// Timeout bounds each individual poll.
	Timeout time.Duration
	// NoMsgSleep is slept after an empty poll.
	NoMsgSleep time.Duration
	// StopAfter ends the loop once this much time has elapsed.
	StopAfter time.Duration
	// StopAfterN ends the loop once at least this many records were handled.
	// The loop handles whole batches, so it may overshoot.
	StopAfterN int
	// StopAfterEmptyPolls ends the loop after this many consecutive empty
	// polls.
	StopAfterEmptyPolls int
	// MaintFn, if set, runs about every MaintPeriod of monotonic time.
	MaintFn     func()
	MaintPeriod time.Duration
	// Control, if set, receives a heartbeat each iteration and is polled for
	// a die request.
	Control *ControlPipe

	Logger *slog.Logger
	Clock  clockwork.Clock
}

// PollLoop repeatedly polls p and hands batches to the handler. It returns
// true on natural termination (a stop condition was reached) and false when a
// die request arrived on the control pipe. Handler and poll errors end the
// loop early.
func PollLoop(ctx context.Context, p BatchPoller, opts PollLoopOptions) (bool, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.NoMsgSleep <= 0 {
		opts.NoMsgSleep = time.Second
	}

	start := clock.Now()
	nextMaint := start.Add(opts.MaintPeriod)
	emptyPolls := 0
	nconsumed := 0

	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		stop := false
		batch, err := p.PollBatch(ctx, opts.BatchSize, opts.Timeout)
		if err != nil {
			return false, err
		}
		if len(batch) == 0 {
			emptyPolls++
			if opts.StopAfterEmptyPolls > 0 && emptyPolls >= opts.StopAfterEmptyPolls {
				log.Debug("stopping after consecutive empty polls", "n", emptyPolls)
				stop = true
			} else {
				clock.Sleep(opts.NoMsgSleep)
			}
		} else {
			emptyPolls = 0
			if opts.Handler != nil {
				if err := opts.Handler(ctx, batch); err != nil {
					return false, fmt.Errorf("batch handler: %w", err)
				}
			}
			nconsumed += len(batch)
		}

		runtime := clock.Since(start)
		if opts.StopAfterN > 0 && nconsumed >= opts.StopAfterN {
			stop = true
		}
		if opts.StopAfter > 0 && runtime > opts.StopAfter {
			stop = true
		}

		if opts.MaintFn != nil && opts.MaintPeriod > 0 && clock.Now().After(nextMaint) {
			opts.MaintFn()
			nextMaint = nextMaint.Add(opts.MaintPeriod)
		}

		// Every iteration sends a heartbeat and polls for a die request, the
		// final one included. Die wins over any stop condition.
		if opts.Control != nil {
			opts.Control.sendHeartbeat(Heartbeat{OK: true, NConsumed: nconsumed, Runtime: runtime})
			if opts.Control.DieRequested() {
				log.Info("exiting poll loop due to die command", "nconsumed", nconsumed)
				return false, nil
			}
		}
		if stop {
			log.Info("stopping poll loop", "nconsumed", nconsumed, "runtime", runtime)
			return true, nil
		}
	}
}
