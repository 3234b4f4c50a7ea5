package pagerank

import (
	"context"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/graph"
)

// Worker executes SCATTER and COMPUTE phase handlers on node micro-batches
// (C8, spec.md §4.8).
type Worker struct {
	Broker       broker.Broker
	ClaimTimeout time.Duration // reference 2s; 0 means 2s.
	IdleSleep    time.Duration // sleep while sys:signal is idle/unrecognized; 0 means 50ms.
}

// Run loops reading sys:signal, claiming and executing one micro-batch task
// per iteration, until SHUTDOWN or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var claimTimeout = w.ClaimTimeout
	if claimTimeout <= 0 {
		claimTimeout = 2 * time.Second
	}
	var idleSleep = w.IdleSleep
	if idleSleep <= 0 {
		idleSleep = 50 * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var raw, err = w.Broker.Get(ctx, KeySignal)
		if err != nil && err != broker.ErrNotFound {
			return err
		}
		var signal = Signal(raw)

		if signal == SignalDone {
			log.Info("pagerank worker: received SHUTDOWN, exiting")
			return nil
		}
		if signal != SignalScatter && signal != SignalCompute {
			time.Sleep(idleSleep)
			continue
		}

		var payload, ok, cerr = w.Broker.Claim(ctx, QueueTasks, claimTimeout)
		if cerr != nil {
			return cerr
		}
		if !ok {
			continue
		}

		if err := w.handle(ctx, signal, payload); err != nil {
			log.WithError(err).Warn("pagerank worker: task failed, requeuing")
			if rerr := broker.WithRetry(ctx, WorkerRetryAttempts, func() error {
				return w.Broker.Requeue(ctx, QueueTasks, payload)
			}); rerr != nil {
				return rerr
			}
			time.Sleep(idleSleep)
			continue
		}

		if _, err := w.Broker.AtomicAddInt(ctx, KeyPhaseAck, 1); err != nil {
			return err
		}
	}
}

// handle dispatches one claimed task to the SCATTER or COMPUTE handler.
func (w *Worker) handle(ctx context.Context, signal Signal, payload []byte) error {
	var start, count, err = decodeTask(payload)
	if err != nil {
		return err
	}

	var batch []string
	batch, err = w.Broker.ListRange(ctx, KeyNodes, start, count)
	if err != nil {
		return err
	}

	switch signal {
	case SignalScatter:
		return w.scatter(ctx, batch)
	case SignalCompute:
		return w.compute(ctx, batch)
	default:
		return fmt.Errorf("pagerank: unexpected signal %q for task", signal)
	}
}

// scatter implements the SCATTER handler of spec.md §4.8: propagate each
// node's current rank, divided by out-degree, to every out-link's
// accumulator, or fold dangling mass into the local dangling sum.
func (w *Worker) scatter(ctx context.Context, batch []string) error {
	var danglingSum float64

	for _, id := range batch {
		var rank = readFloat(ctx, w.Broker, KeyRanksCurrent, id)

		var degreeRaw, derr = w.Broker.HGet(ctx, KeyOutDegree, id)
		if derr != nil && derr != broker.ErrNotFound {
			return derr
		}

		if derr == broker.ErrNotFound || degreeRaw == "0" {
			danglingSum += rank
			continue
		}

		degree, perr := strconv.Atoi(degreeRaw)
		if perr != nil {
			return fmt.Errorf("pagerank: parsing out_degree[%s]: %w", id, perr)
		}

		outRaw, oerr := w.Broker.HGet(ctx, KeyOutLinks, id)
		if oerr != nil {
			return fmt.Errorf("pagerank: missing out_links for non-dangling node %s: %w", id, oerr)
		}
		targets, terr := graph.DecodeTargets(outRaw)
		if terr != nil {
			return terr
		}

		var contribution = rank / float64(degree)
		for _, t := range targets {
			if err := broker.WithRetry(ctx, WorkerRetryAttempts, func() error {
				var _, err = w.Broker.HAddFloat(ctx, KeyAccumulated, t, contribution)
				return err
			}); err != nil {
				return err
			}
		}
	}

	if danglingSum != 0 {
		if err := broker.WithRetry(ctx, WorkerRetryAttempts, func() error {
			var _, err = w.Broker.HAddFloat(ctx, KeyDanglingSum, DanglingSumField, danglingSum)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// compute implements the COMPUTE handler of spec.md §4.8: fold the phase's
// base value and accumulated contribution into each node's next rank.
func (w *Worker) compute(ctx context.Context, batch []string) error {
	var baseRaw, err = w.Broker.Get(ctx, KeyBaseValue)
	if err != nil {
		return err
	}
	base, perr := strconv.ParseFloat(baseRaw, 64)
	if perr != nil {
		return fmt.Errorf("pagerank: parsing base value: %w", perr)
	}

	var localDiff float64

	for _, id := range batch {
		var accum = readFloat(ctx, w.Broker, KeyAccumulated, id)
		var old = readFloat(ctx, w.Broker, KeyRanksCurrent, id)
		var next = base + DampingFactor*accum

		if err := broker.WithRetry(ctx, WorkerRetryAttempts, func() error {
			return w.Broker.HSet(ctx, KeyRanksNext, id, strconv.FormatFloat(next, 'g', -1, 64))
		}); err != nil {
			return err
		}
		localDiff += abs(next - old)
	}

	return broker.WithRetry(ctx, WorkerRetryAttempts, func() error {
		var _, err = w.Broker.AtomicAddFloat(ctx, KeyConvergenceDiff, localDiff)
		return err
	})
}

// readFloat reads a hash field as float64, defaulting to 0 on ErrNotFound
// (spec.md §4.8's repeated "default 0" read pattern).
func readFloat(ctx context.Context, b broker.Broker, hash, field string) float64 {
	var raw, err = b.HGet(ctx, hash, field)
	if err != nil {
		return 0
	}
	var v, perr = strconv.ParseFloat(raw, 64)
	if perr != nil {
		return 0
	}
	return v
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
