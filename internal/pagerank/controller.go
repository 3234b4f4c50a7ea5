package pagerank

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/corerr"
	"github.com/fenwick-labs/searchcore/internal/ops"
)

// Controller drives bulk-synchronous PageRank rounds: scatter, compute,
// integrity check, convergence check, swap (C7, spec.md §4.7).
type Controller struct {
	Broker       broker.Broker
	PhaseTimeout time.Duration // reference 1800s; 0 means no timeout.
	PollInterval time.Duration // reference 200ms; 0 means PollInterval constant.
}

// Result summarizes a completed run.
type Result struct {
	Rounds    int
	Converged bool
	FinalDiff float64
}

// Run executes rounds until convergence or MaxIterations, reading the node
// count from sys:node_count (written by the graph loader).
func (c *Controller) Run(ctx context.Context) (Result, error) {
	var raw, err = c.Broker.Get(ctx, KeyNodeCount)
	if err != nil {
		return Result{}, fmt.Errorf("pagerank: reading %s: %w", KeyNodeCount, err)
	}
	var n, perr = strconv.Atoi(raw)
	if perr != nil {
		return Result{}, fmt.Errorf("pagerank: parsing %s: %w", KeyNodeCount, perr)
	}
	if n <= 0 {
		return Result{}, fmt.Errorf("pagerank: %s is %d: %w", KeyNodeCount, n, corerr.IntegrityViolation)
	}

	var poll = c.PollInterval
	if poll <= 0 {
		poll = PollInterval * time.Millisecond
	}

	var result Result
	for round := 1; round <= MaxIterations; round++ {
		var start = time.Now()

		danglingSum, err := c.scatter(ctx, n, poll)
		if err != nil {
			return result, err
		}

		var base = BaseValue(danglingSum, n)
		if err := c.Broker.Set(ctx, KeyBaseValue, strconv.FormatFloat(base, 'g', -1, 64)); err != nil {
			return result, err
		}

		diff, err := c.compute(ctx, n, round, poll)
		if err != nil {
			return result, err
		}

		result.Rounds = round
		result.FinalDiff = diff
		ops.PageRankRoundDuration.Observe(time.Since(start).Seconds())
		ops.PageRankConvergenceDiff.Set(diff)
		ops.Progress(round, "compute", time.Since(start), diff)

		if diff < ConvergenceThreshold {
			result.Converged = true
			break
		}

		if err := c.Broker.Delete(ctx, KeyRanksCurrent); err != nil {
			return result, err
		}
		if err := c.Broker.Rename(ctx, KeyRanksNext, KeyRanksCurrent); err != nil {
			return result, err
		}
	}

	if err := c.Broker.Set(ctx, string(KeySignal), string(SignalDone)); err != nil {
		return result, err
	}
	return result, nil
}

// scatter runs phase 1 of one round: clear accumulators, publish tasks
// before setting the signal (spec.md §9's REDESIGN FLAG), wait for the
// phase-ack barrier, and return the round's dangling-mass sum.
func (c *Controller) scatter(ctx context.Context, n int, poll time.Duration) (float64, error) {
	if err := c.Broker.Delete(ctx, KeyAccumulated); err != nil {
		return 0, err
	}
	if err := c.Broker.Delete(ctx, KeyDanglingSum); err != nil {
		return 0, err
	}
	if err := c.Broker.Set(ctx, KeyPhaseAck, "0"); err != nil {
		return 0, err
	}

	var taskCount, err = c.publishTasks(ctx, n)
	if err != nil {
		return 0, err
	}
	if err := c.Broker.Set(ctx, string(KeySignal), string(SignalScatter)); err != nil {
		return 0, err
	}

	if err := c.waitForAcks(ctx, taskCount, poll); err != nil {
		return 0, err
	}

	sum, err := c.Broker.HGet(ctx, KeyDanglingSum, DanglingSumField)
	if err == broker.ErrNotFound {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	var d, perr = strconv.ParseFloat(sum, 64)
	if perr != nil {
		return 0, fmt.Errorf("pagerank: parsing dangling sum: %w", perr)
	}
	return d, nil
}

// compute runs phase 2 of one round: clear pr:ranks:next, publish tasks
// before setting the signal, wait for the barrier, verify integrity, and
// return the round's convergence diff.
func (c *Controller) compute(ctx context.Context, n, round int, poll time.Duration) (float64, error) {
	if err := c.Broker.Set(ctx, KeyConvergenceDiff, "0"); err != nil {
		return 0, err
	}
	if err := c.Broker.Delete(ctx, KeyRanksNext); err != nil {
		return 0, err
	}
	if err := c.Broker.Set(ctx, KeyPhaseAck, "0"); err != nil {
		return 0, err
	}

	var taskCount, err = c.publishTasks(ctx, n)
	if err != nil {
		return 0, err
	}
	if err := c.Broker.Set(ctx, string(KeySignal), string(SignalCompute)); err != nil {
		return 0, err
	}

	if err := c.waitForAcks(ctx, taskCount, poll); err != nil {
		return 0, err
	}

	var actual int
	actual, err = c.Broker.HLen(ctx, KeyRanksNext)
	if err != nil {
		return 0, err
	}
	if actual != n {
		ops.Abort(corerr.IntegrityViolation, KeyRanksNext)
		return 0, fmt.Errorf("pagerank: round %d: %s has %d entries, want %d: %w", round, KeyRanksNext, actual, n, corerr.IntegrityViolation)
	}

	diffRaw, err := c.Broker.Get(ctx, KeyConvergenceDiff)
	if err != nil {
		return 0, err
	}
	diff, perr := strconv.ParseFloat(diffRaw, 64)
	if perr != nil {
		return 0, fmt.Errorf("pagerank: parsing convergence diff: %w", perr)
	}
	return diff, nil
}

// publishTasks publishes ceil(n/TaskBatchSize) "{start},{count}" scatter or
// compute micro-batch tasks (spec.md §4.7 step 2).
func (c *Controller) publishTasks(ctx context.Context, n int) (int, error) {
	if err := c.Broker.Clear(ctx, QueueTasks); err != nil {
		return 0, err
	}
	var count int
	for start := 0; start < n; start += TaskBatchSize {
		if err := c.Broker.Publish(ctx, QueueTasks, encodeTask(start, TaskBatchSize)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// waitForAcks polls sys:phase_ack until it reaches taskCount, respecting
// PhaseTimeout (spec.md §5's per-phase wall-clock timeout).
func (c *Controller) waitForAcks(ctx context.Context, taskCount int, poll time.Duration) error {
	var deadline time.Time
	if c.PhaseTimeout > 0 {
		deadline = time.Now().Add(c.PhaseTimeout)
	}

	for {
		var raw, err = c.Broker.Get(ctx, KeyPhaseAck)
		if err != nil && err != broker.ErrNotFound {
			return err
		}
		var ack int
		if raw != "" {
			ack, _ = strconv.Atoi(raw)
		}
		if ack >= taskCount {
			return nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			ops.Abort(corerr.Timeout, KeyPhaseAck)
			return fmt.Errorf("pagerank: phase exceeded %s: %w", c.PhaseTimeout, corerr.Timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// VerifyIntegrity reports whether the hash at key has exactly expected
// entries, for use in pre-run sanity checks (spec.md §4.7's "if
// pr:ranks:current already exists, verify_integrity against node count").
func VerifyIntegrity(ctx context.Context, b broker.Broker, key string, expected int) (bool, error) {
	var actual, err = b.HLen(ctx, key)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

// MassConservationOK reports whether the sum of a rank vector lies within
// tolerance of 1, per spec.md §8's "mass conservation within a round"
// testable property.
func MassConservationOK(sum float64, n int) bool {
	return math.Abs(sum-1) <= 1e-6*float64(n)
}
