package indexing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/ops"
	"github.com/fenwick-labs/searchcore/internal/shuffle"
	"github.com/fenwick-labs/searchcore/internal/store"
)

// Reducer k-way merges a partition's shuffle files and upserts the
// resulting rows into the inverted-index table (C5, spec.md §4.5).
type Reducer struct {
	Broker     broker.Broker
	Store      *store.Store
	ShuffleDir string
	BatchSize  int // reference 3000; 0 means ReduceUpsertBatch.
}

// Run loops claiming partition tasks until MaxIdle consecutive empty
// claims, per spec.md §4.4's idle-exit policy applied uniformly to both
// worker kinds (spec.md §5).
func (rd *Reducer) Run(ctx context.Context) error {
	var idle int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var payload, ok, err = rd.Broker.Claim(ctx, QueueReducer, IdlePoll*time.Second)
		if err != nil {
			return err
		}
		ops.QueueOpsTotal.WithLabelValues(QueueReducer, "claim").Inc()

		if !ok {
			idle++
			if idle >= MaxIdle {
				log.Info("reducer: queue empty, exiting")
				return nil
			}
			continue
		}
		idle = 0

		if err := rd.handle(ctx, payload); err != nil {
			return err
		}
	}
}

// handle decodes one claimed payload and dispatches it to processPartition,
// dead-lettering unparseable payloads directly rather than silently
// dropping them (spec.md §9's REDESIGN FLAG on this exact behavior).
func (rd *Reducer) handle(ctx context.Context, payload []byte) error {
	var task, err = DecodeReducePayload(payload)
	if err != nil {
		log.WithError(err).Error("reducer: unparseable payload, dead-lettering")
		if derr := rd.Broker.Deadletter(ctx, QueueReducer, payload, "unparseable payload"); derr != nil {
			return derr
		}
		ops.TasksDeadlettered.WithLabelValues(QueueReducer).Inc()
		return nil
	}

	var procErr = rd.processPartition(ctx, task.ID)
	if procErr == nil {
		if err := rd.Broker.Ack(ctx, QueueReducer, payload); err != nil {
			return err
		}
		ops.QueueOpsTotal.WithLabelValues(QueueReducer, "ack").Inc()
		return nil
	}

	log.WithError(procErr).WithField("partition", task.ID).Warn("reducer: partition failed")

	if task.Retries < RetryCap {
		var next, err = EncodeReducePayload(ReducePayload{ID: task.ID, Retries: task.Retries + 1})
		if err != nil {
			return err
		}
		if err := rd.Broker.Ack(ctx, QueueReducer, payload); err != nil {
			return err
		}
		if err := rd.Broker.Requeue(ctx, QueueReducer, next); err != nil {
			return err
		}
		ops.QueueOpsTotal.WithLabelValues(QueueReducer, "requeue").Inc()
		return nil
	}

	if err := rd.Broker.Deadletter(ctx, QueueReducer, payload, procErr.Error()); err != nil {
		return err
	}
	ops.TasksDeadlettered.WithLabelValues(QueueReducer).Inc()
	return nil
}

// processPartition globs, merges, and upserts one partition (spec.md
// §4.5). On success it removes the partition's shuffle files, per spec.md
// §3's "deleted after reduce completes" lifecycle.
func (rd *Reducer) processPartition(ctx context.Context, partition int) error {
	var files, err = shuffle.ListPartitionFiles(rd.ShuffleDir, partition)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	var batchSize = rd.BatchSize
	if batchSize <= 0 {
		batchSize = ReduceUpsertBatch
	}

	var count int
	err = store.WithRetry(ctx, rd.Store.DB, RetryCap, func(tx *sql.Tx) error {
		// Re-open the merger on every attempt: a prior attempt may have
		// partially drained it before failing mid-transaction.
		var merger, err = shuffle.OpenMerger(files)
		if err != nil {
			return err
		}
		defer merger.Close()

		var batch []store.InvertedIndexRow
		count = 0

		var flush = func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := store.UpsertInvertedIndexRows(ctx, tx, batch); err != nil {
				return err
			}
			batch = batch[:0]
			return nil
		}

		if err := shuffle.TermGroups(merger, func(g shuffle.Group) error {
			if len(g.Term) > 512 {
				return nil // spec.md §4.5 step 1: oversize terms are discarded as garbage.
			}
			batch = append(batch, store.InvertedIndexRow{Term: g.Term, DF: len(g.Postings), Postings: g.Postings})
			count++
			if len(batch) >= batchSize {
				return flush()
			}
			return nil
		}); err != nil {
			return err
		}
		return flush()
	})
	if err != nil {
		return fmt.Errorf("indexing: reducing partition %d: %w", partition, err)
	}

	if err := shuffle.RemovePartitionFiles(files); err != nil {
		return err
	}

	ops.ReducerRowsUpserted.WithLabelValues(fmt.Sprintf("%d", partition)).Add(float64(count))
	log.WithFields(log.Fields{"partition": partition, "terms": count}).Info("reducer: partition done")
	return nil
}
