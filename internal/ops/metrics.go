// Package ops holds the ambient observability surface shared by every
// controller and worker: prometheus counters in the style of
// go/flow/mapping.go's createdPartitionsCounters, and a small structured
// progress-logging helper in the style of go/flow/catalog.go's
// log.WithFields calls.
package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueOpsTotal counts broker primitive invocations by queue and verb
	// (publish, claim, ack, requeue, deadletter).
	QueueOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "searchcore_queue_ops_total",
		Help: "Count of work-queue primitive invocations.",
	}, []string{"queue", "op"})

	// TasksDeadlettered counts tasks that exhausted their retry budget.
	TasksDeadlettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "searchcore_tasks_deadlettered_total",
		Help: "Count of tasks moved to a dead-letter queue.",
	}, []string{"queue"})

	// MapperRecordsIndexed counts records successfully tokenized by mappers.
	MapperRecordsIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "searchcore_mapper_records_indexed_total",
		Help: "Count of document records successfully tokenized.",
	})

	// MapperParseErrors counts skipped malformed input lines.
	MapperParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "searchcore_mapper_parse_errors_total",
		Help: "Count of input lines dropped due to parse errors.",
	})

	// ReducerRowsUpserted counts inverted-index rows written by reducers.
	ReducerRowsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "searchcore_reducer_rows_upserted_total",
		Help: "Count of inverted-index rows upserted, by partition.",
	}, []string{"partition"})

	// PageRankRoundDuration observes the wall-clock duration of a full
	// scatter+compute round.
	PageRankRoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "searchcore_pagerank_round_duration_seconds",
		Help:    "Duration of one PageRank scatter+compute round.",
		Buckets: prometheus.DefBuckets,
	})

	// PageRankConvergenceDiff observes the L1 diff at the end of each round.
	PageRankConvergenceDiff = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "searchcore_pagerank_convergence_diff",
		Help: "L1 difference between successive rank vectors, most recent round.",
	})
)
