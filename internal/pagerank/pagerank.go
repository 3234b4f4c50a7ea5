// Package pagerank implements the bulk-synchronous-parallel PageRank
// engine of spec.md §4.7–§4.8 (C7 PageRank Controller, C8 PageRank
// Worker), following compute/pagerank/controller.py's round/phase
// structure with the REDESIGN FLAG of spec.md §9 applied: tasks are
// always published before the phase signal is set.
package pagerank

import (
	"fmt"
	"strconv"
	"strings"
)

// Broker keys, per spec.md §6.
const (
	QueueTasks = "queue:pr:tasks"

	KeyAccumulated     = "pr:accumulated"
	KeyDanglingSum     = "pr:dangling_sum"
	DanglingSumField   = "total"
	KeyRanksCurrent    = "pr:ranks:current"
	KeyRanksNext       = "pr:ranks:next"
	KeySignal          = "sys:signal"
	KeyPhaseAck        = "sys:phase_ack"
	KeyBaseValue       = "sys:base_value"
	KeyConvergenceDiff = "sys:convergence_diff"
	KeyNodeCount       = "sys:node_count"

	KeyOutLinks  = "graph:out_links"
	KeyOutDegree = "graph:out_degree"
	KeyNodes     = "graph:nodes"
)

// Signal values of the sys:signal state machine (spec.md §4.8).
type Signal string

const (
	SignalIdle    Signal = ""
	SignalScatter Signal = "SCATTER"
	SignalCompute Signal = "COMPUTE"
	SignalDone    Signal = "SHUTDOWN"
)

// Reference tunable constants (spec.md §6).
const (
	TaskBatchSize        = 2000
	MaxIterations        = 100
	DampingFactor        = 0.85
	ConvergenceThreshold = 1e-6
	PollInterval         = 200 // milliseconds
	WorkerRetryAttempts  = 3
)

// encodeTask formats a "{start},{count}" scatter/compute micro-batch task
// payload (spec.md §4.7 step 2).
func encodeTask(start, count int) []byte {
	return []byte(fmt.Sprintf("%d,%d", start, count))
}

// decodeTask parses a "{start},{count}" task payload (spec.md §4.8).
func decodeTask(payload []byte) (start, count int, err error) {
	var parts = strings.SplitN(string(payload), ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("pagerank: malformed task payload %q", payload)
	}
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("pagerank: malformed task start %q: %w", parts[0], err)
	}
	count, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("pagerank: malformed task count %q: %w", parts[1], err)
	}
	return start, count, nil
}

// BaseValue computes the uniform floor folded into every node's rank each
// compute phase (spec.md §4.7, GLOSSARY: "Base value").
func BaseValue(danglingSum float64, n int) float64 {
	return (1 - DampingFactor + DampingFactor*danglingSum) / float64(n)
}
