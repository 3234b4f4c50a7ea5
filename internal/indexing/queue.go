// Package indexing implements the two-phase MapReduce indexer of spec.md
// §4.3–§4.5 (C3 Index Controller, C4 Index Mapper, C5 Index Reducer),
// following the byte-offset task-planning and hash-partitioned shuffle
// design of compute/indexing/controller.py, mapper.py, and reducer.py.
package indexing

import (
	"encoding/json"
	"fmt"
)

// Queue names, per spec.md §6's reference broker keys.
const (
	QueueMapper   = "queue:indexing:mapper"
	QueueReducer  = "queue:indexing:reducer"
	QueueDeadLead = "queue:indexing:reducer:dead"
)

// NPart is the fixed repository-wide partition count (spec.md §3, §6).
const NPart = 16

// Chunk is the reference mapper-task line count (spec.md §4.3, §6).
const Chunk = 2000

// MaxIdle is the number of consecutive empty claims before a mapper or
// reducer worker self-exits (spec.md §4.4, §6).
const MaxIdle = 5

// IdlePoll is the per-claim timeout a worker uses while idle-polling
// (spec.md §4.4: "MAX_IDLE (reference: 5 x 2s)").
const IdlePoll = 2

// RetryCap is the number of requeues a reducer task tolerates before
// dead-lettering (spec.md §4.5, §6).
const RetryCap = 3

// ReduceUpsertBatch is the reference reduce-time upsert batch size
// (spec.md §4.5, §6).
const ReduceUpsertBatch = 3000

// MapTask is one byte-offset mapper task payload (spec.md §4.3).
type MapTask struct {
	TaskID      int   `json:"task_id"`
	StartOffset int64 `json:"start_offset"`
	ReadBytes   int64 `json:"read_bytes"`
}

// ReducePayload is one reducer task payload: a partition id plus the
// retry count carried for bounded requeue (spec.md §4.5: "payload carries
// {id, retries}").
type ReducePayload struct {
	ID      int `json:"id"`
	Retries int `json:"retries"`
}

// EncodeMapTask marshals a MapTask to its wire payload.
func EncodeMapTask(t MapTask) ([]byte, error) {
	var b, err = json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("indexing: encoding map task %d: %w", t.TaskID, err)
	}
	return b, nil
}

// DecodeMapTask unmarshals a MapTask wire payload.
func DecodeMapTask(payload []byte) (MapTask, error) {
	var t MapTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return MapTask{}, fmt.Errorf("indexing: decoding map task: %w", err)
	}
	return t, nil
}

// EncodeReducePayload marshals a ReducePayload to its wire payload.
func EncodeReducePayload(p ReducePayload) ([]byte, error) {
	var b, err = json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("indexing: encoding reduce payload %d: %w", p.ID, err)
	}
	return b, nil
}

// DecodeReducePayload unmarshals a ReducePayload wire payload.
func DecodeReducePayload(payload []byte) (ReducePayload, error) {
	var p ReducePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ReducePayload{}, fmt.Errorf("indexing: decoding reduce payload: %w", err)
	}
	return p, nil
}
