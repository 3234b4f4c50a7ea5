// Package broker implements the reliable work-queue and shared mutable
// scalar/hash/list primitives of spec.md §4.1 and §9: two backends share one
// interface, an etcd-backed one for real runs and an in-memory one for
// tests, mirroring the way the teacher's go/runtime/testing.go stands in
// for a live gazette/etcd data plane in unit tests.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get/HGet when the key or field is absent.
var ErrNotFound = errors.New("broker: key not found")

// DeadLetter is one entry of a dead-letter queue, carrying the reason the
// owning task exhausted its retry budget (spec.md §4.1).
type DeadLetter struct {
	Payload []byte
	Reason  string
}

// Broker is the reliable work-queue contract of spec.md §4.1, plus the
// atomic scalar/hash/list primitives spec.md §9 requires for safely shared
// PageRank and graph state. Every mutation of shared state goes through one
// of these methods; callers never read-modify-write.
type Broker interface {
	// Publish appends payload to queue's pending list (tail).
	Publish(ctx context.Context, queue string, payload []byte) error

	// Claim atomically moves one payload from queue's pending head (the
	// oldest published payload, unless a Requeue or Reclaim has put one in
	// front of it) to its processing head, blocking up to timeout if pending
	// is empty. ok is false on timeout with no payload claimed.
	Claim(ctx context.Context, queue string, timeout time.Duration) (payload []byte, ok bool, err error)

	// Ack removes one occurrence of payload from queue's processing list.
	Ack(ctx context.Context, queue string, payload []byte) error

	// Requeue removes payload from processing and prepends it to pending
	// (priority retry — it is claimed before anything already pending).
	Requeue(ctx context.Context, queue string, payload []byte) error

	// Deadletter removes payload from processing and appends it, with
	// reason, to queue's dead-letter list.
	Deadletter(ctx context.Context, queue string, payload []byte, reason string) error

	// Clear empties both the pending and processing lists of queue.
	Clear(ctx context.Context, queue string) error

	// Reclaim moves every payload currently in queue's processing list back
	// to the head of pending, for recovery after a worker crash (spec.md §8
	// scenario 5). It returns the number of payloads reclaimed.
	Reclaim(ctx context.Context, queue string) (int, error)

	// DeadLetters returns the current contents of queue's dead-letter list.
	DeadLetters(ctx context.Context, queue string) ([]DeadLetter, error)

	// --- shared scalar / hash / list state (spec.md §9) ---

	// Set writes a scalar key unconditionally.
	Set(ctx context.Context, key, value string) error
	// Get reads a scalar key, returning ErrNotFound if absent.
	Get(ctx context.Context, key string) (string, error)
	// Delete removes a scalar, hash, or list key. Absence is not an error.
	Delete(ctx context.Context, key string) error
	// Rename atomically moves a key (scalar, hash, or list) from src to dst,
	// deleting src. Used for the pr:ranks:next -> pr:ranks:current swap.
	Rename(ctx context.Context, src, dst string) error

	// AtomicAddFloat adds delta to the float64 scalar at key (default 0)
	// and returns the new value. Used for pr:accumulated, pr:dangling_sum,
	// sys:convergence_diff.
	AtomicAddFloat(ctx context.Context, key string, delta float64) (float64, error)
	// AtomicAddInt adds delta to the int64 scalar at key (default 0) and
	// returns the new value. Used for sys:phase_ack.
	AtomicAddInt(ctx context.Context, key string, delta int64) (int64, error)

	// HSet writes one field of a hash.
	HSet(ctx context.Context, hash, field, value string) error
	// HGet reads one field of a hash, returning ErrNotFound if absent.
	HGet(ctx context.Context, hash, field string) (string, error)
	// HLen returns the number of fields in a hash.
	HLen(ctx context.Context, hash string) (int, error)
	// HAddFloat adds delta to a hash field's float64 value (default 0) and
	// returns the new value. Used for per-node pr:accumulated increments.
	HAddFloat(ctx context.Context, hash, field string, delta float64) (float64, error)

	// ListAppend appends values to the tail of an ordered list, returning
	// the index of the first appended value.
	ListAppend(ctx context.Context, key string, values ...string) (int, error)
	// ListRange returns up to count values starting at index start.
	ListRange(ctx context.Context, key string, start, count int) ([]string, error)
	// ListLen returns the length of an ordered list.
	ListLen(ctx context.Context, key string) (int, error)
}
