package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/searchcore/internal/broker"
)

func TestMemoryPublishClaimAck(t *testing.T) {
	var ctx = context.Background()
	var b = broker.NewMemory()

	require.NoError(t, b.Publish(ctx, "q", []byte("a")))
	require.NoError(t, b.Publish(ctx, "q", []byte("b")))

	payload, ok, err := b.Claim(ctx, "q", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", string(payload))

	require.NoError(t, b.Ack(ctx, "q", payload))

	payload, ok, err = b.Claim(ctx, "q", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", string(payload))
}

func TestMemoryClaimTimesOutWhenEmpty(t *testing.T) {
	var ctx = context.Background()
	var b = broker.NewMemory()

	var start = time.Now()
	_, ok, err := b.Claim(ctx, "q", 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestMemoryRequeueIsPriority(t *testing.T) {
	var ctx = context.Background()
	var b = broker.NewMemory()

	require.NoError(t, b.Publish(ctx, "q", []byte("first")))
	payload, ok, _ := b.Claim(ctx, "q", time.Second)
	require.True(t, ok)

	require.NoError(t, b.Publish(ctx, "q", []byte("second")))
	require.NoError(t, b.Requeue(ctx, "q", payload))

	next, ok, _ := b.Claim(ctx, "q", time.Second)
	require.True(t, ok)
	require.Equal(t, "first", string(next), "requeued payload must be claimed before newly published ones")
}

func TestMemoryDeadletter(t *testing.T) {
	var ctx = context.Background()
	var b = broker.NewMemory()

	require.NoError(t, b.Publish(ctx, "q", []byte("poison")))
	payload, _, _ := b.Claim(ctx, "q", time.Second)
	require.NoError(t, b.Deadletter(ctx, "q", payload, "boom"))

	letters, err := b.DeadLetters(ctx, "q")
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "boom", letters[0].Reason)
	require.Equal(t, "poison", string(letters[0].Payload))

	_, ok, _ := b.Claim(ctx, "q", 10*time.Millisecond)
	require.False(t, ok)
}

func TestMemoryReclaimMovesProcessingBackToPending(t *testing.T) {
	var ctx = context.Background()
	var b = broker.NewMemory()

	require.NoError(t, b.Publish(ctx, "q", []byte("a")))
	require.NoError(t, b.Publish(ctx, "q", []byte("b")))
	_, _, _ = b.Claim(ctx, "q", time.Second)
	_, _, _ = b.Claim(ctx, "q", time.Second)

	n, err := b.Reclaim(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, ok, _ := b.Claim(ctx, "q", time.Second)
	require.True(t, ok)
}

func TestMemoryAtomicAddAndHash(t *testing.T) {
	var ctx = context.Background()
	var b = broker.NewMemory()

	v, err := b.AtomicAddFloat(ctx, "sys:convergence_diff", 0.5)
	require.NoError(t, err)
	require.Equal(t, 0.5, v)
	v, err = b.AtomicAddFloat(ctx, "sys:convergence_diff", 0.25)
	require.NoError(t, err)
	require.Equal(t, 0.75, v)

	n, err := b.AtomicAddInt(ctx, "sys:phase_ack", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, b.HSet(ctx, "graph:out_degree", "A", "2"))
	got, err := b.HGet(ctx, "graph:out_degree", "A")
	require.NoError(t, err)
	require.Equal(t, "2", got)

	hv, err := b.HAddFloat(ctx, "pr:accumulated", "A", 0.1)
	require.NoError(t, err)
	require.Equal(t, 0.1, hv)
}

func TestMemoryListAndRename(t *testing.T) {
	var ctx = context.Background()
	var b = broker.NewMemory()

	start, err := b.ListAppend(ctx, "graph:nodes", "A", "B", "C")
	require.NoError(t, err)
	require.Equal(t, 0, start)

	l, err := b.ListLen(ctx, "graph:nodes")
	require.NoError(t, err)
	require.Equal(t, 3, l)

	vals, err := b.ListRange(ctx, "graph:nodes", 1, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"B", "C"}, vals)

	require.NoError(t, b.Set(ctx, "pr:ranks:next:A", "0.5"))
	require.NoError(t, b.Rename(ctx, "pr:ranks:next:A", "pr:ranks:current:A"))
	got, err := b.Get(ctx, "pr:ranks:current:A")
	require.NoError(t, err)
	require.Equal(t, "0.5", got)
	_, err = b.Get(ctx, "pr:ranks:next:A")
	require.ErrorIs(t, err, broker.ErrNotFound)
}
