package export_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/export"
	"github.com/fenwick-labs/searchcore/internal/graph"
	"github.com/fenwick-labs/searchcore/internal/pagerank"
	"github.com/fenwick-labs/searchcore/internal/store"
)

func seed(t *testing.T, mem *broker.Memory) {
	t.Helper()
	var ctx = context.Background()
	_, err := mem.ListAppend(ctx, graph.KeyNodes, "A", "B", "C")
	require.NoError(t, err)
	require.NoError(t, mem.Set(ctx, pagerank.KeyNodeCount, "3"))
	require.NoError(t, mem.HSet(ctx, pagerank.KeyRanksCurrent, "A", "0.5"))
	require.NoError(t, mem.HSet(ctx, pagerank.KeyRanksCurrent, "B", "0.3"))
	require.NoError(t, mem.HSet(ctx, pagerank.KeyRanksCurrent, "C", "0.2"))
}

func TestExporterWritesAllRanks(t *testing.T) {
	var ctx = context.Background()
	var mem = broker.NewMemory()
	seed(t, mem)

	var s, err = store.Open(ctx, "sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	defer s.Close()

	var e = export.Exporter{Broker: mem, Store: s}
	count, rerr := e.Run(ctx)
	require.NoError(t, rerr)
	require.Equal(t, 3, count)

	var score float64
	require.NoError(t, s.DB.QueryRow(`SELECT score FROM pagerank WHERE doc_id = ?`, "A").Scan(&score))
	require.InDelta(t, 0.5, score, 1e-9)
}

func TestExporterWriteFlatFile(t *testing.T) {
	var ctx = context.Background()
	var mem = broker.NewMemory()
	seed(t, mem)

	var s, err = store.Open(ctx, "sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	defer s.Close()

	var path = filepath.Join(t.TempDir(), "pagerank.json")
	var e = export.Exporter{Broker: mem, Store: s}
	require.NoError(t, e.WriteFlatFile(ctx, path))

	data, rerr := os.ReadFile(path)
	require.NoError(t, rerr)
	require.Contains(t, string(data), `"A":0.5`)
}

func TestTopNOrdersDescending(t *testing.T) {
	var ranked = export.TopN(map[string]float64{"A": 0.5, "B": 0.9, "C": 0.2}, 2)
	require.Len(t, ranked, 2)
	require.Equal(t, "B", ranked[0].DocID)
	require.Equal(t, "A", ranked[1].DocID)
}
