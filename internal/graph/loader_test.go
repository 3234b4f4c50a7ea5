package graph_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/graph"
)

func writeEdges(t *testing.T, content string) string {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "edges.tsv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBuildsAdjacencyAndInitialRanks(t *testing.T) {
	var path = writeEdges(t, "A\tB\nB\tC\nC\tA\nC\tC\n") // C->C is a self-edge, must be dropped.
	var mem = broker.NewMemory()
	var l = graph.Loader{Broker: mem}
	var ctx = context.Background()

	n, err := l.Load(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	nodes, err := mem.ListRange(ctx, graph.KeyNodes, 0, n)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"A", "B", "C"}, nodes)

	for _, id := range []string{"A", "B", "C"} {
		rank, err := mem.HGet(ctx, graph.KeyRanksCurr, id)
		require.NoError(t, err)
		require.Equal(t, "0.3333333333333333", rank)

		out, err := mem.HGet(ctx, graph.KeyOutLinks, id)
		require.NoError(t, err)
		targets, err := graph.DecodeTargets(out)
		require.NoError(t, err)
		require.Len(t, targets, 1)
	}

	count, err := mem.Get(ctx, graph.KeyNodeCount)
	require.NoError(t, err)
	require.Equal(t, "3", count)
}

func TestLoadMarksDanglingNodesAbsentFromOutLinks(t *testing.T) {
	var path = writeEdges(t, "A\tB\n") // B has no out-edges: dangling.
	var mem = broker.NewMemory()
	var l = graph.Loader{Broker: mem}
	var ctx = context.Background()

	_, err := l.Load(ctx, path)
	require.NoError(t, err)

	_, err = mem.HGet(ctx, graph.KeyOutLinks, "B")
	require.ErrorIs(t, err, broker.ErrNotFound)

	degree, err := mem.HGet(ctx, graph.KeyOutDegree, "A")
	require.NoError(t, err)
	require.Equal(t, "1", degree)
}
