package shuffle_test

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/searchcore/internal/shuffle"
)

func TestWriteAndMergePartitionFiles(t *testing.T) {
	var dir = t.TempDir()

	require.NoError(t, shuffle.WritePartitionFile(dir, 0, 3, []shuffle.Tuple{
		{Term: "cat", DocID: "d1", TF: 1},
		{Term: "dog", DocID: "d1", TF: 2},
	}))
	require.NoError(t, shuffle.WritePartitionFile(dir, 1, 3, []shuffle.Tuple{
		{Term: "cat", DocID: "d2", TF: 1},
		{Term: "cat", DocID: "d1", TF: 1}, // Duplicate mapper-retry emission.
	}))

	files, err := shuffle.ListPartitionFiles(dir, 3)
	require.NoError(t, err)
	require.Len(t, files, 2)

	merger, err := shuffle.OpenMerger(files)
	require.NoError(t, err)
	defer merger.Close()

	var groups []shuffle.Group
	require.NoError(t, shuffle.TermGroups(merger, func(g shuffle.Group) error {
		groups = append(groups, g)
		return nil
	}))

	require.Len(t, groups, 2)
	require.Equal(t, "cat", groups[0].Term)
	require.Equal(t, map[string]int64{"d1": 2, "d2": 1}, groups[0].Postings, "duplicate (term,doc) tuples must sum, not overwrite")
	require.Equal(t, "dog", groups[1].Term)
	require.Equal(t, map[string]int64{"d1": 2}, groups[1].Postings)
}

func TestWritePartitionFileIsIdempotentByteForByte(t *testing.T) {
	var dir1, dir2 = t.TempDir(), t.TempDir()
	var tuples = []shuffle.Tuple{
		{Term: "zebra", DocID: "d3", TF: 4},
		{Term: "apple", DocID: "d1", TF: 1},
	}

	require.NoError(t, shuffle.WritePartitionFile(dir1, 7, 2, append([]shuffle.Tuple(nil), tuples...)))
	require.NoError(t, shuffle.WritePartitionFile(dir2, 7, 2, append([]shuffle.Tuple(nil), tuples...)))

	f1, err := shuffle.ListPartitionFiles(dir1, 2)
	require.NoError(t, err)
	f2, err := shuffle.ListPartitionFiles(dir2, 2)
	require.NoError(t, err)
	require.Len(t, f1, 1)
	require.Len(t, f2, 1)

	b1, err := readAll(f1[0])
	require.NoError(t, err)
	b2, err := readAll(f2[0])
	require.NoError(t, err)
	require.Equal(t, b1, b2, "re-running a mapper on the same input must produce byte-identical output")
}

func TestEmptyTuplesWriteNoFile(t *testing.T) {
	var dir = t.TempDir()
	require.NoError(t, shuffle.WritePartitionFile(dir, 0, 5, nil))
	files, err := shuffle.ListPartitionFiles(dir, 5)
	require.NoError(t, err)
	require.Empty(t, files)
}

func readAll(path string) ([]byte, error) {
	var f, err = os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
