package stats_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/searchcore/internal/analyzer"
	"github.com/fenwick-labs/searchcore/internal/stats"
	"github.com/fenwick-labs/searchcore/internal/store"
)

func TestWriterComputesLengthsAndAvgDL(t *testing.T) {
	var ctx = context.Background()
	var corpus = filepath.Join(t.TempDir(), "corpus.jsonl")
	var line1 = `{"id":"d1","text":"The cat sat on the mat","out_links":[]}`
	var line2 = `{"id":"d2","text":"A cat with a mat","out_links":[]}`
	require.NoError(t, os.WriteFile(corpus, []byte(line1+"\n"+line2+"\n"), 0o644))

	var s, err = store.Open(ctx, "sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	defer s.Close()

	var w = stats.Writer{Store: s, Analyzer: analyzer.New(), CorpusPath: corpus, BatchSize: 1}
	count, rerr := w.Run(ctx)
	require.NoError(t, rerr)
	require.Equal(t, 2, count)

	var length int
	var text string
	require.NoError(t, s.DB.QueryRow(`SELECT length, text FROM metadata WHERE doc_id = ?`, "d2").Scan(&length, &text))
	require.NotContains(t, text, "\x00")
	require.Greater(t, length, 0)

	var avgdl float64
	require.NoError(t, s.DB.QueryRow(`SELECT value FROM config WHERE key = ?`, "avgdl").Scan(&avgdl))
	require.Greater(t, avgdl, 0.0)
}

func TestWriterEmptyCorpusWritesZeroAvgDL(t *testing.T) {
	var ctx = context.Background()
	var corpus = filepath.Join(t.TempDir(), "corpus.jsonl")
	require.NoError(t, os.WriteFile(corpus, []byte{}, 0o644))

	var s, err = store.Open(ctx, "sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	defer s.Close()

	var w = stats.Writer{Store: s, Analyzer: analyzer.New(), CorpusPath: corpus}
	count, rerr := w.Run(ctx)
	require.NoError(t, rerr)
	require.Equal(t, 0, count)

	var avgdl float64
	require.NoError(t, s.DB.QueryRow(`SELECT value FROM config WHERE key = ?`, "avgdl").Scan(&avgdl))
	require.Equal(t, 0.0, avgdl)
}
