package indexing_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/searchcore/internal/analyzer"
	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/indexing"
	"github.com/fenwick-labs/searchcore/internal/store"
)

func writeCorpus(t *testing.T, lines []string) string {
	t.Helper()
	var dir = t.TempDir()
	var path = filepath.Join(dir, "corpus.jsonl")
	var data string
	for _, l := range lines {
		data += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func docLine(t *testing.T, id, text string) string {
	t.Helper()
	var b, err = json.Marshal(map[string]any{"id": id, "text": text, "out_links": []string{}})
	require.NoError(t, err)
	return string(b)
}

func TestControllerPublishesChunkedMapTasksAndPartitionTasks(t *testing.T) {
	var lines []string
	for i := 0; i < 5; i++ {
		lines = append(lines, docLine(t, "d"+string(rune('0'+i)), "the cat sat"))
	}
	var corpus = writeCorpus(t, lines)

	var mem = broker.NewMemory()
	var ctrl = indexing.Controller{Broker: mem, Chunk: 2}

	mapped, reduced, err := ctrl.Run(context.Background(), indexing.PhaseAll, corpus)
	require.NoError(t, err)
	require.Equal(t, 3, mapped) // 2, 2, 1 line chunks.
	require.Equal(t, indexing.NPart, reduced)

	// Exactly NPart partition tasks are pending on the reducer queue.
	for p := 0; p < indexing.NPart; p++ {
		var _, ok, cerr = mem.Claim(context.Background(), indexing.QueueReducer, 10*time.Millisecond)
		require.NoError(t, cerr)
		require.True(t, ok)
	}
	var _, more, cerr = mem.Claim(context.Background(), indexing.QueueReducer, 10*time.Millisecond)
	require.NoError(t, cerr)
	require.False(t, more)
}

func TestMapperThenReducerEndToEnd(t *testing.T) {
	var corpus = writeCorpus(t, []string{
		docLine(t, "d1", "The cat sat"),
		docLine(t, "d2", "the cat"),
	})
	var shuffleDir = t.TempDir()
	require.NoError(t, os.MkdirAll(shuffleDir, 0o755))

	var mem = broker.NewMemory()
	var ctrl = indexing.Controller{Broker: mem, Chunk: 2000}
	_, _, err := ctrl.Run(context.Background(), indexing.PhaseAll, corpus)
	require.NoError(t, err)

	var mapper = indexing.Mapper{
		Broker:     mem,
		Analyzer:   analyzer.New(),
		CorpusPath: corpus,
		ShuffleDir: shuffleDir,
	}
	require.NoError(t, mapper.Run(context.Background()))

	var s, serr = store.Open(context.Background(), "sqlite3", "file::memory:?cache=shared")
	require.NoError(t, serr)
	defer s.Close()

	var reducer = indexing.Reducer{Broker: mem, Store: s, ShuffleDir: shuffleDir}
	require.NoError(t, reducer.Run(context.Background()))

	var postings string
	var df int
	var catTerm = analyzer.New().Analyze("cat", false)[0]
	require.NoError(t, s.DB.QueryRow(`SELECT df, postings FROM inverted_index WHERE term = ?`, catTerm).Scan(&df, &postings))
	require.Equal(t, 2, df)
	require.JSONEq(t, `{"d1":1,"d2":1}`, postings)
}

func TestReducerDeadLettersUnparseablePayload(t *testing.T) {
	var mem = broker.NewMemory()
	var ctx = context.Background()
	require.NoError(t, mem.Publish(ctx, indexing.QueueReducer, []byte("not json")))

	var s, err = store.Open(ctx, "sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	defer s.Close()

	var reducer = indexing.Reducer{Broker: mem, Store: s, ShuffleDir: t.TempDir()}
	require.NoError(t, reducer.Run(ctx))

	var dead, derr = mem.DeadLetters(ctx, indexing.QueueReducer)
	require.NoError(t, derr)
	require.Len(t, dead, 1)
	require.Equal(t, "unparseable payload", dead[0].Reason)
}

func TestReducerRequeuesThenDeadLettersAfterRetryCap(t *testing.T) {
	var mem = broker.NewMemory()
	var ctx = context.Background()

	// A partition with no shuffle files succeeds trivially, so we write one
	// (empty) partition file for partition 3 to get processPartition past
	// that early return, and close the store handle before Run so that
	// every transaction it opens fails.
	var shuffleDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shuffleDir, "part-task0-r3"), []byte{}, 0o644))

	var s, err = store.Open(ctx, "sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, s.DB.Close()) // Force every subsequent transaction to fail.

	var payload, perr = indexing.EncodeReducePayload(indexing.ReducePayload{ID: 3, Retries: indexing.RetryCap - 1})
	require.NoError(t, perr)
	require.NoError(t, mem.Publish(ctx, indexing.QueueReducer, payload))

	var reducer = indexing.Reducer{Broker: mem, Store: s, ShuffleDir: shuffleDir}
	require.NoError(t, reducer.Run(ctx))

	var dead, derr = mem.DeadLetters(ctx, indexing.QueueReducer)
	require.NoError(t, derr)
	require.Len(t, dead, 1)

	decoded, derr2 := indexing.DecodeReducePayload(dead[0].Payload)
	require.NoError(t, derr2)
	require.Equal(t, 3, decoded.ID)
}
