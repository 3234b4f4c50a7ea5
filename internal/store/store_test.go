package store_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/searchcore/internal/store"
)

func open(t *testing.T) *store.Store {
	t.Helper()
	var s, err = store.Open(context.Background(), "sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertInvertedIndexRowsIsLastWriterWins(t *testing.T) {
	var s = open(t)
	var ctx = context.Background()

	require.NoError(t, store.WithRetry(ctx, s.DB, 1, func(tx *sql.Tx) error {
		return store.UpsertInvertedIndexRows(ctx, tx, []store.InvertedIndexRow{
			{Term: "cat", DF: 1, Postings: map[string]int64{"d1": 3}},
		})
	}))

	require.NoError(t, store.WithRetry(ctx, s.DB, 1, func(tx *sql.Tx) error {
		return store.UpsertInvertedIndexRows(ctx, tx, []store.InvertedIndexRow{
			{Term: "cat", DF: 2, Postings: map[string]int64{"d1": 3, "d2": 1}},
		})
	}))

	var postings string
	var df int
	require.NoError(t, s.DB.QueryRow(`SELECT df, postings FROM inverted_index WHERE term = ?`, "cat").Scan(&df, &postings))
	require.Equal(t, 2, df)
	require.JSONEq(t, `{"d1":3,"d2":1}`, postings)
}

func TestUpsertPageRankRows(t *testing.T) {
	var s = open(t)
	var ctx = context.Background()

	require.NoError(t, store.WithRetry(ctx, s.DB, 1, func(tx *sql.Tx) error {
		return store.UpsertPageRankRows(ctx, tx, []string{"d1", "d2"}, []float64{0.5, 0.25})
	}))

	var score float64
	require.NoError(t, s.DB.QueryRow(`SELECT score FROM pagerank WHERE doc_id = ?`, "d1").Scan(&score))
	require.InDelta(t, 0.5, score, 1e-9)
}

func TestUpsertMetadataRows(t *testing.T) {
	var s = open(t)
	var ctx = context.Background()

	require.NoError(t, store.WithRetry(ctx, s.DB, 1, func(tx *sql.Tx) error {
		return store.UpsertMetadataRows(ctx, tx, []store.MetadataRow{
			{DocID: "d1", Length: 120, Text: "the cat sat"},
		})
	}))

	var length int
	require.NoError(t, s.DB.QueryRow(`SELECT length FROM metadata WHERE doc_id = ?`, "d1").Scan(&length))
	require.Equal(t, 120, length)
}

func TestSetConfig(t *testing.T) {
	var s = open(t)
	var ctx = context.Background()

	require.NoError(t, store.SetConfig(ctx, s.DB, "avgdl", 42.5))
	require.NoError(t, store.SetConfig(ctx, s.DB, "avgdl", 43.0))

	var value float64
	require.NoError(t, s.DB.QueryRow(`SELECT value FROM config WHERE key = ?`, "avgdl").Scan(&value))
	require.InDelta(t, 43.0, value, 1e-9)
}

func TestWithRetryRollsBackAndSurfacesError(t *testing.T) {
	var s = open(t)
	var ctx = context.Background()

	var err = store.WithRetry(ctx, s.DB, 2, func(tx *sql.Tx) error {
		return sql.ErrNoRows
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
}
