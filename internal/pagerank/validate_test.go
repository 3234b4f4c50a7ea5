package pagerank_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/searchcore/internal/pagerank"
)

func TestValidateIdenticalRankingsCorrelatePerfectly(t *testing.T) {
	var got = map[string]float64{"A": 0.5, "B": 0.3, "C": 0.2}
	var reference = map[string]float64{"A": 0.49, "B": 0.31, "C": 0.20, "D": 0.9}

	corr, overlap := pagerank.Validate(got, reference)
	require.Equal(t, 3, overlap)
	require.InDelta(t, 1.0, corr, 1e-9)
}

func TestValidateReversedRankingsAnticorrelate(t *testing.T) {
	var got = map[string]float64{"A": 0.1, "B": 0.2, "C": 0.3}
	var reference = map[string]float64{"A": 0.9, "B": 0.5, "C": 0.1}

	corr, overlap := pagerank.Validate(got, reference)
	require.Equal(t, 3, overlap)
	require.InDelta(t, -1.0, corr, 1e-9)
}

func TestValidateTooFewCommonNodes(t *testing.T) {
	corr, overlap := pagerank.Validate(map[string]float64{"A": 1}, map[string]float64{"B": 1})
	require.Equal(t, 0, overlap)
	require.Equal(t, 0.0, corr)
}
