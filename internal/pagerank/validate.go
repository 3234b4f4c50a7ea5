package pagerank

import (
	"math"
	"sort"
)

// Validate computes the Spearman rank correlation between two score maps
// keyed by the same id space, restricted to their common ids. It
// generalizes compute/validate_pagerank.py's correlation-against-a-
// reference-solver check (spec.md §8's "ranking order ... equals the order
// produced by a reference dense solver within Spearman rho >= 0.99").
//
// Validate is a supplemented operation: spec.md's core does not require a
// reference solver at runtime, but a component that can score one
// distributed run against another (or against a small-graph reference
// computation in a test) is the natural counterpart to that testable
// property.
func Validate(got, reference map[string]float64) (correlation float64, overlap int) {
	var common []string
	for id := range got {
		if _, ok := reference[id]; ok {
			common = append(common, id)
		}
	}
	if len(common) < 2 {
		return 0, len(common)
	}
	sort.Strings(common) // Deterministic tie ordering for rank assignment.

	var gotVals = make([]float64, len(common))
	var refVals = make([]float64, len(common))
	for i, id := range common {
		gotVals[i] = got[id]
		refVals[i] = reference[id]
	}

	return spearman(gotVals, refVals), len(common)
}

// spearman computes the Spearman rank correlation coefficient of two
// equal-length series via the Pearson correlation of their ranks
// (average rank on ties).
func spearman(a, b []float64) float64 {
	var ra, rb = rank(a), rank(b)
	return pearson(ra, rb)
}

func rank(values []float64) []float64 {
	var n = len(values)
	var idx = make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return values[idx[i]] < values[idx[j]] })

	var ranks = make([]float64, n)
	var i = 0
	for i < n {
		var j = i
		for j+1 < n && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		var avgRank = float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avgRank
		}
		i = j + 1
	}
	return ranks
}

func pearson(a, b []float64) float64 {
	var n = float64(len(a))
	if n == 0 {
		return 0
	}
	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= n
	meanB /= n

	var cov, varA, varB float64
	for i := range a {
		var da, db = a[i] - meanA, b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / (math.Sqrt(varA) * math.Sqrt(varB))
}
