package analyzer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/searchcore/internal/analyzer"
)

func TestAnalyzeIsDeterministic(t *testing.T) {
	var a = analyzer.New()
	var text = "The Cat sat on the mat. The cat was running!"

	require.Equal(t, a.Analyze(text, false), a.Analyze(text, false))
}

func TestAnalyzeDropsStopWordsAndStems(t *testing.T) {
	var a = analyzer.New()
	var tokens = a.Analyze("The cat sat", false)

	require.NotContains(t, tokens, "the")
	require.Contains(t, tokens, "cat")
	require.Contains(t, tokens, "sat")
}

func TestAnalyzeQueryModeKeepsInterrogatives(t *testing.T) {
	var a = analyzer.New()

	var doc = a.Analyze("how does the cat run", false)
	var query = a.Analyze("how does the cat run", true)

	require.NotContains(t, doc, "how")
	require.Contains(t, query, "how")
}

func TestAnalyzeEmptyText(t *testing.T) {
	var a = analyzer.New()
	require.Empty(t, a.Analyze("", false))
}

func TestAnalyzeStemsPluralAndIngForms(t *testing.T) {
	var a = analyzer.New()

	var catTokens = a.Analyze("cat cats", false)
	require.Len(t, catTokens, 2)
	require.Equal(t, catTokens[0], catTokens[1])

	var jumpTokens = a.Analyze("jumping jumps", false)
	require.Equal(t, jumpTokens[0], jumpTokens[1])
}
