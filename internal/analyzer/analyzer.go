// Package analyzer implements the deterministic token pipeline of spec.md
// §4.10: lowercase, split on word boundaries, drop stop-words, stem. It
// follows compute/utils/tokenizer.py's regexp-tokenize/lowercase/stopword/
// stem pipeline, generalized with the query-mode interrogative exception
// sketched (but left commented out) in compute/utils/SpacyTokenizer.py.
package analyzer

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// tokenPattern matches runs of two or more ASCII letters, mirroring the
// tokenizer's `\b[a-zA-Z]{2,}\b` — punctuation and single letters are
// never indexed.
var tokenPattern = regexp.MustCompile(`[a-zA-Z]{2,}`)

// interrogatives are kept out of the query-mode stop-word set so that
// "who", "what", "when", "where", "why", and "how" still narrow a query.
var interrogatives = map[string]bool{
	"who": true, "what": true, "when": true, "where": true, "why": true, "how": true,
}

// Analyzer is a deterministic, side-effect-free, concurrency-safe token
// pipeline. One instance may be shared by every mapper and stats-writer
// goroutine; Analyze performs no mutation of shared state beyond the
// (safe-for-concurrent-use) memoization cache.
type Analyzer struct {
	docStopWords   map[string]bool
	queryStopWords map[string]bool
	stemCache      *lru.Cache[string, string]
}

// New builds the default analyzer. Its stop-word set is the standard
// English stop-word list; query mode is the same set minus interrogatives.
func New() *Analyzer {
	var doc = make(map[string]bool, len(englishStopWords))
	for _, w := range englishStopWords {
		doc[w] = true
	}
	var query = make(map[string]bool, len(doc))
	for w := range doc {
		if !interrogatives[w] {
			query[w] = true
		}
	}
	var cache, _ = lru.New[string, string](1 << 16)
	return &Analyzer{docStopWords: doc, queryStopWords: query, stemCache: cache}
}

// Analyze tokenizes text deterministically: lowercase, split on runs of
// letters, drop stop-words (query mode keeps interrogatives), stem. The
// index must be built with forQuery=false (spec.md §3); the query-time
// ranking service (out of core scope) calls Analyze with forQuery=true on
// the exact same Analyzer configuration so token sequences agree
// byte-for-byte (spec.md §4.10).
func (a *Analyzer) Analyze(text string, forQuery bool) []string {
	if text == "" {
		return nil
	}

	var stop = a.docStopWords
	if forQuery {
		stop = a.queryStopWords
	}

	var raw = tokenPattern.FindAllString(strings.ToLower(text), -1)
	var out = make([]string, 0, len(raw))
	for _, tok := range raw {
		if stop[tok] {
			continue
		}
		out = append(out, a.stem(tok))
	}
	return out
}

func (a *Analyzer) stem(tok string) string {
	if s, ok := a.stemCache.Get(tok); ok {
		return s
	}
	var s = stem(tok)
	a.stemCache.Add(tok, s)
	return s
}
