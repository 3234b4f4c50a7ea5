package analyzer

import "strings"

// stem is a compact Porter-style suffix stripper covering the common
// English inflections (plurals, -ing, -ed, -ly, -ational, -iveness, ...).
// It is not a full Porter implementation; it is deterministic and collapses
// regular inflections such as "cats"/"cat" and "jumping"/"jumps"/"jump",
// filling the role SnowballStemmer plays in compute/utils/tokenizer.py
// without pulling in an NLP dependency absent from this repository's stack.
// It does not undouble consonants ("running" stems to "runn") and does not
// handle irregular forms ("ran" stays "ran").
func stem(word string) string {
	if len(word) <= 3 {
		return word
	}

	for _, rule := range stepOneSuffixes {
		if strings.HasSuffix(word, rule.suffix) && len(word)-len(rule.suffix)+len(rule.replace) >= rule.minLen {
			return word[:len(word)-len(rule.suffix)] + rule.replace
		}
	}
	for _, rule := range stepTwoSuffixes {
		if strings.HasSuffix(word, rule.suffix) && len(word)-len(rule.suffix)+len(rule.replace) >= rule.minLen {
			return word[:len(word)-len(rule.suffix)] + rule.replace
		}
	}
	return word
}

type suffixRule struct {
	suffix  string
	replace string
	minLen  int // minimum resulting stem length for the rule to apply
}

// stepOneSuffixes strip inflectional endings (plural, verb tense, adverb).
var stepOneSuffixes = []suffixRule{
	{"sses", "ss", 2},
	{"ies", "y", 2},
	{"ing", "", 2},
	{"eed", "ee", 2},
	{"ed", "", 2},
	{"ly", "", 2},
	{"es", "", 2},
	{"s", "", 2},
}

// stepTwoSuffixes strip derivational endings (-ational, -iveness, etc.)
var stepTwoSuffixes = []suffixRule{
	{"ational", "ate", 3},
	{"tional", "tion", 3},
	{"iveness", "ive", 3},
	{"fulness", "ful", 3},
	{"ousness", "ous", 3},
	{"ization", "ize", 3},
	{"ation", "ate", 3},
	{"aliti", "al", 3},
	{"iviti", "ive", 3},
	{"biliti", "ble", 3},
}
