// Package license decides whether a dataset is openly licensed from the free
// text that sources publish about their terms.
//
// Patterns are compared as whole token sequences after normalization, so
// "CC-BY-4.0", "CC BY 4.0" and "cc-by 4.0" are the same text while "mit" does
// not match inside "permitted".
package license

import (
	"strings"
	"unicode"

	"github.com/JiscSD/qda-harvester/record"
)

// OpenPatterns are phrases that make a license OPEN.
var OpenPatterns = []string{
	"cc by",
	"cc0",
	"cc zero",
	"creative commons",
	"creativecommons.org licenses",
	"creativecommons.org publicdomain",
	"public domain",
	"odc by",
	"odc odbl",
	"odc pddl",
	"odbl",
	"pddl",
	"mit license",
	"mit licence",
	"apache 2.0",
	"apache license",
	"etalab",
	"licence ouverte",
	"open licence",
	"open license",
	"statistics canada open licence",
	"open government licence",
	"standard access",
	"not aware of any copyright",
	"no known restrictions",
	"no known copyright restrictions",
	"non restricted",
	"fully open content",
	"united states government work",
	"(a) openly available",
	"(a) vapaasti",
}

// ExactOpenCodes are codes that make a license OPEN only when they are the
// whole fragment.
var ExactOpenCodes = []string{
	"mit",
	"apache",
}

// ClosedPatterns are phrases that make a license RESTRICTED when no open
// pattern matched.
var ClosedPatterns = []string{
	"all rights reserved",
	"restricted",
	"restricted access",
	"proprietary",
	"copyrighted",
	"(b)",
	"(c)",
	"(d)",
	"registered users",
	"registration required",
	"permission",
	"on request",
	"upon request",
	"custom license",
	"custom terms",
	"custom dataset terms",
	"embargo",
	"embargoed",
	"confidential",
	"login required",
	"no redistribution",
	"not for redistribution",
	"commercial license",
}

// negations invalidate an open phrase when they appear just before it.
var negations = map[string]bool{
	"not":     true,
	"no":      true,
	"without": true,
	"except":  true,
}

const negationWindow = 4

const sentenceBoundary = "|"

type pattern struct {
	text   string
	tokens []string
}

func compile(phrases []string) []pattern {
	ps := make([]pattern, 0, len(phrases))
	for _, p := range phrases {
		tokens := Tokens(p)
		if len(tokens) == 0 {
			continue
		}
		ps = append(ps, pattern{text: p, tokens: tokens})
	}
	return ps
}

// Classifier is safe for concurrent use.
type Classifier struct {
	open   []pattern
	exact  []pattern
	closed []pattern
}

// New returns a classifier using the given phrase lists. Exact codes only
// match a whole fragment.
func New(open, exact, closed []string) *Classifier {
	return &Classifier{
		open:   compile(open),
		exact:  compile(exact),
		closed: compile(closed),
	}
}

// Default returns a classifier with the built-in phrase lists.
func Default() *Classifier {
	return New(OpenPatterns, ExactOpenCodes, ClosedPatterns)
}

// Classify inspects the fragments in order and classifies the first one
// that is not blank. Fragments are never merged.
func (c *Classifier) Classify(fragments ...string) record.LicenseDecision {
	for _, fragment := range fragments {
		tokens := Tokens(fragment)
		if len(tokens) == 0 {
			continue
		}
		evidence := strings.Join(strings.Fields(fragment), " ")
		for _, p := range c.exact {
			if equal(tokens, p.tokens) {
				return record.LicenseDecision{Status: record.Open, Evidence: evidence, Pattern: p.text}
			}
		}
		for _, p := range c.open {
			if matchAffirmative(tokens, p.tokens) {
				return record.LicenseDecision{Status: record.Open, Evidence: evidence, Pattern: p.text}
			}
		}
		for _, p := range c.closed {
			if index(tokens, p.tokens, 0) >= 0 {
				return record.LicenseDecision{Status: record.Restricted, Evidence: evidence, Pattern: p.text}
			}
		}
		return record.LicenseDecision{Status: record.Unknown, Evidence: evidence}
	}
	return record.LicenseDecision{Status: record.Unknown}
}

// Tokens normalizes text into lower-case tokens. Separators such as hyphens,
// slashes and commas split tokens; parentheses are tokens of their own and
// dots are kept inside tokens so that versions like "4.0" survive. Sentence
// ends are kept as the boundary token "|".
func Tokens(s string) []string {
	var (
		tokens []string
		b      strings.Builder
	)
	boundary := func() {
		if n := len(tokens); n > 0 && tokens[n-1] != sentenceBoundary {
			tokens = append(tokens, sentenceBoundary)
		}
	}
	flush := func() {
		if b.Len() == 0 {
			return
		}
		raw := b.String()
		b.Reset()
		if t := strings.Trim(raw, "."); t != "" {
			tokens = append(tokens, t)
		}
		if strings.HasSuffix(raw, ".") {
			boundary()
		}
	}
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.':
			b.WriteRune(r)
		case r == '(' || r == ')':
			flush()
			tokens = append(tokens, string(r))
		case r == ';' || r == '!' || r == '?':
			flush()
			boundary()
		default:
			flush()
		}
	}
	flush()
	if n := len(tokens); n > 0 && tokens[n-1] == sentenceBoundary {
		tokens = tokens[:n-1]
	}
	return tokens
}

// matchAffirmative finds the phrase in tokens and ignores occurrences that
// follow a negation such as "not licensed under creative commons".
func matchAffirmative(tokens, phrase []string) bool {
	for from := 0; ; {
		i := index(tokens, phrase, from)
		if i < 0 {
			return false
		}
		if !negated(tokens, i) {
			return true
		}
		from = i + 1
	}
}

func negated(tokens []string, at int) bool {
	start := at - negationWindow
	if start < 0 {
		start = 0
	}
	for i := at - 1; i >= start; i-- {
		if tokens[i] == sentenceBoundary {
			return false
		}
		if negations[tokens[i]] {
			return true
		}
	}
	return false
}

func index(tokens, phrase []string, from int) int {
	for i := from; i+len(phrase) <= len(tokens); i++ {
		if equal(tokens[i:i+len(phrase)], phrase) {
			return i
		}
	}
	return -1
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
