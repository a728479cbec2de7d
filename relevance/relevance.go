// Package relevance decides whether a dataset is about qualitative research.
package relevance

import (
	"sort"
	"strings"
	"unicode"

	"github.com/JiscSD/qda-harvester/record"
)

// Input is what the filter looks at for one dataset.
type Input struct {
	Description string
	Keywords    []string
	Kinds       []string
	HasQDAFile  bool
}

type term struct {
	language string
	text     string
	tokens   []string
}

// Filter is safe for concurrent use.
type Filter struct {
	terms    []term
	excluded map[string]bool
}

// New returns a filter matching the given terms, keyed by language. Datasets
// with a kind equal to one of excludedKinds, ignoring case and punctuation,
// are excluded unless they carry a QDA file.
func New(terms map[string][]string, excludedKinds []string) *Filter {
	languages := make([]string, 0, len(terms))
	for lang := range terms {
		languages = append(languages, lang)
	}
	sort.Strings(languages)

	f := &Filter{excluded: map[string]bool{}}
	for _, lang := range languages {
		for _, t := range terms[lang] {
			tokens := Words(t)
			if len(tokens) == 0 {
				continue
			}
			f.terms = append(f.terms, term{language: lang, text: strings.Join(tokens, " "), tokens: tokens})
		}
	}
	for _, k := range excludedKinds {
		if key := kindKey(k); key != "" {
			f.excluded[key] = true
		}
	}
	return f
}

// Evaluate returns INCLUDE when the dataset has a QDA file or when any
// configured term appears as a whole word or phrase in its description or
// keywords.
func (f *Filter) Evaluate(in Input) record.RelevanceDecision {
	if in.HasQDAFile {
		return record.RelevanceDecision{Status: record.Include, Reason: "qda file present"}
	}
	for _, kind := range in.Kinds {
		if f.excluded[kindKey(kind)] {
			return record.RelevanceDecision{Status: record.Exclude, Reason: "excluded kind: " + kind}
		}
	}

	// Keywords are matched one by one so a phrase never spans two of them.
	fields := make([][]string, 0, len(in.Keywords)+1)
	fields = append(fields, Words(in.Description))
	for _, k := range in.Keywords {
		fields = append(fields, Words(k))
	}

	var matched []string
	seen := map[string]bool{}
	for _, t := range f.terms {
		if seen[t.text] {
			continue
		}
		for _, words := range fields {
			if contains(words, t.tokens) {
				seen[t.text] = true
				matched = append(matched, t.text)
				break
			}
		}
	}
	if len(matched) == 0 {
		return record.RelevanceDecision{Status: record.Exclude, Reason: "no relevance term"}
	}
	return record.RelevanceDecision{Status: record.Include, Matched: matched}
}

// Words splits text into lower-case words of letters and digits.
func Words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func kindKey(kind string) string {
	return strings.Join(Words(kind), " ")
}

func contains(words, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j := range phrase {
			if words[i+j] != phrase[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
