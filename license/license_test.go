package license

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JiscSD/qda-harvester/record"
)

var classifyTests = map[string]struct {
	fragments []string
	status    record.Openness
	pattern   string
}{
	"CC BY with spaces": {
		fragments: []string{"CC BY 4.0"},
		status:    record.Open,
		pattern:   "cc by",
	},
	"CC BY with hyphens": {
		fragments: []string{"CC-BY-4.0"},
		status:    record.Open,
		pattern:   "cc by",
	},
	"CC BY mixed separators": {
		fragments: []string{"CC-BY 4.0"},
		status:    record.Open,
		pattern:   "cc by",
	},
	"CC BY-SA code": {
		fragments: []string{"cc-by-sa"},
		status:    record.Open,
		pattern:   "cc by",
	},
	"CC0": {
		fragments: []string{"CC0 1.0"},
		status:    record.Open,
		pattern:   "cc0",
	},
	"CC license URL": {
		fragments: []string{"https://creativecommons.org/licenses/by-nc/4.0/"},
		status:    record.Open,
		pattern:   "creativecommons.org licenses",
	},
	"Public domain mark URL": {
		fragments: []string{"http://creativecommons.org/publicdomain/mark/1.0/"},
		status:    record.Open,
		pattern:   "creativecommons.org publicdomain",
	},
	"Standard access": {
		fragments: []string{"Standard Access"},
		status:    record.Open,
		pattern:   "standard access",
	},
	"Finnish open access category": {
		fragments: []string{"(A) vapaasti käytettävissä"},
		status:    record.Open,
		pattern:   "(a) vapaasti",
	},
	"English open access category": {
		fragments: []string{"(A) Openly available for all users"},
		status:    record.Open,
		pattern:   "(a) openly available",
	},
	"Non restricted rights": {
		fragments: []string{"This is non-restricted, fully open content"},
		status:    record.Open,
		pattern:   "non restricted",
	},
	"No known restrictions": {
		fragments: []string{"No known restrictions on publication."},
		status:    record.Open,
		pattern:   "no known restrictions",
	},
	"Copyright statement": {
		fragments: []string{"The Library is not aware of any copyright in this material"},
		status:    record.Open,
		pattern:   "not aware of any copyright",
	},
	"MIT exact code": {
		fragments: []string{"MIT"},
		status:    record.Open,
		pattern:   "mit",
	},
	"Etalab": {
		fragments: []string{"Licence Ouverte / Open Licence version 2.0"},
		status:    record.Open,
		pattern:   "licence ouverte",
	},
	"All rights reserved": {
		fragments: []string{"All rights reserved"},
		status:    record.Restricted,
		pattern:   "all rights reserved",
	},
	"Proprietary": {
		fragments: []string{"Proprietary"},
		status:    record.Restricted,
		pattern:   "proprietary",
	},
	"Finnish research category": {
		fragments: []string{"(B) Saatavissa tutkimukseen, opetukseen ja opiskeluun"},
		status:    record.Restricted,
		pattern:   "(b)",
	},
	"Restricted terms of access": {
		fragments: []string{"Access to these files is restricted to approved researchers"},
		status:    record.Restricted,
		pattern:   "restricted",
	},
	"mit is not matched inside words": {
		fragments: []string{"Reuse permitted after submitting an application"},
		status:    record.Unknown,
		pattern:   "",
	},
	"Negated creative commons": {
		fragments: []string{"This dataset is not released under a Creative Commons licence; all rights reserved"},
		status:    record.Restricted,
		pattern:   "all rights reserved",
	},
	"Negation does not cross sentences": {
		fragments: []string{"No restrictions apply. CC BY 4.0"},
		status:    record.Open,
		pattern:   "cc by",
	},
	"Unrecognized text": {
		fragments: []string{"See the documentation"},
		status:    record.Unknown,
		pattern:   "",
	},
	"Empty": {
		fragments: []string{""},
		status:    record.Unknown,
		pattern:   "",
	},
	"Nothing": {
		fragments: nil,
		status:    record.Unknown,
		pattern:   "",
	},
	"Whitespace only": {
		fragments: []string{"  \n\t "},
		status:    record.Unknown,
		pattern:   "",
	},
	"First non-empty fragment wins": {
		fragments: []string{"", "  ", "CC0", "All rights reserved"},
		status:    record.Open,
		pattern:   "cc0",
	},
	"Fragments are not merged": {
		fragments: []string{"Please contact the depositor", "CC BY 4.0"},
		status:    record.Unknown,
		pattern:   "",
	},
	"Public domain via description fallback": {
		fragments: []string{"", "", "this item is in the public domain"},
		status:    record.Open,
		pattern:   "public domain",
	},
}

func TestClassifier_Classify(t *testing.T) {
	c := Default()
	for name, tc := range classifyTests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			d := c.Classify(tc.fragments...)
			assert.Equal(t, tc.status, d.Status)
			assert.Equal(t, tc.pattern, d.Pattern)
		})
	}
}

func TestClassifier_Evidence(t *testing.T) {
	c := Default()

	d := c.Classify("", "  CC   BY\n4.0 ")
	assert.Equal(t, "CC BY 4.0", d.Evidence)

	d = c.Classify("")
	assert.Empty(t, d.Evidence)
}

func TestClassifier_Idempotent(t *testing.T) {
	c := Default()
	for name, tc := range classifyTests {
		first := c.Classify(tc.fragments...)
		second := c.Classify(tc.fragments...)
		assert.Equal(t, first, second, name)
	}
}

func TestTokens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"CC-BY-4.0", []string{"cc", "by", "4.0"}},
		{"cc_by 4.0.", []string{"cc", "by", "4.0"}},
		{"(A) vapaasti", []string{"(", "a", ")", "vapaasti"}},
		{"one. two; three", []string{"one", "|", "two", "|", "three"}},
		{"", nil},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Tokens(tc.in), tc.in)
	}
}
