// Package record holds the canonical model produced by a harvest: datasets,
// their files and the decisions taken about them.
package record

import (
	"time"

	"github.com/pkg/errors"
)

// ErrOutcomeRecorded is returned when a second outcome is recorded for a file
// within the same harvest attempt.
var ErrOutcomeRecorded = errors.New("file outcome already recorded")

// Openness is the decision of the license classifier.
type Openness string

const (
	Open       Openness = "OPEN"
	Restricted Openness = "RESTRICTED"
	Unknown    Openness = "UNKNOWN"
)

// LicenseDecision is the classifier result together with the text that
// triggered it.
type LicenseDecision struct {
	Status   Openness `json:"status"`
	Evidence string   `json:"evidence,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
}

// Relevance is the decision of the relevance filter.
type Relevance string

const (
	Include Relevance = "INCLUDE"
	Exclude Relevance = "EXCLUDE"

	// NotEvaluated is used when the license decision made relevance
	// filtering pointless.
	NotEvaluated Relevance = "NOT_EVALUATED"
)

type RelevanceDecision struct {
	Status  Relevance `json:"status"`
	Matched []string  `json:"matched,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// DateRange is a validated pair of ISO dates. End may be empty.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

type Contact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Dataset is the normalized record of one harvested item.
type Dataset struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	SourceURL string `json:"source_url,omitempty"`

	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	DatePublished string   `json:"date_published,omitempty"`
	Depositor     string   `json:"depositor,omitempty"`
	Contact       *Contact `json:"contact,omitempty"`

	Authors            []string `json:"authors,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
	Subjects           []string `json:"subjects,omitempty"`
	Software           []string `json:"software,omitempty"`
	Languages          []string `json:"languages,omitempty"`
	KindOfData         []string `json:"kind_of_data,omitempty"`
	GeographicCoverage []string `json:"geographic_coverage,omitempty"`
	Producers          []string `json:"producers,omitempty"`
	Publications       []string `json:"publications,omitempty"`

	CollectionPeriod *DateRange `json:"collection_period,omitempty"`
	TimePeriod       *DateRange `json:"time_period,omitempty"`

	LicenseName string `json:"license_name,omitempty"`
	LicenseURL  string `json:"license_url,omitempty"`

	// LicenseTerms is the ordered fallback chain handed to the classifier.
	LicenseTerms []string `json:"-"`

	License   LicenseDecision   `json:"license"`
	Relevance RelevanceDecision `json:"relevance"`

	// Provenance maps a field name to the raw path that produced it.
	Provenance map[string]string `json:"provenance,omitempty"`

	RunID       string    `json:"run_id"`
	HarvestedAt time.Time `json:"harvested_at"`
}

// Key identifies a dataset within one source.
func (d Dataset) Key() string {
	return d.Source + ":" + d.ID
}

// Harvest is the unit emitted to the persistence boundary. Files keep the
// order declared by the source.
type Harvest struct {
	Dataset Dataset     `json:"dataset"`
	Files   []FileEntry `json:"files"`
}

// Clone returns a deep copy so emitted values never share slices with the
// pipeline that built them.
func (h Harvest) Clone() Harvest {
	ds := h.Dataset
	ds.Authors = cloneStrings(ds.Authors)
	ds.Keywords = cloneStrings(ds.Keywords)
	ds.Subjects = cloneStrings(ds.Subjects)
	ds.Software = cloneStrings(ds.Software)
	ds.Languages = cloneStrings(ds.Languages)
	ds.KindOfData = cloneStrings(ds.KindOfData)
	ds.GeographicCoverage = cloneStrings(ds.GeographicCoverage)
	ds.Producers = cloneStrings(ds.Producers)
	ds.Publications = cloneStrings(ds.Publications)
	ds.LicenseTerms = cloneStrings(ds.LicenseTerms)
	ds.Relevance.Matched = cloneStrings(ds.Relevance.Matched)
	if ds.Contact != nil {
		c := *ds.Contact
		ds.Contact = &c
	}
	if ds.CollectionPeriod != nil {
		r := *ds.CollectionPeriod
		ds.CollectionPeriod = &r
	}
	if ds.TimePeriod != nil {
		r := *ds.TimePeriod
		ds.TimePeriod = &r
	}
	if ds.Provenance != nil {
		p := make(map[string]string, len(ds.Provenance))
		for k, v := range ds.Provenance {
			p[k] = v
		}
		ds.Provenance = p
	}
	files := make([]FileEntry, len(h.Files))
	for i, f := range h.Files {
		if f.Checksum != nil {
			c := *f.Checksum
			f.Checksum = &c
		}
		files[i] = f
	}
	return Harvest{Dataset: ds, Files: files}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
