// Package normalize maps raw source payloads onto the canonical record model
// using per-family fallback tables.
package normalize

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"github.com/JiscSD/qda-harvester/record"
	"github.com/JiscSD/qda-harvester/relevance"
	"github.com/JiscSD/qda-harvester/source"
)

// ErrMissingTitle is returned for records that carry no title at all.
var ErrMissingTitle = errors.New("record has no title")

// Normalizer is safe for concurrent use.
type Normalizer struct {
	datasets map[source.Family]Table
	files    map[source.Family]FileTable
	formats  *relevance.Formats
	logger   logrus.FieldLogger
}

// New returns a normalizer using the built-in tables.
func New(formats *relevance.Formats, logger logrus.FieldLogger) *Normalizer {
	return NewWithTables(DatasetTables, FileTables, formats, logger)
}

func NewWithTables(datasets map[source.Family]Table, files map[source.Family]FileTable, formats *relevance.Formats, logger logrus.FieldLogger) *Normalizer {
	return &Normalizer{datasets: datasets, files: files, formats: formats, logger: logger}
}

type resolver struct {
	payload    map[string]interface{}
	table      Table
	provenance map[string]string
}

// values returns the values of the first path of the field that yields
// anything.
func (r *resolver) values(f Field) []string {
	for _, path := range r.table[f] {
		if values := Lookup(r.payload, path); len(values) > 0 {
			r.provenance[string(f)] = path
			return values
		}
	}
	return nil
}

func (r *resolver) first(f Field) string {
	if values := r.values(f); len(values) > 0 {
		return values[0]
	}
	return ""
}

// list returns the non-empty values of a multi-value field in source order.
// Repeated values are kept.
func (r *resolver) list(f Field, clean func(string) string) []string {
	var out []string
	for _, v := range r.values(f) {
		if clean != nil {
			v = clean(v)
		}
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Dataset builds the canonical dataset of a described record. Decisions,
// run ID and harvest time are left to the caller.
func (n *Normalizer) Dataset(raw source.RawRecord) (record.Dataset, error) {
	table, ok := n.datasets[raw.Family]
	if !ok {
		return record.Dataset{}, errors.Errorf("no dataset table for family %q", raw.Family)
	}
	r := &resolver{payload: raw.Payload, table: table, provenance: map[string]string{}}

	ds := record.Dataset{
		ID:        Identifier(raw.ID),
		Source:    raw.Source,
		SourceURL: raw.URL,
	}

	ds.Title = Text(r.first(Title))
	if ds.Title == "" {
		return record.Dataset{}, errors.Wrapf(ErrMissingTitle, "%s %s", raw.Source, raw.ID)
	}

	var paragraphs []string
	for _, p := range r.values(Description) {
		if p = HTMLText(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	ds.Description = strings.Join(paragraphs, "\n\n")

	if published := r.first(DatePublished); published != "" {
		ds.DatePublished = Date(published)
	}
	ds.Depositor = Text(r.first(Depositor))

	name, email := Text(r.first(ContactName)), strings.TrimSpace(r.first(ContactEmail))
	if name != "" || email != "" {
		ds.Contact = &record.Contact{Name: name, Email: email}
	}

	ds.Authors = r.list(Authors, Text)
	ds.Keywords = r.list(Keywords, Text)
	ds.Subjects = r.list(Subjects, Text)
	ds.Software = r.list(Software, Text)
	ds.Languages = r.list(Languages, Text)
	ds.KindOfData = r.list(KindOfData, Text)
	ds.GeographicCoverage = r.list(GeographicCoverage, Text)
	ds.Producers = r.list(Producers, HTMLText)
	ds.Publications = r.list(Publications, HTMLText)

	ds.CollectionPeriod = n.dateRange(r, CollectionStart, CollectionEnd)
	ds.TimePeriod = n.dateRange(r, PeriodStart, PeriodEnd)

	for _, f := range LicenseChain {
		value := HTMLText(r.first(f))
		ds.LicenseTerms = append(ds.LicenseTerms, value)
		switch f {
		case LicenseName:
			ds.LicenseName = value
		case LicenseURL:
			ds.LicenseURL = value
		}
	}

	ds.Provenance = r.provenance
	return ds, nil
}

func (n *Normalizer) dateRange(r *resolver, start, end Field) *record.DateRange {
	s, e := r.first(start), r.first(end)
	if s == "" {
		return nil
	}
	dr, err := ParseRange(s, e)
	if err != nil {
		n.logger.WithFields(logrus.Fields{"start": s, "end": e}).Debugf("Dropping date range: %v", err)
		delete(r.provenance, string(start))
		delete(r.provenance, string(end))
		return nil
	}
	return dr
}

// Files builds the file entries of a dataset in source order.
func (n *Normalizer) Files(ds record.Dataset, family source.Family, raws []source.RawFile) []record.FileEntry {
	table := n.files[family]
	entries := make([]record.FileEntry, 0, len(raws))
	for i, raw := range raws {
		fe := record.FileEntry{
			DatasetID: ds.ID,
			Position:  i,
			FileID:    raw.ID,
			Name:      strings.TrimSpace(raw.Name),
			URL:       raw.URL,
		}
		if fe.FileID == "" {
			fe.FileID = fe.Name
		}
		if size, err := cast.ToInt64E(firstOf(raw.Payload, table.Size)); err == nil && size > 0 {
			fe.Size = size
		}
		fe.MIMEType = MIMEType(firstOf(raw.Payload, table.MIMEType))
		fe.Restricted = cast.ToBool(firstOf(raw.Payload, table.Restricted))
		fe.Checksum = declaredChecksum(raw.Payload, table.Checksums)
		if n.formats != nil {
			fe.QDA = n.formats.IsQDA(fe.Name, fe.MIMEType, firstOf(raw.Payload, table.FriendlyType))
		}
		entries = append(entries, fe)
	}
	return entries
}

func firstOf(payload map[string]interface{}, paths []string) string {
	for _, p := range paths {
		if values := Lookup(payload, p); len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

func declaredChecksum(payload map[string]interface{}, rules []ChecksumRule) *record.Checksum {
	for _, rule := range rules {
		alg := rule.Algorithm
		if rule.AlgorithmPath != "" {
			alg = firstOf(payload, []string{rule.AlgorithmPath})
		}
		if c := NewChecksum(alg, firstOf(payload, []string{rule.Value})); c != nil {
			return c
		}
	}
	return nil
}
