package normalize

import (
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/pkg/errors"

	"github.com/JiscSD/qda-harvester/record"
)

// ErrInvalidRange is returned when a date range ends before it starts.
var ErrInvalidRange = errors.New("range ends before it starts")

var (
	doiPrefixes = []string{
		"doi:", "https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/",
	}
	handlePrefixes = []string{
		"hdl:", "https://hdl.handle.net/", "http://hdl.handle.net/",
	}
	bareDOI     = regexp.MustCompile(`^10\.\d{4,9}/\S+$`)
	partialDate = regexp.MustCompile(`^\d{4}(-\d{2})?$`)
	hexDigest   = regexp.MustCompile(`^[0-9a-f]+$`)
)

const blockElements = "p, br, div, li, tr, h1, h2, h3, h4, h5, h6, blockquote"

// Text collapses runs of whitespace.
func Text(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// HTMLText returns the visible text of an HTML fragment with entities
// decoded and whitespace collapsed.
func HTMLText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return Text(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return Text(s)
	}
	doc.Find(blockElements).Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml(" ")
	})
	doc.Find("script, style").Remove()
	return Text(doc.Text())
}

// Identifier reduces DOI and handle variants to the doi: and hdl: forms.
// Other identifiers are returned trimmed.
func Identifier(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, p := range doiPrefixes {
		if strings.HasPrefix(lower, p) {
			return "doi:" + s[len(p):]
		}
	}
	for _, p := range handlePrefixes {
		if strings.HasPrefix(lower, p) {
			return "hdl:" + s[len(p):]
		}
	}
	if bareDOI.MatchString(s) {
		return "doi:" + s
	}
	return s
}

// parseDate parses a date in any common layout.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if partialDate.MatchString(s) {
		layout := "2006"
		if len(s) > 4 {
			layout = "2006-01"
		}
		return time.Parse(layout, s)
	}
	return dateparse.ParseStrict(s)
}

// Date returns s as an ISO date. Year and year-month values keep their
// precision; unparseable values are returned trimmed.
func Date(s string) string {
	s = strings.TrimSpace(s)
	if partialDate.MatchString(s) {
		return s
	}
	t, err := parseDate(s)
	if err != nil {
		return s
	}
	return t.Format("2006-01-02")
}

// ParseRange validates a start and optional end date.
func ParseRange(start, end string) (*record.DateRange, error) {
	s, err := parseDate(start)
	if err != nil {
		return nil, errors.Wrapf(err, "start %q", start)
	}
	dr := &record.DateRange{Start: Date(start)}
	if strings.TrimSpace(end) == "" {
		return dr, nil
	}
	e, err := parseDate(end)
	if err != nil {
		return nil, errors.Wrapf(err, "end %q", end)
	}
	if e.Before(s) {
		return nil, errors.Wrapf(ErrInvalidRange, "%s > %s", start, end)
	}
	dr.End = Date(end)
	return dr, nil
}

// MIMEType normalizes a declared media type. Sources saying "undefined" or
// nothing at all give an empty string.
func MIMEType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	switch s {
	case "undefined", "unknown", "null", "none":
		return ""
	}
	return s
}

var digestLengths = map[string]int{
	"MD5":     32,
	"SHA-1":   40,
	"SHA-256": 64,
	"SHA-512": 128,
}

// CanonicalAlgorithm returns MD5, SHA-1, SHA-256 or SHA-512, or an empty
// string for anything else.
func CanonicalAlgorithm(alg string) string {
	a := strings.ToUpper(strings.TrimSpace(alg))
	a = strings.NewReplacer("-", "", "_", "", " ", "").Replace(a)
	switch a {
	case "MD5":
		return "MD5"
	case "SHA1":
		return "SHA-1"
	case "SHA256":
		return "SHA-256"
	case "SHA512":
		return "SHA-512"
	}
	return ""
}

// NewChecksum returns a canonical checksum or nil when the algorithm is not
// supported or the value is not a digest of the right length.
func NewChecksum(alg, value string) *record.Checksum {
	alg = CanonicalAlgorithm(alg)
	value = strings.ToLower(strings.TrimSpace(value))
	if alg == "" || len(value) != digestLengths[alg] || !hexDigest.MatchString(value) {
		return nil
	}
	return &record.Checksum{Algorithm: alg, Value: value}
}
