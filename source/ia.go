package source

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

var (
	iaIdentifier = regexp.MustCompile(`archive\.org/(?:details|metadata|download)/([^/?]+)`)
	iaCCLicense  = regexp.MustCompile(`creativecommons\.org/(?:licenses|publicdomain)/([^/]+)/([^/]+)`)
)

var iaSearchFields = []string{
	"identifier", "title", "description", "date", "creator",
	"licenseurl", "subject", "mediatype", "language", "publicdate",
}

// iaFormats maps archive.org format names to media types.
var iaFormats = map[string]string{
	"Text PDF":      "application/pdf",
	"DjVuTXT":       "text/plain",
	"hOCR":          "text/html",
	"Word Document": "application/msword",
	"MPEG4":         "video/mp4",
	"VBR MP3":       "audio/mpeg",
	"Ogg Vorbis":    "audio/ogg",
	"WAVE":          "audio/wav",
	"JPEG":          "image/jpeg",
	"PNG":           "image/png",
}

type iaSearchParams struct {
	Q      string   `schema:"q"`
	Fields []string `schema:"fl[]"`
	Rows   int      `schema:"rows"`
	Page   int      `schema:"page"`
	Output string   `schema:"output"`
}

type iaSearchResponse struct {
	Response struct {
		NumFound int                      `json:"numFound"`
		Docs     []map[string]interface{} `json:"docs"`
	} `json:"response"`
}

type iaMetadataResponse struct {
	Metadata map[string]interface{}   `json:"metadata"`
	Files    []map[string]interface{} `json:"files"`
}

// iaAdapter reads text and audio items of the Internet Archive.
type iaAdapter struct {
	cfg    Config
	client *Client
	logger logrus.FieldLogger
}

var _ Adapter = (*iaAdapter)(nil)

func (a *iaAdapter) Name() string   { return a.cfg.Name }
func (a *iaAdapter) Family() Family { return IA }

func (a *iaAdapter) Search(ctx context.Context, q string, limit int, yield func(RawRecord) error) error {
	var count, seen int
	for page := 1; ; page++ {
		params := iaSearchParams{
			Q:      fmt.Sprintf("(%s) AND mediatype:(texts OR audio)", q),
			Fields: iaSearchFields,
			Rows:   a.cfg.PageSize,
			Page:   page,
			Output: "json",
		}
		var resp iaSearchResponse
		if err := a.client.getJSON(ctx, a.cfg.Endpoint+"/advancedsearch.php", query(params), &resp); err != nil {
			return err
		}
		docs := resp.Response.Docs
		if len(docs) == 0 {
			return nil
		}
		for _, doc := range docs {
			id := cast.ToString(doc["identifier"])
			if id == "" || cast.ToString(doc["title"]) == "" {
				continue
			}
			rec := RawRecord{
				Source:  a.cfg.Name,
				Family:  IA,
				ID:      id,
				URL:     a.cfg.Endpoint + "/details/" + id,
				Payload: doc,
			}
			if err := yield(rec); err != nil {
				return err
			}
			count++
			if count >= limit {
				a.logger.WithField("query", q).Infof("Search capped at %d results", limit)
				return nil
			}
		}
		seen += len(docs)
		if seen >= resp.Response.NumFound {
			return nil
		}
	}
}

// iaItem accepts details, metadata and download URLs and bare identifiers.
func iaItem(s string) string {
	if m := iaIdentifier.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return lastSegment(strings.TrimSpace(s))
}

func (a *iaAdapter) Describe(ctx context.Context, id string) (RawRecord, error) {
	id = iaItem(id)
	u := a.cfg.Endpoint + "/metadata/" + id
	var resp iaMetadataResponse
	if err := a.client.getJSON(ctx, u, nil, &resp); err != nil {
		return RawRecord{}, err
	}
	// Unknown identifiers answer 200 with an empty document.
	if len(resp.Metadata) == 0 {
		return RawRecord{}, a.client.sourceError(NotFound, u, 0, errors.New("empty metadata document"))
	}

	md := resp.Metadata
	licenseURL := cast.ToString(md["licenseurl"])
	name := iaLicenseName(licenseURL)
	if name == "" {
		combined := strings.ToLower(joined(md["rights"]) + " " + joined(md["rights-info"]) + " " + joined(md["description"]))
		switch {
		case strings.Contains(combined, "public domain"), strings.Contains(combined, "no known copyright"):
			name = "Public Domain"
		case strings.Contains(combined, "united states government"):
			name = "Public Domain (US Government)"
		}
	}

	files := make([]interface{}, 0, len(resp.Files))
	for _, f := range resp.Files {
		files = append(files, f)
	}
	payload := map[string]interface{}{
		"metadata":     md,
		"files":        files,
		"license_name": name,
		"license_url":  licenseURL,
	}
	return RawRecord{Source: a.cfg.Name, Family: IA, ID: id, URL: a.cfg.Endpoint + "/details/" + id, Payload: payload}, nil
}

// iaLicenseName derives a readable license name from a Creative Commons URL.
func iaLicenseName(u string) string {
	if u == "" {
		return ""
	}
	m := iaCCLicense.FindStringSubmatch(u)
	switch {
	case m == nil && strings.Contains(u, "publicdomain"):
		return "Public Domain"
	case m == nil:
		return u
	}
	kind, version := strings.ToUpper(m[1]), m[2]
	switch {
	case strings.Contains(u, "publicdomain") && kind == "ZERO":
		return "CC0 " + version
	case strings.Contains(u, "publicdomain") || kind == "MARK":
		return "Public Domain Mark " + version
	}
	return "CC " + kind + " " + version
}

func joined(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return strings.Join(cast.ToStringSlice(v), "; ")
}

// ListFiles keeps the original uploads of the item.
func (a *iaAdapter) ListFiles(_ context.Context, rec RawRecord) ([]RawFile, error) {
	var files []RawFile
	for _, item := range cast.ToSlice(rec.Payload["files"]) {
		payload := cast.ToStringMap(item)
		if cast.ToString(payload["source"]) != "original" {
			continue
		}
		name := cast.ToString(payload["name"])
		if name == "" || strings.HasSuffix(name, "_meta.xml") || strings.HasSuffix(name, "_files.xml") {
			continue
		}
		payload["mimetype"] = iaFormats[cast.ToString(payload["format"])]
		payload["restricted"] = cast.ToString(payload["private"]) == "true"
		files = append(files, RawFile{
			ID:      name,
			Name:    name,
			URL:     a.cfg.Endpoint + "/download/" + rec.ID + "/" + escapePath(name),
			Payload: payload,
		})
	}
	return files, nil
}

func escapePath(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (a *iaAdapter) FetchFile(ctx context.Context, f RawFile) (*Stream, error) {
	return a.client.open(ctx, f.URL)
}
