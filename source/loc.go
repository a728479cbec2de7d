package source

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

var (
	locItemID        = regexp.MustCompile(`/item/([^/?]+)`)
	creativeCommons  = regexp.MustCompile(`https?://creativecommons\.org/[^\s"'<>]+`)
	locResourceKinds = []struct{ key, mime string }{
		{"pdf", "application/pdf"},
		{"audio", "audio/mpeg"},
		{"video", "video/mp4"},
		{"fulltext", "application/xml"},
	}
)

type locSearchParams struct {
	Q      string `schema:"q"`
	Format string `schema:"fo"`
	Count  int    `schema:"c"`
	Page   int    `schema:"sp"`
	Facets string `schema:"fa"`
}

type locSearchResponse struct {
	Results    []map[string]interface{} `json:"results"`
	Pagination struct {
		Next interface{} `json:"next"`
	} `json:"pagination"`
}

type locItemResponse struct {
	Item      map[string]interface{}   `json:"item"`
	Resources []map[string]interface{} `json:"resources"`
}

// locAdapter reads the digitized collections of the Library of Congress.
type locAdapter struct {
	cfg    Config
	client *Client
	logger logrus.FieldLogger
}

var _ Adapter = (*locAdapter)(nil)

func (a *locAdapter) Name() string   { return a.cfg.Name }
func (a *locAdapter) Family() Family { return LOC }

func (a *locAdapter) Search(ctx context.Context, q string, limit int, yield func(RawRecord) error) error {
	count := 0
	for page := 1; ; page++ {
		params := locSearchParams{Q: q, Format: "json", Count: a.cfg.PageSize, Page: page, Facets: "digitized:true"}
		var resp locSearchResponse
		if err := a.client.getJSON(ctx, a.cfg.Endpoint+"/search/", query(params), &resp); err != nil {
			return err
		}
		if len(resp.Results) == 0 {
			return nil
		}
		for _, item := range resp.Results {
			link := cast.ToString(item["url"])
			if link == "" {
				link = cast.ToString(item["id"])
			}
			if !strings.Contains(link, "/item/") || cast.ToString(item["title"]) == "" {
				continue
			}
			rec := RawRecord{
				Source:  a.cfg.Name,
				Family:  LOC,
				ID:      locItem(link),
				URL:     link,
				Payload: item,
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
		if next, _ := resp.Pagination.Next.(string); next == "" {
			return nil
		}
	}
}

// locItem accepts item URLs and bare item IDs.
func locItem(s string) string {
	if m := locItemID.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	parts := strings.Split(strings.Trim(strings.TrimSpace(s), "/"), "/")
	return parts[len(parts)-1]
}

func (a *locAdapter) Describe(ctx context.Context, id string) (RawRecord, error) {
	id = locItem(id)
	u := a.cfg.Endpoint + "/item/" + id + "/"
	var resp locItemResponse
	if err := a.client.getJSON(ctx, u, query(struct {
		Format string `schema:"fo"`
	}{"json"}), &resp); err != nil {
		return RawRecord{}, err
	}
	if resp.Item == nil {
		return RawRecord{}, a.client.sourceError(MalformedResponse, u, 0, errors.New("response without item"))
	}

	item := resp.Item
	restricted := cast.ToBool(item["access_restricted"])
	statement, licenseURL := locRights(item["rights"])
	if statement == "" && !restricted {
		advisory := cast.ToStringSlice(item["rights_advisory"])
		if len(advisory) > 0 {
			statement = advisory[0]
		} else {
			statement = "No known restrictions"
		}
	}

	payload := map[string]interface{}{
		"item":              item,
		"resources":         resp.Resources,
		"license_statement": statement,
		"license_url":       licenseURL,
		"access_restricted": restricted,
	}
	return RawRecord{Source: a.cfg.Name, Family: LOC, ID: id, URL: u, Payload: payload}, nil
}

// locRights returns the first non-blank rights statement and any Creative
// Commons URL inside it.
func locRights(v interface{}) (statement, licenseURL string) {
	var values []string
	switch rights := v.(type) {
	case string:
		values = []string{rights}
	default:
		values = cast.ToStringSlice(rights)
	}
	for _, r := range values {
		if strings.TrimSpace(r) == "" {
			continue
		}
		return r, creativeCommons.FindString(r)
	}
	return "", ""
}

func (a *locAdapter) ListFiles(_ context.Context, rec RawRecord) ([]RawFile, error) {
	restricted := cast.ToBool(rec.Payload["access_restricted"])
	resources, _ := rec.Payload["resources"].([]map[string]interface{})
	if resources == nil {
		for _, r := range cast.ToSlice(rec.Payload["resources"]) {
			resources = append(resources, cast.ToStringMap(r))
		}
	}

	var files []RawFile
	add := func(u, mime string, size interface{}, blocked bool) {
		name := lastSegment(u)
		files = append(files, RawFile{
			ID:   name,
			Name: name,
			URL:  u,
			Payload: map[string]interface{}{
				"mimetype":   mime,
				"size":       size,
				"restricted": blocked,
			},
		})
	}
	for _, res := range resources {
		blocked := restricted || cast.ToBool(res["download_restricted"])
		shortcut := false
		for _, kind := range locResourceKinds {
			if u := cast.ToString(res[kind.key]); u != "" {
				add(u, kind.mime, 0, blocked)
				shortcut = true
			}
		}
		if shortcut {
			continue
		}
		for _, group := range cast.ToSlice(res["files"]) {
			for _, f := range cast.ToSlice(group) {
				file := cast.ToStringMap(f)
				u := cast.ToString(file["url"])
				if u == "" {
					u = cast.ToString(file["download"])
				}
				if u == "" {
					continue
				}
				add(u, cast.ToString(file["mimetype"]), file["size"], blocked)
			}
		}
	}
	return files, nil
}

func (a *locAdapter) FetchFile(ctx context.Context, f RawFile) (*Stream, error) {
	return a.client.open(ctx, f.URL)
}

func lastSegment(u string) string {
	u = strings.TrimRight(u, "/")
	if i := strings.LastIndexByte(u, '/'); i >= 0 {
		return u[i+1:]
	}
	return u
}
