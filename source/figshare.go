package source

import (
	"context"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

// figshareSkippedTypes are item types that never hold research data.
var figshareSkippedTypes = map[string]bool{
	"figure":       true,
	"media":        true,
	"code":         true,
	"poster":       true,
	"presentation": true,
}

var (
	figshareArticleURL = regexp.MustCompile(`/articles/[^/]+/[^/]+/(\d+)`)
	figshareNumeric    = regexp.MustCompile(`(\d+)/?$`)
)

const figshareArticleSchema = `{
	"type": "object",
	"required": ["id", "title"],
	"properties": {
		"id": {"type": "integer"},
		"title": {"type": "string"},
		"files": {"type": "array"}
	}
}`

type figshareSearchRequest struct {
	SearchFor string `json:"search_for"`
	Page      int    `json:"page"`
	PageSize  int    `json:"page_size"`
}

type figshareAdapter struct {
	cfg    Config
	client *Client
	logger logrus.FieldLogger
}

var _ Adapter = (*figshareAdapter)(nil)

func (a *figshareAdapter) Name() string   { return a.cfg.Name }
func (a *figshareAdapter) Family() Family { return Figshare }

func (a *figshareAdapter) Search(ctx context.Context, q string, limit int, yield func(RawRecord) error) error {
	count := 0
	for page := 1; ; page++ {
		req := figshareSearchRequest{SearchFor: q, Page: page, PageSize: a.cfg.PageSize}
		var items []map[string]interface{}
		if err := a.client.postJSON(ctx, a.cfg.Endpoint+"/articles/search", req, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for _, item := range items {
			if figshareSkippedTypes[strings.ToLower(cast.ToString(item["defined_type_name"]))] {
				continue
			}
			id := cast.ToString(item["id"])
			if id == "" {
				continue
			}
			rec := RawRecord{
				Source:  a.cfg.Name,
				Family:  Figshare,
				ID:      id,
				URL:     cast.ToString(item["url_public_html"]),
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
		if len(items) < a.cfg.PageSize {
			return nil
		}
	}
}

// figshareArticleID accepts public article URLs, API URLs and bare IDs.
func figshareArticleID(s string) string {
	s = strings.TrimSpace(s)
	if m := figshareArticleURL.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := figshareNumeric.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

func (a *figshareAdapter) Describe(ctx context.Context, id string) (RawRecord, error) {
	u := a.cfg.Endpoint + "/articles/" + figshareArticleID(id)
	var payload map[string]interface{}
	if err := a.client.getJSON(ctx, u, nil, &payload); err != nil {
		return RawRecord{}, err
	}
	if err := a.client.validate(u, figshareArticleSchema, payload); err != nil {
		return RawRecord{}, err
	}
	if cast.ToBool(payload["is_confidential"]) || cast.ToBool(payload["is_metadata_record"]) {
		return RawRecord{}, ErrSkip
	}
	return RawRecord{
		Source:  a.cfg.Name,
		Family:  Figshare,
		ID:      cast.ToString(payload["id"]),
		URL:     cast.ToString(payload["url_public_html"]),
		Payload: payload,
	}, nil
}

func (a *figshareAdapter) ListFiles(_ context.Context, rec RawRecord) ([]RawFile, error) {
	items, _ := rec.Payload["files"].([]interface{})
	files := make([]RawFile, 0, len(items))
	for _, item := range items {
		payload := cast.ToStringMap(item)
		if cast.ToBool(payload["is_link_only"]) {
			continue
		}
		files = append(files, RawFile{
			ID:      cast.ToString(payload["id"]),
			Name:    cast.ToString(payload["name"]),
			URL:     cast.ToString(payload["download_url"]),
			Payload: payload,
		})
	}
	return files, nil
}

func (a *figshareAdapter) FetchFile(ctx context.Context, f RawFile) (*Stream, error) {
	return a.client.open(ctx, f.URL)
}
