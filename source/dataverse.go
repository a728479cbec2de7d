package source

import (
	"context"
	"net/url"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

const dataverseDatasetSchema = `{
	"type": "object",
	"required": ["latestVersion"],
	"properties": {
		"latestVersion": {
			"type": "object",
			"required": ["metadataBlocks"],
			"properties": {
				"metadataBlocks": {
					"type": "object",
					"required": ["citation"]
				},
				"files": {"type": "array"}
			}
		}
	}
}`

type dataverseSearchParams struct {
	Q       string `schema:"q"`
	Type    string `schema:"type"`
	PerPage int    `schema:"per_page"`
	Start   int    `schema:"start"`
	FQ      string `schema:"fq"`
}

type dataverseSearchResponse struct {
	Status string `json:"status"`
	Data   struct {
		TotalCount int                      `json:"total_count"`
		Items      []map[string]interface{} `json:"items"`
	} `json:"data"`
}

type dataverseDatasetResponse struct {
	Status string                 `json:"status"`
	Data   map[string]interface{} `json:"data"`
}

// dataverseAdapter speaks the Dataverse native and search APIs.
type dataverseAdapter struct {
	cfg    Config
	client *Client
	logger logrus.FieldLogger
}

var _ Adapter = (*dataverseAdapter)(nil)

func (a *dataverseAdapter) Name() string   { return a.cfg.Name }
func (a *dataverseAdapter) Family() Family { return Dataverse }

func (a *dataverseAdapter) Search(ctx context.Context, q string, limit int, yield func(RawRecord) error) error {
	var count, start int
	for {
		params := dataverseSearchParams{
			Q:       q,
			Type:    "dataset",
			PerPage: a.cfg.PageSize,
			Start:   start,
			FQ:      "-isHarvested:true",
		}
		var resp dataverseSearchResponse
		if err := a.client.getJSON(ctx, a.cfg.Endpoint+"/api/search", query(params), &resp); err != nil {
			return err
		}
		items := resp.Data.Items
		if len(items) == 0 {
			return nil
		}
		for _, item := range items {
			id := cast.ToString(item["global_id"])
			if id == "" {
				continue
			}
			rec := RawRecord{
				Source:  a.cfg.Name,
				Family:  Dataverse,
				ID:      id,
				URL:     cast.ToString(item["url"]),
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
		start += len(items)
		if start >= resp.Data.TotalCount {
			return nil
		}
	}
}

func (a *dataverseAdapter) Describe(ctx context.Context, id string) (RawRecord, error) {
	u := a.cfg.Endpoint + "/api/datasets/:persistentId/"
	q := url.Values{"persistentId": {id}}
	var resp dataverseDatasetResponse
	if err := a.client.getJSON(ctx, u, q, &resp); err != nil {
		return RawRecord{}, err
	}
	if err := a.client.validate(u, dataverseDatasetSchema, resp.Data); err != nil {
		return RawRecord{}, err
	}

	payload := resp.Data
	payload["fields"] = dataverseFields(payload)

	link := cast.ToString(payload["persistentUrl"])
	if link == "" {
		link = a.cfg.Endpoint + "/dataset.xhtml?persistentId=" + url.QueryEscape(id)
	}
	return RawRecord{
		Source:  a.cfg.Name,
		Family:  Dataverse,
		ID:      id,
		URL:     link,
		Payload: payload,
	}, nil
}

// dataverseFields indexes the fields of every metadata block by typeName.
// The citation block wins over the others.
func dataverseFields(payload map[string]interface{}) map[string]interface{} {
	index := map[string]interface{}{}
	version := cast.ToStringMap(payload["latestVersion"])
	blocks := cast.ToStringMap(version["metadataBlocks"])
	names := make([]string, 0, len(blocks))
	for name := range blocks {
		if name != "citation" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range append([]string{"citation"}, names...) {
		fields, _ := cast.ToStringMap(blocks[name])["fields"].([]interface{})
		for _, f := range fields {
			field := cast.ToStringMap(f)
			typeName := cast.ToString(field["typeName"])
			if _, ok := index[typeName]; ok || typeName == "" {
				continue
			}
			index[typeName] = field["value"]
		}
	}
	return index
}

func (a *dataverseAdapter) ListFiles(_ context.Context, rec RawRecord) ([]RawFile, error) {
	version := cast.ToStringMap(rec.Payload["latestVersion"])
	items, _ := version["files"].([]interface{})
	files := make([]RawFile, 0, len(items))
	for _, item := range items {
		payload := cast.ToStringMap(item)
		dataFile := cast.ToStringMap(payload["dataFile"])
		id := cast.ToString(dataFile["id"])
		if id == "" {
			continue
		}
		name := cast.ToString(dataFile["filename"])
		if name == "" {
			name = cast.ToString(payload["label"])
		}
		files = append(files, RawFile{
			ID:      id,
			Name:    name,
			URL:     a.cfg.Endpoint + "/api/access/datafile/" + id,
			Payload: payload,
		})
	}
	return files, nil
}

func (a *dataverseAdapter) FetchFile(ctx context.Context, f RawFile) (*Stream, error) {
	return a.client.open(ctx, f.URL)
}
