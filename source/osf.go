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
	osfNodeAPI = regexp.MustCompile(`/v2/nodes/([^/?]+)`)
	osfNodeURL = regexp.MustCompile(`osf\.io/([a-z0-9]{3,10})`)
)

type osfSearchParams struct {
	Title    string `schema:"filter[title]"`
	PageSize int    `schema:"page[size]"`
}

// osfPage is a JSON:API document.
type osfPage struct {
	Data  []map[string]interface{} `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

type osfDocument struct {
	Data map[string]interface{} `json:"data"`
}

type osfAdapter struct {
	cfg    Config
	client *Client
	logger logrus.FieldLogger
}

var _ Adapter = (*osfAdapter)(nil)

func (a *osfAdapter) Name() string   { return a.cfg.Name }
func (a *osfAdapter) Family() Family { return OSF }

// osfHarvestable filters out nodes that are not public projects.
func osfHarvestable(node map[string]interface{}) bool {
	attrs := cast.ToStringMap(node["attributes"])
	if v, ok := attrs["public"]; ok && !cast.ToBool(v) {
		return false
	}
	for _, flag := range []string{"registration", "preprint", "fork", "collection"} {
		if cast.ToBool(attrs[flag]) {
			return false
		}
	}
	return cast.ToString(attrs["category"]) != "collection"
}

func (a *osfAdapter) Search(ctx context.Context, q string, limit int, yield func(RawRecord) error) error {
	next := withQuery(a.cfg.Endpoint+"/nodes/", query(osfSearchParams{Title: q, PageSize: a.cfg.PageSize}))
	count := 0
	for next != "" {
		var page osfPage
		if err := a.client.getJSON(ctx, next, nil, &page); err != nil {
			return err
		}
		for _, node := range page.Data {
			if !osfHarvestable(node) {
				continue
			}
			id := cast.ToString(node["id"])
			if id == "" {
				continue
			}
			links := cast.ToStringMap(node["links"])
			rec := RawRecord{
				Source:  a.cfg.Name,
				Family:  OSF,
				ID:      id,
				URL:     cast.ToString(links["html"]),
				Payload: node,
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
		next = page.Links.Next
	}
	return nil
}

// osfNodeID accepts API URLs, osf.io URLs and bare GUIDs.
func osfNodeID(s string) string {
	if m := osfNodeAPI.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := osfNodeURL.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return strings.Trim(strings.TrimSpace(s), "/")
}

func (a *osfAdapter) Describe(ctx context.Context, id string) (RawRecord, error) {
	id = osfNodeID(id)
	base := a.cfg.Endpoint + "/nodes/" + id + "/"

	var doc osfDocument
	if err := a.client.getJSON(ctx, base, nil, &doc); err != nil {
		return RawRecord{}, err
	}
	if doc.Data == nil {
		return RawRecord{}, a.client.sourceError(MalformedResponse, base, 0, errors.New("empty node document"))
	}
	if !osfHarvestable(doc.Data) {
		return RawRecord{}, ErrSkip
	}

	payload := map[string]interface{}{"node": doc.Data}

	contributors, err := a.contributors(ctx, base)
	if err != nil {
		return RawRecord{}, err
	}
	payload["contributors"] = contributors

	// The license lives behind a relationship link; a missing license is
	// not a reason to skip the node.
	if license, err := a.license(ctx, doc.Data); err != nil {
		a.logger.WithField("record", id).Debugf("License not available: %v", err)
	} else if license != nil {
		payload["license"] = license
	}

	links := cast.ToStringMap(doc.Data["links"])
	link := cast.ToString(links["html"])
	if link == "" {
		link = "https://osf.io/" + id + "/"
	}
	return RawRecord{Source: a.cfg.Name, Family: OSF, ID: id, URL: link, Payload: payload}, nil
}

func (a *osfAdapter) contributors(ctx context.Context, base string) ([]interface{}, error) {
	var names []interface{}
	next := base + "contributors/?embed=users"
	for next != "" {
		var page osfPage
		if err := a.client.getJSON(ctx, next, nil, &page); err != nil {
			return nil, err
		}
		for _, c := range page.Data {
			embeds := cast.ToStringMap(c["embeds"])
			users := cast.ToStringMap(embeds["users"])
			data := cast.ToStringMap(users["data"])
			attrs := cast.ToStringMap(data["attributes"])
			if name := cast.ToString(attrs["full_name"]); name != "" {
				names = append(names, name)
			}
		}
		next = page.Links.Next
	}
	return names, nil
}

func (a *osfAdapter) license(ctx context.Context, node map[string]interface{}) (map[string]interface{}, error) {
	rels := cast.ToStringMap(node["relationships"])
	license := cast.ToStringMap(rels["license"])
	links := cast.ToStringMap(license["links"])
	related := cast.ToStringMap(links["related"])
	href := cast.ToString(related["href"])
	if href == "" {
		return nil, nil
	}
	var doc osfDocument
	if err := a.client.getJSON(ctx, href, nil, &doc); err != nil {
		return nil, err
	}
	return cast.ToStringMap(doc.Data["attributes"]), nil
}

func (a *osfAdapter) ListFiles(ctx context.Context, rec RawRecord) ([]RawFile, error) {
	var files []RawFile
	next := a.cfg.Endpoint + "/nodes/" + rec.ID + "/files/osfstorage/"
	for next != "" {
		var page osfPage
		if err := a.client.getJSON(ctx, next, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Data {
			attrs := cast.ToStringMap(item["attributes"])
			if cast.ToString(attrs["kind"]) == "folder" {
				continue
			}
			id := cast.ToString(item["id"])
			links := cast.ToStringMap(item["links"])
			download := cast.ToString(links["download"])
			if download == "" {
				guid := cast.ToString(attrs["guid"])
				if guid == "" {
					guid = id
				}
				download = "https://osf.io/download/" + guid + "/"
			}
			files = append(files, RawFile{
				ID:      id,
				Name:    cast.ToString(attrs["name"]),
				URL:     download,
				Payload: item,
			})
		}
		next = page.Links.Next
	}
	return files, nil
}

func (a *osfAdapter) FetchFile(ctx context.Context, f RawFile) (*Stream, error) {
	return a.client.open(ctx, f.URL)
}
