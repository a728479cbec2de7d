package source

import (
	"context"
	"encoding/xml"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Restriction texts starting with this marker are openly available (the
// Finnish Social Science Data Archive access category A).
const ddiOpenCategory = "(A)"

const ddiOpenLicenseURL = "https://creativecommons.org/licenses/by/4.0/"

type oaiResponse struct {
	XMLName     xml.Name   `xml:"OAI-PMH"`
	Error       []oaiError `xml:"error"`
	ListRecords struct {
		Records         []oaiRecord `xml:"record"`
		ResumptionToken string      `xml:"resumptionToken"`
	} `xml:"ListRecords"`
	GetRecord struct {
		Record oaiRecord `xml:"record"`
	} `xml:"GetRecord"`
}

type oaiError struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

type oaiRecord struct {
	Header struct {
		Status     string   `xml:"status,attr"`
		Identifier string   `xml:"identifier"`
		Datestamp  string   `xml:"datestamp"`
		SetSpec    []string `xml:"setSpec"`
	} `xml:"header"`
	Metadata struct {
		DC  *dublinCore  `xml:"dc"`
		DDI *ddiCodeBook `xml:"codeBook"`
	} `xml:"metadata"`
}

type dublinCore struct {
	Title       []string `xml:"title"`
	Creator     []string `xml:"creator"`
	Subject     []string `xml:"subject"`
	Description []string `xml:"description"`
	Publisher   []string `xml:"publisher"`
	Contributor []string `xml:"contributor"`
	Date        []string `xml:"date"`
	Type        []string `xml:"type"`
	Format      []string `xml:"format"`
	Identifier  []string `xml:"identifier"`
	Language    []string `xml:"language"`
	Coverage    []string `xml:"coverage"`
	Rights      []string `xml:"rights"`
}

type ddiText struct {
	Lang  string `xml:"lang,attr"`
	Value string `xml:",chardata"`
}

type ddiDate struct {
	Lang  string `xml:"lang,attr"`
	Date  string `xml:"date,attr"`
	Event string `xml:"event,attr"`
	Value string `xml:",chardata"`
}

// ddiCodeBook is the subset of DDI Codebook 2.5 read by the harvester.
type ddiCodeBook struct {
	StdyDscr struct {
		Citation struct {
			TitlStmt struct {
				Titl []ddiText `xml:"titl"`
				IDNo []string  `xml:"IDNo"`
			} `xml:"titlStmt"`
			RspStmt struct {
				AuthEnty []ddiText `xml:"AuthEnty"`
			} `xml:"rspStmt"`
			ProdStmt struct {
				Producer []ddiText `xml:"producer"`
			} `xml:"prodStmt"`
			DistStmt struct {
				DistDate []ddiDate `xml:"distDate"`
			} `xml:"distStmt"`
			Holdings []struct {
				URI string `xml:"URI,attr"`
			} `xml:"holdings"`
		} `xml:"citation"`
		StdyInfo struct {
			Subject struct {
				Keyword  []ddiText `xml:"keyword"`
				TopcClas []ddiText `xml:"topcClas"`
			} `xml:"subject"`
			Abstract []ddiText `xml:"abstract"`
			SumDscr  struct {
				TimePrd   []ddiDate `xml:"timePrd"`
				CollDate  []ddiDate `xml:"collDate"`
				Nation    []ddiText `xml:"nation"`
				GeogCover []ddiText `xml:"geogCover"`
				DataKind  []ddiText `xml:"dataKind"`
			} `xml:"sumDscr"`
		} `xml:"stdyInfo"`
		DataAccs struct {
			UseStmt struct {
				Restrctn []ddiText `xml:"restrctn"`
			} `xml:"useStmt"`
		} `xml:"dataAccs"`
	} `xml:"stdyDscr"`
	FileDscr []struct {
		FileTxt struct {
			FileName string `xml:"fileName"`
		} `xml:"fileTxt"`
	} `xml:"fileDscr"`
}

type oaiParams struct {
	Verb            string `schema:"verb"`
	MetadataPrefix  string `schema:"metadataPrefix,omitempty"`
	Identifier      string `schema:"identifier,omitempty"`
	ResumptionToken string `schema:"resumptionToken,omitempty"`
}

type oaiAdapter struct {
	cfg    Config
	client *Client
	logger logrus.FieldLogger
}

var _ Adapter = (*oaiAdapter)(nil)

func (a *oaiAdapter) Name() string   { return a.cfg.Name }
func (a *oaiAdapter) Family() Family { return OAIPMH }

func (a *oaiAdapter) request(ctx context.Context, params oaiParams) (*oaiResponse, error) {
	var resp oaiResponse
	if err := a.client.getXML(ctx, a.cfg.Endpoint, query(params), &resp); err != nil {
		return nil, err
	}
	for _, e := range resp.Error {
		err := errors.Errorf("OAI-PMH error %s: %s", e.Code, strings.TrimSpace(e.Message))
		switch e.Code {
		case "noRecordsMatch":
			return &resp, nil
		case "idDoesNotExist":
			return nil, a.client.sourceError(NotFound, a.cfg.Endpoint, 0, err)
		}
		return nil, a.client.sourceError(MalformedResponse, a.cfg.Endpoint, 0, err)
	}
	return &resp, nil
}

// Search lists Dublin Core records and keeps those whose title, description
// or subjects contain every word of the query. OAI-PMH has no search verb.
func (a *oaiAdapter) Search(ctx context.Context, q string, limit int, yield func(RawRecord) error) error {
	terms := strings.Fields(strings.ToLower(q))
	params := oaiParams{Verb: "ListRecords", MetadataPrefix: "oai_dc"}
	count := 0
	for {
		resp, err := a.request(ctx, params)
		if err != nil {
			return err
		}
		for _, r := range resp.ListRecords.Records {
			if r.Header.Status == "deleted" || r.Metadata.DC == nil {
				continue
			}
			dc := r.Metadata.DC
			text := strings.ToLower(strings.Join(dc.Title, " ") + " " + strings.Join(dc.Description, " ") + " " + strings.Join(dc.Subject, " "))
			if !containsAll(text, terms) {
				continue
			}
			rec := a.dublinCoreRecord(r)
			if err := yield(rec); err != nil {
				return err
			}
			count++
			if count >= limit {
				a.logger.WithField("query", q).Infof("Search capped at %d results", limit)
				return nil
			}
		}
		token := strings.TrimSpace(resp.ListRecords.ResumptionToken)
		if token == "" {
			return nil
		}
		params = oaiParams{Verb: "ListRecords", ResumptionToken: token}
	}
}

func containsAll(text string, terms []string) bool {
	for _, t := range terms {
		if !strings.Contains(text, t) {
			return false
		}
	}
	return true
}

// Describe fetches the record in the configured metadata format and falls
// back to Dublin Core.
func (a *oaiAdapter) Describe(ctx context.Context, id string) (RawRecord, error) {
	if a.cfg.MetadataPrefix != "oai_dc" {
		resp, err := a.request(ctx, oaiParams{Verb: "GetRecord", MetadataPrefix: a.cfg.MetadataPrefix, Identifier: id})
		switch {
		case err == nil && resp.GetRecord.Record.Header.Status == "deleted":
			return RawRecord{}, ErrSkip
		case err == nil && resp.GetRecord.Record.Metadata.DDI != nil:
			return a.ddiRecord(resp.GetRecord.Record), nil
		case err != nil && !IsMalformed(err):
			return RawRecord{}, err
		}
		a.logger.WithField("record", id).Debugf("No %s metadata, falling back to oai_dc", a.cfg.MetadataPrefix)
	}
	resp, err := a.request(ctx, oaiParams{Verb: "GetRecord", MetadataPrefix: "oai_dc", Identifier: id})
	if err != nil {
		return RawRecord{}, err
	}
	r := resp.GetRecord.Record
	if r.Header.Status == "deleted" {
		return RawRecord{}, ErrSkip
	}
	if r.Metadata.DC == nil {
		return RawRecord{}, a.client.sourceError(MalformedResponse, a.cfg.Endpoint, 0, errors.New("record without metadata"))
	}
	return a.dublinCoreRecord(r), nil
}

func (a *oaiAdapter) recordURL(id string, identifiers []string) string {
	for _, i := range identifiers {
		i = strings.TrimSpace(i)
		if strings.HasPrefix(i, "http://") || strings.HasPrefix(i, "https://") {
			return i
		}
	}
	return withQuery(a.cfg.Endpoint, url.Values{"verb": {"GetRecord"}, "metadataPrefix": {"oai_dc"}, "identifier": {id}})
}

func (a *oaiAdapter) dublinCoreRecord(r oaiRecord) RawRecord {
	dc := r.Metadata.DC
	id := r.Header.Identifier
	link := a.recordURL(id, dc.Identifier)
	payload := map[string]interface{}{
		"identifier":  id,
		"identifiers": strs(dc.Identifier),
		"title":       strs(dc.Title),
		"description": strs(dc.Description),
		"authors":     strs(dc.Creator),
		"subjects":    strs(dc.Subject),
		"date":        strs(dc.Date),
		"datestamp":   r.Header.Datestamp,
		"languages":   strs(dc.Language),
		"coverage":    strs(dc.Coverage),
		"kind":        strs(dc.Type),
		"producers":   strs(dc.Publisher),
		"rights":      strs(dc.Rights),
		"source_url":  link,
	}
	return RawRecord{Source: a.cfg.Name, Family: OAIPMH, ID: id, URL: link, Payload: payload}
}

func (a *oaiAdapter) ddiRecord(r oaiRecord) RawRecord {
	ddi := r.Metadata.DDI
	stdy := ddi.StdyDscr
	id := r.Header.Identifier

	var holdings []string
	for _, h := range stdy.Citation.Holdings {
		holdings = append(holdings, h.URI)
	}
	link := a.recordURL(id, holdings)

	restriction := firstText(preferLang(stdy.DataAccs.UseStmt.Restrctn, "en"))
	open := strings.HasPrefix(strings.TrimSpace(restriction), ddiOpenCategory)

	payload := map[string]interface{}{
		"identifier":  id,
		"identifiers": strs(stdy.Citation.TitlStmt.IDNo),
		"title":       texts(preferLang(stdy.Citation.TitlStmt.Titl, "en")),
		"description": texts(preferLang(stdy.StdyInfo.Abstract, "en")),
		"authors":     texts(stdy.Citation.RspStmt.AuthEnty),
		"keywords":    texts(preferLang(stdy.StdyInfo.Subject.Keyword, "en")),
		"subjects":    texts(preferLang(stdy.StdyInfo.Subject.TopcClas, "en")),
		"date":        dates(stdy.Citation.DistStmt.DistDate),
		"datestamp":   r.Header.Datestamp,
		"coverage":    append(texts(preferLang(stdy.StdyInfo.SumDscr.Nation, "en")), texts(preferLang(stdy.StdyInfo.SumDscr.GeogCover, "en"))...),
		"kind":        texts(preferLang(stdy.StdyInfo.SumDscr.DataKind, "en")),
		"producers":   texts(preferLang(stdy.Citation.ProdStmt.Producer, "en")),
		"rights":      strs([]string{restriction}),
		"source_url":  link,
	}
	if open {
		payload["license_url"] = ddiOpenLicenseURL
	}
	if start, end := dateEvents(stdy.StdyInfo.SumDscr.CollDate); start != "" {
		payload["collection_start"], payload["collection_end"] = start, end
	}
	if start, end := dateEvents(stdy.StdyInfo.SumDscr.TimePrd); start != "" {
		payload["period_start"], payload["period_end"] = start, end
	}

	var files []interface{}
	for _, f := range ddi.FileDscr {
		name := strings.TrimSpace(f.FileTxt.FileName)
		if name == "" {
			continue
		}
		files = append(files, map[string]interface{}{"name": name, "restricted": !open})
	}
	payload["files"] = files

	return RawRecord{Source: a.cfg.Name, Family: OAIPMH, ID: id, URL: link, Payload: payload}
}

// ListFiles returns the files described by DDI metadata. They carry no
// public download location.
func (a *oaiAdapter) ListFiles(_ context.Context, rec RawRecord) ([]RawFile, error) {
	items, _ := rec.Payload["files"].([]interface{})
	files := make([]RawFile, 0, len(items))
	for _, item := range items {
		payload, _ := item.(map[string]interface{})
		name, _ := payload["name"].(string)
		files = append(files, RawFile{ID: name, Name: name, Payload: payload})
	}
	return files, nil
}

func (a *oaiAdapter) FetchFile(ctx context.Context, f RawFile) (*Stream, error) {
	return a.client.open(ctx, f.URL)
}

func preferLang(values []ddiText, lang string) []ddiText {
	var out []ddiText
	for _, v := range values {
		if v.Lang == lang {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return values
	}
	return out
}

func firstText(values []ddiText) string {
	for _, v := range values {
		if s := strings.TrimSpace(v.Value); s != "" {
			return s
		}
	}
	return ""
}

func texts(values []ddiText) []interface{} {
	out := []interface{}{}
	for _, v := range values {
		if s := strings.TrimSpace(v.Value); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func dates(values []ddiDate) []interface{} {
	out := []interface{}{}
	for _, v := range values {
		s := strings.TrimSpace(v.Date)
		if s == "" {
			s = strings.TrimSpace(v.Value)
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// dateEvents returns the first start and end events of a DDI date list. A
// single undated-event entry counts as the start.
func dateEvents(values []ddiDate) (start, end string) {
	for _, v := range values {
		d := strings.TrimSpace(v.Date)
		if d == "" {
			d = strings.TrimSpace(v.Value)
		}
		switch v.Event {
		case "start":
			if start == "" {
				start = d
			}
		case "end":
			if end == "" {
				end = d
			}
		case "single", "":
			if start == "" {
				start = d
			}
		}
	}
	if start == "" {
		return "", ""
	}
	return start, end
}

func strs(values []string) []interface{} {
	out := []interface{}{}
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
