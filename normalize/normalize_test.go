package normalize

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/qda-harvester/internal/testutil"
	"github.com/JiscSD/qda-harvester/record"
	"github.com/JiscSD/qda-harvester/relevance"
	"github.com/JiscSD/qda-harvester/source"
)

func newNormalizer() *Normalizer {
	logger, _ := test.NewNullLogger()
	return New(relevance.NewFormats(relevance.QDAExtensions), logger)
}

// describe serves a fixture to a real adapter and returns what it produced.
func describe(t *testing.T, cfg source.Config, fixture, id string) (source.RawRecord, []source.RawFile) {
	t.Helper()
	body := testutil.Fixture(t, fixture)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	cfg.Name, cfg.Endpoint, cfg.Backoff = "test", srv.URL, time.Millisecond
	a, err := source.New(cfg, logger)
	require.NoError(t, err)

	rec, err := a.Describe(context.Background(), id)
	require.NoError(t, err)
	files, err := a.ListFiles(context.Background(), rec)
	require.NoError(t, err)
	return rec, files
}

func TestLookup(t *testing.T) {
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"a": {"b": [{"c": "x"}, {"c": "y"}, {"c": ""}]},
		"n": 12,
		"nested": [[{"t": "p"}], [{"t": "q"}]],
		"s": "a; b;;c",
		"list": ["1", "2"]
	}`), &payload))

	tests := map[string]struct {
		path string
		want []string
	}{
		"Explicit flattening": {"a.b[].c", []string{"x", "y"}},
		"Implicit flattening": {"a.b.c", []string{"x", "y"}},
		"Index":               {"a.b[1].c", []string{"y"}},
		"Index out of range":  {"a.b[5].c", nil},
		"Number":              {"n", []string{"12"}},
		"Nested lists":        {"nested[][].t", []string{"p", "q"}},
		"Split":               {"s|split:;", []string{"a", "b", "c"}},
		"Missing":             {"missing.x", nil},
		"Objects skipped":     {"a", nil},
		"List of strings":     {"list", []string{"1", "2"}},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Lookup(payload, tc.path))
		})
	}
}

func TestNormalizer_Dataverse(t *testing.T) {
	rec, files := describe(t, source.Config{Family: source.Dataverse}, "dataverse_dataset.json", "doi:10.5072/FK2/QAWS8O")
	n := newNormalizer()

	ds, err := n.Dataset(rec)
	require.NoError(t, err)

	assert.Equal(t, "doi:10.5072/FK2/QAWS8O", ds.ID)
	assert.Equal(t, "test", ds.Source)
	assert.Equal(t, "Interviews with care workers", ds.Title)
	assert.Equal(t, "Semi-structured interview transcripts; coded in NVivo.", ds.Description)
	assert.Equal(t, "2021-03-04", ds.DatePublished)
	assert.Equal(t, "Winter, Kat", ds.Depositor)
	assert.Equal(t, &record.Contact{Name: "Winter, Kat", Email: "kat@example.org"}, ds.Contact)
	assert.Equal(t, []string{"Winter, Kat", "Watson, Joan"}, ds.Authors)
	assert.Equal(t, []string{"qualitative", "care; labour"}, ds.Keywords)
	assert.Equal(t, []string{"Social Sciences"}, ds.Subjects)
	assert.Equal(t, []string{"NVivo"}, ds.Software)
	assert.Equal(t, []string{"Interview transcripts"}, ds.KindOfData)
	assert.Equal(t, []string{"Canada"}, ds.GeographicCoverage)
	assert.Nil(t, ds.Languages)
	assert.Nil(t, ds.CollectionPeriod)
	assert.Equal(t, &record.DateRange{Start: "2019-01-01", End: "2019-12-31"}, ds.TimePeriod)
	assert.Equal(t, "CC BY 4.0", ds.LicenseName)
	assert.Equal(t, "http://creativecommons.org/licenses/by/4.0", ds.LicenseURL)
	assert.Equal(t, []string{"CC BY 4.0", "http://creativecommons.org/licenses/by/4.0", "", "", ""}, ds.LicenseTerms)
	assert.Equal(t, "fields.title", ds.Provenance["title"])
	assert.Equal(t, "publicationDate", ds.Provenance["date_published"])
	assert.NotContains(t, ds.Provenance, "languages")

	entries := n.Files(ds, source.Dataverse, files)
	require.Len(t, entries, 2)

	qdpx := entries[0]
	assert.Equal(t, ds.ID, qdpx.DatasetID)
	assert.Equal(t, 0, qdpx.Position)
	assert.Equal(t, "101", qdpx.FileID)
	assert.EqualValues(t, 12, qdpx.Size)
	assert.Equal(t, "application/zip", qdpx.MIMEType)
	assert.True(t, qdpx.QDA)
	assert.False(t, qdpx.Restricted)
	assert.Equal(t, &record.Checksum{Algorithm: "MD5", Value: "0cc175b9c0f1b6a831c399e269772661"}, qdpx.Checksum)
	assert.Empty(t, qdpx.Outcome)

	pdf := entries[1]
	assert.Equal(t, 1, pdf.Position)
	assert.True(t, pdf.Restricted)
	assert.False(t, pdf.QDA)
	assert.Equal(t, &record.Checksum{Algorithm: "MD5", Value: "92eb5ffee6ae2fec3ad71c777531578f"}, pdf.Checksum)
}

func TestNormalizer_Figshare(t *testing.T) {
	rec, files := describe(t, source.Config{Family: source.Figshare}, "figshare_article.json", "4242")
	n := newNormalizer()

	ds, err := n.Dataset(rec)
	require.NoError(t, err)
	assert.Equal(t, "Focus group recordings", ds.Title)
	assert.Equal(t, "Focus group transcripts about housing.", ds.Description)
	assert.Equal(t, "2020-05-01", ds.DatePublished)
	assert.Equal(t, []string{"Ada Lovelace", "Grace Hopper"}, ds.Authors)
	assert.Equal(t, []string{"focus groups", "housing"}, ds.Keywords)
	assert.Equal(t, []string{"Sociology"}, ds.Subjects)
	assert.Equal(t, []string{"dataset"}, ds.KindOfData)

	entries := n.Files(ds, source.Figshare, files)
	require.Len(t, entries, 1)
	assert.Equal(t, "transcripts.docx", entries[0].Name)
	assert.EqualValues(t, 512, entries[0].Size)
	assert.Equal(t, "MD5", entries[0].Checksum.Algorithm)
}

func TestNormalizer_OAIDDI(t *testing.T) {
	rec, files := describe(t, source.Config{Family: source.OAIPMH, MetadataPrefix: "oai_ddi25"}, "oai_ddi.xml", "FSD3217")
	n := newNormalizer()

	ds, err := n.Dataset(rec)
	require.NoError(t, err)
	assert.Equal(t, "FSD3217", ds.ID)
	assert.Equal(t, "Interviews with care workers", ds.Title)
	assert.Equal(t, []string{"Virtanen, Liisa"}, ds.Authors)
	assert.Equal(t, []string{"care work", "interviews"}, ds.Keywords)
	assert.Equal(t, []string{"Qualitative"}, ds.KindOfData)
	assert.Equal(t, []string{"Finland"}, ds.GeographicCoverage)
	assert.Equal(t, []string{"University of Tampere"}, ds.Producers)
	assert.Equal(t, "2018-05-14", ds.DatePublished)
	assert.Equal(t, &record.DateRange{Start: "2016-02-01", End: "2016-06-30"}, ds.CollectionPeriod)
	assert.Equal(t, "(A) openly available for all users without registration", ds.LicenseName)
	assert.Equal(t, "https://creativecommons.org/licenses/by/4.0/", ds.LicenseURL)

	entries := n.Files(ds, source.OAIPMH, files)
	require.Len(t, entries, 1)
	assert.Equal(t, "daF3217.txt", entries[0].FileID)
	assert.Empty(t, entries[0].URL)
	assert.Nil(t, entries[0].Checksum)
}

func TestNormalizer_InternetArchive(t *testing.T) {
	rec, files := describe(t, source.Config{Family: source.IA}, "ia_metadata.json", "oral-history-smith")
	n := newNormalizer()

	ds, err := n.Dataset(rec)
	require.NoError(t, err)
	assert.Equal(t, "Recorded interview about mill work.", ds.Description)
	assert.Equal(t, []string{"Smith, J.", "Doe, A."}, ds.Authors)
	assert.Equal(t, []string{"oral history", "textiles"}, ds.Subjects)
	assert.Equal(t, []string{"eng"}, ds.Languages)
	assert.Equal(t, "1978", ds.DatePublished)
	assert.Equal(t, "CC BY-NC 3.0", ds.LicenseName)

	entries := n.Files(ds, source.IA, files)
	require.Len(t, entries, 2)
	assert.Equal(t, "audio/mpeg", entries[0].MIMEType)
	assert.EqualValues(t, 2048, entries[0].Size)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", entries[0].Checksum.Value)
	assert.True(t, entries[1].Restricted)
}

func TestNormalizer_LibraryOfCongress(t *testing.T) {
	rec, files := describe(t, source.Config{Family: source.LOC}, "loc_item.json", "afc1979")
	n := newNormalizer()

	ds, err := n.Dataset(rec)
	require.NoError(t, err)
	assert.Equal(t, "Oral history interview conducted in 1979.", ds.Description)
	assert.Equal(t, []string{"Jones, Mary"}, ds.Authors)
	assert.Equal(t, []string{"Interviews"}, ds.KindOfData)
	assert.Equal(t, "No known restrictions", ds.LicenseName)

	entries := n.Files(ds, source.LOC, files)
	require.Len(t, entries, 3)
	assert.EqualValues(t, 300, entries[1].Size)
	assert.Equal(t, "text/plain", entries[1].MIMEType)
}

func TestNormalizer_Errors(t *testing.T) {
	n := newNormalizer()

	_, err := n.Dataset(source.RawRecord{Family: source.OAIPMH, ID: "x", Payload: map[string]interface{}{"title": []interface{}{" "}}})
	assert.True(t, errors.Is(err, ErrMissingTitle))

	_, err = n.Dataset(source.RawRecord{Family: "gopher", ID: "x"})
	assert.Error(t, err)
}

func TestNormalizer_DropsInvertedRange(t *testing.T) {
	n := newNormalizer()
	ds, err := n.Dataset(source.RawRecord{Family: source.OAIPMH, ID: "x", Payload: map[string]interface{}{
		"title":            []interface{}{"Survey"},
		"collection_start": "2020-06-01",
		"collection_end":   "2019-01-01",
		"period_start":     "1990",
	}})
	require.NoError(t, err)
	assert.Nil(t, ds.CollectionPeriod)
	assert.NotContains(t, ds.Provenance, "collection_start")
	assert.Equal(t, &record.DateRange{Start: "1990"}, ds.TimePeriod)
}

func TestNormalizer_UndefinedMIMEType(t *testing.T) {
	n := newNormalizer()
	entries := n.Files(record.Dataset{ID: "d"}, source.Figshare, []source.RawFile{
		{ID: "1", Name: "a.bin", Payload: map[string]interface{}{"mimetype": "undefined", "size": "0"}},
	})
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].MIMEType)
	assert.Zero(t, entries[0].Size)
	assert.Nil(t, entries[0].Checksum)
}

func TestNormalizer_KeepsEveryValueInOrder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	tables := map[source.Family]Table{
		"custom": {
			Title:    {"title"},
			Authors:  {"authors"},
			Keywords: {"blocks[].keywords"},
		},
	}
	n := NewWithTables(tables, nil, relevance.NewFormats(nil), logger)

	ds, err := n.Dataset(source.RawRecord{Family: "custom", ID: "x", Payload: map[string]interface{}{
		"title":   "Shared names",
		"authors": []interface{}{"Smith, J.", "Lee; K.", "", "Smith, J."},
		"blocks": []interface{}{
			map[string]interface{}{"keywords": []interface{}{"care; labour", "interviews"}},
			map[string]interface{}{"keywords": []interface{}{"interviews"}},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Smith, J.", "Lee; K.", "Smith, J."}, ds.Authors)
	assert.Equal(t, []string{"care; labour", "interviews", "interviews"}, ds.Keywords)
}

func TestNormalizer_InternetArchiveCreatorNotSplit(t *testing.T) {
	n := newNormalizer()
	ds, err := n.Dataset(source.RawRecord{Family: source.IA, ID: "x", Payload: map[string]interface{}{
		"metadata": map[string]interface{}{
			"title":   "Mill workers",
			"creator": "Smith; Jones Oral History Project",
			"subject": "oral history; textiles",
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Smith; Jones Oral History Project"}, ds.Authors)
	assert.Equal(t, []string{"oral history", "textiles"}, ds.Subjects)
}
