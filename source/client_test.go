package source

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func testConfig(family Family, endpoint string) Config {
	return Config{
		Name:     "test",
		Family:   family,
		Endpoint: endpoint,
		Retries:  3,
		Backoff:  time.Millisecond,
	}
}

func testClient(endpoint string) *Client {
	return NewClient(testConfig(Dataverse, endpoint), testLogger(), nil)
}

func TestClient_StatusMapping(t *testing.T) {
	tests := map[string]struct {
		status   int
		check    func(error) bool
		attempts int32
	}{
		"not found":         {http.StatusNotFound, IsNotFound, 1},
		"gone":              {http.StatusGone, IsNotFound, 1},
		"unauthorized":      {http.StatusUnauthorized, IsAccessDenied, 1},
		"forbidden":         {http.StatusForbidden, IsAccessDenied, 1},
		"bad request":       {http.StatusBadRequest, IsMalformed, 1},
		"too many requests": {http.StatusTooManyRequests, IsTransient, 3},
		"server error":      {http.StatusInternalServerError, IsTransient, 3},
		"unavailable":       {http.StatusServiceUnavailable, IsTransient, 3},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			var out map[string]interface{}
			err := testClient(srv.URL).getJSON(context.Background(), srv.URL, nil, &out)
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected error kind: %v", err)
			assert.Equal(t, tc.attempts, atomic.LoadInt32(&hits))

			var se *SourceError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.status, se.Status)
			assert.Equal(t, "test", se.Source)
		})
	}
}

func TestClient_RecoversFromTransientFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"status": "OK"}`)
	}))
	defer srv.Close()

	var out map[string]interface{}
	require.NoError(t, testClient(srv.URL).getJSON(context.Background(), srv.URL, nil, &out))
	assert.Equal(t, "OK", out["status"])
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestClient_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": `)
	}))
	defer srv.Close()

	var out map[string]interface{}
	err := testClient(srv.URL).getJSON(context.Background(), srv.URL, nil, &out)
	assert.True(t, IsMalformed(err), "unexpected error: %v", err)
}

func TestClient_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out map[string]interface{}
	err := testClient(srv.URL).getJSON(ctx, srv.URL, nil, &out)
	assert.Equal(t, context.Canceled, err)
}

func TestClient_Headers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"ua": %q, "token": %q}`, r.UserAgent(), r.Header.Get("X-Token"))
	}))
	defer srv.Close()

	cfg := testConfig(Dataverse, srv.URL)
	cfg.Headers = map[string]string{"X-Token": "secret", "User-Agent": "Mozilla/5.0"}
	client := NewClient(cfg, testLogger(), nil)

	var out map[string]string
	require.NoError(t, client.getJSON(context.Background(), srv.URL, nil, &out))
	assert.Equal(t, "Mozilla/5.0", out["ua"])
	assert.Equal(t, "secret", out["token"])
}

func TestClient_Open(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="field notes.csv"`)
		w.Header().Set("Content-Type", "text/csv")
		fmt.Fprint(w, "a,b\n")
	}))
	defer srv.Close()

	stream, err := testClient(srv.URL).open(context.Background(), srv.URL+"/file/1")
	require.NoError(t, err)
	defer stream.Body.Close()

	assert.Equal(t, "field notes.csv", stream.Filename)
	assert.Equal(t, "text/csv", stream.ContentType)
	body, err := ioutil.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(body))
}

func TestClient_OpenWithoutLocation(t *testing.T) {
	_, err := testClient("http://localhost").open(context.Background(), "")
	assert.True(t, IsAccessDenied(err))
}

func Test_dispositionFilename(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"inline", ""},
		{`attachment; filename="report.pdf"`, "report.pdf"},
		{`attachment; filename=data.tab`, "data.tab"},
		{"attachment; filename*=UTF-8''h%C3%A4.txt", "h\u00e4.txt"},
		{`attachment; filename="unterminated`, ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, dispositionFilename(tc.header), tc.header)
	}
}

func TestClient_Validate(t *testing.T) {
	c := testClient("http://localhost")
	assert.NoError(t, c.validate("u", figshareArticleSchema, map[string]interface{}{"id": 1, "title": "x"}))
	err := c.validate("u", figshareArticleSchema, map[string]interface{}{"id": "1"})
	assert.True(t, IsMalformed(err))
}
