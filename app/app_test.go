package app

import (
	"bytes"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/qda-harvester/harvest"
	"github.com/JiscSD/qda-harvester/record"
	"github.com/JiscSD/qda-harvester/source"
)

func TestMainHelp(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"qda-harvester", "help"}

	var (
		output    bytes.Buffer
		errOutput bytes.Buffer
	)
	err := Run(&output, &errOutput)

	if err != nil {
		t.Error(err)
	}
	if have, want := output.String(), "Available Commands"; !strings.Contains(have, want) {
		t.Errorf("expected output %s not found in output: %s", want, have)
	}
	if errOutput.String() != "" {
		t.Errorf("error output is not empty")
	}
}

func TestMainUnknownCommand(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"qda-harvester", "unknown"}

	err := Run(ioutil.Discard, ioutil.Discard)

	if err == nil {
		t.Error("error expected")
	}
}

func defaultTestConfig(t *testing.T) *Config {
	t.Helper()
	config := &Config{}
	require.NoError(t, loadConfig(config))
	return config
}

func TestLoadConfig_Defaults(t *testing.T) {
	config := defaultTestConfig(t)

	assert.Equal(t, "INFO", config.Logging.Level)
	assert.Equal(t, 4, config.Harvest.SourceWorkers)
	assert.Equal(t, 1, config.Harvest.SourceRetries)
	assert.Equal(t, int64(524288000), config.Download.MaxSize)
	assert.Equal(t, 2*time.Second, config.Download.Backoff)
	assert.False(t, config.Download.TrustDeclaredChecksums)
	assert.Contains(t, config.Relevance.Terms["en"], "focus group")
	assert.Contains(t, config.Relevance.Terms["fi"], "haastattelu")
	assert.True(t, config.Notify.IncludedOnly)

	byName := map[string]source.Config{}
	for _, s := range config.Sources {
		byName[s.Name] = s
	}
	assert.Len(t, byName, 19)
	assert.Equal(t, source.Dataverse, byName["qdr"].Family)
	assert.Equal(t, "oai_ddi25", byName["fsd"].MetadataPrefix)
	assert.Equal(t, time.Second, byName["fsd"].Delay)
	assert.Equal(t, source.LOC, byName["loc"].Family)
	assert.Contains(t, strings.ToLower(headerValue(byName["scielo"].Headers, "User-Agent")), "mozilla")

	for _, s := range config.SourceConfigs() {
		assert.Equal(t, config.Harvest.Queries, s.Queries, s.Name)
	}
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func TestLoadConfig_UserFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`
[paths]
data_dir = "/srv/qda"
ledger = "/var/lib/qda/ledger.db"

[[sources]]
name = "osf"
family = "osf"
endpoint = "https://api.osf.io/v2"
queries = ["interview study"]
cap = 20
`), 0o644))

	old := configFile
	defer func() { configFile = old }()
	configFile = path

	config := defaultTestConfig(t)
	require.Len(t, config.Sources, 1)
	assert.Equal(t, 20, config.Sources[0].Cap)
	assert.Equal(t, []string{"interview study"}, config.SourceConfigs()[0].Queries)
	assert.Equal(t, filepath.Join("/srv/qda", "downloads"), config.DownloadDir())
	assert.Equal(t, "/var/lib/qda/ledger.db", config.LedgerPath())
}

func TestConfig_Validate(t *testing.T) {
	tests := map[string]struct {
		change  func(c *Config)
		wantErr string
	}{
		"defaults": {
			change: func(c *Config) {},
		},
		"bad level": {
			change:  func(c *Config) { c.Logging.Level = "chatty" },
			wantErr: "logging.level",
		},
		"negative size": {
			change:  func(c *Config) { c.Download.MaxSize = -1 },
			wantErr: "download.max_size",
		},
		"no terms": {
			change:  func(c *Config) { c.Relevance.Terms = nil },
			wantErr: "relevance.terms",
		},
		"no sources": {
			change:  func(c *Config) { c.Sources = nil },
			wantErr: "sources",
		},
		"mirror not s3": {
			change:  func(c *Config) { c.Mirror.Destination = "https://example.org/bucket" },
			wantErr: "mirror.destination",
		},
		"topic not an arn": {
			change:  func(c *Config) { c.Notify.TopicARN = "qda-harvests" },
			wantErr: "notify.topic_arn",
		},
		"unknown family": {
			change:  func(c *Config) { c.Sources[0].Family = "zenodo" },
			wantErr: "sources[0]",
		},
		"endpoint without scheme": {
			change:  func(c *Config) { c.Sources[1].Endpoint = "borealisdata.ca" },
			wantErr: "sources[1]",
		},
		"duplicate name": {
			change:  func(c *Config) { c.Sources[2].Name = c.Sources[0].Name },
			wantErr: "duplicate name",
		},
	}
	base := defaultTestConfig(t)
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			c := *base
			c.Sources = append([]source.Config(nil), base.Sources...)
			tc.change(&c)
			err := c.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestSelectSources(t *testing.T) {
	cfgs := []source.Config{
		{Name: "qdr", Family: source.Dataverse},
		{Name: "osf", Family: source.OSF, Disabled: true},
		{Name: "ia", Family: source.IA},
	}

	got, err := selectSources(cfgs, nil)
	require.NoError(t, err)
	assert.Equal(t, cfgs, got)

	got, err = selectSources(cfgs, []string{"osf", "qdr"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "osf", got[0].Name)
	assert.False(t, got[0].Disabled)
	assert.True(t, cfgs[1].Disabled)

	_, err = selectSources(cfgs, []string{"zenodo"})
	assert.EqualError(t, err, `unknown source "zenodo"`)
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	err := printSummary(&out, harvest.Stats{
		RunID:           "run-1",
		Started:         time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Finished:        time.Date(2024, 3, 1, 10, 2, 30, 0, time.UTC),
		RecordsSeen:     12,
		RecordsIncluded: 5,
		Files:           map[record.Outcome]int64{record.Downloaded: 7},
		SourcesFailed:   1,
	})
	require.NoError(t, err)
	line := out.String()
	assert.True(t, strings.HasPrefix(line, "run=run-1 elapsed=2m30s records_seen=12 "))
	assert.Contains(t, line, "records_included=5")
	assert.Contains(t, line, "files_downloaded=7")
	assert.True(t, strings.HasSuffix(line, "sources_failed=1\n"))
}

func TestDoSources(t *testing.T) {
	config := defaultTestConfig(t)
	config.Sources[1].Disabled = true

	var out bytes.Buffer
	require.NoError(t, doSources(&out, config))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, len(config.Sources)+1)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, lines[1], "https://data.qdr.syr.edu")
	assert.Contains(t, lines[2], "disabled")
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := harvest.NewMetrics(metricsNamespace)
	registry.MustRegister(metrics.Collectors()...)
	metrics.SourceFailures.Inc()

	srv := httptest.NewServer(metricsHandler(registry))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "qda_harvester_")
}

func TestDoConfig_Paths(t *testing.T) {
	config := defaultTestConfig(t)
	config.Paths.DataDir = "/srv/qda"

	var out bytes.Buffer
	require.NoError(t, doConfig(&out, config, true))
	assert.Contains(t, out.String(), `downloads   = "/srv/qda/downloads"`)
	assert.Contains(t, out.String(), `ledger      = "/srv/qda/ledger.db"`)
	assert.NotContains(t, out.String(), "Configuration")
}

func TestDoVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, doVersion(&out, true))
	assert.Equal(t, "(untracked)\n", out.String())

	out.Reset()
	require.NoError(t, doVersion(&out, false))
	assert.True(t, strings.HasPrefix(out.String(), "qda-harvester (untracked)\n"))
	assert.Contains(t, out.String(), "user agent: qda-harvester/(untracked)")
}
