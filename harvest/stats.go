package harvest

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JiscSD/qda-harvester/record"
)

// Record statuses counted by a run.
const (
	recordSeen      = "seen"
	recordDuplicate = "duplicate"
	recordSkipped   = "skipped"
	recordIncluded  = "included"
	recordExcluded  = "excluded"
	recordError     = "error"
)

// Stats are the counters of one run.
type Stats struct {
	RunID    string
	Started  time.Time
	Finished time.Time

	RecordsSeen      int64
	RecordsDuplicate int64
	RecordsSkipped   int64
	RecordsIncluded  int64
	RecordsExcluded  int64
	RecordErrors     int64

	LicenseOpen       int64
	LicenseRestricted int64
	LicenseUnknown    int64

	Files map[record.Outcome]int64

	SourcesFailed int
}

// Keyvals returns the counters as alternating keys and values, in a stable
// order suitable for logfmt.
func (s Stats) Keyvals() []interface{} {
	kv := []interface{}{
		"run", s.RunID,
		"elapsed", s.Finished.Sub(s.Started).Round(time.Second).String(),
		"records_seen", s.RecordsSeen,
		"records_duplicate", s.RecordsDuplicate,
		"records_skipped", s.RecordsSkipped,
		"records_included", s.RecordsIncluded,
		"records_excluded", s.RecordsExcluded,
		"record_errors", s.RecordErrors,
		"license_open", s.LicenseOpen,
		"license_restricted", s.LicenseRestricted,
		"license_unknown", s.LicenseUnknown,
	}
	for _, o := range record.Outcomes {
		kv = append(kv, "files_"+strings.ToLower(string(o)), s.Files[o])
	}
	return append(kv, "sources_failed", s.SourcesFailed)
}

// Map returns the counters of Keyvals keyed by name.
func (s Stats) Map() map[string]interface{} {
	kv := s.Keyvals()
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

// Metrics are the Prometheus counters updated during a run. They are created
// unregistered; the caller owns the registry.
type Metrics struct {
	Records        *prometheus.CounterVec
	Licenses       *prometheus.CounterVec
	Files          *prometheus.CounterVec
	SourceFailures prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "The total number of records processed, by status.",
		}, []string{"source", "status"}),
		Licenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "licenses_total",
			Help:      "The total number of license decisions, by status.",
		}, []string{"source", "status"}),
		Files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "The total number of files resolved, by outcome.",
		}, []string{"source", "outcome"}),
		SourceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "The total number of sources whose search failed.",
		}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Records, m.Licenses, m.Files, m.SourceFailures}
}

// counters is shared by the workers of a run.
type counters struct {
	metrics *Metrics

	records  map[string]*int64
	licenses map[record.Openness]*int64
	files    map[record.Outcome]*int64
}

func newCounters(metrics *Metrics) *counters {
	c := &counters{
		metrics:  metrics,
		records:  map[string]*int64{},
		licenses: map[record.Openness]*int64{},
		files:    map[record.Outcome]*int64{},
	}
	for _, s := range []string{recordSeen, recordDuplicate, recordSkipped, recordIncluded, recordExcluded, recordError} {
		c.records[s] = new(int64)
	}
	for _, s := range []record.Openness{record.Open, record.Restricted, record.Unknown} {
		c.licenses[s] = new(int64)
	}
	for _, o := range record.Outcomes {
		c.files[o] = new(int64)
	}
	return c
}

func (c *counters) record(src, status string) {
	atomic.AddInt64(c.records[status], 1)
	if c.metrics != nil {
		c.metrics.Records.WithLabelValues(src, status).Inc()
	}
}

func (c *counters) license(src string, status record.Openness) {
	if n, ok := c.licenses[status]; ok {
		atomic.AddInt64(n, 1)
	}
	if c.metrics != nil {
		c.metrics.Licenses.WithLabelValues(src, string(status)).Inc()
	}
}

func (c *counters) file(src string, outcome record.Outcome) {
	n, ok := c.files[outcome]
	if !ok {
		return
	}
	atomic.AddInt64(n, 1)
	if c.metrics != nil {
		c.metrics.Files.WithLabelValues(src, string(outcome)).Inc()
	}
}

func (c *counters) sourceFailed() {
	if c.metrics != nil {
		c.metrics.SourceFailures.Inc()
	}
}

func (c *counters) snapshot(runID string, sourcesFailed int) Stats {
	load := func(n *int64) int64 { return atomic.LoadInt64(n) }
	s := Stats{
		RunID:             runID,
		RecordsSeen:       load(c.records[recordSeen]),
		RecordsDuplicate:  load(c.records[recordDuplicate]),
		RecordsSkipped:    load(c.records[recordSkipped]),
		RecordsIncluded:   load(c.records[recordIncluded]),
		RecordsExcluded:   load(c.records[recordExcluded]),
		RecordErrors:      load(c.records[recordError]),
		LicenseOpen:       load(c.licenses[record.Open]),
		LicenseRestricted: load(c.licenses[record.Restricted]),
		LicenseUnknown:    load(c.licenses[record.Unknown]),
		Files:             map[record.Outcome]int64{},
		SourcesFailed:     sourcesFailed,
	}
	for o, n := range c.files {
		s.Files[o] = load(n)
	}
	return s
}
