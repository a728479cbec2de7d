// Package harvest drives the pipeline: it searches every configured source,
// describes and normalizes the records found, decides on their license and
// relevance, downloads the files of the datasets worth keeping and emits the
// result to the sink.
package harvest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/JiscSD/qda-harvester/download"
	"github.com/JiscSD/qda-harvester/license"
	"github.com/JiscSD/qda-harvester/normalize"
	"github.com/JiscSD/qda-harvester/record"
	"github.com/JiscSD/qda-harvester/relevance"
	"github.com/JiscSD/qda-harvester/source"
)

// Sink receives the harvested records. Implementations must accept
// concurrent calls.
type Sink interface {
	Emit(ctx context.Context, h record.Harvest) error
}

// Sinks emits to every sink in order and stops at the first error.
type Sinks []Sink

func (s Sinks) Emit(ctx context.Context, h record.Harvest) error {
	for _, sink := range s {
		if err := sink.Emit(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// RunSink is implemented by sinks that keep a summary of each run.
type RunSink interface {
	Finish(ctx context.Context, stats Stats) error
}

func (s Sinks) Finish(ctx context.Context, stats Stats) error {
	for _, sink := range s {
		if rs, ok := sink.(RunSink); ok {
			if err := rs.Finish(ctx, stats); err != nil {
				return err
			}
		}
	}
	return nil
}

// Mirror copies a downloaded file to secondary storage.
type Mirror interface {
	Mirror(ctx context.Context, ds *record.Dataset, fe *record.FileEntry) error
}

// Options tune the concurrency of a run.
type Options struct {
	// SourceWorkers bounds the number of sources harvested at once.
	SourceWorkers int `mapstructure:"source_workers"`

	// RecordWorkers bounds the number of records processed at once within
	// one source. Files of a record are always fetched one after the other.
	RecordWorkers int `mapstructure:"record_workers"`

	// SourceRetries is the number of extra rounds given to sources whose
	// search failed, after every other source is done.
	SourceRetries int `mapstructure:"source_retries"`
}

func (o Options) withDefaults() Options {
	if o.SourceWorkers <= 0 {
		o.SourceWorkers = 4
	}
	if o.RecordWorkers <= 0 {
		o.RecordWorkers = 4
	}
	if o.SourceRetries < 0 {
		o.SourceRetries = 0
	}
	return o
}

// Pipeline groups the components used to process one record.
type Pipeline struct {
	Normalizer *normalize.Normalizer
	Classifier *license.Classifier
	Filter     *relevance.Filter
	Downloads  *download.Manager
	Sink       Sink

	// Mirror and Metrics are optional.
	Mirror  Mirror
	Metrics *Metrics
}

type Harvester struct {
	logger   logrus.FieldLogger
	targets  []Target
	opts     Options
	pipeline Pipeline

	// now is replaced in tests.
	now func() time.Time
}

func New(logger logrus.FieldLogger, targets []Target, opts Options, pipeline Pipeline) *Harvester {
	return &Harvester{
		logger:   logger,
		targets:  targets,
		opts:     opts.withDefaults(),
		pipeline: pipeline,
		now:      time.Now,
	}
}

// run is the state of one Run call.
type run struct {
	id       string
	started  time.Time
	counters *counters
}

// progress is the state of one target across retry rounds.
type progress struct {
	Target

	// pending holds the queries still to run.
	pending []string

	mu   sync.Mutex
	seen map[string]bool
}

// claim reports whether the dataset id is new to this source.
func (p *progress) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[id] {
		return false
	}
	p.seen[id] = true
	return true
}

// Run harvests every target. Per-record and per-source failures are logged
// and counted; the returned error is only set when ctx is done.
func (h *Harvester) Run(ctx context.Context) (Stats, error) {
	r := &run{
		id:       uuid.New().String(),
		started:  h.now().UTC(),
		counters: newCounters(h.pipeline.Metrics),
	}
	logger := h.logger.WithField("run", r.id)
	logger.WithField("sources", len(h.targets)).Info("Harvest started")

	todo := make([]*progress, 0, len(h.targets))
	for _, t := range h.targets {
		todo = append(todo, &progress{Target: t, pending: t.Queries, seen: map[string]bool{}})
	}

	failed := h.round(ctx, r, todo)
	for round := 1; round <= h.opts.SourceRetries && len(failed) > 0 && ctx.Err() == nil; round++ {
		logger.WithFields(logrus.Fields{"round": round, "sources": len(failed)}).Warn("Retrying failed sources")
		failed = h.round(ctx, r, failed)
	}
	for _, p := range failed {
		r.counters.sourceFailed()
		logger.WithField("source", p.Adapter.Name()).Error("Source failed")
	}

	stats := r.counters.snapshot(r.id, len(failed))
	stats.Started, stats.Finished = r.started, h.now().UTC()
	if rs, ok := h.pipeline.Sink.(RunSink); ok {
		if err := rs.Finish(context.WithoutCancel(ctx), stats); err != nil {
			logger.Errorf("Cannot store run summary: %v", err)
		}
	}
	logger.WithField("elapsed", stats.Finished.Sub(stats.Started).String()).Info("Harvest finished")
	return stats, ctx.Err()
}

// round harvests the targets concurrently and returns the ones with failed
// queries.
func (h *Harvester) round(ctx context.Context, r *run, todo []*progress) []*progress {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []*progress
	)
	g.SetLimit(h.opts.SourceWorkers)
	for _, p := range todo {
		p := p
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if h.harvestSource(ctx, r, p) {
				mu.Lock()
				failed = append(failed, p)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// harvestSource runs the pending queries of one source. It reports whether
// any of them failed.
func (h *Harvester) harvestSource(ctx context.Context, r *run, p *progress) bool {
	a := p.Adapter
	logger := h.logger.WithFields(logrus.Fields{"run": r.id, "source": a.Name()})

	var retry []string
	for _, q := range p.pending {
		if ctx.Err() != nil {
			retry = append(retry, q)
			continue
		}
		logger.WithField("query", q).Info("Searching")
		if err := h.search(ctx, r, p, q); err != nil {
			if ctx.Err() != nil {
				retry = append(retry, q)
				continue
			}
			logger.WithField("query", q).Errorf("Search failed: %v", err)
			retry = append(retry, q)
		}
	}
	p.pending = retry
	return len(retry) > 0 && ctx.Err() == nil
}

// search processes the records of one query with bounded concurrency.
func (h *Harvester) search(ctx context.Context, r *run, p *progress, q string) error {
	var g errgroup.Group
	g.SetLimit(h.opts.RecordWorkers)

	err := p.Adapter.Search(ctx, q, p.Cap, func(raw source.RawRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.claim(normalize.Identifier(raw.ID)) {
			r.counters.record(p.Adapter.Name(), recordDuplicate)
			return nil
		}
		g.Go(func() error {
			// The slot may free up after cancellation.
			if ctx.Err() != nil {
				return nil
			}
			r.counters.record(p.Adapter.Name(), recordSeen)
			h.process(ctx, r, p.Target, raw)
			return nil
		})
		return nil
	})
	_ = g.Wait()
	return err
}

// process handles one record. Failures are contained here.
func (h *Harvester) process(ctx context.Context, r *run, t Target, raw source.RawRecord) {
	src := t.Adapter.Name()
	logger := h.logger.WithFields(logrus.Fields{"run": r.id, "source": src, "record": raw.ID})
	defer func() {
		if p := recover(); p != nil {
			r.counters.record(src, recordError)
			logger.Errorf("Record processing panicked: %v", p)
		}
	}()

	if err := h.processRecord(ctx, r, t, raw, logger); err != nil {
		if errors.Is(err, source.ErrSkip) {
			r.counters.record(src, recordSkipped)
			logger.Debugf("Record skipped: %v", err)
			return
		}
		r.counters.record(src, recordError)
		logger.Warnf("Record failed: %v", err)
	}
}

func (h *Harvester) processRecord(ctx context.Context, r *run, t Target, raw source.RawRecord, logger logrus.FieldLogger) error {
	a, pl := t.Adapter, h.pipeline
	src := a.Name()

	rec, err := a.Describe(ctx, raw.ID)
	if err != nil {
		return errors.Wrap(err, "describe")
	}
	ds, err := pl.Normalizer.Dataset(rec)
	if err != nil {
		return errors.Wrap(err, "normalize")
	}
	ds.RunID = r.id
	ds.HarvestedAt = h.now().UTC()

	raws, err := a.ListFiles(ctx, rec)
	if err != nil {
		return errors.Wrap(err, "list files")
	}
	files := pl.Normalizer.Files(ds, a.Family(), raws)

	ds.License = pl.Classifier.Classify(ds.LicenseTerms...)
	r.counters.license(src, ds.License.Status)

	hasQDA := false
	for _, fe := range files {
		hasQDA = hasQDA || fe.QDA
	}
	switch {
	case ds.License.Status == record.Open || ds.License.Status == record.Unknown && hasQDA:
		ds.Relevance = pl.Filter.Evaluate(relevance.Input{
			Description: ds.Description,
			Keywords:    ds.Keywords,
			Kinds:       ds.KindOfData,
			HasQDAFile:  hasQDA,
		})
	default:
		ds.Relevance = record.RelevanceDecision{
			Status: record.NotEvaluated,
			Reason: fmt.Sprintf("license %s", ds.License.Status),
		}
	}

	if ds.Relevance.Status == record.Include {
		r.counters.record(src, recordIncluded)
	} else {
		r.counters.record(src, recordExcluded)
	}
	logger = logger.WithFields(logrus.Fields{"license": ds.License.Status, "relevance": ds.Relevance.Status})
	logger.Debug("Record classified")

	for i := range files {
		fe := &files[i]
		h.resolveFile(ctx, &ds, fe, t, raws[i], logger)
		r.counters.file(src, fe.Outcome)
	}

	// Records reaching this point are stored even when the run is being
	// cancelled, so finished downloads are not lost.
	if err := pl.Sink.Emit(context.WithoutCancel(ctx), record.Harvest{Dataset: ds, Files: files}.Clone()); err != nil {
		return errors.Wrap(err, "emit")
	}
	return nil
}

// resolveFile records the outcome of one file.
func (h *Harvester) resolveFile(ctx context.Context, ds *record.Dataset, fe *record.FileEntry, t Target, raw source.RawFile, logger logrus.FieldLogger) {
	logger = logger.WithField("file", fe.FileID)
	pl := h.pipeline

	switch {
	case ds.Relevance.Status == record.NotEvaluated:
		_ = fe.Resolve(record.NotAttempted, ds.Relevance.Reason)
		return
	case ds.Relevance.Status != record.Include:
		_ = fe.Resolve(record.NotAttempted, "dataset not relevant")
		return
	case ctx.Err() != nil:
		_ = fe.Resolve(record.NotAttempted, "harvest cancelled")
		return
	}

	err := pl.Downloads.Fetch(ctx, download.Request{
		Dataset: ds,
		File:    fe,
		Folder:  t.Folder,
		Open: func(ctx context.Context) (*source.Stream, error) {
			return t.Adapter.FetchFile(ctx, raw)
		},
	})
	if err != nil {
		var failure *download.Failure
		if errors.As(err, &failure) {
			logger.WithFields(logrus.Fields{"outcome": fe.Outcome, "failure": failure.Kind}).Warnf("Download failed: %v", failure.Err)
		} else {
			logger.Errorf("Download not resolved: %v", err)
		}
		return
	}

	if fe.Outcome == record.Downloaded && pl.Mirror != nil {
		if err := pl.Mirror.Mirror(ctx, ds, fe); err != nil {
			logger.Warnf("Mirror failed: %v", err)
		}
	}
}
