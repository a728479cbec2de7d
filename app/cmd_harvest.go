package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/go-logfmt/logfmt"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/JiscSD/qda-harvester/broker"
	"github.com/JiscSD/qda-harvester/download"
	"github.com/JiscSD/qda-harvester/harvest"
	"github.com/JiscSD/qda-harvester/ledger"
	"github.com/JiscSD/qda-harvester/license"
	"github.com/JiscSD/qda-harvester/normalize"
	"github.com/JiscSD/qda-harvester/relevance"
	"github.com/JiscSD/qda-harvester/s3"
	"github.com/JiscSD/qda-harvester/source"
	"github.com/JiscSD/qda-harvester/version"
)

const metricsNamespace = "qda_harvester"

type harvestFlags struct {
	queries     []string
	queriesFile string
	limit       int
	retries     int
}

func NewCmdHarvest(logger logrus.FieldLogger, out io.Writer, config *Config) *cobra.Command {
	flags := harvestFlags{}
	cmd := &cobra.Command{
		Use:   "harvest [source...]",
		Short: "Harvest datasets from the configured sources",
		Long: `Harvest datasets from the configured sources, or only from the sources
named as arguments (including disabled ones). A summary of the run is
printed when it ends.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.WithField("v", version.VERSION).Info("Starting harvest...")
			return doHarvest(logger, out, config, args, flags)
		},
	}
	cmd.Flags().StringArrayVarP(&flags.queries, "query", "q", nil, "Search query, replaces the configured ones (repeatable)")
	cmd.Flags().StringVar(&flags.queriesFile, "queries-file", "", "File with one query per line")
	cmd.Flags().IntVarP(&flags.limit, "limit", "n", 0, "Cap datasets per query")
	cmd.Flags().IntVarP(&flags.retries, "retries", "r", -1, "Extra rounds for failed sources")
	return cmd
}

func doHarvest(logger logrus.FieldLogger, out io.Writer, config *Config, names []string, flags harvestFlags) error {
	cfgs, err := selectSources(config.SourceConfigs(), names)
	if err != nil {
		return err
	}
	if flags.limit > 0 {
		for i := range cfgs {
			cfgs[i].Cap = flags.limit
		}
	}
	queries := flags.queries
	if flags.queriesFile != "" {
		f, err := os.Open(flags.queriesFile)
		if err != nil {
			return errors.Wrap(err, "opening queries file")
		}
		extra, err := harvest.ReadQueries(f)
		f.Close()
		if err != nil {
			return err
		}
		queries = append(queries, extra...)
	}
	targets, err := harvest.Targets(cfgs, queries, logger)
	if err != nil {
		return err
	}

	opts := config.Harvest.Options
	if flags.retries >= 0 {
		opts.SourceRetries = flags.retries
	}

	registry := prometheus.NewRegistry()
	metrics := harvest.NewMetrics(metricsNamespace)
	registry.MustRegister(metrics.Collectors()...)

	pipeline, closer, err := newPipeline(logger, config, afero.NewOsFs())
	if err != nil {
		return err
	}
	defer closer()
	pipeline.Metrics = metrics
	h := harvest.New(logger, targets, opts, pipeline)

	var stats harvest.Stats
	var g run.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			var err error
			stats, err = h.Run(ctx)
			return err
		}, func(error) {
			cancel()
		})
	}
	if addr := config.Metrics.Listen; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrap(err, "metrics listener")
		}
		logger.WithField("addr", ln.Addr().String()).Info("HTTP server listening")

		g.Add(func() error {
			return http.Serve(ln, metricsHandler(registry))
		}, func(error) {
			ln.Close()
		})
	}
	{
		cancel := make(chan struct{})
		g.Add(func() error {
			err := interrupt(cancel)
			logger.Warn("Shutting down...")
			return err
		}, func(error) {
			close(cancel)
		})
	}
	err = g.Run()

	if stats.RunID != "" {
		if serr := printSummary(out, stats); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	// Health check.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	// Prometheus metrics.
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return mux
}

// newPipeline wires the record pipeline from the configuration. The returned
// function releases the ledger.
func newPipeline(logger logrus.FieldLogger, config *Config, fs afero.Fs) (harvest.Pipeline, func(), error) {
	var pipeline harvest.Pipeline

	root := config.DownloadDir()
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return pipeline, nil, errors.Wrap(err, "creating download directory")
	}
	if err := os.MkdirAll(filepath.Dir(config.LedgerPath()), 0o755); err != nil {
		return pipeline, nil, errors.Wrap(err, "creating ledger directory")
	}

	db, err := ledger.OpenSQLite(config.LedgerPath(), logger.WithField("component", "ledger"))
	if err != nil {
		return pipeline, nil, err
	}
	closer := func() {
		if err := db.Close(); err != nil {
			logger.Errorf("Cannot close ledger: %v", err)
		}
	}
	fail := func(err error) (harvest.Pipeline, func(), error) {
		closer()
		return pipeline, nil, err
	}

	manager := download.NewManager(fs, root, config.Download, download.NewContentIndex(), logger.WithField("component", "download"))
	{
		known, err := db.KnownHashes(context.Background())
		if err != nil {
			return fail(err)
		}
		manager.Seed(known)
		logger.WithField("digests", manager.Index().Len()).Debug("Content index seeded")
	}
	swept, err := manager.Sweep()
	if err != nil {
		return fail(err)
	}
	if swept > 0 {
		logger.WithField("files", swept).Info("Removed partial downloads of a previous run")
	}

	sinks := harvest.Sinks{db}
	if table := config.Ledger.DynamoDBTable; table != "" {
		sess, err := awsSession(logger, config.AWS.DynamoDBProfile, config.AWS.DynamoDBEndpoint)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, ledger.NewDynamoDB(dynamodb.New(sess), table))
	}
	if arn := config.Notify.TopicARN; arn != "" {
		sess, err := awsSession(logger, config.AWS.SNSProfile, config.AWS.SNSEndpoint)
		if err != nil {
			return fail(err)
		}
		n := broker.NewNotifier(sns.New(sess), arn, appName+"/"+version.VERSION, logger.WithField("component", "broker"))
		n.IncludedOnly = config.Notify.IncludedOnly
		sinks = append(sinks, n)
	}

	if dest := config.Mirror.Destination; dest != "" {
		sess, err := awsSession(logger, config.AWS.S3Profile, config.AWS.S3Endpoint)
		if err != nil {
			return fail(err)
		}
		m, err := s3.New(sess, fs, root, dest, logger.WithField("component", "mirror"))
		if err != nil {
			return fail(err)
		}
		pipeline.Mirror = m
	}

	formats := relevance.NewFormats(append(append([]string(nil), relevance.QDAExtensions...), config.Relevance.QDAExtensions...))
	pipeline.Normalizer = normalize.New(formats, logger.WithField("component", "normalize"))
	pipeline.Classifier = license.Default()
	pipeline.Filter = relevance.New(config.Relevance.Terms, config.Relevance.ExcludedKinds)
	pipeline.Downloads = manager
	pipeline.Sink = sinks
	return pipeline, closer, nil
}

// selectSources returns the sources named, or every source when names is
// empty. Named sources are enabled even when the configuration disables
// them.
func selectSources(cfgs []source.Config, names []string) ([]source.Config, error) {
	if len(names) == 0 {
		return cfgs, nil
	}
	byName := make(map[string]source.Config, len(cfgs))
	for _, c := range cfgs {
		byName[c.Name] = c
	}
	selected := make([]source.Config, 0, len(names))
	for _, name := range names {
		c, ok := byName[name]
		if !ok {
			return nil, errors.Errorf("unknown source %q", name)
		}
		c.Disabled = false
		selected = append(selected, c)
	}
	return selected, nil
}

func printSummary(out io.Writer, stats harvest.Stats) error {
	enc := logfmt.NewEncoder(out)
	if err := enc.EncodeKeyvals(stats.Keyvals()...); err != nil {
		return err
	}
	return enc.EndRecord()
}
