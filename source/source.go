// Package source implements the adapters that talk to each family of
// repositories: searching for datasets, describing them, listing their files
// and streaming file contents.
package source

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Family identifies the protocol spoken by a repository.
type Family string

const (
	Dataverse Family = "dataverse"
	Figshare  Family = "figshare"
	OSF       Family = "osf"
	OAIPMH    Family = "oaipmh"
	LOC       Family = "loc"
	IA        Family = "ia"
)

// Families lists the supported families.
var Families = []Family{Dataverse, Figshare, OSF, OAIPMH, LOC, IA}

// RawRecord is a dataset payload as published by the source. Payload is
// decoded JSON (or XML mapped to the same shape) and is only meaningful to
// the normalizer of the adapter's family.
type RawRecord struct {
	Source  string
	Family  Family
	ID      string
	URL     string
	Payload map[string]interface{}
}

// RawFile is a file payload as published by the source.
type RawFile struct {
	ID      string
	Name    string
	URL     string
	Payload map[string]interface{}
}

// Stream is an open file download. Length is -1 when unknown.
type Stream struct {
	Body        io.ReadCloser
	Length      int64
	Filename    string
	ContentType string
}

// Adapter is implemented by every source family.
type Adapter interface {
	Name() string
	Family() Family

	// Search runs the remote search and calls yield for each record found,
	// stopping after limit records. Nothing is cached between calls.
	Search(ctx context.Context, query string, limit int, yield func(RawRecord) error) error

	// Describe returns the full metadata of a record found by Search.
	Describe(ctx context.Context, id string) (RawRecord, error)

	// ListFiles returns the files of a described record in source order.
	ListFiles(ctx context.Context, rec RawRecord) ([]RawFile, error)

	// FetchFile opens a download. The caller closes the body.
	FetchFile(ctx context.Context, f RawFile) (*Stream, error)
}

// Config describes one configured source.
type Config struct {
	Name     string `mapstructure:"name"`
	Family   Family `mapstructure:"family"`
	Endpoint string `mapstructure:"endpoint"`

	// Folder is the directory name used for downloads, defaults to Name.
	Folder  string   `mapstructure:"folder"`
	Queries []string `mapstructure:"queries"`

	// Cap bounds the number of records a single search yields.
	Cap      int `mapstructure:"cap"`
	PageSize int `mapstructure:"page_size"`

	// Delay is the pause enforced between two requests.
	Delay           time.Duration `mapstructure:"delay"`
	Timeout         time.Duration `mapstructure:"timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`

	// Retries is the number of attempts made for transient failures.
	Retries int           `mapstructure:"retries"`
	Backoff time.Duration `mapstructure:"backoff"`

	Headers map[string]string `mapstructure:"headers"`

	// MetadataPrefix is used by OAI-PMH sources to describe a record.
	MetadataPrefix string `mapstructure:"metadata_prefix"`

	Disabled bool `mapstructure:"disabled"`
}

const (
	defaultCap             = 500
	defaultTimeout         = 30 * time.Second
	defaultDownloadTimeout = 120 * time.Second
	defaultRetries         = 3
	defaultBackoff         = 2 * time.Second
)

var defaultPageSizes = map[Family]int{
	Dataverse: 100,
	Figshare:  50,
	OSF:       50,
	OAIPMH:    100,
	LOC:       150,
	IA:        50,
}

// WithDefaults fills unset values.
func (c Config) WithDefaults() Config {
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.Folder == "" {
		c.Folder = c.Name
	}
	if c.Cap <= 0 {
		c.Cap = defaultCap
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSizes[c.Family]
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = defaultDownloadTimeout
	}
	if c.Retries <= 0 {
		c.Retries = defaultRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MetadataPrefix == "" {
		c.MetadataPrefix = "oai_dc"
	}
	return c
}

// New returns the adapter for the family of the configured source.
func New(cfg Config, logger logrus.FieldLogger) (Adapter, error) {
	cfg = cfg.WithDefaults()
	logger = logger.WithField("source", cfg.Name)
	client := NewClient(cfg, logger, nil)
	switch cfg.Family {
	case Dataverse:
		return &dataverseAdapter{cfg: cfg, client: client, logger: logger}, nil
	case Figshare:
		return &figshareAdapter{cfg: cfg, client: client, logger: logger}, nil
	case OSF:
		return &osfAdapter{cfg: cfg, client: client, logger: logger}, nil
	case OAIPMH:
		return &oaiAdapter{cfg: cfg, client: client, logger: logger}, nil
	case LOC:
		return &locAdapter{cfg: cfg, client: client, logger: logger}, nil
	case IA:
		return &iaAdapter{cfg: cfg, client: client, logger: logger}, nil
	}
	return nil, errors.Errorf("source %s: unsupported family %q", cfg.Name, cfg.Family)
}
