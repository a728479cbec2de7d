package app

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/adrg/xdg"

	"github.com/JiscSD/qda-harvester/download"
	"github.com/JiscSD/qda-harvester/harvest"
	"github.com/JiscSD/qda-harvester/source"
)

const defaultConfig = `# QDA Harvester

################################## LOGGING ####################################

[logging]

#
# Logging verbosity level.
# Supported values: "DEBUG", "INFO", "WARN", "ERROR", "FATAL" or "PANIC".
#
level = "INFO"

################################### PATHS #####################################

[paths]

#
# Base directory. Defaults to $XDG_DATA_HOME/qda-harvester.
#
data_dir = ""

#
# Relative paths are resolved against data_dir.
#
downloads = "downloads"
ledger = "ledger.db"

################################## HARVEST ####################################

[harvest]

source_workers = 4
record_workers = 4

#
# Extra rounds given to sources whose searches failed.
#
source_retries = 1

#
# Queries used by sources that do not list their own.
#
queries = [
  "qualitative",
  "interview",
  "focus group",
  "ethnography",
  "qdpx",
  "nvivo",
  "atlas.ti",
  "maxqda",
]

################################## DOWNLOAD ###################################

[download]

#
# Size ceiling in bytes (500 MiB). Zero disables it.
#
max_size = 524288000

#
# Media types. An entry ending with "/" matches the whole family.
#
allowed_types = [
  "text/",
  "application/pdf",
  "application/rtf",
  "application/msword",
  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
  "application/vnd.oasis.opendocument.text",
  "application/vnd.ms-excel",
  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
  "application/json",
  "application/xml",
  "application/zip",
]

#
# Extensions accepted whatever the declared media type. Project files of
# qualitative data analysis tools are always accepted.
#
allowed_extensions = ["txt", "md", "pdf", "rtf", "doc", "docx", "odt", "csv", "tsv", "xls", "xlsx", "json", "xml", "zip"]

#
# Files of unknown type are fetched when their declared size is below this.
#
unknown_type_max_size = 10485760

#
# Skip downloads whose declared checksum matches a file already harvested.
#
trust_declared_checksums = false

retries = 3
backoff = "2s"

################################# RELEVANCE ###################################

[relevance]

#
# Datasets of these kinds are excluded unless they carry a QDA file.
#
excluded_kinds = ["software", "image", "model", "workflow", "poster", "presentation"]

#
# Extensions recognized as QDA files, on top of the built-in list.
#
qda_extensions = []

[relevance.terms]
en = [
  "qualitative", "qualitative research", "qualitative data", "interview", "interviews",
  "semi-structured interview", "focus group", "focus groups", "ethnography", "ethnographic",
  "grounded theory", "thematic analysis", "discourse analysis", "narrative analysis",
  "oral history", "life history", "field notes", "transcript", "transcripts",
  "nvivo", "atlas.ti", "maxqda", "qdpx", "refi-qda", "coding scheme", "codebook",
]
de = ["qualitativ", "qualitative forschung", "interview", "leitfadeninterview", "fokusgruppe", "ethnographie", "transkript"]
fr = ["qualitative", "recherche qualitative", "entretien", "entretiens", "groupe de discussion", "ethnographie", "transcription"]
es = ["cualitativo", "cualitativa", "investigación cualitativa", "entrevista", "entrevistas", "grupo focal", "etnografía"]
nl = ["kwalitatief", "kwalitatieve", "interview", "focusgroep", "etnografie"]
fi = ["laadullinen", "haastattelu", "haastattelut", "ryhmähaastattelu", "etnografia"]

################################## SOURCES ####################################

#
# Every source has a name, a family (dataverse, figshare, osf, oaipmh, loc
# or ia) and an endpoint. Optional keys: folder, queries, cap, page_size,
# delay, timeout, download_timeout, retries, backoff, headers,
# metadata_prefix and disabled.
#

[[sources]]
name = "qdr"
family = "dataverse"
endpoint = "https://data.qdr.syr.edu"

[[sources]]
name = "borealis"
family = "dataverse"
endpoint = "https://borealisdata.ca"

[[sources]]
name = "dataversenl"
family = "dataverse"
endpoint = "https://dataverse.nl"

[[sources]]
name = "sciencespo"
family = "dataverse"
endpoint = "https://data.sciencespo.fr"

[[sources]]
name = "rdg"
family = "dataverse"
endpoint = "https://entrepot.recherche.data.gouv.fr"

[[sources]]
name = "abacus"
family = "dataverse"
endpoint = "https://abacus.library.ubc.ca"

[[sources]]
name = "jhu"
family = "dataverse"
endpoint = "https://archive.data.jhu.edu"

[[sources]]
name = "cora"
family = "dataverse"
endpoint = "https://dataverse.csuc.cat"

[[sources]]
name = "ucla"
family = "dataverse"
endpoint = "https://dataverse.ucla.edu"

[[sources]]
name = "drntu"
family = "dataverse"
endpoint = "https://researchdata.ntu.edu.sg"

[[sources]]
name = "goettingen"
family = "dataverse"
endpoint = "https://data.goettingen-research-online.de"

[[sources]]
name = "nie"
family = "dataverse"
endpoint = "https://researchdata.nie.edu.sg"

[[sources]]
name = "eciencia"
family = "dataverse"
endpoint = "https://edatos.consorciomadrono.es"

[[sources]]
name = "scielo"
family = "dataverse"
endpoint = "https://data.scielo.org"
  [sources.headers]
  User-Agent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

[[sources]]
name = "figshare"
family = "figshare"
endpoint = "https://api.figshare.com/v2"

[[sources]]
name = "osf"
family = "osf"
endpoint = "https://api.osf.io/v2"

[[sources]]
name = "fsd"
family = "oaipmh"
endpoint = "https://services.fsd.tuni.fi/v0/oai"
metadata_prefix = "oai_ddi25"
delay = "1s"

[[sources]]
name = "loc"
family = "loc"
endpoint = "https://www.loc.gov"
delay = "3s"

[[sources]]
name = "ia"
family = "ia"
endpoint = "https://archive.org"

################################### LEDGER ####################################

[ledger]

#
# Also store every dataset in this DynamoDB table (hash key "key", range key
# "runID") when set.
#
dynamodb_table = ""

################################### MIRROR ####################################

[mirror]

#
# Copy downloaded files to an S3 location, e.g. "s3://bucket/prefix".
#
destination = ""

################################### NOTIFY ####################################

[notify]

#
# AWS SNS topic ARN announcing harvested datasets, e.g.
# "arn:aws:sns:eu-west-2:444455556666:qda-harvests".
#
topic_arn = ""
included_only = true

################################## METRICS ####################################

[metrics]

#
# Address of the HTTP server exposing /health and /metrics, e.g. ":9090".
# Disabled when empty.
#
listen = ""

################################## AWS ########################################

[aws]

s3_profile = ""
s3_endpoint = ""

dynamodb_profile = ""
dynamodb_endpoint = ""

sns_profile = ""
sns_endpoint = ""
`

const appName = "qda-harvester"

type Config struct {
	v *viper.Viper

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`

	Paths struct {
		DataDir   string `mapstructure:"data_dir"`
		Downloads string `mapstructure:"downloads"`
		Ledger    string `mapstructure:"ledger"`
	} `mapstructure:"paths"`

	Harvest struct {
		harvest.Options `mapstructure:",squash"`
		Queries         []string `mapstructure:"queries"`
	} `mapstructure:"harvest"`

	Download download.Policy `mapstructure:"download"`

	Relevance struct {
		Terms         map[string][]string `mapstructure:"terms"`
		ExcludedKinds []string            `mapstructure:"excluded_kinds"`
		QDAExtensions []string            `mapstructure:"qda_extensions"`
	} `mapstructure:"relevance"`

	Sources []source.Config `mapstructure:"sources"`

	Ledger struct {
		DynamoDBTable string `mapstructure:"dynamodb_table"`
	} `mapstructure:"ledger"`

	Mirror struct {
		Destination string `mapstructure:"destination"`
	} `mapstructure:"mirror"`

	Notify struct {
		TopicARN     string `mapstructure:"topic_arn"`
		IncludedOnly bool   `mapstructure:"included_only"`
	} `mapstructure:"notify"`

	Metrics struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"metrics"`

	AWS struct {
		S3Profile        string `mapstructure:"s3_profile"`
		S3Endpoint       string `mapstructure:"s3_endpoint"`
		DynamoDBProfile  string `mapstructure:"dynamodb_profile"`
		DynamoDBEndpoint string `mapstructure:"dynamodb_endpoint"`
		SNSProfile       string `mapstructure:"sns_profile"`
		SNSEndpoint      string `mapstructure:"sns_endpoint"`
	} `mapstructure:"aws"`
}

var (
	httpURL    = regexp.MustCompile(`^https?://[^/\s]+`)
	s3URL      = regexp.MustCompile(`^s3://[^/\s]+`)
	snsARN     = regexp.MustCompile(`^arn:aws[a-z-]*:sns:`)
	sourceName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

func (c Config) Validate() error {
	err := validation.Errors{
		"logging.level": validation.Validate(strings.ToLower(c.Logging.Level),
			validation.In("", "debug", "info", "warn", "warning", "error", "fatal", "panic")),
		"harvest.source_workers":         validation.Validate(c.Harvest.SourceWorkers, validation.Min(0)),
		"harvest.record_workers":         validation.Validate(c.Harvest.RecordWorkers, validation.Min(0)),
		"harvest.source_retries":         validation.Validate(c.Harvest.SourceRetries, validation.Min(0)),
		"download.max_size":              validation.Validate(c.Download.MaxSize, validation.Min(int64(0))),
		"download.unknown_type_max_size": validation.Validate(c.Download.UnknownTypeMaxSize, validation.Min(int64(0))),
		"download.retries":               validation.Validate(c.Download.Retries, validation.Min(0)),
		"relevance.terms":                validation.Validate(c.Relevance.Terms, validation.Required),
		"sources":                        validation.Validate(c.Sources, validation.Required),
		"mirror.destination":             validation.Validate(c.Mirror.Destination, validation.Match(s3URL)),
		"notify.topic_arn":               validation.Validate(c.Notify.TopicARN, validation.Match(snsARN)),
	}.Filter()
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for i := range c.Sources {
		s := c.Sources[i]
		err := validation.ValidateStruct(&s,
			validation.Field(&s.Name, validation.Required, validation.Match(sourceName)),
			validation.Field(&s.Family, validation.Required, validation.In(familyValues()...)),
			validation.Field(&s.Endpoint, validation.Required, validation.Match(httpURL)),
			validation.Field(&s.Cap, validation.Min(0)),
			validation.Field(&s.PageSize, validation.Min(0)),
			validation.Field(&s.Retries, validation.Min(0)),
		)
		if err != nil {
			return errors.Wrapf(err, "sources[%d]", i)
		}
		if seen[s.Name] {
			return errors.Errorf("sources[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func familyValues() []interface{} {
	values := make([]interface{}, len(source.Families))
	for i, f := range source.Families {
		values[i] = f
	}
	return values
}

// DataDir is the base directory of the harvest outputs.
func (c Config) DataDir() string {
	if c.Paths.DataDir != "" {
		return c.Paths.DataDir
	}
	return filepath.Join(xdg.DataHome, appName)
}

// DownloadDir is the root of the downloaded files.
func (c Config) DownloadDir() string {
	return c.resolve(c.Paths.Downloads, "downloads")
}

// LedgerPath is the SQLite ledger database.
func (c Config) LedgerPath() string {
	return c.resolve(c.Paths.Ledger, "ledger.db")
}

func (c Config) resolve(p, fallback string) string {
	if p == "" {
		p = fallback
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir(), p)
}

// SourceConfigs returns the configured sources. Sources without their own
// queries use the harvest queries.
func (c Config) SourceConfigs() []source.Config {
	cfgs := make([]source.Config, len(c.Sources))
	for i, s := range c.Sources {
		if len(s.Queries) == 0 {
			s.Queries = append([]string(nil), c.Harvest.Queries...)
		}
		cfgs[i] = s
	}
	return cfgs
}

func (c Config) String() string {
	tmpfile, err := ioutil.TempFile("", "config.*.toml")
	if err != nil {
		return err.Error()
	}
	defer os.Remove(tmpfile.Name())
	defer tmpfile.Close()

	err = c.v.WriteConfigAs(tmpfile.Name())
	if err != nil {
		return err.Error()
	}
	blob, err := ioutil.ReadAll(tmpfile)
	if err != nil {
		return err.Error()
	}
	return string(blob)
}

func loadConfig(c *Config) error {
	// Variables already set in the environment win over the .env file.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return errors.Wrap(err, "loading .env")
	}

	v := viper.New()

	v.SetEnvPrefix("QDA_HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(appName)
	v.SetConfigType("toml")
	v.AddConfigPath("$HOME/.config/")
	v.AddConfigPath("/etc/qda-harvester/")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	// Read our default configuration.
	if err := v.ReadConfig(strings.NewReader(defaultConfig)); err != nil {
		panic(err) // Not in the user path.
	}

	// Include configuration file provided by the user.
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return errors.Wrap(err, "configuration unmarshaling failed")
	}

	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "config did not pass validation")
	}

	c.v = v

	return nil
}
