package harvest

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JiscSD/qda-harvester/source"
)

// Target is a source ready to be harvested.
type Target struct {
	Adapter source.Adapter
	Folder  string
	Queries []string
	Cap     int
}

// Targets builds the adapters of the enabled sources. When queries is not
// empty it replaces the queries of every source.
func Targets(cfgs []source.Config, queries []string, logger logrus.FieldLogger) ([]Target, error) {
	var targets []Target
	for _, cfg := range cfgs {
		if cfg.Disabled {
			logger.WithField("source", cfg.Name).Debug("Source disabled")
			continue
		}
		cfg = cfg.WithDefaults()
		a, err := source.New(cfg, logger)
		if err != nil {
			return nil, err
		}
		t := Target{Adapter: a, Folder: cfg.Folder, Queries: cfg.Queries, Cap: cfg.Cap}
		if len(queries) > 0 {
			t.Queries = queries
		}
		if len(t.Queries) == 0 {
			return nil, errors.Errorf("source %s has no queries", cfg.Name)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// ReadQueries reads one query per line. Blank lines and lines starting with
// "#" are ignored.
func ReadQueries(r io.Reader) ([]string, error) {
	var queries []string
	seen := map[string]bool{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		q := strings.TrimSpace(scanner.Text())
		if q == "" || strings.HasPrefix(q, "#") || seen[q] {
			continue
		}
		seen[q] = true
		queries = append(queries, q)
	}
	return queries, errors.Wrap(scanner.Err(), "read queries")
}
