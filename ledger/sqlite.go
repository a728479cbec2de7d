// Package ledger persists harvested records. Every run writes its own
// snapshot of the datasets it saw, so decisions of earlier runs are never
// overwritten.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"

	_ "github.com/mattn/go-sqlite3"

	"github.com/JiscSD/qda-harvester/harvest"
	"github.com/JiscSD/qda-harvester/record"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id       TEXT PRIMARY KEY,
	started  DATETIME NOT NULL,
	finished DATETIME NOT NULL,
	stats    TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS datasets (
	run_id            TEXT NOT NULL,
	source            TEXT NOT NULL,
	id                TEXT NOT NULL,
	source_url        TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	date_published    TEXT NOT NULL DEFAULT '',
	depositor         TEXT NOT NULL DEFAULT '',
	contact_name      TEXT,
	contact_email     TEXT,
	collection_start  TEXT,
	collection_end    TEXT,
	period_start      TEXT,
	period_end        TEXT,
	license_name      TEXT NOT NULL DEFAULT '',
	license_url       TEXT NOT NULL DEFAULT '',
	license_status    TEXT NOT NULL,
	license_evidence  TEXT NOT NULL DEFAULT '',
	license_pattern   TEXT NOT NULL DEFAULT '',
	relevance_status  TEXT NOT NULL,
	relevance_reason  TEXT NOT NULL DEFAULT '',
	provenance        TEXT NOT NULL DEFAULT '{}',
	harvested_at      DATETIME NOT NULL,
	PRIMARY KEY (run_id, source, id)
);

CREATE TABLE IF NOT EXISTS dataset_values (
	run_id     TEXT NOT NULL,
	source     TEXT NOT NULL,
	dataset_id TEXT NOT NULL,
	field      TEXT NOT NULL,
	position   INTEGER NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (run_id, source, dataset_id, field, position)
);

CREATE TABLE IF NOT EXISTS files (
	run_id         TEXT NOT NULL,
	source         TEXT NOT NULL,
	dataset_id     TEXT NOT NULL,
	position       INTEGER NOT NULL,
	file_id        TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	url            TEXT NOT NULL DEFAULT '',
	size           INTEGER NOT NULL DEFAULT 0,
	mime_type      TEXT NOT NULL DEFAULT '',
	checksum_alg   TEXT,
	checksum_value TEXT,
	restricted     BOOLEAN NOT NULL DEFAULT 0,
	qda            BOOLEAN NOT NULL DEFAULT 0,
	outcome        TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	failure        TEXT NOT NULL DEFAULT '',
	local_path     TEXT NOT NULL DEFAULT '',
	content_hash   TEXT NOT NULL DEFAULT '',
	duplicate_of   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, source, dataset_id, position)
);

CREATE INDEX IF NOT EXISTS idx_files_content_hash ON files(content_hash);
CREATE INDEX IF NOT EXISTS idx_datasets_run ON datasets(run_id);
`

// listFields are the multi-value fields of a dataset, stored one row per
// value so values may contain any separator.
var listFields = []struct {
	name string
	get  func(*record.Dataset) *[]string
}{
	{"authors", func(d *record.Dataset) *[]string { return &d.Authors }},
	{"keywords", func(d *record.Dataset) *[]string { return &d.Keywords }},
	{"subjects", func(d *record.Dataset) *[]string { return &d.Subjects }},
	{"software", func(d *record.Dataset) *[]string { return &d.Software }},
	{"languages", func(d *record.Dataset) *[]string { return &d.Languages }},
	{"kind_of_data", func(d *record.Dataset) *[]string { return &d.KindOfData }},
	{"geographic_coverage", func(d *record.Dataset) *[]string { return &d.GeographicCoverage }},
	{"producers", func(d *record.Dataset) *[]string { return &d.Producers }},
	{"publications", func(d *record.Dataset) *[]string { return &d.Publications }},
	{"relevance_matched", func(d *record.Dataset) *[]string { return &d.Relevance.Matched }},
}

// SQLite is the ledger used by default. Writes are serialized through a
// single connection.
type SQLite struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

var (
	_ harvest.Sink    = (*SQLite)(nil)
	_ harvest.RunSink = (*SQLite)(nil)
)

// OpenSQLite opens (or creates) the ledger database at path.
func OpenSQLite(path string, logger logrus.FieldLogger) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "ledger: open db")
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ledger: ping")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ledger: apply schema")
	}
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Emit stores one harvested dataset and its files.
func (s *SQLite) Emit(ctx context.Context, h record.Harvest) (err error) {
	ds := h.Dataset
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "ledger: begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	provenance, err := json.Marshal(ds.Provenance)
	if err != nil {
		return errors.Wrap(err, "ledger: encode provenance")
	}
	var contactName, contactEmail sql.NullString
	if ds.Contact != nil {
		contactName = sql.NullString{String: ds.Contact.Name, Valid: true}
		contactEmail = sql.NullString{String: ds.Contact.Email, Valid: true}
	}
	collectionStart, collectionEnd := rangeColumns(ds.CollectionPeriod)
	periodStart, periodEnd := rangeColumns(ds.TimePeriod)

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO datasets (
		run_id, source, id, source_url, title, description, date_published, depositor,
		contact_name, contact_email, collection_start, collection_end, period_start, period_end,
		license_name, license_url, license_status, license_evidence, license_pattern,
		relevance_status, relevance_reason, provenance, harvested_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.RunID, ds.Source, ds.ID, ds.SourceURL, ds.Title, ds.Description, ds.DatePublished, ds.Depositor,
		contactName, contactEmail, collectionStart, collectionEnd, periodStart, periodEnd,
		ds.LicenseName, ds.LicenseURL, string(ds.License.Status), ds.License.Evidence, ds.License.Pattern,
		string(ds.Relevance.Status), ds.Relevance.Reason, string(provenance), ds.HarvestedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "ledger: insert dataset %s", ds.ID)
	}

	for _, stmt := range []string{
		"DELETE FROM dataset_values WHERE run_id = ? AND source = ? AND dataset_id = ?",
		"DELETE FROM files WHERE run_id = ? AND source = ? AND dataset_id = ?",
	} {
		if _, err = tx.ExecContext(ctx, stmt, ds.RunID, ds.Source, ds.ID); err != nil {
			return errors.Wrapf(err, "ledger: clear dataset %s", ds.ID)
		}
	}

	for _, f := range listFields {
		for i, v := range *f.get(&ds) {
			_, err = tx.ExecContext(ctx,
				"INSERT INTO dataset_values (run_id, source, dataset_id, field, position, value) VALUES (?, ?, ?, ?, ?, ?)",
				ds.RunID, ds.Source, ds.ID, f.name, i, v)
			if err != nil {
				return errors.Wrapf(err, "ledger: insert %s of %s", f.name, ds.ID)
			}
		}
	}

	for _, fe := range h.Files {
		var alg, value sql.NullString
		if fe.Checksum != nil {
			alg = sql.NullString{String: fe.Checksum.Algorithm, Valid: true}
			value = sql.NullString{String: fe.Checksum.Value, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO files (
			run_id, source, dataset_id, position, file_id, name, url, size, mime_type,
			checksum_alg, checksum_value, restricted, qda, outcome, reason, failure,
			local_path, content_hash, duplicate_of
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ds.RunID, ds.Source, ds.ID, fe.Position, fe.FileID, fe.Name, fe.URL, fe.Size, fe.MIMEType,
			alg, value, fe.Restricted, fe.QDA, string(fe.Outcome), fe.Reason, string(fe.Failure),
			fe.LocalPath, fe.ContentHash, fe.DuplicateOf,
		)
		if err != nil {
			return errors.Wrapf(err, "ledger: insert file %s of %s", fe.FileID, ds.ID)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "ledger: commit")
	}
	s.logger.WithFields(logrus.Fields{"source": ds.Source, "record": ds.ID, "files": len(h.Files)}).Debug("Dataset stored")
	return nil
}

// Finish stores the counters of a run.
func (s *SQLite) Finish(ctx context.Context, stats harvest.Stats) error {
	fields := stats.Map()
	blob, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "ledger: encode stats")
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO runs (id, started, finished, stats) VALUES (?, ?, ?, ?)",
		stats.RunID, stats.Started.UTC(), stats.Finished.UTC(), string(blob))
	return errors.Wrap(err, "ledger: insert run")
}

// Run is the summary of a stored run.
type Run struct {
	ID       string
	Started  time.Time
	Finished time.Time
}

// Runs lists the stored runs, most recent first.
func (s *SQLite) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, started, finished FROM runs ORDER BY started DESC")
	if err != nil {
		return nil, errors.Wrap(err, "ledger: list runs")
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Started, &r.Finished); err != nil {
			return nil, errors.Wrap(err, "ledger: scan run")
		}
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "ledger: list runs")
}

// KnownHashes returns the content digests and declared checksums of every
// file downloaded by earlier runs, keyed the way the content index keys
// them.
func (s *SQLite) KnownHashes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dataset_id, file_id, content_hash, checksum_alg, checksum_value
		FROM files WHERE outcome = ? AND content_hash != ''
		ORDER BY rowid`, string(record.Downloaded))
	if err != nil {
		return nil, errors.Wrap(err, "ledger: known hashes")
	}
	defer rows.Close()

	known := map[string]string{}
	add := func(key, ref string) {
		if _, ok := known[key]; !ok {
			known[key] = ref
		}
	}
	for rows.Next() {
		var (
			datasetID, fileID, hash string
			alg, value              sql.NullString
		)
		if err := rows.Scan(&datasetID, &fileID, &hash, &alg, &value); err != nil {
			return nil, errors.Wrap(err, "ledger: scan hash")
		}
		ref := (&record.FileEntry{DatasetID: datasetID, FileID: fileID}).Ref()
		add(record.Checksum{Algorithm: "SHA-256", Value: hash}.String(), ref)
		if alg.Valid && value.Valid {
			add(record.Checksum{Algorithm: alg.String, Value: value.String}.String(), ref)
		}
	}
	return known, errors.Wrap(rows.Err(), "ledger: known hashes")
}

func rangeColumns(dr *record.DateRange) (start, end sql.NullString) {
	if dr == nil {
		return start, end
	}
	start = sql.NullString{String: dr.Start, Valid: true}
	end = sql.NullString{String: dr.End, Valid: dr.End != ""}
	return start, end
}
