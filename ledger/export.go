package ledger

import (
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"

	"github.com/JiscSD/qda-harvester/record"
)

// Harvests calls fn for every dataset stored by runID, or by every run when
// runID is empty. Files keep their source order.
func (s *SQLite) Harvests(ctx context.Context, runID string, fn func(record.Harvest) error) error {
	datasets, err := s.datasets(ctx, runID)
	if err != nil {
		return err
	}
	for i := range datasets {
		h := record.Harvest{Dataset: datasets[i]}
		if err := s.loadValues(ctx, &h.Dataset); err != nil {
			return err
		}
		if h.Files, err = s.files(ctx, &h.Dataset); err != nil {
			return err
		}
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) datasets(ctx context.Context, runID string) ([]record.Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, source, id, source_url, title, description, date_published, depositor,
			contact_name, contact_email, collection_start, collection_end, period_start, period_end,
			license_name, license_url, license_status, license_evidence, license_pattern,
			relevance_status, relevance_reason, provenance, harvested_at
		FROM datasets WHERE ? = '' OR run_id = ?
		ORDER BY harvested_at, source, id`, runID, runID)
	if err != nil {
		return nil, errors.Wrap(err, "ledger: query datasets")
	}
	defer rows.Close()

	var datasets []record.Dataset
	for rows.Next() {
		var (
			ds                                       record.Dataset
			contactName, contactEmail                sql.NullString
			collectionStart, collectionEnd           sql.NullString
			periodStart, periodEnd                   sql.NullString
			licenseStatus, relevanceStatus, provJSON string
		)
		err := rows.Scan(
			&ds.RunID, &ds.Source, &ds.ID, &ds.SourceURL, &ds.Title, &ds.Description, &ds.DatePublished, &ds.Depositor,
			&contactName, &contactEmail, &collectionStart, &collectionEnd, &periodStart, &periodEnd,
			&ds.LicenseName, &ds.LicenseURL, &licenseStatus, &ds.License.Evidence, &ds.License.Pattern,
			&relevanceStatus, &ds.Relevance.Reason, &provJSON, &ds.HarvestedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "ledger: scan dataset")
		}
		ds.License.Status = record.Openness(licenseStatus)
		ds.Relevance.Status = record.Relevance(relevanceStatus)
		if contactName.Valid || contactEmail.Valid {
			ds.Contact = &record.Contact{Name: contactName.String, Email: contactEmail.String}
		}
		ds.CollectionPeriod = rangeOf(collectionStart, collectionEnd)
		ds.TimePeriod = rangeOf(periodStart, periodEnd)
		if err := json.Unmarshal([]byte(provJSON), &ds.Provenance); err != nil {
			return nil, errors.Wrapf(err, "ledger: decode provenance of %s", ds.ID)
		}
		datasets = append(datasets, ds)
	}
	return datasets, errors.Wrap(rows.Err(), "ledger: query datasets")
}

func (s *SQLite) loadValues(ctx context.Context, ds *record.Dataset) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, value FROM dataset_values
		WHERE run_id = ? AND source = ? AND dataset_id = ?
		ORDER BY field, position`, ds.RunID, ds.Source, ds.ID)
	if err != nil {
		return errors.Wrap(err, "ledger: query values")
	}
	defer rows.Close()

	getters := make(map[string]func(*record.Dataset) *[]string, len(listFields))
	for _, f := range listFields {
		getters[f.name] = f.get
	}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return errors.Wrap(err, "ledger: scan value")
		}
		if get, ok := getters[field]; ok {
			list := get(ds)
			*list = append(*list, value)
		}
	}
	return errors.Wrap(rows.Err(), "ledger: query values")
}

func (s *SQLite) files(ctx context.Context, ds *record.Dataset) ([]record.FileEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, file_id, name, url, size, mime_type, checksum_alg, checksum_value,
			restricted, qda, outcome, reason, failure, local_path, content_hash, duplicate_of
		FROM files WHERE run_id = ? AND source = ? AND dataset_id = ?
		ORDER BY position`, ds.RunID, ds.Source, ds.ID)
	if err != nil {
		return nil, errors.Wrap(err, "ledger: query files")
	}
	defer rows.Close()

	var files []record.FileEntry
	for rows.Next() {
		var (
			fe               = record.FileEntry{DatasetID: ds.ID}
			alg, value       sql.NullString
			outcome, failure string
		)
		err := rows.Scan(
			&fe.Position, &fe.FileID, &fe.Name, &fe.URL, &fe.Size, &fe.MIMEType, &alg, &value,
			&fe.Restricted, &fe.QDA, &outcome, &fe.Reason, &failure, &fe.LocalPath, &fe.ContentHash, &fe.DuplicateOf,
		)
		if err != nil {
			return nil, errors.Wrap(err, "ledger: scan file")
		}
		fe.Outcome = record.Outcome(outcome)
		fe.Failure = record.FailureKind(failure)
		if alg.Valid && value.Valid {
			fe.Checksum = &record.Checksum{Algorithm: alg.String, Value: value.String}
		}
		files = append(files, fe)
	}
	return files, errors.Wrap(rows.Err(), "ledger: query files")
}

func rangeOf(start, end sql.NullString) *record.DateRange {
	if !start.Valid {
		return nil
	}
	return &record.DateRange{Start: start.String, End: end.String}
}

// Writer serializes harvested records.
type Writer interface {
	Write(h record.Harvest) error
	Close() error
}

// Export writes the stored harvests of runID to w and returns the number of
// datasets written.
func (s *SQLite) Export(ctx context.Context, runID string, w Writer) (int, error) {
	var n int
	err := s.Harvests(ctx, runID, func(h record.Harvest) error {
		n++
		return w.Write(h)
	})
	if err != nil {
		return n, err
	}
	return n, w.Close()
}

var csvHeader = []string{
	"run_id", "harvested_at", "source", "dataset_id", "source_url", "title", "description",
	"date_published", "depositor", "authors", "keywords", "subjects", "software", "languages",
	"kind_of_data", "geographic_coverage", "collection_start", "collection_end",
	"license_name", "license_url", "license_status", "license_evidence",
	"relevance_status", "relevance_matched",
	"file_position", "file_id", "file_name", "file_size", "file_mime_type", "file_checksum",
	"file_restricted", "file_qda", "file_outcome", "file_reason", "file_local_path",
	"file_content_hash", "file_duplicate_of",
}

// CSVWriter writes one row per file. Datasets without files get a single
// row with empty file columns. Multi-value fields are JSON arrays so values
// may contain any separator.
type CSVWriter struct {
	w      *csv.Writer
	header bool
}

func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w)}
}

func (c *CSVWriter) Write(h record.Harvest) error {
	if !c.header {
		if err := c.w.Write(csvHeader); err != nil {
			return errors.Wrap(err, "csv: write header")
		}
		c.header = true
	}

	ds := h.Dataset
	var collectionStart, collectionEnd string
	if ds.CollectionPeriod != nil {
		collectionStart, collectionEnd = ds.CollectionPeriod.Start, ds.CollectionPeriod.End
	}
	base := []string{
		ds.RunID, ds.HarvestedAt.UTC().Format("2006-01-02T15:04:05Z"), ds.Source, ds.ID, ds.SourceURL,
		ds.Title, ds.Description, ds.DatePublished, ds.Depositor,
		jsonList(ds.Authors), jsonList(ds.Keywords), jsonList(ds.Subjects), jsonList(ds.Software),
		jsonList(ds.Languages), jsonList(ds.KindOfData), jsonList(ds.GeographicCoverage),
		collectionStart, collectionEnd,
		ds.LicenseName, ds.LicenseURL, string(ds.License.Status), ds.License.Evidence,
		string(ds.Relevance.Status), jsonList(ds.Relevance.Matched),
	}

	if len(h.Files) == 0 {
		row := append(append([]string(nil), base...), make([]string, len(csvHeader)-len(base))...)
		return errors.Wrap(c.w.Write(row), "csv: write row")
	}
	for _, fe := range h.Files {
		var checksum string
		if fe.Checksum != nil {
			checksum = fe.Checksum.String()
		}
		row := append(append([]string(nil), base...),
			strconv.Itoa(fe.Position), fe.FileID, fe.Name, strconv.FormatInt(fe.Size, 10), fe.MIMEType, checksum,
			strconv.FormatBool(fe.Restricted), strconv.FormatBool(fe.QDA), string(fe.Outcome), fe.Reason, fe.LocalPath,
			fe.ContentHash, fe.DuplicateOf,
		)
		if err := c.w.Write(row); err != nil {
			return errors.Wrap(err, "csv: write row")
		}
	}
	return nil
}

func (c *CSVWriter) Close() error {
	c.w.Flush()
	return errors.Wrap(c.w.Error(), "csv: flush")
}

func jsonList(values []string) string {
	if len(values) == 0 {
		return ""
	}
	b, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(b)
}

// JSONLWriter writes one JSON document per dataset, optionally compressed
// with zstd.
type JSONLWriter struct {
	enc *json.Encoder
	zw  *zstd.Encoder
}

func NewJSONLWriter(w io.Writer, compress bool) (*JSONLWriter, error) {
	j := &JSONLWriter{}
	if compress {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, "jsonl: zstd")
		}
		j.zw = zw
		w = zw
	}
	j.enc = json.NewEncoder(w)
	j.enc.SetEscapeHTML(false)
	return j, nil
}

func (j *JSONLWriter) Write(h record.Harvest) error {
	return errors.Wrap(j.enc.Encode(h), "jsonl: encode")
}

func (j *JSONLWriter) Close() error {
	if j.zw == nil {
		return nil
	}
	return errors.Wrap(j.zw.Close(), "jsonl: zstd")
}
