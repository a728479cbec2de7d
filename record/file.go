package record

import (
	"strings"

	"github.com/pkg/errors"
)

// Outcome is the download result of a file.
type Outcome string

const (
	NotAttempted      Outcome = "NOT_ATTEMPTED"
	Downloaded        Outcome = "DOWNLOADED"
	Deduplicated      Outcome = "DEDUPLICATED"
	SkippedSize       Outcome = "SKIPPED_SIZE"
	SkippedType       Outcome = "SKIPPED_TYPE"
	SkippedRestricted Outcome = "SKIPPED_RESTRICTED"
	Failed            Outcome = "FAILED"
)

// Outcomes lists every outcome, in reporting order.
var Outcomes = []Outcome{
	Downloaded, Deduplicated, SkippedSize, SkippedType, SkippedRestricted, NotAttempted, Failed,
}

// FailureKind qualifies a FAILED outcome.
type FailureKind string

const (
	FailureNetwork   FailureKind = "network"
	FailureIntegrity FailureKind = "integrity"
	FailurePolicy    FailureKind = "policy"
)

// Checksum is a declared or computed digest. Algorithm uses the canonical
// names MD5, SHA-1, SHA-256 and SHA-512; Value is lower-case hex.
type Checksum struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

func (c Checksum) String() string {
	return strings.ToLower(c.Algorithm) + ":" + c.Value
}

// FileEntry is the normalized record of one file of a dataset.
type FileEntry struct {
	DatasetID string `json:"dataset_id"`
	Position  int    `json:"position"`

	FileID     string    `json:"file_id"`
	Name       string    `json:"name"`
	URL        string    `json:"url,omitempty"`
	Size       int64     `json:"size"`
	MIMEType   string    `json:"mime_type"`
	Checksum   *Checksum `json:"checksum,omitempty"`
	Restricted bool      `json:"restricted"`
	QDA        bool      `json:"qda"`

	Outcome     Outcome     `json:"outcome,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Failure     FailureKind `json:"failure,omitempty"`
	LocalPath   string      `json:"local_path,omitempty"`
	ContentHash string      `json:"content_hash,omitempty"`
	DuplicateOf string      `json:"duplicate_of,omitempty"`
}

// Resolved reports whether an outcome has been recorded.
func (f *FileEntry) Resolved() bool {
	return f.Outcome != ""
}

// Resolve records the outcome of the file. It can only be called once.
func (f *FileEntry) Resolve(o Outcome, reason string) error {
	if f.Resolved() {
		return errors.Wrapf(ErrOutcomeRecorded, "%s is %s", f.FileID, f.Outcome)
	}
	f.Outcome = o
	f.Reason = reason
	return nil
}

// Fail records a FAILED outcome of the given kind.
func (f *FileEntry) Fail(kind FailureKind, reason string) error {
	if err := f.Resolve(Failed, reason); err != nil {
		return err
	}
	f.Failure = kind
	return nil
}

// Ref is the reference stored in the content index for a file.
func (f *FileEntry) Ref() string {
	return f.DatasetID + "/" + f.FileID
}
