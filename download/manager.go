// Package download stores the files of open datasets, enforcing the
// download policy and content based deduplication.
package download

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/JiscSD/qda-harvester/record"
	"github.com/JiscSD/qda-harvester/source"
)

const wipSuffix = ".wip"

// Failure is returned by Fetch for files that ended FAILED.
type Failure struct {
	Kind record.FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("download failed (%s): %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Opener starts the download of one file.
type Opener func(ctx context.Context) (*source.Stream, error)

// Request describes one file to fetch.
type Request struct {
	Dataset *record.Dataset
	File    *record.FileEntry

	// Folder is the directory of the source below the download root.
	Folder string
	Open   Opener
}

// Manager resolves the outcome of files. It is safe for concurrent use.
type Manager struct {
	fs     afero.Fs
	root   string
	policy Policy
	index  *ContentIndex
	logger logrus.FieldLogger
}

func NewManager(fs afero.Fs, root string, policy Policy, index *ContentIndex, logger logrus.FieldLogger) *Manager {
	if policy.Retries <= 0 {
		policy.Retries = 1
	}
	return &Manager{fs: fs, root: root, policy: policy, index: index, logger: logger}
}

func (m *Manager) Index() *ContentIndex {
	return m.index
}

// contentKeyPrefix starts the index keys of computed content hashes.
var contentKeyPrefix = record.Checksum{Algorithm: "SHA-256"}.String()

// Seed indexes content harvested earlier. Declared checksums are only
// indexed when the policy trusts them.
func (m *Manager) Seed(known map[string]string) {
	refs := make(map[string]string, len(known))
	for key, ref := range known {
		if m.policy.TrustDeclaredChecksums || strings.HasPrefix(key, contentKeyPrefix) {
			refs[key] = ref
		}
	}
	m.index.Seed(refs)
}

// result is what one attempt decided.
type result struct {
	outcome     record.Outcome
	reason      string
	failure     record.FailureKind
	localPath   string
	contentHash string
	duplicateOf string
}

// Fetch records exactly one outcome on req.File. Files that end FAILED are
// also reported as a *Failure.
func (m *Manager) Fetch(ctx context.Context, req Request) error {
	ds, fe := req.Dataset, req.File
	if fe.Resolved() {
		return errors.Wrapf(record.ErrOutcomeRecorded, "%s", fe.Ref())
	}
	logger := m.logger.WithFields(logrus.Fields{"record": ds.ID, "file": fe.FileID})

	res := m.decide(ctx, req, logger)

	if res.outcome == record.Failed {
		if err := fe.Fail(res.failure, res.reason); err != nil {
			return err
		}
	} else if err := fe.Resolve(res.outcome, res.reason); err != nil {
		return err
	}
	fe.LocalPath = res.localPath
	fe.ContentHash = res.contentHash
	fe.DuplicateOf = res.duplicateOf

	logger.WithField("outcome", fe.Outcome).Debugf("File resolved: %s", fe.Reason)
	if fe.Outcome == record.Failed {
		return &Failure{Kind: fe.Failure, Err: errors.New(fe.Reason)}
	}
	return nil
}

func (m *Manager) decide(ctx context.Context, req Request, logger logrus.FieldLogger) result {
	ds, fe := req.Dataset, req.File

	if ds.License.Status != record.Open {
		return result{outcome: record.NotAttempted, reason: "license " + strings.ToLower(string(ds.License.Status))}
	}
	if fe.Restricted {
		return result{outcome: record.SkippedRestricted, reason: "restricted by source"}
	}
	if outcome, reason := m.policy.admit(fe); outcome != "" {
		return result{outcome: outcome, reason: reason}
	}
	if m.policy.TrustDeclaredChecksums && fe.Checksum != nil {
		if owner, ok := m.index.Lookup(fe.Checksum.String()); ok {
			return result{outcome: record.Deduplicated, reason: "declared checksum already harvested", duplicateOf: owner}
		}
	}

	var (
		res     result
		attempt int
	)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.policy.Backoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.policy.Retries-1)), ctx)

	op := func() error {
		attempt++
		var err error
		res, err = m.attempt(ctx, req)
		if err == nil {
			return nil
		}
		// Sources retry their own requests, so only a transfer that broke
		// after the response started is attempted again here.
		if ctx.Err() != nil || errors.Cause(err) != errNetwork {
			res = result{outcome: record.Failed, failure: record.FailureNetwork, reason: err.Error()}
			return backoff.Permanent(err)
		}
		logger.WithField("attempt", attempt).Warnf("Download failed: %v", err)
		res = result{outcome: record.Failed, failure: record.FailureNetwork, reason: err.Error()}
		return err
	}
	_ = backoff.Retry(op, retry)
	return res
}

// errNetwork marks errors met while reading or storing the body.
var errNetwork = errors.New("transfer interrupted")

// attempt downloads the file once. It returns a non-nil error only for
// network failures; other failures are results.
func (m *Manager) attempt(ctx context.Context, req Request) (result, error) {
	ds, fe := req.Dataset, req.File

	stream, err := req.Open(ctx)
	switch {
	case source.IsAccessDenied(err):
		return result{outcome: record.SkippedRestricted, reason: "access denied by source"}, nil
	case source.IsNotFound(err):
		return result{outcome: record.Failed, failure: record.FailureNetwork, reason: err.Error()}, nil
	case err != nil:
		return result{}, err
	}
	defer stream.Body.Close()

	if m.policy.MaxSize > 0 && stream.Length > m.policy.MaxSize {
		return result{outcome: record.SkippedSize, reason: "content length exceeds ceiling"}, nil
	}

	dir := filepath.Join(m.root, req.Folder, DatasetDir(ds.Title, ds.ID))
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return result{outcome: record.Failed, failure: record.FailureNetwork, reason: err.Error()}, nil
	}
	final := m.availablePath(dir, FileName(stream.Filename, fe.Name, fe.FileID), fe.FileID)
	wip := final + wipSuffix

	sum, declared, n, err := m.store(wip, stream.Body, fe.Checksum)
	if err != nil {
		m.remove(wip)
		if ctx.Err() != nil {
			return result{outcome: record.Failed, failure: record.FailureNetwork, reason: ctx.Err().Error()}, nil
		}
		if err == errTooLarge {
			return result{outcome: record.SkippedSize, reason: "content exceeds ceiling"}, nil
		}
		return result{}, errors.Wrap(errNetwork, err.Error())
	}
	if fe.Checksum != nil && declared != fe.Checksum.Value {
		m.remove(wip)
		return result{
			outcome: record.Failed,
			failure: record.FailureIntegrity,
			reason:  fmt.Sprintf("%s mismatch: declared %s, computed %s", fe.Checksum.Algorithm, fe.Checksum.Value, declared),
		}, nil
	}

	key := record.Checksum{Algorithm: "SHA-256", Value: sum}.String()
	owner, claimed := m.index.Claim(key, fe.Ref())
	if !claimed {
		m.remove(wip)
		return result{outcome: record.Deduplicated, reason: "content already harvested", contentHash: sum, duplicateOf: owner}, nil
	}
	if err := m.fs.Rename(wip, final); err != nil {
		m.index.Release(key, fe.Ref())
		m.remove(wip)
		return result{outcome: record.Failed, failure: record.FailureNetwork, reason: err.Error()}, nil
	}
	if m.policy.TrustDeclaredChecksums && fe.Checksum != nil {
		m.index.Seed(map[string]string{fe.Checksum.String(): fe.Ref()})
	}
	return result{outcome: record.Downloaded, reason: fmt.Sprintf("%d bytes", n), localPath: final, contentHash: sum}, nil
}

var errTooLarge = errors.New("content exceeds ceiling")

// store copies body into path while hashing it with SHA-256 and with the
// declared algorithm.
func (m *Manager) store(path string, body io.Reader, declared *record.Checksum) (sum, declaredSum string, n int64, err error) {
	f, err := m.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", "", 0, err
	}

	content := sha256.New()
	writers := []io.Writer{f, content}
	var check hash.Hash
	if declared != nil {
		check = newHash(declared.Algorithm)
		writers = append(writers, check)
	}

	reader := body
	if m.policy.MaxSize > 0 {
		reader = io.LimitReader(body, m.policy.MaxSize+1)
	}
	n, err = io.Copy(io.MultiWriter(writers...), reader)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", "", n, err
	}
	if m.policy.MaxSize > 0 && n > m.policy.MaxSize {
		return "", "", n, errTooLarge
	}

	sum = hex.EncodeToString(content.Sum(nil))
	if check != nil {
		declaredSum = hex.EncodeToString(check.Sum(nil))
	}
	return sum, declaredSum, n, nil
}

func newHash(alg string) hash.Hash {
	switch alg {
	case "MD5":
		return md5.New()
	case "SHA-1":
		return sha1.New()
	case "SHA-512":
		return sha512.New()
	}
	return sha256.New()
}

// availablePath avoids overwriting a different file of the same dataset
// that was stored under the same name.
func (m *Manager) availablePath(dir, name, id string) string {
	p := filepath.Join(dir, name)
	if _, err := m.fs.Stat(p); os.IsNotExist(err) {
		return p
	}
	ext := filepath.Ext(name)
	alt := strings.TrimSuffix(name, ext) + "-" + Sanitize(id) + ext
	return filepath.Join(dir, alt)
}

func (m *Manager) remove(path string) {
	if err := m.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.WithField("path", path).Warnf("Cannot remove partial file: %v", err)
	}
}

// Sweep removes partial files left behind by an interrupted run.
func (m *Manager) Sweep() (int, error) {
	var removed int
	err := afero.Walk(m.fs, m.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, wipSuffix) {
			if err := m.fs.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
