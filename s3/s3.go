// Package s3 mirrors downloaded files to an S3-compatible bucket.
package s3

import (
	"context"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/JiscSD/qda-harvester/harvest"
	"github.com/JiscSD/qda-harvester/record"
)

// Mirror uploads files stored under root to bucket, keeping their path
// relative to root under the key prefix.
type Mirror struct {
	client   s3iface.S3API
	uploader *s3manager.Uploader
	fs       afero.Fs
	root     string
	bucket   string
	prefix   string
	logger   logrus.FieldLogger
}

var _ harvest.Mirror = (*Mirror)(nil)

// New returns a Mirror for the destination URI, e.g. s3://bucket/prefix.
func New(sess *session.Session, fs afero.Fs, root, URI string, logger logrus.FieldLogger) (*Mirror, error) {
	return NewWithClient(s3.New(sess), fs, root, URI, logger)
}

func NewWithClient(client s3iface.S3API, fs afero.Fs, root, URI string, logger logrus.FieldLogger) (*Mirror, error) {
	bucket, prefix, err := getBucketAndKey(URI)
	if err != nil {
		return nil, errors.Wrapf(err, "mirror: invalid destination %q", URI)
	}
	if bucket == "" {
		return nil, errors.Errorf("mirror: destination %q has no bucket", URI)
	}
	return &Mirror{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		fs:       fs,
		root:     root,
		bucket:   bucket,
		prefix:   strings.TrimSuffix(prefix, "/"),
		logger:   logger,
	}, nil
}

// Mirror uploads the local copy of a downloaded file. Objects that already
// exist are left alone.
func (m *Mirror) Mirror(ctx context.Context, ds *record.Dataset, fe *record.FileEntry) error {
	if fe.Outcome != record.Downloaded || fe.LocalPath == "" {
		return nil
	}
	key, err := m.key(fe.LocalPath)
	if err != nil {
		return err
	}

	_, err = m.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		m.logger.WithField("key", key).Debug("Object already mirrored")
		return nil
	}
	if !isNotFound(err) {
		return errors.Wrapf(err, "mirror: head %s", key)
	}

	f, err := m.fs.Open(fe.LocalPath)
	if err != nil {
		return errors.Wrap(err, "mirror: open local copy")
	}
	defer f.Close()

	input := &s3manager.UploadInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
		Metadata: map[string]*string{
			"Dataset-Id":   aws.String(ds.ID),
			"Source":       aws.String(ds.Source),
			"Content-Hash": aws.String(fe.ContentHash),
		},
	}
	if fe.MIMEType != "" {
		input.ContentType = aws.String(fe.MIMEType)
	}
	if _, err := m.uploader.UploadWithContext(ctx, input); err != nil {
		return errors.Wrapf(err, "mirror: upload %s", key)
	}
	m.logger.WithFields(logrus.Fields{"bucket": m.bucket, "key": key}).Debug("File mirrored")
	return nil
}

func (m *Mirror) key(localPath string) (string, error) {
	rel, err := filepath.Rel(m.root, localPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", errors.Errorf("mirror: %s is outside of %s", localPath, m.root)
	}
	return path.Join(m.prefix, filepath.ToSlash(rel)), nil
}

func isNotFound(err error) bool {
	aerr, ok := errors.Cause(err).(awserr.Error)
	if !ok {
		return false
	}
	switch aerr.Code() {
	case "NotFound", s3.ErrCodeNoSuchKey:
		return true
	}
	return false
}

func getBucketAndKey(URI string) (bucket string, key string, err error) {
	u, err := url.Parse(URI)
	if err != nil {
		return "", "", err
	}
	return u.Hostname(), strings.TrimPrefix(u.Path, "/"), nil
}
