package s3

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/qda-harvester/record"
)

// bucketServer is a minimal S3 endpoint that answers HEAD and PUT requests.
type bucketServer struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	puts    int
}

func (b *bucketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch r.Method {
	case http.MethodHead:
		if _, ok := b.objects[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
		}
	case http.MethodPut:
		body, _ := ioutil.ReadAll(r.Body)
		b.objects[r.URL.Path] = body
		b.types[r.URL.Path] = r.Header.Get("Content-Type")
		b.puts++
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func testMirror(t *testing.T, fs afero.Fs) (*Mirror, *bucketServer) {
	t.Helper()
	bucket := &bucketServer{objects: map[string][]byte{}, types: map[string]string{}}
	server := httptest.NewServer(bucket)
	t.Cleanup(server.Close)

	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(server.URL),
		Region:           aws.String("eu-west-2"),
		Credentials:      credentials.NewStaticCredentials("id", "secret", ""),
		S3ForcePathStyle: aws.Bool(true),
		DisableSSL:       aws.Bool(true),
	})
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	m, err := New(sess, fs, "/data", "s3://qda-mirror/harvests/", logger)
	require.NoError(t, err)
	return m, bucket
}

func TestMirror(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/qdr/care-work/notes.txt", []byte("field notes"), 0o644))
	m, bucket := testMirror(t, fs)

	ds := &record.Dataset{ID: "doi:10.5072/FK2/QAWS8O", Source: "qdr"}
	fe := &record.FileEntry{
		FileID:      "42",
		MIMEType:    "text/plain",
		Outcome:     record.Downloaded,
		LocalPath:   "/data/qdr/care-work/notes.txt",
		ContentHash: "abc",
	}
	require.NoError(t, m.Mirror(context.Background(), ds, fe))
	assert.Equal(t, []byte("field notes"), bucket.objects["/qda-mirror/harvests/qdr/care-work/notes.txt"])
	assert.Equal(t, "text/plain", bucket.types["/qda-mirror/harvests/qdr/care-work/notes.txt"])

	// Already mirrored.
	require.NoError(t, m.Mirror(context.Background(), ds, fe))
	assert.Equal(t, 1, bucket.puts)
}

func TestMirror_Ignored(t *testing.T) {
	m, bucket := testMirror(t, afero.NewMemMapFs())
	ds := &record.Dataset{ID: "x", Source: "qdr"}

	for _, fe := range []*record.FileEntry{
		{Outcome: record.Deduplicated, LocalPath: "/data/qdr/x/a.txt"},
		{Outcome: record.Downloaded},
	} {
		assert.NoError(t, m.Mirror(context.Background(), ds, fe))
	}
	assert.Equal(t, 0, bucket.puts)
}

func TestMirror_Errors(t *testing.T) {
	m, _ := testMirror(t, afero.NewMemMapFs())
	ds := &record.Dataset{ID: "x", Source: "qdr"}

	err := m.Mirror(context.Background(), ds, &record.FileEntry{Outcome: record.Downloaded, LocalPath: "/elsewhere/a.txt"})
	assert.EqualError(t, err, "mirror: /elsewhere/a.txt is outside of /data")

	err = m.Mirror(context.Background(), ds, &record.FileEntry{Outcome: record.Downloaded, LocalPath: "/data/qdr/missing.txt"})
	assert.Error(t, err)
}

func TestNewWithClient(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := NewWithClient(nil, afero.NewMemMapFs(), "/data", "[invalid-url]:12345", logger)
	assert.Error(t, err)
	_, err = NewWithClient(nil, afero.NewMemMapFs(), "/data", "/just/a/path", logger)
	assert.EqualError(t, err, `mirror: destination "/just/a/path" has no bucket`)
}

func Test_getBucketAndKey(t *testing.T) {
	testCases := []struct {
		url     string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://qda-mirror/harvests", "qda-mirror", "harvests", false},
		{"s3://a-different-bucket/nested/prefix/", "a-different-bucket", "nested/prefix/", false},
		{"[invalid-url]:12345", "", "", true},
	}
	for _, tc := range testCases {
		bucket, key, err := getBucketAndKey(tc.url)
		if tc.wantErr {
			if bucket != "" || key != "" || err == nil {
				t.Errorf("getBucketAndKey() was expected to fail but didn't")
			}
			continue
		}
		if err != nil {
			t.Errorf("Unexpected error in getBucketAndKey: %s", err)
		}
		if bucket != tc.bucket {
			t.Errorf("Unexpected bucket - got: %s, want: %s", bucket, tc.bucket)
		}
		if key != tc.key {
			t.Errorf("Unexpected key - got: %s, want: %s", key, tc.key)
		}
	}
}
