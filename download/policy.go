package download

import (
	"path"
	"strings"
	"time"

	"github.com/JiscSD/qda-harvester/record"
)

// Policy decides which files are worth downloading.
type Policy struct {
	// MaxSize is the size ceiling in bytes. Zero disables it.
	MaxSize int64 `mapstructure:"max_size"`

	// AllowedTypes holds media types. An entry ending with "/" matches
	// the whole family, e.g. "text/".
	AllowedTypes      []string `mapstructure:"allowed_types"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`

	// UnknownTypeMaxSize bounds files whose type cannot be told from the
	// declared media type or the name. Their declared size must be known.
	UnknownTypeMaxSize int64 `mapstructure:"unknown_type_max_size"`

	// TrustDeclaredChecksums skips downloads whose declared checksum is
	// already indexed.
	TrustDeclaredChecksums bool `mapstructure:"trust_declared_checksums"`

	// Retries is the number of attempts made for transfers interrupted
	// after the response started. Failed requests are retried by the source.
	Retries int           `mapstructure:"retries"`
	Backoff time.Duration `mapstructure:"backoff"`
}

// genericTypes say nothing about the content.
var genericTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
}

// admit applies the size and type rules. It returns the outcome to record
// when the file must be skipped.
func (p Policy) admit(fe *record.FileEntry) (record.Outcome, string) {
	if p.MaxSize > 0 && fe.Size > p.MaxSize {
		return record.SkippedSize, "declared size exceeds ceiling"
	}
	if fe.QDA {
		return "", ""
	}

	ext := strings.ToLower(path.Ext(fe.Name))
	for _, e := range p.AllowedExtensions {
		if ext != "" && strings.EqualFold(ext, normalizeExt(e)) {
			return "", ""
		}
	}
	if p.allowsType(fe.MIMEType) {
		return "", ""
	}
	if ext != "" || !genericTypes[fe.MIMEType] {
		return record.SkippedType, "type not allowed: " + strings.TrimSpace(fe.MIMEType+" "+ext)
	}
	if fe.Size > 0 && fe.Size < p.UnknownTypeMaxSize {
		return "", ""
	}
	return record.SkippedType, "unknown type without a small declared size"
}

func (p Policy) allowsType(mimeType string) bool {
	if genericTypes[mimeType] {
		return false
	}
	for _, t := range p.AllowedTypes {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == mimeType || (strings.HasSuffix(t, "/") && strings.HasPrefix(mimeType, t)) {
			return true
		}
	}
	return false
}

func normalizeExt(e string) string {
	e = strings.TrimSpace(e)
	if !strings.HasPrefix(e, ".") {
		e = "." + e
	}
	return e
}
