package download

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// SlugLimit is the maximum length of a directory slug.
const SlugLimit = 60

const maxNameLength = 200

// Slug returns an ASCII, lower-case, dash separated form of s, at most
// SlugLimit characters long.
func Slug(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > SlugLimit {
		slug = strings.TrimRight(slug[:SlugLimit], "-")
	}
	return slug
}

// DatasetDir returns the directory of a dataset below the source folder.
func DatasetDir(title, id string) string {
	t, i := Slug(title), Slug(id)
	switch {
	case t == "" && i == "":
		return "dataset"
	case t == "":
		return i
	case i == "":
		return t
	}
	return t + "-" + i
}

// Sanitize turns a declared file name into a safe base name. It returns an
// empty string when nothing usable is left.
func Sanitize(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimRight(name, "/"))
	if name == "." || name == ".." || name == "/" {
		return ""
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsControl(r):
			continue
		case strings.ContainsRune(`<>:"|?*`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	name = strings.TrimLeft(strings.TrimSpace(b.String()), ". ")
	name = strings.ReplaceAll(name, "..", ".")

	if len(name) > maxNameLength {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		stem := strings.TrimSuffix(name, ext)
		for len(stem)+len(ext) > maxNameLength {
			_, size := utf8.DecodeLastRuneInString(stem)
			stem = stem[:len(stem)-size]
		}
		name = stem + ext
	}
	return name
}

// FileName picks the stored name of a file: the Content-Disposition name,
// then the declared name, then file-<id>.
func FileName(disposition, declared, id string) string {
	for _, candidate := range []string{disposition, declared} {
		if name := Sanitize(candidate); name != "" {
			return name
		}
	}
	if name := Sanitize("file-" + id); name != "" {
		return name
	}
	return "file"
}
