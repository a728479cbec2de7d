package relevance

import (
	"path"
	"strings"
)

// QDAExtensions are project and exchange formats of qualitative data
// analysis tools (REFI-QDA, NVivo, ATLAS.ti, MAXQDA, QDA Miner, f4analyse,
// Quirkos, HyperRESEARCH, Transana).
var QDAExtensions = []string{
	".qdpx", ".qdc",
	".nvp", ".nvpx",
	".atlproj", ".hpr7", ".hpr8",
	".mx24", ".mx22", ".mx20", ".mx18", ".mx12", ".mex24", ".mex22", ".mqda", ".mqex",
	".ppj", ".pprj", ".qda", ".qdp",
	".f4p", ".qpd", ".qrk",
	".tra",
}

// Formats recognizes QDA files.
type Formats struct {
	ext map[string]bool
}

func NewFormats(extensions []string) *Formats {
	f := &Formats{ext: make(map[string]bool, len(extensions))}
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		f.ext[e] = true
	}
	return f
}

// IsQDA reports whether the file looks like a QDA project: a known
// extension, "REFI-QDA" in the friendly type or "refiqda" in the MIME type.
func (f *Formats) IsQDA(name, mimeType, friendlyType string) bool {
	if f.ext[strings.ToLower(path.Ext(name))] {
		return true
	}
	if strings.Contains(strings.ToLower(friendlyType), "refi-qda") {
		return true
	}
	return strings.Contains(strings.ToLower(mimeType), "refiqda")
}
