package chunk

import "strings"

// Profile selects the splitting parameters for a MIME type.
// Sizes are byte-denominated; token counts are computed separately.
type Profile struct {
	// TargetSize is the maximum packed chunk size before overlap stitching.
	TargetSize int

	// Overlap is the number of trailing bytes of the previous chunk
	// prepended to every chunk after the first.
	Overlap int

	// Separators is the splitting priority list, tried in order.
	// A piece that exceeds TargetSize after the last separator is emitted
	// whole as an oversized chunk.
	Separators []string
}

// Built-in profiles. Prose-like formats use larger targets with
// paragraph/sentence separators; code-like formats use smaller targets with
// code-oriented separators.
var (
	proseProfile = Profile{
		TargetSize: 1000,
		Overlap:    200,
		Separators: []string{"\n\n", "\n", ". ", " "},
	}

	markdownProfile = Profile{
		TargetSize: 1000,
		Overlap:    200,
		Separators: []string{"\n## ", "\n\n", "\n", ". ", " "},
	}

	codeProfile = Profile{
		TargetSize: 512,
		Overlap:    64,
		Separators: []string{"\n\n", "\n", "; ", " "},
	}

	defaultProfile = Profile{
		TargetSize: 800,
		Overlap:    150,
		Separators: []string{"\n\n", "\n", " "},
	}
)

// codeMIMETypes are formats split with the code profile.
var codeMIMETypes = map[string]bool{
	"text/x-go":              true,
	"text/x-python":          true,
	"text/x-java":            true,
	"text/x-c":               true,
	"text/x-rust":            true,
	"text/x-shellscript":     true,
	"application/json":       true,
	"application/x-yaml":     true,
	"application/javascript": true,
	"application/typescript": true,
	"text/css":               true,
	"application/sql":        true,
}

// proseMIMETypes are formats split with the prose profile.
var proseMIMETypes = map[string]bool{
	"text/plain":      true,
	"text/html":       true,
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// ProfileFor returns the chunking profile for a MIME type.
// Unknown types fall back to the default profile.
func ProfileFor(mimeType string) Profile {
	// Strip parameters like "; charset=utf-8".
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))

	switch {
	case mimeType == "text/markdown":
		return markdownProfile
	case proseMIMETypes[mimeType]:
		return proseProfile
	case codeMIMETypes[mimeType]:
		return codeProfile
	default:
		return defaultProfile
	}
}
