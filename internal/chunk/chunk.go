// Package chunk implements MIME-aware recursive text chunking.
//
// Split is a pure function: the same input always produces the same chunks,
// and it is safe to call concurrently for different documents. The splitting
// parameters (target size, overlap, separator priority) are selected from the
// MIME type; see profile.go.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// Chunk is a bounded slice of a source document's extracted text, the unit
// of embedding and retrieval. Chunks are immutable once created.
type Chunk struct {
	Content       string
	SourceID      string
	Index         int
	TotalInSource int
	MIMEType      string
	TokenCount    int
	ContentHash   string
}

// Analytics summarizes one chunking run.
type Analytics struct {
	ChunkCount      int
	TotalTokens     int
	MaxChunkLen     int
	OversizedChunks int
}

// minSingleChunkLen is the size below which text is returned as one chunk
// without splitting.
const minSingleChunkLen = 64

// hashSampleThreshold is the chunk size above which the content hash is
// computed over a prefix+suffix sample instead of the full text. Collisions
// become marginally more likely for huge near-duplicate chunks; acceptable
// for dedup of personal documents.
const (
	hashSampleThreshold = 8 * 1024
	hashSampleLen       = 2 * 1024
)

// Option overrides profile parameters for one Split call.
type Option func(*Profile)

// WithTargetSize overrides the profile's target chunk size.
func WithTargetSize(n int) Option {
	return func(p *Profile) {
		if n > 0 {
			p.TargetSize = n
		}
	}
}

// WithOverlap overrides the profile's overlap size.
func WithOverlap(n int) Option {
	return func(p *Profile) {
		if n >= 0 {
			p.Overlap = n
		}
	}
}

// Split chunks text according to the MIME type's profile.
//
// Empty (or all-whitespace) text yields no chunks and zero-valued analytics.
// Text shorter than a small minimum is returned as a single chunk. A piece
// that still exceeds the target size after every separator has been tried is
// emitted whole, never truncated.
func Split(text, mimeType, sourceID string, opts ...Option) ([]Chunk, Analytics) {
	if strings.TrimSpace(text) == "" {
		return nil, Analytics{}
	}

	profile := ProfileFor(mimeType)
	for _, opt := range opts {
		opt(&profile)
	}

	var raws []string
	if len(text) <= minSingleChunkLen || len(text) <= profile.TargetSize {
		raws = []string{text}
	} else {
		raws = splitRecursive(text, profile.Separators, profile.TargetSize)
	}

	chunks := make([]Chunk, 0, len(raws))
	var analytics Analytics

	for i, raw := range raws {
		content := raw
		if i > 0 && profile.Overlap > 0 {
			// Overlap comes from the previous chunk's raw text, before its
			// own overlap was prepended. The first chunk is never extended.
			content = tailRunesafe(raws[i-1], profile.Overlap) + raw
		}

		c := Chunk{
			Content:       content,
			SourceID:      sourceID,
			Index:         i,
			TotalInSource: len(raws),
			MIMEType:      mimeType,
			TokenCount:    len(strings.Fields(content)),
			ContentHash:   hashContent(content),
		}
		chunks = append(chunks, c)

		analytics.TotalTokens += c.TokenCount
		if len(content) > analytics.MaxChunkLen {
			analytics.MaxChunkLen = len(content)
		}
		if len(raw) > profile.TargetSize {
			analytics.OversizedChunks++
		}
	}

	analytics.ChunkCount = len(chunks)
	return chunks, analytics
}

// splitRecursive splits text on the first separator, recursing into the
// remaining separators for any piece that exceeds target, and greedily packs
// adjacent pieces (rejoined with the separator) up to target.
func splitRecursive(text string, seps []string, target int) []string {
	if len(text) <= target {
		return []string{text}
	}
	if len(seps) == 0 {
		// Oversized atom: no separator boundary left. Emit whole.
		return []string{text}
	}

	sep, rest := seps[0], seps[1:]
	parts := strings.Split(text, sep)

	var out []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}

	for _, part := range parts {
		if len(part) > target {
			flush()
			out = append(out, splitRecursive(part, rest, target)...)
			continue
		}

		need := len(part)
		if cur.Len() > 0 {
			need += len(sep)
		}
		if cur.Len()+need > target {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString(sep)
		}
		cur.WriteString(part)
	}
	flush()

	return out
}

// tailRunesafe returns the last n bytes of s, extended backward if needed so
// the slice does not start mid-rune.
func tailRunesafe(s string, n int) string {
	if n >= len(s) {
		return s
	}
	start := len(s) - n
	for start > 0 && !utf8.RuneStart(s[start]) {
		start--
	}
	return s[start:]
}

// hashContent computes the chunk content hash. Large chunks hash a
// prefix+suffix sample instead of the full text.
func hashContent(content string) string {
	h := sha256.New()
	if len(content) > hashSampleThreshold {
		h.Write([]byte(content[:hashSampleLen]))
		h.Write([]byte(content[len(content)-hashSampleLen:]))
		// Length disambiguates same-sample chunks of different sizes.
		var lenBuf [8]byte
		for i, v := 0, len(content); i < 8; i, v = i+1, v>>8 {
			lenBuf[i] = byte(v)
		}
		h.Write(lenBuf[:])
	} else {
		h.Write([]byte(content))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
