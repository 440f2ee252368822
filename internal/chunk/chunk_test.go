package chunk

import (
	"strings"
	"testing"
)

// buildProse builds a deterministic plain-text document of roughly n bytes
// made of sentences grouped into paragraphs.
func buildProse(n int) string {
	var b strings.Builder
	i := 0
	for b.Len() < n {
		b.WriteString("The quick brown fox jumps over the lazy dog near the river bank. ")
		i++
		if i%5 == 0 {
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func TestSplit_EmptyText(t *testing.T) {
	t.Parallel()

	chunks, analytics := Split("", "text/plain", "doc-1")
	if chunks != nil {
		t.Errorf("empty text should yield nil chunks, got %d", len(chunks))
	}
	if analytics != (Analytics{}) {
		t.Errorf("empty text should yield zero analytics, got %+v", analytics)
	}

	chunks, _ = Split("   \n\t ", "text/plain", "doc-1")
	if chunks != nil {
		t.Error("whitespace-only text should yield nil chunks")
	}
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	t.Parallel()

	text := "short note"
	chunks, analytics := Split(text, "text/plain", "doc-1")
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if c.Content != text {
		t.Errorf("content = %q, want %q", c.Content, text)
	}
	if c.Index != 0 || c.TotalInSource != 1 {
		t.Errorf("index/total = %d/%d, want 0/1", c.Index, c.TotalInSource)
	}
	if c.TokenCount != 2 {
		t.Errorf("token count = %d, want 2", c.TokenCount)
	}
	if analytics.ChunkCount != 1 || analytics.TotalTokens != 2 {
		t.Errorf("analytics = %+v", analytics)
	}
}

func TestSplit_PlainTextScenario(t *testing.T) {
	t.Parallel()

	const (
		target  = 800
		overlap = 150
	)
	text := buildProse(3000)

	chunks, analytics := Split(text, "text/plain", "doc-1",
		WithTargetSize(target), WithOverlap(overlap))

	if len(chunks) < 3 {
		t.Fatalf("3000 chars at target 800 should produce several chunks, got %d", len(chunks))
	}
	if analytics.ChunkCount != len(chunks) {
		t.Errorf("analytics.ChunkCount = %d, want %d", analytics.ChunkCount, len(chunks))
	}

	for i, c := range chunks {
		if len(c.Content) > target+overlap {
			t.Errorf("chunk %d length %d exceeds target+overlap %d", i, len(c.Content), target+overlap)
		}
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.TotalInSource != len(chunks) {
			t.Errorf("chunk %d TotalInSource = %d, want %d", i, c.TotalInSource, len(chunks))
		}
		if got, want := c.TokenCount, len(strings.Fields(c.Content)); got != want {
			t.Errorf("chunk %d token count = %d, want word count %d", i, got, want)
		}
		if c.ContentHash == "" {
			t.Errorf("chunk %d has empty content hash", i)
		}
	}

	// Token counts must be monotonically consistent with chunk length:
	// a chunk twice as long should not have fewer tokens than an empty one.
	for i := 1; i < len(chunks); i++ {
		if chunks[i].TokenCount == 0 && len(chunks[i].Content) > 0 {
			t.Errorf("chunk %d has content but zero tokens", i)
		}
	}
}

func TestSplit_CoverageNoCharacterDropped(t *testing.T) {
	t.Parallel()

	text := buildProse(3000)

	// With zero overlap the chunk contents are exactly the raw pieces.
	chunks, _ := Split(text, "text/plain", "doc-1",
		WithTargetSize(800), WithOverlap(0))

	// Every chunk must appear in the original, in order, and together they
	// must cover the whole document (separators at chunk boundaries may be
	// consumed by the split).
	offset := 0
	for i, c := range chunks {
		idx := strings.Index(text[offset:], c.Content)
		if idx < 0 {
			t.Fatalf("chunk %d not found in original after offset %d", i, offset)
		}
		// Only separator bytes may sit between consecutive chunks.
		gap := text[offset : offset+idx]
		if strings.Trim(gap, " \n.") != "" {
			t.Fatalf("non-separator text %q dropped before chunk %d", gap, i)
		}
		offset += idx + len(c.Content)
	}
	if tail := text[offset:]; strings.Trim(tail, " \n.") != "" {
		t.Fatalf("trailing text %q not covered by any chunk", tail)
	}
}

func TestSplit_OverlapInvariant(t *testing.T) {
	t.Parallel()

	const overlap = 150
	text := buildProse(3000)

	chunks, _ := Split(text, "text/plain", "doc-1",
		WithTargetSize(800), WithOverlap(overlap))
	if len(chunks) < 2 {
		t.Fatal("need at least two chunks")
	}

	for i := 1; i < len(chunks); i++ {
		n := overlap
		if n > len(chunks[i].Content) {
			n = len(chunks[i].Content)
		}
		prefix := chunks[i].Content[:n]
		if !strings.HasSuffix(chunks[i-1].Content, prefix) {
			t.Errorf("chunk %d does not start with a suffix of chunk %d", i, i-1)
		}
	}
}

func TestSplit_OversizedAtomEmittedWhole(t *testing.T) {
	t.Parallel()

	// A single token with no separator boundary, longer than the target.
	atom := strings.Repeat("x", 1000)

	chunks, analytics := Split(atom, "text/plain", "doc-1",
		WithTargetSize(800), WithOverlap(150))
	if len(chunks) != 1 {
		t.Fatalf("oversized atom should be one chunk, got %d", len(chunks))
	}
	if chunks[0].Content != atom {
		t.Error("oversized atom must be emitted whole, never truncated")
	}
	if analytics.OversizedChunks != 1 {
		t.Errorf("analytics.OversizedChunks = %d, want 1", analytics.OversizedChunks)
	}
}

func TestSplit_OversizedAtomInsideDocument(t *testing.T) {
	t.Parallel()

	atom := strings.Repeat("y", 900)
	text := "A short intro paragraph.\n\n" + atom + "\n\nA short outro paragraph."

	chunks, _ := Split(text, "text/plain", "doc-1",
		WithTargetSize(800), WithOverlap(0))

	found := false
	for _, c := range chunks {
		if strings.Contains(c.Content, atom) {
			found = true
		}
	}
	if !found {
		t.Error("oversized atom must survive splitting intact")
	}
}

func TestSplit_Deterministic(t *testing.T) {
	t.Parallel()

	text := buildProse(2500)
	a, _ := Split(text, "text/markdown", "doc-1")
	b, _ := Split(text, "text/markdown", "doc-1")

	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestProfileFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime string
		want Profile
	}{
		{"text/plain", proseProfile},
		{"text/plain; charset=utf-8", proseProfile},
		{"text/markdown", markdownProfile},
		{"text/x-go", codeProfile},
		{"application/json", codeProfile},
		{"application/octet-stream", defaultProfile},
		{"", defaultProfile},
	}

	for _, tt := range tests {
		got := ProfileFor(tt.mime)
		if got.TargetSize != tt.want.TargetSize || got.Overlap != tt.want.Overlap {
			t.Errorf("ProfileFor(%q) = %+v, want %+v", tt.mime, got, tt.want)
		}
	}
}

func TestHashContent_SampleAboveThreshold(t *testing.T) {
	t.Parallel()

	small := strings.Repeat("a", 100)
	if got := hashContent(small); len(got) != 32 {
		t.Errorf("hash should be 32 hex chars, got %d", len(got))
	}

	// Above the threshold only prefix, suffix, and length are hashed.
	big1 := strings.Repeat("a", 2048) + strings.Repeat("b", 8192) + strings.Repeat("c", 2048)
	big2 := strings.Repeat("a", 2048) + strings.Repeat("B", 8192) + strings.Repeat("c", 2048)
	if hashContent(big1) != hashContent(big2) {
		t.Error("sample hash should ignore the middle of huge chunks")
	}

	// Different lengths must still produce different hashes.
	big3 := big1 + strings.Repeat("c", 10)
	if hashContent(big1) == hashContent(big3) {
		t.Error("sample hash must include the content length")
	}
}

func TestTailRunesafe(t *testing.T) {
	t.Parallel()

	s := "héllo wörld"
	for n := 0; n <= len(s)+2; n++ {
		tail := tailRunesafe(s, n)
		if !strings.HasSuffix(s, tail) {
			t.Fatalf("tailRunesafe(%d) = %q is not a suffix", n, tail)
		}
		// Result must be valid UTF-8 (no split runes).
		if strings.ToValidUTF8(tail, "?") != tail {
			t.Fatalf("tailRunesafe(%d) = %q splits a rune", n, tail)
		}
	}
}
