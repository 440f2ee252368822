// Package ingest is the write path: files are read, chunked by MIME type,
// embedded in batches, and upserted into the vector index.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/quiver0/quiver/internal/chunk"
	"github.com/quiver0/quiver/internal/embed"
	"github.com/quiver0/quiver/internal/vecstore"
)

// Ingestion errors.
var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrIsDirectory     = errors.New("path is a directory")
)

// SourceTypeFile tags vectors that came from local files.
const SourceTypeFile = "file"

// DefaultEmbedBatchSize bounds how many chunks go into one embedding call.
const DefaultEmbedBatchSize = 32

// defaultExtensions are the file types indexed when no override is given.
var defaultExtensions = map[string]bool{
	".txt": true, ".md": true, ".go": true, ".py": true, ".js": true,
	".ts": true, ".java": true, ".c": true, ".h": true, ".rs": true,
	".rb": true, ".sh": true, ".yaml": true, ".yml": true, ".json": true,
	".html": true, ".css": true, ".sql": true,
}

// mimeByExtension maps extensions onto the MIME types the chunking profiles
// understand. Unlisted supported extensions fall back to text/plain.
var mimeByExtension = map[string]string{
	".md":   "text/markdown",
	".txt":  "text/plain",
	".html": "text/html",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".java": "text/x-java",
	".c":    "text/x-c",
	".h":    "text/x-c",
	".rs":   "text/x-rust",
	".rb":   "text/x-python",
	".sh":   "text/x-shellscript",
	".yaml": "application/x-yaml",
	".yml":  "application/x-yaml",
	".json": "application/json",
	".js":   "application/javascript",
	".ts":   "application/typescript",
	".css":  "text/css",
	".sql":  "application/sql",
}

// VectorWriter is the slice of the vector store client the ingester needs.
type VectorWriter interface {
	Upsert(ctx context.Context, namespace string, vectors []vecstore.Vector) (int, error)
	Delete(ctx context.Context, namespace string, ids []string, filter vecstore.Filter) error
}

// Result summarizes one ingestion run.
type Result struct {
	FilesAdded   int
	FilesSkipped int
	FilesFailed  int
	ChunksStored int
	TotalBytes   int64
	Duration     time.Duration
}

// Config contains all parameters for the ingester.
type Config struct {
	Store    VectorWriter
	Embedder embed.Embedder
	Logger   *slog.Logger

	Namespace string

	// Extensions overrides the default supported file extensions.
	Extensions []string

	// ChunkTargetSize and ChunkOverlap override the per-MIME chunking
	// profile when non-zero.
	ChunkTargetSize int
	ChunkOverlap    int

	// EmbedBatchSize bounds chunks per embedding call (0 uses the default).
	EmbedBatchSize int
}

func (cfg Config) validate() error {
	if cfg.Store == nil {
		return fmt.Errorf("store is required")
	}
	if cfg.Embedder == nil {
		return fmt.Errorf("embedder is required")
	}
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Ingester chunks, embeds, and stores local files.
type Ingester struct {
	store      VectorWriter
	embedder   embed.Embedder
	logger     *slog.Logger
	namespace  string
	extensions map[string]bool
	chunkOpts  []chunk.Option
	batchSize  int
}

// New creates an ingester.
func New(cfg Config) (*Ingester, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("ingest config: %w", err)
	}

	extensions := make(map[string]bool)
	if len(cfg.Extensions) > 0 {
		for _, ext := range cfg.Extensions {
			extensions[strings.ToLower(ext)] = true
		}
	} else {
		for ext := range defaultExtensions {
			extensions[ext] = true
		}
	}

	var chunkOpts []chunk.Option
	if cfg.ChunkTargetSize > 0 {
		chunkOpts = append(chunkOpts, chunk.WithTargetSize(cfg.ChunkTargetSize))
	}
	if cfg.ChunkOverlap > 0 {
		chunkOpts = append(chunkOpts, chunk.WithOverlap(cfg.ChunkOverlap))
	}

	batchSize := cfg.EmbedBatchSize
	if batchSize == 0 {
		batchSize = DefaultEmbedBatchSize
	}

	return &Ingester{
		store:      cfg.Store,
		embedder:   cfg.Embedder,
		logger:     cfg.Logger,
		namespace:  cfg.Namespace,
		extensions: extensions,
		chunkOpts:  chunkOpts,
		batchSize:  batchSize,
	}, nil
}

// AddFile ingests a single file.
func (ing *Ingester) AddFile(ctx context.Context, path string) (*Result, error) {
	start := time.Now()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s (use AddDirectory)", ErrIsDirectory, path)
	}

	ext := strings.ToLower(filepath.Ext(absPath))
	if !ing.extensions[ext] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, ext)
	}

	result := &Result{}
	stored, err := ing.ingestFile(ctx, absPath, ext, info.Size())
	if err != nil {
		return nil, err
	}
	result.FilesAdded = 1
	result.ChunksStored = stored
	result.TotalBytes = info.Size()
	result.Duration = time.Since(start)
	return result, nil
}

// AddDirectory recursively ingests every supported file under dir,
// honoring a .gitignore at the directory root when present. Per-file
// failures are counted, not fatal.
func (ing *Ingester) AddDirectory(ctx context.Context, dir string) (*Result, error) {
	start := time.Now()
	result := &Result{}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving directory: %w", err)
	}

	var gitIgnore *ignore.GitIgnore
	if _, err := os.Stat(filepath.Join(absDir, ".gitignore")); err == nil {
		// A malformed .gitignore is ignored rather than failing the run.
		gitIgnore, _ = ignore.CompileIgnoreFile(filepath.Join(absDir, ".gitignore"))
	}

	err = filepath.Walk(absDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			result.FilesFailed++
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		relPath, err := filepath.Rel(absDir, path)
		if err != nil {
			result.FilesFailed++
			return nil
		}
		if gitIgnore != nil && gitIgnore.MatchesPath(relPath) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			result.FilesSkipped++
			return nil
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != absDir {
				return filepath.SkipDir
			}
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !ing.extensions[ext] {
			result.FilesSkipped++
			return nil
		}

		stored, err := ing.ingestFile(ctx, path, ext, info.Size())
		if err != nil {
			ing.logger.Warn("skipping file", "path", path, "error", err)
			result.FilesFailed++
			return nil
		}
		result.FilesAdded++
		result.ChunksStored += stored
		result.TotalBytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// RemoveFile deletes all vectors that came from the given file.
func (ing *Ingester) RemoveFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	filter := vecstore.Eq("source_id", vecstore.String(docID(absPath)))
	if err := ing.store.Delete(ctx, ing.namespace, nil, filter); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// ingestFile chunks one file and stores its embedded chunks. Returns the
// number of vectors acknowledged by the store.
func (ing *Ingester) ingestFile(ctx context.Context, absPath, ext string, size int64) (int, error) {
	content, err := os.ReadFile(absPath)
	if err != nil {
		return 0, fmt.Errorf("reading file: %w", err)
	}

	mimeType, ok := mimeByExtension[ext]
	if !ok {
		mimeType = "text/plain"
	}

	sourceID := docID(absPath)
	chunks, analytics := chunk.Split(string(content), mimeType, sourceID, ing.chunkOpts...)
	if len(chunks) == 0 {
		return 0, nil
	}
	ing.logger.Debug("chunked file",
		"path", absPath, "chunks", analytics.ChunkCount, "tokens", analytics.TotalTokens)

	indexedAt := time.Now().Format(time.RFC3339)
	fileName := filepath.Base(absPath)

	total := 0
	for batchStart := 0; batchStart < len(chunks); batchStart += ing.batchSize {
		batchEnd := min(batchStart+ing.batchSize, len(chunks))
		batch := chunks[batchStart:batchEnd]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vecs, err := ing.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("embedding %s: %w", fileName, err)
		}

		vectors := make([]vecstore.Vector, len(batch))
		for i, c := range batch {
			vectors[i] = vecstore.Vector{
				ID:     fmt.Sprintf("%s_%d", sourceID, c.Index),
				Values: vecs[i],
				Metadata: vecstore.Metadata{
					"source_type":  vecstore.String(SourceTypeFile),
					"source_id":    vecstore.String(sourceID),
					"file_path":    vecstore.String(absPath),
					"file_name":    vecstore.String(fileName),
					"file_ext":     vecstore.String(ext),
					"file_size":    vecstore.String(strconv.FormatInt(size, 10)),
					"mime_type":    vecstore.String(c.MIMEType),
					"chunk_index":  vecstore.Number(float64(c.Index)),
					"total_chunks": vecstore.Number(float64(c.TotalInSource)),
					"token_count":  vecstore.Number(float64(c.TokenCount)),
					"content_hash": vecstore.String(c.ContentHash),
					"text":         vecstore.String(c.Content),
					"indexed_at":   vecstore.String(indexedAt),
				},
			}
		}

		stored, err := ing.store.Upsert(ctx, ing.namespace, vectors)
		total += stored
		if err != nil {
			return total, fmt.Errorf("storing %s: %w", fileName, err)
		}
	}
	return total, nil
}

// docID derives a stable document ID from the absolute file path.
func docID(absPath string) string {
	hash := sha256.Sum256([]byte(absPath))
	return "file_" + hex.EncodeToString(hash[:16])
}
