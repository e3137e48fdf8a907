package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Fhyywen/shixun-qiu/internal/embedding"
	"github.com/Fhyywen/shixun-qiu/internal/metrics"
	"github.com/Fhyywen/shixun-qiu/internal/storage/models"
	"github.com/Fhyywen/shixun-qiu/internal/vector"
	"github.com/Fhyywen/shixun-qiu/pkg/utils"
)

// Document is a loaded source file.
type Document struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Type        string    `json:"type"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
}

type LoadResult struct {
	Documents   []Document
	Failed      int
	Unsupported int
}

type IngestResult struct {
	Documents int `json:"documents"`
	Skipped   int `json:"skipped"`
	Replaced  int `json:"replaced"`
	Chunks    int `json:"chunks"`
	Failed    int `json:"failed"`
}

// Catalog records ingested documents. The sqlite catalog implements it.
type Catalog interface {
	UpsertDocument(ctx context.Context, doc *models.Document) error
}

// Indexer receives chunks alongside the vector store, e.g. a keyword index.
type Indexer interface {
	Add(records []vector.Record) error
	DeleteBySource(source string) error
}

type Options struct {
	ChunkSize      int
	ChunkOverlap   int
	ChunkStrategy  string
	EmbeddingBatch int
	Workers        int
	// SkipDirs are directory names never descended into (the index dir).
	SkipDirs []string
	Commands Commands
}

type Processor struct {
	registry *Registry
	chunker  *Chunker
	embedder embedding.Embedder
	catalog  Catalog
	opts     Options
	log      *zap.Logger
}

func NewProcessor(embedder embedding.Embedder, catalog Catalog, opts Options, log *zap.Logger) (*Processor, error) {
	chunker, err := NewChunker(opts.ChunkSize, opts.ChunkOverlap, opts.ChunkStrategy)
	if err != nil {
		return nil, err
	}
	if opts.EmbeddingBatch <= 0 {
		opts.EmbeddingBatch = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		registry: NewRegistry(opts.Commands),
		chunker:  chunker,
		embedder: embedder,
		catalog:  catalog,
		opts:     opts,
		log:      log,
	}, nil
}

func (p *Processor) Registry() *Registry { return p.registry }

func (p *Processor) skipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, d := range p.opts.SkipDirs {
		if name == d {
			return true
		}
	}
	return false
}

// LoadDocuments walks dir and loads every supported file concurrently.
// A file that fails to load is logged and counted, never fatal.
func (p *Processor) LoadDocuments(ctx context.Context, dir string) (*LoadResult, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var paths []string
	result := &LoadResult{}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			p.log.Warn("Skipping unreadable path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if d.IsDir() {
			if path != dir && p.skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if !p.registry.Supports(path) {
			p.log.Debug("Skipping unsupported file", zap.String("path", path))
			result.Unsupported++
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	var (
		mu   sync.Mutex
		docs = make([]Document, 0, len(paths))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			doc, err := p.loadFile(gctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				p.log.Warn("Failed to load document", zap.String("path", path), zap.Error(err))
				metrics.DocumentsIngested.WithLabelValues("failed").Inc()
				result.Failed++
				return nil
			}
			docs = append(docs, *doc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Source < docs[j].Source })
	result.Documents = docs

	p.log.Info("Documents loaded",
		zap.String("dir", dir),
		zap.Int("loaded", len(docs)),
		zap.Int("failed", result.Failed),
		zap.Int("unsupported", result.Unsupported),
	)
	return result, nil
}

func (p *Processor) loadFile(ctx context.Context, path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	content, err := p.registry.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Document{
		ID:          utils.HashString(path),
		Source:      path,
		Title:       filepath.Base(path),
		Type:        strings.ToLower(filepath.Ext(path)),
		Content:     content,
		ContentHash: utils.HashString(content),
		Size:        info.Size(),
		ModTime:     info.ModTime(),
	}, nil
}

// Ingest chunks, embeds and indexes documents not yet in the store. A source
// whose content hash changed is re-indexed; its old chunks are removed only
// once the new ones are embedded.
func (p *Processor) Ingest(ctx context.Context, kbID string, store vector.Store, keywords Indexer, docs []Document) (*IngestResult, error) {
	existing, err := store.Sources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexed sources: %w", err)
	}
	hashes := make(map[string]string, len(existing))
	for _, s := range existing {
		hashes[s.Source] = s.ContentHash
	}

	result := &IngestResult{}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		hash, stale := hashes[doc.Source]
		if stale && (hash == doc.ContentHash || hash == "") {
			p.log.Debug("Document already indexed, skipping", zap.String("source", doc.Source))
			metrics.DocumentsIngested.WithLabelValues("skipped").Inc()
			result.Skipped++
			continue
		}

		records, err := p.embedRecords(ctx, doc)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			p.log.Error("Failed to ingest document", zap.String("source", doc.Source), zap.Error(err))
			metrics.DocumentsIngested.WithLabelValues("failed").Inc()
			result.Failed++
			continue
		}

		if stale {
			if _, err := store.DeleteBySource(ctx, doc.Source); err != nil {
				return result, fmt.Errorf("failed to remove stale chunks of %s: %w", doc.Source, err)
			}
			if keywords != nil {
				if err := keywords.DeleteBySource(doc.Source); err != nil {
					p.log.Warn("Failed to remove stale keyword entries", zap.String("source", doc.Source), zap.Error(err))
				}
			}
			result.Replaced++
		}

		if len(records) == 0 {
			result.Skipped++
			continue
		}
		if err := p.indexRecords(ctx, kbID, store, keywords, doc, records); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			p.log.Error("Failed to ingest document", zap.String("source", doc.Source), zap.Error(err))
			metrics.DocumentsIngested.WithLabelValues("failed").Inc()
			result.Failed++
			continue
		}
		metrics.DocumentsIngested.WithLabelValues("indexed").Inc()
		result.Documents++
		result.Chunks += len(records)
	}

	p.log.Info("Ingestion finished",
		zap.String("kb_id", kbID),
		zap.Int("documents", result.Documents),
		zap.Int("chunks", result.Chunks),
		zap.Int("skipped", result.Skipped),
		zap.Int("replaced", result.Replaced),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// ChunkRecords turns a document into vector records without embeddings.
func (p *Processor) ChunkRecords(doc Document) []vector.Record {
	chunks := p.chunker.Split(doc.Content)
	records := make([]vector.Record, len(chunks))
	for i, text := range chunks {
		records[i] = vector.Record{
			ID:          fmt.Sprintf("%s_chunk_%d", doc.ID, i),
			DocID:       doc.ID,
			Source:      doc.Source,
			Title:       doc.Title,
			Text:        text,
			ContentHash: doc.ContentHash,
			Metadata: map[string]string{
				"type":        doc.Type,
				"chunk_index": fmt.Sprint(i),
			},
		}
	}
	return records
}

// embedRecords chunks doc and embeds every chunk in batches.
func (p *Processor) embedRecords(ctx context.Context, doc Document) ([]vector.Record, error) {
	records := p.ChunkRecords(doc)
	if len(records) == 0 {
		p.log.Warn("Document produced no chunks", zap.String("source", doc.Source))
		return nil, nil
	}

	for start := 0; start < len(records); start += p.opts.EmbeddingBatch {
		end := start + p.opts.EmbeddingBatch
		if end > len(records) {
			end = len(records)
		}
		texts := make([]string, end-start)
		for i := range texts {
			texts[i] = records[start+i].Text
		}
		vectors, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vectors), len(texts))
		}
		for i, v := range vectors {
			records[start+i].Embedding = v
		}
	}
	return records, nil
}

func (p *Processor) indexRecords(ctx context.Context, kbID string, store vector.Store, keywords Indexer, doc Document, records []vector.Record) error {
	if err := store.Add(ctx, records); err != nil {
		return fmt.Errorf("failed to add chunks to vector store: %w", err)
	}
	metrics.ChunksIndexed.Add(float64(len(records)))

	if keywords != nil {
		if err := keywords.Add(records); err != nil {
			p.log.Warn("Failed to index keywords", zap.String("source", doc.Source), zap.Error(err))
		}
	}

	if p.catalog != nil {
		if err := p.catalog.UpsertDocument(ctx, &models.Document{
			ID:          doc.ID,
			KBID:        kbID,
			Source:      doc.Source,
			Title:       doc.Title,
			Type:        doc.Type,
			Size:        doc.Size,
			ContentHash: doc.ContentHash,
			ChunkCount:  len(records),
		}); err != nil {
			p.log.Warn("Failed to record document in catalog", zap.String("source", doc.Source), zap.Error(err))
		}
	}

	p.log.Debug("Document indexed", zap.String("source", doc.Source), zap.Int("chunks", len(records)))
	return nil
}
