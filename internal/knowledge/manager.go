package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Fhyywen/shixun-qiu/internal/embedding"
	"github.com/Fhyywen/shixun-qiu/internal/ingestion"
	"github.com/Fhyywen/shixun-qiu/internal/keyword"
	"github.com/Fhyywen/shixun-qiu/internal/metrics"
	"github.com/Fhyywen/shixun-qiu/internal/vector"
	"github.com/Fhyywen/shixun-qiu/internal/vector/flat"
	"github.com/Fhyywen/shixun-qiu/internal/vector/milvus"
	"github.com/Fhyywen/shixun-qiu/pkg/utils"
)

var (
	ErrEmptyKnowledgeBase = errors.New("knowledge base directory is empty or missing")
	ErrPathOutsideRoot    = errors.New("knowledge base path is outside the root directory")
)

const (
	BackendFlat   = "flat"
	BackendMilvus = "milvus"
)

// AnswerCache drops cached answers of a knowledge base after it changes.
type AnswerCache interface {
	InvalidateKB(ctx context.Context, kbID string) (int, error)
}

type Options struct {
	DefaultPath    string
	RootDir        string
	IndexDir       string
	Backend        string
	SearchResults  int
	ScoreThreshold float64
}

// Base is an opened knowledge base: its vector store plus a keyword index
// over the same chunks.
type Base struct {
	ID       string
	Path     string
	OpenedAt time.Time

	store    vector.Store
	keywords *keyword.Index
}

func (b *Base) Store() vector.Store { return b.store }

type BuildResult struct {
	KBID        string        `json:"kb_id"`
	Path        string        `json:"knowledge_base_path"`
	Loaded      int           `json:"loaded"`
	LoadFailed  int           `json:"load_failed"`
	Unsupported int           `json:"unsupported"`
	Documents   int           `json:"documents"`
	Skipped     int           `json:"skipped"`
	Replaced    int           `json:"replaced"`
	Chunks      int           `json:"chunks"`
	Failed      int           `json:"failed"`
	TotalChunks int           `json:"total_chunks"`
	Duration    time.Duration `json:"duration"`
}

type Stats struct {
	KnowledgeBasePath string `json:"knowledge_base_path"`
	Initialized       bool   `json:"initialized"`
	DocumentCount     int    `json:"document_count"`
	SourceCount       int    `json:"source_count"`
	VectorDimension   int    `json:"vector_dimension"`
	Backend           string `json:"backend"`
	IndexPath         string `json:"index_path"`
	Persisted         bool   `json:"persisted"`
}

type Info struct {
	ID       string    `json:"id"`
	Path     string    `json:"path"`
	OpenedAt time.Time `json:"opened_at"`
}

type Option func(*Manager)

// WithMilvus stores vectors in a shared milvus collection instead of local files.
func WithMilvus(c *milvus.Client) Option {
	return func(m *Manager) { m.milvus = c }
}

func WithAnswerCache(c AnswerCache) Option {
	return func(m *Manager) { m.cache = c }
}

// Manager opens, builds and searches knowledge bases keyed by their
// absolute directory path.
type Manager struct {
	opts      Options
	processor *ingestion.Processor
	embedder  embedding.Embedder
	milvus    *milvus.Client
	cache     AnswerCache
	log       *zap.Logger

	mu      sync.RWMutex
	bases   map[string]*Base
	opening singleflight.Group
	buildMu sync.Mutex
}

func NewManager(opts Options, processor *ingestion.Processor, embedder embedding.Embedder, log *zap.Logger, options ...Option) (*Manager, error) {
	if opts.IndexDir == "" {
		opts.IndexDir = ".kbqa"
	}
	if opts.Backend == "" {
		opts.Backend = BackendFlat
	}
	if opts.SearchResults <= 0 {
		opts.SearchResults = 5
	}
	if log == nil {
		log = zap.NewNop()
	}

	m := &Manager{
		opts:      opts,
		processor: processor,
		embedder:  embedder,
		log:       log,
		bases:     make(map[string]*Base),
	}
	for _, o := range options {
		o(m)
	}

	switch opts.Backend {
	case BackendFlat:
	case BackendMilvus:
		if m.milvus == nil {
			return nil, errors.New("milvus backend requires a milvus client")
		}
	default:
		return nil, fmt.Errorf("unknown vector backend %q", opts.Backend)
	}
	return m, nil
}

func (m *Manager) Options() Options { return m.opts }

// KBID identifies a knowledge base by the md5 of its resolved path.
func KBID(path string) string { return utils.HashString(path) }

// ResolvePath maps a request path to a clean absolute path. Empty means the
// default knowledge base; with a root directory configured the result must
// stay inside it.
func (m *Manager) ResolvePath(p string) (string, error) {
	if p == "" {
		p = m.opts.DefaultPath
	}
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	if m.opts.RootDir != "" {
		root, err := filepath.Abs(m.opts.RootDir)
		if err != nil {
			return "", err
		}
		if !utils.Within(root, abs) {
			return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, p)
		}
	}
	return abs, nil
}

// IndexDir is the directory holding a knowledge base's generated files.
func (m *Manager) IndexDir(path string) string {
	return filepath.Join(path, m.opts.IndexDir)
}

func (m *Manager) indexPath(path string) string {
	return filepath.Join(m.IndexDir(path), "index")
}

func (m *Manager) lookup(path string) *Base {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bases[path]
}

func (m *Manager) register(b *Base) {
	m.mu.Lock()
	old := m.bases[b.Path]
	m.bases[b.Path] = b
	n := len(m.bases)
	m.mu.Unlock()

	if old != nil && old.keywords != b.keywords {
		_ = old.keywords.Close()
	}
	metrics.KnowledgeBasesOpen.Set(float64(n))
}

// Open returns a ready knowledge base, loading persisted vectors when they
// exist and building otherwise. Concurrent opens of one path share the work.
func (m *Manager) Open(ctx context.Context, p string) (*Base, error) {
	path, err := m.ResolvePath(p)
	if err != nil {
		return nil, err
	}
	if b := m.lookup(path); b != nil {
		return b, nil
	}

	v, err, _ := m.opening.Do(path, func() (any, error) {
		if b := m.lookup(path); b != nil {
			return b, nil
		}
		b, err := m.load(ctx, path)
		if err != nil {
			return nil, err
		}
		if b != nil {
			return b, nil
		}
		if _, err := m.build(ctx, path, false); err != nil {
			return nil, err
		}
		return m.lookup(path), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Base), nil
}

// load restores a knowledge base from its persisted index. It returns nil
// without error when there is nothing usable to load.
func (m *Manager) load(ctx context.Context, path string) (*Base, error) {
	id := KBID(path)
	var (
		store   vector.Store
		records []vector.Record
	)

	switch m.opts.Backend {
	case BackendMilvus:
		s := m.milvus.ForKnowledgeBase(id)
		n, err := s.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		if records, err = s.Records(ctx); err != nil {
			return nil, err
		}
		store = s
	default:
		ip := m.indexPath(path)
		if !flat.Exists(ip) {
			return nil, nil
		}
		idx := flat.New(m.embedder.Dimension(), m.log)
		if err := idx.Load(ip); err != nil {
			m.log.Warn("Failed to load persisted index, rebuilding",
				zap.String("path", path),
				zap.Error(err),
			)
			return nil, nil
		}
		records = idx.Records()
		store = idx
	}

	kw, err := keyword.New()
	if err != nil {
		return nil, err
	}
	if err := kw.Add(records); err != nil {
		_ = kw.Close()
		return nil, err
	}

	b := &Base{ID: id, Path: path, OpenedAt: time.Now(), store: store, keywords: kw}
	m.register(b)
	m.log.Info("Knowledge base loaded",
		zap.String("path", path),
		zap.String("backend", m.opts.Backend),
		zap.Int("chunks", len(records)),
	)
	return b, nil
}

// Build ingests the directory into the knowledge base. Without force only
// new or changed files are indexed; with force the index starts empty.
func (m *Manager) Build(ctx context.Context, p string, force bool) (*BuildResult, error) {
	path, err := m.ResolvePath(p)
	if err != nil {
		return nil, err
	}
	if !force && m.lookup(path) == nil {
		if _, err := m.load(ctx, path); err != nil {
			return nil, err
		}
	}
	return m.build(ctx, path, force)
}

func (m *Manager) build(ctx context.Context, path string, force bool) (*BuildResult, error) {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	start := time.Now()
	id := KBID(path)

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrEmptyKnowledgeBase, path)
	}
	loaded, err := m.processor.LoadDocuments(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(loaded.Documents) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyKnowledgeBase, path)
	}

	base := m.lookup(path)
	if force || base == nil {
		if base, err = m.freshBase(ctx, id, path, force); err != nil {
			return nil, err
		}
	}

	ingested, err := m.processor.Ingest(ctx, id, base.store, base.keywords, loaded.Documents)
	if err != nil {
		return nil, fmt.Errorf("failed to ingest %s: %w", path, err)
	}

	if p, ok := base.store.(vector.Persister); ok {
		if err := os.MkdirAll(m.IndexDir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		if err := p.Save(m.indexPath(path)); err != nil {
			return nil, fmt.Errorf("failed to persist index: %w", err)
		}
	}
	m.register(base)

	if m.cache != nil {
		if _, err := m.cache.InvalidateKB(ctx, id); err != nil {
			m.log.Warn("Failed to invalidate answer cache", zap.String("kb_id", id), zap.Error(err))
		}
	}

	total, err := base.store.Count(ctx)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	metrics.BuildDuration.Observe(elapsed.Seconds())
	m.log.Info("Knowledge base built",
		zap.String("path", path),
		zap.Bool("force", force),
		zap.Int("documents", ingested.Documents),
		zap.Int("chunks", ingested.Chunks),
		zap.Int("total_chunks", total),
		zap.Duration("duration", elapsed),
	)

	return &BuildResult{
		KBID:        id,
		Path:        path,
		Loaded:      len(loaded.Documents),
		LoadFailed:  loaded.Failed,
		Unsupported: loaded.Unsupported,
		Documents:   ingested.Documents,
		Skipped:     ingested.Skipped,
		Replaced:    ingested.Replaced,
		Chunks:      ingested.Chunks,
		Failed:      ingested.Failed,
		TotalChunks: total,
		Duration:    elapsed,
	}, nil
}

func (m *Manager) freshBase(ctx context.Context, id, path string, wipe bool) (*Base, error) {
	var store vector.Store
	switch m.opts.Backend {
	case BackendMilvus:
		s := m.milvus.ForKnowledgeBase(id)
		if wipe {
			if err := s.DeleteKnowledgeBase(ctx); err != nil {
				return nil, err
			}
		}
		store = s
	default:
		if wipe {
			if err := flat.Remove(m.indexPath(path)); err != nil {
				return nil, fmt.Errorf("failed to remove persisted index: %w", err)
			}
		}
		store = flat.New(m.embedder.Dimension(), m.log)
	}

	kw, err := keyword.New()
	if err != nil {
		return nil, err
	}
	return &Base{ID: id, Path: path, OpenedAt: time.Now(), store: store, keywords: kw}, nil
}

// Retrieve returns chunks similar to the query with similarity at or above
// threshold, best first. When none qualify, keyword matches are returned.
func (m *Manager) Retrieve(ctx context.Context, p, query string, topK int, threshold float64) ([]vector.SearchResult, error) {
	b, err := m.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = m.opts.SearchResults
	}

	start := time.Now()
	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	hits, err := b.store.Search(ctx, vecs[0], topK)
	if err != nil {
		return nil, err
	}
	metrics.RetrievalDuration.WithLabelValues("vector").Observe(time.Since(start).Seconds())

	kept := hits[:0]
	for _, h := range hits {
		if h.Similarity >= threshold {
			kept = append(kept, h)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Similarity > kept[j].Similarity })

	if len(kept) == 0 {
		kw, err := m.keywordSearch(b, query, topK)
		if err != nil {
			m.log.Warn("Keyword fallback failed", zap.Error(err))
		} else if len(kw) > 0 {
			m.log.Debug("Using keyword fallback", zap.Int("results", len(kw)))
			kept = kw
		}
	}

	metrics.RetrievedDocuments.Observe(float64(len(kept)))
	return kept, nil
}

// KeywordSearch runs a full text query against the knowledge base.
func (m *Manager) KeywordSearch(ctx context.Context, p, query string, topK int) ([]vector.SearchResult, error) {
	b, err := m.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = m.opts.SearchResults
	}
	return m.keywordSearch(b, query, topK)
}

func (m *Manager) keywordSearch(b *Base, query string, topK int) ([]vector.SearchResult, error) {
	start := time.Now()
	defer func() {
		metrics.RetrievalDuration.WithLabelValues("keyword").Observe(time.Since(start).Seconds())
	}()
	return b.keywords.Search(query, topK)
}

// Stats describes a knowledge base without opening it.
func (m *Manager) Stats(ctx context.Context, p string) (*Stats, error) {
	path, err := m.ResolvePath(p)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		KnowledgeBasePath: path,
		VectorDimension:   m.embedder.Dimension(),
		Backend:           m.opts.Backend,
	}
	if m.opts.Backend == BackendFlat {
		st.IndexPath = m.indexPath(path)
		st.Persisted = flat.Exists(st.IndexPath)
	}

	b := m.lookup(path)
	if b == nil {
		return st, nil
	}
	st.Initialized = true
	if st.DocumentCount, err = b.store.Count(ctx); err != nil {
		return nil, err
	}
	sources, err := b.store.Sources(ctx)
	if err != nil {
		return nil, err
	}
	st.SourceCount = len(sources)
	return st, nil
}

// Initialized reports whether any knowledge base is open.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bases) > 0
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.bases))
	for _, b := range m.bases {
		out = append(out, Info{ID: b.ID, Path: b.Path, OpenedAt: b.OpenedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for path, b := range m.bases {
		errs = append(errs, b.keywords.Close(), b.store.Close())
		delete(m.bases, path)
	}
	metrics.KnowledgeBasesOpen.Set(0)
	return errors.Join(errs...)
}
