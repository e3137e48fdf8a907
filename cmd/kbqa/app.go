package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/analyzer"
	"github.com/Fhyywen/shixun-qiu/internal/cache/redis"
	"github.com/Fhyywen/shixun-qiu/internal/chat"
	"github.com/Fhyywen/shixun-qiu/internal/embedding"
	"github.com/Fhyywen/shixun-qiu/internal/ingestion"
	"github.com/Fhyywen/shixun-qiu/internal/kg/neo4j"
	"github.com/Fhyywen/shixun-qiu/internal/knowledge"
	"github.com/Fhyywen/shixun-qiu/internal/llm"
	"github.com/Fhyywen/shixun-qiu/internal/pipeline"
	"github.com/Fhyywen/shixun-qiu/internal/query"
	"github.com/Fhyywen/shixun-qiu/internal/storage/sqlite"
	"github.com/Fhyywen/shixun-qiu/internal/vector/milvus"
	"github.com/Fhyywen/shixun-qiu/pkg/config"
	appLogger "github.com/Fhyywen/shixun-qiu/pkg/logger"
)

// app holds every component wired from the configuration. Optional backends
// are nil when disabled.
type app struct {
	cfg       *config.Config
	llm       *llm.Client
	embedder  embedding.Embedder
	processor *ingestion.Processor
	knowledge *knowledge.Manager
	pipelines *pipeline.Manager
	engine    *query.Engine
	analyzer  *analyzer.Analyzer

	chat    *chat.Store
	catalog *sqlite.Client
	cache   *redis.Client
	milvus  *milvus.Client
	graph   *neo4j.Client

	closers []func() error
}

type appOptions struct {
	// graph connects to neo4j when it is enabled in the configuration.
	graph bool
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if cfg.Redis.Enabled {
		if a.cache, err = redis.NewFromConfig(ctx, cfg.Redis); err != nil {
			// the cache is an optimisation, run without it
			appLogger.Warn("Redis unavailable, continuing without cache", zap.Error(err))
			a.cache, err = nil, nil
		} else {
			a.closers = append(a.closers, a.cache.Close)
		}
	}

	if a.llm, err = llm.NewFromConfig(cfg.LLM, cfg.Embedding.Model); err != nil {
		return a, err
	}

	if a.embedder, err = embedding.NewFromConfig(cfg.Embedding, a.llm); err != nil {
		return a, err
	}
	if a.cache != nil && cfg.Embedding.Provider == "openai" {
		a.embedder = embedding.NewCachedEmbedder(a.embedder, a.cache, appLogger.Named("embedding"))
	}

	if cfg.Catalog.Enabled {
		if dir := filepath.Dir(cfg.Catalog.Path); dir != "." {
			if err = os.MkdirAll(dir, 0o755); err != nil {
				return a, fmt.Errorf("failed to create catalog directory: %w", err)
			}
		}
		if a.catalog, err = sqlite.NewClient(cfg.Catalog.Path); err != nil {
			return a, err
		}
		a.closers = append(a.closers, a.catalog.Close)
		if err = a.catalog.InitSchema(ctx); err != nil {
			return a, err
		}
	}

	k := cfg.Knowledge
	var catalog ingestion.Catalog
	if a.catalog != nil {
		catalog = a.catalog
	}
	a.processor, err = ingestion.NewProcessor(a.embedder, catalog, ingestion.Options{
		ChunkSize:      k.ChunkSize,
		ChunkOverlap:   k.ChunkOverlap,
		ChunkStrategy:  k.ChunkStrategy,
		EmbeddingBatch: k.EmbeddingBatch,
		Workers:        k.LoadWorkers,
		SkipDirs:       []string{k.IndexDir},
		Commands: ingestion.Commands{
			PDF: k.PDFCommand,
			Doc: k.DocCommand,
			OCR: k.OCRCommand,
		},
	}, appLogger.Named("ingestion"))
	if err != nil {
		return a, err
	}

	var kbOpts []knowledge.Option
	if cfg.Vector.Backend == knowledge.BackendMilvus {
		if a.milvus, err = milvus.NewClient(ctx, cfg.Vector.Milvus, a.embedder.Dimension()); err != nil {
			return a, err
		}
		a.closers = append(a.closers, a.milvus.Close)
		if err = a.milvus.EnsureCollection(ctx); err != nil {
			return a, err
		}
		kbOpts = append(kbOpts, knowledge.WithMilvus(a.milvus))
	}
	if a.cache != nil {
		kbOpts = append(kbOpts, knowledge.WithAnswerCache(a.cache))
	}
	a.knowledge, err = knowledge.NewManager(knowledge.Options{
		DefaultPath:    k.DefaultPath,
		RootDir:        k.RootDir,
		IndexDir:       k.IndexDir,
		Backend:        cfg.Vector.Backend,
		SearchResults:  k.SearchResults,
		ScoreThreshold: k.ScoreThreshold,
	}, a.processor, a.embedder, appLogger.Named("knowledge"), kbOpts...)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, a.knowledge.Close)

	a.pipelines, err = pipeline.NewManager(pipeline.NewRAG(a.knowledge, a.llm, appLogger.Named("rag")), appLogger.Named("pipeline"))
	if err != nil {
		return a, err
	}
	if err = a.pipelines.LoadDir(cfg.Pipelines.Dir); err != nil {
		return a, err
	}

	if cfg.Chat.Enabled {
		a.chat, err = chat.Open(ctx, cfg.Chat,
			chat.WithTokenCounter(chat.NewTokenCounter("", appLogger.Named("tokens")).Count),
			chat.WithLogger(appLogger.Named("chat")),
		)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, a.chat.Close)
	}

	if opts.graph && cfg.Neo4j.Enabled {
		if a.graph, err = neo4j.NewClient(ctx, cfg.Neo4j, appLogger.Named("neo4j")); err != nil {
			appLogger.Warn("Neo4j unavailable, continuing without graph export", zap.Error(err))
			a.graph, err = nil, nil
		} else {
			a.closers = append(a.closers, func() error { return a.graph.Close(context.Background()) })
		}
	}

	var analyzerOpts []analyzer.Option
	if a.graph != nil {
		analyzerOpts = append(analyzerOpts, analyzer.WithGraph(a.graph))
	}
	a.analyzer = analyzer.New(a.processor.Registry(), k.IndexDir, appLogger.Named("analyzer"), analyzerOpts...)

	engineOpts := []query.Option{query.WithDefaultPipeline(cfg.Pipelines.Default)}
	if a.chat != nil {
		engineOpts = append(engineOpts, query.WithChat(a.chat))
	}
	if a.catalog != nil {
		engineOpts = append(engineOpts, query.WithCatalog(a.catalog))
	}
	if a.cache != nil {
		engineOpts = append(engineOpts, query.WithCache(a.cache))
	}
	a.engine = query.NewEngine(a.knowledge, a.pipelines, appLogger.Named("query"), engineOpts...)

	appLogger.Info("Components initialized",
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("embedder", a.embedder.Name()),
		zap.String("vector_backend", cfg.Vector.Backend),
		zap.Bool("chat", a.chat != nil),
		zap.Bool("catalog", a.catalog != nil),
		zap.Bool("cache", a.cache != nil),
		zap.Bool("graph", a.graph != nil),
	)
	return a, nil
}

// Close releases components in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
