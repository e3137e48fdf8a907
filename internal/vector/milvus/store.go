package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/metrics"
	"github.com/Fhyywen/shixun-qiu/internal/vector"
	"github.com/Fhyywen/shixun-qiu/pkg/circuitbreaker"
	"github.com/Fhyywen/shixun-qiu/pkg/config"
	"github.com/Fhyywen/shixun-qiu/pkg/logger"
	"github.com/Fhyywen/shixun-qiu/pkg/retry"
)

const (
	fieldChunkID     = "chunk_id"
	fieldKBID        = "kb_id"
	fieldDocID       = "doc_id"
	fieldSource      = "source"
	fieldTitle       = "title"
	fieldText        = "text"
	fieldContentHash = "content_hash"
	fieldMetadata    = "metadata"
	fieldEmbedding   = "embedding"
)

var outputFields = []string{fieldChunkID, fieldDocID, fieldSource, fieldTitle, fieldText, fieldContentHash, fieldMetadata}

// Client owns the connection and the shared collection. Every knowledge base
// gets a Store view filtered by its kb_id.
type Client struct {
	client         client.Client
	collectionName string
	dim            int
	nlist          int
	nprobe         int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
	log            *zap.Logger
}

func NewClient(ctx context.Context, cfg config.MilvusConfig, dim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Address,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	mc := newClient(c, cfg, dim, logger.Named("milvus"))
	mc.log.Info("Milvus client initialized",
		zap.String("address", cfg.Address),
		zap.String("collection", cfg.CollectionName),
	)
	return mc, nil
}

func newClient(c client.Client, cfg config.MilvusConfig, dim int, log *zap.Logger) *Client {
	cb := circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.BreakerStateChanged(name, int(to))
		},
		Logger: log,
	})

	mc := &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		dim:            dim,
		nlist:          cfg.NList,
		nprobe:         cfg.NProbe,
		cb:             cb,
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       3 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         log,
		},
		log: log,
	}
	if mc.nlist <= 0 {
		mc.nlist = 128
	}
	if mc.nprobe <= 0 {
		mc.nprobe = 10
	}
	return mc
}

// execute runs an idempotent SDK call behind the breaker with retries.
func (m *Client) execute(ctx context.Context, operation func() error) error {
	return m.cb.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, operation)
	})
}

// executeOnce is execute without retries, for inserts that would duplicate
// rows when replayed.
func (m *Client) executeOnce(ctx context.Context, operation func() error) error {
	return m.cb.Execute(ctx, operation)
}

func (m *Client) Close() error {
	return m.client.Close()
}

func varchar(name string, maxLen int) *entity.Field {
	return &entity.Field{
		Name:       name,
		DataType:   entity.FieldTypeVarChar,
		TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
	}
}

// EnsureCollection creates, indexes and loads the collection if needed.
func (m *Client) EnsureCollection(ctx context.Context) error {
	var has bool
	err := m.execute(ctx, func() error {
		var err error
		has, err = m.client.HasCollection(ctx, m.collectionName)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if has {
		return m.execute(ctx, func() error {
			return m.client.LoadCollection(ctx, m.collectionName, false)
		})
	}

	pk := varchar(fieldChunkID, 128)
	pk.PrimaryKey = true

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "knowledge base chunks",
		Fields: []*entity.Field{
			pk,
			varchar(fieldKBID, 64),
			varchar(fieldDocID, 64),
			varchar(fieldSource, 1024),
			varchar(fieldTitle, 512),
			varchar(fieldText, 16384),
			varchar(fieldContentHash, 64),
			varchar(fieldMetadata, 4096),
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(m.dim)},
			},
		},
	}

	err = m.executeOnce(ctx, func() error {
		return m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, m.nlist)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	err = m.execute(ctx, func() error {
		return m.client.CreateIndex(ctx, m.collectionName, fieldEmbedding, idx, false)
	})
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.execute(ctx, func() error {
		return m.client.LoadCollection(ctx, m.collectionName, false)
	})
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	m.log.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

// ForKnowledgeBase returns the Store of one knowledge base.
func (m *Client) ForKnowledgeBase(kbID string) *Store {
	return &Store{m: m, kbID: kbID}
}

type Store struct {
	m    *Client
	kbID string
}

var _ vector.Store = (*Store)(nil)

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func (s *Store) filter(extra ...string) string {
	parts := append([]string{fieldKBID + " == " + quote(s.kbID)}, extra...)
	return strings.Join(parts, " && ")
}

func (s *Store) Dimension() int { return s.m.dim }

// Close is a no-op; the shared connection is closed by Client.Close.
func (s *Store) Close() error { return nil }

func (s *Store) Add(ctx context.Context, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	n := len(records)
	ids := make([]string, n)
	kbIDs := make([]string, n)
	docIDs := make([]string, n)
	sources := make([]string, n)
	titles := make([]string, n)
	texts := make([]string, n)
	hashes := make([]string, n)
	metas := make([]string, n)
	embeddings := make([][]float32, n)

	for i, r := range records {
		if len(r.Embedding) != s.m.dim {
			return fmt.Errorf("%w: record %s has %d, collection has %d", vector.ErrDimensionMismatch, r.ID, len(r.Embedding), s.m.dim)
		}
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		ids[i] = r.ID
		kbIDs[i] = s.kbID
		docIDs[i] = r.DocID
		sources[i] = r.Source
		titles[i] = r.Title
		texts[i] = r.Text
		hashes[i] = r.ContentHash
		metas[i] = string(meta)
		embeddings[i] = r.Embedding
	}

	err := s.m.executeOnce(ctx, func() error {
		_, err := s.m.client.Insert(ctx, s.m.collectionName, "",
			entity.NewColumnVarChar(fieldChunkID, ids),
			entity.NewColumnVarChar(fieldKBID, kbIDs),
			entity.NewColumnVarChar(fieldDocID, docIDs),
			entity.NewColumnVarChar(fieldSource, sources),
			entity.NewColumnVarChar(fieldTitle, titles),
			entity.NewColumnVarChar(fieldText, texts),
			entity.NewColumnVarChar(fieldContentHash, hashes),
			entity.NewColumnVarChar(fieldMetadata, metas),
			entity.NewColumnFloatVector(fieldEmbedding, s.m.dim, embeddings),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	err = s.m.execute(ctx, func() error {
		return s.m.client.Flush(ctx, s.m.collectionName, false)
	})
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	s.m.log.Info("Chunks inserted", zap.String("kb_id", s.kbID), zap.Int("count", n))
	return nil
}

func (s *Store) Search(ctx context.Context, query []float32, k int) ([]vector.SearchResult, error) {
	if len(query) != s.m.dim {
		return nil, fmt.Errorf("%w: query has %d, collection has %d", vector.ErrDimensionMismatch, len(query), s.m.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(s.m.nprobe)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var res []client.SearchResult
	err = s.m.execute(ctx, func() error {
		var err error
		res, err = s.m.client.Search(ctx, s.m.collectionName, []string{}, s.filter(), outputFields,
			[]entity.Vector{entity.FloatVector(query)}, fieldEmbedding, entity.L2, k, sp)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var results []vector.SearchResult
	for _, sr := range res {
		for i := 0; i < sr.ResultCount; i++ {
			r, err := recordAt(sr.Fields, i)
			if err != nil {
				return nil, err
			}
			results = append(results, vector.SearchResult{
				Record:     r,
				Distance:   sr.Scores[i],
				Similarity: vector.SimilarityFromDistance(sr.Scores[i]),
			})
		}
	}
	return results, nil
}

func stringAt(cols client.ResultSet, name string, i int) (string, error) {
	col := cols.GetColumn(name)
	if col == nil {
		return "", fmt.Errorf("missing column %s", name)
	}
	v, err := col.Get(i)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	s, _ := v.(string)
	return s, nil
}

func recordAt(cols client.ResultSet, i int) (vector.Record, error) {
	var (
		r    vector.Record
		meta string
		err  error
	)
	targets := map[string]*string{
		fieldChunkID:     &r.ID,
		fieldDocID:       &r.DocID,
		fieldSource:      &r.Source,
		fieldTitle:       &r.Title,
		fieldText:        &r.Text,
		fieldContentHash: &r.ContentHash,
		fieldMetadata:    &meta,
	}
	for name, dst := range targets {
		if *dst, err = stringAt(cols, name, i); err != nil {
			return r, err
		}
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return r, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return r, nil
}

func (s *Store) query(ctx context.Context, expr string, fields ...string) (client.ResultSet, error) {
	var rs client.ResultSet
	err := s.m.execute(ctx, func() error {
		var err error
		rs, err = s.m.client.Query(ctx, s.m.collectionName, []string{}, expr, fields)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return rs, nil
}

func (s *Store) HasSource(ctx context.Context, source string) (bool, error) {
	rs, err := s.query(ctx, s.filter(fieldSource+" == "+quote(source)), fieldChunkID)
	if err != nil {
		return false, err
	}
	col := rs.GetColumn(fieldChunkID)
	return col != nil && col.Len() > 0, nil
}

func (s *Store) DeleteBySource(ctx context.Context, source string) (int, error) {
	rs, err := s.query(ctx, s.filter(fieldSource+" == "+quote(source)), fieldChunkID)
	if err != nil {
		return 0, err
	}
	col := rs.GetColumn(fieldChunkID)
	if col == nil || col.Len() == 0 {
		return 0, nil
	}

	ids := make([]string, 0, col.Len())
	for i := 0; i < col.Len(); i++ {
		v, _ := col.Get(i)
		if id, ok := v.(string); ok {
			ids = append(ids, quote(id))
		}
	}
	expr := fieldChunkID + " in [" + strings.Join(ids, ",") + "]"
	err = s.m.execute(ctx, func() error {
		return s.m.client.Delete(ctx, s.m.collectionName, "", expr)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return len(ids), nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	rs, err := s.query(ctx, s.filter(), fieldChunkID)
	if err != nil {
		return 0, err
	}
	if col := rs.GetColumn(fieldChunkID); col != nil {
		return col.Len(), nil
	}
	return 0, nil
}

func (s *Store) Sources(ctx context.Context) ([]vector.SourceInfo, error) {
	rs, err := s.query(ctx, s.filter(), fieldSource, fieldContentHash)
	if err != nil {
		return nil, err
	}
	col := rs.GetColumn(fieldSource)
	if col == nil {
		return nil, nil
	}
	records := make([]vector.Record, col.Len())
	for i := range records {
		if records[i].Source, err = stringAt(rs, fieldSource, i); err != nil {
			return nil, err
		}
		if records[i].ContentHash, err = stringAt(rs, fieldContentHash, i); err != nil {
			return nil, err
		}
	}
	return vector.SummarizeSources(records), nil
}

// Records loads every chunk of the knowledge base without embeddings.
func (s *Store) Records(ctx context.Context) ([]vector.Record, error) {
	rs, err := s.query(ctx, s.filter(), outputFields...)
	if err != nil {
		return nil, err
	}
	col := rs.GetColumn(fieldChunkID)
	if col == nil {
		return nil, nil
	}
	out := make([]vector.Record, 0, col.Len())
	for i := 0; i < col.Len(); i++ {
		r, err := recordAt(rs, i)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteKnowledgeBase removes every chunk of the knowledge base.
func (s *Store) DeleteKnowledgeBase(ctx context.Context) error {
	err := s.m.execute(ctx, func() error {
		return s.m.client.Delete(ctx, s.m.collectionName, "", s.filter())
	})
	if err != nil {
		return fmt.Errorf("failed to delete knowledge base chunks: %w", err)
	}
	return nil
}
