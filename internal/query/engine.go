package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Fhyywen/shixun-qiu/internal/cache/redis"
	"github.com/Fhyywen/shixun-qiu/internal/chat"
	"github.com/Fhyywen/shixun-qiu/internal/knowledge"
	"github.com/Fhyywen/shixun-qiu/internal/llm"
	"github.com/Fhyywen/shixun-qiu/internal/metrics"
	"github.com/Fhyywen/shixun-qiu/internal/pipeline"
	"github.com/Fhyywen/shixun-qiu/internal/storage/models"
	"github.com/Fhyywen/shixun-qiu/internal/storage/sqlite"
	"github.com/Fhyywen/shixun-qiu/internal/vector"
	"github.com/Fhyywen/shixun-qiu/pkg/utils"
)

const (
	DefaultPipeline = "vanilla_rag_pipeline"

	historyLimit     = 20
	titleRunes       = 30
	snippetRunes     = 200
	batchConcurrency = 4

	EventStep   = "step"
	EventAnswer = "answer"
	EventError  = "error"
)

var (
	ErrEmptyQuestion = errors.New("question is empty")
	ErrNoCatalog     = errors.New("query catalog is not configured")
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
)

type Engine struct {
	knowledge *knowledge.Manager
	pipelines *pipeline.Manager
	chat      *chat.Store
	cache     *redis.Client
	catalog   *sqlite.Client

	defaultPipeline string
	log             *zap.Logger
}

// Option wires an optional backend into the engine. Every backend may be
// absent; persistence is skipped for the missing ones.
type Option func(*Engine)

func WithChat(s *chat.Store) Option          { return func(e *Engine) { e.chat = s } }
func WithCache(c *redis.Client) Option       { return func(e *Engine) { e.cache = c } }
func WithCatalog(c *sqlite.Client) Option    { return func(e *Engine) { e.catalog = c } }
func WithDefaultPipeline(name string) Option { return func(e *Engine) { e.defaultPipeline = name } }

func NewEngine(kb *knowledge.Manager, pipelines *pipeline.Manager, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		knowledge:       kb,
		pipelines:       pipelines,
		defaultPipeline: DefaultPipeline,
		log:             log,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.defaultPipeline == "" {
		e.defaultPipeline = DefaultPipeline
	}
	return e
}

type AskRequest struct {
	Question          string `json:"question" form:"question"`
	KnowledgeBasePath string `json:"knowledge_base_path" form:"knowledge_base_path"`
	SessionID         string `json:"session_id,omitempty" form:"session_id"`
	UserID            string `json:"user_id,omitempty" form:"user_id"`
	Pipeline          string `json:"pipeline,omitempty" form:"pipeline"`
	TopK              int    `json:"top_k,omitempty" form:"top_k"`
}

type AskResponse struct {
	ID         string   `json:"query_id"`
	Question   string   `json:"question"`
	Answer     string   `json:"answer"`
	Sources    []Source `json:"sources"`
	Confidence float64  `json:"confidence"`
	SourceType string   `json:"source_type"`
	SessionID  string   `json:"session_id,omitempty"`
	Pipeline   string   `json:"pipeline"`
	LatencyMS  int      `json:"latency_ms"`
	Cached     bool     `json:"cached"`
}

type Source struct {
	Source     string  `json:"source"`
	Title      string  `json:"title"`
	ChunkID    string  `json:"chunk_id"`
	DocID      string  `json:"doc_id"`
	Similarity float64 `json:"similarity"`
	Snippet    string  `json:"snippet"`
}

// Event is what Stream sends: step progress, then one answer or error.
type Event struct {
	Type   string          `json:"type"`
	Step   *pipeline.Event `json:"step,omitempty"`
	Answer *AskResponse    `json:"answer,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// cachedAnswer is the part of a response worth reusing across sessions.
type cachedAnswer struct {
	Answer     string   `json:"answer"`
	Sources    []Source `json:"sources"`
	Confidence float64  `json:"confidence"`
	SourceType string   `json:"source_type"`
}

func (e *Engine) Pipelines() *pipeline.Manager  { return e.pipelines }
func (e *Engine) Knowledge() *knowledge.Manager { return e.knowledge }
func (e *Engine) Chat() *chat.Store             { return e.chat }
func (e *Engine) Catalog() *sqlite.Client       { return e.catalog }
func (e *Engine) Cache() *redis.Client          { return e.cache }

func (e *Engine) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	return e.ask(ctx, req, nil)
}

// Stream answers like Ask and reports pipeline steps on events as they
// finish. It closes events when done.
func (e *Engine) Stream(ctx context.Context, req AskRequest, events chan<- Event) {
	defer close(events)
	send := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	resp, err := e.ask(ctx, req, func(ev pipeline.Event) {
		send(Event{Type: EventStep, Step: &ev})
	})
	if err != nil {
		send(Event{Type: EventError, Error: err.Error()})
		return
	}
	send(Event{Type: EventAnswer, Answer: resp})
}

type BatchResult struct {
	Response *AskResponse `json:"response,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// BatchAsk answers questions concurrently. A failed question does not fail
// the batch; results keep the input order.
func (e *Engine) BatchAsk(ctx context.Context, reqs []AskRequest) ([]BatchResult, error) {
	out := make([]BatchResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			resp, err := e.Ask(gctx, req)
			if err != nil {
				out[i].Error = err.Error()
				return nil
			}
			out[i].Response = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) ask(ctx context.Context, req AskRequest, observer func(pipeline.Event)) (*AskResponse, error) {
	start := time.Now()
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	name := req.Pipeline
	if name == "" {
		name = e.defaultPipeline
	}
	if _, err := e.pipelines.Get(name); err != nil {
		return nil, err
	}

	path, err := e.knowledge.ResolvePath(req.KnowledgeBasePath)
	if err != nil {
		return nil, err
	}
	kbID := knowledge.KBID(path)

	userID := req.UserID
	if userID == "" {
		userID = chat.DefaultUserID
	}
	queryID := uuid.New().String()

	e.log.Info("Processing question",
		zap.String("query_id", queryID),
		zap.String("pipeline", name),
		zap.String("knowledge_base", path),
	)

	sessionID, history, created := e.session(ctx, req.SessionID, userID, path, question)

	resp := &AskResponse{
		ID:        queryID,
		Question:  question,
		SessionID: sessionID,
		Pipeline:  name,
	}

	cacheKey := answerCacheKey(name, question, req.TopK)
	if len(history) == 0 && e.lookupCache(ctx, kbID, cacheKey, resp) {
		resp.Cached = true
	} else {
		pc, err := e.pipelines.Execute(ctx, name, pipeline.Request{
			Query:             question,
			KnowledgeBasePath: path,
			SessionID:         sessionID,
			History:           history,
			TopK:              req.TopK,
			Observer:          observer,
		})
		if err != nil {
			metrics.AskTotal.WithLabelValues(name, "error").Inc()
			if created {
				e.discardSession(ctx, sessionID)
			}
			return nil, err
		}
		resp.Answer = pc.Answer()
		resp.Sources = SourcesFrom(pc.Documents())
		resp.Confidence = pc.Confidence()
		resp.SourceType = pc.SourceType()

		if len(history) == 0 {
			e.storeCache(ctx, kbID, cacheKey, resp)
		}
	}
	resp.LatencyMS = int(time.Since(start).Milliseconds())

	e.persist(ctx, kbID, path, userID, resp)

	metrics.AskDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	metrics.AskTotal.WithLabelValues(name, "success").Inc()
	metrics.AnswerSource.WithLabelValues(resp.SourceType).Inc()
	metrics.ConfidenceScore.Observe(resp.Confidence)

	e.log.Info("Question answered",
		zap.String("query_id", queryID),
		zap.String("source_type", resp.SourceType),
		zap.Float64("confidence", resp.Confidence),
		zap.Int("sources", len(resp.Sources)),
		zap.Bool("cached", resp.Cached),
		zap.Int("latency_ms", resp.LatencyMS),
	)
	return resp, nil
}

// session returns the session to record into, its prior history and whether
// it was created for this question. An unknown session id starts a new session.
func (e *Engine) session(ctx context.Context, sessionID, userID, kbPath, question string) (string, []llm.Message, bool) {
	if e.chat == nil {
		return sessionID, nil, false
	}
	if sessionID != "" {
		_, err := e.chat.GetSession(ctx, sessionID)
		switch {
		case err == nil:
			msgs, err := e.chat.History(ctx, sessionID, historyLimit)
			if err != nil {
				e.log.Warn("Failed to load chat history", zap.String("session_id", sessionID), zap.Error(err))
				return sessionID, nil, false
			}
			return sessionID, toLLMMessages(msgs), false
		case errors.Is(err, chat.ErrSessionNotFound):
			e.log.Info("Unknown session, starting a new one", zap.String("session_id", sessionID))
		default:
			e.log.Warn("Failed to load session", zap.String("session_id", sessionID), zap.Error(err))
			return sessionID, nil, false
		}
	}

	s, err := e.chat.CreateSession(ctx, userID, kbPath, utils.Truncate(question, titleRunes))
	if err != nil {
		e.log.Warn("Failed to create chat session", zap.Error(err))
		return "", nil, false
	}
	return s.SessionID, nil, true
}

// discardSession drops a session created for a question that was never
// answered. It outlives ctx, which may be the reason the question failed.
func (e *Engine) discardSession(ctx context.Context, sessionID string) {
	if err := e.chat.DeleteSession(context.WithoutCancel(ctx), sessionID); err != nil {
		e.log.Warn("Failed to discard unanswered session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func toLLMMessages(msgs []chat.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func answerCacheKey(pipelineName, question string, topK int) string {
	return utils.HashString(fmt.Sprintf("%s\x00%d\x00%s", pipelineName, topK, question))
}

func (e *Engine) lookupCache(ctx context.Context, kbID, key string, resp *AskResponse) bool {
	if e.cache == nil {
		return false
	}
	var cached cachedAnswer
	found, err := e.cache.GetAnswer(ctx, kbID, key, &cached)
	if err != nil {
		e.log.Warn("Answer cache lookup failed", zap.Error(err))
		return false
	}
	if !found {
		metrics.CacheMisses.WithLabelValues("answer").Inc()
		return false
	}
	metrics.CacheHits.WithLabelValues("answer").Inc()
	resp.Answer = cached.Answer
	resp.Sources = cached.Sources
	resp.Confidence = cached.Confidence
	resp.SourceType = cached.SourceType
	return true
}

func (e *Engine) storeCache(ctx context.Context, kbID, key string, resp *AskResponse) {
	if e.cache == nil {
		return
	}
	err := e.cache.SetAnswer(ctx, kbID, key, cachedAnswer{
		Answer:     resp.Answer,
		Sources:    resp.Sources,
		Confidence: resp.Confidence,
		SourceType: resp.SourceType,
	})
	if err != nil {
		e.log.Warn("Failed to cache answer", zap.Error(err))
	}
}

// SourcesFrom describes retrieved chunks for API responses.
func SourcesFrom(docs []vector.SearchResult) []Source {
	out := make([]Source, 0, len(docs))
	for _, d := range docs {
		out = append(out, Source{
			Source:     d.Source,
			Title:      d.Title,
			ChunkID:    d.ID,
			DocID:      d.DocID,
			Similarity: d.Similarity,
			Snippet:    utils.Truncate(d.Text, snippetRunes),
		})
	}
	return out
}

// persist records the exchange. Failures are logged and never reach the caller.
func (e *Engine) persist(ctx context.Context, kbID, kbPath, userID string, resp *AskResponse) {
	if e.chat != nil && resp.SessionID != "" {
		e.persistChat(ctx, kbPath, resp)
	}
	if e.catalog != nil {
		e.persistCatalog(ctx, kbID, userID, resp)
	}
}

func (e *Engine) persistChat(ctx context.Context, kbPath string, resp *AskResponse) {
	if _, err := e.chat.AddMessage(ctx, resp.SessionID, chat.RoleUser, resp.Question, nil); err != nil {
		e.log.Warn("Failed to save user message", zap.String("session_id", resp.SessionID), zap.Error(err))
		return
	}

	names := make([]string, 0, len(resp.Sources))
	for _, s := range resp.Sources {
		names = append(names, s.Source)
	}
	meta := chat.Metadata{
		"sources":     names,
		"confidence":  resp.Confidence,
		"pipeline":    resp.Pipeline,
		"source_type": resp.SourceType,
		"query_id":    resp.ID,
	}
	if _, err := e.chat.AddMessage(ctx, resp.SessionID, chat.RoleAssistant, resp.Answer, meta); err != nil {
		e.log.Warn("Failed to save assistant message", zap.String("session_id", resp.SessionID), zap.Error(err))
		return
	}

	var avg float64
	for _, s := range resp.Sources {
		avg += s.Similarity
	}
	if len(resp.Sources) > 0 {
		avg /= float64(len(resp.Sources))
	}
	err := e.chat.RecordUsage(ctx, &chat.Usage{
		SessionID:         resp.SessionID,
		KnowledgeBasePath: kbPath,
		Question:          resp.Question,
		SimilarDocsCount:  len(resp.Sources),
		AverageSimilarity: avg,
	})
	if err != nil {
		e.log.Warn("Failed to record knowledge base usage", zap.Error(err))
	}
}

func (e *Engine) persistCatalog(ctx context.Context, kbID, userID string, resp *AskResponse) {
	err := e.catalog.InsertQuery(ctx, &models.QueryRecord{
		ID:             resp.ID,
		KBID:           kbID,
		SessionID:      resp.SessionID,
		UserID:         userID,
		Pipeline:       resp.Pipeline,
		QueryText:      resp.Question,
		Response:       resp.Answer,
		Confidence:     resp.Confidence,
		SourceType:     resp.SourceType,
		DocumentsCount: len(resp.Sources),
		LatencyMS:      resp.LatencyMS,
	})
	if err != nil {
		e.log.Warn("Failed to record query", zap.Error(err))
		return
	}
	for _, s := range resp.Sources {
		err := e.catalog.InsertQuerySource(ctx, &models.QuerySource{
			QueryID:    resp.ID,
			Source:     s.Source,
			Title:      s.Title,
			ChunkID:    s.ChunkID,
			Similarity: s.Similarity,
		})
		if err != nil {
			e.log.Warn("Failed to record query source", zap.Error(err))
		}
	}
}

// Feedback stores a rating for an answered query.
func (e *Engine) Feedback(ctx context.Context, fb *models.Feedback) error {
	if e.catalog == nil {
		return ErrNoCatalog
	}
	if fb.Rating < 1 || fb.Rating > 5 {
		return fmt.Errorf("%w, got %d", ErrInvalidRating, fb.Rating)
	}
	if err := e.catalog.InsertFeedback(ctx, fb); err != nil {
		return err
	}
	metrics.FeedbackRating.Observe(float64(fb.Rating))
	return nil
}
