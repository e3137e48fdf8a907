package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/embedding"
	"github.com/Fhyywen/shixun-qiu/internal/llm"
	"github.com/Fhyywen/shixun-qiu/internal/query"
	"github.com/Fhyywen/shixun-qiu/internal/vector"
)

var ErrLengthMismatch = errors.New("queries and ground truths must have the same length")

// Retriever is satisfied by knowledge.Manager.
type Retriever interface {
	Retrieve(ctx context.Context, kbPath, query string, topK int, threshold float64) ([]vector.SearchResult, error)
}

// Answerer is satisfied by query.Engine.
type Answerer interface {
	Ask(ctx context.Context, req query.AskRequest) (*query.AskResponse, error)
}

// Judge is satisfied by llm.Client.
type Judge interface {
	EvaluateResponse(ctx context.Context, question, answer, reference string) (*llm.EvaluationScore, error)
}

type Evaluator struct {
	retriever Retriever
	answerer  Answerer
	judge     Judge
	embedder  embedding.Embedder

	kbPath   string
	pipeline string
	topK     int
	log      *zap.Logger
}

type Option func(*Evaluator)

// WithJudge scores generated answers with an LLM.
func WithJudge(j Judge) Option {
	return func(e *Evaluator) {
		if c, ok := j.(*llm.Client); ok && c == nil {
			return
		}
		e.judge = j
	}
}

// WithEmbedder adds the cosine similarity between answers and references.
func WithEmbedder(emb embedding.Embedder) Option { return func(e *Evaluator) { e.embedder = emb } }

func WithPipeline(name string) Option { return func(e *Evaluator) { e.pipeline = name } }

func NewEvaluator(retriever Retriever, answerer Answerer, kbPath string, log *zap.Logger, opts ...Option) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Evaluator{
		retriever: retriever,
		answerer:  answerer,
		kbPath:    kbPath,
		topK:      5,
		log:       log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type TestCase struct {
	Query           string   `json:"query"`
	RelevantDocs    []string `json:"relevant_docs,omitempty"`
	ReferenceAnswer string   `json:"reference_answer,omitempty"`
}

type RetrievalMetrics struct {
	PrecisionAtK float64 `json:"precision@k"`
	RecallAtK    float64 `json:"recall@k"`
	F1AtK        float64 `json:"f1_score@k"`
	PrecisionStd float64 `json:"precision_std"`
	RecallStd    float64 `json:"recall_std"`
	K            int     `json:"k"`
	Queries      int     `json:"queries"`
}

type GenerationMetrics struct {
	ExactMatch   float64 `json:"exact_match"`
	TotalQueries int     `json:"total_queries"`
}

type JudgeSummary struct {
	Judged          int            `json:"judged"`
	AvgRelevance    float64        `json:"avg_relevance"`
	AvgAccuracy     float64        `json:"avg_accuracy"`
	AvgCompleteness float64        `json:"avg_completeness"`
	AvgFaithfulness float64        `json:"avg_faithfulness"`
	Classifications map[string]int `json:"classifications"`
}

type EndToEndMetrics struct {
	RetrievalPrecision *float64      `json:"retrieval_precision,omitempty"`
	RetrievalRecall    *float64      `json:"retrieval_recall,omitempty"`
	RetrievalF1        *float64      `json:"retrieval_f1,omitempty"`
	GenerationOverlap  *float64      `json:"generation_overlap,omitempty"`
	CosineSimilarity   *float64      `json:"cosine_similarity,omitempty"`
	Judge              *JudgeSummary `json:"judge,omitempty"`
	Cases              int           `json:"cases"`
}

type Report struct {
	GeneratedAt       time.Time          `json:"generated_at"`
	KnowledgeBasePath string             `json:"knowledge_base_path"`
	Pipeline          string             `json:"pipeline,omitempty"`
	Retrieval         *RetrievalMetrics  `json:"retrieval,omitempty"`
	Generation        *GenerationMetrics `json:"generation,omitempty"`
	EndToEnd          *EndToEndMetrics   `json:"end_to_end,omitempty"`
}

func (e *Evaluator) NewReport() *Report {
	return &Report{GeneratedAt: time.Now(), KnowledgeBasePath: e.kbPath, Pipeline: e.pipeline}
}

// LoadDataset reads a JSON array of test cases.
func LoadDataset(path string) ([]TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	var cases []TestCase
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	return cases, nil
}

// matches reports whether a retrieved chunk is the ground-truth id by chunk
// id, document id, source path, file name or title.
func matches(doc vector.SearchResult, id string) bool {
	return id != "" && (doc.ID == id || doc.DocID == id || doc.Source == id ||
		filepath.Base(doc.Source) == id || doc.Title == id)
}

// precisionRecall counts retrieved chunks matching any ground truth for
// precision and distinct ground truths found for recall.
func precisionRecall(docs []vector.SearchResult, truths []string) (float64, float64, float64) {
	relevantDocs := 0
	found := make(map[string]bool)
	for _, d := range docs {
		hit := false
		for _, t := range truths {
			if matches(d, t) {
				hit = true
				found[t] = true
			}
		}
		if hit {
			relevantDocs++
		}
	}
	var precision, recall float64
	if len(docs) > 0 {
		precision = float64(relevantDocs) / float64(len(docs))
	}
	if len(truths) > 0 {
		recall = float64(len(found)) / float64(len(truths))
	}
	return precision, recall, f1(precision, recall)
}

func f1(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (e *Evaluator) EvaluateRetrieval(ctx context.Context, queries []string, groundTruths [][]string, k int) (*RetrievalMetrics, error) {
	if len(queries) != len(groundTruths) {
		return nil, ErrLengthMismatch
	}
	if k <= 0 {
		k = e.topK
	}
	e.log.Info("Evaluating retrieval", zap.Int("queries", len(queries)), zap.Int("k", k))

	precisions := make([]float64, 0, len(queries))
	recalls := make([]float64, 0, len(queries))
	f1s := make([]float64, 0, len(queries))
	for i, q := range queries {
		docs, err := e.retriever.Retrieve(ctx, e.kbPath, q, k, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve for query %d: %w", i, err)
		}
		p, r, f := precisionRecall(docs, groundTruths[i])
		precisions = append(precisions, p)
		recalls = append(recalls, r)
		f1s = append(f1s, f)
	}

	return &RetrievalMetrics{
		PrecisionAtK: mean(precisions),
		RecallAtK:    mean(recalls),
		F1AtK:        mean(f1s),
		PrecisionStd: std(precisions),
		RecallStd:    std(recalls),
		K:            k,
		Queries:      len(queries),
	}, nil
}

func (e *Evaluator) ask(ctx context.Context, q string) (string, error) {
	resp, err := e.answerer.Ask(ctx, query.AskRequest{
		Question:          q,
		KnowledgeBasePath: e.kbPath,
		Pipeline:          e.pipeline,
		UserID:            "evaluator",
	})
	if err != nil {
		return "", err
	}
	return resp.Answer, nil
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (e *Evaluator) EvaluateGeneration(ctx context.Context, queries, references []string) (*GenerationMetrics, error) {
	if len(queries) != len(references) {
		return nil, ErrLengthMismatch
	}
	m := &GenerationMetrics{TotalQueries: len(queries)}
	if len(queries) == 0 {
		return m, nil
	}
	exact := 0
	for i, q := range queries {
		answer, err := e.ask(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to answer query %d: %w", i, err)
		}
		if normalize(answer) == normalize(references[i]) {
			exact++
		}
	}
	m.ExactMatch = float64(exact) / float64(len(queries))
	return m, nil
}

// TokenOverlap is the share of reference tokens present in the answer.
func TokenOverlap(answer, reference string) (float64, bool) {
	ref := tokenSet(normalize(reference))
	if len(ref) == 0 {
		return 0, false
	}
	ans := tokenSet(normalize(answer))
	hits := 0
	for t := range ref {
		if ans[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(ref)), true
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range embedding.Features(s) {
		out[f] = true
	}
	return out
}

func (e *Evaluator) EvaluateEndToEnd(ctx context.Context, cases []TestCase) (*EndToEndMetrics, error) {
	e.log.Info("Running end-to-end evaluation", zap.Int("cases", len(cases)))

	var (
		precisions, recalls, f1s []float64
		overlaps, cosines        []float64
		judge                    *JudgeSummary
	)
	for i, tc := range cases {
		if len(tc.RelevantDocs) > 0 {
			docs, err := e.retriever.Retrieve(ctx, e.kbPath, tc.Query, e.topK, 0)
			if err != nil {
				return nil, fmt.Errorf("failed to retrieve for case %d: %w", i, err)
			}
			p, r, f := precisionRecall(docs, tc.RelevantDocs)
			precisions = append(precisions, p)
			recalls = append(recalls, r)
			f1s = append(f1s, f)
		}

		if tc.ReferenceAnswer == "" {
			continue
		}
		answer, err := e.ask(ctx, tc.Query)
		if err != nil {
			return nil, fmt.Errorf("failed to answer case %d: %w", i, err)
		}
		if o, ok := TokenOverlap(answer, tc.ReferenceAnswer); ok {
			overlaps = append(overlaps, o)
		}
		if e.embedder != nil {
			sim, err := e.cosine(ctx, answer, tc.ReferenceAnswer)
			if err != nil {
				e.log.Warn("Failed to calculate cosine similarity", zap.Error(err))
			} else {
				cosines = append(cosines, sim)
			}
		}
		if e.judge != nil {
			score, err := e.judge.EvaluateResponse(ctx, tc.Query, answer, tc.ReferenceAnswer)
			if err != nil {
				e.log.Warn("LLM judge failed", zap.Int("case", i), zap.Error(err))
				continue
			}
			if judge == nil {
				judge = &JudgeSummary{Classifications: make(map[string]int)}
			}
			judge.add(score)
		}
	}

	m := &EndToEndMetrics{Cases: len(cases)}
	if len(precisions) > 0 {
		m.RetrievalPrecision = ptr(mean(precisions))
		m.RetrievalRecall = ptr(mean(recalls))
		m.RetrievalF1 = ptr(mean(f1s))
	}
	if len(overlaps) > 0 {
		m.GenerationOverlap = ptr(mean(overlaps))
	}
	if len(cosines) > 0 {
		m.CosineSimilarity = ptr(mean(cosines))
	}
	if judge != nil {
		judge.finish()
		m.Judge = judge
	}
	return m, nil
}

func (j *JudgeSummary) add(s *llm.EvaluationScore) {
	j.Judged++
	j.AvgRelevance += s.Relevance
	j.AvgAccuracy += s.Accuracy
	j.AvgCompleteness += s.Completeness
	j.AvgFaithfulness += s.Faithfulness
	if s.Classification != "" {
		j.Classifications[s.Classification]++
	}
}

func (j *JudgeSummary) finish() {
	n := float64(j.Judged)
	j.AvgRelevance /= n
	j.AvgAccuracy /= n
	j.AvgCompleteness /= n
	j.AvgFaithfulness /= n
}

func (e *Evaluator) cosine(ctx context.Context, a, b string) (float64, error) {
	vecs, err := e.embedder.Embed(ctx, []string{a, b})
	if err != nil {
		return 0, err
	}
	return cosineSimilarity(vecs[0], vecs[1]), nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// std is the population standard deviation.
func std(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return math.Sqrt(sum / float64(len(xs)))
}

func ptr(f float64) *float64 { return &f }

func SaveReport(path string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func FormatReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\nEvaluation Report\n=================\n\nKnowledge base: %s\n", r.KnowledgeBasePath)
	if r.Pipeline != "" {
		fmt.Fprintf(&b, "Pipeline: %s\n", r.Pipeline)
	}
	if m := r.Retrieval; m != nil {
		fmt.Fprintf(&b, "\nRetrieval (k=%d, %d queries):\n- Precision@k: %.3f (std %.3f)\n- Recall@k: %.3f (std %.3f)\n- F1@k: %.3f\n",
			m.K, m.Queries, m.PrecisionAtK, m.PrecisionStd, m.RecallAtK, m.RecallStd, m.F1AtK)
	}
	if m := r.Generation; m != nil {
		fmt.Fprintf(&b, "\nGeneration (%d queries):\n- Exact match: %.3f\n", m.TotalQueries, m.ExactMatch)
	}
	if m := r.EndToEnd; m != nil {
		fmt.Fprintf(&b, "\nEnd to end (%d cases):\n", m.Cases)
		writeMetric(&b, "Retrieval precision", m.RetrievalPrecision)
		writeMetric(&b, "Retrieval recall", m.RetrievalRecall)
		writeMetric(&b, "Retrieval F1", m.RetrievalF1)
		writeMetric(&b, "Token overlap", m.GenerationOverlap)
		writeMetric(&b, "Cosine similarity", m.CosineSimilarity)
		if j := m.Judge; j != nil {
			fmt.Fprintf(&b, "\nLLM judge (%d answers):\n- Relevance: %.2f / 3.0\n- Accuracy: %.2f / 3.0\n- Completeness: %.2f / 3.0\n- Faithfulness: %.2f / 3.0\n",
				j.Judged, j.AvgRelevance, j.AvgAccuracy, j.AvgCompleteness, j.AvgFaithfulness)
			for _, c := range []string{"irrelevant", "moderate", "fully_relevant"} {
				fmt.Fprintf(&b, "- %s: %d\n", c, j.Classifications[c])
			}
		}
	}
	return b.String()
}

func writeMetric(b *strings.Builder, name string, v *float64) {
	if v != nil {
		fmt.Fprintf(b, "- %s: %.3f\n", name, *v)
	}
}
