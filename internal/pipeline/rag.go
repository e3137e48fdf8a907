package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/llm"
	"github.com/Fhyywen/shixun-qiu/internal/vector"
	"github.com/Fhyywen/shixun-qiu/pkg/utils"
)

const (
	SourceLLM           = "llm"
	SourceKnowledgeBase = "knowledge_base"
	SourceNone          = "none"

	NoDocumentsAnswer = "抱歉，我没有在知识库中找到相关信息。"
	extractiveHeader  = "基于知识库，我找到了以下相关信息：\n\n"
)

// Retriever is satisfied by knowledge.Manager.
type Retriever interface {
	Retrieve(ctx context.Context, kbPath, query string, topK int, threshold float64) ([]vector.SearchResult, error)
	KeywordSearch(ctx context.Context, kbPath, query string, topK int) ([]vector.SearchResult, error)
}

// Generator is satisfied by llm.Client.
type Generator interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// RAG holds what every step and workflow shares: retrieval and generation.
// Without a generator answers are extractive.
type RAG struct {
	retriever Retriever
	generator Generator
	log       *zap.Logger
}

func NewRAG(retriever Retriever, generator Generator, log *zap.Logger) *RAG {
	if c, ok := generator.(*llm.Client); ok && c == nil {
		generator = nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RAG{retriever: retriever, generator: generator, log: log}
}

func (r *RAG) HasLLM() bool { return r.generator != nil }

func (r *RAG) Retrieve(ctx context.Context, kbPath, query string, topK int, threshold float64) ([]vector.SearchResult, error) {
	return r.retriever.Retrieve(ctx, kbPath, query, topK, threshold)
}

func (r *RAG) KeywordRetrieve(ctx context.Context, kbPath, query string, topK int) ([]vector.SearchResult, error) {
	return r.retriever.KeywordSearch(ctx, kbPath, query, topK)
}

type GenerateRequest struct {
	Prompt      string
	History     []llm.Message
	Temperature float32
	Documents   []vector.SearchResult
}

// Generate answers a rendered prompt. It returns the answer and its source type.
func (r *RAG) Generate(ctx context.Context, req GenerateRequest) (string, string, error) {
	if r.generator == nil {
		if len(req.Documents) == 0 {
			return NoDocumentsAnswer, SourceNone, nil
		}
		return ExtractiveAnswer(req.Documents), SourceKnowledgeBase, nil
	}

	resp, err := r.generator.Complete(ctx, llm.CompletionRequest{
		UserPrompt:  req.Prompt,
		History:     req.History,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate answer: %w", err)
	}
	if len(req.Documents) == 0 {
		return resp.Content, SourceNone, nil
	}
	return resp.Content, SourceLLM, nil
}

// ExtractiveAnswer lists the retrieved passages with their titles.
func ExtractiveAnswer(docs []vector.SearchResult) string {
	if len(docs) == 0 {
		return NoDocumentsAnswer
	}
	blocks := make([]string, len(docs))
	for i, d := range docs {
		title := d.Title
		if title == "" {
			title = d.Source
		}
		blocks[i] = fmt.Sprintf("[来自: %s]\n%s", title, d.Text)
	}
	return extractiveHeader + strings.Join(blocks, "\n\n")
}

// BuildContext joins document texts and cuts the result to maxRunes.
func BuildContext(docs []vector.SearchResult, maxRunes int) string {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	joined := strings.Join(texts, "\n\n")
	if maxRunes > 0 {
		joined = utils.Truncate(joined, maxRunes)
	}
	return joined
}

// RenderPrompt fills the {context} and {query} placeholders.
func RenderPrompt(template, context, query string) string {
	return strings.NewReplacer("{context}", context, "{query}", query).Replace(template)
}

// MeanSimilarity averages document similarities; zero for no documents.
func MeanSimilarity(docs []vector.SearchResult) float64 {
	if len(docs) == 0 {
		return 0
	}
	var sum float64
	for _, d := range docs {
		sum += d.Similarity
	}
	return sum / float64(len(docs))
}

// ConfidenceFromDocuments scores an answer by how much support was retrieved:
// 0.3 with nothing, otherwise 0.5 plus 0.3 of the mean similarity plus 0.05
// per document for up to three, capped at 0.95.
func ConfidenceFromDocuments(docs []vector.SearchResult) float64 {
	if len(docs) == 0 {
		return 0.3
	}
	n := len(docs)
	if n > 3 {
		n = 3
	}
	c := 0.5 + 0.3*MeanSimilarity(docs) + 0.05*float64(n)
	if c > 0.95 {
		c = 0.95
	}
	if c < 0 {
		c = 0
	}
	return c
}

// mergeDocuments appends docs not already present by chunk id.
func mergeDocuments(dst, src []vector.SearchResult) []vector.SearchResult {
	seen := make(map[string]bool, len(dst))
	for _, d := range dst {
		seen[d.ID] = true
	}
	for _, d := range src {
		if !seen[d.ID] {
			seen[d.ID] = true
			dst = append(dst, d)
		}
	}
	return dst
}
