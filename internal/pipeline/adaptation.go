package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Fhyywen/shixun-qiu/internal/embedding"
	"github.com/Fhyywen/shixun-qiu/internal/vector"
)

const adaptationPrompt = `基于以下背景信息回答问题。请特别注意领域特定的知识和术语。

背景信息:
{context}

问题: {query}

请提供专业、准确的回答:`

const (
	legalGuidance     = "\n\n请注意：这是一个法律领域的问题，请确保回答准确且符合法律规范。"
	technicalGuidance = "\n\n请注意：这是一个技术领域的问题，请提供专业且准确的技术解释。"
)

var (
	DefaultDomainKeywords = []string{"法律", "条款", "法规", "案例", "判决", "合同"}

	legalTerms     = []string{"法律", "法规", "条款"}
	technicalTerms = []string{"技术", "系统", "算法"}
)

type AdaptationConfig struct {
	TopK                int
	ConfidenceThreshold float64
	DomainKeywords      []string
	Temperature         float32
}

func DefaultAdaptationConfig() AdaptationConfig {
	return AdaptationConfig{
		TopK:                7,
		ConfidenceThreshold: 0.8,
		DomainKeywords:      DefaultDomainKeywords,
		Temperature:         0.1,
	}
}

// Adaptation filters retrieved documents by domain relevance and steers the
// prompt toward the domain found in the context.
type Adaptation struct {
	rag *RAG
	cfg AdaptationConfig

	mu        sync.RWMutex
	knowledge map[string]map[string]any
}

func NewAdaptation(rag *RAG, cfg AdaptationConfig) *Adaptation {
	if len(cfg.DomainKeywords) == 0 {
		cfg.DomainKeywords = DefaultDomainKeywords
	}
	return &Adaptation{rag: rag, cfg: cfg, knowledge: make(map[string]map[string]any)}
}

func (a *Adaptation) Name() string { return WorkflowAdaptation }

// AddDomainKnowledge stores knowledge for a domain. A "keywords" entry of
// strings extends the domain keywords used for relevance.
func (a *Adaptation) AddDomainKnowledge(domain string, knowledge map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.knowledge[domain] = knowledge
}

func (a *Adaptation) DomainKnowledge(domain string) map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if k, ok := a.knowledge[domain]; ok {
		return k
	}
	return map[string]any{}
}

// DomainKeywords returns the configured keywords plus those from domain knowledge.
func (a *Adaptation) DomainKeywords() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range a.cfg.DomainKeywords {
		add(k)
	}
	domains := make([]string, 0, len(a.knowledge))
	for d := range a.knowledge {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		switch kw := a.knowledge[d]["keywords"].(type) {
		case []string:
			for _, k := range kw {
				add(k)
			}
		case []any:
			for _, k := range kw {
				if s, ok := k.(string); ok {
					add(s)
				}
			}
		}
	}
	return out
}

// DomainRelevance averages the fraction of domain keywords the content
// contains with the fraction of query terms it shares.
func (a *Adaptation) DomainRelevance(content, query string) float64 {
	keywords := a.DomainKeywords()
	var domainMatch float64
	if len(keywords) > 0 {
		hits := 0
		for _, k := range keywords {
			if strings.Contains(content, k) {
				hits++
			}
		}
		domainMatch = float64(hits) / float64(len(keywords))
	}
	return (domainMatch + termOverlap(query, content)) / 2
}

// termOverlap is the share of a's distinct terms that also occur in b.
func termOverlap(a, b string) float64 {
	aTerms := termSet(a)
	if len(aTerms) == 0 {
		return 0
	}
	bTerms := termSet(b)
	hits := 0
	for t := range aTerms {
		if bTerms[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(aTerms))
}

func termSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range embedding.Features(s) {
		out[f] = true
	}
	return out
}

// AdaptDocuments keeps documents whose domain relevance exceeds the
// threshold. When none do, the retrieved documents are kept as they are.
func (a *Adaptation) AdaptDocuments(query string, docs []vector.SearchResult) []vector.SearchResult {
	var kept []vector.SearchResult
	for _, d := range docs {
		if a.DomainRelevance(d.Text, query) > a.cfg.ConfidenceThreshold {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		return docs
	}
	return kept
}

// AdaptPrompt appends legal or technical guidance based on the context.
func AdaptPrompt(prompt, context string) string {
	switch {
	case containsAny(context, legalTerms):
		return prompt + legalGuidance
	case containsAny(context, technicalTerms):
		return prompt + technicalGuidance
	}
	return prompt
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// AnswerConfidence scales how much of the answer is grounded in the context.
func AnswerConfidence(answer, context string) float64 {
	c := termOverlap(answer, context) * 1.5
	if c > 1 {
		c = 1
	}
	return c
}

func (a *Adaptation) Query(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	topK := a.cfg.TopK
	if req.TopK > 0 {
		topK = req.TopK
	}

	retrieved, err := a.rag.Retrieve(ctx, req.KnowledgeBasePath, req.Query, topK, 0)
	if err != nil {
		return nil, err
	}
	docs := a.AdaptDocuments(req.Query, retrieved)
	background := BuildContext(docs, 0)

	prompt := AdaptPrompt(RenderPrompt(adaptationPrompt, background, req.Query), background)
	answer, source, err := a.rag.Generate(ctx, GenerateRequest{
		Prompt:      prompt,
		History:     req.History,
		Temperature: a.cfg.Temperature,
		Documents:   docs,
	})
	if err != nil {
		return nil, err
	}

	confidence := 0.3
	if len(docs) > 0 {
		confidence = AnswerConfidence(answer, background)
	}

	return &Result{
		Query:          req.Query,
		Documents:      docs,
		Answer:         answer,
		Confidence:     confidence,
		SourceType:     source,
		ProcessingTime: time.Since(start),
	}, nil
}
