package pipeline

import (
	"context"
	"time"
)

const vanillaPrompt = `基于以下提供的背景信息，请回答用户的问题。如果信息不足以回答问题，请如实说明。

背景信息:
{context}

用户问题: {query}

请提供准确、完整且基于背景信息的回答:`

type VanillaConfig struct {
	TopK             int
	ScoreThreshold   float64
	MaxContextLength int
	Temperature      float32
}

func DefaultVanillaConfig() VanillaConfig {
	return VanillaConfig{TopK: 5, ScoreThreshold: 0.7, MaxContextLength: 4000, Temperature: 0.1}
}

// Vanilla retrieves once and answers from the retrieved context.
type Vanilla struct {
	rag *RAG
	cfg VanillaConfig
}

func NewVanilla(rag *RAG, cfg VanillaConfig) *Vanilla {
	return &Vanilla{rag: rag, cfg: cfg}
}

func (v *Vanilla) Name() string { return WorkflowVanilla }

func (v *Vanilla) Query(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	topK := v.cfg.TopK
	if req.TopK > 0 {
		topK = req.TopK
	}

	docs, err := v.rag.Retrieve(ctx, req.KnowledgeBasePath, req.Query, topK, v.cfg.ScoreThreshold)
	if err != nil {
		return nil, err
	}

	prompt := RenderPrompt(vanillaPrompt, BuildContext(docs, v.cfg.MaxContextLength), req.Query)
	answer, source, err := v.rag.Generate(ctx, GenerateRequest{
		Prompt:      prompt,
		History:     req.History,
		Temperature: v.cfg.Temperature,
		Documents:   docs,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Query:          req.Query,
		Documents:      docs,
		Answer:         answer,
		Confidence:     ConfidenceFromDocuments(docs),
		SourceType:     source,
		ProcessingTime: time.Since(start),
	}, nil
}
