package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Fhyywen/shixun-qiu/internal/vector"
	"github.com/Fhyywen/shixun-qiu/pkg/utils"
)

// StopPhrases end DeepNote iteration when an answer contains one of them.
var StopPhrases = []string{"信息不足", "无法回答", "根据以上信息", "综上所述"}

const (
	noteRelevance   = 0.8
	noteAnswerRunes = 200
	defaultMemoryID = "default"
)

type MemoryNote struct {
	ID             string  `json:"id"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
	Timestamp      float64 `json:"timestamp"`
}

type DeepNoteConfig struct {
	TopK               int
	MemorySize         int
	RelevanceThreshold float64
	MaxIterations      int
	Temperature        float32
}

func DefaultDeepNoteConfig() DeepNoteConfig {
	return DeepNoteConfig{TopK: 5, MemorySize: 10, RelevanceThreshold: 0.6, MaxIterations: 3, Temperature: 0.1}
}

// DeepNote iterates retrieval and generation, carrying notes of earlier
// answers per session.
type DeepNote struct {
	rag *RAG
	cfg DeepNoteConfig
	now func() time.Time

	mu     sync.Mutex
	memory map[string][]MemoryNote
}

func NewDeepNote(rag *RAG, cfg DeepNoteConfig) *DeepNote {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 1
	}
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = 10
	}
	return &DeepNote{rag: rag, cfg: cfg, now: time.Now, memory: make(map[string][]MemoryNote)}
}

func (d *DeepNote) Name() string { return WorkflowDeepNote }

func memoryKey(sessionID string) string {
	if sessionID == "" {
		return defaultMemoryID
	}
	return sessionID
}

// Memory returns a copy of a session's notes, most relevant first.
func (d *DeepNote) Memory(sessionID string) []MemoryNote {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MemoryNote(nil), d.memory[memoryKey(sessionID)]...)
}

func (d *DeepNote) remember(sessionID string, notes ...MemoryNote) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := memoryKey(sessionID)
	mem := append(d.memory[key], notes...)
	sort.SliceStable(mem, func(i, j int) bool { return mem[i].RelevanceScore > mem[j].RelevanceScore })
	if len(mem) > d.cfg.MemorySize {
		mem = mem[:d.cfg.MemorySize]
	}
	d.memory[key] = mem
}

// ClearMemory forgets one session's notes, or every session's when empty.
func (d *DeepNote) ClearMemory(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sessionID == "" {
		d.memory = make(map[string][]MemoryNote)
		return
	}
	delete(d.memory, sessionID)
}

func (d *DeepNote) SaveMemory(path string) error {
	d.mu.Lock()
	data, err := json.MarshalIndent(d.memory, "", "  ")
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode memory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save memory: %w", err)
	}
	return nil
}

// LoadMemory replaces the memory with a saved file. A file holding a plain
// list of notes is loaded as the memory of session-less queries.
func (d *DeepNote) LoadMemory(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read memory: %w", err)
	}
	mem := make(map[string][]MemoryNote)
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var notes []MemoryNote
		if err := json.Unmarshal(trimmed, &notes); err != nil {
			return fmt.Errorf("failed to decode memory: %w", err)
		}
		mem[defaultMemoryID] = notes
	} else if err := json.Unmarshal(data, &mem); err != nil {
		return fmt.Errorf("failed to decode memory: %w", err)
	}
	d.mu.Lock()
	d.memory = mem
	d.mu.Unlock()
	return nil
}

func (d *DeepNote) prompt(query, background string, notes []MemoryNote) string {
	var b strings.Builder
	b.WriteString("你是一个具有记忆能力的AI助手。基于以下背景信息和之前的记忆，请回答用户的问题。\n\n背景信息:\n")
	b.WriteString(background)
	b.WriteString("\n\n")
	if len(notes) > 0 {
		b.WriteString("之前的记忆:\n")
		for _, n := range notes {
			b.WriteString("- ")
			b.WriteString(n.Content)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n用户问题: ")
	b.WriteString(query)
	b.WriteString("\n\n请逐步思考，并基于所有可用信息提供准确回答:")
	return b.String()
}

func (d *DeepNote) shouldStop(answer string, iteration int) bool {
	for _, p := range StopPhrases {
		if strings.Contains(answer, p) {
			return true
		}
	}
	return iteration >= d.cfg.MaxIterations-1
}

func (d *DeepNote) Query(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	topK := d.cfg.TopK
	if req.TopK > 0 {
		topK = req.TopK
	}

	var (
		all    []vector.SearchResult
		answer string
		source string
	)
	for iter := 0; iter < d.cfg.MaxIterations; iter++ {
		docs, err := d.rag.Retrieve(ctx, req.KnowledgeBasePath, req.Query, topK, d.cfg.RelevanceThreshold)
		if err != nil {
			return nil, err
		}
		all = mergeDocuments(all, docs)

		prompt := d.prompt(req.Query, BuildContext(docs, 0), d.Memory(req.SessionID))
		answer, source, err = d.rag.Generate(ctx, GenerateRequest{
			Prompt:      prompt,
			History:     req.History,
			Temperature: d.cfg.Temperature,
			Documents:   docs,
		})
		if err != nil {
			return nil, err
		}

		// An extractive answer cannot change between iterations.
		if d.shouldStop(answer, iter) || !d.rag.HasLLM() {
			break
		}

		now := d.now()
		d.remember(req.SessionID, MemoryNote{
			ID:             fmt.Sprintf("note_%d_%d", now.Unix(), iter),
			Content:        fmt.Sprintf("Query: %s\nAnswer: %s...", req.Query, utils.Truncate(answer, noteAnswerRunes)),
			RelevanceScore: noteRelevance,
			Timestamp:      float64(now.UnixNano()) / 1e9,
		})
	}

	return &Result{
		Query:          req.Query,
		Documents:      all,
		Answer:         answer,
		Confidence:     ConfidenceFromDocuments(all),
		SourceType:     source,
		ProcessingTime: time.Since(start),
	}, nil
}
