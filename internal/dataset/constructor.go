package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/pkg/utils"
)

const (
	docPromptRunes  = 1000
	sftInstruction  = "基于给定的文档回答问题"
	sftOutputMarker = "[需要LLM生成的答案]"
)

// Record is one JSONL training example.
type Record map[string]any

// QuestionGenerator is satisfied by llm.Client.
type QuestionGenerator interface {
	GenerateQuestions(ctx context.Context, document string, n int) ([]string, error)
}

// Constructor turns knowledge base documents into training data for an
// external trainer.
type Constructor struct {
	gen QuestionGenerator
	log *zap.Logger
}

func NewConstructor(gen QuestionGenerator, log *zap.Logger) *Constructor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Constructor{gen: gen, log: log}
}

// GenerateQueries asks the model for up to perDoc questions per document.
// A document that fails is logged and skipped.
func (c *Constructor) GenerateQueries(ctx context.Context, docs []string, perDoc int) ([]string, error) {
	if c.gen == nil {
		return nil, fmt.Errorf("query generation requires an LLM")
	}
	var queries []string
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return queries, err
		}
		qs, err := c.gen.GenerateQuestions(ctx, utils.Truncate(doc, docPromptRunes), perDoc)
		if err != nil {
			c.log.Error("Error generating queries", zap.Int("document", i), zap.Error(err))
			continue
		}
		if len(qs) > perDoc {
			qs = qs[:perDoc]
		}
		queries = append(queries, qs...)
	}
	c.log.Info("Generated queries", zap.Int("documents", len(docs)), zap.Int("queries", len(queries)))
	return queries, nil
}

// keywordScore counts the query's space separated words found in doc.
func keywordScore(query, doc string) int {
	lower := strings.ToLower(doc)
	score := 0
	for _, w := range strings.Fields(query) {
		if strings.Contains(lower, strings.ToLower(w)) {
			score++
		}
	}
	return score
}

// CreateSFT pairs every query with the document sharing most of its words.
// Queries that share no word with any document are dropped.
func CreateSFT(docs, queries []string) []Record {
	var out []Record
	for _, q := range queries {
		best, bestScore := -1, 0
		for i, d := range docs {
			if s := keywordScore(q, d); s > bestScore {
				best, bestScore = i, s
			}
		}
		if best < 0 {
			continue
		}
		doc := docs[best]
		out = append(out, Record{
			"query":       q,
			"document":    doc,
			"instruction": sftInstruction,
			"input":       fmt.Sprintf("文档: %s\n\n问题: %s", doc, q),
			"output":      sftOutputMarker,
		})
	}
	return out
}

// CreateNegatives samples n distinct documents per query as negatives.
func CreateNegatives(queries, docs []string, n int, rng *rand.Rand) []Record {
	if n > len(docs) {
		n = len(docs)
	}
	var out []Record
	for _, q := range queries {
		for _, idx := range rng.Perm(len(docs))[:n] {
			out = append(out, Record{
				"query":             q,
				"positive_document": "",
				"negative_document": docs[idx],
				"score":             0.0,
			})
		}
	}
	return out
}

func SaveJSONL(path string, data []Record) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range data {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
	}
	return w.Flush()
}

// LoadJSONL reads one JSON object per line; blank lines are ignored.
func LoadJSONL(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return out, nil
}
