package pipeline

import (
	"time"

	"github.com/Fhyywen/shixun-qiu/internal/llm"
	"github.com/Fhyywen/shixun-qiu/internal/vector"
)

const noAnswer = "No answer generated"

// Request is the input of a pipeline or workflow run.
type Request struct {
	Query             string
	KnowledgeBasePath string
	SessionID         string
	History           []llm.Message
	// TopK overrides the retrieve steps' top_k when positive.
	TopK int
	// Observer, when set, receives an event after every step.
	Observer func(Event)
}

type Event struct {
	Type       string  `json:"type"`
	Step       string  `json:"step,omitempty"`
	StepType   string  `json:"step_type,omitempty"`
	Status     string  `json:"status,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	Documents  int     `json:"documents,omitempty"`
	Message    string  `json:"message,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type RetrieveResult struct {
	Documents []vector.SearchResult `json:"documents"`
	Count     int                   `json:"count"`
	Query     string                `json:"query"`
	Method    string                `json:"method"`
}

type GenerateResult struct {
	Answer        string  `json:"answer"`
	Prompt        string  `json:"prompt,omitempty"`
	DocumentCount int     `json:"document_count"`
	SourceType    string  `json:"source_type"`
	Confidence    float64 `json:"confidence,omitempty"`
	// fromWorkflow marks a confidence the workflow computed itself.
	fromWorkflow bool
}

type BranchResult struct {
	Condition bool   `json:"condition"`
	Branch    string `json:"branch"`
}

type LoopResult struct {
	Iterations int  `json:"iterations"`
	Broke      bool `json:"broke"`
}

type StepTrace struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Context carries one run. Nested steps write into the same Results map, so
// a branch's generate step is visible as Results["generate"].
type Context struct {
	Pipeline          string
	Query             string
	KnowledgeBasePath string
	SessionID         string
	History           []llm.Message
	TopK              int
	Results           map[string]any
	LastResult        any
	Trace             []StepTrace

	iteration    int
	lastRetrieve *RetrieveResult
	lastGenerate *GenerateResult
	observer     func(Event)
}

func newContext(pipeline string, req Request) *Context {
	return &Context{
		Pipeline:          pipeline,
		Query:             req.Query,
		KnowledgeBasePath: req.KnowledgeBasePath,
		SessionID:         req.SessionID,
		History:           req.History,
		TopK:              req.TopK,
		Results:           make(map[string]any),
		observer:          req.Observer,
	}
}

func (c *Context) emit(e Event) {
	if c.observer != nil {
		c.observer(e)
	}
}

// Answer returns the final generated answer.
func (c *Context) Answer() string {
	if g, ok := c.Results[StepGenerate].(*GenerateResult); ok && g.Answer != "" {
		return g.Answer
	}
	if c.lastGenerate != nil && c.lastGenerate.Answer != "" {
		return c.lastGenerate.Answer
	}
	return noAnswer
}

// Documents returns the documents of the most recent retrieval.
func (c *Context) Documents() []vector.SearchResult {
	if c.lastRetrieve == nil {
		return nil
	}
	return c.lastRetrieve.Documents
}

func (c *Context) SourceType() string {
	if c.lastGenerate != nil && c.lastGenerate.SourceType != "" {
		return c.lastGenerate.SourceType
	}
	return SourceNone
}

func (c *Context) Confidence() float64 {
	if c.lastGenerate != nil && c.lastGenerate.fromWorkflow {
		return c.lastGenerate.Confidence
	}
	return ConfidenceFromDocuments(c.Documents())
}
