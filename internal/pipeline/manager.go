package pipeline

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/metrics"
)

//go:embed defaults/*.yaml
var defaultPipelines embed.FS

const (
	defaultTopK             = 5
	defaultThreshold        = 0.7
	defaultMaxContextLength = 4000
	defaultTemperature      = 0.1
	defaultMaxIterations    = 3
	defaultConfidence       = 0.8
	defaultConditionStep    = "retrieve"

	statusSuccess = "success"
	statusFailed  = "failed"

	EventStep = "step"
)

var ErrUnknownCondition = errors.New("unknown condition type")

// Manager holds pipeline definitions and the built-in workflows and runs
// pipelines step by step.
type Manager struct {
	rag *RAG
	log *zap.Logger

	mu        sync.RWMutex
	pipelines map[string]*Definition
	workflows map[string]Workflow
}

// NewManager registers the built-in workflows and the embedded default
// pipelines.
func NewManager(rag *RAG, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		rag:       rag,
		log:       log,
		pipelines: make(map[string]*Definition),
		workflows: make(map[string]Workflow),
	}
	m.RegisterWorkflow(NewVanilla(rag, DefaultVanillaConfig()))
	m.RegisterWorkflow(NewDeepNote(rag, DefaultDeepNoteConfig()))
	m.RegisterWorkflow(NewAdaptation(rag, DefaultAdaptationConfig()))

	files, err := fs.Glob(defaultPipelines, "defaults/*"+pipelineSuffix)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		data, err := defaultPipelines.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read default pipeline %s: %w", f, err)
		}
		stem := strings.TrimSuffix(path.Base(f), ".yaml")
		def, err := Parse(data, stem)
		if err != nil {
			return nil, err
		}
		def.Name = stem
		m.Register(def)
	}
	return m, nil
}

// LoadDir loads every *_pipeline.yaml in dir, replacing pipelines of the
// same name. A missing directory is not an error; invalid files are skipped.
func (m *Manager) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		m.log.Debug("Pipeline directory does not exist", zap.String("dir", dir))
		return nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*"+pipelineSuffix))
	if err != nil {
		return fmt.Errorf("failed to list pipelines: %w", err)
	}
	for _, f := range files {
		def, err := LoadFile(f)
		if err != nil {
			m.log.Warn("Skipping invalid pipeline", zap.String("file", f), zap.Error(err))
			continue
		}
		m.Register(def)
		m.log.Info("Loaded pipeline", zap.String("name", def.Name), zap.String("file", f))
	}
	return nil
}

func (m *Manager) LoadFile(p string) (*Definition, error) {
	def, err := LoadFile(p)
	if err != nil {
		return nil, err
	}
	m.Register(def)
	return def, nil
}

func (m *Manager) Register(def *Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[def.Name] = def
}

func (m *Manager) RegisterWorkflow(w Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[w.Name()] = w
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pipelines))
	for n := range m.pipelines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// List returns the definitions sorted by name.
func (m *Manager) List() []*Definition {
	names := m.Names()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Definition, 0, len(names))
	for _, n := range names {
		out = append(out, m.pipelines[n])
	}
	return out
}

func (m *Manager) Get(name string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	return def, nil
}

func (m *Manager) Workflows() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.workflows))
	for n := range m.workflows {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) Workflow(name string) (Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return w, nil
}

// Execute runs a pipeline. A pipeline that only names a workflow runs it as
// a single step whose answer lands in Results["generate"].
func (m *Manager) Execute(ctx context.Context, name string, req Request) (*Context, error) {
	def, err := m.Get(name)
	if err != nil {
		return nil, err
	}

	pc := newContext(name, req)
	steps := def.Steps
	if len(steps) == 0 {
		steps = []Step{{Name: def.Workflow, Type: StepWorkflow, Workflow: def.Workflow}}
	}

	m.log.Debug("Executing pipeline",
		zap.String("pipeline", name),
		zap.Int("steps", len(steps)),
	)
	if err := m.runSteps(ctx, pc, steps); err != nil {
		return pc, fmt.Errorf("pipeline %s: %w", name, err)
	}
	return pc, nil
}

func (m *Manager) runSteps(ctx context.Context, pc *Context, steps []Step) error {
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.runStep(ctx, pc, s); err != nil {
			if s.ContinueOnError {
				m.log.Warn("Pipeline step failed, continuing",
					zap.String("pipeline", pc.Pipeline),
					zap.String("step", stepName(s)),
					zap.Error(err),
				)
				continue
			}
			return err
		}
	}
	return nil
}

func stepName(s Step) string {
	if s.Name != "" {
		return s.Name
	}
	return s.Type
}

func (m *Manager) runStep(ctx context.Context, pc *Context, s Step) error {
	start := time.Now()
	name := stepName(s)

	var (
		res any
		err error
	)
	switch s.Type {
	case StepRetrieve:
		res, err = m.retrieve(ctx, pc, s)
	case StepKeywordRetrieve:
		res, err = m.keywordRetrieve(ctx, pc, s)
	case StepGenerate:
		res, err = m.generate(ctx, pc, s)
	case StepConditional:
		res, err = m.conditional(ctx, pc, s)
	case StepLoop:
		res, err = m.loop(ctx, pc, s)
	case StepWorkflow:
		res, err = m.workflow(ctx, pc, s)
	default:
		err = fmt.Errorf("%w %q", ErrUnknownStep, s.Type)
	}

	elapsed := time.Since(start)
	status := statusSuccess
	if err != nil {
		status = statusFailed
	}
	metrics.PipelineStepDuration.WithLabelValues(s.Type, status).Observe(elapsed.Seconds())

	trace := StepTrace{Name: name, Type: s.Type, Status: status, Duration: elapsed}
	event := Event{
		Type:       EventStep,
		Step:       name,
		StepType:   s.Type,
		Status:     status,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		trace.Error = err.Error()
		event.Message = err.Error()
	}
	if r, ok := res.(*RetrieveResult); ok && r != nil {
		event.Documents = r.Count
	}
	pc.Trace = append(pc.Trace, trace)
	pc.emit(event)

	if err != nil {
		return fmt.Errorf("step %s: %w", name, err)
	}
	pc.Results[name] = res
	pc.LastResult = res
	return nil
}

func (m *Manager) topK(pc *Context, s Step) int {
	if pc.TopK > 0 {
		return pc.TopK
	}
	if s.TopK > 0 {
		return s.TopK
	}
	return defaultTopK
}

func (m *Manager) retrieve(ctx context.Context, pc *Context, s Step) (*RetrieveResult, error) {
	threshold := defaultThreshold
	if s.Threshold != nil {
		threshold = *s.Threshold
	}
	docs, err := m.rag.Retrieve(ctx, pc.KnowledgeBasePath, pc.Query, m.topK(pc, s), threshold)
	if err != nil {
		return nil, err
	}
	r := &RetrieveResult{Documents: docs, Count: len(docs), Query: pc.Query, Method: "vector"}
	pc.lastRetrieve = r
	return r, nil
}

func (m *Manager) keywordRetrieve(ctx context.Context, pc *Context, s Step) (*RetrieveResult, error) {
	docs, err := m.rag.KeywordRetrieve(ctx, pc.KnowledgeBasePath, pc.Query, m.topK(pc, s))
	if err != nil {
		return nil, err
	}
	r := &RetrieveResult{Documents: docs, Count: len(docs), Query: pc.Query, Method: "keyword"}
	pc.lastRetrieve = r
	return r, nil
}

func (m *Manager) generate(ctx context.Context, pc *Context, s Step) (*GenerateResult, error) {
	template := s.PromptTemplate
	if template == "" {
		template = vanillaPrompt
	}
	maxLen := s.MaxContextLength
	if maxLen <= 0 {
		maxLen = defaultMaxContextLength
	}
	temperature := float32(defaultTemperature)
	if s.Temperature != nil {
		temperature = *s.Temperature
	}

	docs := pc.Documents()
	prompt := RenderPrompt(template, BuildContext(docs, maxLen), pc.Query)
	answer, source, err := m.rag.Generate(ctx, GenerateRequest{
		Prompt:      prompt,
		History:     pc.History,
		Temperature: temperature,
		Documents:   docs,
	})
	if err != nil {
		return nil, err
	}
	g := &GenerateResult{
		Answer:        answer,
		Prompt:        prompt,
		DocumentCount: len(docs),
		SourceType:    source,
		Confidence:    ConfidenceFromDocuments(docs),
	}
	pc.lastGenerate = g
	return g, nil
}

func (m *Manager) conditional(ctx context.Context, pc *Context, s Step) (*BranchResult, error) {
	ok, err := evalCondition(pc, s.Condition)
	if err != nil {
		return nil, err
	}
	branch, steps := "then", s.Then
	if !ok {
		branch, steps = "else", s.Else
	}
	if err := m.runSteps(ctx, pc, steps); err != nil {
		return nil, err
	}
	return &BranchResult{Condition: ok, Branch: branch}, nil
}

func (m *Manager) loop(ctx context.Context, pc *Context, s Step) (*LoopResult, error) {
	limit := s.MaxIterations
	if limit <= 0 {
		limit = defaultMaxIterations
	}
	outer := pc.iteration
	defer func() { pc.iteration = outer }()

	res := &LoopResult{}
	for i := 0; i < limit; i++ {
		pc.iteration = i + 1
		if err := m.runSteps(ctx, pc, s.Steps); err != nil {
			return nil, err
		}
		res.Iterations = i + 1
		if s.BreakCondition == nil {
			continue
		}
		stop, err := evalCondition(pc, s.BreakCondition)
		if err != nil {
			return nil, err
		}
		if stop {
			res.Broke = true
			break
		}
	}
	return res, nil
}

func (m *Manager) workflow(ctx context.Context, pc *Context, s Step) (*Result, error) {
	w, err := m.Workflow(s.Workflow)
	if err != nil {
		return nil, err
	}
	res, err := w.Query(ctx, Request{
		Query:             pc.Query,
		KnowledgeBasePath: pc.KnowledgeBasePath,
		SessionID:         pc.SessionID,
		History:           pc.History,
		TopK:              pc.TopK,
	})
	if err != nil {
		return nil, err
	}

	pc.lastRetrieve = &RetrieveResult{
		Documents: res.Documents,
		Count:     len(res.Documents),
		Query:     pc.Query,
		Method:    s.Workflow,
	}
	g := &GenerateResult{
		Answer:        res.Answer,
		DocumentCount: len(res.Documents),
		SourceType:    res.SourceType,
		Confidence:    res.Confidence,
		fromWorkflow:  true,
	}
	pc.lastGenerate = g
	pc.Results[StepGenerate] = g
	return res, nil
}

func evalCondition(pc *Context, c *Condition) (bool, error) {
	if c == nil {
		return false, nil
	}
	switch c.Type {
	case CondDocumentCount, "":
		minDocs := c.MinDocuments
		if minDocs <= 0 {
			minDocs = 1
		}
		step := c.Step
		if step == "" {
			step = defaultConditionStep
		}
		r, ok := pc.Results[step].(*RetrieveResult)
		if !ok {
			r = pc.lastRetrieve
		}
		if r == nil {
			return false, nil
		}
		return r.Count >= minDocs, nil
	case CondConfidenceThreshold:
		threshold := defaultConfidence
		if c.Threshold != nil {
			threshold = *c.Threshold
		}
		docs := pc.Documents()
		if len(docs) == 0 {
			return false, nil
		}
		return MeanSimilarity(docs) >= threshold, nil
	case CondAnswerContains:
		if pc.lastGenerate == nil {
			return false, nil
		}
		phrases := c.Phrases
		if len(phrases) == 0 {
			phrases = StopPhrases
		}
		return containsAny(pc.lastGenerate.Answer, phrases), nil
	case CondIteration:
		n := c.Iterations
		if n <= 0 {
			n = 1
		}
		return pc.iteration >= n, nil
	}
	return false, fmt.Errorf("%w %q", ErrUnknownCondition, c.Type)
}
