package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	StepRetrieve        = "retrieve"
	StepKeywordRetrieve = "keyword_retrieve"
	StepGenerate        = "generate"
	StepConditional     = "conditional"
	StepLoop            = "loop"
	StepWorkflow        = "workflow"

	CondDocumentCount       = "document_count"
	CondConfidenceThreshold = "confidence_threshold"
	CondAnswerContains      = "answer_contains"
	CondIteration           = "iteration"

	pipelineSuffix = "_pipeline.yaml"
)

var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrUnknownStep      = errors.New("unknown step type")
)

// Definition is one YAML pipeline. A top-level workflow with no steps runs
// that workflow directly.
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Workflow    string `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

type Step struct {
	Name            string `yaml:"name" json:"name"`
	Type            string `yaml:"type" json:"type"`
	ContinueOnError bool   `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`

	// retrieve, keyword_retrieve
	TopK      int      `yaml:"top_k,omitempty" json:"top_k,omitempty"`
	Threshold *float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// generate
	PromptTemplate   string   `yaml:"prompt_template,omitempty" json:"prompt_template,omitempty"`
	MaxContextLength int      `yaml:"max_context_length,omitempty" json:"max_context_length,omitempty"`
	Temperature      *float32 `yaml:"temperature,omitempty" json:"temperature,omitempty"`

	// conditional
	Condition *Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
	Then      []Step     `yaml:"then,omitempty" json:"then,omitempty"`
	Else      []Step     `yaml:"else,omitempty" json:"else,omitempty"`

	// loop
	MaxIterations  int        `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Steps          []Step     `yaml:"steps,omitempty" json:"steps,omitempty"`
	BreakCondition *Condition `yaml:"break_condition,omitempty" json:"break_condition,omitempty"`

	// workflow
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty"`
}

type Condition struct {
	Type         string   `yaml:"type" json:"type"`
	MinDocuments int      `yaml:"min_documents,omitempty" json:"min_documents,omitempty"`
	Step         string   `yaml:"step,omitempty" json:"step,omitempty"`
	Threshold    *float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Phrases      []string `yaml:"phrases,omitempty" json:"phrases,omitempty"`
	Iterations   int      `yaml:"iterations,omitempty" json:"iterations,omitempty"`
}

// Parse decodes a pipeline. name is used when the document has none.
func Parse(data []byte, name string) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline %s: %w", name, err)
	}
	if def.Name == "" {
		def.Name = name
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads a pipeline file; the pipeline is named after the file stem.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline %s: %w", path, err)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	def, err := Parse(data, stem)
	if err != nil {
		return nil, err
	}
	def.Name = stem
	return def, nil
}

func (d *Definition) Validate() error {
	if len(d.Steps) == 0 && d.Workflow == "" {
		return fmt.Errorf("pipeline %s has no steps", d.Name)
	}
	return validateSteps(d.Name, d.Steps)
}

func validateSteps(pipeline string, steps []Step) error {
	for i, s := range steps {
		var err error
		switch s.Type {
		case StepRetrieve, StepKeywordRetrieve, StepGenerate:
		case StepConditional:
			if s.Condition == nil {
				return fmt.Errorf("pipeline %s step %d: conditional without condition", pipeline, i)
			}
			if err = validateCondition(pipeline, i, s.Condition); err != nil {
				return err
			}
			if err = validateSteps(pipeline, s.Then); err == nil {
				err = validateSteps(pipeline, s.Else)
			}
		case StepLoop:
			if len(s.Steps) == 0 {
				return fmt.Errorf("pipeline %s step %d: loop without steps", pipeline, i)
			}
			if s.BreakCondition != nil {
				if err = validateCondition(pipeline, i, s.BreakCondition); err != nil {
					return err
				}
			}
			err = validateSteps(pipeline, s.Steps)
		case StepWorkflow:
			if s.Workflow == "" {
				return fmt.Errorf("pipeline %s step %d: workflow step without workflow name", pipeline, i)
			}
		default:
			return fmt.Errorf("pipeline %s step %d: %w %q", pipeline, i, ErrUnknownStep, s.Type)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// validateCondition defaults an untyped condition to a document count.
func validateCondition(pipeline string, i int, c *Condition) error {
	if c.Type == "" {
		c.Type = CondDocumentCount
	}
	switch c.Type {
	case CondDocumentCount, CondConfidenceThreshold, CondAnswerContains, CondIteration:
		return nil
	}
	return fmt.Errorf("pipeline %s step %d: %w %q", pipeline, i, ErrUnknownCondition, c.Type)
}
