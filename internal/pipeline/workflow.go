package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Fhyywen/shixun-qiu/internal/vector"
)

const (
	WorkflowVanilla    = "vanilla"
	WorkflowDeepNote   = "deepnote"
	WorkflowAdaptation = "adaptation"

	batchConcurrency = 4
)

// Workflow is a built-in retrieval strategy usable on its own or as a
// pipeline step.
type Workflow interface {
	Name() string
	Query(ctx context.Context, req Request) (*Result, error)
}

type Result struct {
	Query          string                `json:"query"`
	Documents      []vector.SearchResult `json:"documents"`
	Answer         string                `json:"answer"`
	Confidence     float64               `json:"confidence"`
	SourceType     string                `json:"source_type"`
	ProcessingTime time.Duration         `json:"processing_time"`
}

// BatchQuery runs requests concurrently; results keep the input order.
func BatchQuery(ctx context.Context, w Workflow, reqs []Request) ([]*Result, error) {
	out := make([]*Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := w.Query(gctx, req)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
