package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/pipeline"
	"github.com/Fhyywen/shixun-qiu/internal/query"
	"github.com/Fhyywen/shixun-qiu/pkg/logger"
)

type PipelineHandler struct {
	engine *query.Engine
}

func NewPipelineHandler(engine *query.Engine) *PipelineHandler {
	return &PipelineHandler{engine: engine}
}

type pipelineInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Workflow    string `json:"workflow,omitempty"`
	Steps       int    `json:"steps"`
}

func (h *PipelineHandler) ListPipelines(c *fiber.Ctx) error {
	defs := h.engine.Pipelines().List()
	out := make([]pipelineInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, pipelineInfo{
			Name:        d.Name,
			Description: d.Description,
			Workflow:    d.Workflow,
			Steps:       len(d.Steps),
		})
	}
	return c.JSON(fiber.Map{"pipelines": out})
}

func (h *PipelineHandler) GetPipeline(c *fiber.Ctx) error {
	def, err := h.engine.Pipelines().Get(c.Params("name"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(def)
}

// RunPipeline is /ask with the pipeline taken from the path.
func (h *PipelineHandler) RunPipeline(c *fiber.Ctx) error {
	var req query.AskRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	req.Pipeline = c.Params("name")

	resp, err := h.engine.Ask(c.UserContext(), req)
	if err != nil {
		return askError(c, err)
	}
	return c.JSON(resp)
}

func (h *PipelineHandler) ListWorkflows(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"workflows": h.engine.Pipelines().Workflows()})
}

type workflowRequest struct {
	Query             string `json:"query"`
	KnowledgeBasePath string `json:"knowledge_base_path"`
	SessionID         string `json:"session_id"`
	TopK              int    `json:"top_k"`
}

// QueryWorkflow runs a built-in workflow directly, without chat persistence.
func (h *PipelineHandler) QueryWorkflow(c *fiber.Ctx) error {
	w, err := h.engine.Pipelines().Workflow(c.Params("name"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}

	var req workflowRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if strings.TrimSpace(req.Query) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msgEmptyQuestion})
	}
	path, err := h.engine.Knowledge().ResolvePath(req.KnowledgeBasePath)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	res, err := w.Query(c.UserContext(), pipeline.Request{
		Query:             strings.TrimSpace(req.Query),
		KnowledgeBasePath: path,
		SessionID:         req.SessionID,
		TopK:              req.TopK,
	})
	if err != nil {
		logger.Error("Workflow query failed", zap.String("workflow", w.Name()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "处理问题时出错: " + err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"workflow":           w.Name(),
		"query":              res.Query,
		"answer":             res.Answer,
		"confidence":         res.Confidence,
		"source_type":        res.SourceType,
		"sources":            query.SourcesFrom(res.Documents),
		"processing_time_ms": res.ProcessingTime.Milliseconds(),
	})
}
