package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/knowledge"
	"github.com/Fhyywen/shixun-qiu/internal/pipeline"
	"github.com/Fhyywen/shixun-qiu/internal/query"
	"github.com/Fhyywen/shixun-qiu/internal/storage/models"
	"github.com/Fhyywen/shixun-qiu/pkg/logger"
)

const (
	msgEmptyQuestion = "请输入问题"
	defaultHistory   = 20
	maxHistory       = 200
)

type QueryHandler struct {
	engine *query.Engine
}

func NewQueryHandler(engine *query.Engine) *QueryHandler {
	return &QueryHandler{engine: engine}
}

// askError maps engine errors to the status codes of the ask endpoints.
func askError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, query.ErrEmptyQuestion):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msgEmptyQuestion})
	case errors.Is(err, knowledge.ErrPathOutsideRoot):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, pipeline.ErrPipelineNotFound), errors.Is(err, pipeline.ErrWorkflowNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	default:
		logger.Error("Failed to process question", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "处理问题时出错: " + err.Error(),
		})
	}
}

// Ask accepts a JSON or form body.
func (h *QueryHandler) Ask(c *fiber.Ctx) error {
	var req query.AskRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			logger.Error("Failed to parse request body", zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}
	if strings.TrimSpace(req.Question) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msgEmptyQuestion})
	}

	resp, err := h.engine.Ask(c.UserContext(), req)
	if err != nil {
		return askError(c, err)
	}
	return c.JSON(resp)
}

type batchRequest struct {
	Questions         []string `json:"questions"`
	KnowledgeBasePath string   `json:"knowledge_base_path"`
	UserID            string   `json:"user_id"`
	Pipeline          string   `json:"pipeline"`
	TopK              int      `json:"top_k"`
}

func (h *QueryHandler) BatchAsk(c *fiber.Ctx) error {
	var req batchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if len(req.Questions) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msgEmptyQuestion})
	}

	reqs := make([]query.AskRequest, len(req.Questions))
	for i, q := range req.Questions {
		reqs[i] = query.AskRequest{
			Question:          q,
			KnowledgeBasePath: req.KnowledgeBasePath,
			UserID:            req.UserID,
			Pipeline:          req.Pipeline,
			TopK:              req.TopK,
		}
	}
	results, err := h.engine.BatchAsk(c.UserContext(), reqs)
	if err != nil {
		return askError(c, err)
	}
	return c.JSON(fiber.Map{"results": results})
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	catalog := h.engine.Catalog()
	if catalog == nil {
		return unavailable(c, "查询记录未启用")
	}
	userID := c.Query("user_id")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	history, err := catalog.GetQueryHistory(c.UserContext(), userID, limitParam(c, defaultHistory, maxHistory))
	if err != nil {
		logger.Error("Failed to load query history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if history == nil {
		history = []models.QueryRecord{}
	}
	return c.JSON(fiber.Map{"history": history})
}

func (h *QueryHandler) GetQuerySources(c *fiber.Ctx) error {
	catalog := h.engine.Catalog()
	if catalog == nil {
		return unavailable(c, "查询记录未启用")
	}
	sources, err := catalog.GetQuerySources(c.UserContext(), c.Params("id"))
	if err != nil {
		logger.Error("Failed to load query sources", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if sources == nil {
		sources = []models.QuerySource{}
	}
	return c.JSON(fiber.Map{"query_id": c.Params("id"), "sources": sources})
}

func (h *QueryHandler) Feedback(c *fiber.Ctx) error {
	var fb models.Feedback
	if err := c.BodyParser(&fb); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if fb.QueryID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "query_id is required",
		})
	}

	err := h.engine.Feedback(c.UserContext(), &fb)
	switch {
	case errors.Is(err, query.ErrNoCatalog):
		return unavailable(c, "查询记录未启用")
	case errors.Is(err, query.ErrInvalidRating):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case err != nil:
		logger.Error("Failed to record feedback", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true})
}

func unavailable(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": msg})
}

func limitParam(c *fiber.Ctx, def, ceiling int) int {
	n := c.QueryInt("limit", def)
	if n <= 0 {
		return def
	}
	return min(n, ceiling)
}
