package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/analyzer"
	"github.com/Fhyywen/shixun-qiu/internal/kg/neo4j"
	"github.com/Fhyywen/shixun-qiu/internal/knowledge"
	"github.com/Fhyywen/shixun-qiu/pkg/logger"
)

// CaseGraph answers graph queries over exported analyses.
type CaseGraph interface {
	CaseTypeCounts(ctx context.Context, kbPath string) ([]neo4j.CaseTypeCount, error)
}

// DocumentHandler serves knowledge base maintenance: building, statistics
// and analysis.
type DocumentHandler struct {
	knowledge *knowledge.Manager
	analyzer  *analyzer.Analyzer
	graph     CaseGraph
}

func NewDocumentHandler(kb *knowledge.Manager, a *analyzer.Analyzer, graph CaseGraph) *DocumentHandler {
	return &DocumentHandler{knowledge: kb, analyzer: a, graph: graph}
}

type buildRequest struct {
	KnowledgeBasePath string `json:"knowledge_base_path" form:"knowledge_base_path"`
	Force             bool   `json:"force" form:"force"`
}

func (h *DocumentHandler) Build(c *fiber.Ctx) error {
	var req buildRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "Invalid request body",
			})
		}
	}

	path, err := h.knowledge.ResolvePath(req.KnowledgeBasePath)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	res, err := h.knowledge.Build(c.UserContext(), path, req.Force)
	if errors.Is(err, knowledge.ErrEmptyKnowledgeBase) {
		return c.JSON(fiber.Map{
			"success":   false,
			"message":   "知识库目录为空或不存在: " + path,
			"directory": path,
		})
	}
	if err != nil {
		logger.Error("Failed to build knowledge base", zap.String("path", path), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "构建知识库时出错: " + err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success":      true,
		"message":      fmt.Sprintf("知识库构建完成，共处理 %d 个文档块", res.Chunks),
		"kb_id":        res.KBID,
		"chunks":       res.Chunks,
		"documents":    res.Documents,
		"skipped":      res.Skipped,
		"replaced":     res.Replaced,
		"failed":       res.Failed,
		"total_chunks": res.TotalChunks,
		"duration_ms":  res.Duration.Milliseconds(),
	})
}

func (h *DocumentHandler) Stats(c *fiber.Ctx) error {
	st, err := h.knowledge.Stats(c.UserContext(), c.Query("knowledge_base_path"))
	if errors.Is(err, knowledge.ErrPathOutsideRoot) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	if err != nil {
		logger.Error("Failed to get knowledge base stats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "获取统计信息时出错: " + err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"success":             true,
		"knowledge_base_path": st.KnowledgeBasePath,
		"initialized":         st.Initialized,
		"document_count":      st.DocumentCount,
		"source_count":        st.SourceCount,
		"vector_dimension":    st.VectorDimension,
		"backend":             st.Backend,
		"index_path":          st.IndexPath,
		"persisted":           st.Persisted,
	})
}

func (h *DocumentHandler) Analyze(c *fiber.Ctx) error {
	var req buildRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}
	path, err := h.knowledge.ResolvePath(req.KnowledgeBasePath)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	st, err := h.analyzer.Analyze(c.UserContext(), path)
	if errors.Is(err, analyzer.ErrPathNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "知识库路径不存在: " + path})
	}
	if err != nil {
		logger.Error("Failed to analyze knowledge base", zap.String("path", path), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(st)
}

func (h *DocumentHandler) Report(c *fiber.Ctx) error {
	path, err := h.knowledge.ResolvePath(c.Query("knowledge_base_path"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	report, err := h.analyzer.Report(path)
	if errors.Is(err, analyzer.ErrNoReport) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "暂无统计报告，请先进行分析"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "读取统计报告时出错: " + err.Error()})
	}
	if c.Query("format") == "text" {
		return c.SendString(report)
	}
	return c.JSON(fiber.Map{"knowledge_base_path": path, "report": report})
}

func (h *DocumentHandler) Graph(c *fiber.Ctx) error {
	if h.graph == nil {
		return unavailable(c, "知识图谱未启用")
	}
	path, err := h.knowledge.ResolvePath(c.Query("knowledge_base_path"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	counts, err := h.graph.CaseTypeCounts(c.UserContext(), path)
	if err != nil {
		logger.Error("Failed to query case graph", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if counts == nil {
		counts = []neo4j.CaseTypeCount{}
	}
	return c.JSON(fiber.Map{"knowledge_base_path": path, "case_types": counts})
}

func (h *DocumentHandler) ListKnowledgeBases(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"knowledge_bases": h.knowledge.List()})
}
