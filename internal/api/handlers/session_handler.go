package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/chat"
	"github.com/Fhyywen/shixun-qiu/internal/knowledge"
	"github.com/Fhyywen/shixun-qiu/pkg/logger"
)

type SessionHandler struct {
	store     *chat.Store
	knowledge *knowledge.Manager
}

func NewSessionHandler(store *chat.Store, kb *knowledge.Manager) *SessionHandler {
	return &SessionHandler{store: store, knowledge: kb}
}

// Available rejects session routes when no chat store is configured.
func (h *SessionHandler) Available(c *fiber.Ctx) error {
	if h.store == nil {
		return unavailable(c, "会话存储未启用")
	}
	return c.Next()
}

func sessionError(c *fiber.Ctx, err error) error {
	if errors.Is(err, chat.ErrSessionNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "会话不存在"})
	}
	logger.Error("Chat store operation failed", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}

func (h *SessionHandler) List(c *fiber.Ctx) error {
	sessions, err := h.store.UserSessions(c.UserContext(), c.Query("user_id"), c.QueryInt("limit"))
	if err != nil {
		return sessionError(c, err)
	}
	if sessions == nil {
		sessions = []chat.SessionSummary{}
	}
	return c.JSON(fiber.Map{"sessions": sessions})
}

type createSessionRequest struct {
	UserID            string `json:"user_id"`
	KnowledgeBasePath string `json:"knowledge_base_path"`
	Title             string `json:"title"`
}

func (h *SessionHandler) Create(c *fiber.Ctx) error {
	var req createSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}
	path, err := h.knowledge.ResolvePath(req.KnowledgeBasePath)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	session, err := h.store.CreateSession(c.UserContext(), req.UserID, path, req.Title)
	if err != nil {
		return sessionError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(session)
}

func (h *SessionHandler) Get(c *fiber.Ctx) error {
	session, err := h.store.GetSession(c.UserContext(), c.Params("id"))
	if err != nil {
		return sessionError(c, err)
	}
	return c.JSON(session)
}

func (h *SessionHandler) Messages(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.store.GetSession(c.UserContext(), id); err != nil {
		return sessionError(c, err)
	}
	msgs, err := h.store.History(c.UserContext(), id, c.QueryInt("limit"))
	if err != nil {
		return sessionError(c, err)
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return c.JSON(fiber.Map{"session_id": id, "messages": msgs})
}

func (h *SessionHandler) Update(c *fiber.Ctx) error {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "title is required"})
	}
	if err := h.store.UpdateTitle(c.UserContext(), c.Params("id"), title); err != nil {
		return sessionError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *SessionHandler) Close(c *fiber.Ctx) error {
	if err := h.store.CloseSession(c.UserContext(), c.Params("id")); err != nil {
		return sessionError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	if err := h.store.DeleteSession(c.UserContext(), c.Params("id")); err != nil {
		return sessionError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
