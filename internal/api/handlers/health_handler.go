package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/knowledge"
	"github.com/Fhyywen/shixun-qiu/pkg/logger"
)

const readyTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type check struct {
	name string
	p    Pinger
}

type HealthHandler struct {
	knowledge *knowledge.Manager
	checks    []check
}

func NewHealthHandler(kb *knowledge.Manager) *HealthHandler {
	return &HealthHandler{knowledge: kb}
}

// AddCheck registers a dependency probed by Ready.
func (h *HealthHandler) AddCheck(name string, p Pinger) {
	h.checks = append(h.checks, check{name: name, p: p})
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "healthy",
		"initialized": h.knowledge.Initialized(),
		"time":        time.Now().Unix(),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), readyTimeout)
	defer cancel()

	status := fiber.Map{}
	ready := true
	for _, ch := range h.checks {
		if err := ch.p.Ping(ctx); err != nil {
			logger.Warn("Readiness check failed", zap.String("check", ch.name), zap.Error(err))
			status[ch.name] = err.Error()
			ready = false
			continue
		}
		status[ch.name] = "ok"
	}

	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"checks": status,
		})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": status})
}
