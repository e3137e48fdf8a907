package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/query"
	"github.com/Fhyywen/shixun-qiu/pkg/logger"
)

const (
	wsTypeAsk   = "ask"
	wsTypeQuery = "query"
	wsTypePing  = "ping"
)

type WebSocketHandler struct {
	engine *query.Engine
}

func NewWebSocketHandler(engine *query.Engine) *WebSocketHandler {
	return &WebSocketHandler{engine: engine}
}

// Upgrade lets only websocket handshakes reach HandleConnection.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

type wsRequest struct {
	Type string `json:"type"`
	query.AskRequest
}

// HandleConnection answers every question received on the socket, streaming
// the pipeline's step events before the answer.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsRequest
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Error("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case wsTypePing:
			if err := c.WriteJSON(fiber.Map{"type": "pong"}); err != nil {
				return
			}
			continue
		case "", wsTypeAsk, wsTypeQuery:
		default:
			continue
		}

		if strings.TrimSpace(msg.Question) == "" {
			if err := h.sendError(c, msgEmptyQuestion); err != nil {
				return
			}
			continue
		}

		logger.Info("Processing WebSocket question", zap.String("pipeline", msg.Pipeline))
		if err := h.stream(ctx, c, msg.AskRequest); err != nil {
			logger.Error("Failed to stream response", zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) stream(ctx context.Context, c *websocket.Conn, req query.AskRequest) error {
	events := make(chan query.Event)
	go h.engine.Stream(ctx, req, events)

	var writeErr error
	for ev := range events {
		if writeErr != nil {
			continue
		}
		writeErr = c.WriteJSON(ev)
	}
	return writeErr
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) error {
	return c.WriteJSON(query.Event{Type: query.EventError, Error: errorMsg})
}
