// Package api assembles the HTTP server: middleware, routes and the embedded
// web page.
package api

import (
	_ "embed"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/analyzer"
	"github.com/Fhyywen/shixun-qiu/internal/api/handlers"
	"github.com/Fhyywen/shixun-qiu/internal/metrics"
	"github.com/Fhyywen/shixun-qiu/internal/middleware/ratelimit"
	"github.com/Fhyywen/shixun-qiu/internal/middleware/security"
	"github.com/Fhyywen/shixun-qiu/internal/middleware/validation"
	"github.com/Fhyywen/shixun-qiu/internal/query"
	"github.com/Fhyywen/shixun-qiu/pkg/config"
)

//go:embed web/index.html
var indexHTML []byte

const maxQuestionRunes = 2000

type Deps struct {
	Engine   *query.Engine
	Analyzer *analyzer.Analyzer
	// Graph is nil when no graph database is configured.
	Graph   handlers.CaseGraph
	Server  config.ServerConfig
	Metrics bool
	// RequestLog enables the per-request access log.
	RequestLog bool
	Logger     *zap.Logger
}

// Server is the fiber app plus the resources it owns.
type Server struct {
	App     *fiber.App
	limiter *ratelimit.RateLimiter
}

func (s *Server) Listen(addr string) error { return s.App.Listen(addr) }

func (s *Server) Shutdown() error {
	s.limiter.Stop()
	return s.App.Shutdown()
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		AppName:      "kbqa",
		ReadTimeout:  time.Duration(d.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(d.Server.WriteTimeoutSec) * time.Second,
		BodyLimit:    d.Server.BodyLimit,
	})

	app.Use(recover.New())
	if d.RequestLog {
		app.Use(fiberlogger.New())
	}
	allowOrigins := d.Server.AllowOrigins
	if allowOrigins == "" {
		allowOrigins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: security.SplitOrigins(d.Server.AllowOrigins),
	}))

	engine := d.Engine
	health := handlers.NewHealthHandler(engine.Knowledge())
	if s := engine.Chat(); s != nil {
		health.AddCheck("chat", s)
	}
	if c := engine.Cache(); c != nil {
		health.AddCheck("redis", c)
	}
	if c := engine.Catalog(); c != nil {
		health.AddCheck("catalog", c)
	}

	app.Get("/", func(c *fiber.Ctx) error {
		c.Type("html", "utf-8")
		return c.Send(indexHTML)
	})
	app.Get("/health", health.Health)
	app.Get("/ready", health.Ready)
	if d.Metrics {
		metrics.Init()
		app.Get("/metrics", metrics.MetricsHandler())
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: d.Server.RateLimitRPS,
		Burst:             d.Server.RateLimitBurst,
		Logger:            d.Logger,
	})
	app.Use(limiter.Middleware())

	validate := validation.Middleware(validation.Config{
		MaxQuestionRunes: maxQuestionRunes,
		Logger:           d.Logger,
	})

	queryHandler := handlers.NewQueryHandler(engine)
	documentHandler := handlers.NewDocumentHandler(engine.Knowledge(), d.Analyzer, d.Graph)
	pipelineHandler := handlers.NewPipelineHandler(engine)
	sessionHandler := handlers.NewSessionHandler(engine.Chat(), engine.Knowledge())
	wsHandler := handlers.NewWebSocketHandler(engine)

	app.Post("/ask", validate, queryHandler.Ask)
	app.Post("/build", documentHandler.Build)
	app.Get("/stats", documentHandler.Stats)

	api := app.Group("/api/v1")

	api.Get("/health", health.Health)
	api.Get("/ready", health.Ready)

	api.Post("/ask", validate, queryHandler.Ask)
	api.Post("/ask/batch", validate, queryHandler.BatchAsk)
	api.Get("/history", queryHandler.GetQueryHistory)
	api.Get("/history/:id/sources", queryHandler.GetQuerySources)
	api.Post("/feedback", queryHandler.Feedback)

	api.Get("/pipelines", pipelineHandler.ListPipelines)
	api.Get("/pipelines/:name", pipelineHandler.GetPipeline)
	api.Post("/pipelines/:name/run", validate, pipelineHandler.RunPipeline)
	api.Get("/workflows", pipelineHandler.ListWorkflows)
	api.Post("/workflows/:name/query", pipelineHandler.QueryWorkflow)

	api.Get("/knowledge", documentHandler.ListKnowledgeBases)
	api.Post("/knowledge/build", documentHandler.Build)
	api.Get("/knowledge/stats", documentHandler.Stats)
	api.Post("/knowledge/analyze", documentHandler.Analyze)
	api.Get("/knowledge/report", documentHandler.Report)
	api.Get("/knowledge/graph", documentHandler.Graph)

	sessions := api.Group("/sessions", sessionHandler.Available)
	sessions.Get("/", sessionHandler.List)
	sessions.Post("/", sessionHandler.Create)
	sessions.Get("/:id", sessionHandler.Get)
	sessions.Get("/:id/messages", sessionHandler.Messages)
	sessions.Patch("/:id", sessionHandler.Update)
	sessions.Post("/:id/close", sessionHandler.Close)
	sessions.Delete("/:id", sessionHandler.Delete)

	api.Get("/ws", wsHandler.Upgrade, websocket.New(wsHandler.HandleConnection))

	return &Server{App: app, limiter: limiter}
}
