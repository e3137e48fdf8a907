package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Config struct {
	MaxQuestionRunes    int
	MaxBatchSize        int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// askPayload covers both the single and the batch ask bodies.
type askPayload struct {
	Question          string   `json:"question" form:"question"`
	KnowledgeBasePath string   `json:"knowledge_base_path" form:"knowledge_base_path"`
	Questions         []string `json:"questions" form:"questions"`
}

// Middleware rejects ask requests whose question is too long or whose
// knowledge base path cannot name a file. Empty questions pass through so the
// handler can answer them with its own message.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQuestionRunes == 0 {
		cfg.MaxQuestionRunes = 2000
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 50
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{
			fiber.MIMEApplicationJSON,
			fiber.MIMEApplicationForm,
			fiber.MIMEMultipartForm,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if len(c.Body()) == 0 {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !allowed(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "不支持的请求类型",
			})
		}

		var req askPayload
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "请求格式错误",
			})
		}

		if len(req.Questions) > cfg.MaxBatchSize {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fmt.Sprintf("一次最多提交 %d 个问题", cfg.MaxBatchSize),
			})
		}
		for _, q := range append(req.Questions, req.Question) {
			if utf8.RuneCountInString(q) > cfg.MaxQuestionRunes {
				cfg.Logger.Warn("Question too long",
					zap.String("ip", c.IP()),
					zap.Int("runes", utf8.RuneCountInString(q)),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": fmt.Sprintf("问题长度不能超过 %d 个字符", cfg.MaxQuestionRunes),
				})
			}
		}

		if strings.ContainsRune(req.KnowledgeBasePath, 0) {
			cfg.Logger.Warn("Invalid knowledge base path", zap.String("ip", c.IP()))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "知识库路径无效",
			})
		}

		return c.Next()
	}
}

func allowed(contentType string, types []string) bool {
	for _, t := range types {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}
