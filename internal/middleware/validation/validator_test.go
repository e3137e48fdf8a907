package validation

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Post("/ask", Middleware(Config{MaxQuestionRunes: 10, MaxBatchSize: 2}), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func post(t *testing.T, app *fiber.App, contentType, body string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestMiddleware(t *testing.T) {
	app := newApp()
	tests := []struct {
		name        string
		contentType string
		body        string
		want        int
	}{
		{"valid json", fiber.MIMEApplicationJSON, `{"question":"北京有几个区"}`, 200},
		{"empty question passes", fiber.MIMEApplicationJSON, `{"question":""}`, 200},
		{"too long in runes", fiber.MIMEApplicationJSON, `{"question":"一二三四五六七八九十零"}`, 400},
		{"ten runes allowed", fiber.MIMEApplicationJSON, `{"question":"一二三四五六七八九十"}`, 200},
		{"nul in path", fiber.MIMEApplicationJSON, `{"question":"q","knowledge_base_path":"kb\u0000/x"}`, 400},
		{"batch too large", fiber.MIMEApplicationJSON, `{"questions":["a","b","c"]}`, 400},
		{"batch item too long", fiber.MIMEApplicationJSON, `{"questions":["a","0123456789x"]}`, 400},
		{"malformed json", fiber.MIMEApplicationJSON, `{"question":`, 400},
		{"unsupported type", "text/xml", `<q/>`, fiber.StatusUnsupportedMediaType},
		{"no body", "", "", 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, post(t, app, tt.contentType, tt.body))
		})
	}
}

func TestMiddleware_Form(t *testing.T) {
	app := newApp()
	form := url.Values{"question": {"0123456789abc"}}
	assert.Equal(t, 400, post(t, app, fiber.MIMEApplicationForm, form.Encode()))

	form.Set("question", "short")
	assert.Equal(t, 200, post(t, app, fiber.MIMEApplicationForm, form.Encode()))
}
