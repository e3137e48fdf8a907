package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/analyzer"
	"github.com/Fhyywen/shixun-qiu/internal/chat"
	"github.com/Fhyywen/shixun-qiu/internal/embedding"
	"github.com/Fhyywen/shixun-qiu/internal/ingestion"
	"github.com/Fhyywen/shixun-qiu/internal/knowledge"
	"github.com/Fhyywen/shixun-qiu/internal/pipeline"
	"github.com/Fhyywen/shixun-qiu/internal/query"
	"github.com/Fhyywen/shixun-qiu/internal/storage/sqlite"
	"github.com/Fhyywen/shixun-qiu/pkg/config"
)

const streetsDoc = "东城区共有17个街道，包括东华门街道和景山街道。"

type testServer struct {
	app    *fiber.App
	root   string
	kbPath string
}

func newTestServer(t *testing.T, withBackends bool) *testServer {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	kbPath := filepath.Join(root, "kb")
	require.NoError(t, os.MkdirAll(kbPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(kbPath, "streets.txt"), []byte(streetsDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(kbPath, "case.txt"),
		[]byte("2022年 北京 法院 判决 合同纠纷 已结"), 0o644))

	emb := embedding.NewHashEmbedder(64)
	proc, err := ingestion.NewProcessor(emb, nil, ingestion.Options{
		ChunkSize:    200,
		ChunkOverlap: 20,
		SkipDirs:     []string{".kbqa"},
	}, zap.NewNop())
	require.NoError(t, err)
	kb, err := knowledge.NewManager(knowledge.Options{
		DefaultPath: kbPath,
		RootDir:     root,
		IndexDir:    ".kbqa",
	}, proc, emb, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kb.Close() })

	pipelines, err := pipeline.NewManager(pipeline.NewRAG(kb, nil, zap.NewNop()), zap.NewNop())
	require.NoError(t, err)

	var opts []query.Option
	if withBackends {
		store, err := chat.Open(ctx, config.ChatConfig{
			Driver:      chat.DriverSQLite,
			DSN:         filepath.Join(t.TempDir(), "chat.db") + "?_foreign_keys=on",
			AutoMigrate: true,
		}, chat.WithTokenCounter(chat.EstimateTokens))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		catalog, err := sqlite.NewClient(filepath.Join(t.TempDir(), "catalog.db"))
		require.NoError(t, err)
		require.NoError(t, catalog.InitSchema(ctx))
		t.Cleanup(func() { _ = catalog.Close() })

		opts = append(opts, query.WithChat(store), query.WithCatalog(catalog))
	}
	engine := query.NewEngine(kb, pipelines, zap.NewNop(), opts...)

	srv := New(Deps{
		Engine:   engine,
		Analyzer: analyzer.New(proc.Registry(), ".kbqa", zap.NewNop()),
		Server:   config.ServerConfig{RateLimitRPS: 1000, RateLimitBurst: 1000, AllowOrigins: "*"},
		Metrics:  true,
	})
	t.Cleanup(func() { _ = srv.Shutdown() })
	return &testServer{app: srv.App, root: root, kbPath: kbPath}
}

func (s *testServer) do(t *testing.T, method, target, contentType, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), fiber.MIMEApplicationJSON) && len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func (s *testServer) postJSON(t *testing.T, target string, body any) (int, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return s.do(t, http.MethodPost, target, fiber.MIMEApplicationJSON, string(data))
}

func TestIndexAndHealth(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	page, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(page), "知识库问答")

	code, body := s.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, 200, code)
	assert.Equal(t, "healthy", body["status"])

	code, body = s.do(t, http.MethodGet, "/ready", "", "")
	assert.Equal(t, 200, code)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, map[string]any{"chat": "ok", "catalog": "ok"}, body["checks"])

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err = s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestAsk(t *testing.T) {
	s := newTestServer(t, true)

	code, body := s.postJSON(t, "/ask", map[string]any{"question": "  "})
	assert.Equal(t, 400, code)
	assert.Equal(t, "请输入问题", body["error"])

	code, body = s.postJSON(t, "/ask", map[string]any{"question": streetsDoc, "user_id": "u1"})
	require.Equal(t, 200, code, body)
	assert.Contains(t, body["answer"], "东华门街道")
	assert.Equal(t, pipeline.SourceKnowledgeBase, body["source_type"])
	assert.Equal(t, query.DefaultPipeline, body["pipeline"])
	assert.NotEmpty(t, body["session_id"])
	assert.NotEmpty(t, body["query_id"])
	assert.NotEmpty(t, body["sources"])

	form := url.Values{"question": {streetsDoc}}
	code, body = s.do(t, http.MethodPost, "/ask", fiber.MIMEApplicationForm, form.Encode())
	assert.Equal(t, 200, code, body)

	code, _ = s.postJSON(t, "/ask", map[string]any{"question": "q", "pipeline": "nope"})
	assert.Equal(t, 404, code)

	code, _ = s.postJSON(t, "/ask", map[string]any{"question": "q", "knowledge_base_path": t.TempDir()})
	assert.Equal(t, 400, code)

	code, _ = s.postJSON(t, "/api/v1/ask", map[string]any{"question": strings.Repeat("问", 2001)})
	assert.Equal(t, 400, code)
}

func TestBatchAsk(t *testing.T) {
	s := newTestServer(t, false)

	code, body := s.postJSON(t, "/api/v1/ask/batch", map[string]any{"questions": []string{streetsDoc, " "}})
	require.Equal(t, 200, code, body)
	results := body["results"].([]any)
	require.Len(t, results, 2)
	assert.NotNil(t, results[0].(map[string]any)["response"])
	assert.NotEmpty(t, results[1].(map[string]any)["error"])

	code, _ = s.postJSON(t, "/api/v1/ask/batch", map[string]any{"questions": []string{}})
	assert.Equal(t, 400, code)
}

func TestBuildAndStats(t *testing.T) {
	s := newTestServer(t, false)

	code, body := s.postJSON(t, "/build", map[string]any{"force": true})
	require.Equal(t, 200, code, body)
	assert.Equal(t, true, body["success"])
	assert.Greater(t, body["chunks"], 0.0)
	assert.Equal(t, 2.0, body["documents"])

	code, body = s.do(t, http.MethodGet, "/stats", "", "")
	require.Equal(t, 200, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["initialized"])
	assert.Greater(t, body["document_count"], 0.0)

	empty := filepath.Join(s.root, "empty")
	require.NoError(t, os.MkdirAll(empty, 0o755))
	code, body = s.postJSON(t, "/api/v1/knowledge/build", map[string]any{"knowledge_base_path": empty})
	assert.Equal(t, 200, code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "知识库目录为空或不存在")

	code, _ = s.postJSON(t, "/build", map[string]any{"knowledge_base_path": t.TempDir()})
	assert.Equal(t, 400, code)

	code, body = s.do(t, http.MethodGet, "/api/v1/knowledge", "", "")
	assert.Equal(t, 200, code)
	assert.Len(t, body["knowledge_bases"], 1)
}

func TestPipelinesAndWorkflows(t *testing.T) {
	s := newTestServer(t, false)

	code, body := s.do(t, http.MethodGet, "/api/v1/pipelines", "", "")
	require.Equal(t, 200, code)
	var names []string
	for _, p := range body["pipelines"].([]any) {
		names = append(names, p.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, query.DefaultPipeline)

	code, body = s.do(t, http.MethodGet, "/api/v1/pipelines/"+query.DefaultPipeline, "", "")
	assert.Equal(t, 200, code)
	assert.NotEmpty(t, body["steps"])

	code, _ = s.do(t, http.MethodGet, "/api/v1/pipelines/nope", "", "")
	assert.Equal(t, 404, code)

	code, body = s.postJSON(t, "/api/v1/pipelines/deepnote_pipeline/run", map[string]any{"question": streetsDoc})
	require.Equal(t, 200, code, body)
	assert.Equal(t, "deepnote_pipeline", body["pipeline"])

	code, body = s.do(t, http.MethodGet, "/api/v1/workflows", "", "")
	require.Equal(t, 200, code)
	assert.ElementsMatch(t, []any{"adaptation", "deepnote", "vanilla"}, body["workflows"])

	code, body = s.postJSON(t, "/api/v1/workflows/vanilla/query", map[string]any{"query": streetsDoc})
	require.Equal(t, 200, code, body)
	assert.Equal(t, "vanilla", body["workflow"])
	assert.Contains(t, body["answer"], "东华门街道")

	code, _ = s.postJSON(t, "/api/v1/workflows/unknown/query", map[string]any{"query": "q"})
	assert.Equal(t, 404, code)
	code, _ = s.postJSON(t, "/api/v1/workflows/vanilla/query", map[string]any{"query": ""})
	assert.Equal(t, 400, code)
}

func TestSessions(t *testing.T) {
	s := newTestServer(t, true)

	code, body := s.postJSON(t, "/api/v1/sessions", map[string]any{"user_id": "u2", "title": "第一次"})
	require.Equal(t, 201, code, body)
	id := body["session_id"].(string)

	code, body = s.postJSON(t, "/ask", map[string]any{"question": streetsDoc, "session_id": id, "user_id": "u2"})
	require.Equal(t, 200, code, body)
	assert.Equal(t, id, body["session_id"])

	code, body = s.do(t, http.MethodGet, "/api/v1/sessions?user_id=u2", "", "")
	require.Equal(t, 200, code)
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, streetsDoc, sessions[0].(map[string]any)["first_question"])

	code, body = s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages", "", "")
	require.Equal(t, 200, code)
	assert.Len(t, body["messages"], 2)

	code, _ = s.do(t, http.MethodPatch, "/api/v1/sessions/"+id, fiber.MIMEApplicationJSON, `{"title":"改名"}`)
	assert.Equal(t, 200, code)
	code, body = s.do(t, http.MethodGet, "/api/v1/sessions/"+id, "", "")
	require.Equal(t, 200, code)
	assert.Equal(t, "改名", body["title"])

	code, _ = s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/close", "", "")
	assert.Equal(t, 200, code)
	code, body = s.do(t, http.MethodGet, "/api/v1/sessions?user_id=u2", "", "")
	require.Equal(t, 200, code)
	assert.Empty(t, body["sessions"])

	code, _ = s.do(t, http.MethodDelete, "/api/v1/sessions/"+id, "", "")
	assert.Equal(t, 204, code)
	code, _ = s.do(t, http.MethodGet, "/api/v1/sessions/"+id, "", "")
	assert.Equal(t, 404, code)
	code, _ = s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages", "", "")
	assert.Equal(t, 404, code)
}

func TestSessions_Unavailable(t *testing.T) {
	s := newTestServer(t, false)
	code, _ := s.do(t, http.MethodGet, "/api/v1/sessions", "", "")
	assert.Equal(t, 503, code)
	code, _ = s.do(t, http.MethodGet, "/api/v1/history?user_id=u1", "", "")
	assert.Equal(t, 503, code)
}

func TestHistoryAndFeedback(t *testing.T) {
	s := newTestServer(t, true)

	code, body := s.postJSON(t, "/ask", map[string]any{"question": streetsDoc, "user_id": "u3"})
	require.Equal(t, 200, code, body)
	queryID := body["query_id"].(string)

	code, body = s.do(t, http.MethodGet, "/api/v1/history?user_id=u3", "", "")
	require.Equal(t, 200, code)
	history := body["history"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, queryID, history[0].(map[string]any)["id"])

	code, _ = s.do(t, http.MethodGet, "/api/v1/history", "", "")
	assert.Equal(t, 400, code)

	code, body = s.do(t, http.MethodGet, "/api/v1/history/"+queryID+"/sources", "", "")
	require.Equal(t, 200, code)
	assert.NotEmpty(t, body["sources"])

	code, _ = s.postJSON(t, "/api/v1/feedback", map[string]any{"query_id": queryID, "rating": 7})
	assert.Equal(t, 400, code)
	code, _ = s.postJSON(t, "/api/v1/feedback", map[string]any{"rating": 3})
	assert.Equal(t, 400, code)
	code, body = s.postJSON(t, "/api/v1/feedback", map[string]any{"query_id": queryID, "rating": 5, "helpful": true})
	assert.Equal(t, 201, code)
	assert.Equal(t, true, body["success"])
}

func TestAnalyzeAndReport(t *testing.T) {
	s := newTestServer(t, false)

	code, _ := s.do(t, http.MethodGet, "/api/v1/knowledge/report", "", "")
	assert.Equal(t, 404, code)

	code, body := s.postJSON(t, "/api/v1/knowledge/analyze", map[string]any{})
	require.Equal(t, 200, code, body)
	cases := body["case_statistics"].(map[string]any)
	assert.Equal(t, 1.0, cases["total_cases"])

	code, body = s.do(t, http.MethodGet, "/api/v1/knowledge/report", "", "")
	require.Equal(t, 200, code)
	assert.Contains(t, body["report"], "总案件数: 1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/knowledge/report?format=text", nil)
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	text, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.HasPrefix(string(text), "知识库统计分析报告"))

	code, _ = s.do(t, http.MethodGet, "/api/v1/knowledge/graph", "", "")
	assert.Equal(t, 503, code)
}
