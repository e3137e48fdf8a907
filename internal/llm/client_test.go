package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fhyywen/shixun-qiu/pkg/config"
)

func chatReply(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-test",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
	}
}

func newTestClient(t *testing.T, provider string, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base := srv.URL + "/v1"
	if provider == ProviderAzure {
		base = srv.URL
	}
	c, err := NewClient(Config{
		Provider:        provider,
		Model:           "gpt-test",
		EmbeddingModel:  "embed-test",
		APIKey:          "sk-test",
		BaseURL:         base,
		AzureDeployment: "kb-deploy",
		Temperature:     0.7,
		MaxTokens:       256,
		Timeout:         5 * time.Second,
	})
	require.NoError(t, err)
	c.retryConfig.InitialDelay = time.Millisecond
	c.retryConfig.MaxDelay = 2 * time.Millisecond
	return c
}

func TestComplete_SendsHistoryAndPrompts(t *testing.T) {
	var got struct {
		Model       string    `json:"model"`
		Messages    []Message `json:"messages"`
		Temperature float32   `json:"temperature"`
		MaxTokens   int       `json:"max_tokens"`
	}
	c := newTestClient(t, ProviderOpenAI, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(chatReply("  东城区共有17个街道。 "))
	})

	resp, err := c.Complete(context.Background(), CompletionRequest{
		SystemPrompt: "system",
		UserPrompt:   "东城区有多少街道？",
		History:      []Message{{Role: "user", Content: "你好"}, {Role: "assistant", Content: "你好！"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "东城区共有17个街道。", resp.Content)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, 256, got.MaxTokens)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "assistant", got.Messages[2].Role)
	assert.Equal(t, "东城区有多少街道？", got.Messages[3].Content)
}

func TestComplete_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, ProviderOpenAI, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(chatReply("ok"))
	})

	resp, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestComplete_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, ProviderOpenAI, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	})

	_, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "q"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAzure_UsesDeploymentPath(t *testing.T) {
	c := newTestClient(t, ProviderAzure, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/openai/deployments/kb-deploy/chat/completions"), r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("api-key"))
		assert.NotEmpty(t, r.URL.Query().Get("api-version"))
		_ = json.NewEncoder(w).Encode(chatReply("azure"))
	})

	resp, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "azure", resp.Content)
}

func TestTongyi_ClampsTemperature(t *testing.T) {
	c := newTestClient(t, ProviderTongyi, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatReply("ok"))
	})
	assert.InDelta(t, 1.0, c.temperatureFor(1.8), 1e-6)
	assert.InDelta(t, 0.1, c.temperatureFor(0.01), 1e-6)
	assert.InDelta(t, 0.7, c.temperatureFor(0), 1e-6)
}

func TestGenerateBatchEmbeddings_OrdersByIndex(t *testing.T) {
	c := newTestClient(t, ProviderOpenAI, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "embed-test",
			"data": []map[string]any{
				{"object": "embedding", "index": 1, "embedding": []float32{0, 1}},
				{"object": "embedding", "index": 0, "embedding": []float32{1, 0}},
			},
			"usage": map[string]any{"prompt_tokens": 2, "total_tokens": 2},
		})
	})

	got, err := c.GenerateBatchEmbeddings(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, got)
}

func TestNewFromConfig_None(t *testing.T) {
	c, err := NewFromConfig(config.LLMConfig{Provider: "none"}, "")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = NewClient(Config{Provider: "huggingface"})
	assert.Error(t, err)
}

func TestParseEvaluationScore(t *testing.T) {
	s := ParseEvaluationScore("评估结果如下：\n{\"relevance\": 3, \"accuracy\": 2, \"completeness\": 2, \"faithfulness\": 3, \"classification\": \"fully_relevant\", \"reasoning\": \"好\"}")
	assert.Equal(t, 3.0, s.Relevance)
	assert.Equal(t, 2.0, s.Accuracy)
	assert.Equal(t, "fully_relevant", s.Classification)

	neutral := ParseEvaluationScore("无法评估")
	assert.Equal(t, "unparsed", neutral.Classification)
	assert.Equal(t, 2.0, neutral.Relevance)
}

func TestParseQuestionLines(t *testing.T) {
	got := ParseQuestionLines("1. 东城区有哪些街道？\n2、调研报告的结论是什么？\n\n- 数据来源是哪里？\nQ3: 样本量多大？")
	assert.Equal(t, []string{
		"东城区有哪些街道？",
		"调研报告的结论是什么？",
		"数据来源是哪里？",
		"样本量多大？",
	}, got)
}
