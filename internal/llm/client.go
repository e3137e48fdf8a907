package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/metrics"
	"github.com/Fhyywen/shixun-qiu/pkg/circuitbreaker"
	"github.com/Fhyywen/shixun-qiu/pkg/config"
	"github.com/Fhyywen/shixun-qiu/pkg/logger"
	"github.com/Fhyywen/shixun-qiu/pkg/retry"
)

const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
	ProviderTongyi = "tongyi"

	// DashScope exposes Qwen models through an OpenAI-compatible endpoint.
	tongyiBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

	embeddingBatchSize = 100
)

var ErrDisabled = errors.New("llm provider is disabled")

type Config struct {
	Provider        string
	Model           string
	EmbeddingModel  string
	APIKey          string
	BaseURL         string
	AzureDeployment string
	AzureAPIVersion string
	Temperature     float32
	MaxTokens       int
	Timeout         time.Duration
}

type Client struct {
	client         *openai.Client
	provider       string
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
	log            *zap.Logger
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	History      []Message
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NewFromConfig returns nil, nil when the provider is "none".
func NewFromConfig(cfg config.LLMConfig, embeddingModel string) (*Client, error) {
	if strings.EqualFold(cfg.Provider, ProviderNone) || cfg.Provider == "" {
		return nil, nil
	}
	return NewClient(Config{
		Provider:        cfg.Provider,
		Model:           cfg.Model,
		EmbeddingModel:  embeddingModel,
		APIKey:          cfg.APIKey,
		BaseURL:         cfg.BaseURL,
		AzureDeployment: cfg.AzureDeployment,
		AzureAPIVersion: cfg.AzureAPIVersion,
		Temperature:     cfg.Temperature,
		MaxTokens:       cfg.MaxTokens,
		Timeout:         time.Duration(cfg.TimeoutSec) * time.Second,
	})
}

func NewClient(cfg Config) (*Client, error) {
	provider := strings.ToLower(cfg.Provider)

	var clientConfig openai.ClientConfig
	switch provider {
	case ProviderOpenAI:
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
	case ProviderAzure:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("azure provider requires llm.baseURL")
		}
		clientConfig = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.AzureAPIVersion != "" {
			clientConfig.APIVersion = cfg.AzureAPIVersion
		}
		if cfg.AzureDeployment != "" {
			deployment := cfg.AzureDeployment
			clientConfig.AzureModelMapperFunc = func(string) string { return deployment }
		}
	case ProviderTongyi:
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		clientConfig.BaseURL = tongyiBaseURL
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
	case ProviderNone, "":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}

	log := logger.Named("llm")

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        isTransient,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.BreakerStateChanged(name, int(to))
		},
		Logger: log,
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Retryable:      isTransient,
		Logger:         log,
	}

	log.Info("LLM client initialized",
		zap.String("provider", provider),
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client:         openai.NewClientWithConfig(clientConfig),
		provider:       provider,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        cfg.Timeout,
		cb:             cb,
		retryConfig:    retryConfig,
		log:            log,
	}, nil
}

func (c *Client) Provider() string { return c.provider }
func (c *Client) Model() string    { return c.model }

// isTransient treats rate limiting, server errors and transport failures as
// worth retrying; other API errors are the caller's fault.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}

func (c *Client) temperatureFor(requested float32) float32 {
	t := requested
	if t == 0 {
		t = c.temperature
	}
	if c.provider == ProviderTongyi {
		if t < 0.1 {
			t = 0.1
		}
		if t > 1.0 {
			t = 1.0
		}
	}
	return t
}

func (c *Client) observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LLMRequests.WithLabelValues(c.provider, operation, status).Inc()
	metrics.LLMDuration.WithLabelValues(c.provider, operation).Observe(time.Since(start).Seconds())
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.History {
		if m.Role == "" || m.Content == "" {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	return c.chat(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperatureFor(req.Temperature),
		MaxTokens:   maxTokens,
	})
}

// Chat sends a prepared message list as-is.
func (c *Client) Chat(ctx context.Context, messages []Message, temperature float32, maxTokens int) (*CompletionResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperatureFor(temperature),
		MaxTokens:   maxTokens,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.maxTokens
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return c.chat(ctx, req)
}

func (c *Client) chat(ctx context.Context, req openai.ChatCompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	result, err := circuitbreaker.Call(ctx, c.cb, func() (*CompletionResponse, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*CompletionResponse, error) {
			resp, err := c.client.CreateChatCompletion(ctx, req)
			if err != nil {
				return nil, fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return nil, retry.Permanent(fmt.Errorf("completion returned no choices"))
			}
			return &CompletionResponse{
				Content: strings.TrimSpace(resp.Choices[0].Message.Content),
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}, nil
		})
	})
	c.observe("chat", start, err)
	if err != nil {
		return nil, err
	}

	metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(result.Usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(result.Usage.CompletionTokens))
	c.log.Debug("LLM completion generated",
		zap.Int("prompt_tokens", result.Usage.PromptTokens),
		zap.Int("completion_tokens", result.Usage.CompletionTokens),
		zap.Duration("latency", time.Since(start)),
	)

	return result, nil
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.GenerateBatchEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.embeddingModel == "" {
		return nil, fmt.Errorf("no embedding model configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	embeddings := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += embeddingBatchSize {
		end := i + embeddingBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		vectors, err := circuitbreaker.Call(ctx, c.cb, func() ([][]float32, error) {
			return retry.DoWithResult(ctx, c.retryConfig, func() ([][]float32, error) {
				resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
					Input: batch,
					Model: openai.EmbeddingModel(c.embeddingModel),
				})
				if err != nil {
					return nil, fmt.Errorf("failed to generate batch embeddings: %w", err)
				}
				if len(resp.Data) != len(batch) {
					return nil, retry.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(batch), len(resp.Data)))
				}
				sort.Slice(resp.Data, func(a, b int) bool { return resp.Data[a].Index < resp.Data[b].Index })
				out := make([][]float32, len(resp.Data))
				for j, d := range resp.Data {
					out[j] = d.Embedding
				}
				return out, nil
			})
		})
		if err != nil {
			c.observe("embedding", start, err)
			return nil, err
		}
		embeddings = append(embeddings, vectors...)
	}

	c.observe("embedding", start, nil)
	c.log.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

type EvaluationScore struct {
	Relevance      float64 `json:"relevance"`
	Accuracy       float64 `json:"accuracy"`
	Completeness   float64 `json:"completeness"`
	Faithfulness   float64 `json:"faithfulness"`
	Classification string  `json:"classification"`
	Reasoning      string  `json:"reasoning"`
}

func (c *Client) EvaluateResponse(ctx context.Context, question, answer, reference string) (*EvaluationScore, error) {
	systemPrompt := `你是问答系统的评估专家。请对知识库问答的回答质量打分。

评分范围 1-3:
1. relevance: 是否回应了问题
2. accuracy: 信息是否正确
3. completeness: 是否完整
4. faithfulness: 是否忠实于参考答案/背景信息

只返回JSON:
{"relevance": 3, "accuracy": 3, "completeness": 2, "faithfulness": 3, "classification": "fully_relevant", "reasoning": "说明"}`

	userPrompt := fmt.Sprintf("问题: %s\n\n回答: %s\n\n参考答案: %s\n\n请评估该回答。", question, answer, reference)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.1,
		MaxTokens:    400,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate response: %w", err)
	}

	return ParseEvaluationScore(resp.Content), nil
}

// ParseEvaluationScore extracts the JSON object from a judge reply. Replies
// without parseable JSON get neutral scores.
func ParseEvaluationScore(content string) *EvaluationScore {
	neutral := &EvaluationScore{
		Relevance:      2,
		Accuracy:       2,
		Completeness:   2,
		Faithfulness:   2,
		Classification: "unparsed",
		Reasoning:      strings.TrimSpace(content),
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return neutral
	}

	var score EvaluationScore
	if err := json.Unmarshal([]byte(content[start:end+1]), &score); err != nil {
		return neutral
	}
	return &score
}

// GenerateQuestions asks the model for up to n questions answerable from the document.
func (c *Client) GenerateQuestions(ctx context.Context, document string, n int) ([]string, error) {
	prompt := fmt.Sprintf(`根据以下文档内容，生成%d个可能的问题。每个问题应该：
1. 基于文档内容
2. 清晰具体
3. 覆盖文档的不同方面

文档内容:
%s

请直接输出问题，每个问题一行:`, n, document)

	resp, err := c.Complete(ctx, CompletionRequest{
		UserPrompt:  prompt,
		Temperature: 0.7,
		MaxTokens:   500,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate questions: %w", err)
	}

	questions := ParseQuestionLines(resp.Content)
	if len(questions) > n {
		questions = questions[:n]
	}
	return questions, nil
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.、)）]|[（(]\d+[)）]|[QqＱ]\d*[:：])\s*`)

// ParseQuestionLines splits a model reply into one question per non-empty line,
// stripping list numbering.
func ParseQuestionLines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
