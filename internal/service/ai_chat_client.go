package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/paperlog/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type aiChatRequest struct {
	Messages    []chatMessage
	MaxTokens   int
	Temperature float64
}

type aiChatResponse struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// aiEndpoint 是一次调用解析出的平台、模型与凭据。
type aiEndpoint struct {
	Provider string
	Label    string
	APIKey   string
	BaseURL  string
	Model    string
}

type settingsSource interface {
	GetSettings() (SystemSettings, error)
}

// AIClientOptions 配置 AI 平台的地址、模型与出站限速。
type AIClientOptions struct {
	OpenAIBaseURL     string
	OpenAIModel       string
	DeepSeekBaseURL   string
	DeepSeekModel     string
	RequestsPerSecond float64
	Burst             int
}

// AIClient 封装 OpenAI 兼容的 chat completions 接口。
type AIClient struct {
	settings        settingsSource
	http            httpDoer
	openAIBaseURL   string
	openAIModel     string
	deepSeekBaseURL string
	deepSeekModel   string
	pacer           *rate.Limiter
	logger          *zap.Logger
}

// NewAIClient 创建 AIClient，每次调用时从 settings 读取当前平台与 API Key。
func NewAIClient(settings settingsSource, opts AIClientOptions, logger *zap.Logger) *AIClient {
	c := &AIClient{
		settings:        settings,
		http:            &http.Client{Timeout: 180 * time.Second},
		openAIBaseURL:   "https://api.openai.com/v1",
		openAIModel:     "gpt-4o-mini",
		deepSeekBaseURL: "https://api.deepseek.com/v1",
		deepSeekModel:   "deepseek-chat",
		logger:          logging.OrNop(logger),
	}
	c.SetOpenAIBaseURL(opts.OpenAIBaseURL)
	c.SetDeepSeekBaseURL(opts.DeepSeekBaseURL)
	c.SetOpenAIModel(opts.OpenAIModel)
	c.SetDeepSeekModel(opts.DeepSeekModel)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.pacer = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

// SetHTTPClient 覆盖默认 HTTP 客户端，主要用于测试。
func (c *AIClient) SetHTTPClient(client httpDoer) {
	if client == nil {
		c.http = &http.Client{Timeout: 180 * time.Second}
		return
	}
	c.http = client
}

// SetOpenAIBaseURL 覆盖默认的 OpenAI API 地址。
func (c *AIClient) SetOpenAIBaseURL(base string) {
	if trimmed := strings.TrimRight(strings.TrimSpace(base), "/"); trimmed != "" {
		c.openAIBaseURL = trimmed
	}
}

// SetDeepSeekBaseURL 覆盖默认的 DeepSeek API 地址。
func (c *AIClient) SetDeepSeekBaseURL(base string) {
	if trimmed := strings.TrimRight(strings.TrimSpace(base), "/"); trimmed != "" {
		c.deepSeekBaseURL = trimmed
	}
}

// SetOpenAIModel 指定 OpenAI 使用的模型名称。
func (c *AIClient) SetOpenAIModel(model string) {
	if model = strings.TrimSpace(model); model != "" {
		c.openAIModel = model
	}
}

// SetDeepSeekModel 指定 DeepSeek 使用的模型名称。
func (c *AIClient) SetDeepSeekModel(model string) {
	if model = strings.TrimSpace(model); model != "" {
		c.deepSeekModel = model
	}
}

// resolve 读取当前配置的平台，API Key 可能为空，由调用方决定是否报错。
func (c *AIClient) resolve() (aiEndpoint, error) {
	var settings SystemSettings
	if c.settings != nil {
		loaded, err := c.settings.GetSettings()
		if err != nil {
			return aiEndpoint{}, fmt.Errorf("读取系统设置失败: %w", err)
		}
		settings = loaded
	}

	switch normalizeAIProvider(settings.AIProvider) {
	case AIProviderDeepSeek:
		return aiEndpoint{
			Provider: AIProviderDeepSeek,
			Label:    "DeepSeek",
			APIKey:   strings.TrimSpace(settings.DeepSeekAPIKey),
			BaseURL:  c.deepSeekBaseURL,
			Model:    c.deepSeekModel,
		}, nil
	default:
		return aiEndpoint{
			Provider: AIProviderOpenAI,
			Label:    "OpenAI",
			APIKey:   strings.TrimSpace(settings.OpenAIAPIKey),
			BaseURL:  c.openAIBaseURL,
			Model:    c.openAIModel,
		}, nil
	}
}

func (c *AIClient) newRequest(ctx context.Context, ep aiEndpoint, req aiChatRequest, stream bool) (*http.Request, error) {
	if ep.APIKey == "" {
		return nil, ErrAIAPIKeyMissing
	}

	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, fmt.Errorf("等待 %s 请求配额失败: %w", ep.Label, err)
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens < 0 {
		maxTokens = 0
	}
	if n := len(req.Messages); n > 0 {
		logAIExchange(c.logger, ep.Label, "prompt", req.Messages[n-1].Content)
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:       ep.Model,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}

	endpoint := strings.TrimRight(ep.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建 %s 请求失败: %w", ep.Label, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set("User-Agent", "paperlog-ai/1.0")
	return httpReq, nil
}

func (c *AIClient) client() httpDoer {
	if c.http == nil {
		return http.DefaultClient
	}
	return c.http
}

// complete 发起一次非流式请求并返回首个候选结果。
func (c *AIClient) complete(ctx context.Context, ep aiEndpoint, req aiChatRequest) (aiChatResponse, error) {
	httpReq, err := c.newRequest(ctx, ep, req, false)
	if err != nil {
		return aiChatResponse{}, err
	}

	resp, err := c.client().Do(httpReq)
	if err != nil {
		return aiChatResponse{}, fmt.Errorf("请求 %s 接口失败: %w", ep.Label, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return aiChatResponse{}, fmt.Errorf("读取 %s 响应失败: %w", ep.Label, err)
	}

	var completion chatCompletionResponse
	decodeErr := json.Unmarshal(respBody, &completion)

	if resp.StatusCode >= http.StatusBadRequest {
		errMsg := strings.TrimSpace(completion.Error.Message)
		if errMsg == "" {
			errMsg = strings.TrimSpace(string(respBody))
		}
		if errMsg == "" {
			errMsg = resp.Status
		}
		return aiChatResponse{}, fmt.Errorf("%s 接口返回错误：%s", ep.Label, errMsg)
	}
	if decodeErr != nil {
		return aiChatResponse{}, fmt.Errorf("解析 %s 响应失败: %w", ep.Label, decodeErr)
	}

	if len(completion.Choices) == 0 {
		return aiChatResponse{}, fmt.Errorf("%s 接口未返回结果", ep.Label)
	}

	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return aiChatResponse{}, fmt.Errorf("%s 返回内容为空", ep.Label)
	}
	logAIExchange(c.logger, ep.Label, "response", content)
	return aiChatResponse{
		Content:          content,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
	}, nil
}

// errStopStream 由回调返回时提前结束读取，不视为错误。
var errStopStream = errors.New("stop stream")

// stream 发起流式请求，逐段回调增量内容，返回拼接后的全文。
func (c *AIClient) stream(ctx context.Context, ep aiEndpoint, req aiChatRequest, onDelta func(string) error) (string, error) {
	httpReq, err := c.newRequest(ctx, ep, req, true)
	if err != nil {
		return "", err
	}

	resp, err := c.client().Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求 %s 接口失败: %w", ep.Label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var completion chatCompletionResponse
		errMsg := ""
		if json.Unmarshal(body, &completion) == nil {
			errMsg = strings.TrimSpace(completion.Error.Message)
		}
		if errMsg == "" {
			errMsg = strings.TrimSpace(string(body))
		}
		if errMsg == "" {
			errMsg = resp.Status
		}
		return "", fmt.Errorf("%s 接口返回错误：%s", ep.Label, errMsg)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}

		delta := chunk.Choices[0].Delta.Content
		full.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				if errors.Is(err, errStopStream) {
					return full.String(), nil
				}
				return full.String(), err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("读取 %s 流式响应失败: %w", ep.Label, err)
	}
	logAIExchange(c.logger, ep.Label, "stream", full.String())
	return full.String(), nil
}
