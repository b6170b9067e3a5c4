package service

import (
	"context"
	"errors"
	"strings"

	"github.com/paperlog/internal/article"
	"github.com/paperlog/internal/logging"
	"go.uber.org/zap"
)

const (
	chatSystemPrompt = "你是一个中文技术写作与讲解助手。优先依据提供的上下文回答问题；若上下文不足，请明确说明需要更多信息。回答要简洁、步骤清晰，并在必要时给出示例。"

	chatMaxTokens     = 600
	chatTemperature   = 0.3
	chatContextBudget = 8000
)

// ErrChatMessageRequired 表示提问内容为空。
var ErrChatMessageRequired = errors.New("缺少提问内容")

// ChatTurn 是一条历史对话。
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatInput 描述一次文章问答请求。
type ChatInput struct {
	Message        string
	History        []ChatTurn
	ArticleContext string
	SelectedText   string
}

// ChatService 基于文章上下文回答读者提问。
type ChatService struct {
	client *AIClient
	logger *zap.Logger
}

// NewChatService 构造 ChatService。
func NewChatService(client *AIClient, logger *zap.Logger) *ChatService {
	return &ChatService{client: client, logger: logging.OrNop(logger)}
}

// Reply 以非流式方式返回完整回答。
func (s *ChatService) Reply(ctx context.Context, input ChatInput) (string, error) {
	ep, req, err := s.prepare(input)
	if err != nil {
		return "", err
	}
	resp, err := s.client.complete(ctx, ep, req)
	if err != nil {
		s.logger.Warn("chat_failed", zap.String("provider", ep.Provider), zap.Error(err))
		return "", err
	}
	return resp.Content, nil
}

// Stream 逐段回调回答内容，返回拼接后的全文。
func (s *ChatService) Stream(ctx context.Context, input ChatInput, onDelta func(string) error) (string, error) {
	ep, req, err := s.prepare(input)
	if err != nil {
		return "", err
	}
	full, err := s.client.stream(ctx, ep, req, onDelta)
	if err != nil {
		s.logger.Warn("chat_stream_failed", zap.String("provider", ep.Provider), zap.Error(err))
		return full, err
	}
	return full, nil
}

func (s *ChatService) prepare(input ChatInput) (aiEndpoint, aiChatRequest, error) {
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return aiEndpoint{}, aiChatRequest{}, ErrChatMessageRequired
	}

	ep, err := s.client.resolve()
	if err != nil {
		return aiEndpoint{}, aiChatRequest{}, err
	}
	if ep.APIKey == "" {
		return aiEndpoint{}, aiChatRequest{}, ErrAIAPIKeyMissing
	}

	messages := make([]chatMessage, 0, len(input.History)+2)
	messages = append(messages, chatMessage{Role: "system", Content: chatSystemPrompt})
	for _, turn := range input.History {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		messages = append(messages, chatMessage{Role: normalizeChatRole(turn.Role), Content: content})
	}
	messages = append(messages, chatMessage{
		Role:    "user",
		Content: composeChatQuestion(input.ArticleContext, input.SelectedText, message),
	})

	return ep, aiChatRequest{
		Messages:    messages,
		MaxTokens:   chatMaxTokens,
		Temperature: chatTemperature,
	}, nil
}

func normalizeChatRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant":
		return "assistant"
	case "system":
		return "system"
	default:
		return "user"
	}
}

// composeChatQuestion 将文章上下文、选中片段与问题拼成一条用户消息。
func composeChatQuestion(articleContext, selected, message string) string {
	var b strings.Builder
	if ctxText := strings.TrimSpace(articleContext); ctxText != "" {
		plain := article.PlainText(ctxText)
		if plain == "" {
			plain = ctxText
		}
		b.WriteString("【文章上下文】\n")
		b.WriteString(truncateRunes(plain, chatContextBudget))
		b.WriteString("\n\n")
	}
	if sel := strings.TrimSpace(selected); sel != "" {
		b.WriteString("【选中片段】\n")
		b.WriteString(sel)
		b.WriteString("\n\n")
	}
	b.WriteString("【用户问题】\n")
	b.WriteString(message)
	return b.String()
}
