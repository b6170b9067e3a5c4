package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/paperlog/internal/db"
	"github.com/paperlog/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultSummarySystemPrompt = "你是一个优秀的技术写作助手。请为输入的文章内容生成一段 2-4 句的中文摘要，突出关键要点，避免冗余。"

	summaryMaxTokens     = 240
	summaryTemperature   = 0.3
	summaryMinContent    = 10
	summaryContentBudget = 8000
	summaryMaxAttempts   = 3
	summaryCallTimeout   = 20 * time.Second
	summaryBackoffBase   = 300 * time.Millisecond
	summaryBackoffCap    = 5000 * time.Millisecond
)

var (
	// ErrSummaryContentTooShort 表示正文过短，无法生成摘要。
	ErrSummaryContentTooShort = errors.New("内容过短，无法生成摘要")
	// ErrAIServiceBusy 表示 AI 平台处于熔断冷却期。
	ErrAIServiceBusy = errors.New("服务繁忙，请稍后再试")
)

// SummaryOptions 控制一次摘要请求。
type SummaryOptions struct {
	// Force 为 true 时跳过缓存重新生成。
	Force bool
	// SystemPrompt 非空指针时覆盖已保存的提示词。
	SystemPrompt *string
}

// SummaryRecord 是后台查看的摘要缓存记录。
type SummaryRecord struct {
	Slug         string
	Provider     string
	Model        string
	Summary      *string
	SystemPrompt string
	UpdatedAt    *int64
}

// SummaryService 生成并缓存文章摘要：同一键的并发请求合并为一次上游调用，
// 失败按指数退避重试，并受平台级熔断器保护。
type SummaryService struct {
	db       *gorm.DB
	client   *AIClient
	breakers *CircuitBreakers
	group    singleflight.Group
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	timeout  time.Duration
}

// NewSummaryService 构造 SummaryService。
func NewSummaryService(gdb *gorm.DB, client *AIClient, breakers *CircuitBreakers, logger *zap.Logger) *SummaryService {
	if breakers == nil {
		breakers = NewCircuitBreakers()
	}
	return &SummaryService{
		db:       gdb,
		client:   client,
		breakers: breakers,
		logger:   logging.OrNop(logger),
		now:      time.Now,
		sleep:    sleepContext,
		timeout:  summaryCallTimeout,
	}
}

// WithClock 替换时钟。
func (s *SummaryService) WithClock(now func() time.Time) *SummaryService {
	if now != nil {
		s.now = now
	}
	return s
}

// WithSleep 替换重试间隔的等待函数，测试中可跳过真实等待。
func (s *SummaryService) WithSleep(sleep func(context.Context, time.Duration) error) *SummaryService {
	if sleep != nil {
		s.sleep = sleep
	}
	return s
}

// WithCallTimeout 调整单次上游调用超时。
func (s *SummaryService) WithCallTimeout(d time.Duration) *SummaryService {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Breakers 暴露熔断器，供健康检查展示。
func (s *SummaryService) Breakers() *CircuitBreakers {
	return s.breakers
}

// GetOrCreate 返回 key 对应的摘要，缓存未命中或 Force 时调用上游生成。
func (s *SummaryService) GetOrCreate(ctx context.Context, key, content string, opts SummaryOptions) (string, error) {
	if utf8.RuneCountInString(strings.TrimSpace(content)) < summaryMinContent {
		return "", ErrSummaryContentTooShort
	}

	ep, err := s.client.resolve()
	if err != nil {
		return "", err
	}

	if !opts.Force {
		cached, err := s.find(ctx, key, ep.Provider, ep.Model)
		if err != nil {
			return "", err
		}
		if cached != nil && cached.Summary != "" {
			return cached.Summary, nil
		}
	}

	flightKey := fmt.Sprintf("%s:%s:%s", key, ep.Provider, ep.Model)
	ch := s.group.DoChan(flightKey, func() (interface{}, error) {
		// 共享调用不随首个调用方取消
		return s.generate(context.WithoutCancel(ctx), key, content, ep, opts)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *SummaryService) generate(ctx context.Context, key, content string, ep aiEndpoint, opts SummaryOptions) (string, error) {
	if err := s.breakers.Allow(ep.Provider); err != nil {
		return "", err
	}
	if ep.APIKey == "" {
		return "", ErrAIAPIKeyMissing
	}

	trimmed := truncateRunes(content, summaryContentBudget)

	var lastErr error
	for attempt := 0; attempt < summaryMaxAttempts; attempt++ {
		summary, systemPrompt, err := s.attempt(ctx, key, trimmed, ep, opts)
		if err == nil {
			s.breakers.RecordSuccess(ep.Provider)
			if err := s.save(ctx, key, ep, summary, systemPrompt); err != nil {
				return "", err
			}
			return summary, nil
		}

		lastErr = err
		s.breakers.RecordFailure(ep.Provider)
		s.logger.Warn("summary_attempt_failed",
			zap.String("key", key),
			zap.String("provider", ep.Provider),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		if attempt < summaryMaxAttempts-1 {
			if err := s.sleep(ctx, summaryBackoff(attempt)); err != nil {
				return "", err
			}
		}
	}
	return "", lastErr
}

func (s *SummaryService) attempt(ctx context.Context, key, content string, ep aiEndpoint, opts SummaryOptions) (string, string, error) {
	systemPrompt, err := s.effectivePrompt(ctx, key, ep, opts)
	if err != nil {
		return "", "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.complete(callCtx, ep, aiChatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: content},
		},
		MaxTokens:   summaryMaxTokens,
		Temperature: summaryTemperature,
	})
	if err != nil {
		return "", "", err
	}
	return resp.Content, systemPrompt, nil
}

// effectivePrompt 依次使用请求参数、已保存的提示词和默认提示词。
func (s *SummaryService) effectivePrompt(ctx context.Context, key string, ep aiEndpoint, opts SummaryOptions) (string, error) {
	if opts.SystemPrompt != nil {
		if prompt := strings.TrimSpace(*opts.SystemPrompt); prompt != "" {
			return prompt, nil
		}
		return defaultSummarySystemPrompt, nil
	}

	record, err := s.find(ctx, key, ep.Provider, ep.Model)
	if err != nil {
		return "", err
	}
	if record != nil && record.SystemPrompt != nil {
		if prompt := strings.TrimSpace(*record.SystemPrompt); prompt != "" {
			return prompt, nil
		}
	}
	return defaultSummarySystemPrompt, nil
}

func (s *SummaryService) find(ctx context.Context, key, provider, model string) (*db.ArticleSummary, error) {
	var rows []db.ArticleSummary
	if err := s.db.WithContext(ctx).
		Where("slug = ? AND provider = ? AND model = ?", key, provider, model).
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load summary: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SummaryService) save(ctx context.Context, key string, ep aiEndpoint, summary, systemPrompt string) error {
	now := s.now().Unix()
	prompt := systemPrompt
	record := db.ArticleSummary{
		Slug:         key,
		Provider:     ep.Provider,
		Model:        ep.Model,
		Summary:      summary,
		SystemPrompt: &prompt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "slug"}, {Name: "provider"}, {Name: "model"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"summary":       summary,
			"system_prompt": prompt,
			"updated_at":    now,
		}),
	}).Create(&record).Error; err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// Get 返回当前平台下已缓存的摘要，不存在时返回空字符串。
func (s *SummaryService) Get(ctx context.Context, key string) (string, error) {
	ep, err := s.client.resolve()
	if err != nil {
		return "", err
	}
	record, err := s.find(ctx, key, ep.Provider, ep.Model)
	if err != nil || record == nil {
		return "", err
	}
	return record.Summary, nil
}

// Invalidate 删除当前平台下 key 的摘要缓存。
func (s *SummaryService) Invalidate(ctx context.Context, key string) error {
	ep, err := s.client.resolve()
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).
		Where("slug = ? AND provider = ? AND model = ?", key, ep.Provider, ep.Model).
		Delete(&db.ArticleSummary{}).Error; err != nil {
		return fmt.Errorf("invalidate summary: %w", err)
	}
	return nil
}

// AdminView 返回后台展示所需的摘要、生效的提示词与更新时间。
func (s *SummaryService) AdminView(ctx context.Context, key string) (SummaryRecord, error) {
	ep, err := s.client.resolve()
	if err != nil {
		return SummaryRecord{}, err
	}
	view := SummaryRecord{
		Slug:         key,
		Provider:     ep.Provider,
		Model:        ep.Model,
		SystemPrompt: defaultSummarySystemPrompt,
	}

	record, err := s.find(ctx, key, ep.Provider, ep.Model)
	if err != nil || record == nil {
		return view, err
	}
	summary := record.Summary
	updatedAt := record.UpdatedAt
	view.Summary = &summary
	view.UpdatedAt = &updatedAt
	if record.SystemPrompt != nil && strings.TrimSpace(*record.SystemPrompt) != "" {
		view.SystemPrompt = *record.SystemPrompt
	}
	return view, nil
}

// summaryBackoff 返回第 attempt 次失败后的等待时长：300ms 起翻倍，上限 5s。
func summaryBackoff(attempt int) time.Duration {
	d := summaryBackoffBase << attempt
	if d > summaryBackoffCap || d <= 0 {
		return summaryBackoffCap
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncateRunes(input string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(input)
	if len(runes) <= limit {
		return input
	}
	return string(runes[:limit])
}
