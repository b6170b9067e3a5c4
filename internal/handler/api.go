package handler

import (
	"net/http"
	"time"

	"github.com/paperlog/internal/article"
	"github.com/paperlog/internal/config"
	"github.com/paperlog/internal/logging"
	"github.com/paperlog/internal/ratelimit"
	"github.com/paperlog/internal/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// API bundles shared dependencies for HTTP handlers.
type API struct {
	db        *gorm.DB
	logger    *zap.Logger
	limiter   *ratelimit.Limiter
	articles  *article.Store
	analytics *service.AnalyticsService
	quota     *service.AIQuotaService
	summaries *service.SummaryService
	chat      *service.ChatService
	likes     *service.LikeService
	comments  *service.CommentService
	search    *service.SearchService
	system    *service.SystemSettingService
	aiClient  *service.AIClient

	consoleAllowIPs []string
	startedAt       time.Time
	now             func() time.Time
}

// NewAPI constructs a handler set with shared services.
func NewAPI(gdb *gorm.DB, cfg config.AppConfig, logger *zap.Logger) *API {
	logger = logging.OrNop(logger)

	systemService := service.NewSystemSettingService(gdb, service.SystemSettings{
		AIProvider:     cfg.AIProvider,
		OpenAIAPIKey:   cfg.OpenAIAPIKey,
		DeepSeekAPIKey: cfg.DeepSeekAPIKey,
	})
	systemService.SetOpenAIBaseURL(cfg.OpenAIBaseURL)
	systemService.SetDeepSeekBaseURL(cfg.DeepSeekBaseURL)

	aiClient := service.NewAIClient(systemService, service.AIClientOptions{
		OpenAIBaseURL:     cfg.OpenAIBaseURL,
		OpenAIModel:       cfg.OpenAIModel,
		DeepSeekBaseURL:   cfg.DeepSeekBaseURL,
		DeepSeekModel:     cfg.DeepSeekModel,
		RequestsPerSecond: cfg.AIRequestsPerSecond,
		Burst:             cfg.AIRequestBurst,
	}, logger.Named("ai"))

	analyticsService := service.NewAnalyticsService(gdb, service.AnalyticsOptions{
		EventsRetentionDays: cfg.EventsRetentionDays,
		ViewsRetentionDays:  cfg.ViewsRetentionDays,
		CleanupSampling:     cfg.CleanupSampling,
	}, logger.Named("analytics"))

	articles := article.NewStore(cfg.ContentDir)

	return &API{
		db:              gdb,
		logger:          logger,
		limiter:         ratelimit.New(),
		articles:        articles,
		analytics:       analyticsService,
		quota:           service.NewAIQuotaService(gdb, cfg.DailyAILimit),
		summaries:       service.NewSummaryService(gdb, aiClient, service.NewCircuitBreakers(), logger.Named("summary")),
		chat:            service.NewChatService(aiClient, logger.Named("chat")),
		likes:           service.NewLikeService(gdb),
		comments:        service.NewCommentService(gdb),
		search:          service.NewSearchService(articles),
		system:          systemService,
		aiClient:        aiClient,
		consoleAllowIPs: cfg.ConsoleAllowIPs,
		startedAt:       time.Now(),
		now:             time.Now,
	}
}

// DB exposes the underlying gorm instance.
func (a *API) DB() *gorm.DB {
	return a.db
}

// Logger 返回根日志器。
func (a *API) Logger() *zap.Logger {
	return a.logger
}

// ConsoleAllowIPs 返回控制台额外放行的 IP 列表。
func (a *API) ConsoleAllowIPs() []string {
	return a.consoleAllowIPs
}

// SetAIHTTPClient 替换访问 AI 平台的 HTTP 客户端，主要用于测试。
func (a *API) SetAIHTTPClient(client interface {
	Do(req *http.Request) (*http.Response, error)
}) {
	a.aiClient.SetHTTPClient(client)
	a.system.SetHTTPClient(client)
}
