package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paperlog/internal/db"
	"github.com/paperlog/internal/service"
	"go.uber.org/zap"
)

const serviceVersion = "1.0.0"

// HealthCheck 检查数据库连通性，stats=true 时附带运行统计。
func (a *API) HealthCheck(c *gin.Context) {
	sqlDB, err := a.db.DB()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "database handle unavailable",
		})
		return
	}

	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"message": "database unreachable",
		})
		return
	}

	payload := gin.H{
		"status":    "healthy",
		"database":  "up",
		"timestamp": a.now().UTC().Format(time.RFC3339),
		"uptime":    int64(time.Since(a.startedAt).Seconds()),
		"version":   serviceVersion,
	}
	if c.Query("stats") == "true" {
		stats, err := a.healthStats(c)
		if err != nil {
			requestLogger(c).Error("health_stats_failed", zap.Error(err))
			payload["stats"] = gin.H{"error": "获取统计信息失败"}
		} else {
			payload["stats"] = stats
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (a *API) healthStats(c *gin.Context) (gin.H, error) {
	ctx := c.Request.Context()

	tables := map[string]interface{}{
		"events":       &db.Event{},
		"articleViews": &db.ArticleView{},
		"summaries":    &db.ArticleSummary{},
		"likes":        &db.ArticleLike{},
		"comments":     &db.Comment{},
	}
	database := gin.H{}
	for name, model := range tables {
		var count int64
		if err := a.db.WithContext(ctx).Model(model).Count(&count).Error; err != nil {
			return nil, err
		}
		database[name] = count
	}

	likes, err := a.likes.Stats(ctx, "")
	if err != nil {
		return nil, err
	}
	comments, err := a.comments.Stats(ctx, "")
	if err != nil {
		return nil, err
	}
	usage, err := a.quota.Peek(ctx)
	if err != nil {
		return nil, err
	}

	breakers := gin.H{}
	for _, provider := range []string{service.AIProviderOpenAI, service.AIProviderDeepSeek} {
		state := a.summaries.Breakers().State(provider)
		entry := gin.H{"fails": state.Fails}
		if !state.CooldownUntil.IsZero() {
			entry["cooldownUntil"] = state.CooldownUntil.UTC().Format(time.RFC3339)
		}
		breakers[provider] = entry
	}

	return gin.H{
		"database":  database,
		"likes":     likes,
		"comments":  comments,
		"rateLimit": a.limiter.Stats(),
		"aiQuota": gin.H{
			"todayUsed":  usage.Count,
			"dailyLimit": a.quota.Limit(),
		},
		"circuitBreakers": breakers,
	}, nil
}

type systemSettingsRequest struct {
	AIProvider     string `json:"aiProvider"`
	OpenAIAPIKey   string `json:"openaiApiKey"`
	DeepSeekAPIKey string `json:"deepseekApiKey"`
}

type aiTestRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
}

// GetSystemSettings 返回当前系统设置，API Key 仅展示末尾 4 位。
func (a *API) GetSystemSettings(c *gin.Context) {
	settings, err := a.system.GetSettings()
	if err != nil {
		requestLogger(c).Error("load_settings_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "获取系统设置失败")
		return
	}

	respondOK(c, gin.H{"settings": systemSettingsPayload(settings)})
}

// UpdateSystemSettings 保存系统设置。
func (a *API) UpdateSystemSettings(c *gin.Context) {
	var payload systemSettingsRequest
	if !bindJSON(c, &payload, "请填写完整的系统设置") {
		return
	}

	settings, err := a.system.UpdateSettings(payload.toInput())
	if err != nil {
		requestLogger(c).Error("save_settings_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "保存系统设置失败")
		return
	}

	requestLogger(c).Info("settings_updated", zap.String("aiProvider", settings.AIProvider))
	respondOK(c, gin.H{
		"message":  "系统设置已保存",
		"settings": systemSettingsPayload(settings),
	})
}

func (r systemSettingsRequest) toInput() service.SystemSettingsInput {
	return service.SystemSettingsInput{
		AIProvider:     r.AIProvider,
		OpenAIAPIKey:   r.OpenAIAPIKey,
		DeepSeekAPIKey: r.DeepSeekAPIKey,
	}
}

func systemSettingsPayload(settings service.SystemSettings) gin.H {
	return gin.H{
		"aiProvider":     settings.AIProvider,
		"openaiApiKey":   service.MaskAPIKey(settings.OpenAIAPIKey),
		"deepseekApiKey": service.MaskAPIKey(settings.DeepSeekAPIKey),
	}
}

// TestAIConnection 测试不同 AI 平台 API Key 的连通性。
func (a *API) TestAIConnection(c *gin.Context) {
	var payload aiTestRequest
	if !bindJSON(c, &payload, "请填写有效的 AI 配置信息") {
		return
	}

	if err := a.system.TestAIConnection(c.Request.Context(), payload.Provider, payload.APIKey); err != nil {
		switch {
		case errors.Is(err, service.ErrAIAPIKeyMissing):
			respondError(c, http.StatusBadRequest, "请填写有效的 AI API Key")
		default:
			respondError(c, http.StatusBadGateway, err.Error())
		}
		return
	}

	respondOK(c, gin.H{"message": "AI 接口连接正常"})
}
