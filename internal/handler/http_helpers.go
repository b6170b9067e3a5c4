package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/paperlog/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	msgTooManyRequests = "请求过于频繁，请稍后再试"
	msgQuotaExceeded   = "今日该网站AI使用过多，网站作者已穷，请明天再来吧"
	msgAPIKeyMissing   = "服务未配置 API Key"
)

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}

func respondRetry(c *gin.Context, status int, message string, retryAfter int) {
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.JSON(status, gin.H{"success": false, "error": message, "retryAfter": retryAfter})
}

func bindJSON(c *gin.Context, dst interface{}, message string) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, http.StatusBadRequest, message)
		return false
	}
	return true
}

// remoteIPHeaders 为受信代理转发真实地址时使用的请求头，按顺序检查。
var remoteIPHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

// ConfigureClientIP 让引擎只信任 trusted 列表中的代理转发的地址头。
// trusted 为空时忽略全部转发头，直接使用连接地址。
func ConfigureClientIP(engine *gin.Engine, trusted []string) error {
	engine.ForwardedByClientIP = true
	engine.RemoteIPHeaders = remoteIPHeaders
	if len(trusted) == 0 {
		trusted = nil
	}
	return engine.SetTrustedProxies(trusted)
}

// ClientIP 返回 gin 解析出的客户端地址，无法确定时返回 unknown。
func ClientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// allow 按 key 做固定窗口限流，拒绝时直接写出 429。
func (a *API) allow(c *gin.Context, key string, cfg ratelimit.Config, message string) bool {
	result := a.limiter.Check(key, cfg)
	if result.Allowed {
		return true
	}
	requestLogger(c).Warn("rate_limit_block",
		zap.String("key", key),
		zap.Int("retryAfter", result.RetryAfter),
	)
	respondRetry(c, http.StatusTooManyRequests, message, result.RetryAfter)
	return false
}

// consumeQuota 占用一次全站 AI 配额，用尽时写出 429。
func (a *API) consumeQuota(c *gin.Context) bool {
	result, err := a.quota.Consume(c.Request.Context())
	if err != nil {
		requestLogger(c).Error("quota_check_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "配额检查失败")
		return false
	}
	if !result.Allowed {
		requestLogger(c).Warn("quota_exhausted", zap.Int64("limit", a.quota.Limit()))
		respondError(c, http.StatusTooManyRequests, msgQuotaExceeded)
		return false
	}
	return true
}
