package handler

import (
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDHeader     = "X-Request-ID"
	requestIDContextKey = "request_id"
	loggerContextKey    = "__request_logger"
	sessionUserIDKey    = "user_id"
	sessionUsernameKey  = "username"
)

// 运营商级 NAT 地址段，常见于内网穿透与 Tailscale。
var cgnatPrefix = netip.MustParsePrefix("100.64.0.0/10")

// RequestContext 为每个请求分配请求 ID，并在上下文中放入带 reqId、route、method 的日志器。
// 请求结束后记录状态码与耗时。
func RequestContext(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		reqLogger := logger.With(
			zap.String("reqId", requestID),
			zap.String("route", route),
			zap.String("method", c.Request.Method),
		)
		c.Set(loggerContextKey, reqLogger)

		start := time.Now()
		c.Next()

		reqLogger.Info("http_request",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", ClientIP(c)),
		)
	}
}

func requestLogger(c *gin.Context) *zap.Logger {
	if value, ok := c.Get(loggerContextKey); ok {
		if logger, ok := value.(*zap.Logger); ok {
			return logger
		}
	}
	return zap.NewNop()
}

// ConsoleOnly 仅放行来自本机、内网或白名单的请求，其余一律 404。
func ConsoleOnly(allowIPs []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsConsoleIP(ClientIP(c), allowIPs) {
			respondError(c, http.StatusNotFound, "Not found")
			c.Abort()
			return
		}
		c.Next()
	}
}

// IsConsoleIP 判断 ip 是否可以访问控制台。
func IsConsoleIP(ip string, allowIPs []string) bool {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return false
	}
	for _, allowed := range allowIPs {
		if ip == allowed {
			return true
		}
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || (addr.Is4() && cgnatPrefix.Contains(addr))
}

// AuthRequired 要求请求携带已登录的管理员会话。
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		if session.Get(sessionUserIDKey) == nil {
			respondError(c, http.StatusUnauthorized, "需要管理员权限")
			c.Abort()
			return
		}
		c.Next()
	}
}
