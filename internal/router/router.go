package router

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/paperlog/internal/config"
	"github.com/paperlog/internal/handler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sessionName = "paperlog_session"

// SetupRouter 配置 Gin 引擎和路由
func SetupRouter(cfg config.AppConfig, gdb *gorm.DB, logger *zap.Logger) (*gin.Engine, *handler.API) {
	api := handler.NewAPI(gdb, cfg, logger)
	return NewEngine(cfg, api), api
}

// NewEngine 基于已构造的 API 注册全部路由。
func NewEngine(cfg config.AppConfig, api *handler.API) *gin.Engine {
	r := gin.New()
	// 地址头只在连接来自受信代理时采信，配置有误则全部忽略
	if err := handler.ConfigureClientIP(r, cfg.TrustedProxies); err != nil {
		api.Logger().Warn("trusted_proxies_invalid", zap.Strings("proxies", cfg.TrustedProxies), zap.Error(err))
		_ = handler.ConfigureClientIP(r, nil)
	}
	r.Use(gin.Recovery())
	r.Use(handler.RequestContext(api.Logger()))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	corsConfig.AllowHeaders = []string{"Content-Type", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Retry-After"}
	publicCORS := cors.New(corsConfig)

	// 配置会话中间件
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   7 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	r.Use(sessions.Sessions(sessionName, store))

	public := r.Group("/api", publicCORS)
	{
		public.GET("/health", api.HealthCheck)
		public.POST("/analytics/collect", api.CollectEvents)
		public.POST("/summarize", api.Summarize)
		public.POST("/chat", api.Chat)
		public.GET("/likes", api.GetLikes)
		public.POST("/likes", api.ToggleLike)
		public.GET("/likes/popular", api.PopularArticles)
		public.GET("/articles/stats", api.ArticleStats)
		public.GET("/comments", api.GetComments)
		public.POST("/comments", api.CreateComment)
		public.GET("/comments/:id", api.CheckCommentDeletion)
		public.DELETE("/comments/:id", api.DeleteComment)
		public.GET("/search", api.SearchArticles)
		public.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	}

	auth := r.Group("/api/auth")
	{
		auth.POST("/login", api.Login)
		auth.POST("/logout", api.Logout)
	}

	// 控制台接口仅对内网开放，并要求管理员会话
	console := r.Group("/api", handler.ConsoleOnly(api.ConsoleAllowIPs()), handler.AuthRequired())
	{
		console.GET("/analytics/aggregate", api.AggregateAnalytics)

		console.GET("/admin/articles", api.AdminArticles)
		console.GET("/admin/comments", api.AdminComments)

		console.GET("/admin/summaries", api.GetAdminSummary)
		console.POST("/admin/summaries", api.RegenerateAdminSummary)
		console.DELETE("/admin/summaries", api.DeleteAdminSummary)

		console.GET("/admin/settings", api.GetSystemSettings)
		console.PUT("/admin/settings", api.UpdateSystemSettings)
		console.POST("/admin/settings/test", api.TestAIConnection)
	}

	return r
}
