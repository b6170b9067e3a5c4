package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/paperlog/internal/analytics"
	"github.com/paperlog/internal/ratelimit"
	"github.com/paperlog/internal/service"
	"go.uber.org/zap"
)

type collectRequest struct {
	Events []json.RawMessage `json:"events"`
}

// CollectEvents 接收前端埋点，尊重 DNT 并丢弃机器人流量。
func (a *API) CollectEvents(c *gin.Context) {
	log := requestLogger(c)
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "analytics"), ratelimit.APIGeneral, "Too Many Requests") {
		return
	}

	if strings.TrimSpace(c.GetHeader("DNT")) == "1" {
		log.Info("skip_dnt")
		respondOK(c, gin.H{"ok": true, "count": 0})
		return
	}
	if ua := c.GetHeader("User-Agent"); analytics.IsLikelyBot(ua) {
		log.Info("skip_bot", zap.String("ua", ua))
		respondOK(c, gin.H{"ok": true, "count": 0})
		return
	}

	// 请求体无法解析时按空批处理
	var body collectRequest
	_ = c.ShouldBindJSON(&body)
	if len(body.Events) > analytics.MaxEventsPerBatch {
		body.Events = body.Events[:analytics.MaxEventsPerBatch]
	}
	raws := make([]analytics.RawEvent, 0, len(body.Events))
	for _, item := range body.Events {
		var raw analytics.RawEvent
		if err := json.Unmarshal(item, &raw); err != nil {
			continue
		}
		raws = append(raws, raw)
	}

	count, err := a.analytics.Ingest(c.Request.Context(), raws)
	if err != nil {
		log.Error("collect_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	log.Info("collect_ok", zap.Int("count", count))
	respondOK(c, gin.H{"ok": true, "count": count})
}

// AggregateAnalytics 返回时间窗口内的统计报表，format=csv 时输出指定数据集。
func (a *API) AggregateAnalytics(c *gin.Context) {
	log := requestLogger(c)
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "analytics-agg"), ratelimit.APIGeneral, "Too Many Requests") {
		return
	}

	window := service.ResolveWindow(c.Query("range"), c.Query("start"), c.Query("end"), a.now())
	report, err := a.analytics.Aggregate(c.Request.Context(), window)
	if err != nil {
		log.Error("aggregate_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if strings.EqualFold(strings.TrimSpace(c.Query("format")), "csv") {
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Status(http.StatusOK)
		if err := service.WriteCSV(c.Writer, c.Query("dataset"), report); err != nil {
			log.Error("aggregate_csv_failed", zap.Error(err))
		}
		return
	}

	usage, err := a.quota.Peek(c.Request.Context())
	if err != nil {
		log.Warn("quota_peek_failed", zap.Error(err))
	}
	report.WithQuota(usage, a.quota.Limit())

	log.Info("aggregate_ok",
		zap.Int64("since", window.Since),
		zap.Int64("until", window.Until),
		zap.Int64("totalPv", report.TotalPV),
	)
	respondOK(c, report)
}

// ArticleStats 返回若干文章的累计浏览量与点赞数。
func (a *API) ArticleStats(c *gin.Context) {
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "article-stats"), ratelimit.APIGeneral, msgTooManyRequests) {
		return
	}

	var slugs []string
	if raw := strings.TrimSpace(c.Query("slugs")); raw != "" {
		slugs = strings.Split(raw, ",")
	} else if slug := strings.TrimSpace(c.Query("slug")); slug != "" {
		slugs = []string{slug}
	}

	stats, err := a.analytics.ArticleStats(c.Request.Context(), slugs)
	if err != nil {
		requestLogger(c).Error("article_stats_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "获取文章统计失败")
		return
	}
	if len(stats) == 0 {
		respondError(c, http.StatusBadRequest, "缺少 slug(s) 参数")
		return
	}
	respondOK(c, stats)
}
