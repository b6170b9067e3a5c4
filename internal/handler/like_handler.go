package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/paperlog/internal/ratelimit"
	"github.com/paperlog/internal/service"
	"go.uber.org/zap"
)

type likeRequest struct {
	ArticleID string `json:"articleId"`
	UserID    string `json:"userId"`
}

func isLikeValidationError(err error) bool {
	return errors.Is(err, service.ErrLikeSlugInvalid) || errors.Is(err, service.ErrLikeFingerprintInvalid)
}

// GetLikes 返回文章点赞数，带 userId 时同时返回该访客是否已点赞。
func (a *API) GetLikes(c *gin.Context) {
	articleID := strings.TrimSpace(c.Query("articleId"))
	if articleID == "" {
		respondError(c, http.StatusBadRequest, "缺少文章ID参数")
		return
	}

	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "get-likes"), ratelimit.APIGeneral, msgTooManyRequests) {
		return
	}

	status, err := a.likes.Status(c.Request.Context(), articleID, c.Query("userId"))
	if err != nil {
		if isLikeValidationError(err) {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		requestLogger(c).Error("like_status_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "获取点赞状态失败")
		return
	}
	respondOK(c, status)
}

// ToggleLike 切换访客对文章的点赞状态。
func (a *API) ToggleLike(c *gin.Context) {
	var payload likeRequest
	if !bindJSON(c, &payload, "数据验证失败: 请求体格式错误") {
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		userID = "anonymous"
	}
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, userID+":like"), ratelimit.Like, "点赞过于频繁，请稍后再试") {
		return
	}

	result, err := a.likes.Toggle(c.Request.Context(), payload.ArticleID, payload.UserID)
	if err != nil {
		if isLikeValidationError(err) {
			respondError(c, http.StatusBadRequest, "数据验证失败: "+err.Error())
			return
		}
		requestLogger(c).Error("like_toggle_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "切换点赞状态失败")
		return
	}

	requestLogger(c).Info("like_toggled",
		zap.String("articleId", payload.ArticleID),
		zap.String("action", result.Action),
	)
	respondOK(c, result)
}

// PopularArticles 返回点赞最多的文章，days 大于 0 时只统计最近若干天。
func (a *API) PopularArticles(c *gin.Context) {
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "get-likes"), ratelimit.APIGeneral, msgTooManyRequests) {
		return
	}

	limit := queryInt(c, "limit", 10)
	days := queryInt(c, "days", 0)
	popular, err := a.likes.Popular(c.Request.Context(), limit, days)
	if err != nil {
		requestLogger(c).Error("popular_articles_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "获取热门文章失败")
		return
	}
	respondOK(c, popular)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
