package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/paperlog/internal/ratelimit"
	"github.com/paperlog/internal/service"
	"go.uber.org/zap"
)

type summarizeRequest struct {
	Slug    string `json:"slug"`
	Content string `json:"content"`
}

type chatRequest struct {
	Slug         string             `json:"slug"`
	Message      string             `json:"message"`
	SelectedText string             `json:"selectedText"`
	History      []service.ChatTurn `json:"history"`
	Stream       bool               `json:"stream"`
}

type regenerateSummaryRequest struct {
	Slug         string  `json:"slug"`
	SystemPrompt *string `json:"systemPrompt"`
}

// respondAIError 将 AI 调用错误映射为 HTTP 响应。
func respondAIError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrSummaryContentTooShort), errors.Is(err, service.ErrChatMessageRequired):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrAIServiceBusy):
		respondError(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, service.ErrAIAPIKeyMissing):
		respondError(c, http.StatusInternalServerError, msgAPIKeyMissing)
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		respondError(c, http.StatusInternalServerError, fallback)
	}
}

// Summarize 为文章或直接提交的正文生成摘要，普通访客不能强制重新生成。
func (a *API) Summarize(c *gin.Context) {
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "summarize"), ratelimit.Strict, msgTooManyRequests) {
		return
	}
	if !a.consumeQuota(c) {
		return
	}

	var payload summarizeRequest
	_ = c.ShouldBindJSON(&payload)
	slug := strings.TrimSpace(payload.Slug)

	content := payload.Content
	if content == "" {
		if slug == "" {
			respondError(c, http.StatusBadRequest, "缺少 slug 或 content")
			return
		}
		art, err := a.articles.Get(slug)
		if err != nil {
			respondError(c, http.StatusNotFound, "文章不存在")
			return
		}
		content = art.Content
	}

	key := slug
	if key == "" {
		key = fmt.Sprintf("inline-%d", a.now().UnixMilli())
	}
	summary, err := a.summaries.GetOrCreate(c.Request.Context(), key, content, service.SummaryOptions{})
	if err != nil {
		requestLogger(c).Error("summary_failed", zap.String("slug", key), zap.Error(err))
		respondAIError(c, err, "生成摘要失败")
		return
	}

	respondOK(c, gin.H{"slug": key, "summary": summary})
}

// Chat 基于文章上下文回答问题，stream=true 时以纯文本分块输出。
func (a *API) Chat(c *gin.Context) {
	log := requestLogger(c)
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "chat"), ratelimit.UserAction, msgTooManyRequests) {
		return
	}
	if !a.consumeQuota(c) {
		return
	}

	var payload chatRequest
	_ = c.ShouldBindJSON(&payload)
	if strings.TrimSpace(payload.Message) == "" {
		respondError(c, http.StatusBadRequest, service.ErrChatMessageRequired.Error())
		return
	}

	input := service.ChatInput{
		Message:      payload.Message,
		History:      payload.History,
		SelectedText: payload.SelectedText,
	}
	if slug := strings.TrimSpace(payload.Slug); slug != "" {
		if art, err := a.articles.Get(slug); err == nil {
			input.ArticleContext = art.Content
		}
	}

	if !payload.Stream {
		reply, err := a.chat.Reply(c.Request.Context(), input)
		if err != nil {
			log.Error("chat_failed", zap.Error(err))
			respondAIError(c, err, "AI 聊天失败")
			return
		}
		respondOK(c, gin.H{"reply": reply})
		return
	}

	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.Header("Cache-Control", "no-cache, no-transform")
		c.Status(http.StatusOK)
	}
	_, err := a.chat.Stream(c.Request.Context(), input, func(delta string) error {
		begin()
		if _, err := c.Writer.WriteString(delta); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		if !started {
			log.Error("chat_failed", zap.Error(err))
			respondAIError(c, err, "AI 聊天失败")
			return
		}
		log.Warn("chat_stream_aborted", zap.Error(err))
		return
	}
	begin()
}

// GetAdminSummary 返回文章当前平台下的摘要缓存与生效的提示词。
func (a *API) GetAdminSummary(c *gin.Context) {
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "admin-summary"), ratelimit.APIGeneral, "请求过于频繁") {
		return
	}

	slug := strings.TrimSpace(c.Query("slug"))
	if slug == "" {
		respondError(c, http.StatusBadRequest, "缺少 slug")
		return
	}

	view, err := a.summaries.AdminView(c.Request.Context(), slug)
	if err != nil {
		requestLogger(c).Error("summary_admin_view_failed", zap.String("slug", slug), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "读取摘要失败")
		return
	}

	respondOK(c, gin.H{
		"slug":         view.Slug,
		"provider":     view.Provider,
		"model":        view.Model,
		"summary":      view.Summary,
		"systemPrompt": view.SystemPrompt,
		"updatedAt":    view.UpdatedAt,
	})
}

// RegenerateAdminSummary 强制重新生成摘要，可同时更新提示词。
func (a *API) RegenerateAdminSummary(c *gin.Context) {
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "admin-summary-regenerate"), ratelimit.Strict, "操作过于频繁") {
		return
	}
	if !a.consumeQuota(c) {
		return
	}

	var payload regenerateSummaryRequest
	_ = c.ShouldBindJSON(&payload)
	slug := strings.TrimSpace(payload.Slug)
	if slug == "" {
		respondError(c, http.StatusBadRequest, "缺少 slug")
		return
	}

	art, err := a.articles.Get(slug)
	if err != nil || strings.TrimSpace(art.Content) == "" {
		respondError(c, http.StatusNotFound, "文章不存在或内容为空")
		return
	}

	summary, err := a.summaries.GetOrCreate(c.Request.Context(), slug, art.Content, service.SummaryOptions{
		Force:        true,
		SystemPrompt: payload.SystemPrompt,
	})
	if err != nil {
		requestLogger(c).Error("summary_failed", zap.String("slug", slug), zap.Error(err))
		respondAIError(c, err, "生成摘要失败")
		return
	}

	requestLogger(c).Info("summary_regenerated", zap.String("slug", slug))
	respondOK(c, gin.H{"summary": summary})
}

// DeleteAdminSummary 删除文章在当前平台下的摘要缓存。
func (a *API) DeleteAdminSummary(c *gin.Context) {
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "admin-summary"), ratelimit.APIGeneral, "请求过于频繁") {
		return
	}

	slug := strings.TrimSpace(c.Query("slug"))
	if slug == "" {
		respondError(c, http.StatusBadRequest, "缺少 slug")
		return
	}

	if err := a.summaries.Invalidate(c.Request.Context(), slug); err != nil {
		requestLogger(c).Error("summary_invalidate_failed", zap.String("slug", slug), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "删除摘要失败")
		return
	}
	respondOK(c, gin.H{"slug": slug, "deleted": true})
}
