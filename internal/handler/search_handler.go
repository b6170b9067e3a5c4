package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/paperlog/internal/article"
	"github.com/paperlog/internal/ratelimit"
	"go.uber.org/zap"
)

// SearchArticles 在文章正文中查找 q，limit 取 1 到 50。
func (a *API) SearchArticles(c *gin.Context) {
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "search"), ratelimit.APIGeneral, msgTooManyRequests) {
		return
	}

	limit := max(queryInt(c, "limit", 20), 1)
	results, err := a.search.Search(c.Query("q"), limit)
	if err != nil {
		requestLogger(c).Error("search_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "搜索失败")
		return
	}
	respondOK(c, results)
}

// AdminArticles 列出全部文章；带 slug 时返回单篇全文。
func (a *API) AdminArticles(c *gin.Context) {
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "admin-articles"), ratelimit.APIGeneral, msgTooManyRequests) {
		return
	}

	if slug := strings.TrimSpace(c.Query("slug")); slug != "" {
		post, err := a.articles.Get(slug)
		switch {
		case errors.Is(err, article.ErrNotFound), errors.Is(err, article.ErrInvalidSlug):
			respondError(c, http.StatusNotFound, "文章不存在")
		case err != nil:
			requestLogger(c).Error("admin_article_read_failed", zap.Error(err))
			respondError(c, http.StatusInternalServerError, "读取文章失败")
		default:
			meta := post.Meta()
			respondOK(c, gin.H{
				"slug":    meta.Slug,
				"title":   meta.Title,
				"date":    meta.Date,
				"summary": meta.Summary,
				"tags":    meta.Tags,
				"content": post.Content,
			})
		}
		return
	}

	posts, err := a.articles.List()
	if err != nil {
		requestLogger(c).Error("admin_article_list_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "获取文章列表失败")
		return
	}
	metas := make([]article.Meta, 0, len(posts))
	for _, p := range posts {
		metas = append(metas, p.Meta())
	}
	respondOK(c, metas)
}
