package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/paperlog/internal/ratelimit"
	"github.com/paperlog/internal/service"
	"go.uber.org/zap"
)

type commentRequest struct {
	ArticleID          string `json:"articleId"`
	UserID             string `json:"userId"`
	Nickname           string `json:"nickname"`
	AvatarURL          string `json:"avatarUrl"`
	Content            string `json:"content"`
	BrowserFingerprint string `json:"browserFingerprint"`
}

type deleteCommentRequest struct {
	UserID             string `json:"userId"`
	BrowserFingerprint string `json:"browserFingerprint"`
}

func isCommentPermissionError(err error) bool {
	return errors.Is(err, service.ErrCommentNotFound) ||
		errors.Is(err, service.ErrCommentFingerprintMismatch) ||
		errors.Is(err, service.ErrCommentDeleteExpired)
}

// GetComments 分页返回文章评论，orderBy 支持 newest 与 oldest。
func (a *API) GetComments(c *gin.Context) {
	articleID := strings.TrimSpace(c.Query("articleId"))
	if articleID == "" {
		respondError(c, http.StatusBadRequest, "缺少文章ID参数")
		return
	}

	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "get-comments"), ratelimit.APIGeneral, msgTooManyRequests) {
		return
	}

	page, err := a.comments.ListByArticle(c.Request.Context(), articleID, service.CommentListOptions{
		Page:    queryInt(c, "page", 1),
		Limit:   queryInt(c, "limit", 20),
		OrderBy: c.Query("orderBy"),
	})
	if err != nil {
		if service.IsCommentValidationError(err) {
			respondError(c, http.StatusBadRequest, "数据验证失败: "+err.Error())
			return
		}
		requestLogger(c).Error("comment_list_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "获取评论列表失败")
		return
	}
	respondOK(c, page)
}

// CreateComment 发表评论，昵称与头像按提交时的值保存。
func (a *API) CreateComment(c *gin.Context) {
	var payload commentRequest
	if !bindJSON(c, &payload, "数据验证失败: 请求体格式错误") {
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		userID = "anonymous"
	}
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, userID+":comment"), ratelimit.Comment, "评论过于频繁，请稍后再试") {
		return
	}

	comment, err := a.comments.Create(c.Request.Context(), service.CreateCommentInput{
		Slug:        payload.ArticleID,
		VisitorID:   payload.UserID,
		Nickname:    payload.Nickname,
		AvatarURL:   payload.AvatarURL,
		Content:     payload.Content,
		Fingerprint: payload.BrowserFingerprint,
	})
	if err != nil {
		if service.IsCommentValidationError(err) {
			respondError(c, http.StatusBadRequest, "数据验证失败: "+err.Error())
			return
		}
		requestLogger(c).Error("comment_create_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "创建评论失败")
		return
	}

	requestLogger(c).Info("comment_created",
		zap.String("articleId", comment.Slug),
		zap.String("commentId", comment.ID),
	)
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": comment})
}

// CheckCommentDeletion 查询访客能否删除评论，需要 action=check-delete。
func (a *API) CheckCommentDeletion(c *gin.Context) {
	if c.Query("action") != "check-delete" {
		respondError(c, http.StatusBadRequest, "不支持的操作")
		return
	}
	userID := strings.TrimSpace(c.Query("userId"))
	fp := strings.TrimSpace(c.Query("fingerprint"))
	if userID == "" || fp == "" {
		respondError(c, http.StatusBadRequest, "缺少必要参数")
		return
	}

	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "check-delete"), ratelimit.APIGeneral, msgTooManyRequests) {
		return
	}

	perm, err := a.comments.CanDelete(c.Request.Context(), c.Param("id"), userID, fp)
	if err != nil {
		requestLogger(c).Error("comment_permission_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "检查权限失败")
		return
	}
	respondOK(c, perm)
}

// DeleteComment 删除访客本人两分钟内发表的评论。
func (a *API) DeleteComment(c *gin.Context) {
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "delete-comment"), ratelimit.APIGeneral, msgTooManyRequests) {
		return
	}

	var payload deleteCommentRequest
	if !bindJSON(c, &payload, "缺少必要参数") {
		return
	}
	if strings.TrimSpace(payload.UserID) == "" || strings.TrimSpace(payload.BrowserFingerprint) == "" {
		respondError(c, http.StatusBadRequest, "缺少必要参数")
		return
	}

	id := c.Param("id")
	if err := a.comments.Delete(c.Request.Context(), id, payload.UserID, payload.BrowserFingerprint); err != nil {
		if isCommentPermissionError(err) {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error": err.Error(), "canDelete": false})
			return
		}
		requestLogger(c).Error("comment_delete_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "删除评论失败")
		return
	}

	requestLogger(c).Info("comment_deleted", zap.String("commentId", id))
	respondOK(c, gin.H{"id": id, "deleted": true, "message": "评论删除成功"})
}

// AdminComments 供控制台按时间倒序浏览全站评论。
func (a *API) AdminComments(c *gin.Context) {
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "admin-comments"), ratelimit.APIGeneral, msgTooManyRequests) {
		return
	}

	page, err := a.comments.ListAll(c.Request.Context(), service.CommentListOptions{
		Page:    queryInt(c, "page", 1),
		Limit:   queryInt(c, "limit", 50),
		OrderBy: service.CommentOrderNewest,
	})
	if err != nil {
		requestLogger(c).Error("admin_comment_list_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "获取评论列表失败")
		return
	}
	respondOK(c, page)
}
