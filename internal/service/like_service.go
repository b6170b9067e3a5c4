package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paperlog/internal/article"
	"github.com/paperlog/internal/db"
	"gorm.io/gorm"
)

const (
	likeActionLiked   = "liked"
	likeActionUnliked = "unliked"

	maxLikeFingerprintLength = 128
)

var (
	// ErrLikeSlugInvalid 表示文章标识为空或格式不合法。
	ErrLikeSlugInvalid = errors.New("文章ID不合法")
	// ErrLikeFingerprintInvalid 表示访客指纹为空或过长。
	ErrLikeFingerprintInvalid = errors.New("用户ID不合法")
)

// LikeToggleResult 是一次点赞切换的结果。
type LikeToggleResult struct {
	IsLiked    bool   `json:"isLiked"`
	TotalLikes int64  `json:"totalLikes"`
	Action     string `json:"action"`
}

// LikeStatus 是文章当前的点赞状态。
type LikeStatus struct {
	IsLiked    bool  `json:"isLiked"`
	TotalLikes int64 `json:"totalLikes"`
}

// LikeStats 汇总点赞数量，Today/ThisWeek/ThisMonth 为滚动窗口。
type LikeStats struct {
	TotalLikes     int64 `json:"totalLikes"`
	LikesToday     int64 `json:"likesToday"`
	LikesThisWeek  int64 `json:"likesThisWeek"`
	LikesThisMonth int64 `json:"likesThisMonth"`
	UniqueUsers    int64 `json:"uniqueUsers"`
}

// PopularArticle 是按点赞数排序的文章。
type PopularArticle struct {
	Slug      string `json:"articleId"`
	LikeCount int64  `json:"likeCount"`
}

// LikeService 处理匿名点赞，访客以浏览器指纹区分。
type LikeService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLikeService 创建 LikeService。
func NewLikeService(gdb *gorm.DB) *LikeService {
	return &LikeService{db: gdb, now: time.Now}
}

// WithClock 替换时钟。
func (s *LikeService) WithClock(now func() time.Time) *LikeService {
	if now != nil {
		s.now = now
	}
	return s
}

func normalizeLikeInput(slug, fp string) (string, string, error) {
	slug = strings.TrimSpace(slug)
	if !article.ValidSlug(slug) {
		return "", "", ErrLikeSlugInvalid
	}
	fp = strings.TrimSpace(fp)
	if fp == "" || len([]rune(fp)) > maxLikeFingerprintLength {
		return "", "", ErrLikeFingerprintInvalid
	}
	return slug, fp, nil
}

// Toggle 已点赞则取消，否则点赞，并返回最新总数。
func (s *LikeService) Toggle(ctx context.Context, slug, fp string) (LikeToggleResult, error) {
	slug, fp, err := normalizeLikeInput(slug, fp)
	if err != nil {
		return LikeToggleResult{}, err
	}

	var result LikeToggleResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("slug = ? AND fp = ?", slug, fp).Delete(&db.ArticleLike{})
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected > 0 {
			result.Action = likeActionUnliked
		} else {
			like := db.ArticleLike{Slug: slug, FP: fp, CreatedAt: s.now().Unix()}
			if err := tx.Create(&like).Error; err != nil {
				return err
			}
			result.Action = likeActionLiked
			result.IsLiked = true
		}

		return tx.Model(&db.ArticleLike{}).Where("slug = ?", slug).Count(&result.TotalLikes).Error
	})
	if err != nil {
		return LikeToggleResult{}, fmt.Errorf("toggle like: %w", err)
	}
	return result, nil
}

// Status 返回文章总点赞数；fp 非空时同时返回该访客是否已点赞。
func (s *LikeService) Status(ctx context.Context, slug, fp string) (LikeStatus, error) {
	slug = strings.TrimSpace(slug)
	if !article.ValidSlug(slug) {
		return LikeStatus{}, ErrLikeSlugInvalid
	}

	var status LikeStatus
	q := s.db.WithContext(ctx)
	if err := q.Model(&db.ArticleLike{}).Where("slug = ?", slug).Count(&status.TotalLikes).Error; err != nil {
		return LikeStatus{}, fmt.Errorf("count likes: %w", err)
	}

	if fp = strings.TrimSpace(fp); fp != "" {
		var mine int64
		if err := q.Model(&db.ArticleLike{}).Where("slug = ? AND fp = ?", slug, fp).Count(&mine).Error; err != nil {
			return LikeStatus{}, fmt.Errorf("check like: %w", err)
		}
		status.IsLiked = mine > 0
	}
	return status, nil
}

// Stats 统计点赞数据，slug 为空时统计全站。
func (s *LikeService) Stats(ctx context.Context, slug string) (LikeStats, error) {
	now := s.now().Unix()
	slug = strings.TrimSpace(slug)
	scope := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&db.ArticleLike{})
		if slug != "" {
			q = q.Where("slug = ?", slug)
		}
		return q
	}

	var stats LikeStats
	if err := scope().Count(&stats.TotalLikes).Error; err != nil {
		return LikeStats{}, fmt.Errorf("count likes: %w", err)
	}
	windows := []struct {
		since int64
		dest  *int64
	}{
		{now - secondsPerDay, &stats.LikesToday},
		{now - 7*secondsPerDay, &stats.LikesThisWeek},
		{now - 30*secondsPerDay, &stats.LikesThisMonth},
	}
	for _, w := range windows {
		if err := scope().Where("created_at >= ?", w.since).Count(w.dest).Error; err != nil {
			return LikeStats{}, fmt.Errorf("count likes: %w", err)
		}
	}
	if err := scope().Distinct("fp").Count(&stats.UniqueUsers).Error; err != nil {
		return LikeStats{}, fmt.Errorf("count like users: %w", err)
	}
	return stats, nil
}

// Popular 返回点赞最多的文章，days<=0 表示不限时间。
func (s *LikeService) Popular(ctx context.Context, limit, days int) ([]PopularArticle, error) {
	if limit <= 0 {
		limit = 10
	}
	limit = min(limit, 50)
	q := s.db.WithContext(ctx).Model(&db.ArticleLike{}).
		Select("slug, COUNT(*) AS like_count").
		Group("slug").
		Order("like_count DESC, slug ASC").
		Limit(limit)
	if days > 0 {
		q = q.Where("created_at >= ?", s.now().Unix()-int64(days)*secondsPerDay)
	}

	rows := []PopularArticle{}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("popular articles: %w", err)
	}
	return rows, nil
}
