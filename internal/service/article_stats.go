package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/paperlog/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// articleStatsMaxSlugs 限制单次查询的文章数量。
const articleStatsMaxSlugs = 50

// ArticleStat 是单篇文章的累计浏览量与点赞数。
type ArticleStat struct {
	PV    int64 `json:"pv"`
	Likes int64 `json:"likes"`
}

type slugCount struct {
	Slug string
	C    int64
}

// ArticleStats 返回多篇文章的累计 PV 与点赞数，缺失的文章计为 0。
func (s *AnalyticsService) ArticleStats(ctx context.Context, slugs []string) (map[string]ArticleStat, error) {
	result := make(map[string]ArticleStat, len(slugs))
	keys := make([]string, 0, len(slugs))
	for _, slug := range slugs {
		slug = strings.TrimSpace(slug)
		if slug == "" {
			continue
		}
		if _, seen := result[slug]; seen {
			continue
		}
		if len(keys) == articleStatsMaxSlugs {
			break
		}
		result[slug] = ArticleStat{}
		keys = append(keys, slug)
	}
	if len(keys) == 0 {
		return result, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		views, err := s.articleViewTotals(tx, keys)
		if err != nil {
			return err
		}
		for _, row := range views {
			stat := result[row.Slug]
			stat.PV = row.C
			result[row.Slug] = stat
		}

		var likes []slugCount
		if err := tx.Model(&db.ArticleLike{}).
			Select("slug, COUNT(1) AS c").
			Where("slug IN ?", keys).
			Group("slug").
			Scan(&likes).Error; err != nil {
			return err
		}
		for _, row := range likes {
			stat := result[row.Slug]
			stat.Likes = row.C
			result[row.Slug] = stat
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("article stats: %w", err)
	}
	return result, nil
}

// articleViewTotals 优先汇总按日聚合表，不可用时按原始 pv 事件计数。
func (s *AnalyticsService) articleViewTotals(tx *gorm.DB, slugs []string) ([]slugCount, error) {
	var rows []slugCount
	if s.viewsAvailable {
		err := tx.Model(&db.ArticleView{}).
			Select("slug, SUM(views) AS c").
			Where("slug IN ?", slugs).
			Group("slug").
			Scan(&rows).Error
		if err == nil {
			return rows, nil
		}
		s.logger.Warn("article_stats_fallback", zap.Error(err))
		rows = nil
	}

	paths := make([]string, len(slugs))
	for i, slug := range slugs {
		paths[i] = articlePathPrefix + slug
	}
	if err := tx.Model(&db.Event{}).
		Select("substr(path, ?) AS slug, COUNT(1) AS c", len(articlePathPrefix)+1).
		Where("type = ? AND path IN ?", "pv", paths).
		Group("path").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
