package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/paperlog/internal/analytics"
	"github.com/paperlog/internal/db"
	"github.com/paperlog/internal/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultEventsRetentionDays = 180
	defaultViewsRetentionDays  = 365
	defaultCleanupSampling     = 0.02

	articlePathPrefix = "/articles/"
)

// AnalyticsOptions 配置埋点数据的保留期与清理采样概率。
type AnalyticsOptions struct {
	EventsRetentionDays int
	ViewsRetentionDays  int
	// CleanupSampling 是每次上报后触发清理的概率，取值 [0,1]。
	CleanupSampling float64
}

// AnalyticsService 负责埋点事件的写入、文章日浏览量累加以及过期数据清理。
type AnalyticsService struct {
	db     *gorm.DB
	opts   AnalyticsOptions
	logger *zap.Logger
	now    func() time.Time

	randMu sync.Mutex
	rand   func() float64

	// viewsAvailable 记录 article_views 是否可用，决定热门文章的统计口径。
	viewsAvailable bool
}

// NewAnalyticsService 创建 AnalyticsService，未设置的选项使用默认值。
func NewAnalyticsService(gdb *gorm.DB, opts AnalyticsOptions, logger *zap.Logger) *AnalyticsService {
	if opts.EventsRetentionDays <= 0 {
		opts.EventsRetentionDays = defaultEventsRetentionDays
	}
	if opts.ViewsRetentionDays <= 0 {
		opts.ViewsRetentionDays = defaultViewsRetentionDays
	}
	if opts.CleanupSampling < 0 {
		opts.CleanupSampling = 0
	}
	if opts.CleanupSampling > 1 {
		opts.CleanupSampling = 1
	}

	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &AnalyticsService{
		db:             gdb,
		opts:           opts,
		logger:         logging.OrNop(logger),
		now:            time.Now,
		rand:           src.Float64,
		viewsAvailable: gdb.Migrator().HasTable(&db.ArticleView{}),
	}
}

// WithClock 替换时钟。
func (s *AnalyticsService) WithClock(now func() time.Time) *AnalyticsService {
	if now != nil {
		s.now = now
	}
	return s
}

// WithRand 替换清理采样使用的随机源，返回值应位于 [0,1)。
func (s *AnalyticsService) WithRand(r func() float64) *AnalyticsService {
	if r != nil {
		s.rand = r
	}
	return s
}

// Options 返回当前生效的配置。
func (s *AnalyticsService) Options() AnalyticsOptions {
	return s.opts
}

// Ingest 清洗并批量写入事件，返回成功写入的条数。
// 单条事件写入失败只记录日志，不影响同批其它事件。
func (s *AnalyticsService) Ingest(ctx context.Context, raws []analytics.RawEvent) (int, error) {
	if len(raws) > analytics.MaxEventsPerBatch {
		raws = raws[:analytics.MaxEventsPerBatch]
	}
	now := s.now()

	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, raw := range raws {
			event, ok := analytics.Sanitize(raw, now)
			if !ok {
				continue
			}
			if err := tx.Transaction(func(sp *gorm.DB) error {
				return insertEvent(sp, event)
			}); err != nil {
				s.logger.Error("insert_event_failed", zap.String("type", string(event.Type)), zap.Error(err))
				continue
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ingest events: %w", err)
	}

	s.MaybeCleanup(ctx)
	return inserted, nil
}

func insertEvent(tx *gorm.DB, event analytics.Event) error {
	row := db.Event{
		TS:      event.TS,
		FP:      event.FP,
		Path:    event.Path,
		Ref:     event.Ref,
		UTM:     event.UTM,
		Type:    string(event.Type),
		Payload: event.Payload,
	}
	if err := tx.Create(&row).Error; err != nil {
		return err
	}

	if event.Type != analytics.TypePageView || event.Path == nil {
		return nil
	}
	slug, ok := ArticleSlugFromPath(*event.Path)
	if !ok {
		return nil
	}
	view := db.ArticleView{Slug: slug, DayStartUTC: DayStartUTC(event.TS), Views: 1}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "slug"}, {Name: "day_start_utc"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"views": gorm.Expr("article_views.views + 1"),
		}),
	}).Create(&view).Error
}

// ArticleSlugFromPath 从 /articles/<slug> 形式的路径中取出 slug。
func ArticleSlugFromPath(path string) (string, bool) {
	if !strings.HasPrefix(path, articlePathPrefix) {
		return "", false
	}
	slug := strings.TrimPrefix(path, articlePathPrefix)
	if idx := strings.Index(slug, articlePathPrefix); idx >= 0 {
		slug = slug[:idx]
	}
	return slug, slug != ""
}

// MaybeCleanup 按采样概率触发一次清理，返回本次是否执行。清理错误仅记录日志。
func (s *AnalyticsService) MaybeCleanup(ctx context.Context) bool {
	s.randMu.Lock()
	draw := s.rand()
	s.randMu.Unlock()
	if draw >= s.opts.CleanupSampling {
		return false
	}

	if _, err := s.Cleanup(ctx, s.now()); err != nil {
		s.logger.Warn("analytics_cleanup_failed", zap.Error(err))
	}
	return true
}

// CleanupResult 记录一次清理删除的行数。
type CleanupResult struct {
	Events int64
	Views  int64
}

// Cleanup 删除超过保留期的事件与文章日浏览量。
func (s *AnalyticsService) Cleanup(ctx context.Context, now time.Time) (CleanupResult, error) {
	nowSec := now.Unix()
	eventsBefore := nowSec - int64(s.opts.EventsRetentionDays)*secondsPerDay
	viewsBefore := DayStartUTC(nowSec - int64(s.opts.ViewsRetentionDays)*secondsPerDay)

	var result CleanupResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("ts < ?", eventsBefore).Delete(&db.Event{})
		if res.Error != nil {
			return res.Error
		}
		result.Events = res.RowsAffected

		res = tx.Where("day_start_utc < ?", viewsBefore).Delete(&db.ArticleView{})
		if res.Error != nil {
			return res.Error
		}
		result.Views = res.RowsAffected
		return nil
	})
	if err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup analytics: %w", err)
	}

	s.logger.Info("analytics_cleanup",
		zap.Int64("events_deleted", result.Events),
		zap.Int64("views_deleted", result.Views),
	)
	return result, nil
}
