package service

import (
	"context"
	"fmt"
	"time"

	"github.com/paperlog/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const secondsPerDay = 86400

// DayStartUTC 返回 ts 所在 UTC 自然日零点的秒级时间戳。
func DayStartUTC(ts int64) int64 {
	return ts - ts%secondsPerDay
}

// QuotaResult 是一次配额消耗的结果。
type QuotaResult struct {
	Allowed   bool
	Remaining int64
}

// QuotaUsage 是某个 UTC 自然日的配额使用量。
type QuotaUsage struct {
	DayStartUTC int64
	Count       int64
}

// AIQuotaService 维护全站每日 AI 调用配额。
type AIQuotaService struct {
	db    *gorm.DB
	limit int64
	now   func() time.Time
}

// NewAIQuotaService 创建配额服务，limit 为每日上限。
func NewAIQuotaService(gdb *gorm.DB, limit int) *AIQuotaService {
	if limit <= 0 {
		limit = 100
	}
	return &AIQuotaService{db: gdb, limit: int64(limit), now: time.Now}
}

// WithClock 替换时钟，主要用于测试跨日行为。
func (s *AIQuotaService) WithClock(now func() time.Time) *AIQuotaService {
	if now != nil {
		s.now = now
	}
	return s
}

// Limit 返回每日上限。
func (s *AIQuotaService) Limit() int64 {
	return s.limit
}

// Consume 按默认上限消耗一次配额。
func (s *AIQuotaService) Consume(ctx context.Context) (QuotaResult, error) {
	return s.ConsumeWithLimit(ctx, s.limit)
}

// ConsumeWithLimit 在同一事务中读取、比较并递增当日计数；超限时不修改计数。
func (s *AIQuotaService) ConsumeWithLimit(ctx context.Context, limit int64) (QuotaResult, error) {
	day := DayStartUTC(s.now().Unix())

	var result QuotaResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var usage db.AIUsage
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("day_start_utc = ?", day).
			Limit(1).
			Find(&usage).Error; err != nil {
			return err
		}

		if usage.Count >= limit {
			result = QuotaResult{Allowed: false, Remaining: 0}
			return nil
		}

		next := usage.Count + 1
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "day_start_utc"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"count": next}),
		}).Create(&db.AIUsage{DayStartUTC: day, Count: next}).Error; err != nil {
			return err
		}

		result = QuotaResult{Allowed: true, Remaining: max(0, limit-next)}
		return nil
	})
	if err != nil {
		return QuotaResult{}, fmt.Errorf("consume ai quota: %w", err)
	}
	return result, nil
}

// Peek 读取当日已使用次数，不修改任何状态。
func (s *AIQuotaService) Peek(ctx context.Context) (QuotaUsage, error) {
	day := DayStartUTC(s.now().Unix())
	usage := QuotaUsage{DayStartUTC: day}

	var row db.AIUsage
	err := s.db.WithContext(ctx).Where("day_start_utc = ?", day).Limit(1).Find(&row).Error
	if err != nil {
		return usage, fmt.Errorf("peek ai quota: %w", err)
	}
	usage.Count = row.Count
	return usage, nil
}
