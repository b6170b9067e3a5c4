package db

// AIUsage 记录某个 UTC 自然日已消耗的 AI 调用次数。
type AIUsage struct {
	DayStartUTC int64 `gorm:"column:day_start_utc;primaryKey;autoIncrement:false"`
	Count       int64 `gorm:"not null;default:0"`
}

// TableName 自定义表名以保持命名一致。
func (AIUsage) TableName() string {
	return "ai_usage"
}

// ArticleSummary 缓存每篇文章在特定模型下生成的摘要。
type ArticleSummary struct {
	Slug         string  `gorm:"primaryKey;size:256"`
	Provider     string  `gorm:"primaryKey;size:32"`
	Model        string  `gorm:"primaryKey;size:128"`
	Summary      string  `gorm:"type:text;not null"`
	SystemPrompt *string `gorm:"type:text"`
	CreatedAt    int64
	UpdatedAt    int64
}

// TableName 自定义表名以保持命名一致。
func (ArticleSummary) TableName() string {
	return "article_summaries"
}
