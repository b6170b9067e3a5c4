package db

// Event 是一条经过清洗的访客行为事件。
type Event struct {
	ID      uint    `gorm:"primaryKey"`
	TS      int64   `gorm:"column:ts;not null;index"`
	FP      *string `gorm:"column:fp;size:128;index"`
	Path    *string `gorm:"size:256;index"`
	Ref     *string `gorm:"size:512"`
	UTM     *string `gorm:"column:utm;size:512"`
	Type    string  `gorm:"size:16;not null;index"`
	Payload string  `gorm:"type:text;not null;default:''"`
}

// TableName 自定义表名以保持命名一致。
func (Event) TableName() string {
	return "events"
}

// ArticleView 记录单篇文章在某个 UTC 自然日内的浏览量。
type ArticleView struct {
	Slug        string `gorm:"primaryKey;size:256"`
	DayStartUTC int64  `gorm:"column:day_start_utc;primaryKey;autoIncrement:false"`
	Views       int64  `gorm:"not null;default:0"`
}

// TableName 自定义表名以保持命名一致。
func (ArticleView) TableName() string {
	return "article_views"
}
