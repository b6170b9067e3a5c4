package db

// ArticleLike 表示一个访客指纹对文章的点赞。
type ArticleLike struct {
	ID        uint   `gorm:"primaryKey"`
	Slug      string `gorm:"size:256;not null;uniqueIndex:idx_article_likes_slug_fp"`
	FP        string `gorm:"column:fp;size:128;not null;uniqueIndex:idx_article_likes_slug_fp"`
	CreatedAt int64  `gorm:"not null;index"`
}

// TableName 自定义表名以保持命名一致。
func (ArticleLike) TableName() string {
	return "article_likes"
}
