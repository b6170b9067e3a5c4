package db

// Comment 是访客在文章下的匿名评论，昵称与头像为提交时的快照。
type Comment struct {
	ID         string  `gorm:"primaryKey;size:36" json:"id"`
	Slug       string  `gorm:"column:article_id;size:256;not null;index:idx_comments_article_created,priority:1" json:"articleId"`
	VisitorID  string  `gorm:"column:user_id;size:100;not null;index" json:"userId"`
	Nickname   string  `gorm:"size:50;not null" json:"nickname"`
	AvatarURL  string  `gorm:"size:500;not null;default:''" json:"avatarUrl"`
	Content    string  `gorm:"type:text;not null" json:"content"`
	RawContent string  `gorm:"type:text;not null" json:"-"`
	FP         *string `gorm:"column:browser_fingerprint;size:128" json:"-"`
	CreatedAt  int64   `gorm:"not null;index:idx_comments_article_created,priority:2" json:"createdAt"`
	UpdatedAt  int64   `gorm:"not null" json:"updatedAt"`
}

// TableName 自定义表名以保持命名一致。
func (Comment) TableName() string {
	return "comments"
}

// Visitor 是匿名访客的占位记录，评论展示只依赖评论上的快照。
type Visitor struct {
	ID        string `gorm:"primaryKey;size:100"`
	Nickname  string `gorm:"size:50;not null"`
	CreatedAt int64  `gorm:"not null"`
	UpdatedAt int64  `gorm:"not null"`
}

// TableName 自定义表名以保持命名一致。
func (Visitor) TableName() string {
	return "visitors"
}
