package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/paperlog/internal/article"
	"github.com/paperlog/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// CommentOrderNewest 按发布时间倒序。
	CommentOrderNewest = "newest"
	// CommentOrderOldest 按发布时间正序。
	CommentOrderOldest = "oldest"

	maxCommentLength     = 2000
	maxNicknameLength    = 50
	maxAvatarURLLength   = 500
	maxVisitorIDLength   = 100
	maxCommentFPLength   = 128
	commentDeleteWindow  = 2 * time.Minute
	defaultCommentLimit  = 20
	maxArticleCommentCap = 50
	defaultAdminLimit    = 50
	maxAdminCommentCap   = 100
)

var (
	ErrCommentSlugInvalid        = errors.New("文章ID格式无效")
	ErrCommentVisitorInvalid     = errors.New("用户ID只能包含字母、数字、连字符和下划线")
	ErrCommentNicknameInvalid    = errors.New("昵称不能为空且不能超过50个字符")
	ErrCommentAvatarInvalid      = errors.New("头像链接必须为有效的 http/https URL")
	ErrCommentContentInvalid     = errors.New("评论内容不能为空且不能超过2000个字符")
	ErrCommentContentRejected    = errors.New("评论内容包含不当内容")
	ErrCommentFingerprintInvalid = errors.New("浏览器指纹不合法")

	// 以下为删除失败的原因
	ErrCommentNotFound            = errors.New("评论不存在或无权限删除")
	ErrCommentFingerprintMismatch = errors.New("浏览器指纹验证失败，无法删除评论")
	ErrCommentDeleteExpired       = errors.New("评论发布超过2分钟，无法删除")
)

var (
	commentPolicy  = bluemonday.StrictPolicy()
	visitorIDRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)
	excessNewlines = regexp.MustCompile(`\n{3,}`)

	maliciousPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<script.*?>.*?</script>`),
		regexp.MustCompile(`(?i)javascript\s*:`),
		regexp.MustCompile(`(?i)\s+on\w+\s*=`),
		regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	}
)

// IsCommentValidationError 判断 err 是否为评论输入校验失败。
func IsCommentValidationError(err error) bool {
	for _, target := range []error{
		ErrCommentSlugInvalid, ErrCommentVisitorInvalid, ErrCommentNicknameInvalid,
		ErrCommentAvatarInvalid, ErrCommentContentInvalid, ErrCommentContentRejected,
		ErrCommentFingerprintInvalid,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// CreateCommentInput 是发表评论的参数，Nickname 与 AvatarURL 作为快照写入评论。
type CreateCommentInput struct {
	Slug        string
	VisitorID   string
	Nickname    string
	AvatarURL   string
	Content     string
	Fingerprint string
}

// CommentListOptions 控制分页与排序，零值使用默认值。
type CommentListOptions struct {
	Page    int
	Limit   int
	OrderBy string
}

// CommentPage 是一页评论。
type CommentPage struct {
	Comments   []db.Comment `json:"comments"`
	Total      int64        `json:"total"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
	TotalPages int          `json:"totalPages"`
}

// DeletePermission 描述访客能否删除某条评论。
type DeletePermission struct {
	CanDelete bool   `json:"canDelete"`
	Reason    string `json:"reason,omitempty"`
	TimeLeft  int64  `json:"timeLeft,omitempty"`
}

// CommentStats 汇总评论数量，Today/ThisWeek/ThisMonth 为滚动窗口。
type CommentStats struct {
	TotalComments     int64 `json:"totalComments"`
	CommentsToday     int64 `json:"commentsToday"`
	CommentsThisWeek  int64 `json:"commentsThisWeek"`
	CommentsThisMonth int64 `json:"commentsThisMonth"`
}

// CommentService 处理匿名评论，删除权限以访客 ID 加浏览器指纹判定。
type CommentService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewCommentService 创建 CommentService。
func NewCommentService(gdb *gorm.DB) *CommentService {
	return &CommentService{db: gdb, now: time.Now}
}

// WithClock 替换时钟。
func (s *CommentService) WithClock(now func() time.Time) *CommentService {
	if now != nil {
		s.now = now
	}
	return s
}

// Create 校验并清理输入后保存评论，访客记录不存在时顺带创建。
func (s *CommentService) Create(ctx context.Context, in CreateCommentInput) (db.Comment, error) {
	slug := strings.TrimSpace(in.Slug)
	if !article.ValidSlug(slug) {
		return db.Comment{}, ErrCommentSlugInvalid
	}
	visitorID, err := normalizeVisitorID(in.VisitorID)
	if err != nil {
		return db.Comment{}, err
	}

	raw := strings.TrimSpace(in.Content)
	if raw == "" || len([]rune(raw)) > maxCommentLength {
		return db.Comment{}, ErrCommentContentInvalid
	}
	for _, pattern := range maliciousPatterns {
		if pattern.MatchString(raw) {
			return db.Comment{}, ErrCommentContentRejected
		}
	}
	content := SanitizeComment(raw)
	if content == "" {
		return db.Comment{}, ErrCommentContentInvalid
	}

	nickname := SanitizeNickname(in.Nickname)
	if nickname == "" || len([]rune(nickname)) > maxNicknameLength {
		return db.Comment{}, ErrCommentNicknameInvalid
	}
	avatar, err := normalizeAvatarURL(in.AvatarURL)
	if err != nil {
		return db.Comment{}, err
	}

	var fp *string
	if trimmed := strings.TrimSpace(in.Fingerprint); trimmed != "" {
		if len(trimmed) > maxCommentFPLength {
			return db.Comment{}, ErrCommentFingerprintInvalid
		}
		fp = &trimmed
	}

	now := s.now().Unix()
	comment := db.Comment{
		ID:         uuid.NewString(),
		Slug:       slug,
		VisitorID:  visitorID,
		Nickname:   nickname,
		AvatarURL:  avatar,
		Content:    content,
		RawContent: raw,
		FP:         fp,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		visitor := db.Visitor{ID: visitorID, Nickname: nickname, CreatedAt: now, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&visitor).Error; err != nil {
			return err
		}
		return tx.Create(&comment).Error
	})
	if err != nil {
		return db.Comment{}, fmt.Errorf("create comment: %w", err)
	}
	return comment, nil
}

// ListByArticle 分页返回文章评论，每页最多 50 条。
func (s *CommentService) ListByArticle(ctx context.Context, slug string, opts CommentListOptions) (CommentPage, error) {
	slug = strings.TrimSpace(slug)
	if !article.ValidSlug(slug) {
		return CommentPage{}, ErrCommentSlugInvalid
	}
	opts = opts.normalize(defaultCommentLimit, maxArticleCommentCap)
	return s.list(ctx, opts, func(q *gorm.DB) *gorm.DB {
		return q.Where("article_id = ?", slug)
	})
}

// ListAll 分页返回全站评论，供控制台使用，每页最多 100 条。
func (s *CommentService) ListAll(ctx context.Context, opts CommentListOptions) (CommentPage, error) {
	opts = opts.normalize(defaultAdminLimit, maxAdminCommentCap)
	return s.list(ctx, opts, func(q *gorm.DB) *gorm.DB { return q })
}

func (s *CommentService) list(ctx context.Context, opts CommentListOptions, scope func(*gorm.DB) *gorm.DB) (CommentPage, error) {
	page := CommentPage{Comments: []db.Comment{}, Page: opts.Page, Limit: opts.Limit}
	base := func() *gorm.DB {
		return scope(s.db.WithContext(ctx).Model(&db.Comment{}))
	}
	if err := base().Count(&page.Total).Error; err != nil {
		return CommentPage{}, fmt.Errorf("count comments: %w", err)
	}
	page.TotalPages = int((page.Total + int64(opts.Limit) - 1) / int64(opts.Limit))

	order := "created_at DESC, id DESC"
	if opts.OrderBy == CommentOrderOldest {
		order = "created_at ASC, id ASC"
	}
	err := base().Order(order).
		Limit(opts.Limit).
		Offset((opts.Page - 1) * opts.Limit).
		Find(&page.Comments).Error
	if err != nil {
		return CommentPage{}, fmt.Errorf("list comments: %w", err)
	}
	return page, nil
}

func (o CommentListOptions) normalize(defaultLimit, maxLimit int) CommentListOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = defaultLimit
	}
	o.Limit = min(o.Limit, maxLimit)
	if o.OrderBy != CommentOrderOldest {
		o.OrderBy = CommentOrderNewest
	}
	return o
}

// CanDelete 只读地检查删除权限，可删除时给出剩余秒数。
func (s *CommentService) CanDelete(ctx context.Context, id, visitorID, fp string) (DeletePermission, error) {
	comment, err := s.findOwned(s.db.WithContext(ctx), id, visitorID)
	if err != nil {
		if errors.Is(err, ErrCommentNotFound) {
			return DeletePermission{Reason: err.Error()}, nil
		}
		return DeletePermission{}, err
	}
	left, err := s.deletable(comment, fp)
	if err != nil {
		return DeletePermission{Reason: err.Error()}, nil
	}
	return DeletePermission{CanDelete: true, TimeLeft: left}, nil
}

// Delete 删除访客本人在两分钟内发表、且指纹一致的评论。
func (s *CommentService) Delete(ctx context.Context, id, visitorID, fp string) error {
	if strings.TrimSpace(fp) == "" {
		return ErrCommentFingerprintMismatch
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		comment, err := s.findOwned(tx, id, visitorID)
		if err != nil {
			return err
		}
		if _, err := s.deletable(comment, fp); err != nil {
			return err
		}
		res := tx.Where("id = ? AND user_id = ?", comment.ID, comment.VisitorID).Delete(&db.Comment{})
		if res.Error != nil {
			return fmt.Errorf("delete comment: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrCommentNotFound
		}
		return nil
	})
}

func (s *CommentService) findOwned(q *gorm.DB, id, visitorID string) (db.Comment, error) {
	id = strings.TrimSpace(id)
	visitorID, err := normalizeVisitorID(visitorID)
	if id == "" || err != nil {
		return db.Comment{}, ErrCommentNotFound
	}
	var found []db.Comment
	if err := q.Where("id = ? AND user_id = ?", id, visitorID).Limit(1).Find(&found).Error; err != nil {
		return db.Comment{}, fmt.Errorf("load comment: %w", err)
	}
	if len(found) == 0 {
		return db.Comment{}, ErrCommentNotFound
	}
	return found[0], nil
}

// deletable 返回剩余可删除秒数。
func (s *CommentService) deletable(comment db.Comment, fp string) (int64, error) {
	fp = strings.TrimSpace(fp)
	if comment.FP == nil || fp == "" || *comment.FP != fp {
		return 0, ErrCommentFingerprintMismatch
	}
	elapsed := s.now().Unix() - comment.CreatedAt
	window := int64(commentDeleteWindow / time.Second)
	if elapsed > window {
		return 0, ErrCommentDeleteExpired
	}
	return window - elapsed, nil
}

// Stats 统计评论数量，slug 为空时统计全站。
func (s *CommentService) Stats(ctx context.Context, slug string) (CommentStats, error) {
	now := s.now().Unix()
	slug = strings.TrimSpace(slug)
	scope := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&db.Comment{})
		if slug != "" {
			q = q.Where("article_id = ?", slug)
		}
		return q
	}

	var stats CommentStats
	if err := scope().Count(&stats.TotalComments).Error; err != nil {
		return CommentStats{}, fmt.Errorf("count comments: %w", err)
	}
	windows := []struct {
		since int64
		dest  *int64
	}{
		{now - secondsPerDay, &stats.CommentsToday},
		{now - 7*secondsPerDay, &stats.CommentsThisWeek},
		{now - 30*secondsPerDay, &stats.CommentsThisMonth},
	}
	for _, w := range windows {
		if err := scope().Where("created_at >= ?", w.since).Count(w.dest).Error; err != nil {
			return CommentStats{}, fmt.Errorf("count comments: %w", err)
		}
	}
	return stats, nil
}

// SanitizeComment 去掉全部 HTML 标签并转义剩余文本，保留换行，连续空行最多保留一个。
func SanitizeComment(raw string) string {
	s := strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(raw)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == '\u200b' || r == '\u200c' || r == '\u200d' || r == '\ufeff' {
			return -1
		}
		return r
	}, s)
	s = commentPolicy.Sanitize(s)
	s = excessNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// SanitizeNickname 去掉标签后只保留字母、数字、空格和 -_. 三种符号。
func SanitizeNickname(raw string) string {
	text := html.UnescapeString(commentPolicy.Sanitize(raw))
	var b strings.Builder
	for _, r := range text {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func normalizeVisitorID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxVisitorIDLength || !visitorIDRegex.MatchString(id) {
		return "", ErrCommentVisitorInvalid
	}
	return id, nil
}

// normalizeAvatarURL 允许留空，否则必须是 http/https 绝对地址。
func normalizeAvatarURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if len(raw) > maxAvatarURLLength {
		return "", ErrCommentAvatarInvalid
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", ErrCommentAvatarInvalid
	}
	return raw, nil
}
