// Package article 读取以 Markdown 文件形式存放的文章。
package article

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound 表示文章不存在。
	ErrNotFound = errors.New("article not found")
	// ErrInvalidSlug 表示 slug 含有非法字符。
	ErrInvalidSlug = errors.New("invalid article slug")
)

var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_/.]+$`)

// Article 是一篇文章的元信息与正文。
type Article struct {
	Slug    string
	Title   string
	Date    string
	Summary string
	Tags    []string
	Content string
}

// Meta 是不含正文的文章信息，用于列表。
type Meta struct {
	Slug    string   `json:"slug"`
	Title   string   `json:"title"`
	Date    string   `json:"date"`
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
}

// Meta 返回文章的列表信息。
func (a Article) Meta() Meta {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	return Meta{Slug: a.Slug, Title: a.Title, Date: a.Date, Summary: a.Summary, Tags: tags}
}

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"}

type frontMatter struct {
	Title   string   `yaml:"title"`
	Date    string   `yaml:"date"`
	Summary string   `yaml:"summary"`
	Tags    []string `yaml:"tags"`
}

// Store 从目录中按 <slug>.md 读取文章。
type Store struct {
	dir string
}

// NewStore 创建指向 dir 的文章仓库。
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// ValidSlug 判断 slug 是否可以安全地映射为文件路径。
func ValidSlug(slug string) bool {
	if slug == "" || len(slug) > 256 || strings.Contains(slug, "..") {
		return false
	}
	return slugPattern.MatchString(slug)
}

// Get 读取单篇文章。
func (s *Store) Get(slug string) (Article, error) {
	slug = strings.Trim(strings.TrimSpace(slug), "/")
	if !ValidSlug(slug) {
		return Article{}, ErrInvalidSlug
	}

	raw, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(slug)+".md"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Article{}, ErrNotFound
		}
		return Article{}, fmt.Errorf("read article %s: %w", slug, err)
	}

	meta, content := splitFrontMatter(raw)
	article := Article{
		Slug:    slug,
		Title:   strings.TrimSpace(meta.Title),
		Date:    meta.Date,
		Summary: meta.Summary,
		Tags:    meta.Tags,
		Content: content,
	}
	if article.Title == "" {
		article.Title = DeriveTitleFromContent(content)
	}
	if article.Title == "" {
		article.Title = slug
	}
	return article, nil
}

// List 读取目录下全部文章，按日期倒序，日期相同或无法解析时按 slug 排列。
// 目录不存在时返回空列表。
func (s *Store) List() ([]Article, error) {
	var slugs []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.dir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		if slug := strings.TrimSuffix(filepath.ToSlash(rel), ".md"); ValidSlug(slug) {
			slugs = append(slugs, slug)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}

	articles := make([]Article, 0, len(slugs))
	for _, slug := range slugs {
		a, err := s.Get(slug)
		if err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}

	sort.SliceStable(articles, func(i, j int) bool {
		di, oki := parseDate(articles[i].Date)
		dj, okj := parseDate(articles[j].Date)
		switch {
		case oki && okj && !di.Equal(dj):
			return di.After(dj)
		case oki != okj:
			return oki
		}
		return articles[i].Slug < articles[j].Slug
	})
	return articles, nil
}

func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// splitFrontMatter 拆分 YAML front matter 与正文，front matter 解析失败时整体视为正文。
func splitFrontMatter(raw []byte) (frontMatter, string) {
	var meta frontMatter
	normalized := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return meta, string(normalized)
	}

	rest := normalized[len("---\n"):]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return meta, string(normalized)
	}

	if err := yaml.Unmarshal(rest[:end], &meta); err != nil {
		return frontMatter{}, string(normalized)
	}

	body := rest[end+len("\n---"):]
	body = bytes.TrimPrefix(body, []byte("\n"))
	return meta, string(body)
}

// DeriveTitleFromContent 取首个非空行作为标题，并去掉标题符号与强调标记。
func DeriveTitleFromContent(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		trimmed = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		trimmed = strings.Trim(trimmed, "*_ ")
		return strings.TrimSpace(trimmed)
	}
	return ""
}
