package service

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/paperlog/internal/article"
)

const (
	searchIndexTTL      = 60 * time.Second
	searchSnippetRadius = 50
	defaultSearchLimit  = 20
	maxSearchLimit      = 50
)

// SearchResult 是一条命中的文章。
type SearchResult struct {
	Slug    string `json:"slug"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

type searchDoc struct {
	slug  string
	title string
	text  []rune
	lower []rune
}

// SearchService 在文章纯文本上做子串匹配，索引缓存 60 秒。
type SearchService struct {
	store *article.Store
	now   func() time.Time

	mu      sync.Mutex
	docs    []searchDoc
	builtAt time.Time
}

// NewSearchService 创建 SearchService。
func NewSearchService(store *article.Store) *SearchService {
	return &SearchService{store: store, now: time.Now}
}

// WithClock 替换时钟，便于测试索引过期。
func (s *SearchService) WithClock(now func() time.Time) *SearchService {
	if now != nil {
		s.now = now
	}
	return s
}

// Search 按文章顺序返回前 limit 条命中，limit 限定在 1..50。
// 匹配忽略大小写，摘录为命中位置前后各 50 个字符。
func (s *SearchService) Search(query string, limit int) ([]SearchResult, error) {
	results := []SearchResult{}
	q := []rune(strings.ToLower(strings.TrimSpace(query)))
	if len(q) == 0 {
		return results, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	docs, err := s.index()
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		i := indexRunes(d.lower, q)
		if i < 0 {
			continue
		}
		start := max(0, i-searchSnippetRadius)
		end := min(len(d.text), i+len(q)+searchSnippetRadius)
		results = append(results, SearchResult{Slug: d.slug, Title: d.title, Snippet: string(d.text[start:end])})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Invalidate 丢弃缓存的索引。
func (s *SearchService) Invalidate() {
	s.mu.Lock()
	s.docs = nil
	s.builtAt = time.Time{}
	s.mu.Unlock()
}

func (s *SearchService) index() ([]searchDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.docs != nil && now.Sub(s.builtAt) < searchIndexTTL {
		return s.docs, nil
	}

	articles, err := s.store.List()
	if err != nil {
		return nil, fmt.Errorf("build search index: %w", err)
	}
	docs := make([]searchDoc, 0, len(articles))
	for _, a := range articles {
		text := []rune(strings.Join(strings.Fields(article.PlainText(a.Content)), " "))
		lower := make([]rune, len(text))
		for i, r := range text {
			lower[i] = unicode.ToLower(r)
		}
		docs = append(docs, searchDoc{slug: a.Slug, title: a.Title, text: text, lower: lower})
	}
	s.docs = docs
	s.builtAt = now
	return docs, nil
}

func indexRunes(haystack, needle []rune) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, r := range needle {
			if haystack[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
