package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paperlog/internal/article"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSearchArticle(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestSearchMatchesPlainTextWithSnippet(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("前", 60) + "关键词" + strings.Repeat("后", 60)
	writeSearchArticle(t, dir, "long.md", "---\ntitle: 长文\ndate: 2024-01-01\n---\n"+long)
	writeSearchArticle(t, dir, "go.md", "---\ntitle: Go 笔记\ndate: 2024-02-01\n---\n# 标题\n\n使用 **Gin** 和  GORM\n写服务。")
	svc := NewSearchService(article.NewStore(dir))

	results, err := svc.Search("gin", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, SearchResult{Slug: "go", Title: "Go 笔记", Snippet: "标题 使用 Gin 和 GORM 写服务。"}, results[0])

	results, err = svc.Search("关键词", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, strings.Repeat("前", 50)+"关键词"+strings.Repeat("后", 50), results[0].Snippet)

	results, err = svc.Search("   ", 10)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearchLimitAndOrder(t *testing.T) {
	dir := t.TempDir()
	for i, date := range []string{"2024-01-01", "2024-03-01", "2024-02-01"} {
		writeSearchArticle(t, dir, string(rune('a'+i))+".md", "---\ndate: "+date+"\n---\n共同的内容")
	}
	svc := NewSearchService(article.NewStore(dir))

	results, err := svc.Search("共同", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[0].Slug)
	assert.Equal(t, "c", results[1].Slug)

	results, err = svc.Search("共同", 1000)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSearchIndexIsCachedForAMinute(t *testing.T) {
	dir := t.TempDir()
	writeSearchArticle(t, dir, "a.md", "第一版")
	clock := newFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	svc := NewSearchService(article.NewStore(dir)).WithClock(clock.Now)

	results, err := svc.Search("第二版", 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	writeSearchArticle(t, dir, "a.md", "第二版")
	clock.Advance(59 * time.Second)
	results, err = svc.Search("第二版", 5)
	require.NoError(t, err)
	assert.Empty(t, results, "index should still be cached")

	clock.Advance(2 * time.Second)
	results, err = svc.Search("第二版", 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	writeSearchArticle(t, dir, "b.md", "第二版也在这里")
	svc.Invalidate()
	results, err = svc.Search("第二版", 5)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
