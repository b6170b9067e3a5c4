package article

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeArticle(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write article: %v", err)
	}
}

func TestStoreGetWithFrontMatter(t *testing.T) {
	dir := t.TempDir()
	writeArticle(t, dir, "hello.md", "---\ntitle: 你好\ndate: 2024-05-01\ntags: [go, sqlite]\n---\n正文内容\n")

	store := NewStore(dir)
	got, err := store.Get("hello")
	if err != nil {
		t.Fatalf("get article: %v", err)
	}
	if got.Title != "你好" || got.Date != "2024-05-01" {
		t.Fatalf("unexpected meta %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "go" {
		t.Fatalf("unexpected tags %v", got.Tags)
	}
	if got.Content != "正文内容\n" {
		t.Fatalf("unexpected content %q", got.Content)
	}
}

func TestStoreGetDerivesTitle(t *testing.T) {
	dir := t.TempDir()
	writeArticle(t, dir, "notes/first.md", "\n# **第一篇**\n内容")

	got, err := NewStore(dir).Get("notes/first")
	if err != nil {
		t.Fatalf("get article: %v", err)
	}
	if got.Title != "第一篇" {
		t.Fatalf("unexpected title %q", got.Title)
	}
}

func TestStoreGetErrors(t *testing.T) {
	store := NewStore(t.TempDir())

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, slug := range []string{"../etc/passwd", "a b", "", "bad?slug"} {
		if _, err := store.Get(slug); !errors.Is(err, ErrInvalidSlug) {
			t.Fatalf("slug %q: expected ErrInvalidSlug, got %v", slug, err)
		}
	}
}

func TestStoreListSortsByDateDesc(t *testing.T) {
	dir := t.TempDir()
	writeArticle(t, dir, "old.md", "---\ntitle: 旧文\ndate: 2023-01-02\n---\n旧")
	writeArticle(t, dir, "new.md", "---\ntitle: 新文\ndate: 2024-05-01T10:00:00Z\n---\n新")
	writeArticle(t, dir, "notes/undated.md", "# 无日期\n内容")
	writeArticle(t, dir, "readme.txt", "not an article")
	writeArticle(t, dir, "bad name.md", "skipped")

	list, err := NewStore(dir).List()
	if err != nil {
		t.Fatalf("list articles: %v", err)
	}
	var slugs []string
	for _, a := range list {
		slugs = append(slugs, a.Slug)
	}
	want := []string{"new", "old", "notes/undated"}
	if len(slugs) != len(want) {
		t.Fatalf("unexpected slugs %v", slugs)
	}
	for i := range want {
		if slugs[i] != want[i] {
			t.Fatalf("unexpected order %v", slugs)
		}
	}
	if meta := list[2].Meta(); meta.Title != "无日期" || meta.Tags == nil {
		t.Fatalf("unexpected meta %+v", meta)
	}
}

func TestStoreListMissingDir(t *testing.T) {
	list, err := NewStore(filepath.Join(t.TempDir(), "absent")).List()
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty list, got %v %v", list, err)
	}
}

func TestDeriveTitleFromContentStripsEmphasis(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "strip bold heading", content: "# **粗体标题**\n正文", want: "粗体标题"},
		{name: "strip italic heading", content: "# *斜体标题* \n内容", want: "斜体标题"},
		{name: "strip emphasis without heading", content: "*无标题内容*\n更多", want: "无标题内容"},
		{name: "strip mixed emphasis", content: "# ***混合***", want: "混合"},
		{name: "empty content", content: "\n\n", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveTitleFromContent(tt.content); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestPlainText(t *testing.T) {
	got := PlainText("# 标题\n\n一段 **加粗** 的文字 & 符号。\n\n- 列表一\n- 列表二\n\n<script>alert(1)</script>")
	want := "标题\n一段 加粗 的文字 & 符号。\n列表一\n列表二"
	if got != want {
		t.Fatalf("unexpected plain text:\n%q\nwant\n%q", got, want)
	}
}
