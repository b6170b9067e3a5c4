package handler

import (
	"net/http"
	"strings"
	"testing"
)

func TestSummarizeBySlugIsCached(t *testing.T) {
	api, ai := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)

	for i := 0; i < 2; i++ {
		rec := srv.do(http.MethodPost, "/api/summarize", map[string]string{"slug": "hello"}, nil)
		var data struct {
			Slug    string `json:"slug"`
			Summary string `json:"summary"`
		}
		decodeData(t, rec, &data)
		if data.Slug != "hello" || data.Summary != "这是摘要" {
			t.Fatalf("unexpected summary response %#v", data)
		}
	}
	if got := ai.calls.Load(); got != 1 {
		t.Fatalf("expected a single upstream call, got %d", got)
	}
}

func TestSummarizeValidation(t *testing.T) {
	api, _ := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)

	rec := srv.do(http.MethodPost, "/api/summarize", map[string]string{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without slug and content, got %d", rec.Code)
	}

	rec = srv.do(http.MethodPost, "/api/summarize", map[string]string{"slug": "missing"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown article, got %d", rec.Code)
	}

	rec = srv.do(http.MethodPost, "/api/summarize", map[string]string{"content": "太短"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short content, got %d", rec.Code)
	}
}

func TestSummarizeInlineContent(t *testing.T) {
	api, ai := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)

	rec := srv.do(http.MethodPost, "/api/summarize", map[string]string{
		"content": "这是一段直接提交的正文，长度足够生成一段摘要。",
	}, nil)
	var data struct {
		Slug    string `json:"slug"`
		Summary string `json:"summary"`
	}
	decodeData(t, rec, &data)
	if !strings.HasPrefix(data.Slug, "inline-") || data.Summary == "" {
		t.Fatalf("unexpected inline summary %#v", data)
	}
	if !strings.Contains(ai.body(), "直接提交的正文") {
		t.Fatalf("upstream request should carry the content, got %s", ai.body())
	}
}

func TestSummarizeQuotaExhausted(t *testing.T) {
	cfg := testConfig(t)
	cfg.DailyAILimit = 1
	api, _ := newTestAPI(t, cfg)
	srv := newTestServer(t, api)

	if rec := srv.do(http.MethodPost, "/api/summarize", map[string]string{"slug": "hello"}, nil); rec.Code != http.StatusOK {
		t.Fatalf("first summary failed: %d %s", rec.Code, rec.Body.String())
	}
	rec := srv.do(http.MethodPost, "/api/summarize", map[string]string{"slug": "hello"}, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after quota, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error != msgQuotaExceeded {
		t.Fatalf("unexpected error %q", env.Error)
	}
}

func TestSummarizeUpstreamFailureOpensBreaker(t *testing.T) {
	api, ai := newTestAPI(t, testConfig(t))
	ai.status = http.StatusBadGateway
	srv := newTestServer(t, api)

	rec := srv.do(http.MethodPost, "/api/summarize", map[string]string{"slug": "hello"}, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error != "生成摘要失败" {
		t.Fatalf("upstream details must not leak, got %q", env.Error)
	}
	if got := ai.calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	rec = srv.do(http.MethodPost, "/api/summarize", map[string]string{"slug": "hello"}, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while breaker is open, got %d", rec.Code)
	}
	if got := ai.calls.Load(); got != 3 {
		t.Fatalf("breaker should skip upstream, got %d calls", got)
	}
}

func TestChatReply(t *testing.T) {
	api, ai := newTestAPI(t, testConfig(t))
	ai.reply = "可以这样理解"
	srv := newTestServer(t, api)

	rec := srv.do(http.MethodPost, "/api/chat", map[string]any{
		"slug":    "hello",
		"message": "这篇文章讲了什么？",
		"history": []map[string]string{{"role": "user", "content": "你好"}},
	}, nil)
	var data struct {
		Reply string `json:"reply"`
	}
	decodeData(t, rec, &data)
	if data.Reply != "可以这样理解" {
		t.Fatalf("unexpected reply %q", data.Reply)
	}
	if body := ai.body(); !strings.Contains(body, "用于测试的文章") || !strings.Contains(body, "这篇文章讲了什么") {
		t.Fatalf("upstream request should include article context and question, got %s", body)
	}
}

func TestChatStream(t *testing.T) {
	api, _ := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)

	rec := srv.do(http.MethodPost, "/api/chat", map[string]any{"message": "你好", "stream": true}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream failed: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if got := rec.Body.String(); got != "你好" {
		t.Fatalf("unexpected stream body %q", got)
	}
}

func TestChatValidationAndMissingKey(t *testing.T) {
	api, _ := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)

	rec := srv.do(http.MethodPost, "/api/chat", map[string]string{"message": "  "}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without message, got %d", rec.Code)
	}

	cfg := testConfig(t)
	cfg.OpenAIAPIKey = ""
	api, _ = newTestAPI(t, cfg)
	srv = newTestServer(t, api)

	for _, stream := range []bool{false, true} {
		rec = srv.do(http.MethodPost, "/api/chat", map[string]any{"message": "你好", "stream": stream}, nil)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("stream=%v: expected 500 without api key, got %d", stream, rec.Code)
		}
		if env := decodeEnvelope(t, rec); env.Error != msgAPIKeyMissing {
			t.Fatalf("unexpected error %q", env.Error)
		}
	}
}

func TestAdminSummaryLifecycle(t *testing.T) {
	api, ai := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)
	srv.login()
	lan := fromIP(lanIP)

	rec := srv.do(http.MethodGet, "/api/admin/summaries?slug=hello", nil, lan)
	var view struct {
		Slug         string  `json:"slug"`
		Provider     string  `json:"provider"`
		Model        string  `json:"model"`
		Summary      *string `json:"summary"`
		SystemPrompt string  `json:"systemPrompt"`
		UpdatedAt    *int64  `json:"updatedAt"`
	}
	decodeData(t, rec, &view)
	if view.Summary != nil || view.Provider != "openai" || view.Model != "gpt-4o-mini" || view.SystemPrompt == "" {
		t.Fatalf("unexpected empty view %#v", view)
	}

	ai.reply = "自定义摘要"
	rec = srv.do(http.MethodPost, "/api/admin/summaries", map[string]string{
		"slug":         "hello",
		"systemPrompt": "用一句话总结",
	}, lan)
	var regenerated struct {
		Summary string `json:"summary"`
	}
	decodeData(t, rec, &regenerated)
	if regenerated.Summary != "自定义摘要" {
		t.Fatalf("unexpected regenerated summary %q", regenerated.Summary)
	}
	if !strings.Contains(ai.body(), "用一句话总结") {
		t.Fatalf("custom prompt should be sent upstream, got %s", ai.body())
	}

	rec = srv.do(http.MethodGet, "/api/admin/summaries?slug=hello", nil, lan)
	decodeData(t, rec, &view)
	if view.Summary == nil || *view.Summary != "自定义摘要" || view.SystemPrompt != "用一句话总结" || view.UpdatedAt == nil {
		t.Fatalf("unexpected stored view %#v", view)
	}

	rec = srv.do(http.MethodDelete, "/api/admin/summaries?slug=hello", nil, lan)
	var deleted struct {
		Slug    string `json:"slug"`
		Deleted bool   `json:"deleted"`
	}
	decodeData(t, rec, &deleted)
	if !deleted.Deleted || deleted.Slug != "hello" {
		t.Fatalf("unexpected delete response %#v", deleted)
	}

	rec = srv.do(http.MethodGet, "/api/admin/summaries?slug=hello", nil, lan)
	decodeData(t, rec, &view)
	if view.Summary != nil {
		t.Fatalf("summary should be gone after delete, got %q", *view.Summary)
	}
}

func TestAdminSummaryValidation(t *testing.T) {
	api, _ := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)
	srv.login()
	lan := fromIP(lanIP)

	if rec := srv.do(http.MethodGet, "/api/admin/summaries", nil, lan); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without slug, got %d", rec.Code)
	}
	for _, slug := range []string{"empty", "missing"} {
		rec := srv.do(http.MethodPost, "/api/admin/summaries", map[string]string{"slug": slug}, lan)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("slug %q: expected 404, got %d", slug, rec.Code)
		}
		if env := decodeEnvelope(t, rec); env.Error != "文章不存在或内容为空" {
			t.Fatalf("unexpected error %q", env.Error)
		}
	}
}
