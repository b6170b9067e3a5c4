package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/paperlog/internal/config"
	"github.com/paperlog/internal/db"
)

const (
	testAdminUser     = "console-admin"
	testAdminPassword = "Str0ng!Passw0rd"
	lanIP             = "192.168.1.20"
	// httptest.NewRequest 的默认连接地址，测试中视作反向代理
	testProxyIP = "192.0.2.1"
)

var dsnSeq atomic.Int64

type fakeAI struct {
	calls    atomic.Int64
	reply    string
	chunks   []string
	status   int
	lastBody atomic.Value
}

func (f *fakeAI) Do(req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	f.lastBody.Store(string(body))

	if f.status >= http.StatusBadRequest {
		return &http.Response{
			StatusCode: f.status,
			Status:     fmt.Sprintf("%d %s", f.status, http.StatusText(f.status)),
			Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"upstream down"}}`)),
			Header:     make(http.Header),
		}, nil
	}

	var payload struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &payload)
	if payload.Stream {
		var b strings.Builder
		for _, chunk := range f.chunks {
			data, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]string{"content": chunk}}},
			})
			b.WriteString("data: ")
			b.Write(data)
			b.WriteString("\n\n")
		}
		b.WriteString("data: [DONE]\n\n")
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(b.String())),
			Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		}, nil
	}

	data, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": f.reply}}},
	})
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}, nil
}

func (f *fakeAI) body() string {
	if v, ok := f.lastBody.Load().(string); ok {
		return v
	}
	return ""
}

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	writeTestArticle(t, dir, "hello.md", "---\ntitle: 你好\n---\n# 你好\n\n这是一篇用于测试的文章，正文足够生成摘要。\n")
	writeTestArticle(t, dir, "empty.md", "   \n")
	return config.AppConfig{
		SessionSecret:       "test-secret",
		GinMode:             gin.TestMode,
		ContentDir:          dir,
		DailyAILimit:        100,
		EventsRetentionDays: 180,
		ViewsRetentionDays:  365,
		CleanupSampling:     0,
		AIProvider:          "openai",
		OpenAIAPIKey:        "sk-test",
		OpenAIBaseURL:       "https://openai.test/v1",
		OpenAIModel:         "gpt-4o-mini",
		DeepSeekBaseURL:     "https://deepseek.test/v1",
		DeepSeekModel:       "deepseek-chat",
	}
}

func writeTestArticle(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write article: %v", err)
	}
}

func newTestAPI(t *testing.T, cfg config.AppConfig) (*API, *fakeAI) {
	t.Helper()
	dsn := fmt.Sprintf("file:handler-test-%d-%d?mode=memory&cache=shared", time.Now().UnixNano(), dsnSeq.Add(1))
	gdb, err := db.Open(dsn, db.Options{Silent: true})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	if err := db.EnsureUser(gdb, testAdminUser, testAdminPassword); err != nil {
		t.Fatalf("failed to seed admin: %v", err)
	}

	api := NewAPI(gdb, cfg, nil)
	api.summaries.WithSleep(func(context.Context, time.Duration) error { return nil })
	ai := &fakeAI{reply: "这是摘要", chunks: []string{"你", "好"}}
	api.SetAIHTTPClient(ai)
	return api, ai
}

// testServer 把全部路由挂到一个引擎上，并在请求之间保留会话 Cookie。
type testServer struct {
	t       *testing.T
	engine  *gin.Engine
	cookies []*http.Cookie
}

func newTestServer(t *testing.T, api *API) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	if err := ConfigureClientIP(r, []string{testProxyIP}); err != nil {
		t.Fatalf("configure client ip: %v", err)
	}
	r.Use(RequestContext(api.Logger()))
	r.Use(sessions.Sessions("test_session", cookie.NewStore([]byte("test-secret"))))

	r.GET("/api/health", api.HealthCheck)
	r.POST("/api/analytics/collect", api.CollectEvents)
	r.POST("/api/summarize", api.Summarize)
	r.POST("/api/chat", api.Chat)
	r.GET("/api/likes", api.GetLikes)
	r.POST("/api/likes", api.ToggleLike)
	r.GET("/api/likes/popular", api.PopularArticles)
	r.GET("/api/articles/stats", api.ArticleStats)
	r.GET("/api/comments", api.GetComments)
	r.POST("/api/comments", api.CreateComment)
	r.GET("/api/comments/:id", api.CheckCommentDeletion)
	r.DELETE("/api/comments/:id", api.DeleteComment)
	r.GET("/api/search", api.SearchArticles)
	r.POST("/api/auth/login", api.Login)
	r.POST("/api/auth/logout", api.Logout)

	console := r.Group("/api", ConsoleOnly(api.ConsoleAllowIPs()), AuthRequired())
	console.GET("/analytics/aggregate", api.AggregateAnalytics)
	console.GET("/admin/articles", api.AdminArticles)
	console.GET("/admin/comments", api.AdminComments)
	console.GET("/admin/summaries", api.GetAdminSummary)
	console.POST("/admin/summaries", api.RegenerateAdminSummary)
	console.DELETE("/admin/summaries", api.DeleteAdminSummary)
	console.GET("/admin/settings", api.GetSystemSettings)
	console.PUT("/admin/settings", api.UpdateSystemSettings)
	console.POST("/admin/settings/test", api.TestAIConnection)

	return &testServer{t: t, engine: r}
}

func (s *testServer) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	return s.doFrom("", method, path, body, headers)
}

// doFrom 与 do 相同，remoteAddr 非空时替换连接地址。
func (s *testServer) doFrom(remoteAddr, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			s.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, reader)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	for _, c := range s.cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if cookies := rec.Result().Cookies(); len(cookies) > 0 {
		s.cookies = cookies
	}
	return rec
}

func (s *testServer) login() {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/auth/login", map[string]string{
		"username": testAdminUser,
		"password": testAdminPassword,
	}, fromIP(lanIP))
	if rec.Code != http.StatusOK {
		s.t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
}

// fromIP 模拟经由测试代理转发的客户端地址。
func fromIP(ip string) map[string]string {
	return map[string]string{"X-Forwarded-For": ip}
}

type envelope struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error"`
	RetryAfter int             `json:"retryAfter"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return env
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Fatalf("expected success, got %d %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data %s: %v", env.Data, err)
	}
}
