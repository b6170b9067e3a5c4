package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paperlog/internal/db"
	"gorm.io/gorm"
)

var dsnSeq atomic.Int64

type fakeHTTPClient struct {
	handler func(*http.Request) (*http.Response, error)
}

func (f fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if f.handler == nil {
		return nil, errors.New("no handler configured")
	}
	return f.handler(req)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:service-test-%d-%d?mode=memory&cache=shared", time.Now().UnixNano(), dsnSeq.Add(1))
	gdb, err := db.Open(dsn, db.Options{Silent: true})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return gdb
}

func jsonResponse(status int, body any) *http.Response {
	buf, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Body:       io.NopCloser(bytes.NewReader(buf)),
		Header:     make(http.Header),
	}
}

func completionResponse(content string) *http.Response {
	return jsonResponse(http.StatusOK, map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 8},
	})
}

func streamResponse(chunks ...string) *http.Response {
	var b strings.Builder
	for _, chunk := range chunks {
		payload, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"delta": map[string]string{"content": chunk}}},
		})
		b.WriteString("data: ")
		b.Write(payload)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(b.String())),
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
	}
}

func decodeChatRequest(t *testing.T, r *http.Request) chatCompletionRequest {
	t.Helper()
	var payload chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		t.Errorf("failed to decode request: %v", err)
	}
	return payload
}

type staticSettings struct {
	settings SystemSettings
}

func (s staticSettings) GetSettings() (SystemSettings, error) {
	return s.settings, nil
}

func newTestAIClient(settings SystemSettings, handler func(*http.Request) (*http.Response, error)) *AIClient {
	client := NewAIClient(staticSettings{settings: settings}, AIClientOptions{
		OpenAIBaseURL:   "https://openai.test/v1",
		DeepSeekBaseURL: "https://deepseek.test/v1",
	}, nil)
	client.SetHTTPClient(fakeHTTPClient{handler: handler})
	return client
}

type fakeClock struct {
	now atomic.Int64
}

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.now.Store(t.UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time {
	return time.Unix(0, c.now.Load())
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now.Add(int64(d))
}
