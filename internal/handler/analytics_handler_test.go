package handler

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/paperlog/internal/db"
)

const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

func collectHeaders(extra map[string]string) map[string]string {
	headers := map[string]string{"User-Agent": browserUA}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

func TestCollectEventsStoresValidEvents(t *testing.T) {
	api, _ := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)
	now := time.Now().Unix()

	body := fmt.Sprintf(`{"events":[
		{"type":"pv","ts":%d,"fp":"visitor-1","path":"/articles/hello","ref":"https://www.google.com/"},
		"garbage",
		{"type":"nonsense"},
		{"type":"click","payload":{"sel":"#like"}}
	]}`, now*1000)
	rec := srv.do(http.MethodPost, "/api/analytics/collect", body, collectHeaders(nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("collect failed: %d %s", rec.Code, rec.Body.String())
	}

	var data struct {
		OK    bool `json:"ok"`
		Count int  `json:"count"`
	}
	decodeData(t, rec, &data)
	if !data.OK || data.Count != 2 {
		t.Fatalf("expected 2 stored events, got %#v", data)
	}

	var views []db.ArticleView
	if err := api.db.Find(&views).Error; err != nil {
		t.Fatalf("load views: %v", err)
	}
	if len(views) != 1 || views[0].Slug != "hello" || views[0].Views != 1 {
		t.Fatalf("unexpected article views %#v", views)
	}
}

func TestCollectEventsSkipsDNTAndBots(t *testing.T) {
	api, _ := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)
	body := `{"events":[{"type":"pv","path":"/"}]}`

	cases := map[string]map[string]string{
		"dnt": collectHeaders(map[string]string{"DNT": "1"}),
		"bot": {"User-Agent": "curl/8.4.0"},
		"ua":  {"User-Agent": ""},
	}
	for name, headers := range cases {
		rec := srv.do(http.MethodPost, "/api/analytics/collect", body, headers)
		var data struct {
			Count int `json:"count"`
		}
		decodeData(t, rec, &data)
		if data.Count != 0 {
			t.Fatalf("%s: expected nothing stored, got %d", name, data.Count)
		}
	}

	var count int64
	api.db.Model(&db.Event{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected empty events table, got %d", count)
	}
}

func TestCollectEventsMalformedBodyIsEmptyBatch(t *testing.T) {
	api, _ := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)

	for _, body := range []string{"not json", `{"events":{"type":"pv"}}`, `{}`} {
		rec := srv.do(http.MethodPost, "/api/analytics/collect", body, collectHeaders(nil))
		var data struct {
			Count int `json:"count"`
		}
		decodeData(t, rec, &data)
		if data.Count != 0 {
			t.Fatalf("body %q: expected count 0, got %d", body, data.Count)
		}
	}
}

func TestCollectEventsIsRateLimited(t *testing.T) {
	api, _ := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)
	headers := collectHeaders(map[string]string{"DNT": "1", "X-Forwarded-For": "203.0.113.40"})

	for i := 0; i < 100; i++ {
		if rec := srv.do(http.MethodPost, "/api/analytics/collect", `{}`, headers); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	rec := srv.do(http.MethodPost, "/api/analytics/collect", `{}`, headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Success || env.RetryAfter <= 0 || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("unexpected rate limit response %s", rec.Body.String())
	}
}

func TestAggregateAnalyticsJSONAndCSV(t *testing.T) {
	api, _ := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)
	now := time.Now().Unix()

	body := fmt.Sprintf(`{"events":[
		{"type":"pv","ts":%d,"fp":"a","path":"/articles/hello","ref":"https://www.example.com/x","utm":"?utm_source=newsletter"},
		{"type":"pv","ts":%d,"fp":"b","path":"/articles/hello"},
		{"type":"stay","ts":%d,"payload":{"ms":45000}}
	]}`, now, now, now)
	if rec := srv.do(http.MethodPost, "/api/analytics/collect", body, collectHeaders(nil)); rec.Code != http.StatusOK {
		t.Fatalf("seed collect failed: %d", rec.Code)
	}
	if rec := srv.do(http.MethodPost, "/api/summarize", map[string]string{"slug": "hello"}, nil); rec.Code != http.StatusOK {
		t.Fatalf("summarize failed: %d %s", rec.Code, rec.Body.String())
	}

	srv.login()
	rec := srv.do(http.MethodGet, "/api/analytics/aggregate?range=1d", nil, fromIP(lanIP))
	if rec.Code != http.StatusOK {
		t.Fatalf("aggregate failed: %d %s", rec.Code, rec.Body.String())
	}
	var report struct {
		TotalPV     int64 `json:"totalPv"`
		TotalUV     int64 `json:"totalUv"`
		TopArticles []struct {
			Slug string `json:"slug"`
			V    int64  `json:"v"`
		} `json:"topArticles"`
		TopReferrers []struct {
			Ref string `json:"ref"`
		} `json:"topReferrers"`
		TopUTMSource []struct {
			Src string `json:"src"`
		} `json:"topUtmSource"`
		StayBuckets  []int64 `json:"stayBuckets"`
		NewVisitors  int64   `json:"newVisitors"`
		AITodayUsed  int64   `json:"aiTodayUsed"`
		AIDailyLimit int64   `json:"aiDailyLimit"`
		AIRemaining  int64   `json:"aiRemaining"`
	}
	decodeData(t, rec, &report)
	if report.TotalPV != 2 || report.TotalUV != 2 || report.NewVisitors != 2 {
		t.Fatalf("unexpected traffic %#v", report)
	}
	if len(report.TopArticles) != 1 || report.TopArticles[0].Slug != "hello" || report.TopArticles[0].V != 2 {
		t.Fatalf("unexpected top articles %#v", report.TopArticles)
	}
	// 无来源的访问计入 direct，按键排序在前
	if len(report.TopReferrers) != 2 || report.TopReferrers[0].Ref != "direct" || report.TopReferrers[1].Ref != "example.com" {
		t.Fatalf("unexpected referrers %#v", report.TopReferrers)
	}
	if len(report.TopUTMSource) != 2 || report.TopUTMSource[0].Src != "newsletter" || report.TopUTMSource[1].Src != "unknown" {
		t.Fatalf("unexpected utm sources %#v", report.TopUTMSource)
	}
	if len(report.StayBuckets) != 6 || report.StayBuckets[2] != 1 {
		t.Fatalf("unexpected stay buckets %#v", report.StayBuckets)
	}
	if report.AITodayUsed != 1 || report.AIDailyLimit != 100 || report.AIRemaining != 99 {
		t.Fatalf("unexpected quota fields %#v", report)
	}

	rec = srv.do(http.MethodGet, "/api/analytics/aggregate?range=1d&format=CSV&dataset=top_articles", nil, fromIP(lanIP))
	if rec.Code != http.StatusOK {
		t.Fatalf("csv failed: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if got := rec.Body.String(); got != "slug,pv\nhello,2" {
		t.Fatalf("unexpected csv %q", got)
	}
}

func TestArticleStatsEndpoint(t *testing.T) {
	api, _ := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)

	body := `{"events":[{"type":"pv","fp":"a","path":"/articles/hello"},{"type":"pv","fp":"b","path":"/articles/hello"}]}`
	srv.do(http.MethodPost, "/api/analytics/collect", body, collectHeaders(nil))
	srv.do(http.MethodPost, "/api/likes", map[string]string{"articleId": "hello", "userId": "fp-1"}, nil)

	rec := srv.do(http.MethodGet, "/api/articles/stats?slugs=hello,other", nil, nil)
	var stats map[string]struct {
		PV    int64 `json:"pv"`
		Likes int64 `json:"likes"`
	}
	decodeData(t, rec, &stats)
	if stats["hello"].PV != 2 || stats["hello"].Likes != 1 {
		t.Fatalf("unexpected stats for hello %#v", stats["hello"])
	}
	if _, ok := stats["other"]; !ok {
		t.Fatalf("missing slugs should be reported with zeros: %#v", stats)
	}

	rec = srv.do(http.MethodGet, "/api/articles/stats", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without slugs, got %d", rec.Code)
	}
}
