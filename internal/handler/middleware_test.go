package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestClientIP(t *testing.T) {
	trusted := []string{"127.0.0.1", "10.0.0.0/8"}
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded through trusted hops", map[string]string{"X-Forwarded-For": " 203.0.113.9 , 10.0.0.1", "X-Real-IP": "1.1.1.1"}, "127.0.0.1:80", "203.0.113.9"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7", "CF-Connecting-IP": "1.1.1.1"}, "127.0.0.1:80", "198.51.100.7"},
		{"cloudflare", map[string]string{"CF-Connecting-IP": "198.51.100.8"}, "127.0.0.1:80", "198.51.100.8"},
		{"untrusted peer", map[string]string{"X-Forwarded-For": "127.0.0.1", "X-Real-IP": "10.0.0.2"}, "8.8.8.8:443", "8.8.8.8"},
		{"socket", nil, "10.1.2.3:5555", "10.1.2.3"},
		{"socket without port", nil, "10.1.2.4", "unknown"},
		{"unknown", nil, "", "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveClientIP(t, trusted, tc.remote, tc.headers); got != tc.want {
				t.Fatalf("ClientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClientIPWithoutTrustedProxies(t *testing.T) {
	got := resolveClientIP(t, nil, "127.0.0.1:80", map[string]string{"X-Forwarded-For": "203.0.113.9"})
	if got != "127.0.0.1" {
		t.Fatalf("forwarded headers must be ignored without trusted proxies, got %q", got)
	}
}

func TestConfigureClientIPRejectsBadProxy(t *testing.T) {
	if err := ConfigureClientIP(gin.New(), []string{"not-an-ip"}); err == nil {
		t.Fatalf("expected an error for an invalid proxy address")
	}
}

func resolveClientIP(t *testing.T, trusted []string, remote string, headers map[string]string) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, engine := gin.CreateTestContext(httptest.NewRecorder())
	if err := ConfigureClientIP(engine, trusted); err != nil {
		t.Fatalf("configure client ip: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.Request = req
	return ClientIP(c)
}

func TestIsConsoleIP(t *testing.T) {
	allow := []string{"203.0.113.5"}
	cases := map[string]bool{
		"127.0.0.1":          true,
		"10.1.2.3":           true,
		"172.16.0.1":         true,
		"172.31.255.255":     true,
		"172.32.0.1":         false,
		"192.168.1.1":        true,
		"100.64.0.1":         true,
		"100.128.0.1":        false,
		"8.8.8.8":            false,
		"::1":                true,
		"fd00::1":            true,
		"fc00::2":            true,
		"2001:db8::1":        false,
		"::ffff:192.168.1.1": true,
		"203.0.113.5":        true,
		"unknown":            false,
		"":                   false,
	}
	for ip, want := range cases {
		if got := IsConsoleIP(ip, allow); got != want {
			t.Fatalf("IsConsoleIP(%q) = %v, want %v", ip, got, want)
		}
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	api, _ := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)

	rec := srv.do(http.MethodGet, "/api/health", nil, map[string]string{"X-Request-ID": "req-123"})
	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}

	rec = srv.do(http.MethodGet, "/api/health", nil, nil)
	if got := rec.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Fatalf("expected generated uuid request id, got %q", got)
	}
}

func TestConsoleRoutesRequireLANAndSession(t *testing.T) {
	api, _ := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)

	rec := srv.do(http.MethodGet, "/api/analytics/aggregate", nil, fromIP("8.8.8.8"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for public ip, got %d", rec.Code)
	}

	rec = srv.do(http.MethodGet, "/api/analytics/aggregate", nil, fromIP(lanIP))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error != "需要管理员权限" {
		t.Fatalf("unexpected error message %q", env.Error)
	}

	srv.login()
	rec = srv.do(http.MethodGet, "/api/analytics/aggregate", nil, fromIP(lanIP))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after login, got %d %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(http.MethodGet, "/api/analytics/aggregate", nil, fromIP("8.8.8.8"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("session must not bypass the network gate, got %d", rec.Code)
	}
}

func TestConsoleIgnoresForwardedHeadersFromUntrustedPeers(t *testing.T) {
	api, _ := newTestAPI(t, testConfig(t))
	srv := newTestServer(t, api)
	srv.login()

	forged := map[string]string{"X-Forwarded-For": "127.0.0.1", "X-Real-IP": lanIP}
	rec := srv.doFrom("8.8.8.8:443", http.MethodGet, "/api/analytics/aggregate", nil, forged)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("forged forwarding headers must not open the console, got %d", rec.Code)
	}

	rec = srv.doFrom(lanIP+":5000", http.MethodGet, "/api/analytics/aggregate", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("direct LAN peer should reach the console, got %d %s", rec.Code, rec.Body.String())
	}
}
