// Package analytics 负责访客事件的过滤与清洗。
package analytics

import "strings"

var botKeywords = []string{
	"bot", "spider", "crawl", "slurp", "bingpreview", "baiduspider",
	"headless", "phantomjs", "selenium", "playwright", "httpclient",
	"python-requests", "curl", "wget", "powershell", "postman",
	"googlebot", "duckduckbot", "yandex", "ahrefsbot", "semrush",
	"mj12bot", "uptimerobot", "datanyze", "sitechecker", "monitor",
	"facebookexternalhit",
}

// IsLikelyBot 根据 User-Agent 粗略判断是否为爬虫或脚本工具，空 UA 视为机器人。
func IsLikelyBot(userAgent string) bool {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return true
	}
	for _, keyword := range botKeywords {
		if strings.Contains(ua, keyword) {
			return true
		}
	}
	return false
}

// LooksLikeRealBrowser 判断 UA 是否带有主流浏览器标识。
func LooksLikeRealBrowser(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, marker := range []string{"chrome", "safari", "firefox", "edg"} {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}
