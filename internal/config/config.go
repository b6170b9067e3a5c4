package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig 汇总运行服务所需的基础配置。
type AppConfig struct {
	ListenAddr        string
	Port              string
	DatabasePath      string
	SessionSecret     string
	GinMode           string
	LogLevel          string
	ContentDir        string
	SuperRootUserName string
	SuperRootPassword string
	ConsoleAllowIPs   []string
	TrustedProxies    []string

	DailyAILimit int

	EventsRetentionDays int
	ViewsRetentionDays  int
	CleanupSampling     float64

	AIProvider          string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIModel         string
	DeepSeekAPIKey      string
	DeepSeekBaseURL     string
	DeepSeekModel       string
	AIRequestsPerSecond float64
	AIRequestBurst      int
}

const (
	defaultDailyAILimit        = 100
	defaultEventsRetentionDays = 180
	defaultViewsRetentionDays  = 365
	defaultCleanupSampling     = 0.02
	// 只有本机反向代理转发的地址头会被采信
	defaultTrustedProxies = "127.0.0.1,::1"
)

// Load 从环境变量读取应用配置，并为缺失项提供安全的默认值。
// 当前目录存在 .env 时会先加载，已有环境变量优先。
func Load() AppConfig {
	_ = godotenv.Load()

	port := envString("PORT", "8080")

	listenAddr := strings.TrimSpace(os.Getenv("LISTEN_ADDR"))
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%s", port)
	}

	return AppConfig{
		ListenAddr:        listenAddr,
		Port:              port,
		DatabasePath:      envString("DATABASE_PATH", "data/blog.db"),
		SessionSecret:     envString("SESSION_SECRET", "paperlog-dev-secret"),
		GinMode:           envString("GIN_MODE", "release"),
		LogLevel:          envString("LOG_LEVEL", "info"),
		ContentDir:        envString("CONTENT_DIR", "content/articles"),
		SuperRootUserName: strings.TrimSpace(os.Getenv("SUPER_ROOT_USER_NAME")),
		SuperRootPassword: strings.TrimSpace(os.Getenv("SUPER_ROOT_PASSWORD")),
		ConsoleAllowIPs:   splitList(os.Getenv("CONSOLE_ALLOW_IPS")),
		TrustedProxies:    splitList(envString("TRUSTED_PROXIES", defaultTrustedProxies)),

		DailyAILimit: envPositiveInt("DAILY_AI_LIMIT", defaultDailyAILimit),

		EventsRetentionDays: envPositiveInt("ANALYTICS_EVENTS_RETENTION_DAYS", defaultEventsRetentionDays),
		ViewsRetentionDays:  envPositiveInt("ANALYTICS_VIEWS_RETENTION_DAYS", defaultViewsRetentionDays),
		CleanupSampling:     envProbability("ANALYTICS_CLEANUP_SAMPLING", defaultCleanupSampling),

		AIProvider:          strings.ToLower(envString("AI_PROVIDER", "openai")),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:       envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:         envString("OPENAI_MODEL", "gpt-4o-mini"),
		DeepSeekAPIKey:      strings.TrimSpace(os.Getenv("DEEPSEEK_API_KEY")),
		DeepSeekBaseURL:     envString("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
		DeepSeekModel:       envString("DEEPSEEK_MODEL", "deepseek-chat"),
		AIRequestsPerSecond: envPositiveFloat("AI_REQUESTS_PER_SECOND", 2),
		AIRequestBurst:      envPositiveInt("AI_REQUEST_BURST", 4),
	}
}

func envString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envPositiveInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func envPositiveFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// envProbability 解析 [0,1] 区间的概率，越界时截断，无法解析时使用默认值。
func envProbability(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
