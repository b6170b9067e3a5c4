package analytics

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// 字段长度上限，按字符计数。
const (
	MaxPathLength        = 256
	MaxRefLength         = 512
	MaxUTMLength         = 512
	MaxPayloadLength     = 1024
	MaxFingerprintLength = 128

	// MaxEventsPerBatch 是单次上报允许处理的事件数量上限。
	MaxEventsPerBatch = 100

	millisecondThreshold = 1_000_000_000_000
)

// EventType 是受支持的事件类型。
type EventType string

const (
	TypePageView EventType = "pv"
	TypeClick    EventType = "click"
	TypeStay     EventType = "stay"
	TypeScroll   EventType = "scroll"
	TypeCustom   EventType = "custom"
)

// ParseEventType 大小写不敏感地解析事件类型。
func ParseEventType(raw string) (EventType, bool) {
	switch t := EventType(strings.ToLower(raw)); t {
	case TypePageView, TypeClick, TypeStay, TypeScroll, TypeCustom:
		return t, true
	default:
		return "", false
	}
}

// RawEvent 是客户端上报的原始事件，字段类型不可信。
type RawEvent struct {
	TS      any             `json:"ts"`
	FP      any             `json:"fp"`
	Path    any             `json:"path"`
	Ref     any             `json:"ref"`
	UTM     any             `json:"utm"`
	Type    any             `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event 是清洗后的事件，可空字段使用指针。
type Event struct {
	TS      int64
	FP      *string
	Path    *string
	Ref     *string
	UTM     *string
	Type    EventType
	Payload string
}

// Sanitize 校验并规范化原始事件，类型非法时返回 false。
// 超长字段会被截断而不是拒绝。
func Sanitize(raw RawEvent, now time.Time) (Event, bool) {
	typeValue, _ := raw.Type.(string)
	eventType, ok := ParseEventType(typeValue)
	if !ok {
		return Event{}, false
	}

	return Event{
		TS:      NormalizeTimestamp(raw.TS, now),
		FP:      trimmedField(raw.FP, MaxFingerprintLength),
		Path:    normalizePath(raw.Path),
		Ref:     trimmedField(raw.Ref, MaxRefLength),
		UTM:     trimmedField(raw.UTM, MaxUTMLength),
		Type:    eventType,
		Payload: normalizePayload(raw.Payload),
	}, true
}

// NormalizeTimestamp 将秒或毫秒时间戳统一为秒；无法识别或非正数时使用 now。
func NormalizeTimestamp(value any, now time.Time) int64 {
	n, ok := toFloat(value)
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
		return now.Unix()
	}
	if n > millisecondThreshold {
		n /= 1000
	}
	return int64(math.Floor(n))
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func trimmedField(value any, limit int) *string {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	s = Truncate(s, limit)
	return &s
}

func normalizePath(value any) *string {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "/") {
		return nil
	}
	if idx := strings.IndexByte(s, '#'); idx >= 0 {
		s = s[:idx]
	}
	s = Truncate(s, MaxPathLength)
	return &s
}

// normalizePayload 字符串原样截断；其他 JSON 值压缩后截断；缺省或 null 记为 {}。
func normalizePayload(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "{}"
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return ""
		}
		return Truncate(s, MaxPayloadLength)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return ""
	}
	return Truncate(buf.String(), MaxPayloadLength)
}

// Truncate 按字符截断字符串。
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	count := 0
	for idx := range s {
		if count == limit {
			return s[:idx]
		}
		count++
	}
	return s
}
