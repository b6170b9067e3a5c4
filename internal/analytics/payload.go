package analytics

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// StayPayload 是 stay 事件的详情，MS 为页面停留毫秒数。
type StayPayload struct {
	MS float64
}

// ScrollPayload 是 scroll 事件的详情，Depth 为滚动深度百分比。
type ScrollPayload struct {
	Depth float64
}

// ClickPayload 是 click 事件的详情。
type ClickPayload struct {
	Sel  string
	Name *string
}

// ParseStay 宽松解析 stay 详情；payload 不是合法 JSON 或为 null 时返回 false。
func ParseStay(payload string) (StayPayload, bool) {
	fields, ok := decodeObject(payload)
	if !ok {
		return StayPayload{}, false
	}
	return StayPayload{MS: numberField(fields["ms"])}, true
}

// ParseScroll 宽松解析 scroll 详情，深度限制在 [0,100]。
func ParseScroll(payload string) (ScrollPayload, bool) {
	fields, ok := decodeObject(payload)
	if !ok {
		return ScrollPayload{}, false
	}
	depth := numberField(fields["depth"])
	if depth < 0 {
		depth = 0
	}
	if depth > 100 {
		depth = 100
	}
	return ScrollPayload{Depth: depth}, true
}

// ParseClick 宽松解析 click 详情。
func ParseClick(payload string) (ClickPayload, bool) {
	fields, ok := decodeObject(payload)
	if !ok {
		return ClickPayload{}, false
	}
	click := ClickPayload{}
	if sel, ok := fields["sel"].(string); ok {
		click.Sel = sel
	}
	if name, ok := fields["name"].(string); ok && name != "" {
		click.Name = &name
	}
	return click, true
}

// decodeObject 空 payload 视为 {}；非对象的合法 JSON 返回空字段集。
func decodeObject(payload string) (map[string]any, bool) {
	if strings.TrimSpace(payload) == "" {
		return map[string]any{}, true
	}
	var value any
	if err := json.Unmarshal([]byte(payload), &value); err != nil || value == nil {
		return nil, false
	}
	if fields, ok := value.(map[string]any); ok {
		return fields, true
	}
	return map[string]any{}, true
}

func numberField(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0
		}
		if parsed, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsNaN(parsed) {
			return parsed
		}
	}
	return 0
}
