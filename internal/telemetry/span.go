package telemetry

import (
	"fmt"
	"time"
)

// InvalidSpanError 非法 span（非 UTC 时间或非基本类型属性）
type InvalidSpanError struct {
	Message string
}

func (e *InvalidSpanError) Error() string {
	return "invalid telemetry span: " + e.Message
}

// Span 一次操作的起止时间和属性
type Span struct {
	Type       string         `json:"type"`
	StartTime  time.Time      `json:"startTime"`
	EndTime    time.Time      `json:"endTime"`
	Attributes map[string]any `json:"attributes"`
}

// NewSpan 创建 span，时间必须为 UTC
func NewSpan(spanType string, start, end time.Time, attributes map[string]any) (Span, error) {
	if start.Location() != time.UTC {
		return Span{}, &InvalidSpanError{Message: "span start time must be in UTC"}
	}
	if end.Location() != time.UTC {
		return Span{}, &InvalidSpanError{Message: "span end time must be in UTC"}
	}

	attrs := make(map[string]any, len(attributes))
	for k, v := range attributes {
		if !isPrimitive(v) {
			return Span{}, &InvalidSpanError{Message: fmt.Sprintf("attribute %q has non-primitive type %T", k, v)}
		}
		attrs[k] = v
	}

	return Span{
		Type:       spanType,
		StartTime:  start,
		EndTime:    end,
		Attributes: attrs,
	}, nil
}

// Duration 返回 span 持续时间
func (s Span) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}
