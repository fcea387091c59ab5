package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SpanRecorder 在内存中记录 span
type SpanRecorder struct {
	mu     sync.Mutex
	spans  []Span
	logger *zap.Logger
}

// NewSpanRecorder 创建 span 记录器
func NewSpanRecorder(logger *zap.Logger) *SpanRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpanRecorder{
		logger: logger.With(zap.String("component", "telemetry")),
	}
}

// Start 开始计时，返回的函数结束 span；attrs 在结束时可追加
func (r *SpanRecorder) Start(spanType string, attrs map[string]any) func(err error) {
	start := time.Now()
	return func(err error) {
		merged := make(map[string]any, len(attrs)+1)
		for k, v := range attrs {
			merged[k] = v
		}
		if err != nil {
			merged["error"] = err.Error()
		}
		// 结束时间按单调时钟计算，不受系统时钟回拨影响
		begin := start.UTC()
		r.Add(spanType, begin, begin.Add(time.Since(start)), merged)
	}
}

// Record 记录 fn 的执行时间
func (r *SpanRecorder) Record(spanType string, attrs map[string]any, fn func() error) error {
	end := r.Start(spanType, attrs)
	err := fn()
	end(err)
	return err
}

// Add 添加一个 span，非法 span 被丢弃并记录日志
func (r *SpanRecorder) Add(spanType string, start, end time.Time, attrs map[string]any) {
	span, err := NewSpan(spanType, start, end, attrs)
	if err != nil {
		r.logger.Warn("Dropping invalid span", zap.String("type", spanType), zap.Error(err))
		return
	}

	r.mu.Lock()
	r.spans = append(r.spans, span)
	r.mu.Unlock()

	r.logger.Debug("Span recorded",
		zap.String("type", span.Type),
		zap.Duration("duration", span.Duration()),
		zap.Any("attributes", span.Attributes))
}

// Spans 返回已记录 span 的副本
func (r *SpanRecorder) Spans() []Span {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Span, len(r.spans))
	copy(out, r.spans)
	return out
}
