package telemetry

import (
	"sync"
	"time"
)

// Metrics 守护进程调用指标，按操作名称统计
type Metrics struct {
	mu sync.RWMutex

	StartTime    time.Time                `json:"start_time"`
	RequestCount map[string]int64         `json:"request_count"`
	ResponseTime map[string]time.Duration `json:"response_time"`
	ErrorCount   map[string]int64         `json:"error_count"`

	// 容器指标
	CreatedContainers int64 `json:"created_containers"`
	RemovedContainers int64 `json:"removed_containers"`
}

// NewMetrics 创建指标实例
func NewMetrics() *Metrics {
	return &Metrics{
		StartTime:    time.Now(),
		RequestCount: make(map[string]int64),
		ResponseTime: make(map[string]time.Duration),
		ErrorCount:   make(map[string]int64),
	}
}

// ObserveRequest 记录一次调用；ResponseTime 保存最近一次的耗时
func (m *Metrics) ObserveRequest(op string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount[op]++
	m.ResponseTime[op] = duration
	if err != nil {
		m.ErrorCount[op]++
	}
}

// ContainerCreated 增加已创建容器计数
func (m *Metrics) ContainerCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreatedContainers++
}

// ContainerRemoved 增加已删除容器计数
func (m *Metrics) ContainerRemoved() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemovedContainers++
}

// GetSnapshot 获取指标快照
func (m *Metrics) GetSnapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"uptime_seconds":     time.Since(m.StartTime).Seconds(),
		"request_count":      copyCounts(m.RequestCount),
		"response_time_ms":   convertDurationToMs(m.ResponseTime),
		"error_count":        copyCounts(m.ErrorCount),
		"created_containers": m.CreatedContainers,
		"removed_containers": m.RemovedContainers,
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// convertDurationToMs 将时间持续转换为毫秒
func convertDurationToMs(durations map[string]time.Duration) map[string]float64 {
	result := make(map[string]float64, len(durations))
	for k, v := range durations {
		result[k] = float64(v.Nanoseconds()) / 1e6
	}
	return result
}
