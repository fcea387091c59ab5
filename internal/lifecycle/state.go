package lifecycle

import (
	"sync"
	"time"
)

// State 容器运行时状态
type State int

const (
	StateCreated State = iota
	StateStarting
	StateHealthChecking
	StateHealthy
	StateUnhealthy
	StateRunning
	StateStopping
	StateStopped
	StateRemoved
	StateFailed
)

// String 返回状态字符串
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateStarting:
		return "STARTING"
	case StateHealthChecking:
		return "HEALTH_CHECKING"
	case StateHealthy:
		return "HEALTHY"
	case StateUnhealthy:
		return "UNHEALTHY"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateRemoved:
		return "REMOVED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// validTransitions 允许的状态转换；任何状态都可以转为 StateFailed
var validTransitions = map[State][]State{
	StateCreated:        {StateStarting},
	StateStarting:       {StateHealthChecking, StateRunning},
	StateHealthChecking: {StateHealthy, StateUnhealthy},
	StateHealthy:        {StateRunning},
	StateUnhealthy:      {StateStopping},
	StateRunning:        {StateStopping},
	StateStopping:       {StateStopped},
	StateStopped:        {StateRemoved},
	StateFailed:         {StateStopping, StateRemoved},
}

func canTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateRemoved
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Event 容器状态变更事件
type Event struct {
	Task      string    `json:"task"`
	Container string    `json:"container"`
	OldState  State     `json:"old_state"`
	NewState  State     `json:"new_state"`
	Timestamp time.Time `json:"timestamp"`
	Err       error     `json:"-"`
}

// Listener 容器事件监听器
type Listener interface {
	OnStateChanged(event Event)
}

// ListenerFunc 函数形式的监听器
type ListenerFunc func(event Event)

func (f ListenerFunc) OnStateChanged(event Event) {
	f(event)
}

// EventDispatcher 容器事件分发器；监听器按注册顺序同步调用
type EventDispatcher struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewEventDispatcher 创建容器事件分发器
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		listeners: make([]Listener, 0),
	}
}

// AddListener 添加事件监听器
func (d *EventDispatcher) AddListener(listener Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, listener)
}

// Dispatch 分发状态变更事件
func (d *EventDispatcher) Dispatch(event Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.RUnlock()

	for _, listener := range listeners {
		listener.OnStateChanged(event)
	}
}
