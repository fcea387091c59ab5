// Package config holds the task and container model and the decoders that
// load it from YAML or HCL files.
package config

import (
	"sort"
	"time"
)

// Configuration 项目配置：任务和容器定义
type Configuration struct {
	ProjectName string
	Tasks       map[string]*Task
	Containers  map[string]*Container
}

// Task 任务：绑定一个主容器，可以有前置任务
type Task struct {
	Name        string
	Description string
	// Run 为空时任务只执行前置任务
	Run           *TaskRunConfig
	Dependencies  []string
	Prerequisites []string
	// Customisations 针对依赖容器的覆盖，键为容器名称
	Customisations map[string]ContainerCustomisation
}

// TaskRunConfig 主容器的运行配置
type TaskRunConfig struct {
	Container        string
	Command          []string
	Environment      map[string]string
	WorkingDirectory string
}

// ContainerCustomisation 任务对依赖容器的环境变量和工作目录覆盖
type ContainerCustomisation struct {
	Environment      map[string]string
	WorkingDirectory string
}

// Container 容器定义
type Container struct {
	Name             string
	Image            string
	BuildDirectory   string
	Dockerfile       string
	BuildArgs        map[string]string
	Command          []string
	Environment      map[string]string
	WorkingDirectory string
	HealthCheck      HealthCheckConfig
	Dependencies     []string
	Ports            []string
}

// HealthCheckConfig 健康检查定义
type HealthCheckConfig struct {
	Command     []string
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	Retries     int
}

const (
	DefaultHealthCheckInterval = time.Second
	DefaultHealthCheckRetries  = 3
)

// Defined 是否配置了健康检查
func (h HealthCheckConfig) Defined() bool {
	return len(h.Command) > 0
}

// WithDefaults 补全缺省值：超时和启动期缺省时等于检查间隔
func (h HealthCheckConfig) WithDefaults() HealthCheckConfig {
	if h.Interval <= 0 {
		h.Interval = DefaultHealthCheckInterval
	}
	if h.Timeout <= 0 {
		h.Timeout = h.Interval
	}
	if h.StartPeriod <= 0 {
		h.StartPeriod = h.Interval
	}
	if h.Retries <= 0 {
		h.Retries = DefaultHealthCheckRetries
	}
	h.Command = append([]string(nil), h.Command...)
	return h
}

// NeedsBuild 是否需要从构建目录构建镜像
func (c *Container) NeedsBuild() bool {
	return c.Image == "" && c.BuildDirectory != ""
}

// Clone 深拷贝容器定义，合并覆盖时不修改共享定义
func (c *Container) Clone() *Container {
	out := *c
	out.BuildArgs = copyMap(c.BuildArgs)
	out.Environment = copyMap(c.Environment)
	out.Command = append([]string(nil), c.Command...)
	out.Dependencies = append([]string(nil), c.Dependencies...)
	out.Ports = append([]string(nil), c.Ports...)
	out.HealthCheck.Command = append([]string(nil), c.HealthCheck.Command...)
	return &out
}

// TaskNames 返回排序后的任务名称
func (c *Configuration) TaskNames() []string {
	names := make([]string, 0, len(c.Tasks))
	for name := range c.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
