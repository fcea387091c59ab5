// Package daemontest provides an in-memory daemon.Client for tests.
package daemontest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"taskbox/internal/common"
	"taskbox/internal/daemon"
)

// ContainerLabel 标签中的容器名称，用于查找行为定义
const ContainerLabel = "taskbox.container"

// Behavior 容器在假守护进程中的行为
type Behavior struct {
	// Output 容器启动后输出的内容；OutputFunc 非空时优先使用
	Output     string
	OutputFunc func(req daemon.CreateRequest) string
	ExitCode   int

	// FailingProbes 健康检查成功之前失败的次数；NeverHealthy 为 true 时一直失败
	FailingProbes int
	NeverHealthy  bool
	ProbeDelay    time.Duration

	CreateErr error
	StartErr  error
	StopErr   error
	RemoveErr error
}

// Container 假守护进程中的容器
type Container struct {
	ID      string
	Name    string
	Request daemon.CreateRequest

	behavior Behavior
	probes   int
	started  bool
	stopped  bool
	removed  bool
	output   *io.PipeWriter
	reader   *io.PipeReader
	written  chan struct{}
}

// Fake 内存中的守护进程
type Fake struct {
	mu         sync.Mutex
	behaviors  map[string]Behavior
	containers map[string]*Container
	order      []string
	events     []string
	nextID     int

	Built    []daemon.BuildRequest
	Pulled   []string
	Networks map[string]bool
	PingErr  error
	// BuildProgress 构建时写入 BuildRequest.Progress 的内容
	BuildProgress string
}

var _ daemon.Client = (*Fake)(nil)

// New 创建假守护进程
func New() *Fake {
	return &Fake{
		behaviors:  make(map[string]Behavior),
		containers: make(map[string]*Container),
		Networks:   make(map[string]bool),
	}
}

// SetBehavior 设置某个容器（按配置中的名称）的行为
func (f *Fake) SetBehavior(container string, behavior Behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[container] = behavior
}

// Events 按发生顺序返回记录的事件，例如 "create app"、"probe database ok"
func (f *Fake) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// Created 按创建顺序返回容器
func (f *Fake) Created() []*Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Container, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.containers[id])
	}
	return out
}

// CreatedNames 按创建顺序返回容器名称
func (f *Fake) CreatedNames() []string {
	var names []string
	for _, c := range f.Created() {
		names = append(names, c.Name)
	}
	return names
}

// Find 按配置中的名称查找容器
func (f *Fake) Find(name string) *Container {
	for _, c := range f.Created() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Running 仍未停止的已启动容器
func (f *Fake) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, c := range f.containers {
		if c.started && !c.stopped {
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Leftover 未删除的容器
func (f *Fake) Leftover() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, c := range f.containers {
		if !c.removed {
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)
	return names
}

func (f *Fake) record(format string, args ...interface{}) {
	f.events = append(f.events, fmt.Sprintf(format, args...))
}

func (f *Fake) lookup(id string) (*Container, error) {
	c, ok := f.containers[id]
	if !ok {
		return nil, common.NewDaemonRejected("lookup", 404, "No such container: "+id)
	}
	return c, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	return f.PingErr
}

func (f *Fake) CreateNetwork(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Networks[name] = true
	f.record("create network %s", name)
	return name, nil
}

func (f *Fake) RemoveNetwork(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Networks, id)
	f.record("remove network %s", id)
	return nil
}

func (f *Fake) Pull(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pulled = append(f.Pulled, image)
	return nil
}

func (f *Fake) Build(ctx context.Context, req daemon.BuildRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Built = append(f.Built, req)
	f.record("build %s", req.Tag)
	if req.Progress != nil && f.BuildProgress != "" {
		_, _ = io.WriteString(req.Progress, f.BuildProgress)
	}
	return "sha256:" + req.Tag, nil
}

func (f *Fake) Create(ctx context.Context, req daemon.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.Labels[ContainerLabel]
	behavior := f.behaviors[name]
	if behavior.CreateErr != nil {
		return "", behavior.CreateErr
	}

	f.nextID++
	id := fmt.Sprintf("container-%d", f.nextID)
	reader, writer := io.Pipe()
	f.containers[id] = &Container{
		ID:       id,
		Name:     name,
		Request:  req,
		behavior: behavior,
		output:   writer,
		reader:   reader,
		written:  make(chan struct{}),
	}
	f.order = append(f.order, id)
	f.record("create %s", name)
	return id, nil
}

func (f *Fake) Attach(ctx context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.reader, nil
}

func (f *Fake) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	if c.behavior.StartErr != nil {
		return c.behavior.StartErr
	}

	c.started = true
	f.record("start %s", c.Name)

	output := c.behavior.Output
	if c.behavior.OutputFunc != nil {
		output = c.behavior.OutputFunc(c.Request)
	}
	go func() {
		defer close(c.written)
		if output != "" {
			_, _ = io.WriteString(c.output, output)
		}
	}()
	return nil
}

func (f *Fake) Probe(ctx context.Context, id string, cmd []string) (int, string, error) {
	f.mu.Lock()
	c, err := f.lookup(id)
	if err != nil {
		f.mu.Unlock()
		return -1, "", err
	}
	delay := c.behavior.ProbeDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			f.mu.Lock()
			f.record("probe %s timeout", c.Name)
			f.mu.Unlock()
			return -1, "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c.probes++
	if c.behavior.NeverHealthy || c.probes <= c.behavior.FailingProbes {
		f.record("probe %s fail", c.Name)
		return 1, "not ready yet", nil
	}
	f.record("probe %s ok", c.Name)
	return 0, "ready", nil
}

func (f *Fake) Inspect(ctx context.Context, id string) (*daemon.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	status := "created"
	switch {
	case c.stopped:
		status = "exited"
	case c.started:
		status = "running"
	}
	return &daemon.ContainerStatus{ID: id, Status: status, Running: status == "running", ExitCode: c.behavior.ExitCode}, nil
}

// Wait 输出写完后模拟进程退出
func (f *Fake) Wait(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	c, err := f.lookup(id)
	f.mu.Unlock()
	if err != nil {
		return -1, err
	}

	select {
	case <-c.written:
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	_ = c.output.Close()
	f.record("exit %s %d", c.Name, c.behavior.ExitCode)
	return c.behavior.ExitCode, nil
}

// Stop 已产生的输出先写完，然后模拟进程被停止
func (f *Fake) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	c, err := f.lookup(id)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	if c.behavior.StopErr != nil {
		f.mu.Unlock()
		return c.behavior.StopErr
	}
	started := c.started
	f.mu.Unlock()

	if started {
		select {
		case <-c.written:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c.stopped = true
	_ = c.output.Close()
	f.record("stop %s", c.Name)
	return nil
}

func (f *Fake) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	if c.behavior.RemoveErr != nil {
		return c.behavior.RemoveErr
	}
	c.removed = true
	_ = c.output.Close()
	f.record("remove %s", c.Name)
	return nil
}
