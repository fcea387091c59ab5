// Package lifecycle manages one container instance per task run: merging
// task customisations onto the shared container definition, creating and
// starting it through the daemon, waiting for it to become healthy and
// tearing it down again.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskbox/internal/common"
	"taskbox/internal/config"
	"taskbox/internal/daemon"
	"taskbox/internal/workers"
)

// 容器标签
const (
	LabelProject   = "taskbox.project"
	LabelTask      = "taskbox.task"
	LabelContainer = "taskbox.container"
)

// Options 容器实例选项
type Options struct {
	Task        string
	ProjectName string
	// RunID 区分同一项目的多次运行，用于生成容器名称
	RunID       string
	Network     string
	StopTimeout time.Duration
	// Output 容器输出；为 nil 时丢弃
	Output *LineWriter
	// BuildOutput 镜像构建输出；为 nil 时丢弃
	BuildOutput io.Writer
	Pool        *workers.Pool
	Events      *EventDispatcher
}

// Container 单个容器实例；状态转换由自身串行化
type Container struct {
	Name string

	spec   *config.Container
	client daemon.Client
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	id         string
	stream     io.ReadCloser
	outputDone chan struct{}
	exitCode   int
}

// New 创建容器实例；spec 应为 Prepare 的结果，之后不再修改
func New(spec *config.Container, client daemon.Client, opts Options) *Container {
	return &Container{
		Name:   spec.Name,
		spec:   spec,
		client: client,
		opts:   opts,
		state:  StateCreated,
		logger: common.ComponentLogger("container-lifecycle").With(
			zap.String("task", opts.Task),
			zap.String("container", spec.Name)),
	}
}

// Prepare 生成容器的有效定义：基础定义 → 任务运行配置（仅主容器）→ 任务定制，
// 后者优先；extraArgs 追加到命令末尾。共享定义不会被修改
func Prepare(spec *config.Container, run *config.TaskRunConfig, customisation *config.ContainerCustomisation, extraArgs []string) *config.Container {
	out := spec.Clone()

	if run != nil {
		out.Environment = mergeEnvironment(out.Environment, run.Environment)
		if len(run.Command) > 0 {
			out.Command = append([]string(nil), run.Command...)
		}
		if run.WorkingDirectory != "" {
			out.WorkingDirectory = run.WorkingDirectory
		}
	}

	if customisation != nil {
		out.Environment = mergeEnvironment(out.Environment, customisation.Environment)
		if customisation.WorkingDirectory != "" {
			out.WorkingDirectory = customisation.WorkingDirectory
		}
	}

	if len(extraArgs) > 0 {
		out.Command = append(out.Command, extraArgs...)
	}
	return out
}

func mergeEnvironment(base, overrides map[string]string) map[string]string {
	if len(overrides) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]string, len(overrides))
	}
	for key, value := range overrides {
		base[key] = value
	}
	return base
}

// Spec 有效定义
func (c *Container) Spec() *config.Container {
	return c.spec
}

// State 当前状态
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID 守护进程中的容器 ID，创建前为空
func (c *Container) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Started 是否至少到达 Starting 状态
func (c *Container) Started() bool {
	return c.State() != StateCreated
}

// setState 校验并执行状态转换，转换后分发事件
func (c *Container) setState(to State, cause error) error {
	c.mu.Lock()
	from := c.state
	if !canTransition(from, to) {
		c.mu.Unlock()
		return common.Invariantf("container %s: invalid transition from %s to %s", c.Name, from, to)
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Debug("Container state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	c.opts.Events.Dispatch(Event{
		Task:      c.opts.Task,
		Container: c.Name,
		OldState:  from,
		NewState:  to,
		Timestamp: time.Now().UTC(),
		Err:       cause,
	})
	return nil
}

// fail 转为 StateFailed 并返回原始错误
func (c *Container) fail(err error) error {
	if setErr := c.setState(StateFailed, err); setErr != nil {
		c.logger.Warn("Failed to record container failure", zap.Error(setErr))
	}
	return err
}

// Start 准备镜像、创建、附加输出并启动容器，然后等待其就绪：
// 有健康检查时等到健康检查通过，否则守护进程报告启动即就绪
func (c *Container) Start(ctx context.Context) error {
	if err := c.setState(StateStarting, nil); err != nil {
		return err
	}

	image, err := c.ensureImage(ctx)
	if err != nil {
		return c.fail(err)
	}

	id, err := c.client.Create(ctx, c.createRequest(image))
	if err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()

	// 输出流的生命周期长于启动阶段，由 Stop 或容器退出结束
	stream, err := c.client.Attach(context.WithoutCancel(ctx), id)
	if err != nil {
		return c.fail(err)
	}
	if err := c.forwardOutput(stream); err != nil {
		stream.Close()
		return c.fail(err)
	}

	if err := c.client.Start(ctx, id); err != nil {
		return c.fail(err)
	}
	c.logger.Info("Container started", zap.String("id", id))

	if !c.spec.HealthCheck.Defined() {
		return c.setState(StateRunning, nil)
	}

	if err := c.setState(StateHealthChecking, nil); err != nil {
		return err
	}
	if err := c.waitUntilHealthy(ctx, c.spec.HealthCheck.WithDefaults()); err != nil {
		if common.IsHealthCheckTimeout(err) {
			if setErr := c.setState(StateUnhealthy, err); setErr != nil {
				return setErr
			}
			return err
		}
		return c.fail(err)
	}

	if err := c.setState(StateHealthy, nil); err != nil {
		return err
	}
	return c.setState(StateRunning, nil)
}

func (c *Container) ensureImage(ctx context.Context) (string, error) {
	if c.spec.NeedsBuild() {
		imageID, err := c.client.Build(ctx, daemon.BuildRequest{
			Tag:        ImageTag(c.opts.ProjectName, c.Name),
			ContextDir: c.spec.BuildDirectory,
			Dockerfile: c.spec.Dockerfile,
			BuildArgs:  c.spec.BuildArgs,
			Progress:   c.opts.BuildOutput,
		})
		// 构建输出最后一行可能没有换行
		if f, ok := c.opts.BuildOutput.(interface{ Flush() error }); ok {
			if flushErr := f.Flush(); flushErr != nil {
				c.logger.Warn("Failed to flush build output", zap.Error(flushErr))
			}
		}
		return imageID, err
	}
	if c.spec.Image == "" {
		return "", common.NewConfigurationError("Container '%s' has neither an image nor a build directory.", c.Name)
	}
	if err := c.client.Pull(ctx, c.spec.Image); err != nil {
		return "", err
	}
	return c.spec.Image, nil
}

// ImageTag 构建镜像的标签
func ImageTag(project, container string) string {
	return project + "-" + container
}

func (c *Container) createRequest(image string) daemon.CreateRequest {
	name := c.opts.ProjectName + "-" + c.Name
	if c.opts.RunID != "" {
		name += "-" + c.opts.RunID
	}

	req := daemon.CreateRequest{
		Name:             name,
		Image:            image,
		Command:          c.spec.Command,
		Environment:      c.spec.Environment,
		WorkingDirectory: c.spec.WorkingDirectory,
		Ports:            c.spec.Ports,
		Network:          c.opts.Network,
		Labels: map[string]string{
			LabelProject:   c.opts.ProjectName,
			LabelTask:      c.opts.Task,
			LabelContainer: c.Name,
		},
	}
	if c.opts.Network != "" {
		req.Aliases = []string{c.Name}
	}
	return req
}

// forwardOutput 在工作池中把容器输出复制到输出目标
func (c *Container) forwardOutput(stream io.ReadCloser) error {
	done := make(chan struct{})
	writer := io.Writer(io.Discard)
	if c.opts.Output != nil {
		writer = c.opts.Output
	}

	copyOutput := func(poolCtx context.Context) {
		defer close(done)
		stop := context.AfterFunc(poolCtx, func() { stream.Close() })
		defer stop()

		if _, err := io.Copy(writer, stream); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			c.logger.Debug("Container output stream ended", zap.Error(err))
		}
		if c.opts.Output != nil {
			_ = c.opts.Output.Flush()
		}
	}

	if c.opts.Pool == nil {
		go copyOutput(context.Background())
	} else if err := c.opts.Pool.Go("output-"+c.Name, copyOutput); err != nil {
		return err
	}

	c.mu.Lock()
	c.stream = stream
	c.outputDone = done
	c.mu.Unlock()
	return nil
}

// Wait 等待容器退出并返回退出码；返回前等待剩余输出写完
func (c *Container) Wait(ctx context.Context) (int, error) {
	c.mu.Lock()
	state, id, done := c.state, c.id, c.outputDone
	c.mu.Unlock()

	if state != StateRunning {
		return -1, common.Invariantf("container %s: can't wait in state %s", c.Name, state)
	}

	code, err := c.client.Wait(ctx, id)
	if err != nil {
		return -1, c.fail(err)
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	c.exitCode = code
	c.mu.Unlock()
	c.logger.Info("Container exited", zap.Int("exit_code", code))
	return code, nil
}

// ExitCode Wait 返回后的退出码
func (c *Container) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// Stop 停止容器；未启动或已停止时不做任何操作
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	state, id := c.state, c.id
	c.mu.Unlock()

	switch state {
	case StateCreated, StateStopping, StateStopped, StateRemoved:
		return nil
	}

	if err := c.setState(StateStopping, nil); err != nil {
		return err
	}

	if id != "" {
		c.logger.Debug("Stopping container", zap.String("id", id))
		if err := c.client.Stop(ctx, id, c.opts.StopTimeout); err != nil {
			c.closeOutput(ctx)
			return c.fail(err)
		}
	}
	c.closeOutput(ctx)
	return c.setState(StateStopped, nil)
}

// Remove 删除容器；只能在 Stop 之后调用
func (c *Container) Remove(ctx context.Context) error {
	c.mu.Lock()
	state, id := c.state, c.id
	c.mu.Unlock()

	switch state {
	case StateCreated, StateRemoved:
		return nil
	case StateStopped, StateFailed:
	default:
		return common.Invariantf("container %s: can't remove in state %s", c.Name, state)
	}

	if id != "" {
		if err := c.client.Remove(ctx, id); err != nil {
			return c.fail(err)
		}
	}
	return c.setState(StateRemoved, nil)
}

// closeOutput 关闭输出流并等待已读取的输出写完
func (c *Container) closeOutput(ctx context.Context) {
	c.mu.Lock()
	stream, done := c.stream, c.outputDone
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
}

// WrapError 为错误附加任务和容器名称
func (c *Container) WrapError(err error) error {
	if err == nil {
		return nil
	}
	var containerErr *common.ContainerError
	if errors.As(err, &containerErr) {
		return err
	}
	return &common.ContainerError{Task: c.opts.Task, Container: c.Name, Cause: err}
}

func (c *Container) String() string {
	return fmt.Sprintf("%s/%s", c.opts.Task, c.Name)
}
