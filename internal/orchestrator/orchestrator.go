// Package orchestrator runs a task end to end: it resolves the task's
// prerequisites and container graph, runs each prerequisite as a full task
// run, starts dependency containers level by level, runs the main container
// and always tears everything down again.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"taskbox/internal/common"
	"taskbox/internal/config"
	"taskbox/internal/daemon"
	"taskbox/internal/graph"
	"taskbox/internal/lifecycle"
	"taskbox/internal/telemetry"
	"taskbox/internal/workers"
)

const defaultTeardownTimeout = time.Minute

// Options 单次运行选项
type Options struct {
	Task              string
	SkipPrerequisites bool
	// ExtraArgs 追加到主容器命令末尾的参数
	ExtraArgs  []string
	OutputMode OutputMode
}

// Orchestrator 任务编排器
type Orchestrator struct {
	cfg      *config.Configuration
	client   daemon.Client
	pool     *workers.Pool
	settings *common.Config
	stderr   io.Writer
	output   *lifecycle.Output
	spans    *telemetry.SpanRecorder
	events   *lifecycle.EventDispatcher
	logger   *zap.Logger

	mu    sync.Mutex
	phase Phase
}

// New 创建任务编排器；容器输出写到 stdout，失败信息写到 stderr
func New(cfg *config.Configuration, client daemon.Client, pool *workers.Pool, settings *common.Config, stdout, stderr io.Writer) *Orchestrator {
	if settings == nil {
		settings = common.GetDefaultConfig()
	}
	logger := common.ComponentLogger("orchestrator")

	o := &Orchestrator{
		cfg:      cfg,
		client:   client,
		pool:     pool,
		settings: settings,
		stderr:   stderr,
		output:   lifecycle.NewOutput(stdout),
		spans:    telemetry.NewSpanRecorder(logger),
		events:   lifecycle.NewEventDispatcher(),
		logger:   logger.With(zap.String("project", cfg.ProjectName)),
		phase:    PhasePending,
	}
	o.events.AddListener(lifecycle.ListenerFunc(o.logEvent))
	return o
}

// Events 容器状态事件分发器，可添加监听器
func (o *Orchestrator) Events() *lifecycle.EventDispatcher {
	return o.events
}

// Spans 本次运行记录的 span
func (o *Orchestrator) Spans() []telemetry.Span {
	return o.spans.Spans()
}

// Phase 当前编排状态
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.mu.Lock()
	from := o.phase
	o.phase = phase
	o.mu.Unlock()

	o.logger.Debug("Orchestration phase changed",
		zap.String("from", from.String()),
		zap.String("to", phase.String()))
}

func (o *Orchestrator) failureExitCode() int {
	return o.settings.Orchestration.FailureExitCode
}

// Run 运行任务并返回退出码：主容器运行过时为其退出码，否则为保留的失败退出码
func (o *Orchestrator) Run(ctx context.Context, opts Options) int {
	if opts.OutputMode == "" {
		opts.OutputMode = OutputQuiet
	}

	end := o.spans.Start("run", map[string]any{"task": opts.Task})
	code, err := o.run(ctx, opts)
	end(err)

	if err != nil {
		o.setPhase(PhaseFailed)
		o.reportFailure(err)
		return o.failureExitCode()
	}
	if code != 0 {
		o.setPhase(PhaseFailed)
	} else {
		o.setPhase(PhaseDone)
	}
	o.logger.Info("Task finished", zap.String("task", opts.Task), zap.Int("exit_code", code))
	return code
}

func (o *Orchestrator) run(ctx context.Context, opts Options) (int, error) {
	o.setPhase(PhaseResolvingDependencies)

	var plan *graph.Plan
	err := o.spans.Record("resolve", map[string]any{"task": opts.Task}, func() error {
		var err error
		plan, err = graph.Resolve(o.cfg, opts.Task, graph.Options{SkipPrerequisites: opts.SkipPrerequisites})
		return err
	})
	if err != nil {
		return o.failureExitCode(), err
	}

	if len(plan.Prerequisites) > 0 {
		o.setPhase(PhaseRunningPrerequisites)
		o.logger.Info("Running prerequisites",
			zap.String("task", opts.Task),
			zap.Strings("prerequisites", plan.PrerequisiteNames()))
	}
	for _, pre := range plan.Prerequisites {
		code, err := o.runTask(ctx, pre, opts, false)
		if err != nil {
			return o.failureExitCode(), err
		}
		if code != 0 {
			o.logger.Warn("Prerequisite failed",
				zap.String("task", pre.Task),
				zap.Int("exit_code", code))
			return code, nil
		}
	}

	return o.runTask(ctx, plan.Main, opts, true)
}

// runTask 运行单个任务的容器图；main 为 true 时是用户请求的任务
func (o *Orchestrator) runTask(ctx context.Context, plan graph.TaskPlan, opts Options, main bool) (code int, err error) {
	if plan.MainContainer == "" {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return o.failureExitCode(), &common.ContainerError{Task: plan.Task, Cause: err}
	}

	end := o.spans.Start("task", map[string]any{"task": plan.Task, "main": main})
	defer func() { end(err) }()

	runID := uuid.NewString()[:8]
	networkName := o.cfg.ProjectName + "-" + runID
	networkID, err := o.client.CreateNetwork(ctx, networkName)
	if err != nil {
		return o.failureExitCode(), &common.ContainerError{Task: plan.Task, Cause: err}
	}
	defer o.removeNetwork(ctx, plan.Task, networkID)

	levels := o.prepare(plan, opts, runID, networkName, main)
	defer func() {
		if main {
			o.setPhase(PhaseTearingDown)
		}
		o.teardown(ctx, plan.Task, levels)
	}()

	deps := levels[:len(levels)-1]
	if main && len(deps) > 0 {
		o.setPhase(PhaseStartingDependencyContainers)
	}
	for _, level := range deps {
		if err := o.startLevel(ctx, level); err != nil {
			return o.failureExitCode(), err
		}
	}

	mainContainer := levels[len(levels)-1][0]
	if main {
		o.setPhase(PhaseRunningMainContainer)
	}
	if err := o.startContainer(ctx, mainContainer); err != nil {
		return o.failureExitCode(), err
	}

	code, err = mainContainer.Wait(ctx)
	if err != nil {
		return o.failureExitCode(), mainContainer.WrapError(err)
	}
	return code, nil
}

// prepare 为计划中的每个容器生成有效定义和容器实例，层级结构与计划一致
func (o *Orchestrator) prepare(plan graph.TaskPlan, opts Options, runID, network string, main bool) [][]*lifecycle.Container {
	task := o.cfg.Tasks[plan.Task]
	levels := make([][]*lifecycle.Container, len(plan.Levels))

	for i, names := range plan.Levels {
		for _, name := range names {
			isMain := name == plan.MainContainer

			var (
				run       *config.TaskRunConfig
				extraArgs []string
			)
			if isMain {
				run = task.Run
				if main {
					extraArgs = opts.ExtraArgs
				}
			}

			var customisation *config.ContainerCustomisation
			if c, ok := task.Customisations[name]; ok {
				customisation = &c
			}

			spec := lifecycle.Prepare(o.cfg.Containers[name], run, customisation, extraArgs)
			if isMain {
				// 主容器运行到退出为止，不等待其健康检查
				spec.HealthCheck = config.HealthCheckConfig{}
			}

			levels[i] = append(levels[i], lifecycle.New(spec, o.client, lifecycle.Options{
				Task:        plan.Task,
				ProjectName: o.cfg.ProjectName,
				RunID:       runID,
				Network:     network,
				StopTimeout: o.settings.Docker.StopTimeout,
				Output:      o.containerOutput(name, isMain, opts.OutputMode),
				BuildOutput: o.buildOutput(name, opts.OutputMode),
				Pool:        o.pool,
				Events:      o.events,
			}))
		}
	}
	return levels
}

func (o *Orchestrator) containerOutput(name string, isMain bool, mode OutputMode) *lifecycle.LineWriter {
	switch {
	case mode == OutputAll:
		return o.output.Writer(name + " | ")
	case isMain:
		return o.output.Writer("")
	default:
		return nil
	}
}

func (o *Orchestrator) buildOutput(name string, mode OutputMode) io.Writer {
	if mode != OutputAll {
		return nil
	}
	return o.output.Writer(name + " | ")
}

// startLevel 并发启动同一层级的容器；第一个失败取消其余容器的启动
func (o *Orchestrator) startLevel(ctx context.Context, level []*lifecycle.Container) error {
	group, _ := o.pool.Group(ctx)
	for _, c := range level {
		c := c
		group.Go(func(ctx context.Context) error {
			return o.startContainer(ctx, c)
		})
	}
	return group.Wait()
}

func (o *Orchestrator) startContainer(ctx context.Context, c *lifecycle.Container) error {
	attrs := map[string]any{"container": c.Name, "task": c.String()}
	return o.spans.Record("container.start", attrs, func() error {
		return c.WrapError(c.Start(ctx))
	})
}

// teardown 使用独立且有超时的 ctx 清理容器，运行被取消时同样会执行
func (o *Orchestrator) teardown(ctx context.Context, task string, levels [][]*lifecycle.Container) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.teardownTimeout())
	defer cancel()

	err := o.spans.Record("teardown", map[string]any{"task": task}, func() error {
		return lifecycle.Teardown(tctx, levels)
	})
	if err == nil {
		return
	}

	o.logger.Warn("Teardown incomplete", zap.String("task", task), zap.Error(err))
	for _, e := range multierr.Errors(err) {
		fmt.Fprintf(o.stderr, "Clean up failed: %v\n", e)
	}
}

func (o *Orchestrator) removeNetwork(ctx context.Context, task, id string) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.teardownTimeout())
	defer cancel()

	if err := o.client.RemoveNetwork(tctx, id); err != nil {
		o.logger.Warn("Failed to remove network", zap.String("network", id), zap.Error(err))
		fmt.Fprintf(o.stderr, "Clean up failed: %v\n", &common.ContainerError{Task: task, Cause: err})
	}
}

func (o *Orchestrator) teardownTimeout() time.Duration {
	if timeout := o.settings.Orchestration.TeardownTimeout; timeout > 0 {
		return timeout
	}
	return defaultTeardownTimeout
}

func (o *Orchestrator) reportFailure(err error) {
	o.logger.Error("Task failed", zap.Error(err))
	if common.IsConfigurationError(err) {
		fmt.Fprintf(o.stderr, "Configuration error: %v\n", err)
		return
	}
	fmt.Fprintf(o.stderr, "%v\n", err)
}

func (o *Orchestrator) logEvent(event lifecycle.Event) {
	fields := []zap.Field{
		zap.String("task", event.Task),
		zap.String("container", event.Container),
		zap.String("from", event.OldState.String()),
		zap.String("to", event.NewState.String()),
	}
	if event.Err != nil {
		o.logger.Warn("Container state changed", append(fields, zap.Error(event.Err))...)
		return
	}
	o.logger.Debug("Container state changed", fields...)
}
