package graph

import (
	"sort"
	"strings"

	"taskbox/internal/common"
	"taskbox/internal/config"
)

// Options 解析选项
type Options struct {
	// SkipPrerequisites 跳过前置任务：不解析、不启动其容器
	SkipPrerequisites bool
}

// TaskPlan 单个任务的容器启动计划
type TaskPlan struct {
	Task string
	// MainContainer 为空表示任务只有前置任务
	MainContainer string
	// Levels 第 i 层的所有容器健康后才启动第 i+1 层；主容器单独位于最后一层
	Levels [][]string
}

// Plan 任务的完整执行计划
type Plan struct {
	Main TaskPlan
	// Prerequisites 按执行顺序排列的前置任务计划
	Prerequisites []TaskPlan
}

// DependencyContainers 返回主容器以外的容器（按层级顺序）
func (p TaskPlan) DependencyContainers() []string {
	var out []string
	for _, level := range p.Levels {
		for _, name := range level {
			if name != p.MainContainer {
				out = append(out, name)
			}
		}
	}
	return out
}

// Containers 返回计划中的全部容器
func (p TaskPlan) Containers() []string {
	var out []string
	for _, level := range p.Levels {
		out = append(out, level...)
	}
	return out
}

// PrerequisiteNames 前置任务名称
func (p *Plan) PrerequisiteNames() []string {
	names := make([]string, 0, len(p.Prerequisites))
	for _, pre := range p.Prerequisites {
		names = append(names, pre.Task)
	}
	return names
}

type mark int

const (
	unvisited mark = iota
	inProgress
	done
)

// Resolve 解析任务的前置任务和容器依赖图；在启动任何容器之前检测未知引用和依赖环
func Resolve(cfg *config.Configuration, taskName string, opts Options) (*Plan, error) {
	task, ok := cfg.Tasks[taskName]
	if !ok {
		return nil, common.NewConfigurationError("The task '%s' does not exist.", taskName)
	}

	main, err := PlanFor(cfg, taskName)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Main: *main}
	if opts.SkipPrerequisites {
		return plan, nil
	}

	order, err := prerequisiteOrder(cfg, task)
	if err != nil {
		return nil, err
	}

	for _, name := range order {
		pre, err := PlanFor(cfg, name)
		if err != nil {
			return nil, err
		}
		plan.Prerequisites = append(plan.Prerequisites, *pre)
	}

	return plan, nil
}

// PlanFor 只解析单个任务自身的容器依赖图（不包含前置任务）
func PlanFor(cfg *config.Configuration, taskName string) (*TaskPlan, error) {
	task, ok := cfg.Tasks[taskName]
	if !ok {
		return nil, common.NewConfigurationError("The task '%s' does not exist.", taskName)
	}

	plan := &TaskPlan{Task: taskName}
	if task.Run == nil {
		if len(task.Dependencies) > 0 || len(task.Customisations) > 0 {
			return nil, common.NewConfigurationError("The task '%s' has dependencies or customisations but no run configuration.", taskName)
		}
		return plan, nil
	}

	mainName := task.Run.Container
	if _, ok := cfg.Containers[mainName]; !ok {
		return nil, common.NewConfigurationError("The container '%s' referenced by task '%s' does not exist.", mainName, taskName)
	}
	for _, dep := range task.Dependencies {
		if _, ok := cfg.Containers[dep]; !ok {
			return nil, common.NewConfigurationError("The container '%s' referenced by task '%s' does not exist.", dep, taskName)
		}
	}

	r := &containerResolver{
		cfg:      cfg,
		mainName: mainName,
		taskDeps: task.Dependencies,
		marks:    make(map[string]mark),
		depth:    make(map[string]int),
	}
	if err := r.visit(mainName, ""); err != nil {
		return nil, err
	}

	for target := range task.Customisations {
		if _, ok := cfg.Containers[target]; !ok {
			return nil, common.NewConfigurationError("The task '%s' customises the container '%s', which does not exist.", taskName, target)
		}
		if _, ok := r.depth[target]; !ok {
			return nil, common.NewConfigurationError("The task '%s' customises the container '%s', which is not started by that task.", taskName, target)
		}
	}

	plan.MainContainer = mainName
	plan.Levels = r.levels()
	return plan, nil
}

// containerResolver 基于深度优先遍历的容器依赖解析，inProgress 标记用于检测依赖环
type containerResolver struct {
	cfg      *config.Configuration
	mainName string
	taskDeps []string
	marks    map[string]mark
	depth    map[string]int
	stack    []string
}

func (r *containerResolver) dependenciesOf(name string) []string {
	deps := r.cfg.Containers[name].Dependencies
	if name == r.mainName && len(r.taskDeps) > 0 {
		merged := make([]string, 0, len(deps)+len(r.taskDeps))
		merged = append(merged, deps...)
		merged = append(merged, r.taskDeps...)
		return merged
	}
	return deps
}

func (r *containerResolver) visit(name, referrer string) error {
	switch r.marks[name] {
	case done:
		return nil
	case inProgress:
		return cycleError("Dependency cycle detected between containers", r.stack, name)
	}

	if _, ok := r.cfg.Containers[name]; !ok {
		return common.NewConfigurationError("The container '%s' referenced by container '%s' does not exist.", name, referrer)
	}

	r.marks[name] = inProgress
	r.stack = append(r.stack, name)

	depth := 0
	for _, dep := range r.dependenciesOf(name) {
		if err := r.visit(dep, name); err != nil {
			return err
		}
		if d := r.depth[dep] + 1; d > depth {
			depth = d
		}
	}

	r.stack = r.stack[:len(r.stack)-1]
	r.marks[name] = done
	r.depth[name] = depth
	return nil
}

func (r *containerResolver) levels() [][]string {
	maxDepth := 0
	for _, d := range r.depth {
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for name, d := range r.depth {
		levels[d] = append(levels[d], name)
	}
	for _, level := range levels {
		sort.Strings(level)
	}
	return levels
}

// prerequisiteOrder 深度优先、按声明顺序展开前置任务，每个任务只出现一次
func prerequisiteOrder(cfg *config.Configuration, task *config.Task) ([]string, error) {
	marks := map[string]mark{task.Name: inProgress}
	stack := []string{task.Name}
	var order []string

	var visit func(name, referrer string) error
	visit = func(name, referrer string) error {
		switch marks[name] {
		case done:
			return nil
		case inProgress:
			return cycleError("Prerequisite cycle detected between tasks", stack, name)
		}

		t, ok := cfg.Tasks[name]
		if !ok {
			return common.NewConfigurationError("The task '%s' given as a prerequisite of '%s' does not exist.", name, referrer)
		}

		marks[name] = inProgress
		stack = append(stack, name)
		for _, pre := range t.Prerequisites {
			if err := visit(pre, name); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		marks[name] = done
		order = append(order, name)
		return nil
	}

	for _, pre := range task.Prerequisites {
		if err := visit(pre, task.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// cycleError 从遍历栈中截取环路径，例如 a -> b -> c -> a
func cycleError(prefix string, stack []string, repeated string) error {
	start := 0
	for i, name := range stack {
		if name == repeated {
			start = i
			break
		}
	}

	path := make([]string, 0, len(stack)-start+1)
	path = append(path, stack[start:]...)
	path = append(path, repeated)

	err := common.NewConfigurationError("%s: %s", prefix, strings.Join(path, " -> "))
	return &CycleError{ConfigurationError: err, Path: path}
}

// CycleError 依赖环错误，Path 首尾为同一节点
type CycleError struct {
	*common.ConfigurationError
	Path []string
}

func (e *CycleError) Unwrap() error {
	return e.ConfigurationError
}
