package orchestrator

import "fmt"

// Phase 编排状态
type Phase int

const (
	PhasePending Phase = iota
	PhaseResolvingDependencies
	PhaseRunningPrerequisites
	PhaseStartingDependencyContainers
	PhaseRunningMainContainer
	PhaseTearingDown
	PhaseDone
	PhaseFailed
)

// String 返回状态字符串
func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "PENDING"
	case PhaseResolvingDependencies:
		return "RESOLVING_DEPENDENCIES"
	case PhaseRunningPrerequisites:
		return "RUNNING_PREREQUISITES"
	case PhaseStartingDependencyContainers:
		return "STARTING_DEPENDENCY_CONTAINERS"
	case PhaseRunningMainContainer:
		return "RUNNING_MAIN_CONTAINER"
	case PhaseTearingDown:
		return "TEARING_DOWN"
	case PhaseDone:
		return "DONE"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// OutputMode 容器输出模式
type OutputMode string

const (
	// OutputAll 显示所有容器的输出，每行前缀为容器名称
	OutputAll OutputMode = "all"
	// OutputQuiet 只显示任务主容器的输出，不加前缀
	OutputQuiet OutputMode = "quiet"
)

// ParseOutputMode 解析输出模式
func ParseOutputMode(value string) (OutputMode, error) {
	switch OutputMode(value) {
	case OutputAll, OutputQuiet:
		return OutputMode(value), nil
	case "":
		return OutputQuiet, nil
	default:
		return "", fmt.Errorf("invalid output mode %q, must be one of: all, quiet", value)
	}
}
