package common

import (
	"errors"
	"fmt"
	"strings"
)

// 定义常见错误类型
var (
	// ErrInvariantViolation 程序错误（例如重复启动），调用方不应尝试恢复
	ErrInvariantViolation = errors.New("invariant violated")
)

// ConfigurationError 配置错误：依赖环、未知引用、无效字段
type ConfigurationError struct {
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Cause   error  `json:"-"`
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Line > 0 {
		if e.File != "" {
			fmt.Fprintf(&b, " (%s:%d:%d)", e.File, e.Line, e.Column)
		} else {
			fmt.Fprintf(&b, " (line %d, column %d)", e.Line, e.Column)
		}
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// NewConfigurationError 创建配置错误
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// NewConfigurationErrorAt 创建带源码位置的配置错误
func NewConfigurationErrorAt(line, column int, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{
		Message: fmt.Sprintf(format, args...),
		Line:    line,
		Column:  column,
	}
}

// DaemonErrorKind 守护进程错误类别
type DaemonErrorKind string

const (
	DaemonUnreachable DaemonErrorKind = "unreachable"
	DaemonRejected    DaemonErrorKind = "rejected"
)

// DaemonError 容器守护进程调用失败
type DaemonError struct {
	Op         string          `json:"op"`
	Kind       DaemonErrorKind `json:"kind"`
	StatusCode int             `json:"status_code,omitempty"`
	Message    string          `json:"message"`
	Cause      error           `json:"-"`
}

func (e *DaemonError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("daemon %s (%s, HTTP %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("daemon %s (%s): %s", e.Op, e.Kind, msg)
}

func (e *DaemonError) Unwrap() error {
	return e.Cause
}

// NewDaemonUnreachable 守护进程不可达
func NewDaemonUnreachable(op string, cause error) *DaemonError {
	return &DaemonError{Op: op, Kind: DaemonUnreachable, Cause: cause}
}

// NewDaemonRejected 守护进程拒绝请求
func NewDaemonRejected(op string, statusCode int, message string) *DaemonError {
	return &DaemonError{Op: op, Kind: DaemonRejected, StatusCode: statusCode, Message: message}
}

// HealthCheckTimeoutError 健康检查连续失败次数达到阈值
type HealthCheckTimeoutError struct {
	Container  string `json:"container"`
	Failures   int    `json:"failures"`
	LastOutput string `json:"last_output,omitempty"`
	Cause      error  `json:"-"`
}

func (e *HealthCheckTimeoutError) Error() string {
	msg := fmt.Sprintf("container %s did not become healthy after %d failed health checks", e.Container, e.Failures)
	if out := strings.TrimSpace(e.LastOutput); out != "" {
		msg += fmt.Sprintf(", last output: %s", out)
	}
	return msg
}

func (e *HealthCheckTimeoutError) Unwrap() error {
	return e.Cause
}

// SessionProtocolError 构建会话协议错误，只影响当前会话
type SessionProtocolError struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Cause     error  `json:"-"`
}

func (e *SessionProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("build session %s: %s: %v", e.SessionID, e.Message, e.Cause)
	}
	return fmt.Sprintf("build session %s: %s", e.SessionID, e.Message)
}

func (e *SessionProtocolError) Unwrap() error {
	return e.Cause
}

// ContainerError 带有任务和容器名称的错误，用于向用户报告
type ContainerError struct {
	Task      string
	Container string
	Cause     error
}

func (e *ContainerError) Error() string {
	switch {
	case e.Task != "" && e.Container != "":
		return fmt.Sprintf("%s/%s: %v", e.Task, e.Container, e.Cause)
	case e.Container != "":
		return fmt.Sprintf("%s: %v", e.Container, e.Cause)
	default:
		return fmt.Sprintf("%s: %v", e.Task, e.Cause)
	}
}

func (e *ContainerError) Unwrap() error {
	return e.Cause
}

// Invariantf 创建程序错误
func Invariantf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// IsConfigurationError 判断是否为配置错误
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsDaemonError 判断是否为守护进程错误
func IsDaemonError(err error) bool {
	var target *DaemonError
	return errors.As(err, &target)
}

// IsHealthCheckTimeout 判断是否为健康检查超时
func IsHealthCheckTimeout(err error) bool {
	var target *HealthCheckTimeoutError
	return errors.As(err, &target)
}
