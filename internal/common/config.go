package common

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultOrchestrationFailureExitCode 编排失败时的保留退出码（容器自身未运行）
const DefaultOrchestrationFailureExitCode = 253

// Config 运行时配置
type Config struct {
	Docker        DockerConfig        `yaml:"docker"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// DockerConfig 守护进程配置
type DockerConfig struct {
	Host           string        `yaml:"host"`
	APIVersion     string        `yaml:"api_version"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	// BuildKit 构建镜像时附加构建会话（version=2 构建器）
	BuildKit bool `yaml:"buildkit"`
}

// OrchestrationConfig 编排配置
type OrchestrationConfig struct {
	// FailureExitCode 编排失败（依赖环、健康检查失败、守护进程错误）时返回的退出码
	FailureExitCode int `yaml:"failure_exit_code"`
	// MaxParallelStarts 同一层级并发启动容器的上限，0 表示不限制
	MaxParallelStarts int           `yaml:"max_parallel_starts"`
	TeardownTimeout   time.Duration `yaml:"teardown_timeout"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Docker: DockerConfig{
			Host:           getEnvOrDefault("DOCKER_HOST", "unix:///var/run/docker.sock"),
			APIVersion:     getEnvOrDefault("DOCKER_API_VERSION", "1.41"),
			RequestTimeout: 30 * time.Second,
			StopTimeout:    10 * time.Second,
			BuildKit:       getEnvOrDefault("DOCKER_BUILDKIT", "1") != "0",
		},
		Orchestration: OrchestrationConfig{
			FailureExitCode:   getEnvIntOrDefault("TASKBOX_FAILURE_EXIT_CODE", DefaultOrchestrationFailureExitCode),
			MaxParallelStarts: getEnvIntOrDefault("TASKBOX_MAX_PARALLEL_STARTS", 0),
			TeardownTimeout:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:      os.Getenv("LOG_LEVEL"),
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Validate 校验运行时配置
func (c *Config) Validate() error {
	if c.Docker.Host == "" {
		return fmt.Errorf("docker host cannot be empty")
	}
	if c.Orchestration.FailureExitCode <= 0 || c.Orchestration.FailureExitCode > 255 {
		return fmt.Errorf("failure exit code must be between 1 and 255, got %d", c.Orchestration.FailureExitCode)
	}
	if c.Orchestration.MaxParallelStarts < 0 {
		return fmt.Errorf("max parallel starts cannot be negative")
	}
	return nil
}

// getEnvOrDefault 获取环境变量或使用默认值
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault 获取环境变量整数值或使用默认值
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
