package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"

	"taskbox/internal/common"
)

// Format 配置文件格式
type Format string

const (
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// imageNamePattern Docker 镜像名称中的单个路径组件
var imageNamePattern = regexp.MustCompile(`^[a-z0-9]+((\.|_|__|-+)[a-z0-9]+)*$`)

const validNameDescription = "must contain only lowercase letters, digits, dashes (-), single consecutive periods (.) or one or two consecutive underscores (_), and must not start or end with a dash, period or underscore"

// IsValidImageName 是否为合法的 Docker 镜像名称组件
func IsValidImageName(name string) bool {
	return imageNamePattern.MatchString(name)
}

// FormatForPath 根据扩展名判断格式
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("unsupported configuration file extension %q", filepath.Ext(path))
	}
}

// Load 读取并解析配置文件
func Load(path string) (*Configuration, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve configuration file path: %w", err)
	}

	cfg, err := Parse(data, format, absPath)
	if err != nil {
		var cfgErr *common.ConfigurationError
		if errors.As(err, &cfgErr) && cfgErr.File == "" {
			cfgErr.File = path
		}
		return nil, err
	}

	cfg.resolveBuildDirectories(filepath.Dir(absPath))
	return cfg.WithResolvedProjectName(filepath.Dir(absPath))
}

// resolveBuildDirectories 构建目录相对于配置文件所在目录
func (c *Configuration) resolveBuildDirectories(dir string) {
	for _, container := range c.Containers {
		if container.BuildDirectory != "" && !filepath.IsAbs(container.BuildDirectory) {
			container.BuildDirectory = filepath.Join(dir, container.BuildDirectory)
		}
	}
}

// Parse 解析配置内容；filename 仅用于错误信息
func Parse(data []byte, format Format, filename string) (*Configuration, error) {
	var (
		cfg *Configuration
		err error
	)

	switch format {
	case FormatYAML:
		cfg, err = decodeYAML(data)
	case FormatHCL:
		cfg, err = decodeHCL(data, filename)
	default:
		return nil, fmt.Errorf("unsupported configuration format %q", format)
	}
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// WithResolvedProjectName 未显式配置项目名称时使用配置文件所在目录名
func (c *Configuration) WithResolvedProjectName(dir string) (*Configuration, error) {
	if c.ProjectName != "" {
		return c, nil
	}

	clean := filepath.Clean(dir)
	if clean == filepath.Dir(clean) {
		return nil, common.NewConfigurationError("No project name has been given explicitly, but the configuration file is in the root directory and so a project name cannot be inferred.")
	}

	name := strings.ToLower(filepath.Base(clean))
	if !IsValidImageName(name) {
		return nil, common.NewConfigurationError("The inferred project name '%s' is invalid. The project name %s.", name, validNameDescription)
	}

	out := *c
	out.ProjectName = name
	return &out, nil
}

// SplitCommand 按 shell 规则拆分命令字符串（支持单引号、双引号和反斜杠转义）
func SplitCommand(command string) ([]string, error) {
	args, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("command %q cannot be split: %w", command, err)
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}
