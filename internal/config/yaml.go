package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"taskbox/internal/common"
)

// yamlFields 字段名到解码函数的映射；每个对象只声明一次其接受的字段
type yamlFields map[string]func(n *yaml.Node) error

func decodeYAML(data []byte) (*Configuration, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &common.ConfigurationError{Message: fmt.Sprintf("invalid YAML: %v", err), Cause: err}
	}

	cfg := &Configuration{
		Tasks:      make(map[string]*Task),
		Containers: make(map[string]*Container),
	}

	// 空文档
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return cfg, nil
	}

	root := doc.Content[0]
	err := decodeMapping(root, "configuration", yamlFields{
		"project_name": func(n *yaml.Node) error {
			name, err := decodeString(n, "project_name")
			if err != nil {
				return err
			}
			if !IsValidImageName(name) {
				return errorAt(n, "Invalid project name '%s'. The project name must be a valid Docker reference: it %s.", name, validNameDescription)
			}
			cfg.ProjectName = name
			return nil
		},
		"containers": func(n *yaml.Node) error {
			return decodeNamedMapping(n, "containers", func(name string, keyNode, v *yaml.Node) error {
				if !IsValidImageName(name) {
					return errorAt(keyNode, "Invalid container name '%s'. Container names %s.", name, validNameDescription)
				}
				container, err := decodeContainer(name, v)
				if err != nil {
					return err
				}
				cfg.Containers[name] = container
				return nil
			})
		},
		"tasks": func(n *yaml.Node) error {
			return decodeNamedMapping(n, "tasks", func(name string, _, v *yaml.Node) error {
				task, err := decodeTask(name, v)
				if err != nil {
					return err
				}
				cfg.Tasks[name] = task
				return nil
			})
		},
	})
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func decodeContainer(name string, n *yaml.Node) (*Container, error) {
	c := &Container{Name: name}
	err := decodeMapping(n, "container "+name, yamlFields{
		"image":             stringField(&c.Image, "image"),
		"build_directory":   stringField(&c.BuildDirectory, "build_directory"),
		"dockerfile":        stringField(&c.Dockerfile, "dockerfile"),
		"build_args":        stringMapField(&c.BuildArgs, "build_args"),
		"command":           commandField(&c.Command, "command"),
		"environment":       stringMapField(&c.Environment, "environment"),
		"working_directory": stringField(&c.WorkingDirectory, "working_directory"),
		"dependencies":      stringListField(&c.Dependencies, "dependencies"),
		"ports":             stringListField(&c.Ports, "ports"),
		"health_check": func(v *yaml.Node) error {
			return decodeMapping(v, "health_check", yamlFields{
				"command":      commandField(&c.HealthCheck.Command, "health_check.command"),
				"interval":     durationField(&c.HealthCheck.Interval, "health_check.interval"),
				"timeout":      durationField(&c.HealthCheck.Timeout, "health_check.timeout"),
				"start_period": durationField(&c.HealthCheck.StartPeriod, "health_check.start_period"),
				"retries":      intField(&c.HealthCheck.Retries, "health_check.retries"),
			})
		},
	})
	if err != nil {
		return nil, err
	}

	if c.Image == "" && c.BuildDirectory == "" {
		return nil, errorAt(n, "Container '%s' is invalid: either image or build_directory must be specified.", name)
	}
	if c.Image != "" && c.BuildDirectory != "" {
		return nil, errorAt(n, "Container '%s' is invalid: only one of image or build_directory may be specified.", name)
	}
	return c, nil
}

func decodeTask(name string, n *yaml.Node) (*Task, error) {
	t := &Task{Name: name}
	err := decodeMapping(n, "task "+name, yamlFields{
		"description":   stringField(&t.Description, "description"),
		"dependencies":  stringListField(&t.Dependencies, "dependencies"),
		"prerequisites": stringListField(&t.Prerequisites, "prerequisites"),
		"run": func(v *yaml.Node) error {
			run := &TaskRunConfig{}
			err := decodeMapping(v, "run", yamlFields{
				"container":         stringField(&run.Container, "run.container"),
				"command":           commandField(&run.Command, "run.command"),
				"environment":       stringMapField(&run.Environment, "run.environment"),
				"working_directory": stringField(&run.WorkingDirectory, "run.working_directory"),
			})
			if err != nil {
				return err
			}
			if run.Container == "" {
				return errorAt(v, "Task '%s' is invalid: run.container is required.", name)
			}
			t.Run = run
			return nil
		},
		"customise": func(v *yaml.Node) error {
			t.Customisations = make(map[string]ContainerCustomisation)
			return decodeNamedMapping(v, "customise", func(container string, _, cv *yaml.Node) error {
				var c ContainerCustomisation
				err := decodeMapping(cv, "customise."+container, yamlFields{
					"environment":       stringMapField(&c.Environment, "environment"),
					"working_directory": stringField(&c.WorkingDirectory, "working_directory"),
				})
				if err != nil {
					return err
				}
				t.Customisations[container] = c
				return nil
			})
		},
	})
	if err != nil {
		return nil, err
	}

	if t.Run == nil && len(t.Prerequisites) == 0 {
		return nil, errorAt(n, "Task '%s' is invalid: it must have at least one of run or prerequisites.", name)
	}
	return t, nil
}

// decodeMapping 按字段表解码映射节点，未知字段和重复字段报错
func decodeMapping(n *yaml.Node, what string, fields yamlFields) error {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!null" {
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return errorAt(n, "Expected %s to be a map, but got %s.", what, describeNode(n))
	}

	seen := make(map[string]bool, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		decode, ok := fields[key.Value]
		if !ok {
			return errorAt(key, "Unknown property '%s' in %s.", key.Value, what)
		}
		if seen[key.Value] {
			return errorAt(key, "Duplicate property '%s' in %s.", key.Value, what)
		}
		seen[key.Value] = true
		if err := decode(value); err != nil {
			return err
		}
	}
	return nil
}

func decodeNamedMapping(n *yaml.Node, what string, fn func(name string, key, value *yaml.Node) error) error {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!null" {
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return errorAt(n, "Expected %s to be a map, but got %s.", what, describeNode(n))
	}

	seen := make(map[string]bool, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		if seen[key.Value] {
			return errorAt(key, "Duplicate name '%s' in %s.", key.Value, what)
		}
		seen[key.Value] = true
		if err := fn(key.Value, key, value); err != nil {
			return err
		}
	}
	return nil
}

func decodeString(n *yaml.Node, what string) (string, error) {
	if n.Kind != yaml.ScalarNode || n.Tag == "!!null" {
		return "", errorAt(n, "Expected %s to be a string, but got %s.", what, describeNode(n))
	}
	return n.Value, nil
}

func stringField(dst *string, what string) func(*yaml.Node) error {
	return func(n *yaml.Node) error {
		v, err := decodeString(n, what)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func intField(dst *int, what string) func(*yaml.Node) error {
	return func(n *yaml.Node) error {
		if n.Kind != yaml.ScalarNode || n.Tag != "!!int" {
			return errorAt(n, "Expected %s to be an integer, but got %s.", what, describeNode(n))
		}
		v, err := strconv.Atoi(n.Value)
		if err != nil || v < 0 {
			return errorAt(n, "Expected %s to be a non-negative integer, but got '%s'.", what, n.Value)
		}
		*dst = v
		return nil
	}
}

func durationField(dst *time.Duration, what string) func(*yaml.Node) error {
	return func(n *yaml.Node) error {
		s, err := decodeString(n, what)
		if err != nil {
			return err
		}
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return errorAt(n, "Invalid duration '%s' for %s.", s, what)
		}
		*dst = d
		return nil
	}
}

func stringListField(dst *[]string, what string) func(*yaml.Node) error {
	return func(n *yaml.Node) error {
		if n.Kind != yaml.SequenceNode {
			return errorAt(n, "Expected %s to be a list, but got %s.", what, describeNode(n))
		}
		out := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			v, err := decodeString(item, what+" entry")
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		*dst = out
		return nil
	}
}

func stringMapField(dst *map[string]string, what string) func(*yaml.Node) error {
	return func(n *yaml.Node) error {
		out := make(map[string]string)
		err := decodeNamedMapping(n, what, func(name string, _, v *yaml.Node) error {
			s, err := decodeString(v, what+"."+name)
			if err != nil {
				return err
			}
			out[name] = s
			return nil
		})
		if err != nil {
			return err
		}
		*dst = out
		return nil
	}
}

// commandField 命令可以是字符串（按 shell 规则拆分）或字符串列表
func commandField(dst *[]string, what string) func(*yaml.Node) error {
	return func(n *yaml.Node) error {
		if n.Kind == yaml.SequenceNode {
			return stringListField(dst, what)(n)
		}
		s, err := decodeString(n, what)
		if err != nil {
			return err
		}
		args, err := SplitCommand(s)
		if err != nil {
			return errorAt(n, "Invalid %s: %v", what, err)
		}
		*dst = args
		return nil
	}
}

func errorAt(n *yaml.Node, format string, args ...interface{}) error {
	return common.NewConfigurationErrorAt(n.Line, n.Column, format, args...)
}

func describeNode(n *yaml.Node) string {
	switch n.Kind {
	case yaml.MappingNode:
		return "a map"
	case yaml.SequenceNode:
		return "a list"
	case yaml.AliasNode:
		return "an alias"
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return "null"
		}
		return fmt.Sprintf("'%s'", n.Value)
	default:
		return "an unknown value"
	}
}
