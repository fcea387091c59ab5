package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"taskbox/internal/common"
)

var rootSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "project_name"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "container", LabelNames: []string{"name"}},
		{Type: "task", LabelNames: []string{"name"}},
	},
}

var containerSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "image"},
		{Name: "build_directory"},
		{Name: "dockerfile"},
		{Name: "build_args"},
		{Name: "command"},
		{Name: "environment"},
		{Name: "working_directory"},
		{Name: "dependencies"},
		{Name: "ports"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "health_check"},
	},
}

var healthCheckSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "command", Required: true},
		{Name: "interval"},
		{Name: "timeout"},
		{Name: "start_period"},
		{Name: "retries"},
	},
}

var taskSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "description"},
		{Name: "dependencies"},
		{Name: "prerequisites"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "run"},
		{Type: "customise", LabelNames: []string{"container"}},
	},
}

var runSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "container", Required: true},
		{Name: "command"},
		{Name: "environment"},
		{Name: "working_directory"},
	},
}

var customiseSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "environment"},
		{Name: "working_directory"},
	},
}

// hclAttrs 属性名到解码函数的映射
type hclAttrs map[string]func(v cty.Value, rng hcl.Range) error

func decodeHCL(data []byte, filename string) (*Configuration, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, diagError(diags)
	}

	content, diags := file.Body.Content(rootSchema)
	if diags.HasErrors() {
		return nil, diagError(diags)
	}

	cfg := &Configuration{
		Tasks:      make(map[string]*Task),
		Containers: make(map[string]*Container),
	}

	err := decodeAttributes(content.Attributes, hclAttrs{
		"project_name": func(v cty.Value, rng hcl.Range) error {
			name, err := ctyString(v, "project_name", rng)
			if err != nil {
				return err
			}
			if !IsValidImageName(name) {
				return rangeError(rng, "Invalid project name '%s'. The project name must be a valid Docker reference: it %s.", name, validNameDescription)
			}
			cfg.ProjectName = name
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	for _, block := range content.Blocks {
		name := block.Labels[0]
		switch block.Type {
		case "container":
			if _, exists := cfg.Containers[name]; exists {
				return nil, rangeError(block.DefRange, "Duplicate name '%s' in containers.", name)
			}
			if !IsValidImageName(name) {
				return nil, rangeError(block.LabelRanges[0], "Invalid container name '%s'. Container names %s.", name, validNameDescription)
			}
			container, err := decodeHCLContainer(name, block)
			if err != nil {
				return nil, err
			}
			cfg.Containers[name] = container
		case "task":
			if _, exists := cfg.Tasks[name]; exists {
				return nil, rangeError(block.DefRange, "Duplicate name '%s' in tasks.", name)
			}
			task, err := decodeHCLTask(name, block)
			if err != nil {
				return nil, err
			}
			cfg.Tasks[name] = task
		}
	}

	return cfg, nil
}

func decodeHCLContainer(name string, block *hcl.Block) (*Container, error) {
	content, diags := block.Body.Content(containerSchema)
	if diags.HasErrors() {
		return nil, diagError(diags)
	}

	c := &Container{Name: name}
	err := decodeAttributes(content.Attributes, hclAttrs{
		"image":             ctyStringField(&c.Image, "image"),
		"build_directory":   ctyStringField(&c.BuildDirectory, "build_directory"),
		"dockerfile":        ctyStringField(&c.Dockerfile, "dockerfile"),
		"build_args":        ctyMapField(&c.BuildArgs, "build_args"),
		"command":           ctyCommandField(&c.Command, "command"),
		"environment":       ctyMapField(&c.Environment, "environment"),
		"working_directory": ctyStringField(&c.WorkingDirectory, "working_directory"),
		"dependencies":      ctyListField(&c.Dependencies, "dependencies"),
		"ports":             ctyListField(&c.Ports, "ports"),
	})
	if err != nil {
		return nil, err
	}

	for i, hb := range content.Blocks {
		if i > 0 {
			return nil, rangeError(hb.DefRange, "Container '%s' may only have one health_check block.", name)
		}
		hc, diags := hb.Body.Content(healthCheckSchema)
		if diags.HasErrors() {
			return nil, diagError(diags)
		}
		err := decodeAttributes(hc.Attributes, hclAttrs{
			"command":      ctyCommandField(&c.HealthCheck.Command, "health_check.command"),
			"interval":     ctyDurationField(&c.HealthCheck.Interval, "health_check.interval"),
			"timeout":      ctyDurationField(&c.HealthCheck.Timeout, "health_check.timeout"),
			"start_period": ctyDurationField(&c.HealthCheck.StartPeriod, "health_check.start_period"),
			"retries":      ctyIntField(&c.HealthCheck.Retries, "health_check.retries"),
		})
		if err != nil {
			return nil, err
		}
	}

	if c.Image == "" && c.BuildDirectory == "" {
		return nil, rangeError(block.DefRange, "Container '%s' is invalid: either image or build_directory must be specified.", name)
	}
	if c.Image != "" && c.BuildDirectory != "" {
		return nil, rangeError(block.DefRange, "Container '%s' is invalid: only one of image or build_directory may be specified.", name)
	}
	return c, nil
}

func decodeHCLTask(name string, block *hcl.Block) (*Task, error) {
	content, diags := block.Body.Content(taskSchema)
	if diags.HasErrors() {
		return nil, diagError(diags)
	}

	t := &Task{Name: name}
	err := decodeAttributes(content.Attributes, hclAttrs{
		"description":   ctyStringField(&t.Description, "description"),
		"dependencies":  ctyListField(&t.Dependencies, "dependencies"),
		"prerequisites": ctyListField(&t.Prerequisites, "prerequisites"),
	})
	if err != nil {
		return nil, err
	}

	for _, b := range content.Blocks {
		switch b.Type {
		case "run":
			if t.Run != nil {
				return nil, rangeError(b.DefRange, "Task '%s' may only have one run block.", name)
			}
			rc, diags := b.Body.Content(runSchema)
			if diags.HasErrors() {
				return nil, diagError(diags)
			}
			run := &TaskRunConfig{}
			err := decodeAttributes(rc.Attributes, hclAttrs{
				"container":         ctyStringField(&run.Container, "run.container"),
				"command":           ctyCommandField(&run.Command, "run.command"),
				"environment":       ctyMapField(&run.Environment, "run.environment"),
				"working_directory": ctyStringField(&run.WorkingDirectory, "run.working_directory"),
			})
			if err != nil {
				return nil, err
			}
			t.Run = run
		case "customise":
			container := b.Labels[0]
			if t.Customisations == nil {
				t.Customisations = make(map[string]ContainerCustomisation)
			}
			if _, exists := t.Customisations[container]; exists {
				return nil, rangeError(b.DefRange, "Duplicate name '%s' in customise.", container)
			}
			cc, diags := b.Body.Content(customiseSchema)
			if diags.HasErrors() {
				return nil, diagError(diags)
			}
			var c ContainerCustomisation
			err := decodeAttributes(cc.Attributes, hclAttrs{
				"environment":       ctyMapField(&c.Environment, "environment"),
				"working_directory": ctyStringField(&c.WorkingDirectory, "working_directory"),
			})
			if err != nil {
				return nil, err
			}
			t.Customisations[container] = c
		}
	}

	if t.Run == nil && len(t.Prerequisites) == 0 {
		return nil, rangeError(block.DefRange, "Task '%s' is invalid: it must have at least one of run or prerequisites.", name)
	}
	return t, nil
}

// decodeAttributes 对每个已声明属性求值（不允许变量和函数）并调用对应解码函数
func decodeAttributes(attrs hcl.Attributes, fields hclAttrs) error {
	for name, attr := range attrs {
		decode, ok := fields[name]
		if !ok {
			return rangeError(attr.NameRange, "Unknown property '%s'.", name)
		}
		value, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return diagError(diags)
		}
		if err := decode(value, attr.Expr.Range()); err != nil {
			return err
		}
	}
	return nil
}

func ctyString(v cty.Value, what string, rng hcl.Range) (string, error) {
	if v.IsNull() || !v.IsKnown() {
		return "", rangeError(rng, "Expected %s to be a string, but got null.", what)
	}
	converted, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", rangeError(rng, "Expected %s to be a string, but got %s.", what, v.Type().FriendlyName())
	}
	return converted.AsString(), nil
}

func ctyStringField(dst *string, what string) func(cty.Value, hcl.Range) error {
	return func(v cty.Value, rng hcl.Range) error {
		s, err := ctyString(v, what, rng)
		if err != nil {
			return err
		}
		*dst = s
		return nil
	}
}

func ctyIntField(dst *int, what string) func(cty.Value, hcl.Range) error {
	return func(v cty.Value, rng hcl.Range) error {
		if v.IsNull() || v.Type() != cty.Number {
			return rangeError(rng, "Expected %s to be an integer.", what)
		}
		bf := v.AsBigFloat()
		if !bf.IsInt() || bf.Sign() < 0 {
			return rangeError(rng, "Expected %s to be a non-negative integer.", what)
		}
		n, acc := bf.Int64()
		if acc != big.Exact {
			return rangeError(rng, "Value of %s is out of range.", what)
		}
		*dst = int(n)
		return nil
	}
}

func ctyDurationField(dst *time.Duration, what string) func(cty.Value, hcl.Range) error {
	return func(v cty.Value, rng hcl.Range) error {
		s, err := ctyString(v, what, rng)
		if err != nil {
			return err
		}
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return rangeError(rng, "Invalid duration '%s' for %s.", s, what)
		}
		*dst = d
		return nil
	}
}

func ctyListField(dst *[]string, what string) func(cty.Value, hcl.Range) error {
	return func(v cty.Value, rng hcl.Range) error {
		t := v.Type()
		if v.IsNull() || !(t.IsListType() || t.IsTupleType() || t.IsSetType()) {
			return rangeError(rng, "Expected %s to be a list.", what)
		}
		out := make([]string, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			s, err := ctyString(elem, what+" entry", rng)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		*dst = out
		return nil
	}
}

func ctyMapField(dst *map[string]string, what string) func(cty.Value, hcl.Range) error {
	return func(v cty.Value, rng hcl.Range) error {
		t := v.Type()
		if v.IsNull() || !(t.IsObjectType() || t.IsMapType()) {
			return rangeError(rng, "Expected %s to be a map.", what)
		}
		out := make(map[string]string, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			s, err := ctyString(elem, what+"."+key.AsString(), rng)
			if err != nil {
				return err
			}
			out[key.AsString()] = s
		}
		*dst = out
		return nil
	}
}

func ctyCommandField(dst *[]string, what string) func(cty.Value, hcl.Range) error {
	return func(v cty.Value, rng hcl.Range) error {
		if v.Type() == cty.String {
			args, err := SplitCommand(v.AsString())
			if err != nil {
				return rangeError(rng, "Invalid %s: %v", what, err)
			}
			*dst = args
			return nil
		}
		return ctyListField(dst, what)(v, rng)
	}
}

func rangeError(rng hcl.Range, format string, args ...interface{}) error {
	err := common.NewConfigurationErrorAt(rng.Start.Line, rng.Start.Column, format, args...)
	err.File = rng.Filename
	return err
}

func diagError(diags hcl.Diagnostics) error {
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		msg := d.Summary
		if d.Detail != "" {
			msg = fmt.Sprintf("%s: %s", d.Summary, d.Detail)
		}
		if d.Subject != nil {
			return rangeError(*d.Subject, "%s", msg)
		}
		return common.NewConfigurationError("%s", msg)
	}
	return common.NewConfigurationError("%s", diags.Error())
}
