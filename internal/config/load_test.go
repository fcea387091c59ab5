package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbox/internal/common"
)

const sampleYAML = `
project_name: sample
containers:
  build-env:
    image: alpine:3.18
    command: sh -c 'echo "This is the output from the config file." "$@"' --
    environment:
      CONTAINER_VAR: set on container
      OVERRIDDEN_VAR: container value
    working_directory: /code
    dependencies:
      - database
    ports:
      - "8080:80"
  database:
    build_directory: .taskbox/database
    build_args:
      VERSION: "14"
    health_check:
      command: pg_isready
      interval: 2s
      retries: 5
tasks:
  the-task:
    description: Runs the thing
    run:
      container: build-env
      environment:
        TASK_VAR: "1"
    prerequisites:
      - build
    customise:
      database:
        working_directory: /customised
        environment:
          OVERRIDDEN_VAR: overridden value from task
  build:
    run:
      container: build-env
      command: ["echo", "building"]
`

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), FormatYAML, "taskbox.yml")
	require.NoError(t, err)

	assert.Equal(t, "sample", cfg.ProjectName)
	require.Len(t, cfg.Containers, 2)
	require.Len(t, cfg.Tasks, 2)

	buildEnv := cfg.Containers["build-env"]
	assert.Equal(t, "alpine:3.18", buildEnv.Image)
	assert.Equal(t, []string{"sh", "-c", `echo "This is the output from the config file." "$@"`, "--"}, buildEnv.Command)
	assert.Equal(t, "set on container", buildEnv.Environment["CONTAINER_VAR"])
	assert.Equal(t, []string{"database"}, buildEnv.Dependencies)
	assert.Equal(t, []string{"8080:80"}, buildEnv.Ports)

	database := cfg.Containers["database"]
	assert.True(t, database.NeedsBuild())
	assert.Equal(t, "14", database.BuildArgs["VERSION"])
	assert.Equal(t, []string{"pg_isready"}, database.HealthCheck.Command)
	assert.Equal(t, 2*time.Second, database.HealthCheck.Interval)
	assert.Equal(t, 5, database.HealthCheck.Retries)

	task := cfg.Tasks["the-task"]
	require.NotNil(t, task.Run)
	assert.Equal(t, "build-env", task.Run.Container)
	assert.Equal(t, []string{"build"}, task.Prerequisites)
	assert.Equal(t, "/customised", task.Customisations["database"].WorkingDirectory)
	assert.Equal(t, []string{"echo", "building"}, cfg.Tasks["build"].Run.Command)
	assert.Equal(t, []string{"build", "the-task"}, cfg.TaskNames())
}

func TestParseYAMLErrors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
		line     int
	}{
		{
			name:     "UnknownProperty",
			input:    "containers:\n  app:\n    image: alpine\n    imagee: typo\n",
			contains: "Unknown property 'imagee'",
			line:     4,
		},
		{
			name:     "InvalidProjectName",
			input:    "project_name: Not_Valid!\n",
			contains: "Invalid project name",
			line:     1,
		},
		{
			name:     "MissingImage",
			input:    "containers:\n  app:\n    command: echo\n",
			contains: "either image or build_directory",
			line:     3,
		},
		{
			name:     "InvalidDuration",
			input:    "containers:\n  app:\n    image: alpine\n    health_check:\n      command: ok\n      interval: soon\n",
			contains: "Invalid duration 'soon'",
			line:     6,
		},
		{
			name:     "TaskWithoutRun",
			input:    "tasks:\n  empty:\n    description: nothing\n",
			contains: "at least one of run or prerequisites",
			line:     3,
		},
		{
			name:     "WrongKind",
			input:    "tasks:\n  t:\n    prerequisites: build\n",
			contains: "to be a list",
			line:     3,
		},
		{
			name:     "UnbalancedQuote",
			input:    "containers:\n  app:\n    image: alpine\n    command: echo 'oops\n",
			contains: "Unterminated single-quoted string",
			line:     4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input), FormatYAML, "taskbox.yml")
			require.Error(t, err)

			var cfgErr *common.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %T", err)
			assert.Contains(t, cfgErr.Message, tt.contains)
			assert.Equal(t, tt.line, cfgErr.Line)
		})
	}
}

const sampleHCL = `
project_name = "sample"

container "dependency" {
  image             = "alpine:3.18"
  command           = "sh -c 'pwd'"
  environment       = { CONTAINER_VAR = "set on container", PORT = 8080 }
  working_directory = "/original"

  health_check {
    command  = ["true"]
    interval = "500ms"
    retries  = 2
  }
}

task "the-task" {
  prerequisites = ["other"]

  run {
    container = "dependency"
    command   = ["echo", "hi"]
  }

  customise "dependency" {
    working_directory = "/customised"
    environment       = { NEW_VAR = "new value from task" }
  }
}

task "other" {
  run {
    container = "dependency"
  }
}
`

func TestParseHCL(t *testing.T) {
	cfg, err := Parse([]byte(sampleHCL), FormatHCL, "taskbox.hcl")
	require.NoError(t, err)

	assert.Equal(t, "sample", cfg.ProjectName)
	dep := cfg.Containers["dependency"]
	require.NotNil(t, dep)
	assert.Equal(t, []string{"sh", "-c", "pwd"}, dep.Command)
	assert.Equal(t, "8080", dep.Environment["PORT"])
	assert.Equal(t, 500*time.Millisecond, dep.HealthCheck.Interval)
	assert.Equal(t, 2, dep.HealthCheck.Retries)

	task := cfg.Tasks["the-task"]
	require.NotNil(t, task)
	assert.Equal(t, []string{"other"}, task.Prerequisites)
	assert.Equal(t, []string{"echo", "hi"}, task.Run.Command)
	assert.Equal(t, "new value from task", task.Customisations["dependency"].Environment["NEW_VAR"])
}

func TestParseHCLErrors(t *testing.T) {
	t.Run("UnknownAttribute", func(t *testing.T) {
		_, err := Parse([]byte("container \"app\" {\n  image = \"alpine\"\n  colour = \"red\"\n}\n"), FormatHCL, "taskbox.hcl")

		var cfgErr *common.ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, 3, cfgErr.Line)
		assert.Equal(t, "taskbox.hcl", cfgErr.File)
	})

	t.Run("SyntaxError", func(t *testing.T) {
		_, err := Parse([]byte("container \"app\" {\n"), FormatHCL, "taskbox.hcl")
		assert.True(t, common.IsConfigurationError(err))
	})

	t.Run("DuplicateContainer", func(t *testing.T) {
		src := "container \"app\" {\n image = \"a\"\n}\ncontainer \"app\" {\n image = \"b\"\n}\n"
		_, err := Parse([]byte(src), FormatHCL, "taskbox.hcl")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Duplicate name 'app'")
	})
}

func TestLoadResolvesProjectName(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-project")
	require.NoError(t, os.Mkdir(dir, 0o755))
	path := filepath.Join(dir, "taskbox.yml")
	require.NoError(t, os.WriteFile(path, []byte("containers:\n  app:\n    image: alpine\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "my-project", cfg.ProjectName)
}

func TestLoadResolvesBuildDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskbox.yml")
	src := "project_name: demo\ncontainers:\n  app:\n    build_directory: images/app\n  tools:\n    build_directory: /opt/tools\n"
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "images", "app"), cfg.Containers["app"].BuildDirectory)
	assert.Equal(t, "/opt/tools", cfg.Containers["tools"].BuildDirectory)
}

func TestWithResolvedProjectNameAtRoot(t *testing.T) {
	cfg := &Configuration{}
	_, err := cfg.WithResolvedProjectName(string(filepath.Separator))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "root directory")
}

func TestLoadUnsupportedExtension(t *testing.T) {
	_, err := Load("taskbox.json")
	assert.Error(t, err)
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"echo hello", []string{"echo", "hello"}},
		{"  echo   spaced  ", []string{"echo", "spaced"}},
		{`echo "a b" 'c d'`, []string{"echo", "a b", "c d"}},
		{`echo a\ b`, []string{"echo", "a b"}},
		{`echo ""`, []string{"echo", ""}},
		{`echo 'it\s'`, []string{"echo", `it\s`}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			args, err := SplitCommand(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, args)
		})
	}

	_, err := SplitCommand(`echo "unterminated`)
	assert.ErrorIs(t, err, shellquote.UnterminatedDoubleQuoteError)

	_, err = SplitCommand(`echo trailing\`)
	assert.ErrorIs(t, err, shellquote.UnterminatedEscapeError)
}

func TestStringCommandSplitErrorIsConfigurationError(t *testing.T) {
	input := "containers:\n  app:\n    image: alpine\n    command: echo \"oops\n"
	_, err := Parse([]byte(input), FormatYAML, "taskbox.yml")
	require.Error(t, err)
	assert.True(t, common.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "Unterminated double-quoted string")
}

func TestContainerCloneDoesNotShareState(t *testing.T) {
	original := &Container{
		Name:        "app",
		Environment: map[string]string{"A": "1"},
		Command:     []string{"run"},
	}

	clone := original.Clone()
	clone.Environment["A"] = "2"
	clone.Command[0] = "changed"

	assert.Equal(t, "1", original.Environment["A"])
	assert.Equal(t, "run", original.Command[0])
}

func TestHealthCheckDefaults(t *testing.T) {
	hc := HealthCheckConfig{Command: []string{"true"}, Interval: 3 * time.Second}.WithDefaults()

	assert.Equal(t, 3*time.Second, hc.Timeout)
	assert.Equal(t, 3*time.Second, hc.StartPeriod)
	assert.Equal(t, DefaultHealthCheckRetries, hc.Retries)

	empty := HealthCheckConfig{}.WithDefaults()
	assert.Equal(t, DefaultHealthCheckInterval, empty.Interval)
	assert.False(t, empty.Defined())
}
