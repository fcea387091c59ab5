package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskbox/internal/common"
	"taskbox/internal/config"
	"taskbox/internal/daemon"
	"taskbox/internal/orchestrator"
	"taskbox/internal/workers"

	"go.uber.org/zap"
)

// 命令行用法错误的退出码
const usageExitCode = 2

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("taskbox", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintln(stderr, "Usage: taskbox [flags] <task> [-- args...]")
		flags.PrintDefaults()
	}

	var (
		configFile        = flags.String("config", "taskbox.yml", "Configuration file path (.yml, .yaml or .hcl)")
		skipPrerequisites = flags.Bool("skip-prerequisites", false, "Don't run the task's prerequisites")
		outputMode        = flags.String("output", string(orchestrator.OutputQuiet), "Container output: all or quiet")
		logFile           = flags.String("log-file", "", "Write logs to this file instead of stderr")
		logLevel          = flags.String("log-level", "", "Log level (debug, info, warn, error), defaults to LOG_LEVEL or warn")
		development       = flags.Bool("dev", false, "Enable development mode")
		dockerHost        = flags.String("docker-host", "", "Docker daemon address, defaults to DOCKER_HOST")
		listTasks         = flags.Bool("list-tasks", false, "List the available tasks and exit")
	)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return usageExitCode
	}

	settings := common.GetDefaultConfig()
	if *dockerHost != "" {
		settings.Docker.Host = *dockerHost
	}
	if *logFile != "" {
		settings.Logging.File = *logFile
	}
	if *logLevel != "" {
		settings.Logging.Level = *logLevel
	}
	if settings.Logging.Level == "" {
		settings.Logging.Level = "warn"
	}
	if err := settings.Validate(); err != nil {
		fmt.Fprintf(stderr, "Invalid settings: %v\n", err)
		return usageExitCode
	}

	// 初始化日志系统
	if err := common.InitLoggerWithOptions(common.LogOptions{
		Development: *development,
		Level:       settings.Logging.Level,
		File:        settings.Logging.File,
		MaxSizeMB:   settings.Logging.MaxSizeMB,
		MaxBackups:  settings.Logging.MaxBackups,
	}); err != nil {
		fmt.Fprintf(stderr, "Failed to initialise logging: %v\n", err)
		return usageExitCode
	}
	defer common.Sync()

	logger := common.ComponentLogger("taskbox")

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return settings.Orchestration.FailureExitCode
	}
	logger.Info("Configuration loaded",
		zap.String("config_file", *configFile),
		zap.String("project", cfg.ProjectName),
		zap.Int("tasks", len(cfg.Tasks)),
		zap.Int("containers", len(cfg.Containers)))

	if *listTasks {
		printTasks(stdout, cfg)
		return 0
	}

	mode, err := orchestrator.ParseOutputMode(*outputMode)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return usageExitCode
	}

	taskName, extraArgs, err := splitArgs(flags.Args())
	if err != nil {
		fmt.Fprintln(stderr, err)
		flags.Usage()
		return usageExitCode
	}

	// 优雅关闭处理
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			fmt.Fprintln(stderr, "Interrupted, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
	}()

	pool := workers.NewPool(settings.Orchestration.MaxParallelStarts, logger)
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Worker pool did not shut down cleanly", zap.Error(err))
		}
	}()

	client, err := daemon.NewEngineClient(settings.Docker, pool)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid Docker host: %v\n", err)
		return settings.Orchestration.FailureExitCode
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		fmt.Fprintf(stderr, "Docker is not available: %v\n", err)
		return settings.Orchestration.FailureExitCode
	}

	orch := orchestrator.New(cfg, client, pool, settings, stdout, stderr)
	code := orch.Run(ctx, orchestrator.Options{
		Task:              taskName,
		SkipPrerequisites: *skipPrerequisites,
		ExtraArgs:         extraArgs,
		OutputMode:        mode,
	})

	logger.Debug("Daemon metrics", zap.Any("metrics", client.Metrics().GetSnapshot()))
	return code
}

// splitArgs 拆分任务名称和 "--" 之后的附加参数
func splitArgs(args []string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("no task given")
	}
	task, rest := args[0], args[1:]
	if len(rest) == 0 {
		return task, nil, nil
	}
	if rest[0] != "--" {
		return "", nil, fmt.Errorf("unexpected argument %q, additional arguments must follow '--'", rest[0])
	}
	return task, rest[1:], nil
}

func printTasks(w io.Writer, cfg *config.Configuration) {
	fmt.Fprintln(w, "Available tasks:")
	for _, name := range cfg.TaskNames() {
		task := cfg.Tasks[name]
		if task.Description != "" {
			fmt.Fprintf(w, "- %s: %s\n", name, task.Description)
		} else {
			fmt.Fprintf(w, "- %s\n", name)
		}
	}
}
