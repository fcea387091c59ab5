package common

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 未初始化时不输出，避免日志混入任务输出
var logger = zap.NewNop()

// LogOptions 日志配置
type LogOptions struct {
	Development bool
	// Level 为空时使用 LOG_LEVEL 环境变量
	Level string
	// File 非空时日志写入文件（按大小轮转），否则写入 stderr
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// InitLoggerWithOptions 按选项初始化日志系统
func InitLoggerWithOptions(opts LogOptions) error {
	var config zap.Config

	if opts.Development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	// 设置日志级别
	levelText := opts.Level
	if levelText == "" {
		levelText = os.Getenv("LOG_LEVEL")
	}
	if levelText != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(levelText)); err == nil {
			config.Level = zap.NewAtomicLevelAt(level)
		}
	}

	if opts.File == "" {
		built, err := config.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
		if err != nil {
			return err
		}
		setLogger(built)
		return nil
	}

	// 写入文件时不使用彩色级别
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    valueOrDefault(opts.MaxSizeMB, 10),
		MaxBackups: valueOrDefault(opts.MaxBackups, 3),
	})
	encoder := zapcore.NewJSONEncoder(config.EncoderConfig)
	if opts.Development {
		encoder = zapcore.NewConsoleEncoder(config.EncoderConfig)
	}
	core := zapcore.NewCore(encoder, writer, config.Level)
	setLogger(zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)))
	return nil
}

func setLogger(l *zap.Logger) {
	logger = l
}

func valueOrDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// GetLogger 获取结构化日志记录器
func GetLogger() *zap.Logger {
	return logger
}

// ComponentLogger 为特定组件创建带有组件信息的日志记录器
func ComponentLogger(component string) *zap.Logger {
	return GetLogger().With(zap.String("component", component))
}

// Sync 同步日志缓冲区
func Sync() {
	_ = logger.Sync()
}
