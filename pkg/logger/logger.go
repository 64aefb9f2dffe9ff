package logger

import (
	"fmt"
	"os"

	"github.com/jobs/opsmonitor/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New 创建日志器
// format 为 "json" 或 "console"; output 为 "stdout", "stderr" 或文件路径
func New(cfg config.LogConfig) (*zap.Logger, error) {
	// 解析日志级别
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	// 配置编码器
	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	// 配置输出
	writer, err := sink(cfg.Output)
	if err != nil {
		return nil, err
	}

	// 创建核心
	core := zapcore.NewCore(encoder, writer, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func sink(output string) (zapcore.WriteSyncer, error) {
	switch output {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return zapcore.AddSync(file), nil
}

// NewNop 创建空日志器
func NewNop() *zap.Logger {
	return zap.NewNop()
}
