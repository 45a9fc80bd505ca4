package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
type Config struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	LogFile     string `mapstructure:"log_file"`
	MaxSize     int    `mapstructure:"max_size"` // MB
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"` // days
	Compress    bool   `mapstructure:"compress"`

	// Output 控制台输出目标，为空时使用 stdout
	Output io.Writer `mapstructure:"-"`
}

// ServiceName 每条日志都带的 service 字段
const ServiceName = "mailforge"

// NewLogger 创建日志记录器
//
// 开发模式使用彩色控制台编码并在 Error 级别附带堆栈；生产模式输出 JSON 并对高频日志采样，
// 避免批量任务的逐单元日志淹没输出。配置了 LogFile 时同时写入 lumberjack 轮转文件。
func NewLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	sink, err := writeSyncer(cfg)
	if err != nil {
		return nil, err
	}

	var core zapcore.Core
	opts := []zap.Option{zap.AddCaller(), zap.Fields(zap.String("service", ServiceName))}
	if cfg.Development {
		enc := encoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(enc), sink, level)
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	} else {
		core = zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), sink, level)
		// 每秒同一消息前 100 条全部保留，之后每 100 条保留 1 条
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 100)
	}
	return zap.New(core, opts...), nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func writeSyncer(cfg Config) (zapcore.WriteSyncer, error) {
	var console io.Writer = os.Stdout
	if cfg.Output != nil {
		console = cfg.Output
	}
	if cfg.LogFile == "" {
		return zapcore.AddSync(console), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		return nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	return zapcore.NewMultiWriteSyncer(zapcore.AddSync(rotator), zapcore.AddSync(console)), nil
}

// OrNop 返回非空的 logger
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Named 组件子 logger，l 为 nil 时返回 Nop
func Named(l *zap.Logger, component string) *zap.Logger {
	return OrNop(l).Named(component)
}

// Redacted 记录敏感字段是否存在而不记录内容
func Redacted(key, secret string) zap.Field {
	if secret == "" {
		return zap.String(key, "")
	}
	return zap.String(key, "[REDACTED]")
}
