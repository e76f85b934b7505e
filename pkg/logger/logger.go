// pkg/logger/logger.go
package logger

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/lk2023060901/raftsim/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 确保 BaseLogger 实现了 Logger 接口
var _ Logger = (*BaseLogger)(nil)

// BaseLogger 基于 zap 的日志记录器实现
type BaseLogger struct {
	*zap.Logger
	config           *Config
	name             string
	output           io.Writer
	contextExtractor ContextFieldExtractor
}

// Option 日志选项
type Option func(*BaseLogger)

// WithName 设置 logger 名称
func WithName(name string) Option {
	return func(l *BaseLogger) {
		l.name = name
	}
}

// WithOutput 替换控制台输出目标，测试中用于捕获日志
func WithOutput(w io.Writer) Option {
	return func(l *BaseLogger) {
		l.output = w
	}
}

// WithContextExtractor 设置 context 字段提取器
func WithContextExtractor(fn ContextFieldExtractor) Option {
	return func(l *BaseLogger) {
		if fn != nil {
			l.contextExtractor = fn
		}
	}
}

// New 创建新的 BaseLogger
func New(cfg *Config, opts ...Option) (*BaseLogger, error) {
	// 合并默认配置，用户只传部分字段也能工作
	mergedConfig, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	if err := mergedConfig.Validate(); err != nil {
		return nil, err
	}

	logger := &BaseLogger{
		config:           mergedConfig,
		output:           os.Stdout,
		contextExtractor: DefaultContextExtractor,
	}

	for _, opt := range opts {
		opt(logger)
	}

	zapLogger, err := logger.build()
	if err != nil {
		return nil, err
	}
	logger.Logger = zapLogger

	return logger, nil
}

// build 构建 zap logger
func (l *BaseLogger) build() (*zap.Logger, error) {
	encoderConfig := l.buildEncoderConfig()

	var encoder zapcore.Encoder
	switch l.config.Format {
	case ConsoleFormat:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writers := make([]zapcore.WriteSyncer, 0, 2)
	if l.config.EnableConsole {
		writers = append(writers, zapcore.AddSync(l.output))
	}
	if l.config.EnableFile {
		writers = append(writers, zapcore.AddSync(NewRotationWriter(&l.config.Rotation, l.config.OutputPath)))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), parseLevel(l.config.Level))

	options := []zap.Option{
		zap.AddCaller(),
		zap.AddCallerSkip(1),
	}
	if l.config.EnableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if l.config.Development {
		options = append(options, zap.Development())
	}

	zapLogger := zap.New(core, options...)

	if len(l.config.GlobalFields) > 0 {
		fields := make([]zap.Field, 0, len(l.config.GlobalFields))
		for k, v := range l.config.GlobalFields {
			fields = append(fields, zap.Any(k, v))
		}
		zapLogger = zapLogger.With(fields...)
	}

	if l.name != "" {
		zapLogger = zapLogger.Named(l.name)
	}

	return zapLogger, nil
}

// buildEncoderConfig 构建 encoder 配置
func (l *BaseLogger) buildEncoderConfig() zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if l.config.TimeFormat != "" {
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout(l.config.TimeFormat)
	} else {
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if l.config.Development {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return cfg
}

// parseLevel 解析日志等级
func parseLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Debug 记录 debug 级别日志
func (l *BaseLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.Logger.Debug(msg, toZapFields(keysAndValues...)...)
}

// Info 记录 info 级别日志
func (l *BaseLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Info(msg, toZapFields(keysAndValues...)...)
}

// Warn 记录 warn 级别日志
func (l *BaseLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.Logger.Warn(msg, toZapFields(keysAndValues...)...)
}

// Error 记录 error 级别日志
func (l *BaseLogger) Error(msg string, keysAndValues ...interface{}) {
	l.Logger.Error(msg, toZapFields(keysAndValues...)...)
}

// DebugContext 记录 debug 级别日志，并从 context 中提取字段
func (l *BaseLogger) DebugContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Logger.Debug(msg, append(l.contextExtractor(ctx), toZapFields(keysAndValues...)...)...)
}

// InfoContext 记录 info 级别日志，并从 context 中提取字段
func (l *BaseLogger) InfoContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Logger.Info(msg, append(l.contextExtractor(ctx), toZapFields(keysAndValues...)...)...)
}

// WarnContext 记录 warn 级别日志，并从 context 中提取字段
func (l *BaseLogger) WarnContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Logger.Warn(msg, append(l.contextExtractor(ctx), toZapFields(keysAndValues...)...)...)
}

// ErrorContext 记录 error 级别日志，并从 context 中提取字段
func (l *BaseLogger) ErrorContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Logger.Error(msg, append(l.contextExtractor(ctx), toZapFields(keysAndValues...)...)...)
}

// Named 创建具名 logger
func (l *BaseLogger) Named(name string) Logger {
	return &BaseLogger{
		Logger:           l.Logger.Named(name),
		config:           l.config,
		name:             name,
		output:           l.output,
		contextExtractor: l.contextExtractor,
	}
}

// WithFields 添加字段
func (l *BaseLogger) WithFields(keysAndValues ...interface{}) Logger {
	zapFields := toZapFields(keysAndValues...)
	if len(zapFields) == 0 {
		return l
	}
	return &BaseLogger{
		Logger:           l.Logger.With(zapFields...),
		config:           l.config,
		name:             l.name,
		output:           l.output,
		contextExtractor: l.contextExtractor,
	}
}

// Sync 同步日志
func (l *BaseLogger) Sync() error {
	return l.Logger.Sync()
}

// toZapFields 将 key-value 对转换为 zap.Field
func toZapFields(keysAndValues ...interface{}) []zap.Field {
	if len(keysAndValues) == 0 {
		return nil
	}

	// 第一个参数就是 zap.Field 时按字段列表处理
	if _, ok := keysAndValues[0].(zap.Field); ok {
		fields := make([]zap.Field, 0, len(keysAndValues))
		for _, v := range keysAndValues {
			if f, ok := v.(zap.Field); ok {
				fields = append(fields, f)
			}
		}
		return fields
	}

	fields := make([]zap.Field, 0, len(keysAndValues)/2+1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	if len(keysAndValues)%2 != 0 {
		fields = append(fields, zap.Any("EXTRA_VALUE_AT_END", keysAndValues[len(keysAndValues)-1]))
	}
	return fields
}
