package app

import (
	"time"

	"github.com/google/uuid"

	"github.com/lk2023060901/raftsim/pkg/logger"
)

// Options 应用配置选项
type Options struct {
	ID           string
	Name         string
	StopTimeout  time.Duration
	Logger       logger.Logger
	LogConfig    *logger.Config
	PrintVersion bool
}

// Option 配置函数
type Option func(*Options)

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		ID:           uuid.New().String(),
		Name:         AppName,
		StopTimeout:  30 * time.Second,
		Logger:       logger.NewNoop(),
		PrintVersion: true,
	}
}

// WithLogConfig 按配置创建主日志对象
func WithLogConfig(cfg *logger.Config) Option {
	return func(o *Options) { o.LogConfig = cfg }
}

// WithLogger 设置应用日志器
func WithLogger(l logger.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithID 设置应用 ID
func WithID(id string) Option {
	return func(o *Options) { o.ID = id }
}

// WithName 设置应用名称
func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

// WithStopTimeout 设置停止超时时间
func WithStopTimeout(t time.Duration) Option {
	return func(o *Options) { o.StopTimeout = t }
}

// WithPrintVersion 启动时是否在标准输出打印版本串
func WithPrintVersion(on bool) Option {
	return func(o *Options) { o.PrintVersion = on }
}
