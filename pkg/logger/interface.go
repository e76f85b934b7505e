package logger

import "context"

// Logger 结构化日志接口，键值对交替传入
//
// 集群、节点、网络等组件都通过 WithLogger 选项接收它；
// hashicorp/raft 的日志经 NewHclog 适配后也汇入同一个 Logger。
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})

	// 带 context 的版本会附加 ContextWithFields 放入的字段
	DebugContext(ctx context.Context, msg string, keysAndValues ...interface{})
	InfoContext(ctx context.Context, msg string, keysAndValues ...interface{})
	WarnContext(ctx context.Context, msg string, keysAndValues ...interface{})
	ErrorContext(ctx context.Context, msg string, keysAndValues ...interface{})

	Named(name string) Logger
	WithFields(keysAndValues ...interface{}) Logger

	Sync() error
}
