package logger

import (
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// hclogAdapter 将 Logger 适配为 hclog.Logger，供 hashicorp/raft 使用
type hclogAdapter struct {
	l     Logger
	name  string
	level hclog.Level
}

// NewHclog 创建 hclog 适配器
// level 低于阈值的日志在适配器内直接丢弃，避免 raft 的 debug 日志刷屏
func NewHclog(l Logger, name string, level Level) hclog.Logger {
	return &hclogAdapter{
		l:     l.Named(name),
		name:  name,
		level: hclog.LevelFromString(string(level)),
	}
}

func (a *hclogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace:
		a.Trace(msg, args...)
	case hclog.Debug:
		a.Debug(msg, args...)
	case hclog.Info:
		a.Info(msg, args...)
	case hclog.Warn:
		a.Warn(msg, args...)
	case hclog.Error:
		a.Error(msg, args...)
	}
}

func (a *hclogAdapter) Trace(msg string, args ...interface{}) {
	if a.IsTrace() {
		a.l.Debug(msg, args...)
	}
}

func (a *hclogAdapter) Debug(msg string, args ...interface{}) {
	if a.IsDebug() {
		a.l.Debug(msg, args...)
	}
}

func (a *hclogAdapter) Info(msg string, args ...interface{}) {
	if a.IsInfo() {
		a.l.Info(msg, args...)
	}
}

func (a *hclogAdapter) Warn(msg string, args ...interface{}) {
	if a.IsWarn() {
		a.l.Warn(msg, args...)
	}
}

func (a *hclogAdapter) Error(msg string, args ...interface{}) {
	if a.IsError() {
		a.l.Error(msg, args...)
	}
}

func (a *hclogAdapter) IsTrace() bool { return a.level <= hclog.Trace }
func (a *hclogAdapter) IsDebug() bool { return a.level <= hclog.Debug }
func (a *hclogAdapter) IsInfo() bool  { return a.level <= hclog.Info }
func (a *hclogAdapter) IsWarn() bool  { return a.level <= hclog.Warn }
func (a *hclogAdapter) IsError() bool { return a.level <= hclog.Error }

func (a *hclogAdapter) ImpliedArgs() []interface{} { return nil }

func (a *hclogAdapter) With(args ...interface{}) hclog.Logger {
	return &hclogAdapter{
		l:     a.l.WithFields(args...),
		name:  a.name,
		level: a.level,
	}
}

func (a *hclogAdapter) Name() string { return a.name }

func (a *hclogAdapter) Named(name string) hclog.Logger {
	newName := name
	if a.name != "" {
		newName = a.name + "." + name
	}
	return &hclogAdapter{
		l:     a.l.Named(name),
		name:  newName,
		level: a.level,
	}
}

func (a *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{
		l:     a.l.Named(name),
		name:  name,
		level: a.level,
	}
}

func (a *hclogAdapter) SetLevel(level hclog.Level) { a.level = level }
func (a *hclogAdapter) GetLevel() hclog.Level      { return a.level }

func (a *hclogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(a.StandardWriter(opts), "", 0)
}

func (a *hclogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return &hclogWriter{a: a}
}

type hclogWriter struct{ a *hclogAdapter }

func (w *hclogWriter) Write(p []byte) (int, error) {
	w.a.Info(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

var _ hclog.Logger = (*hclogAdapter)(nil)
