package logger

import (
	"context"

	"go.uber.org/zap"
)

// ContextFieldExtractor 从 context 提取日志字段
type ContextFieldExtractor func(ctx context.Context) []zap.Field

type ctxFieldsKey struct{}

// ContextWithFields 在 ctx 上追加日志字段，*Context 系列方法会带上这些字段
// 嵌套调用时外层字段在前。
func ContextWithFields(ctx context.Context, keysAndValues ...interface{}) context.Context {
	prev, _ := ctx.Value(ctxFieldsKey{}).([]interface{})
	fields := make([]interface{}, 0, len(prev)+len(keysAndValues))
	fields = append(fields, prev...)
	fields = append(fields, keysAndValues...)
	return context.WithValue(ctx, ctxFieldsKey{}, fields)
}

// DefaultContextExtractor 提取 ContextWithFields 追加的字段
func DefaultContextExtractor(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(ctxFieldsKey{}).([]interface{})
	if len(fields) == 0 {
		return nil
	}
	return toZapFields(fields...)
}
