package logger

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewRotationWriter 创建按大小轮换的文件 writer
// 注意: 该函数仅在 EnableFile=true 时调用
func NewRotationWriter(cfg *RotationConfig, outputPath string) io.Writer {
	return &lumberjack.Logger{
		Filename:   outputPath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
}
