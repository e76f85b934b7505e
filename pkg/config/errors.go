package config

import "errors"

var (
	// ErrConfigFileNotFound 配置文件未找到或无法读取
	ErrConfigFileNotFound = errors.New("config file not found")

	// ErrInvalidConfigFormat 配置格式无效
	ErrInvalidConfigFormat = errors.New("invalid config format")

	// ErrKeyNotFound 配置键不存在
	ErrKeyNotFound = errors.New("config key not found")

	// ErrValidationFailed 配置验证失败
	ErrValidationFailed = errors.New("config validation failed")

	// ErrNilConfig 配置为 nil
	ErrNilConfig = errors.New("config cannot be nil")
)
