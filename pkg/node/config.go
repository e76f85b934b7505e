package node

import (
	"time"

	"github.com/lk2023060901/raftsim/pkg/config"
)

// Config 模拟节点配置
type Config struct {
	// PoolSize 处理组邮箱的协程池大小
	PoolSize int `mapstructure:"pool_size" validate:"min=1"`
	// PoolExpiry 空闲 worker 的回收时间
	PoolExpiry time.Duration `mapstructure:"pool_expiry" validate:"min=0"`
	// StopTimeout Stop 等待在途任务退出的最长时间
	StopTimeout time.Duration `mapstructure:"stop_timeout" validate:"min=0"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		PoolSize:    64,
		PoolExpiry:  10 * time.Second,
		StopTimeout: 5 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	return config.NewValidator().Validate(c)
}
