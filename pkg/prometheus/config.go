package prometheus

import "time"

// Config 指标导出配置
type Config struct {
	// 是否启用独立的 HTTP 服务器暴露指标
	Enabled bool `mapstructure:"enabled"`

	// 监听地址，端口为 0 时由系统分配
	Addr string `mapstructure:"addr"`

	// 指标路径
	Path string `mapstructure:"path"`

	// 读写超时
	Timeout time.Duration `mapstructure:"timeout"`

	// 是否注册 Go 运行时与进程采集器
	EnableGoCollector      bool `mapstructure:"enable_go_collector"`
	EnableProcessCollector bool `mapstructure:"enable_process_collector"`
}

// DefaultConfig 默认配置，默认不启用
func DefaultConfig() *Config {
	return &Config{
		Enabled:                false,
		Addr:                   "127.0.0.1:9090",
		Path:                   "/metrics",
		Timeout:                10 * time.Second,
		EnableGoCollector:      true,
		EnableProcessCollector: true,
	}
}

// Validate 验证配置并补齐缺省值
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Addr == "" {
		return ErrInvalidConfig
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	return nil
}
