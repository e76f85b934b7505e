package simnet

import (
	"github.com/lk2023060901/raftsim/pkg/wire"
)

// Config 模拟网络配置
type Config struct {
	// Checksum 信封校验算法
	Checksum wire.ChecksumType `mapstructure:"checksum" validate:"omitempty,oneof=crc32 crc32c xxhash"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Checksum: wire.ChecksumCRC32C,
	}
}
