package cluster

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/raftsim/pkg/config"
	"github.com/lk2023060901/raftsim/pkg/logger"
	"github.com/lk2023060901/raftsim/pkg/node"
	"github.com/lk2023060901/raftsim/pkg/raftstore"
	"github.com/lk2023060901/raftsim/pkg/simnet"
)

// Config 集群配置
type Config struct {
	// DataDir 各节点磁盘目录的父目录，为空时使用临时目录并在 Close 时删除
	DataDir string `mapstructure:"data_dir"`

	Raft    *raftstore.Config `mapstructure:"raft"`
	Network *simnet.Config    `mapstructure:"network"`
	Node    *node.Config      `mapstructure:"node"`
	Wait    *WaitConfig       `mapstructure:"wait"`
	Log     *logger.Config    `mapstructure:"log"`
}

// WaitConfig WaitUntil 与客户端重试的退避参数
type WaitConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" validate:"gtefield=InitialInterval"`
	Multiplier      float64       `mapstructure:"multiplier" validate:"gte=1"`
	// ClientTimeout 客户端请求未指定截止时间时的默认超时
	ClientTimeout time.Duration `mapstructure:"client_timeout" validate:"gt=0"`
}

// DefaultWaitConfig 返回默认退避参数
func DefaultWaitConfig() *WaitConfig {
	return &WaitConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
		Multiplier:      1.5,
		ClientTimeout:   10 * time.Second,
	}
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	log := logger.DefaultConfig()
	log.Level = logger.WarnLevel
	return &Config{
		Raft:    raftstore.DefaultConfig(),
		Network: simnet.DefaultConfig(),
		Node:    node.DefaultConfig(),
		Wait:    DefaultWaitConfig(),
		Log:     log,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Raft != nil {
		if err := c.Raft.Validate(); err != nil {
			return errors.Wrap(err, "raft")
		}
	}
	if c.Node != nil {
		if err := c.Node.Validate(); err != nil {
			return errors.Wrap(err, "node")
		}
	}
	if c.Log != nil {
		if err := c.Log.Validate(); err != nil {
			return errors.Wrap(err, "log")
		}
	}
	v := config.NewValidator()
	if c.Network != nil {
		if err := v.Validate(c.Network); err != nil {
			return errors.Wrap(err, "network")
		}
	}
	if c.Wait != nil {
		if err := v.Validate(c.Wait); err != nil {
			return errors.Wrap(err, "wait")
		}
	}
	return nil
}
