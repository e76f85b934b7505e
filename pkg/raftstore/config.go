package raftstore

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"

	"github.com/lk2023060901/raftsim/pkg/wire"
)

// Config 每个副本的 raft 参数
type Config struct {
	// 超时配置
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeat_timeout"`    // 心跳超时
	ElectionTimeout    time.Duration `mapstructure:"election_timeout"`     // 选举超时
	CommitTimeout      time.Duration `mapstructure:"commit_timeout"`       // 提交超时
	LeaderLeaseTimeout time.Duration `mapstructure:"leader_lease_timeout"` // Leader 租约超时

	// 快照配置
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval"`  // 快照检查间隔
	SnapshotThreshold uint64        `mapstructure:"snapshot_threshold"` // 触发快照的日志条目数
	SnapshotRetain    int           `mapstructure:"snapshot_retain"`    // 保留的快照数量
	TrailingLogs      uint64        `mapstructure:"trailing_logs"`      // 快照后保留的日志数

	// 性能配置
	MaxAppendEntries int `mapstructure:"max_append_entries"` // 单次 AppendEntries 最大条目数

	// 模拟传输配置
	RPCTimeout      time.Duration        `mapstructure:"rpc_timeout"`      // 单次 RPC 等待响应的时间
	SnapshotTimeout time.Duration        `mapstructure:"snapshot_timeout"` // InstallSnapshot 等待响应的时间
	ChunkSize       int                  `mapstructure:"chunk_size"`       // 快照分片大小
	Compression     wire.CompressionType `mapstructure:"compression"`      // 快照压缩算法
	Checksum        wire.ChecksumType    `mapstructure:"checksum"`         // 快照流校验算法

	// 提案配置
	ApplyTimeout time.Duration `mapstructure:"apply_timeout"` // 单个提案（每个分片）的超时

	// 日志配置
	LogLevel string `mapstructure:"log_level"` // 日志级别: debug, info, warn, error
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		HeartbeatTimeout:   200 * time.Millisecond,
		ElectionTimeout:    200 * time.Millisecond,
		CommitTimeout:      10 * time.Millisecond,
		LeaderLeaseTimeout: 100 * time.Millisecond,
		SnapshotInterval:   time.Second,
		SnapshotThreshold:  1024,
		SnapshotRetain:     2,
		TrailingLogs:       256,
		MaxAppendEntries:   64,
		RPCTimeout:         500 * time.Millisecond,
		SnapshotTimeout:    5 * time.Second,
		ChunkSize:          64 * 1024,
		Compression:        wire.CompressionSnappy,
		Checksum:           wire.ChecksumCRC32C,
		ApplyTimeout:       2 * time.Second,
		LogLevel:           "warn",
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.HeartbeatTimeout < 5*time.Millisecond {
		return errors.Wrap(ErrInvalidConfig, "heartbeat_timeout must be >= 5ms")
	}

	if c.ElectionTimeout < c.HeartbeatTimeout {
		return errors.Wrap(ErrInvalidConfig, "election_timeout must be >= heartbeat_timeout")
	}

	if c.LeaderLeaseTimeout < 5*time.Millisecond || c.LeaderLeaseTimeout > c.HeartbeatTimeout {
		return errors.Wrap(ErrInvalidConfig, "leader_lease_timeout must be within [5ms, heartbeat_timeout]")
	}

	if c.CommitTimeout < 5*time.Millisecond {
		return errors.Wrap(ErrInvalidConfig, "commit_timeout must be >= 5ms")
	}

	if c.SnapshotInterval < 5*time.Millisecond {
		return errors.Wrap(ErrInvalidConfig, "snapshot_interval must be >= 5ms")
	}

	if c.SnapshotThreshold == 0 {
		return errors.Wrap(ErrInvalidConfig, "snapshot_threshold must be positive")
	}

	if c.SnapshotRetain <= 0 {
		return errors.Wrap(ErrInvalidConfig, "snapshot_retain must be positive")
	}

	if c.MaxAppendEntries <= 0 || c.MaxAppendEntries > 1024 {
		return errors.Wrap(ErrInvalidConfig, "max_append_entries must be within (0, 1024]")
	}

	if c.RPCTimeout <= 0 || c.SnapshotTimeout <= 0 || c.ApplyTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "rpc, snapshot and apply timeouts must be positive")
	}

	if c.ChunkSize <= 0 {
		return errors.Wrap(ErrInvalidConfig, "chunk_size must be positive")
	}

	if _, err := wire.NewCompressor(c.Compression); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "compression: %v", err)
	}

	if _, err := wire.NewHasher(c.Checksum); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "checksum: %v", err)
	}

	return nil
}

// ToRaftConfig 转换为 HashiCorp Raft 配置
func (c *Config) ToRaftConfig(localID raft.ServerID) *raft.Config {
	cfg := raft.DefaultConfig()

	cfg.LocalID = localID

	cfg.HeartbeatTimeout = c.HeartbeatTimeout
	cfg.ElectionTimeout = c.ElectionTimeout
	cfg.CommitTimeout = c.CommitTimeout
	cfg.LeaderLeaseTimeout = c.LeaderLeaseTimeout

	cfg.SnapshotInterval = c.SnapshotInterval
	cfg.SnapshotThreshold = c.SnapshotThreshold
	cfg.TrailingLogs = c.TrailingLogs
	cfg.MaxAppendEntries = c.MaxAppendEntries

	// 引擎是持久化的，重启时不需要从快照恢复状态机
	cfg.NoSnapshotRestoreOnStart = true
	cfg.ShutdownOnRemove = true

	switch c.LogLevel {
	case "debug":
		cfg.LogLevel = "DEBUG"
	case "info":
		cfg.LogLevel = "INFO"
	case "warn":
		cfg.LogLevel = "WARN"
	case "error":
		cfg.LogLevel = "ERROR"
	default:
		cfg.LogLevel = "INFO"
	}

	return cfg
}
