package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Manager 配置管理器接口
type Manager interface {
	// LoadFile 加载配置文件
	LoadFile(path string) error
	// BindEnv 绑定环境变量（支持自动映射）
	BindEnv(prefix string)
	// BindFlags 绑定命令行参数，key 与 flag 名一致
	BindFlags(flags *pflag.FlagSet) error
	// BindFlag 将单个命令行参数绑定到指定 key
	BindFlag(key string, flag *pflag.Flag) error
	// Unmarshal 解析整个配置到结构体
	Unmarshal(v any) error
	// UnmarshalKey 解析指定路径的配置到结构体或基本类型
	UnmarshalKey(key string, v any) error
	// Get 获取配置值
	Get(key string) any
	// IsSet 检查配置项是否存在
	IsSet(key string) bool
	// AllSettings 获取所有配置（以 map 形式）
	AllSettings() map[string]any
}

// manager 配置管理器实现
type manager struct {
	v  *viper.Viper
	mu sync.RWMutex
}

// NewManager 创建配置管理器
func NewManager(opts ...Option) Manager {
	m := &manager{
		v: viper.New(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// LoadFile 加载配置文件（支持 YAML、JSON、TOML 等）
func (m *manager) LoadFile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.v.SetConfigFile(path)
	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigFileNotFound, path, err)
	}
	return nil
}

// BindEnv 绑定环境变量
// prefix: 环境变量前缀，如 "RAFTSIM" 会匹配 RAFTSIM_RAFT_HEARTBEAT_TIMEOUT
func (m *manager) BindEnv(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prefix != "" {
		m.v.SetEnvPrefix(prefix)
	}
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()
}

// BindFlags 绑定整组命令行参数
func (m *manager) BindFlags(flags *pflag.FlagSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.v.BindPFlags(flags); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	return nil
}

// BindFlag 绑定单个命令行参数
func (m *manager) BindFlag(key string, flag *pflag.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag == nil {
		return fmt.Errorf("%w: flag for %s", ErrKeyNotFound, key)
	}
	if err := m.v.BindPFlag(key, flag); err != nil {
		return fmt.Errorf("failed to bind flag %s: %w", key, err)
	}
	return nil
}

// Unmarshal 解析整个配置到结构体
func (m *manager) Unmarshal(v any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.v.Unmarshal(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

// UnmarshalKey 解析指定路径的配置
func (m *manager) UnmarshalKey(key string, v any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.v.IsSet(key) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err := m.v.UnmarshalKey(key, v); err != nil {
		return fmt.Errorf("failed to unmarshal key %s: %w", key, err)
	}
	return nil
}

// Get 获取配置值
func (m *manager) Get(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.Get(key)
}

// IsSet 检查配置项是否存在
func (m *manager) IsSet(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.IsSet(key)
}

// AllSettings 获取所有配置
func (m *manager) AllSettings() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.AllSettings()
}
