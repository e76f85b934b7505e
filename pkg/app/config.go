package app

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lk2023060901/raftsim/pkg/config"
)

// EnvPrefix 环境变量前缀，RAFTSIM_CLUSTER_WAIT_CLIENT_TIMEOUT 对应 cluster.wait.client_timeout
const EnvPrefix = "RAFTSIM"

var configPath string

// LoadConfig 解析命令行并加载配置到 target
// 优先级：命令行显式参数 > 环境变量 > 配置文件 > 命令行默认值 > target 原有值。
// 配置文件可选，但经 --config 或 RAFTSIM_CONFIG 指定后必须存在。
func LoadConfig(target any, fs *pflag.FlagSet, args []string, opts ...config.Option) error {
	if fs.Lookup("config") == nil {
		fs.StringP("config", "c", "", "path to config file (yaml/json/toml)")
	}
	if !fs.Parsed() {
		if err := fs.Parse(args); err != nil {
			return errors.Wrap(err, "parse flags")
		}
	}

	v := viper.New()
	mgr := config.NewManager(append([]config.Option{config.WithViper(v)}, opts...)...)
	mgr.BindEnv(EnvPrefix)

	path, _ := fs.GetString("config")
	if !fs.Changed("config") {
		if env := os.Getenv(EnvPrefix + "_CONFIG"); env != "" {
			path = env
		}
	}
	if path != "" {
		if err := mgr.LoadFile(path); err != nil {
			return err
		}
	}
	configPath = path

	if err := mgr.BindFlags(fs); err != nil {
		return err
	}
	if err := mgr.Unmarshal(target); err != nil {
		return errors.Wrap(err, "unmarshal config")
	}

	// 文件日志的目录需要提前建好
	if v.GetBool("log.enable_file") {
		if out := v.GetString("log.output_path"); out != "" {
			_ = os.MkdirAll(filepath.Dir(out), 0o755)
		}
	}
	return nil
}

// GetConfigPath 返回最终使用的配置文件路径，未使用配置文件时为空
func GetConfigPath() string {
	return configPath
}
