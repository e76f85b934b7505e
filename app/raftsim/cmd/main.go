package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"

	"github.com/lk2023060901/raftsim/app/raftsim/internal/scenario"
	"github.com/lk2023060901/raftsim/pkg/app"
	"github.com/lk2023060901/raftsim/pkg/cluster"
	"github.com/lk2023060901/raftsim/pkg/logger"
	"github.com/lk2023060901/raftsim/pkg/prometheus"
)

// Config raftsim 命令配置
type Config struct {
	Log      *logger.Config     `mapstructure:"log"`
	Cluster  *cluster.Config    `mapstructure:"cluster"`
	Scenario *scenario.Config   `mapstructure:"scenario"`
	Metrics  *prometheus.Config `mapstructure:"metrics"`
}

func defaultConfig() *Config {
	return &Config{
		Log:      logger.DefaultConfig(),
		Cluster:  cluster.DefaultConfig(),
		Scenario: scenario.DefaultConfig(),
		Metrics:  prometheus.DefaultConfig(),
	}
}

func registerFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringSlice("scenario.names", nil, "scenarios to run: "+strings.Join(scenario.Names(), ", ")+" (default all)")
	fs.Int("scenario.nodes", cfg.Scenario.Nodes, "nodes to bootstrap")
	fs.Int("scenario.replicas", cfg.Scenario.Replicas, "replicas of the bootstrap group")
	fs.Int("scenario.keys", cfg.Scenario.Keys, "keys written by each scenario")
	fs.Duration("scenario.timeout", cfg.Scenario.Timeout, "timeout of each wait")
	fs.String("cluster.data_dir", "", "parent directory of node disks (default: temporary)")
	fs.String("log.level", string(cfg.Log.Level), "log level: debug, info, warn, error")
	fs.Bool("metrics.enabled", cfg.Metrics.Enabled, "serve cluster metrics over HTTP while scenarios run")
	fs.String("metrics.addr", cfg.Metrics.Addr, "metrics listen address")
}

func main() {
	cfg := defaultConfig()
	fs := pflag.NewFlagSet("raftsim", pflag.ContinueOnError)
	registerFlags(fs, cfg)
	list := fs.Bool("list", false, "list scenarios and exit")

	if err := app.LoadConfig(cfg, fs, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}
	if *list {
		for _, name := range scenario.Names() {
			fmt.Println(name)
		}
		return
	}
	if err := cfg.Scenario.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid scenario config: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Log.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log config: %v\n", err)
		os.Exit(2)
	}
	// 节点与集群日志跟随命令行日志配置
	cfg.Cluster.Log = cfg.Log

	l, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	a := app.NewBaseApp(app.WithName("raftsim"), app.WithLogger(l))
	runner := scenario.NewRunner(cfg.Scenario, cfg.Cluster, a.Logger(), os.Stdout, a.Fail)
	exporter, err := prometheus.New(cfg.Metrics, a.Logger(), runner)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid metrics config: %v\n", err)
		os.Exit(2)
	}
	// 先启动导出器，场景一开始就能抓取
	a.AppendServer(exporter, runner)

	if err := a.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "raftsim: %v\n", err)
		os.Exit(1)
	}
}
