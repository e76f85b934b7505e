// Package scenario 在新建的模拟集群上执行预置的故障场景并汇总结果
package scenario

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/raftsim/pkg/cluster"
	"github.com/lk2023060901/raftsim/pkg/config"
	"github.com/lk2023060901/raftsim/pkg/logger"
	"github.com/lk2023060901/raftsim/pkg/meta"
)

// ErrUnknownScenario 场景名未注册
var ErrUnknownScenario = errors.New("unknown scenario")

// Config 场景参数
type Config struct {
	// Names 依次执行的场景，为空表示全部
	Names    []string      `mapstructure:"names"`
	Nodes    int           `mapstructure:"nodes" validate:"gte=1"`
	Replicas int           `mapstructure:"replicas" validate:"gte=1,ltefield=Nodes"`
	Keys     int           `mapstructure:"keys" validate:"gte=2"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// DefaultConfig 返回默认场景参数
func DefaultConfig() *Config {
	return &Config{
		Nodes:    3,
		Replicas: 3,
		Keys:     32,
		Timeout:  30 * time.Second,
	}
}

// Validate 验证参数并检查场景名
func (c *Config) Validate() error {
	if err := config.NewValidator().Validate(c); err != nil {
		return err
	}
	for _, name := range c.Names {
		if _, ok := registry[name]; !ok {
			return errors.Wrapf(ErrUnknownScenario, "%q (known: %v)", name, Names())
		}
	}
	return nil
}

// Func 场景函数，运行时集群已完成引导
type Func func(ctx context.Context, e *Env) error

var registry = map[string]Func{
	"failover":    Failover,
	"split-merge": SplitMerge,
	"membership":  Membership,
	"chaos":       Chaos,
}

// Names 已注册的场景名，按字典序
func Names() []string {
	return slices.Sorted(maps.Keys(registry))
}

// Step 场景中的一步
type Step struct {
	Name    string
	Elapsed time.Duration
	Err     error
}

// Report 单个场景的执行结果
type Report struct {
	Scenario string
	Steps    []Step
	Elapsed  time.Duration
	// Retries 客户端请求累计重试次数
	Retries float64
	Err     error
}

// Passed 场景是否成功
func (r *Report) Passed() bool { return r.Err == nil }

func (r *Report) String() string {
	status := "PASS"
	if r.Err != nil {
		status = "FAIL"
	}
	s := fmt.Sprintf("%s %s (%s, %d steps, %.0f retries)", status, r.Scenario, r.Elapsed.Round(time.Millisecond), len(r.Steps), r.Retries)
	for _, st := range r.Steps {
		mark := "ok"
		if st.Err != nil {
			mark = st.Err.Error()
		}
		s += fmt.Sprintf("\n  %-28s %10s  %s", st.Name, st.Elapsed.Round(time.Millisecond), mark)
	}
	return s
}

// Env 场景运行环境
type Env struct {
	Cluster *cluster.Cluster
	Config  *Config
	Logger  logger.Logger

	ctx    context.Context
	report *Report
}

// Step 执行一步并记录耗时，出错时包装上步骤名
func (e *Env) Step(name string, fn func() error) error {
	ctx := logger.ContextWithFields(e.ctx, "step", name)
	start := time.Now()
	err := fn()
	e.report.Steps = append(e.report.Steps, Step{Name: name, Elapsed: time.Since(start), Err: err})
	if err != nil {
		e.Logger.WarnContext(ctx, "step failed", "error", err)
		return errors.Wrapf(err, "step %q", name)
	}
	e.Logger.InfoContext(ctx, "step done", "elapsed", time.Since(start).String())
	return nil
}

// Wait 在场景超时内等待条件成立
func (e *Env) Wait(ctx context.Context, cond cluster.Condition) error {
	return e.Cluster.WaitUntil(ctx, e.Config.Timeout, cond)
}

// Key 第 i 个测试键，字典序与 i 一致
func Key(i int) []byte { return []byte(fmt.Sprintf("key-%04d", i)) }

// Value 第 i 个键在 tag 轮写入的值
func Value(tag string, i int) []byte { return []byte(fmt.Sprintf("%s-%04d", tag, i)) }

// WriteKeys 写入 [from, to) 区间的键
func (e *Env) WriteKeys(ctx context.Context, from, to int, tag string) error {
	for i := from; i < to; i++ {
		if err := e.Cluster.Put(ctx, Key(i), Value(tag, i)); err != nil {
			return errors.Wrapf(err, "put %s", Key(i))
		}
	}
	return nil
}

// VerifyKeys 线性一致地读回 [from, to) 区间的键
func (e *Env) VerifyKeys(ctx context.Context, from, to int, tag string) error {
	for i := from; i < to; i++ {
		v, err := e.Cluster.Get(ctx, Key(i))
		if err != nil {
			return errors.Wrapf(err, "get %s", Key(i))
		}
		if want := Value(tag, i); string(v) != string(want) {
			return errors.Newf("get %s = %q, want %q", Key(i), v, want)
		}
	}
	return nil
}

// WaitReplicated 等待组内所有副本本地都能读到 key=value
func (e *Env) WaitReplicated(ctx context.Context, group meta.GroupID, key, value []byte) error {
	peers, ok := e.Cluster.PD().PeersOf(group)
	if !ok {
		return errors.Wrapf(meta.ErrGroupNotFound, "%s", group)
	}
	conds := make([]cluster.Condition, 0, len(peers))
	for _, p := range peers {
		conds = append(conds, cluster.ValueEquals(p.Node, key, value))
	}
	return e.Wait(ctx, cluster.All(conds...))
}

// RunOption Run 的可选参数
type RunOption func(*runOptions)

type runOptions struct {
	onCluster func(c *cluster.Cluster)
}

// WithClusterHook 集群创建后、引导前回调，用于挂接指标等
func WithClusterHook(fn func(c *cluster.Cluster)) RunOption {
	return func(o *runOptions) { o.onCluster = fn }
}

// Run 新建集群并执行名为 name 的场景，结束后关闭集群
//
// ccfg.DataDir 非空时场景使用其下以场景名命名的子目录，开始前清空。
func Run(ctx context.Context, name string, cfg *Config, ccfg *cluster.Config, log logger.Logger, opts ...RunOption) (*Report, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	fn, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownScenario, "%q", name)
	}

	runCfg := *ccfg
	if runCfg.DataDir != "" {
		runCfg.DataDir = filepath.Join(runCfg.DataDir, name)
		if err := os.RemoveAll(runCfg.DataDir); err != nil {
			return nil, errors.Wrapf(err, "clean %s", runCfg.DataDir)
		}
	}

	log = log.Named(name)
	ctx = logger.ContextWithFields(ctx, "scenario", name)
	c, err := cluster.New(&runCfg, cluster.WithLogger(log))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn("close cluster failed", "error", err)
		}
	}()

	if o.onCluster != nil {
		o.onCluster(c)
	}

	report := &Report{Scenario: name}
	e := &Env{Cluster: c, Config: cfg, Logger: log, ctx: ctx, report: report}
	start := time.Now()

	report.Err = e.Step("bootstrap", func() error {
		if err := c.Bootstrap(ctx, cfg.Nodes, cfg.Replicas); err != nil {
			return err
		}
		return e.Wait(ctx, cluster.All(
			cluster.LeaderElected(cluster.BootstrapGroup),
			cluster.GroupInState(cluster.BootstrapGroup, meta.GroupBootstrapped),
		))
	})
	if report.Err == nil {
		report.Err = fn(ctx, e)
	}
	report.Elapsed = time.Since(start)
	report.Retries = c.Metrics().RetryCount()
	return report, nil
}
