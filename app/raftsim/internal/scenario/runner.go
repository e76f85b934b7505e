package scenario

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/lk2023060901/raftsim/pkg/cluster"
	"github.com/lk2023060901/raftsim/pkg/logger"
)

// ErrScenarioFailed 至少一个场景失败
var ErrScenarioFailed = errors.New("scenario failed")

// Runner 依次执行配置中的场景，结束后通过 done 回调通知结果
type Runner struct {
	cfg    *Config
	ccfg   *cluster.Config
	logger logger.Logger
	out    io.Writer
	done   func(error)

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	reports []*Report
	// 当前场景集群的指标
	current atomic.Pointer[prometheus.Registry]
}

var _ prometheus.Gatherer = (*Runner)(nil)

// NewRunner 创建场景执行器
func NewRunner(cfg *Config, ccfg *cluster.Config, l logger.Logger, out io.Writer, done func(error)) *Runner {
	return &Runner{
		cfg:    cfg,
		ccfg:   ccfg,
		logger: l.Named("scenario"),
		out:    out,
		done:   done,
	}
}

// Start 在后台开始执行
func (r *Runner) Start() error {
	names := r.cfg.Names
	if len(names) == 0 {
		names = Names()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.done(r.run(ctx, names))
	}()
	return nil
}

// Stop 取消正在执行的场景并等待退出
func (r *Runner) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}

// Reports 已完成场景的结果
func (r *Runner) Reports() []*Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Report(nil), r.reports...)
}

// Gather 采集正在运行或最近一个场景集群的指标
func (r *Runner) Gather() ([]*dto.MetricFamily, error) {
	reg := r.current.Load()
	if reg == nil {
		return nil, nil
	}
	return reg.Gather()
}

func (r *Runner) run(ctx context.Context, names []string) error {
	failed := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Info("scenario starting", "scenario", name)
		report, err := Run(ctx, name, r.cfg, r.ccfg, r.logger, WithClusterHook(func(c *cluster.Cluster) {
			r.current.Store(c.Registry())
		}))
		if err != nil {
			return err
		}

		r.mu.Lock()
		r.reports = append(r.reports, report)
		r.mu.Unlock()

		fmt.Fprintln(r.out, report.String())
		if !report.Passed() {
			failed++
			r.logger.Error("scenario failed", "scenario", name, "error", report.Err)
		}
	}
	if failed > 0 {
		return errors.Wrapf(ErrScenarioFailed, "%d of %d", failed, len(names))
	}
	return nil
}
