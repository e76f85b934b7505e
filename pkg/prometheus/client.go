// Package prometheus 把若干指标源通过 HTTP 暴露给 Prometheus 抓取
package prometheus

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/lk2023060901/raftsim/pkg/logger"
)

// Exporter 指标导出器
//
// 抓取时依次合并自身的运行时采集器和传入的 Gatherer，
// 集群的 Registry 可以在运行中替换而不必重新注册。
type Exporter struct {
	config    *Config
	logger    logger.Logger
	registry  *prometheus.Registry
	gatherers prometheus.Gatherers

	mu         sync.Mutex
	httpServer *http.Server
	addr       string
	done       chan struct{}

	closed atomic.Bool
}

// New 创建导出器，Start 之前不监听端口
func New(cfg *Config, l logger.Logger, gatherers ...prometheus.Gatherer) (*Exporter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.NewNoop()
	}

	e := &Exporter{
		config:   cfg,
		logger:   l.Named("metrics"),
		registry: prometheus.NewRegistry(),
	}
	if cfg.EnableGoCollector {
		e.registry.MustRegister(collectors.NewGoCollector())
	}
	if cfg.EnableProcessCollector {
		e.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	e.gatherers = append(prometheus.Gatherers{e.registry}, gatherers...)
	return e, nil
}

// Registry 导出器自身的 Registry
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Gather 合并所有指标源
func (e *Exporter) Gather() ([]*dto.MetricFamily, error) {
	return e.gatherers.Gather()
}

// Handler 返回 HTTP Handler
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.gatherers, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Addr 实际监听地址，未启动时为空
func (e *Exporter) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// Start 启动 HTTP 服务器，未启用时什么也不做
func (e *Exporter) Start() error {
	if e.closed.Load() {
		return ErrExporterClosed
	}
	if !e.config.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", e.config.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", e.config.Addr)
	}

	mux := http.NewServeMux()
	mux.Handle(e.config.Path, e.Handler())
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  e.config.Timeout,
		WriteTimeout: e.config.Timeout,
	}

	e.mu.Lock()
	e.httpServer = srv
	e.addr = ln.Addr().String()
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server stopped", "error", err)
		}
	}()

	e.logger.Info("metrics server listening", "addr", e.Addr(), "path", e.config.Path)
	return nil
}

// Stop 关闭 HTTP 服务器
func (e *Exporter) Stop() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrExporterClosed
	}

	e.mu.Lock()
	srv, done := e.httpServer, e.done
	e.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.config.Timeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	<-done
	return err
}
