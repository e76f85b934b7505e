package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/conc"

	"github.com/lk2023060901/raftsim/pkg/logger"
)

var (
	ErrAppAlreadyRunning = errors.New("application is already running")
)

// Application 应用生命周期接口
type Application interface {
	Run() error
	Stop()
	Shutdown() error
	Logger() logger.Logger
}

// Server 需要启动与停止的组件，如场景执行器
type Server interface {
	Start() error
	Stop() error
}

// Closer 资源清理接口，如集群实例
type Closer interface {
	Close() error
}

// BaseApp 提供 Application 的基础实现
type BaseApp struct {
	opts    Options
	logger  logger.Logger
	servers []Server
	closers []Closer

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex

	// 状态管理
	started atomic.Bool
	closed  atomic.Bool
	// 首个导致退出的错误
	exitErr atomic.Pointer[error]
}

// NewBaseApp 创建 BaseApp
func NewBaseApp(opts ...Option) *BaseApp {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &BaseApp{
		opts:   o,
		logger: o.Logger.Named(o.Name),
		ctx:    ctx,
		cancel: cancel,
	}

	if o.LogConfig != nil {
		if l, err := logger.New(o.LogConfig); err == nil {
			a.logger = l.Named(o.Name)
		}
	}

	return a
}

// Logger 应用主日志对象
func (a *BaseApp) Logger() logger.Logger {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.logger
}

// Context 应用生命周期 context，Stop 或收到信号后取消
func (a *BaseApp) Context() context.Context {
	return a.ctx
}

// Run 启动所有 Server 并阻塞到信号、Stop 或 Fail
func (a *BaseApp) Run() error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAppAlreadyRunning
	}

	info := GetInfo()
	if a.opts.PrintVersion {
		fmt.Println(info.String())
	}

	a.logger.Info("application starting",
		"name", info.AppName,
		"version", info.Version,
		"commit", info.GitCommit,
		"go_version", info.GoVersion,
		"id", a.opts.ID,
	)

	a.mu.RLock()
	servers := append([]Server(nil), a.servers...)
	a.mu.RUnlock()
	for _, srv := range servers {
		if err := srv.Start(); err != nil {
			a.logger.Error("failed to start server", "error", err)
			_ = a.Shutdown()
			return err
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		a.logger.Info("received signal, shutting down", "signal", sig.String())
	case <-a.ctx.Done():
		a.logger.Info("context cancelled, shutting down")
	}

	if err := a.Shutdown(); err != nil {
		return err
	}
	if p := a.exitErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Stop 请求 Run 退出，可以在任意 goroutine 中调用
func (a *BaseApp) Stop() {
	a.cancel()
}

// Fail 记录退出错误后请求 Run 退出，只保留第一个错误
func (a *BaseApp) Fail(err error) {
	if err != nil {
		a.exitErr.CompareAndSwap(nil, &err)
	}
	a.cancel()
}

// Shutdown 停止所有 Server 并逆序关闭 Closer
func (a *BaseApp) Shutdown() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.cancel()
	a.logger.Info("application shutting down")

	var wg conc.WaitGroup
	for _, srv := range a.servers {
		s := srv
		wg.Go(func() {
			if err := s.Stop(); err != nil {
				a.logger.Error("failed to stop server", "error", err)
			}
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("all servers stopped")
	case <-time.After(a.opts.StopTimeout):
		a.logger.Warn("shutdown timeout, forcing exit")
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Error("failed to close component", "error", err)
		}
	}

	a.logger.Info("application exited")
	_ = a.logger.Sync()
	return nil
}

// AppendServer 添加 Server
func (a *BaseApp) AppendServer(srv ...Server) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.servers = append(a.servers, srv...)
}

// AppendCloser 添加资源清理组件
func (a *BaseApp) AppendCloser(closer ...Closer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, closer...)
}
