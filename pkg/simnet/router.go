// Package simnet 实现进程内的模拟网络：信封路由、故障注入与延迟投递
package simnet

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/lk2023060901/raftsim/pkg/config"
	"github.com/lk2023060901/raftsim/pkg/logger"
	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/wire"
)

// Endpoint 信封接收方，Deliver 不得阻塞
type Endpoint interface {
	Deliver(env *Envelope)
}

// EndpointFunc 函数适配器
type EndpointFunc func(env *Envelope)

// Deliver 实现 Endpoint
func (f EndpointFunc) Deliver(env *Envelope) { f(env) }

// Sender 发送信封的能力，由 Router 实现
type Sender interface {
	Send(env *Envelope)
}

type link struct {
	from, to meta.NodeID
}

// Router 所有模拟节点共享的消息路由
type Router struct {
	cfg     *Config
	hasher  wire.Hasher
	logger  logger.Logger
	clock   clockwork.Clock
	reg     prometheus.Registerer
	metrics *Metrics

	chain *Chain
	sched *scheduler

	mu        sync.RWMutex
	endpoints map[meta.NodeID]Endpoint

	sendMu sync.Mutex
	seqs   map[link]uint64

	isoMu      sync.Mutex
	isolations map[meta.NodeID][]RuleID

	closed atomic.Bool
}

// Option Router 选项
type Option func(*Router)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock 设置调度器时钟，测试中传入 clockwork.FakeClock
func WithClock(c clockwork.Clock) Option {
	return func(r *Router) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithRegisterer 设置 metrics 注册器
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Router) {
		r.reg = reg
	}
}

// NewRouter 创建并启动 Router
func NewRouter(cfg *Config, opts ...Option) (*Router, error) {
	merged, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	hasher, err := wire.NewHasher(merged.Checksum)
	if err != nil {
		return nil, err
	}

	r := &Router{
		cfg:        merged,
		hasher:     hasher,
		logger:     logger.NewNoop(),
		clock:      clockwork.NewRealClock(),
		chain:      NewChain(),
		endpoints:  make(map[meta.NodeID]Endpoint),
		seqs:       make(map[link]uint64),
		isolations: make(map[meta.NodeID][]RuleID),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("router")
	r.metrics = NewMetrics(r.reg)
	r.sched = newScheduler(r.clock, r.dispatch)
	r.sched.start()

	return r, nil
}

// Metrics 返回指标
func (r *Router) Metrics() *Metrics {
	return r.metrics
}

// Chain 返回故障规则链
func (r *Router) Chain() *Chain {
	return r.chain
}

// Register 注册节点
func (r *Router) Register(id meta.NodeID, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[id] = ep
}

// Unregister 注销节点，之后发往该节点的信封被丢弃
func (r *Router) Unregister(id meta.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, id)
}

// Nodes 已注册的节点，升序
func (r *Router) Nodes() []meta.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]meta.NodeID, 0, len(r.endpoints))
	for id := range r.endpoints {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send 发送信封，不阻塞
// Router 会改写 env 的 Seq 与 Checksum，调用方不应再修改 env。
// 分配 Seq、评估规则链与入队在 sendMu 下一次完成，同一链路上入队顺序与 Seq 顺序一致。
func (r *Router) Send(env *Envelope) {
	kind := env.Kind.String()
	if r.closed.Load() {
		r.metrics.Dropped.WithLabelValues(DropReasonClosed).Inc()
		return
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	env.Seq = r.nextSeq(env.From, env.To)
	env.Checksum = r.hasher.Sum(env.Body)
	r.metrics.Sent.WithLabelValues(kind).Inc()

	v := r.chain.Evaluate(env)
	if v.Drop {
		r.metrics.Dropped.WithLabelValues(DropReasonFilter).Inc()
		r.logger.Debug("envelope dropped by filter", "envelope", env.String(), "rule", v.DroppedBy)
		return
	}

	if v.Delay > 0 {
		r.metrics.Delayed.Inc()
	}
	if v.Duplicates > 0 {
		r.metrics.Duplicated.Add(float64(v.Duplicates))
	}

	for i := 0; i <= v.Duplicates; i++ {
		out := env
		if i > 0 || v.Corrupt {
			out = env.Clone()
		}
		if v.Corrupt {
			corrupt(out)
			r.metrics.Corrupted.Inc()
		}
		r.sched.schedule(out, v.Delay)
	}
}

// Verify 接收方校验信封完整性
func (r *Router) Verify(env *Envelope) bool {
	return r.hasher.Verify(env.Body, env.Checksum)
}

// corrupt 翻转 Body 中间的一个字节；空 Body 则破坏校验和
func corrupt(env *Envelope) {
	if len(env.Body) == 0 {
		env.Checksum = ^env.Checksum
		return
	}
	env.Body[len(env.Body)/2] ^= 0xFF
}

// nextSeq 调用方持有 sendMu
func (r *Router) nextSeq(from, to meta.NodeID) uint64 {
	k := link{from: from, to: to}
	r.seqs[k]++
	return r.seqs[k]
}

// dispatch 在调度器 goroutine 中投递
func (r *Router) dispatch(env *Envelope) {
	r.mu.RLock()
	ep, ok := r.endpoints[env.To]
	r.mu.RUnlock()

	if !ok {
		r.metrics.Dropped.WithLabelValues(DropReasonUnreachable).Inc()
		return
	}
	ep.Deliver(env)
	r.metrics.Delivered.WithLabelValues(env.Kind.String()).Inc()
}

// InstallFilter 安装故障规则，动作参数非法时返回 ErrInvalidAction
func (r *Router) InstallFilter(rule FaultRule) (RuleID, error) {
	id, err := r.chain.Install(rule)
	if err != nil {
		return 0, err
	}
	r.logger.Debug("fault rule installed", "rule", id, "name", rule.Name, "action", rule.Action.Kind.String())
	return id, nil
}

// install 安装参数固定合法的内置规则
func (r *Router) install(rule FaultRule) RuleID {
	id := r.chain.add(rule)
	r.logger.Debug("fault rule installed", "rule", id, "name", rule.Name, "action", rule.Action.Kind.String())
	return id
}

// RemoveFilter 删除故障规则；已调度的信封不受影响
func (r *Router) RemoveFilter(id RuleID) bool {
	return r.chain.Remove(id)
}

// ClearFilters 删除所有规则，包括隔离规则
func (r *Router) ClearFilters() {
	r.isoMu.Lock()
	r.isolations = make(map[meta.NodeID][]RuleID)
	r.isoMu.Unlock()

	n := r.chain.Clear()
	r.logger.Debug("fault rules cleared", "count", n)
}

// DropBetween 丢弃 a 与 b 之间的信封
func (r *Router) DropBetween(a, b meta.NodeID, bidirectional bool) RuleID {
	match := Link(a, b)
	if bidirectional {
		match = Between(a, b)
	}
	return r.install(FaultRule{Name: "drop-between", Match: match, Action: DropAction()})
}

// Delay 延迟命中的信封，d 不能为负
func (r *Router) Delay(d time.Duration, match Predicate) (RuleID, error) {
	return r.InstallFilter(FaultRule{Name: "delay", Match: match, Action: DelayAction(d)})
}

// Duplicate 为命中的信封额外投递 n 份，n 不能为负
func (r *Router) Duplicate(n int, match Predicate) (RuleID, error) {
	return r.InstallFilter(FaultRule{Name: "duplicate", Match: match, Action: DuplicateAction(n)})
}

// Corrupt 篡改命中的信封
func (r *Router) Corrupt(match Predicate) RuleID {
	return r.install(FaultRule{Name: "corrupt", Match: match, Action: CorruptAction()})
}

// Isolate 切断节点与其他所有数据面节点的通信，包括之后加入的节点
func (r *Router) Isolate(node meta.NodeID) RuleID {
	id := r.install(FaultRule{Name: "isolate-" + node.String(), Match: Involving(node), Action: DropAction()})

	r.isoMu.Lock()
	r.isolations[node] = append(r.isolations[node], id)
	r.isoMu.Unlock()

	r.logger.Info("node isolated", "node", node)
	return id
}

// Heal 删除 Isolate(node) 安装的规则，其他规则保持不变
func (r *Router) Heal(node meta.NodeID) int {
	r.isoMu.Lock()
	ids := r.isolations[node]
	delete(r.isolations, node)
	r.isoMu.Unlock()

	removed := 0
	for _, id := range ids {
		if r.chain.Remove(id) {
			removed++
		}
	}
	r.logger.Info("node healed", "node", node, "rules", removed)
	return removed
}

// HealAll 删除所有隔离规则
func (r *Router) HealAll() int {
	r.isoMu.Lock()
	nodes := make([]meta.NodeID, 0, len(r.isolations))
	for n := range r.isolations {
		nodes = append(nodes, n)
	}
	r.isoMu.Unlock()

	removed := 0
	for _, n := range nodes {
		removed += r.Heal(n)
	}
	return removed
}

// Isolated 节点当前是否被隔离
func (r *Router) Isolated(node meta.NodeID) bool {
	r.isoMu.Lock()
	defer r.isoMu.Unlock()
	return len(r.isolations[node]) > 0
}

// Pending 调度器中尚未投递的信封数
func (r *Router) Pending() int {
	return r.sched.pendingCount()
}

// Close 停止投递，未投递的信封被丢弃
func (r *Router) Close() {
	if !r.closed.CAS(false, true) {
		return
	}
	dropped := r.sched.stop()
	if dropped > 0 {
		r.metrics.Dropped.WithLabelValues(DropReasonClosed).Add(float64(dropped))
	}
}
