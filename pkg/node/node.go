// Package node 模拟集群成员：存储引擎、各共识组副本与按组串行的邮箱
package node

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/raftsim/pkg/config"
	"github.com/lk2023060901/raftsim/pkg/logger"
	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/queue"
	"github.com/lk2023060901/raftsim/pkg/raftstore"
	"github.com/lk2023060901/raftsim/pkg/simnet"
	"github.com/lk2023060901/raftsim/pkg/storage"
)

// ErrInjected 故障点注入的错误
var ErrInjected = errors.New("node: injected failure")

// Network 节点使用的模拟网络
type Network interface {
	simnet.Sender
	Verify(env *simnet.Envelope) bool
}

// mailbox 一个共识组的入站队列
// scheduled 保证同一时刻最多只有一个 worker 在处理该组。
type mailbox struct {
	group     meta.GroupID
	q         *queue.Queue[*simnet.Envelope]
	scheduled atomic.Bool
}

// Node 模拟节点
//
// 节点独占自己的存储引擎与副本，与其它节点之间只通过信封交互。
// Stop 之后磁盘目录保留，Start 重新打开引擎并恢复引擎中记录的全部副本。
type Node struct {
	id      meta.NodeID
	label   string
	dir     string
	cfg     *Config
	raftCfg *raftstore.Config
	net     Network

	logger  logger.Logger
	metrics *Metrics
	emit    raftstore.EventHandler

	failpoints *Failpoints

	// lifeMu 串行化 Start / Stop
	lifeMu  sync.Mutex
	started bool

	// mu 保护以下运行期状态
	mu        sync.RWMutex
	engine    *storage.Engine
	pool      *ants.Pool
	peers     map[meta.GroupID]*raftstore.Peer
	mailboxes map[meta.GroupID]*mailbox

	alive   atomic.Bool
	crashed atomic.Bool
	wg      sync.WaitGroup
}

// Option 节点选项
type Option func(*Node)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithMetrics 设置共享的节点指标
func WithMetrics(m *Metrics) Option {
	return func(n *Node) {
		if m != nil {
			n.metrics = m
		}
	}
}

// WithEventHandler 设置事件回调，回调不得阻塞
func WithEventHandler(h raftstore.EventHandler) Option {
	return func(n *Node) {
		if h != nil {
			n.emit = h
		}
	}
}

// New 创建节点，节点初始为停止状态
func New(id meta.NodeID, dir string, cfg *Config, raftCfg *raftstore.Config, net Network, opts ...Option) (*Node, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "merge node config")
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}
	if raftCfg == nil {
		raftCfg = raftstore.DefaultConfig()
	}

	n := &Node{
		id:         id,
		label:      strconv.FormatUint(uint64(id), 10),
		dir:        dir,
		cfg:        newCfg,
		raftCfg:    raftCfg,
		net:        net,
		logger:     logger.NewNoop(),
		metrics:    NewMetrics(nil),
		emit:       func(raftstore.Event) {},
		failpoints: newFailpoints(),
		peers:      make(map[meta.GroupID]*raftstore.Peer),
		mailboxes:  make(map[meta.GroupID]*mailbox),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.Named("node").WithFields("node", id.String())
	return n, nil
}

// ID 节点 ID
func (n *Node) ID() meta.NodeID { return n.id }

// Dir 节点磁盘目录
func (n *Node) Dir() string { return n.dir }

// Alive 节点是否在接收信封
func (n *Node) Alive() bool { return n.alive.Load() }

// Crashed 节点最近一次停止是否由崩溃引起
func (n *Node) Crashed() bool { return n.crashed.Load() }

// Failpoints 节点的故障点
func (n *Node) Failpoints() *Failpoints { return n.failpoints }

// Start 打开存储引擎并恢复全部副本
func (n *Node) Start() error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()

	if n.started {
		return nil
	}

	engine, err := storage.Open(filepath.Join(n.dir, "engine", "data.db"))
	if err != nil {
		return errors.Wrapf(err, "open engine of %s", n.id)
	}
	engine.SetCommitHook(n.commitHook)

	pool, err := ants.NewPool(n.cfg.PoolSize,
		ants.WithExpiryDuration(n.cfg.PoolExpiry),
		ants.WithNonblocking(true),
		ants.WithPanicHandler(n.onPanic),
		ants.WithLogger(antsLogger{n.logger}),
	)
	if err != nil {
		engine.Close()
		return errors.Wrap(err, "create worker pool")
	}

	n.mu.Lock()
	n.engine = engine
	n.pool = pool
	n.peers = make(map[meta.GroupID]*raftstore.Peer)
	n.mailboxes = make(map[meta.GroupID]*mailbox)
	n.mu.Unlock()

	regions, err := engine.Regions()
	if err != nil {
		n.teardown()
		return err
	}
	for _, region := range regions {
		if !region.Active() || region.LocalPeer == 0 {
			continue
		}
		if err := n.openPeer(region); err != nil {
			n.teardown()
			return err
		}
	}

	n.crashed.Store(false)
	n.started = true
	n.alive.Store(true)
	n.logger.Info("node started", "peers", len(regions))
	return nil
}

// Stop 停止节点
// 之后到达的信封被丢弃，邮箱中未处理的信封不会在重启后重放。
func (n *Node) Stop() error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()

	if !n.started {
		return nil
	}
	n.started = false
	n.alive.Store(false)

	err := n.teardown()
	n.logger.Info("node stopped", "crashed", n.crashed.Load())
	return err
}

// teardown 关闭副本、协程池与引擎
func (n *Node) teardown() error {
	n.mu.Lock()
	peers := n.peers
	mailboxes := n.mailboxes
	pool := n.pool
	engine := n.engine
	n.peers = make(map[meta.GroupID]*raftstore.Peer)
	n.mailboxes = make(map[meta.GroupID]*mailbox)
	n.pool = nil
	n.engine = nil
	n.mu.Unlock()

	for _, mb := range mailboxes {
		mb.q.Close()
	}

	var eg errgroup.Group
	for _, p := range peers {
		eg.Go(p.Close)
	}
	err := eg.Wait()

	n.wg.Wait()

	if pool != nil {
		if perr := pool.ReleaseTimeout(n.cfg.StopTimeout); perr != nil {
			n.logger.Warn("worker pool release timed out", "error", perr)
		}
	}
	if engine != nil {
		if cerr := engine.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// crash 模拟进程崩溃：立即停止接收信封，异步完成停止并上报
func (n *Node) crash(cause error) {
	if !n.crashed.CAS(false, true) {
		return
	}
	n.alive.Store(false)
	n.metrics.Crashes.WithLabelValues(n.label).Inc()
	n.logger.Error("node crashed", "error", cause)

	// 崩溃可能发生在 raft 的 FSM goroutine 中，关闭副本必须在其它 goroutine 完成
	go func() {
		if err := n.Stop(); err != nil {
			n.logger.Warn("stop after crash failed", "error", err)
		}
		n.emit(raftstore.Event{Kind: raftstore.EventNodeCrashed, Node: n.id, Err: cause})
	}()
}

func (n *Node) onPanic(v interface{}) {
	err, ok := v.(error)
	if !ok {
		err = errors.Newf("panic: %v", v)
	}
	n.crash(err)
}

func (n *Node) commitHook() error {
	if n.failpoints.Eval(FailpointStorageAbort) {
		return errors.Wrapf(ErrInjected, "%s on %s", FailpointStorageAbort, n.id)
	}
	return nil
}

// onPeerEvent 处理副本事件后转发给编排层
func (n *Node) onPeerEvent(ev raftstore.Event) {
	switch ev.Kind {
	case raftstore.EventStorageFault:
		n.crash(ev.Err)
	case raftstore.EventSplitApplied:
		if ev.Child != nil {
			child := ev.Child.Clone()
			n.spawn(func() {
				if err := n.CreatePeer(child); err != nil && !errors.Is(err, meta.ErrNodeStopped) {
					n.logger.Warn("open split child failed", "group", child.ID.String(), "error", err)
				}
			})
		}
	}
	n.emit(ev)
}

// spawn 在节点存活期间启动后台任务，Stop 会等待其结束
func (n *Node) spawn(fn func()) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.alive.Load() || n.engine == nil {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

// Deliver 实现 simnet.Endpoint 接口，在 Router 的调度 goroutine 中调用，不阻塞
func (n *Node) Deliver(env *simnet.Envelope) {
	n.metrics.Received.WithLabelValues(n.label).Inc()

	if !n.alive.Load() {
		n.reject(env, RejectStopped)
		return
	}
	if !n.net.Verify(env) {
		n.reject(env, RejectChecksum)
		return
	}

	mb, pool := n.mailbox(env.Group)
	if mb == nil || !mb.q.Push(env) {
		n.reject(env, RejectStopped)
		return
	}
	n.schedule(mb, pool)
}

func (n *Node) reject(env *simnet.Envelope, reason string) {
	n.metrics.Rejected.WithLabelValues(n.label, reason).Inc()
	n.logger.Debug("envelope rejected", "envelope", env.String(), "reason", reason)
}

func (n *Node) mailbox(group meta.GroupID) (*mailbox, *ants.Pool) {
	n.mu.RLock()
	mb, ok := n.mailboxes[group]
	pool := n.pool
	n.mu.RUnlock()
	if ok {
		return mb, pool
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pool == nil {
		return nil, nil
	}
	if mb, ok = n.mailboxes[group]; !ok {
		mb = &mailbox{group: group, q: queue.New[*simnet.Envelope]()}
		n.mailboxes[group] = mb
	}
	return mb, n.pool
}

// schedule 在 Router 的调度 goroutine 中执行，不能阻塞
// 协程池满时改由独立 goroutine 处理该邮箱。
func (n *Node) schedule(mb *mailbox, pool *ants.Pool) {
	if pool == nil || !mb.scheduled.CAS(false, true) {
		return
	}
	err := pool.Submit(func() { n.drain(mb) })
	if err == nil {
		return
	}
	if errors.Is(err, ants.ErrPoolOverload) && n.spawn(func() { n.drainSpilled(mb) }) {
		n.metrics.Spilled.WithLabelValues(n.label).Inc()
		return
	}
	mb.scheduled.Store(false)
	n.logger.Warn("submit mailbox drain failed", "group", mb.group.String(), "error", err)
}

func (n *Node) drainSpilled(mb *mailbox) {
	defer func() {
		if v := recover(); v != nil {
			n.onPanic(v)
		}
	}()
	n.drain(mb)
}

// drain 逐条处理邮箱，节点停止后立即退出
func (n *Node) drain(mb *mailbox) {
	for {
		for {
			if !n.alive.Load() {
				return
			}
			env, ok := mb.q.Pop()
			if !ok {
				break
			}
			n.apply(env)
		}

		mb.scheduled.Store(false)
		if mb.q.Len() == 0 || !mb.scheduled.CAS(false, true) {
			return
		}
	}
}

// apply 将信封交给对应副本，节点本身不解析 raft 内容
func (n *Node) apply(env *simnet.Envelope) {
	if n.failpoints.Eval(FailpointApplyPanic) {
		panic(errors.Wrapf(ErrInjected, "%s on %s while applying %s", FailpointApplyPanic, n.id, env))
	}

	peer, ok := n.Peer(env.Group)
	if !ok {
		n.reject(env, RejectNoPeer)
		return
	}
	n.metrics.Applied.WithLabelValues(n.label).Inc()

	if env.Kind == simnet.KindAdmin {
		n.handleAdmin(peer, env)
		return
	}
	if err := peer.Transport().HandleEnvelope(env); err != nil && !errors.Is(err, raftstore.ErrTransportClosed) {
		n.logger.Debug("handle envelope failed", "envelope", env.String(), "error", err)
	}
}

// handleAdmin 只有 Leader 执行管理命令；执行会等待日志提交，因此不能占用邮箱
func (n *Node) handleAdmin(peer *raftstore.Peer, env *simnet.Envelope) {
	var cmd simnet.AdminCommand
	if err := env.Decode(&cmd); err != nil {
		n.logger.Warn("decode admin command failed", "error", err)
		return
	}
	if !peer.IsLeader() {
		return
	}

	n.spawn(func() {
		result := "ok"
		if err := peer.ExecuteAdmin(&cmd); err != nil {
			result = "error"
			n.logger.Warn("admin command failed", "group", env.Group.String(), "op", cmd.Op.String(), "error", err)
		} else {
			n.logger.Info("admin command executed", "group", env.Group.String(), "op", cmd.Op.String())
		}
		n.metrics.Admin.WithLabelValues(n.label, cmd.Op.String(), result).Inc()
	})
}

// CreatePeer 在本节点创建副本
//
// 引擎中已有该区域时沿用引擎中的元数据（例如分裂时已写入的子区域），否则写入 region。
// 副本已存在时直接返回。
func (n *Node) CreatePeer(region *storage.RegionMeta) error {
	n.mu.RLock()
	engine := n.engine
	_, exists := n.peers[region.ID]
	n.mu.RUnlock()

	if engine == nil || !n.alive.Load() {
		return errors.Wrapf(meta.ErrNodeStopped, "%s", n.id)
	}
	if exists {
		return nil
	}

	local, ok, err := engine.Region(region.ID)
	if err != nil {
		return err
	}
	if !ok || !local.Active() {
		local = region.Clone()
		if err := engine.SaveRegion(local); err != nil {
			return errors.Wrapf(err, "save region %s", region.ID)
		}
	}
	return n.openPeer(local)
}

func (n *Node) openPeer(region *storage.RegionMeta) error {
	n.mu.RLock()
	engine := n.engine
	n.mu.RUnlock()
	if engine == nil {
		return errors.Wrapf(meta.ErrNodeStopped, "%s", n.id)
	}

	p, err := raftstore.NewPeer(n.raftCfg, n.id, region, engine, n.net, n.peerDir(region.ID),
		raftstore.WithLogger(n.logger),
		raftstore.WithEventHandler(n.onPeerEvent),
	)
	if err != nil {
		return errors.Wrapf(err, "open peer of %s", region.ID)
	}

	n.mu.Lock()
	if _, dup := n.peers[region.ID]; dup || n.engine == nil {
		n.mu.Unlock()
		p.Close()
		return nil
	}
	n.peers[region.ID] = p
	n.mu.Unlock()

	n.logger.Info("peer opened", "group", region.ID.String(), "peer", region.LocalPeer.String(), "state", region.State.String())
	return nil
}

func (n *Node) peerDir(group meta.GroupID) string {
	return filepath.Join(n.dir, "raft", group.String())
}

// DestroyPeer 销毁副本及其 raft 数据，并删除区域元数据
// clearData 为真时同时删除区域内不属于其它区域的数据。
func (n *Node) DestroyPeer(group meta.GroupID, clearData bool) error {
	n.mu.Lock()
	engine := n.engine
	p, ok := n.peers[group]
	delete(n.peers, group)
	if mb, found := n.mailboxes[group]; found {
		mb.q.Close()
		delete(n.mailboxes, group)
	}
	n.mu.Unlock()

	if engine == nil {
		return errors.Wrapf(meta.ErrNodeStopped, "%s", n.id)
	}
	if ok {
		if err := p.Destroy(); err != nil {
			return errors.Wrapf(err, "destroy peer of %s", group)
		}
	}
	if err := engine.DeleteRegion(group, clearData); err != nil {
		return errors.Wrapf(err, "delete region %s", group)
	}
	n.logger.Info("peer destroyed", "group", group.String(), "clear_data", clearData)
	return nil
}

// Peer 返回本节点上某个组的副本
func (n *Node) Peer(group meta.GroupID) (*raftstore.Peer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.peers[group]
	return p, ok
}

// Groups 本节点上副本所属的组，升序
func (n *Node) Groups() []meta.GroupID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]meta.GroupID, 0, len(n.peers))
	for g := range n.peers {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (n *Node) livePeer(group meta.GroupID) (*raftstore.Peer, error) {
	if !n.alive.Load() {
		return nil, errors.Wrapf(meta.ErrNodeStopped, "%s", n.id)
	}
	p, ok := n.Peer(group)
	if !ok {
		return nil, errors.Wrapf(meta.ErrGroupNotFound, "%s on %s", group, n.id)
	}
	return p, nil
}

// IsLeader 本节点上的副本是否是组的 Leader
func (n *Node) IsLeader(group meta.GroupID) bool {
	p, err := n.livePeer(group)
	return err == nil && p.IsLeader()
}

// Propose 经本节点的 Leader 副本提交命令
func (n *Node) Propose(group meta.GroupID, cmd *raftstore.Command) (*raftstore.ApplyResult, error) {
	p, err := n.livePeer(group)
	if err != nil {
		return nil, err
	}
	return p.Propose(cmd)
}

// Put 写入键值
func (n *Node) Put(group meta.GroupID, key, value []byte) error {
	p, err := n.livePeer(group)
	if err != nil {
		return err
	}
	return p.Put(key, value)
}

// Delete 删除键
func (n *Node) Delete(group meta.GroupID, key []byte) error {
	p, err := n.livePeer(group)
	if err != nil {
		return err
	}
	return p.Delete(key)
}

// Get 经 Leader 读取
func (n *Node) Get(group meta.GroupID, key []byte) ([]byte, error) {
	p, err := n.livePeer(group)
	if err != nil {
		return nil, err
	}
	return p.Read(key)
}

// LocalGet 直接读取本地引擎，不经过共识
func (n *Node) LocalGet(key []byte) ([]byte, error) {
	n.mu.RLock()
	engine := n.engine
	n.mu.RUnlock()
	if engine == nil || !n.alive.Load() {
		return nil, errors.Wrapf(meta.ErrNodeStopped, "%s", n.id)
	}
	return engine.Get(key)
}

// Region 本地持久化的区域元数据
func (n *Node) Region(group meta.GroupID) (*storage.RegionMeta, error) {
	n.mu.RLock()
	engine := n.engine
	n.mu.RUnlock()
	if engine == nil || !n.alive.Load() {
		return nil, errors.Wrapf(meta.ErrNodeStopped, "%s", n.id)
	}
	region, ok, err := engine.Region(group)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(meta.ErrGroupNotFound, "%s on %s", group, n.id)
	}
	return region, nil
}

// AppliedIndex 组在本节点上已应用的日志索引
func (n *Node) AppliedIndex(group meta.GroupID) uint64 {
	region, err := n.Region(group)
	if err != nil {
		return 0
	}
	return region.AppliedIndex
}

// String 返回可读表示
func (n *Node) String() string {
	return fmt.Sprintf("%s(alive=%t groups=%d)", n.id, n.alive.Load(), len(n.Groups()))
}

// antsLogger 将协程池的日志接入节点日志
type antsLogger struct {
	l logger.Logger
}

func (a antsLogger) Printf(format string, args ...interface{}) {
	a.l.Warn(fmt.Sprintf(format, args...))
}
