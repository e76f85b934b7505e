// Package cluster 模拟集群的编排层
//
// Cluster 持有模拟网络、全部节点与元数据替身，是元数据替身的唯一写者。
// 节点上报的事件进入无界队列，由单独的 goroutine 按到达顺序处理，节点从不阻塞在编排层上。
package cluster

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/raftsim/pkg/config"
	"github.com/lk2023060901/raftsim/pkg/logger"
	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/node"
	"github.com/lk2023060901/raftsim/pkg/pd"
	"github.com/lk2023060901/raftsim/pkg/queue"
	"github.com/lk2023060901/raftsim/pkg/raftstore"
	"github.com/lk2023060901/raftsim/pkg/simnet"
	"github.com/lk2023060901/raftsim/pkg/storage"
)

// BootstrapGroup 引导时创建的覆盖整个键空间的组
const BootstrapGroup meta.GroupID = 1

// Cluster 模拟集群
type Cluster struct {
	id      uuid.UUID
	cfg     *Config
	dataDir string
	ownDir  bool

	logger      logger.Logger
	reg         *prometheus.Registry
	clock       clockwork.Clock
	metrics     *Metrics
	nodeMetrics *node.Metrics

	router *simnet.Router
	pd     *pd.PD
	token  pd.Token

	// opMu 串行化管理操作与事件处理
	opMu sync.Mutex

	mu           sync.RWMutex
	nodes        map[meta.NodeID]*node.Node
	pending      map[meta.GroupID]*pendingOp
	seeding      map[meta.GroupID]struct{}
	lastNode     meta.NodeID
	lastGroup    meta.GroupID
	bootstrapped bool

	lastPeer atomic.Uint64

	events *queue.Queue[raftstore.Event]
	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option 集群选项
type Option func(*Cluster)

// WithLogger 设置日志，未设置时按配置创建
func WithLogger(l logger.Logger) Option {
	return func(c *Cluster) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRegistry 设置指标注册表
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *Cluster) {
		if reg != nil {
			c.reg = reg
		}
	}
}

// WithClock 设置模拟网络延迟调度使用的时钟
func WithClock(clock clockwork.Clock) Option {
	return func(c *Cluster) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New 创建空集群，调用 Bootstrap 后才有节点
func New(cfg *Config, opts ...Option) (*Cluster, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "merge cluster config")
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cluster{
		id:      uuid.New(),
		cfg:     newCfg,
		clock:   clockwork.NewRealClock(),
		nodes:   make(map[meta.NodeID]*node.Node),
		pending: make(map[meta.GroupID]*pendingOp),
		seeding: make(map[meta.GroupID]struct{}),
		events:  queue.New[raftstore.Event](),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		l, err := logger.New(newCfg.Log)
		if err != nil {
			return nil, errors.Wrap(err, "create logger")
		}
		c.logger = l
	}
	c.logger = c.logger.Named("cluster").WithFields("cluster", c.id.String())

	if c.reg == nil {
		c.reg = prometheus.NewRegistry()
	}
	c.metrics = NewMetrics(c.reg)
	c.nodeMetrics = node.NewMetrics(c.reg)

	c.dataDir = newCfg.DataDir
	if c.dataDir == "" {
		c.dataDir = filepath.Join(os.TempDir(), "raftsim-"+c.id.String())
		c.ownDir = true
	}
	if err := os.MkdirAll(c.dataDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", c.dataDir)
	}

	c.router, err = simnet.NewRouter(newCfg.Network,
		simnet.WithLogger(c.logger),
		simnet.WithClock(c.clock),
		simnet.WithRegisterer(c.reg),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create router")
	}

	c.pd = pd.New()
	c.token, err = c.pd.ClaimWriter()
	if err != nil {
		c.router.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.loop()

	c.logger.Info("cluster created", "data_dir", c.dataDir)
	return c, nil
}

// ID 集群 ID
func (c *Cluster) ID() uuid.UUID { return c.id }

// PD 元数据替身，调用方只能读
func (c *Cluster) PD() *pd.PD { return c.pd }

// Router 模拟网络
func (c *Cluster) Router() *simnet.Router { return c.router }

// Registry 指标注册表
func (c *Cluster) Registry() *prometheus.Registry { return c.reg }

// Metrics 编排层指标
func (c *Cluster) Metrics() *Metrics { return c.metrics }

// DataDir 节点磁盘的父目录
func (c *Cluster) DataDir() string { return c.dataDir }

// Node 返回节点，包括已停止的节点
func (c *Cluster) Node(id meta.NodeID) (*node.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok
}

// Nodes 所有未被移除的节点 ID，升序
func (c *Cluster) Nodes() []meta.NodeID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]meta.NodeID, 0, len(c.nodes))
	for id := range c.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Cluster) mustNode(id meta.NodeID) (*node.Node, error) {
	n, ok := c.Node(id)
	if !ok {
		return nil, errors.Wrapf(meta.ErrNodeNotFound, "%s", id)
	}
	return n, nil
}

func (c *Cluster) allocPeer() meta.PeerID {
	return meta.PeerID(c.lastPeer.Inc())
}

// allocGroup 分配新的组 ID，调用方持有 opMu
func (c *Cluster) allocGroup() meta.GroupID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if top := c.pd.MaxGroupID(); top > c.lastGroup {
		c.lastGroup = top
	}
	c.lastGroup++
	return c.lastGroup
}

// spawn 启动受 Close 等待的后台任务
func (c *Cluster) spawn(fn func()) {
	if c.closed.Load() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Bootstrap 创建 n 个节点，并以 replicas 个副本轮询放置引导组
// 返回时引导组的副本已经创建，Leader 选举异步进行，可用 WaitUntil(LeaderElected) 等待。
func (c *Cluster) Bootstrap(ctx context.Context, n, replicas int) (err error) {
	defer func() { c.metrics.observe("bootstrap", err) }()

	if n < 1 || replicas < 1 || replicas > n {
		return errors.Wrapf(meta.ErrTopology, "cannot place %d replicas on %d nodes", replicas, n)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	done := c.bootstrapped
	c.mu.RUnlock()
	if done {
		return errors.Wrap(meta.ErrInvalidState, "cluster already bootstrapped")
	}

	ids := make([]meta.NodeID, n)
	for i := range ids {
		ids[i] = c.allocNode()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return c.startNewNode(id)
		})
	}
	if err := g.Wait(); err != nil {
		c.discardNodes(ids)
		return err
	}

	peers := c.place(ids, replicas, 0)
	if err := c.pd.PutGroup(c.token, &pd.GroupInfo{
		ID:       BootstrapGroup,
		Range:    meta.FullRange(),
		Epoch:    1,
		Peers:    peers,
		Replicas: replicas,
		State:    meta.GroupUnbootstrapped,
	}); err != nil {
		return err
	}
	c.updateGroupGauge()

	region := &storage.RegionMeta{
		ID:        BootstrapGroup,
		Range:     meta.FullRange(),
		Version:   1,
		Peers:     peers,
		Bootstrap: true,
	}
	for _, p := range peers {
		nd, err := c.mustNode(p.Node)
		if err != nil {
			return err
		}
		local := region.Clone()
		local.LocalPeer = p.ID
		if err := nd.CreatePeer(local); err != nil {
			return errors.Wrapf(err, "create %s on %s", p.ID, p.Node)
		}
	}

	c.mu.Lock()
	c.bootstrapped = true
	c.mu.Unlock()

	c.logger.Info("cluster bootstrapped", "nodes", n, "replicas", replicas)
	return nil
}

// place 从 offset 开始在节点上轮询放置 replicas 个副本
func (c *Cluster) place(nodes []meta.NodeID, replicas, offset int) []meta.Peer {
	peers := make([]meta.Peer, 0, replicas)
	for i := 0; i < replicas; i++ {
		peers = append(peers, meta.Peer{ID: c.allocPeer(), Node: nodes[(offset+i)%len(nodes)]})
	}
	return peers
}

func (c *Cluster) allocNode() meta.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastNode++
	return c.lastNode
}

// discardNodes 撤销一批未完成启动的节点，并归还它们的 ID
// ids 必须是最近连续分配的，调用方持有 opMu。
func (c *Cluster) discardNodes(ids []meta.NodeID) {
	for _, id := range ids {
		c.mu.Lock()
		nd, ok := c.nodes[id]
		delete(c.nodes, id)
		c.mu.Unlock()
		if !ok {
			continue
		}
		if err := nd.Stop(); err != nil {
			c.logger.Warn("stop discarded node failed", "node", id.String(), "error", err)
		}
		c.router.Unregister(id)
		if err := c.pd.RemoveNode(c.token, id); err != nil && !errors.Is(err, meta.ErrNodeNotFound) {
			c.logger.Warn("unregister discarded node failed", "node", id.String(), "error", err)
		}
	}

	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	if c.lastNode == ids[len(ids)-1] {
		c.lastNode = ids[0] - 1
	}
	c.mu.Unlock()
}

// startNewNode 创建、注册并启动节点
func (c *Cluster) startNewNode(id meta.NodeID) error {
	nd, err := node.New(id, filepath.Join(c.dataDir, id.String()), c.cfg.Node, c.cfg.Raft, c.router,
		node.WithLogger(c.logger),
		node.WithMetrics(c.nodeMetrics),
		node.WithEventHandler(c.onEvent),
	)
	if err != nil {
		return err
	}

	c.router.Register(id, nd)
	if err := nd.Start(); err != nil {
		c.router.Unregister(id)
		return errors.Wrapf(err, "start %s", id)
	}

	c.mu.Lock()
	c.nodes[id] = nd
	c.mu.Unlock()
	return c.pd.PutNode(c.token, pd.NodeInfo{ID: id, Up: true})
}

// AddNode 加入一个不承载任何副本的新节点
func (c *Cluster) AddNode(ctx context.Context) (id meta.NodeID, err error) {
	defer func() { c.metrics.observe("add_node", err) }()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	id = c.allocNode()
	if err := c.startNewNode(id); err != nil {
		return 0, err
	}
	c.logger.Info("node added", "node", id.String())
	return id, nil
}

// RemoveNode 永久移除节点及其磁盘
// 节点上仍有副本时需要 force；强制移除后相关组的副本数不足，由调用方决定是否补齐。
func (c *Cluster) RemoveNode(ctx context.Context, id meta.NodeID, force bool) (err error) {
	defer func() { c.metrics.observe("remove_node", err) }()
	if err := ctx.Err(); err != nil {
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	nd, err := c.mustNode(id)
	if err != nil {
		return err
	}
	groups := c.pd.GroupsOnNode(id)
	if len(groups) > 0 && !force {
		return errors.Wrapf(meta.ErrInvalidState, "%s still hosts %d groups", id, len(groups))
	}

	for _, gid := range groups {
		err := c.pd.UpdateGroup(c.token, gid, func(g *pd.GroupInfo) error {
			if leader, ok := peerByID(g.Peers, g.Leader); ok && leader.Node == id {
				g.Leader = 0
			}
			g.Peers = dropNode(g.Peers, id)
			g.TentativePeers = dropNode(g.TentativePeers, id)
			return nil
		})
		if err != nil {
			return err
		}
	}

	if err := nd.Stop(); err != nil {
		c.logger.Warn("stop removed node failed", "node", id.String(), "error", err)
	}
	c.router.Unregister(id)

	c.mu.Lock()
	delete(c.nodes, id)
	c.mu.Unlock()

	if err := c.pd.RemoveNode(c.token, id); err != nil {
		return err
	}
	if err := os.RemoveAll(nd.Dir()); err != nil {
		return errors.Wrapf(err, "remove disk of %s", id)
	}
	c.logger.Info("node removed", "node", id.String(), "groups", len(groups), "force", force)
	return nil
}

// StopNode 模拟节点宕机，磁盘保留
func (c *Cluster) StopNode(id meta.NodeID) (err error) {
	defer func() { c.metrics.observe("stop_node", err) }()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	nd, err := c.mustNode(id)
	if err != nil {
		return err
	}
	if err := c.pd.SetNodeUp(c.token, id, false); err != nil {
		return err
	}
	return nd.Stop()
}

// StartNode 重启节点，并清理重启期间已经不属于它的副本
func (c *Cluster) StartNode(id meta.NodeID) (err error) {
	defer func() { c.metrics.observe("start_node", err) }()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	nd, err := c.mustNode(id)
	if err != nil {
		return err
	}
	if err := nd.Start(); err != nil {
		return err
	}
	if err := c.pd.SetNodeUp(c.token, id, true); err != nil {
		return err
	}
	c.reconcile(nd)
	return nil
}

// reconcile 销毁节点上已退役或已被移出的组的副本
func (c *Cluster) reconcile(nd *node.Node) {
	for _, gid := range nd.Groups() {
		if c.hosts(gid, nd.ID()) {
			continue
		}
		c.destroyPeer(nd, gid)
	}
}

// hosts 元数据替身是否认为节点承载组的副本
func (c *Cluster) hosts(gid meta.GroupID, id meta.NodeID) bool {
	g, ok := c.pd.Group(gid)
	if !ok {
		// 分裂刚提交、尚未登记的子组
		return true
	}
	if g.State == meta.GroupRetired {
		return false
	}
	_, inPeers := meta.PeerOnNode(g.Peers, id)
	_, inTentative := meta.PeerOnNode(g.TentativePeers, id)
	return inPeers || inTentative
}

func (c *Cluster) destroyPeer(nd *node.Node, gid meta.GroupID) {
	c.spawn(func() {
		if err := nd.DestroyPeer(gid, true); err != nil && !errors.Is(err, meta.ErrNodeStopped) {
			c.logger.Warn("destroy peer failed", "node", nd.ID().String(), "group", gid.String(), "error", err)
		}
	})
}

func (c *Cluster) updateGroupGauge() {
	c.metrics.Groups.Set(float64(len(c.pd.ActiveGroups())))
}

// Close 停止所有节点与模拟网络
func (c *Cluster) Close() error {
	if !c.closed.CAS(false, true) {
		return nil
	}

	c.mu.RLock()
	nodes := make([]*node.Node, 0, len(c.nodes))
	for _, nd := range c.nodes {
		nodes = append(nodes, nd)
	}
	c.mu.RUnlock()

	var g errgroup.Group
	for _, nd := range nodes {
		nd := nd
		g.Go(nd.Stop)
	}
	err := g.Wait()

	close(c.stopCh)
	c.wg.Wait()
	c.events.Close()
	c.router.Close()

	if c.ownDir {
		if rmErr := os.RemoveAll(c.dataDir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	c.logger.Info("cluster closed")
	return err
}

func peerByID(peers []meta.Peer, id meta.PeerID) (meta.Peer, bool) {
	for _, p := range peers {
		if p.ID == id {
			return p, true
		}
	}
	return meta.Peer{}, false
}

func dropNode(peers []meta.Peer, id meta.NodeID) []meta.Peer {
	if peers == nil {
		return nil
	}
	out := make([]meta.Peer, 0, len(peers))
	for _, p := range peers {
		if p.Node != id {
			out = append(out, p)
		}
	}
	return out
}
