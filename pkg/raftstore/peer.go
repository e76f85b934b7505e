// Package raftstore 单个共识组副本：hashicorp/raft 实例、区域状态机与模拟网络传输
package raftstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-raftchunking"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"go.uber.org/atomic"

	"github.com/lk2023060901/raftsim/pkg/config"
	"github.com/lk2023060901/raftsim/pkg/logger"
	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/simnet"
	"github.com/lk2023060901/raftsim/pkg/storage"
)

// Peer 节点上的一个共识组副本
type Peer struct {
	cfg   *Config
	node  meta.NodeID
	group meta.GroupID
	id    meta.PeerID
	dir   string

	engine *storage.Engine
	fsm    *regionFSM

	// ChunkingFSM 包装器（用于处理大数据分片）
	chunker *chunkingFSM

	raft      *raft.Raft
	boltStore *raftboltdb.BoltStore
	snapshots raft.SnapshotStore
	transport *Transport
	out       simnet.Sender

	observer *raft.Observer
	obsCh    chan raft.Observation

	logger   logger.Logger
	hcLogger hclog.Logger
	emit     EventHandler

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option 副本选项
type Option func(*Peer)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(p *Peer) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithEventHandler 设置事件回调
func WithEventHandler(h EventHandler) Option {
	return func(p *Peer) {
		if h != nil {
			p.emit = h
		}
	}
}

// NewPeer 打开或创建副本
//
// region 必须已写入 engine。Bootstrap 为真且磁盘上没有 raft 状态时，
// 以 region.Peers 作为初始配置引导；否则等待 Leader 的日志或快照。
func NewPeer(cfg *Config, node meta.NodeID, region *storage.RegionMeta, engine *storage.Engine, sender simnet.Sender, dir string, opts ...Option) (*Peer, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "merge raft config")
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}
	if region.LocalPeer == 0 {
		return nil, errors.Wrapf(meta.ErrPeerNotFound, "%s has no local peer on %s", region.ID, node)
	}

	p := &Peer{
		cfg:    newCfg,
		node:   node,
		group:  region.ID,
		id:     region.LocalPeer,
		dir:    dir,
		engine: engine,
		out:    sender,
		logger: logger.NewNoop(),
		emit:   func(Event) {},
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithFields("group", p.group.String(), "peer", p.id.String())

	if err := p.setup(region); err != nil {
		return nil, err
	}
	return p, nil
}

// setup 初始化存储、传输与 raft 实例
func (p *Peer) setup(region *storage.RegionMeta) error {
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return errors.Wrap(err, "create peer dir")
	}

	p.hcLogger = logger.NewHclog(p.logger, "raft", logger.Level(p.cfg.LogLevel))

	// BoltDB 同时用于 LogStore 和 StableStore
	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(p.dir, "raft.db"))
	if err != nil {
		return errors.Wrap(err, "create bolt store")
	}
	p.boltStore = boltStore

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(p.dir, p.cfg.SnapshotRetain, p.hcLogger.Named("snapshot"))
	if err != nil {
		boltStore.Close()
		return errors.Wrap(err, "create snapshot store")
	}
	p.snapshots = snapshots

	transport, err := NewTransport(p.node, p.group, p.out, p.cfg, p.logger.Named("transport"))
	if err != nil {
		boltStore.Close()
		return err
	}
	p.transport = transport

	p.fsm = newRegionFSM(p.node, p.group, p.id, p.engine, p.cfg, p.emit, p.logger.Named("fsm"))
	p.chunker = newChunkingFSM(p.fsm)

	raftCfg := p.cfg.ToRaftConfig(ServerID(p.id))
	raftCfg.Logger = p.hcLogger

	if region.Bootstrap {
		hasState, err := raft.HasExistingState(boltStore, boltStore, snapshots)
		if err != nil {
			transport.Close()
			boltStore.Close()
			return errors.Wrap(err, "check existing state")
		}
		if !hasState {
			err := raft.BootstrapCluster(raftCfg, boltStore, boltStore, snapshots, transport, ConfigurationFromPeers(region.Peers))
			if err != nil {
				transport.Close()
				boltStore.Close()
				return errors.Wrap(err, "bootstrap cluster")
			}
			p.logger.Info("peer bootstrapped", "peers", len(region.Peers))
		}
	}

	r, err := raft.NewRaft(raftCfg, p.chunker, boltStore, boltStore, snapshots, transport)
	if err != nil {
		transport.Close()
		boltStore.Close()
		return errors.Wrap(err, "create raft")
	}
	p.raft = r

	p.obsCh = make(chan raft.Observation, 16)
	p.observer = raft.NewObserver(p.obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	r.RegisterObserver(p.observer)

	p.wg.Add(1)
	go p.watchLeadership()

	return nil
}

// watchLeadership 监听 Leader 变化并上报
func (p *Peer) watchLeadership() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case o := <-p.obsCh:
			lo, ok := o.Data.(raft.LeaderObservation)
			if !ok {
				continue
			}
			p.onLeaderChange(lo)
		}
	}
}

func (p *Peer) onLeaderChange(lo raft.LeaderObservation) {
	leader, _ := meta.ParsePeerID(string(lo.LeaderID))
	isLeader := leader == p.id && p.IsLeader()

	p.emit(Event{
		Kind:     EventLeaderChanged,
		Node:     p.node,
		Group:    p.group,
		Peer:     p.id,
		IsLeader: isLeader,
		Leader:   leader,
		Term:     p.Term(),
	})

	if !isLeader {
		return
	}
	p.logger.Info("became leader", "term", p.Term())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.afterElected()
	}()
}

// afterElected 新 Leader 处理等待继承数据的区域
// 持有继承数据的副本提交 ingest；没有数据的副本让出 Leader。
func (p *Peer) afterElected() {
	region, ok, err := p.engine.Region(p.group)
	if err != nil || !ok || region.State != storage.RegionPendingIngest {
		return
	}

	if !region.Seeded {
		p.logger.Info("unseeded leader of pending region, transferring leadership")
		if err := p.raft.LeadershipTransfer().Error(); err != nil {
			p.logger.Warn("leadership transfer failed", "error", err)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if !p.IsLeader() {
			return struct{}{}, backoff.Permanent(meta.ErrNotLeader)
		}
		return struct{}{}, p.proposeIngest()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(10*p.cfg.ApplyTimeout))
	if err != nil && !errors.Is(err, meta.ErrNotLeader) && !errors.Is(err, context.Canceled) {
		p.logger.Warn("ingest proposal failed", "error", err)
	}
}

func (p *Peer) proposeIngest() error {
	if err := p.raft.Barrier(p.cfg.ApplyTimeout).Error(); err != nil {
		return translateRaftError(err)
	}

	region, ok, err := p.engine.Region(p.group)
	if err != nil {
		return err
	}
	if !ok || region.State != storage.RegionPendingIngest {
		return nil
	}
	kvs, err := p.engine.Scan(region.Range)
	if err != nil {
		return err
	}

	_, err = p.Propose(&Command{Type: CommandIngest, Data: kvs})
	if err == nil {
		p.logger.Info("ingest committed", "keys", len(kvs))
	}
	return err
}

// ID 副本 ID
func (p *Peer) ID() meta.PeerID { return p.id }

// Group 所属共识组
func (p *Peer) Group() meta.GroupID { return p.group }

// Node 所在节点
func (p *Peer) Node() meta.NodeID { return p.node }

// Dir 副本数据目录
func (p *Peer) Dir() string { return p.dir }

// Transport 副本的模拟传输
func (p *Peer) Transport() *Transport { return p.transport }

// Closed 副本是否已关闭
func (p *Peer) Closed() bool { return p.closed.Load() }

// Halted 状态机是否因存储故障停止
func (p *Peer) Halted() bool { return p.fsm.Halted() }

// State 返回 raft 状态
func (p *Peer) State() raft.RaftState {
	if p.closed.Load() {
		return raft.Shutdown
	}
	return p.raft.State()
}

// IsLeader 是否是 Leader
func (p *Peer) IsLeader() bool {
	return p.State() == raft.Leader
}

// Leader 返回本副本视角下的 Leader
func (p *Peer) Leader() (meta.Peer, bool) {
	addr, id := p.raft.LeaderWithID()
	if id == "" {
		return meta.Peer{}, false
	}
	peerID, err := meta.ParsePeerID(string(id))
	if err != nil {
		return meta.Peer{}, false
	}
	node, err := meta.ParseNodeAddr(string(addr))
	if err != nil {
		return meta.Peer{}, false
	}
	return meta.Peer{ID: peerID, Node: node}, true
}

// Term 当前任期
func (p *Peer) Term() uint64 {
	return p.raft.CurrentTerm()
}

// LastIndex 返回最后的日志索引
func (p *Peer) LastIndex() uint64 {
	return p.raft.LastIndex()
}

// AppliedIndex 区域已应用到存储的日志索引
func (p *Peer) AppliedIndex() uint64 {
	region, ok, err := p.engine.Region(p.group)
	if err != nil || !ok {
		return 0
	}
	return region.AppliedIndex
}

// Region 读取区域元数据
func (p *Peer) Region() (*storage.RegionMeta, error) {
	region, ok, err := p.engine.Region(p.group)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(meta.ErrGroupNotFound, "%s on %s", p.group, p.node)
	}
	return region, nil
}

// Stats 返回 Raft 统计信息
func (p *Peer) Stats() map[string]string {
	return p.raft.Stats()
}

// Configuration 返回当前成员配置
func (p *Peer) Configuration() ([]meta.Peer, error) {
	future := p.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, translateRaftError(err)
	}
	return PeersFromConfiguration(future.Configuration()), nil
}

// Snapshot 手动触发快照
func (p *Peer) Snapshot() error {
	return p.raft.Snapshot().Error()
}

// Propose 提交命令并等待应用结果
// 超过单条日志上限的命令由 raftchunking 自动分片。
func (p *Peer) Propose(cmd *Command) (*ApplyResult, error) {
	if p.closed.Load() {
		return nil, ErrPeerClosed
	}
	if !p.IsLeader() {
		return nil, errors.Wrapf(meta.ErrNotLeader, "%s on %s", p.group, p.node)
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "encode command")
	}

	applyFunc := func(l raft.Log, t time.Duration) raft.ApplyFuture {
		return p.raft.ApplyLog(l, t)
	}
	future := raftchunking.ChunkingApply(data, nil, p.cfg.ApplyTimeout, applyFunc)
	if err := future.Error(); err != nil {
		return nil, translateRaftError(err)
	}

	resp := future.Response()
	if cs, ok := resp.(raftchunking.ChunkingSuccess); ok {
		resp = cs.Response
	}
	res, ok := resp.(*ApplyResult)
	if !ok {
		return nil, errors.Newf("raftstore: unexpected apply response %T", resp)
	}
	return res, res.Err
}

// Put 写入键值
func (p *Peer) Put(key, value []byte) error {
	_, err := p.Propose(&Command{Type: CommandPut, Key: key, Value: value})
	return err
}

// Delete 删除键
func (p *Peer) Delete(key []byte) error {
	_, err := p.Propose(&Command{Type: CommandDelete, Key: key})
	return err
}

// Read 在 Leader 上读取 key
func (p *Peer) Read(key []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPeerClosed
	}
	if !p.IsLeader() {
		return nil, errors.Wrapf(meta.ErrNotLeader, "%s on %s", p.group, p.node)
	}
	if err := p.raft.VerifyLeader().Error(); err != nil {
		return nil, translateRaftError(err)
	}

	region, err := p.Region()
	if err != nil {
		return nil, err
	}
	if region.State == storage.RegionPendingIngest {
		return nil, errors.Wrapf(ErrRegionFrozen, "%s is %s", region.ID, region.State)
	}
	if !region.Active() || !region.Range.Contains(key) {
		return nil, errors.Wrapf(meta.ErrKeyNotInRange, "key %q not in %s %s", key, region.ID, region.Range)
	}
	return p.engine.Get(key)
}

// TransferLeadership 转移 Leader；target 为零值时由 raft 选择目标
func (p *Peer) TransferLeadership(target meta.Peer) error {
	var future raft.Future
	if target.ID == 0 {
		future = p.raft.LeadershipTransfer()
	} else {
		future = p.raft.LeadershipTransferToServer(ServerID(target.ID), ServerAddress(target.Node))
	}
	return translateRaftError(future.Error())
}

// ChangeMembership 依次执行成员增删，每一步单独提交
func (p *Peer) ChangeMembership(add, remove []meta.Peer) error {
	for _, a := range add {
		future := p.raft.AddVoter(ServerID(a.ID), ServerAddress(a.Node), 0, p.cfg.ApplyTimeout)
		if err := future.Error(); err != nil {
			return errors.Wrapf(translateRaftError(err), "add %s", a.ID)
		}
	}
	for _, r := range remove {
		future := p.raft.RemoveServer(ServerID(r.ID), 0, p.cfg.ApplyTimeout)
		if err := future.Error(); err != nil {
			return errors.Wrapf(translateRaftError(err), "remove %s", r.ID)
		}
	}
	return nil
}

// ExecuteAdmin 执行管理命令，调用方保证本副本是 Leader
func (p *Peer) ExecuteAdmin(cmd *simnet.AdminCommand) error {
	switch cmd.Op {
	case simnet.AdminTransferLeader:
		return p.TransferLeadership(cmd.Target)
	case simnet.AdminChangeMembership:
		return p.ChangeMembership(cmd.Add, cmd.Remove)
	case simnet.AdminSplit:
		_, err := p.Propose(&Command{
			Type:     CommandSplit,
			SplitKey: cmd.SplitKey,
			NewGroup: cmd.NewGroup,
			NewPeers: cmd.NewPeers,
		})
		return err
	case simnet.AdminPrepareMerge:
		_, err := p.Propose(&Command{Type: CommandPrepareMerge, Target: cmd.MergeTarget})
		return err
	case simnet.AdminCommitMerge:
		_, err := p.Propose(&Command{
			Type:        CommandCommitMerge,
			Source:      cmd.MergeSource,
			SourceRange: cmd.SourceRange,
			Data:        cmd.SourceData,
		})
		return err
	default:
		return errors.Newf("raftstore: unknown admin op %d", cmd.Op)
	}
}

// Close 关闭副本，磁盘上的 raft 状态保留
func (p *Peer) Close() error {
	if !p.closed.CAS(false, true) {
		return nil
	}

	p.raft.DeregisterObserver(p.observer)
	close(p.stopCh)

	// 先关闭传输，未完成的 RPC 立即返回
	p.transport.Close()

	if err := p.raft.Shutdown().Error(); err != nil {
		p.logger.Error("shutdown raft failed", "error", err)
	}
	p.wg.Wait()

	if err := p.boltStore.Close(); err != nil {
		p.logger.Error("close bolt store failed", "error", err)
		return err
	}
	return nil
}

// Destroy 关闭副本并删除其 raft 数据
func (p *Peer) Destroy() error {
	if err := p.Close(); err != nil {
		return err
	}
	return errors.Wrap(os.RemoveAll(p.dir), "remove peer dir")
}
