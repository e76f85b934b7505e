package raftstore

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-raftchunking"
	"github.com/hashicorp/raft"
	"go.uber.org/atomic"

	"github.com/lk2023060901/raftsim/pkg/logger"
	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/storage"
)

// regionFSM 区域状态机
//
// 每条日志在一个存储事务中应用，并同时推进 AppliedIndex；
// 索引不大于 AppliedIndex 的日志是重启后的重放，直接跳过。
// 所有回调都在 raft 的 FSM goroutine 中串行执行。
type regionFSM struct {
	node  meta.NodeID
	group meta.GroupID
	peer  meta.PeerID

	engine *storage.Engine
	cfg    *Config
	emit   EventHandler
	logger logger.Logger

	halted atomic.Bool
}

func newRegionFSM(node meta.NodeID, group meta.GroupID, peer meta.PeerID, engine *storage.Engine, cfg *Config, emit EventHandler, l logger.Logger) *regionFSM {
	return &regionFSM{
		node:   node,
		group:  group,
		peer:   peer,
		engine: engine,
		cfg:    cfg,
		emit:   emit,
		logger: l,
	}
}

// Halted 状态机是否因存储故障停止
func (f *regionFSM) Halted() bool {
	return f.halted.Load()
}

func (f *regionFSM) event(kind EventKind) Event {
	return Event{Kind: kind, Node: f.node, Group: f.group, Peer: f.peer}
}

// halt 停止应用并上报存储故障
func (f *regionFSM) halt(err error) {
	if !f.halted.CAS(false, true) {
		return
	}
	f.logger.Error("fsm halted after storage failure", "error", err)
	ev := f.event(EventStorageFault)
	ev.Err = err
	f.emit(ev)
}

// Apply 实现 raft.FSM 接口
func (f *regionFSM) Apply(l *raft.Log) interface{} {
	res := &ApplyResult{Index: l.Index}
	if f.halted.Load() {
		res.Err = ErrFSMHalted
		return res
	}

	cmd, decodeErr := DecodeCommand(l.Data)

	var events []Event
	err := f.engine.Apply(func(b *storage.Batch) error {
		region, ok, err := b.Region(f.group)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(meta.ErrGroupNotFound, "region %s missing on %s", f.group, f.node)
		}
		if l.Index <= region.AppliedIndex {
			return nil
		}

		if decodeErr != nil {
			res.Err = decodeErr
		} else {
			events, res.Err = f.applyCommand(b, region, cmd)
			if errors.Is(res.Err, errWriteFailed) {
				return res.Err
			}
		}
		region.AppliedIndex = l.Index
		return b.SaveRegion(region)
	})
	if errors.Is(err, errWriteFailed) {
		// 命令的写入整体回滚，只推进 AppliedIndex
		events = nil
		res.Err = err
		err = f.advance(l.Index)
	}
	if err != nil {
		f.halt(err)
		res.Err = err
		return res
	}

	for _, ev := range events {
		f.emit(ev)
	}
	return res
}

// advance 只推进 AppliedIndex
func (f *regionFSM) advance(index uint64) error {
	return f.engine.Apply(func(b *storage.Batch) error {
		region, ok, err := b.Region(f.group)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(meta.ErrGroupNotFound, "region %s missing on %s", f.group, f.node)
		}
		if index <= region.AppliedIndex {
			return nil
		}
		region.AppliedIndex = index
		return b.SaveRegion(region)
	})
}

// applyCommand 在事务中应用命令
// 返回的错误是命令级别的拒绝，不影响 AppliedIndex 的推进。
func (f *regionFSM) applyCommand(b *storage.Batch, region *storage.RegionMeta, cmd *Command) ([]Event, error) {
	switch cmd.Type {
	case CommandPut, CommandDelete:
		if !region.Writable() {
			return nil, errors.Wrapf(ErrRegionFrozen, "%s is %s", region.ID, region.State)
		}
		if !region.Range.Contains(cmd.Key) {
			return nil, errors.Wrapf(meta.ErrKeyNotInRange, "key %q not in %s %s", cmd.Key, region.ID, region.Range)
		}
		if cmd.Type == CommandPut {
			return nil, b.Put(cmd.Key, cmd.Value)
		}
		return nil, b.Delete(cmd.Key)

	case CommandSplit:
		return f.applySplit(b, region, cmd)

	case CommandIngest:
		if region.State != storage.RegionPendingIngest {
			return nil, nil
		}
		b.DeleteRange(region.Range)
		for _, kv := range cmd.Data {
			if !region.Range.Contains(kv.Key) {
				continue
			}
			if err := b.Put(kv.Key, kv.Value); err != nil {
				return nil, errors.Mark(errors.Wrapf(err, "ingest into %s", region.ID), errWriteFailed)
			}
		}
		region.State = storage.RegionNormal
		ev := f.event(EventIngestApplied)
		ev.Region = region.Clone()
		return []Event{ev}, nil

	case CommandPrepareMerge:
		switch region.State {
		case storage.RegionMerging:
		case storage.RegionNormal:
			region.State = storage.RegionMerging
		default:
			return nil, errors.Wrapf(ErrRegionFrozen, "%s is %s", region.ID, region.State)
		}
		ev := f.event(EventMergePrepared)
		ev.Region = region.Clone()
		ev.Target = cmd.Target
		ev.Data = b.Scan(region.Range)
		return []Event{ev}, nil

	case CommandCommitMerge:
		if region.State != storage.RegionNormal {
			return nil, errors.Wrapf(ErrRegionFrozen, "%s is %s", region.ID, region.State)
		}
		merged, ok := region.Range.Merge(cmd.SourceRange)
		if !ok {
			if region.Range.Covers(cmd.SourceRange) {
				return nil, nil
			}
			return nil, errors.Wrapf(meta.ErrNotAdjacent, "%s %s and %s %s", region.ID, region.Range, cmd.Source, cmd.SourceRange)
		}
		for _, kv := range cmd.Data {
			if !cmd.SourceRange.Contains(kv.Key) {
				continue
			}
			if err := b.Put(kv.Key, kv.Value); err != nil {
				return nil, errors.Mark(errors.Wrapf(err, "merge %s into %s", cmd.Source, region.ID), errWriteFailed)
			}
		}
		region.Range = merged
		region.Version++
		ev := f.event(EventMergeCommitted)
		ev.Region = region.Clone()
		ev.Source = cmd.Source
		return []Event{ev}, nil

	default:
		return nil, errors.Wrapf(ErrInvalidCommand, "unknown command type %d", cmd.Type)
	}
}

func (f *regionFSM) applySplit(b *storage.Batch, region *storage.RegionMeta, cmd *Command) ([]Event, error) {
	if region.State != storage.RegionNormal {
		return nil, errors.Wrapf(ErrRegionFrozen, "%s is %s", region.ID, region.State)
	}
	if !region.Range.StrictlyInside(cmd.SplitKey) {
		return nil, errors.Mark(
			errors.Newf("split key %q not inside %s %s", cmd.SplitKey, region.ID, region.Range),
			meta.ErrTopology)
	}
	if _, exists, err := b.Region(cmd.NewGroup); err != nil {
		return nil, err
	} else if exists {
		return nil, errors.Wrapf(meta.ErrInvalidState, "%s already exists", cmd.NewGroup)
	}

	left, right := region.Range.SplitAt(cmd.SplitKey)
	region.Range = left
	region.Version++
	region.Children = append(region.Children, storage.ChildRegion{
		ID:    cmd.NewGroup,
		Range: right.Clone(),
		Peers: meta.ClonePeers(cmd.NewPeers),
	})

	ev := f.event(EventSplitApplied)
	ev.Region = region.Clone()

	if local, hosted := meta.PeerOnNode(cmd.NewPeers, f.node); hosted {
		child := &storage.RegionMeta{
			ID:        cmd.NewGroup,
			Range:     right,
			Version:   region.Version,
			Peers:     meta.ClonePeers(cmd.NewPeers),
			LocalPeer: local.ID,
			State:     storage.RegionPendingIngest,
			Bootstrap: true,
			Seeded:    true,
		}
		if err := b.SaveRegion(child); err != nil {
			return nil, err
		}
		ev.Child = child.Clone()
	} else {
		b.DeleteRange(right)
	}
	return []Event{ev}, nil
}

// StoreConfiguration 实现 raft.ConfigurationStore 接口，在成员配置提交时调用
func (f *regionFSM) StoreConfiguration(index uint64, configuration raft.Configuration) {
	if f.halted.Load() {
		return
	}

	peers := PeersFromConfiguration(configuration)
	applied := false
	err := f.engine.Apply(func(b *storage.Batch) error {
		region, ok, err := b.Region(f.group)
		if err != nil || !ok {
			return err
		}
		if index <= region.AppliedIndex {
			return nil
		}
		region.Peers = peers
		region.AppliedIndex = index
		applied = true
		return b.SaveRegion(region)
	})
	if err != nil {
		f.halt(err)
		return
	}
	if !applied {
		return
	}

	ev := f.event(EventConfChangeCommitted)
	ev.Peers = meta.ClonePeers(peers)
	ev.Index = index
	f.emit(ev)
}

// Snapshot 实现 raft.FSM 接口
func (f *regionFSM) Snapshot() (raft.FSMSnapshot, error) {
	if f.halted.Load() {
		return nil, ErrFSMHalted
	}

	snap := &regionSnapshot{compression: f.cfg.Compression, checksum: f.cfg.Checksum}
	err := f.engine.View(func(b *storage.Batch) error {
		region, ok, err := b.Region(f.group)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(meta.ErrGroupNotFound, "region %s", f.group)
		}
		snap.region = region
		snap.kvs = b.Scan(region.Range)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Restore 实现 raft.FSM 接口
// 快照中记录的子区域若在本节点缺失，会一并建立，随后由各自的 Leader 提交数据。
func (f *regionFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	region, kvs, err := ReadSnapshot(rc, f.cfg.Checksum)
	if err != nil {
		return errors.Wrap(err, "read snapshot")
	}

	local, ok, err := f.engine.Region(f.group)
	if err != nil {
		return err
	}

	restored := region.Clone()
	restored.ID = f.group
	restored.LocalPeer = f.peer
	restored.Bootstrap = false
	restored.Seeded = false
	if ok {
		restored.Bootstrap = local.Bootstrap
		restored.Seeded = local.Seeded
	}

	var created []*storage.RegionMeta
	for _, c := range region.Children {
		if _, exists, err := f.engine.Region(c.ID); err != nil {
			return err
		} else if exists {
			continue
		}
		p, hosted := meta.PeerOnNode(c.Peers, f.node)
		if !hosted {
			continue
		}
		created = append(created, &storage.RegionMeta{
			ID:        c.ID,
			Range:     c.Range.Clone(),
			Version:   restored.Version,
			Peers:     meta.ClonePeers(c.Peers),
			LocalPeer: p.ID,
			State:     storage.RegionPendingIngest,
			Bootstrap: true,
		})
	}

	if err := f.engine.ApplySnapshot(restored, kvs, created...); err != nil {
		f.halt(err)
		return err
	}
	f.logger.Info("snapshot restored", "region", restored.String(), "keys", len(kvs), "children", len(created))

	for _, c := range created {
		ev := f.event(EventSplitApplied)
		ev.Region = restored.Clone()
		ev.Child = c
		f.emit(ev)
	}
	return nil
}

// PeersFromConfiguration 将 raft 配置转换为副本列表
func PeersFromConfiguration(configuration raft.Configuration) []meta.Peer {
	peers := make([]meta.Peer, 0, len(configuration.Servers))
	for _, s := range configuration.Servers {
		id, err := meta.ParsePeerID(string(s.ID))
		if err != nil {
			continue
		}
		node, err := meta.ParseNodeAddr(string(s.Address))
		if err != nil {
			continue
		}
		peers = append(peers, meta.Peer{ID: id, Node: node})
	}
	return peers
}

// ConfigurationFromPeers 构造 raft 配置
func ConfigurationFromPeers(peers []meta.Peer) raft.Configuration {
	servers := make([]raft.Server, 0, len(peers))
	for _, p := range peers {
		servers = append(servers, raft.Server{
			ID:       ServerID(p.ID),
			Address:  ServerAddress(p.Node),
			Suffrage: raft.Voter,
		})
	}
	return raft.Configuration{Servers: servers}
}

// ServerID 副本在 raft 中的 ID
func ServerID(id meta.PeerID) raft.ServerID {
	return raft.ServerID(id.String())
}

// ServerAddress 节点在 raft 中的地址
func ServerAddress(node meta.NodeID) raft.ServerAddress {
	return raft.ServerAddress(node.String())
}

// chunkingFSM 包装 FSM 并添加 chunking 支持，同时转发成员配置回调
type chunkingFSM struct {
	*raftchunking.ChunkingFSM
	store raft.ConfigurationStore
}

func newChunkingFSM(fsm *regionFSM) *chunkingFSM {
	return &chunkingFSM{
		ChunkingFSM: raftchunking.NewChunkingFSM(fsm, nil),
		store:       fsm,
	}
}

// StoreConfiguration 实现 raft.ConfigurationStore 接口
func (c *chunkingFSM) StoreConfiguration(index uint64, configuration raft.Configuration) {
	c.store.StoreConfiguration(index, configuration)
}
