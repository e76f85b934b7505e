package cluster

import (
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/pd"
	"github.com/lk2023060901/raftsim/pkg/raftstore"
	"github.com/lk2023060901/raftsim/pkg/simnet"
)

// onEvent 节点事件回调，只入队
func (c *Cluster) onEvent(ev raftstore.Event) {
	c.events.Push(ev)
}

// loop 按到达顺序处理节点事件
func (c *Cluster) loop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.events.Notify():
		}

		for {
			ev, ok := c.events.Pop()
			if !ok {
				break
			}
			c.handle(ev)
		}
	}
}

func (c *Cluster) handle(ev raftstore.Event) {
	c.metrics.Events.WithLabelValues(ev.Kind.String()).Inc()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	var err error
	switch ev.Kind {
	case raftstore.EventLeaderChanged:
		err = c.onLeaderChanged(ev)
	case raftstore.EventConfChangeCommitted:
		err = c.onConfChange(ev)
	case raftstore.EventSplitApplied:
		err = c.onSplitApplied(ev)
	case raftstore.EventIngestApplied:
		err = c.onIngestApplied(ev)
	case raftstore.EventMergePrepared:
		err = c.onMergePrepared(ev)
	case raftstore.EventMergeCommitted:
		err = c.onMergeCommitted(ev)
	case raftstore.EventStorageFault:
		c.logger.Warn("storage fault reported", "node", ev.Node.String(), "group", ev.Group.String(), "error", ev.Err)
	case raftstore.EventNodeCrashed:
		c.logger.Warn("node crashed", "node", ev.Node.String(), "error", ev.Err)
		err = c.pd.SetNodeUp(c.token, ev.Node, false)
	}

	// 节点被移除后仍可能有迟到的事件
	if err != nil && !errors.Is(err, meta.ErrGroupNotFound) && !errors.Is(err, meta.ErrNodeNotFound) {
		c.logger.Warn("handle event failed", "event", ev.String(), "error", err)
	}
}

func (c *Cluster) isSeeding(id meta.GroupID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.seeding[id]
	return ok
}

func (c *Cluster) onLeaderChanged(ev raftstore.Event) error {
	if ev.IsLeader {
		seeding := c.isSeeding(ev.Group)
		return c.pd.UpdateGroup(c.token, ev.Group, func(g *pd.GroupInfo) error {
			if ev.Term < g.LeaderTerm || g.State == meta.GroupRetired {
				return nil
			}
			g.Leader, g.LeaderTerm = ev.Peer, ev.Term
			// 分裂出的组要等继承数据提交后才算就绪
			if g.State == meta.GroupUnbootstrapped && !seeding {
				g.State = meta.GroupBootstrapped
			}
			return nil
		})
	}
	if ev.Leader != 0 {
		return c.pd.SetLeader(c.token, ev.Group, ev.Leader, ev.Term)
	}
	return c.pd.ClearLeader(c.token, ev.Group, ev.Peer, ev.Term)
}

// knownPeers 过滤掉已被移除节点上的副本
func (c *Cluster) knownPeers(peers []meta.Peer) []meta.Peer {
	known := make(map[meta.NodeID]struct{})
	for _, id := range c.pd.KnownNodes() {
		known[id] = struct{}{}
	}
	out := make([]meta.Peer, 0, len(peers))
	for _, p := range peers {
		if _, ok := known[p.Node]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (c *Cluster) onConfChange(ev raftstore.Event) error {
	peers := c.knownPeers(ev.Peers)
	completed := false
	err := c.pd.UpdateGroup(c.token, ev.Group, func(g *pd.GroupInfo) error {
		if g.State == meta.GroupRetired || ev.Index <= g.ConfIndex {
			return nil
		}
		g.ConfIndex = ev.Index
		g.Peers = peers
		if g.State == meta.GroupReconfiguring && samePeers(peers, g.TentativePeers) {
			g.State = meta.GroupBootstrapped
			g.TentativePeers = nil
			g.Epoch++
			completed = true
		}
		return nil
	})
	if err != nil || !completed {
		return err
	}

	op, ok := c.takePending(ev.Group)
	if ok {
		for _, p := range op.removed {
			if nd, found := c.Node(p.Node); found {
				c.destroyPeer(nd, ev.Group)
			}
		}
	}
	c.logger.Info("membership change committed", "group", ev.Group.String(), "peers", len(peers), "index", ev.Index)
	return nil
}

// onSplitApplied 登记分裂出的新组，并回收不再属于节点的子副本
// 同一次分裂会由每个副本各上报一次，快照恢复补建的子副本也走这里。
func (c *Cluster) onSplitApplied(ev raftstore.Event) error {
	if ev.Region != nil {
		for _, child := range ev.Region.Children {
			if _, known := c.pd.Group(child.ID); known {
				continue
			}
			if err := c.registerChild(ev.Group, child.ID, child.Range, child.Peers); err != nil {
				return err
			}
		}
	}

	if ev.Child != nil && !c.hosts(ev.Child.ID, ev.Node) {
		if nd, ok := c.Node(ev.Node); ok {
			c.logger.Info("stale split child collected", "node", ev.Node.String(), "group", ev.Child.ID.String())
			c.destroyPeer(nd, ev.Child.ID)
		}
	}
	return nil
}

func (c *Cluster) registerChild(parent, child meta.GroupID, r meta.KeyRange, peers []meta.Peer) error {
	var epoch uint64
	var replicas int
	err := c.pd.UpdateGroup(c.token, parent, func(g *pd.GroupInfo) error {
		if g.Range.StrictlyInside(r.Start) {
			g.Range, _ = g.Range.SplitAt(r.Start)
		}
		g.Epoch++
		if g.State == meta.GroupSplitting {
			g.State = meta.GroupBootstrapped
		}
		epoch, replicas = g.Epoch, g.Replicas
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.seeding[child] = struct{}{}
	c.mu.Unlock()

	if err := c.pd.PutGroup(c.token, &pd.GroupInfo{
		ID:       child,
		Range:    r.Clone(),
		Epoch:    epoch,
		Peers:    c.knownPeers(peers),
		Replicas: replicas,
		State:    meta.GroupUnbootstrapped,
	}); err != nil {
		return err
	}

	if op, ok := c.peekPending(parent); ok && op.kind == opSplit && op.partner == child {
		c.takePending(parent)
	}
	c.updateGroupGauge()
	c.logger.Info("split committed", "group", parent.String(), "new_group", child.String(), "range", r.String(), "epoch", epoch)
	return nil
}

func (c *Cluster) onIngestApplied(ev raftstore.Event) error {
	c.mu.Lock()
	delete(c.seeding, ev.Group)
	c.mu.Unlock()

	return c.pd.UpdateGroup(c.token, ev.Group, func(g *pd.GroupInfo) error {
		if g.State == meta.GroupUnbootstrapped {
			g.State = meta.GroupBootstrapped
		}
		return nil
	})
}

// onMergePrepared 源组冻结后向目标组下发 CommitMerge
func (c *Cluster) onMergePrepared(ev raftstore.Event) error {
	if ev.Region == nil {
		return nil
	}
	target, source := ev.Target, ev.Group

	c.mu.Lock()
	op, ok := c.pending[target]
	if !ok || op.kind != opCommitMerge || op.partner != source || op.cmd != nil {
		c.mu.Unlock()
		return nil
	}
	cmd := &simnet.AdminCommand{
		Op:          simnet.AdminCommitMerge,
		MergeSource: source,
		SourceRange: ev.Region.Range.Clone(),
		SourceData:  ev.Data,
	}
	op.cmd = cmd
	delete(c.pending, source)
	c.mu.Unlock()

	c.logger.Info("merge prepared", "target", target.String(), "source", source.String(), "keys", len(ev.Data))
	return c.broadcastAdmin(target, cmd)
}

// onMergeCommitted 目标组吸收源组后退役源组并销毁其副本
func (c *Cluster) onMergeCommitted(ev raftstore.Event) error {
	target, source := ev.Group, ev.Source
	op, ok := c.peekPending(target)
	if !ok || op.kind != opCommitMerge || op.partner != source || ev.Region == nil {
		return nil
	}

	err := c.pd.UpdateGroup(c.token, target, func(g *pd.GroupInfo) error {
		g.Range = ev.Region.Range.Clone()
		g.Epoch++
		g.State = meta.GroupBootstrapped
		return nil
	})
	if err != nil {
		return err
	}

	var sourcePeers []meta.Peer
	err = c.pd.UpdateGroup(c.token, source, func(g *pd.GroupInfo) error {
		sourcePeers = meta.ClonePeers(g.Peers)
		g.State = meta.GroupRetired
		g.Leader = 0
		g.TentativePeers = nil
		return nil
	})
	if err != nil {
		return err
	}
	c.takePending(target)
	c.takePending(source)

	for _, p := range sourcePeers {
		if nd, found := c.Node(p.Node); found {
			c.destroyPeer(nd, source)
		}
	}
	c.updateGroupGauge()
	c.logger.Info("merge committed", "target", target.String(), "source", source.String(), "range", ev.Region.Range.String())
	return nil
}

// samePeers 两个副本集合是否相同，忽略顺序
func samePeers(a, b []meta.Peer) bool {
	if len(a) != len(b) {
		return false
	}
	for _, p := range a {
		q, ok := peerByID(b, p.ID)
		if !ok || q.Node != p.Node {
			return false
		}
	}
	return true
}
