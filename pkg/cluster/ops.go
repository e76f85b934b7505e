package cluster

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/pd"
	"github.com/lk2023060901/raftsim/pkg/simnet"
	"github.com/lk2023060901/raftsim/pkg/storage"
)

type opKind uint8

const (
	opSplit opKind = iota + 1
	opPrepareMerge
	opCommitMerge
	opChangeMembership
)

func (k opKind) String() string {
	switch k {
	case opSplit:
		return "split"
	case opPrepareMerge:
		return "prepare_merge"
	case opCommitMerge:
		return "commit_merge"
	case opChangeMembership:
		return "change_membership"
	default:
		return "unknown"
	}
}

// pendingOp 组处于中间状态期间尚未完成的管理命令
type pendingOp struct {
	kind    opKind
	group   meta.GroupID
	partner meta.GroupID
	// cmd 为空表示合并目标还在等待源组冻结
	cmd    *simnet.AdminCommand
	issued time.Time
	// removed 成员变更完成后需要销毁的副本
	removed []meta.Peer
}

func (c *Cluster) setPending(op *pendingOp) {
	op.issued = time.Now()
	c.mu.Lock()
	c.pending[op.group] = op
	c.mu.Unlock()
}

func (c *Cluster) takePending(group meta.GroupID) (*pendingOp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.pending[group]
	delete(c.pending, group)
	return op, ok
}

func (c *Cluster) peekPending(group meta.GroupID) (*pendingOp, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	op, ok := c.pending[group]
	return op, ok
}

// broadcastAdmin 把管理命令发给组的所有副本所在节点，只有 Leader 会执行
// 管理面信封同样经过模拟网络，可能被故障规则丢弃，丢失后用 RetryPending 重发。
func (c *Cluster) broadcastAdmin(group meta.GroupID, cmd *simnet.AdminCommand) error {
	g, ok := c.pd.Group(group)
	if !ok {
		return errors.Wrapf(meta.ErrGroupNotFound, "%s", group)
	}

	seen := make(map[meta.NodeID]struct{})
	targets := append(meta.ClonePeers(g.Peers), g.TentativePeers...)
	for _, p := range targets {
		if _, dup := seen[p.Node]; dup {
			continue
		}
		seen[p.Node] = struct{}{}

		env, err := simnet.NewEnvelope(meta.ControlPlane, p.Node, group, simnet.KindAdmin, cmd)
		if err != nil {
			return errors.Wrap(err, "encode admin command")
		}
		c.router.Send(env)
	}
	c.logger.Debug("admin command sent", "group", group.String(), "op", cmd.Op.String(), "nodes", len(seen))
	return nil
}

// bootstrappedGroup 读取组并检查其可以开始新的管理操作
func (c *Cluster) bootstrappedGroup(id meta.GroupID) (*pd.GroupInfo, error) {
	g, ok := c.pd.Group(id)
	if !ok {
		return nil, errors.Wrapf(meta.ErrGroupNotFound, "%s", id)
	}
	if g.State != meta.GroupBootstrapped {
		return nil, errors.Wrapf(meta.ErrInvalidState, "%s is %s", id, g.State)
	}
	return g, nil
}

// Split 在 splitKey 处分裂组，返回新组 ID
//
// 新组 [splitKey, End) 与原组同放置，分裂提交后两者的 Epoch 都变为 epoch+1。
// 返回时分裂命令已经下发，可用 WaitUntil(GroupInState(newGroup, Bootstrapped)) 等待完成。
func (c *Cluster) Split(ctx context.Context, group meta.GroupID, epoch uint64, splitKey []byte) (newGroup meta.GroupID, err error) {
	defer func() { c.metrics.observe("split", err) }()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	g, ok := c.pd.Group(group)
	if !ok {
		return 0, errors.Wrapf(meta.ErrGroupNotFound, "%s", group)
	}
	if g.Epoch != epoch {
		return 0, errors.Wrapf(meta.ErrStaleEpoch, "%s epoch is %d, got %d", group, g.Epoch, epoch)
	}
	if g.State != meta.GroupBootstrapped {
		return 0, errors.Wrapf(meta.ErrInvalidState, "%s is %s", group, g.State)
	}
	if !g.Range.StrictlyInside(splitKey) {
		return 0, errors.Wrapf(meta.ErrTopology, "split key %q not inside %s %s", splitKey, group, g.Range)
	}

	newGroup = c.allocGroup()
	newPeers := make([]meta.Peer, 0, len(g.Peers))
	for _, p := range g.Peers {
		newPeers = append(newPeers, meta.Peer{ID: c.allocPeer(), Node: p.Node})
	}

	if err := c.pd.SetState(c.token, group, meta.GroupSplitting); err != nil {
		return 0, err
	}
	cmd := &simnet.AdminCommand{
		Op:       simnet.AdminSplit,
		SplitKey: append([]byte(nil), splitKey...),
		NewGroup: newGroup,
		NewPeers: newPeers,
	}
	c.setPending(&pendingOp{kind: opSplit, group: group, partner: newGroup, cmd: cmd})

	if err := c.broadcastAdmin(group, cmd); err != nil {
		return 0, err
	}
	c.logger.Info("split issued", "group", group.String(), "new_group", newGroup.String(), "key", string(splitKey))
	return newGroup, nil
}

// Merge 把 b 合并进 a，两者区间必须相邻
//
// 第一阶段在 b 上提交 PrepareMerge 冻结写入并取得数据，第二阶段在 a 上提交 CommitMerge。
// 完成后 a 的 Epoch 加一，b 退役。
func (c *Cluster) Merge(ctx context.Context, a, b meta.GroupID) (err error) {
	defer func() { c.metrics.observe("merge", err) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	if a == b {
		return errors.Wrapf(meta.ErrTopology, "cannot merge %s into itself", a)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	ga, err := c.bootstrappedGroup(a)
	if err != nil {
		return err
	}
	gb, err := c.bootstrappedGroup(b)
	if err != nil {
		return err
	}
	if !ga.Range.Adjacent(gb.Range) {
		return errors.Wrapf(meta.ErrNotAdjacent, "%s %s and %s %s", a, ga.Range, b, gb.Range)
	}

	if err := c.pd.SetState(c.token, a, meta.GroupMerging); err != nil {
		return err
	}
	if err := c.pd.SetState(c.token, b, meta.GroupMerging); err != nil {
		return err
	}

	cmd := &simnet.AdminCommand{Op: simnet.AdminPrepareMerge, MergeTarget: a}
	c.setPending(&pendingOp{kind: opCommitMerge, group: a, partner: b})
	c.setPending(&pendingOp{kind: opPrepareMerge, group: b, partner: a, cmd: cmd})

	if err := c.broadcastAdmin(b, cmd); err != nil {
		return err
	}
	c.logger.Info("merge issued", "target", a.String(), "source", b.String())
	return nil
}

// TransferLeader 请求把 Leader 转移到 target，命令入队后立即返回
func (c *Cluster) TransferLeader(group meta.GroupID, target meta.PeerID) (err error) {
	defer func() { c.metrics.observe("transfer_leader", err) }()

	g, ok := c.pd.Group(group)
	if !ok {
		return errors.Wrapf(meta.ErrGroupNotFound, "%s", group)
	}
	if g.State == meta.GroupRetired {
		return errors.Wrapf(meta.ErrInvalidState, "%s is %s", group, g.State)
	}
	p, ok := peerByID(g.Peers, target)
	if !ok {
		return errors.Wrapf(meta.ErrPeerNotFound, "%s in %s", target, group)
	}
	return c.broadcastAdmin(group, &simnet.AdminCommand{Op: simnet.AdminTransferLeader, Target: p})
}

// ChangeMembership 在 additions 列出的节点上添加副本，并移除 removals 列出的副本
//
// 暂定视图立即更新，提交后的配置上报且与暂定视图一致时才成为权威视图。
// 返回新增副本的 ID。
func (c *Cluster) ChangeMembership(ctx context.Context, group meta.GroupID, additions []meta.NodeID, removals []meta.PeerID) (added []meta.Peer, err error) {
	defer func() { c.metrics.observe("change_membership", err) }()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(additions) == 0 && len(removals) == 0 {
		return nil, errors.Wrap(meta.ErrTopology, "empty membership change")
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	g, err := c.bootstrappedGroup(group)
	if err != nil {
		return nil, err
	}

	var removed []meta.Peer
	for _, id := range removals {
		p, ok := peerByID(g.Peers, id)
		if !ok {
			return nil, errors.Wrapf(meta.ErrPeerNotFound, "%s in %s", id, group)
		}
		removed = append(removed, p)
	}
	for _, id := range additions {
		if _, ok := c.pd.Node(id); !ok {
			return nil, errors.Wrapf(meta.ErrNodeNotFound, "%s is not up", id)
		}
		if _, ok := meta.PeerOnNode(g.Peers, id); ok {
			return nil, errors.Wrapf(meta.ErrTopology, "%s already hosts %s", id, group)
		}
		added = append(added, meta.Peer{ID: c.allocPeer(), Node: id})
	}

	tentative := make([]meta.Peer, 0, len(g.Peers)+len(added))
	for _, p := range g.Peers {
		if !meta.ContainsPeer(removed, p.ID) {
			tentative = append(tentative, p)
		}
	}
	tentative = append(tentative, added...)
	if len(tentative) == 0 {
		return nil, errors.Wrapf(meta.ErrTopology, "%s would have no replicas", group)
	}

	// 新副本先以空配置启动，等待 Leader 的日志或快照
	for _, p := range added {
		nd, err := c.mustNode(p.Node)
		if err != nil {
			return nil, err
		}
		region := newLearnerRegion(g, p)
		if err := nd.CreatePeer(region); err != nil {
			return nil, errors.Wrapf(err, "create %s on %s", p.ID, p.Node)
		}
	}

	err = c.pd.UpdateGroup(c.token, group, func(info *pd.GroupInfo) error {
		if !info.State.CanTransition(meta.GroupReconfiguring) {
			return errors.Wrapf(meta.ErrInvalidState, "%s is %s", group, info.State)
		}
		info.State = meta.GroupReconfiguring
		info.TentativePeers = tentative
		return nil
	})
	if err != nil {
		return nil, err
	}

	cmd := &simnet.AdminCommand{Op: simnet.AdminChangeMembership, Add: added, Remove: removed}
	c.setPending(&pendingOp{kind: opChangeMembership, group: group, cmd: cmd, removed: removed})

	if err := c.broadcastAdmin(group, cmd); err != nil {
		return nil, err
	}
	c.logger.Info("membership change issued", "group", group.String(), "add", len(added), "remove", len(removed))
	return added, nil
}

// RetryPending 重新下发组当前未完成的管理命令
// 组不处于中间状态时返回 ErrInvalidState。
func (c *Cluster) RetryPending(group meta.GroupID) (err error) {
	defer func() { c.metrics.observe("retry_pending", err) }()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	op, ok := c.peekPending(group)
	if !ok {
		return errors.Wrapf(meta.ErrInvalidState, "%s has no pending operation", group)
	}

	target, cmd := op.group, op.cmd
	if cmd == nil {
		// 合并目标仍在等待源组冻结，重发源组的 PrepareMerge
		src, ok := c.peekPending(op.partner)
		if !ok || src.cmd == nil {
			return errors.Wrapf(meta.ErrInvalidState, "%s has nothing to resend", group)
		}
		target, cmd = src.group, src.cmd
	}
	c.logger.Info("pending operation resent", "group", target.String(), "op", op.kind.String(), "age", time.Since(op.issued).String())
	return c.broadcastAdmin(target, cmd)
}

// PendingOp 组当前未完成的管理操作名称
func (c *Cluster) PendingOp(group meta.GroupID) (string, bool) {
	op, ok := c.peekPending(group)
	if !ok {
		return "", false
	}
	return op.kind.String(), true
}

// newLearnerRegion 新增副本的初始元数据，真实状态由 Leader 的快照覆盖
func newLearnerRegion(g *pd.GroupInfo, p meta.Peer) *storage.RegionMeta {
	return &storage.RegionMeta{
		ID:        g.ID,
		Range:     g.Range.Clone(),
		LocalPeer: p.ID,
	}
}
