// Package pd 内存中的放置元数据替身
//
// 只有持有写令牌的编排层可以修改拓扑，其它调用方的写操作返回 ErrForbidden。
// 读操作从不阻塞，总是返回最近一次写入的视图的副本。
package pd

import (
	"bytes"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/lk2023060901/raftsim/pkg/meta"
)

// GroupInfo 共识组的拓扑视图
type GroupInfo struct {
	ID    meta.GroupID
	Range meta.KeyRange
	Epoch uint64

	// Peers 已提交的成员；TentativePeers 为进行中的成员变更的目标成员
	Peers          []meta.Peer
	TentativePeers []meta.Peer

	Leader     meta.PeerID
	LeaderTerm uint64

	// ConfIndex 最近一次采纳的成员配置所在的日志索引
	ConfIndex uint64

	Replicas int
	State    meta.GroupState
}

// Clone 深拷贝
func (g *GroupInfo) Clone() *GroupInfo {
	out := *g
	out.Range = g.Range.Clone()
	out.Peers = meta.ClonePeers(g.Peers)
	out.TentativePeers = meta.ClonePeers(g.TentativePeers)
	return &out
}

// UnderReplicated 已提交成员少于期望副本数
func (g *GroupInfo) UnderReplicated() bool {
	return len(g.Peers) < g.Replicas
}

// NodeInfo 节点视图
type NodeInfo struct {
	ID meta.NodeID
	Up bool
}

// Token 写令牌
type Token struct {
	id uuid.UUID
}

// String 返回令牌 ID
func (t Token) String() string { return t.id.String() }

// rangeItem 按区间起点排序的索引项
type rangeItem struct {
	start []byte
	group meta.GroupID
}

func rangeLess(a, b rangeItem) bool {
	return bytes.Compare(a.start, b.start) < 0
}

// PD 元数据替身
type PD struct {
	mu     sync.RWMutex
	writer *Token

	groups  map[meta.GroupID]*GroupInfo
	nodes   map[meta.NodeID]*NodeInfo
	byStart *btree.BTreeG[rangeItem]
}

// New 创建元数据替身
func New() *PD {
	return &PD{
		groups:  make(map[meta.GroupID]*GroupInfo),
		nodes:   make(map[meta.NodeID]*NodeInfo),
		byStart: btree.NewG(8, rangeLess),
	}
}

// ClaimWriter 领取写令牌，只能成功一次
func (p *PD) ClaimWriter() (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		return Token{}, errors.Wrap(meta.ErrForbidden, "writer already claimed")
	}
	tok := Token{id: uuid.New()}
	p.writer = &tok
	return tok, nil
}

// checkWriter 调用方必须持有 mu
func (p *PD) checkWriter(tok Token) error {
	if p.writer == nil || tok.id == uuid.Nil || p.writer.id != tok.id {
		return errors.Wrap(meta.ErrForbidden, "metadata write without writer token")
	}
	return nil
}

// ---------- 读 ----------

// GroupForKey 返回覆盖 key 的在役组
func (p *PD) GroupForKey(key []byte) (*GroupInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var found *GroupInfo
	p.byStart.DescendLessOrEqual(rangeItem{start: key}, func(it rangeItem) bool {
		if g, ok := p.groups[it.group]; ok && g.Range.Contains(key) {
			found = g.Clone()
		}
		return false
	})
	return found, found != nil
}

// Group 返回组的视图
func (p *PD) Group(id meta.GroupID) (*GroupInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.groups[id]
	if !ok {
		return nil, false
	}
	return g.Clone(), true
}

// Groups 返回全部组（含已退役），按 ID 升序
func (p *PD) Groups() []*GroupInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*GroupInfo, 0, len(p.groups))
	for _, g := range p.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveGroups 在役的组，按区间起点排序
func (p *PD) ActiveGroups() []*GroupInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*GroupInfo, 0, p.byStart.Len())
	p.byStart.Ascend(func(it rangeItem) bool {
		out = append(out, p.groups[it.group].Clone())
		return true
	})
	return out
}

// MaxGroupID 已分配的最大组 ID
func (p *PD) MaxGroupID() meta.GroupID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var max meta.GroupID
	for id := range p.groups {
		if id > max {
			max = id
		}
	}
	return max
}

// PeersOf 组的已提交成员
func (p *PD) PeersOf(id meta.GroupID) ([]meta.Peer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.groups[id]
	if !ok {
		return nil, false
	}
	return meta.ClonePeers(g.Peers), true
}

// LeaderOf 组的 Leader；未知或 Leader 所在节点不在线时返回 false
func (p *PD) LeaderOf(id meta.GroupID) (meta.Peer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.groups[id]
	if !ok || g.Leader == 0 {
		return meta.Peer{}, false
	}
	for _, peer := range g.Peers {
		if peer.ID != g.Leader {
			continue
		}
		if n, up := p.nodes[peer.Node]; up && n.Up {
			return peer, true
		}
		return meta.Peer{}, false
	}
	return meta.Peer{}, false
}

// Node 在线节点的视图；停止的节点不可见
func (p *PD) Node(id meta.NodeID) (NodeInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.nodes[id]
	if !ok || !n.Up {
		return NodeInfo{}, false
	}
	return *n, true
}

// Nodes 在线节点，升序
func (p *PD) Nodes() []meta.NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]meta.NodeID, 0, len(p.nodes))
	for id, n := range p.nodes {
		if n.Up {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KnownNodes 全部登记的节点（含停止的），升序
func (p *PD) KnownNodes() []meta.NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]meta.NodeID, 0, len(p.nodes))
	for id := range p.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GroupsOnNode 在节点上有已提交副本的在役组
func (p *PD) GroupsOnNode(node meta.NodeID) []meta.GroupID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []meta.GroupID
	for id, g := range p.groups {
		if g.State == meta.GroupRetired {
			continue
		}
		if _, ok := meta.PeerOnNode(g.Peers, node); ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---------- 写 ----------

// PutGroup 写入组视图，区间变化时同步更新索引
func (p *PD) PutGroup(tok Token, g *GroupInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkWriter(tok); err != nil {
		return err
	}
	p.putLocked(g.Clone())
	return nil
}

// UpdateGroup 在写锁内修改组视图；fn 返回错误时不做修改
func (p *PD) UpdateGroup(tok Token, id meta.GroupID, fn func(g *GroupInfo) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkWriter(tok); err != nil {
		return err
	}
	cur, ok := p.groups[id]
	if !ok {
		return errors.Wrapf(meta.ErrGroupNotFound, "%s", id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.ID = id
	p.putLocked(next)
	return nil
}

func (p *PD) putLocked(g *GroupInfo) {
	if old, ok := p.groups[g.ID]; ok && old.State != meta.GroupRetired {
		// 合并时吸收方可能已经占用了被吸收方的起点
		if it, found := p.byStart.Get(rangeItem{start: old.Range.Start}); found && it.group == g.ID {
			p.byStart.Delete(it)
		}
	}
	p.groups[g.ID] = g
	if g.State != meta.GroupRetired {
		p.byStart.ReplaceOrInsert(rangeItem{start: g.Range.Start, group: g.ID})
	}
}

// SetLeader 记录组的 Leader；较旧任期的上报被忽略
func (p *PD) SetLeader(tok Token, id meta.GroupID, leader meta.PeerID, term uint64) error {
	return p.UpdateGroup(tok, id, func(g *GroupInfo) error {
		if term < g.LeaderTerm {
			return nil
		}
		g.Leader = leader
		g.LeaderTerm = term
		return nil
	})
}

// ClearLeader 记录的 Leader 为 peer 且任期不旧时清除
func (p *PD) ClearLeader(tok Token, id meta.GroupID, peer meta.PeerID, term uint64) error {
	return p.UpdateGroup(tok, id, func(g *GroupInfo) error {
		if g.Leader == peer && term >= g.LeaderTerm {
			g.Leader = 0
		}
		return nil
	})
}

// SetState 迁移组状态，非法迁移返回 ErrInvalidState
func (p *PD) SetState(tok Token, id meta.GroupID, state meta.GroupState) error {
	return p.UpdateGroup(tok, id, func(g *GroupInfo) error {
		if g.State == state {
			return nil
		}
		if !g.State.CanTransition(state) {
			return errors.Wrapf(meta.ErrInvalidState, "%s: %s -> %s", id, g.State, state)
		}
		g.State = state
		return nil
	})
}

// PutNode 登记或更新节点
func (p *PD) PutNode(tok Token, info NodeInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkWriter(tok); err != nil {
		return err
	}
	n := info
	p.nodes[info.ID] = &n
	return nil
}

// SetNodeUp 标记节点在线状态
func (p *PD) SetNodeUp(tok Token, id meta.NodeID, up bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkWriter(tok); err != nil {
		return err
	}
	n, ok := p.nodes[id]
	if !ok {
		return errors.Wrapf(meta.ErrNodeNotFound, "%s", id)
	}
	n.Up = up
	return nil
}

// RemoveNode 注销节点
func (p *PD) RemoveNode(tok Token, id meta.NodeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkWriter(tok); err != nil {
		return err
	}
	if _, ok := p.nodes[id]; !ok {
		return errors.Wrapf(meta.ErrNodeNotFound, "%s", id)
	}
	delete(p.nodes, id)
	return nil
}
