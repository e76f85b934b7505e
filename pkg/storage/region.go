package storage

import (
	"fmt"

	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/wire"
)

// RegionState 本地副本视角下的区域状态
type RegionState uint8

const (
	// RegionNormal 正常服务
	RegionNormal RegionState = iota
	// RegionPendingIngest 分裂出的新区域，等待 Leader 提交继承的数据
	RegionPendingIngest
	// RegionMerging 已冻结，等待被相邻区域吸收
	RegionMerging
	// RegionTombstone 已被合并或移除
	RegionTombstone
)

// String 返回状态名
func (s RegionState) String() string {
	switch s {
	case RegionNormal:
		return "normal"
	case RegionPendingIngest:
		return "pending_ingest"
	case RegionMerging:
		return "merging"
	case RegionTombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("RegionState(%d)", uint8(s))
	}
}

// RegionMeta 节点本地持久化的区域元数据
//
// AppliedIndex 与数据写入位于同一个事务中，重启后据此跳过已应用的日志。
type RegionMeta struct {
	ID        meta.GroupID  `codec:"id"`
	Range     meta.KeyRange `codec:"range"`
	Version   uint64        `codec:"version"`
	Peers     []meta.Peer   `codec:"peers"`
	LocalPeer meta.PeerID   `codec:"local_peer"`
	State     RegionState   `codec:"state"`

	AppliedIndex uint64 `codec:"applied_index"`

	// Bootstrap 首次启动时由本副本写入初始 raft 配置
	Bootstrap bool `codec:"bootstrap"`
	// Seeded 本副本持有分裂时继承的数据，成为 Leader 后负责提交 ingest
	Seeded bool `codec:"seeded"`

	// Children 由本区域分裂出的子区域，快照恢复时用于补建子副本
	Children []ChildRegion `codec:"children,omitempty"`
}

// ChildRegion 分裂产生的子区域
type ChildRegion struct {
	ID    meta.GroupID  `codec:"id"`
	Range meta.KeyRange `codec:"range"`
	Peers []meta.Peer   `codec:"peers"`
}

// Clone 深拷贝
func (m *RegionMeta) Clone() *RegionMeta {
	if m == nil {
		return nil
	}
	out := *m
	out.Range = m.Range.Clone()
	out.Peers = meta.ClonePeers(m.Peers)
	if len(m.Children) > 0 {
		out.Children = make([]ChildRegion, len(m.Children))
		for i, c := range m.Children {
			out.Children[i] = ChildRegion{ID: c.ID, Range: c.Range.Clone(), Peers: meta.ClonePeers(c.Peers)}
		}
	}
	return &out
}

// Active 区域是否仍在本节点提供服务
func (m *RegionMeta) Active() bool {
	return m.State != RegionTombstone
}

// Writable 区域当前是否接受写入
func (m *RegionMeta) Writable() bool {
	return m.State == RegionNormal
}

// String 返回可读表示
func (m *RegionMeta) String() string {
	return fmt.Sprintf("region{%s %s v%d %s applied=%d}", m.ID, m.Range, m.Version, m.State, m.AppliedIndex)
}

func encodeRegion(m *RegionMeta) ([]byte, error) {
	return wire.Marshal(m)
}

func decodeRegion(data []byte) (*RegionMeta, error) {
	var m RegionMeta
	if err := wire.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
