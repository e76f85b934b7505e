package raftstore

import (
	"fmt"

	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/storage"
)

// EventKind 副本上报的事件类型
type EventKind uint8

const (
	// EventLeaderChanged 组内 Leader 发生变化
	EventLeaderChanged EventKind = iota + 1
	// EventConfChangeCommitted 新的成员配置已提交
	EventConfChangeCommitted
	// EventSplitApplied 本地应用了分裂，Region 为缩小后的区域，Child 为新区域
	EventSplitApplied
	// EventIngestApplied 新区域的继承数据已提交
	EventIngestApplied
	// EventMergePrepared 区域已冻结，Data 为其全部数据
	EventMergePrepared
	// EventMergeCommitted 区域已吸收相邻区域
	EventMergeCommitted
	// EventStorageFault 存储提交失败，状态机已停止
	EventStorageFault
	// EventNodeCrashed 节点崩溃
	EventNodeCrashed
)

// String 返回事件名
func (k EventKind) String() string {
	switch k {
	case EventLeaderChanged:
		return "leader_changed"
	case EventConfChangeCommitted:
		return "conf_change_committed"
	case EventSplitApplied:
		return "split_applied"
	case EventIngestApplied:
		return "ingest_applied"
	case EventMergePrepared:
		return "merge_prepared"
	case EventMergeCommitted:
		return "merge_committed"
	case EventStorageFault:
		return "storage_fault"
	case EventNodeCrashed:
		return "node_crashed"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event 副本或节点上报给编排层的事件
type Event struct {
	Kind  EventKind
	Node  meta.NodeID
	Group meta.GroupID
	Peer  meta.PeerID

	// EventLeaderChanged
	IsLeader bool
	Leader   meta.PeerID
	Term     uint64

	// EventConfChangeCommitted
	Peers []meta.Peer
	Index uint64

	Region *storage.RegionMeta
	Child  *storage.RegionMeta

	// EventMergePrepared / EventMergeCommitted
	Target meta.GroupID
	Source meta.GroupID
	Data   []meta.KV

	Err error
}

// String 返回可读表示
func (e Event) String() string {
	return fmt.Sprintf("%s %s %s on %s", e.Kind, e.Group, e.Peer, e.Node)
}

// EventHandler 事件回调，不得阻塞
type EventHandler func(Event)
