package simnet

import (
	"fmt"

	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/wire"
)

// Kind 信封类型
type Kind uint8

const (
	// KindConsensus raft RPC 请求或响应
	KindConsensus Kind = iota + 1
	// KindSnapshotChunk InstallSnapshot 的分片
	KindSnapshotChunk
	// KindAdmin 管理面命令
	KindAdmin
)

// String 返回类型名，同时用作 metrics 标签
func (k Kind) String() string {
	switch k {
	case KindConsensus:
		return "consensus"
	case KindSnapshotChunk:
		return "snapshot_chunk"
	case KindAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Envelope 模拟网络上传输的最小单元
//
// Seq 由 Router 按 (From, To) 有序对单调分配；重复与延迟的副本沿用原始 Seq。
// Checksum 在发送时基于 Body 计算，接收方据此识别被篡改的信封。
type Envelope struct {
	From     meta.NodeID
	To       meta.NodeID
	Group    meta.GroupID
	Kind     Kind
	Seq      uint64
	Body     []byte
	Checksum uint32
}

// NewEnvelope 编码 payload 并构造信封
func NewEnvelope(from, to meta.NodeID, group meta.GroupID, kind Kind, payload interface{}) (*Envelope, error) {
	body, err := wire.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return &Envelope{
		From:  from,
		To:    to,
		Group: group,
		Kind:  kind,
		Body:  body,
	}, nil
}

// Decode 解码信封内容
func (e *Envelope) Decode(v interface{}) error {
	return wire.Unmarshal(e.Body, v)
}

// Clone 深拷贝信封
func (e *Envelope) Clone() *Envelope {
	out := *e
	out.Body = append([]byte(nil), e.Body...)
	return &out
}

// String 返回可读表示
func (e *Envelope) String() string {
	return fmt.Sprintf("%s %s->%s %s seq=%d len=%d", e.Kind, e.From, e.To, e.Group, e.Seq, len(e.Body))
}

// RPCType raft RPC 类型
type RPCType uint8

const (
	RPCAppendEntries RPCType = iota + 1
	RPCRequestVote
	RPCRequestPreVote
	RPCInstallSnapshot
	RPCTimeoutNow
)

// String 返回 RPC 名称
func (t RPCType) String() string {
	switch t {
	case RPCAppendEntries:
		return "AppendEntries"
	case RPCRequestVote:
		return "RequestVote"
	case RPCRequestPreVote:
		return "RequestPreVote"
	case RPCInstallSnapshot:
		return "InstallSnapshot"
	case RPCTimeoutNow:
		return "TimeoutNow"
	default:
		return fmt.Sprintf("RPCType(%d)", uint8(t))
	}
}

// ConsensusMessage raft RPC 请求或响应
type ConsensusMessage struct {
	CallID   uint64  `codec:"call_id"`
	Type     RPCType `codec:"type"`
	Response bool    `codec:"response"`
	Error    string  `codec:"error,omitempty"`
	Data     []byte  `codec:"data"`
}

// SnapshotChunk InstallSnapshot 分片
// 快照数据整体压缩后再切片；Header 只出现在 Index 为 0 的分片中
type SnapshotChunk struct {
	CallID      uint64               `codec:"call_id"`
	Index       int                  `codec:"index"`
	Total       int                  `codec:"total"`
	Size        int64                `codec:"size"`
	Compression wire.CompressionType `codec:"compression"`
	Header      []byte               `codec:"header,omitempty"`
	Data        []byte               `codec:"data"`
}

// AdminOp 管理命令类型
type AdminOp uint8

const (
	AdminTransferLeader AdminOp = iota + 1
	AdminChangeMembership
	AdminSplit
	AdminPrepareMerge
	AdminCommitMerge
)

// String 返回命令名称
func (op AdminOp) String() string {
	switch op {
	case AdminTransferLeader:
		return "transfer_leader"
	case AdminChangeMembership:
		return "change_membership"
	case AdminSplit:
		return "split"
	case AdminPrepareMerge:
		return "prepare_merge"
	case AdminCommitMerge:
		return "commit_merge"
	default:
		return "unknown"
	}
}

// AdminCommand 管理面下发给组内各副本的命令，只有 Leader 执行
type AdminCommand struct {
	Op AdminOp `codec:"op"`

	// 转移 Leader 的目标
	Target meta.Peer `codec:"target"`

	// 成员变更
	Add    []meta.Peer `codec:"add,omitempty"`
	Remove []meta.Peer `codec:"remove,omitempty"`

	// 分裂
	SplitKey []byte       `codec:"split_key,omitempty"`
	NewGroup meta.GroupID `codec:"new_group,omitempty"`
	NewPeers []meta.Peer  `codec:"new_peers,omitempty"`

	// 合并
	MergeTarget meta.GroupID  `codec:"merge_target,omitempty"`
	MergeSource meta.GroupID  `codec:"merge_source,omitempty"`
	SourceRange meta.KeyRange `codec:"source_range"`
	SourceData  []meta.KV     `codec:"source_data,omitempty"`
}
