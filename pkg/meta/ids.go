// pkg/meta/ids.go
package meta

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// NodeID 模拟节点 ID，从 1 开始分配
type NodeID uint64

// ControlPlane 管理面伪节点，管理命令信封由它发出
const ControlPlane NodeID = 0

// GroupID 共识组（Region）ID
type GroupID uint64

// PeerID 副本 ID，全局唯一
type PeerID uint64

const (
	nodeAddrPrefix = "node-"
	peerIDPrefix   = "peer-"
)

// String 返回节点名
func (id NodeID) String() string {
	if id == ControlPlane {
		return "control-plane"
	}
	return nodeAddrPrefix + strconv.FormatUint(uint64(id), 10)
}

// String 返回组名
func (id GroupID) String() string {
	return "group-" + strconv.FormatUint(uint64(id), 10)
}

// String 返回副本名，同时作为 raft ServerID 使用
func (id PeerID) String() string {
	return peerIDPrefix + strconv.FormatUint(uint64(id), 10)
}

// ParseNodeAddr 将 raft ServerAddress 解析为 NodeID
func ParseNodeAddr(addr string) (NodeID, error) {
	if !strings.HasPrefix(addr, nodeAddrPrefix) {
		return 0, errors.Newf("invalid node address %q", addr)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(addr, nodeAddrPrefix), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid node address %q", addr)
	}
	return NodeID(v), nil
}

// ParsePeerID 将 raft ServerID 解析为 PeerID
func ParsePeerID(s string) (PeerID, error) {
	if !strings.HasPrefix(s, peerIDPrefix) {
		return 0, errors.Newf("invalid peer id %q", s)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, peerIDPrefix), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid peer id %q", s)
	}
	return PeerID(v), nil
}

// Peer 描述副本的放置位置
type Peer struct {
	ID   PeerID `codec:"id"`
	Node NodeID `codec:"node"`
}

// PeerOnNode 在副本列表中查找指定节点上的副本
func PeerOnNode(peers []Peer, node NodeID) (Peer, bool) {
	for _, p := range peers {
		if p.Node == node {
			return p, true
		}
	}
	return Peer{}, false
}

// ContainsPeer 判断副本列表中是否包含指定副本
func ContainsPeer(peers []Peer, id PeerID) bool {
	for _, p := range peers {
		if p.ID == id {
			return true
		}
	}
	return false
}

// ClonePeers 复制副本列表
func ClonePeers(peers []Peer) []Peer {
	if peers == nil {
		return nil
	}
	out := make([]Peer, len(peers))
	copy(out, peers)
	return out
}
