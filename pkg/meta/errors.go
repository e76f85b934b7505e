// pkg/meta/errors.go
package meta

import (
	"github.com/cockroachdb/errors"
)

// 编排层对外暴露的错误分类
var (
	// ErrTopology 拓扑参数非法（副本数超过节点数、节点重复等）
	ErrTopology = errors.New("raftsim: topology error")

	// ErrInvalidState 当前状态不允许该操作
	ErrInvalidState = errors.New("raftsim: invalid state")

	// ErrStaleEpoch 调用方持有的 epoch 已过期
	ErrStaleEpoch = errors.New("raftsim: stale epoch")

	// ErrNotAdjacent 合并的两个组区间不相邻
	ErrNotAdjacent = errors.New("raftsim: groups not adjacent")

	// ErrForbidden 非写入者尝试修改元数据
	ErrForbidden = errors.New("raftsim: forbidden")

	// ErrTimeout 等待条件超时
	ErrTimeout = errors.New("raftsim: timeout")
)

// 内部使用的辅助错误
var (
	// ErrNotLeader 本地副本不是 Leader
	ErrNotLeader = errors.New("raftsim: not leader")

	// ErrNodeNotFound 节点不存在
	ErrNodeNotFound = errors.New("raftsim: node not found")

	// ErrGroupNotFound 共识组不存在
	ErrGroupNotFound = errors.New("raftsim: group not found")

	// ErrPeerNotFound 副本不存在
	ErrPeerNotFound = errors.New("raftsim: peer not found")

	// ErrKeyNotInRange 键不在组的区间内
	ErrKeyNotInRange = errors.New("raftsim: key not in range")

	// ErrNodeStopped 节点已停止
	ErrNodeStopped = errors.New("raftsim: node stopped")
)

// IsRetryable 客户端请求遇到这些错误时可以刷新路由后重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotLeader) ||
		errors.Is(err, ErrKeyNotInRange) ||
		errors.Is(err, ErrStaleEpoch) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNodeStopped) ||
		errors.Is(err, ErrGroupNotFound) ||
		errors.Is(err, ErrTimeout)
}
