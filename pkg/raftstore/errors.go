package raftstore

import (
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"

	"github.com/lk2023060901/raftsim/pkg/meta"
)

// 副本相关错误
var (
	// ErrInvalidConfig 无效配置
	ErrInvalidConfig = errors.New("raftstore: invalid config")

	// ErrPeerClosed 副本已关闭
	ErrPeerClosed = errors.Mark(errors.New("raftstore: peer closed"), meta.ErrNodeStopped)

	// ErrLeadershipLost 提案过程中失去 Leader 身份
	ErrLeadershipLost = errors.Mark(errors.New("raftstore: leadership lost"), meta.ErrNotLeader)

	// ErrInvalidCommand 无法解码的命令
	ErrInvalidCommand = errors.New("raftstore: invalid command")

	// ErrRegionFrozen 区域处于分裂或合并的中间状态，暂不接受写入
	ErrRegionFrozen = errors.Mark(errors.New("raftstore: region frozen"), meta.ErrInvalidState)

	// ErrFSMHalted 存储故障后状态机停止应用
	ErrFSMHalted = errors.New("raftstore: fsm halted")

	// ErrRPCTimeout 模拟 RPC 超时
	ErrRPCTimeout = errors.New("raftstore: rpc timeout")

	// ErrTransportClosed 传输层已关闭
	ErrTransportClosed = errors.New("raftstore: transport closed")
)

// errWriteFailed 命令写入数据失败，所在事务需要整体回滚
var errWriteFailed = errors.New("raftstore: command write failed")

// translateRaftError 将 hashicorp/raft 的错误映射到统一的错误分类
func translateRaftError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		return errors.Mark(err, meta.ErrNotLeader)
	case errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return errors.Mark(errors.Wrap(err, ErrLeadershipLost.Error()), meta.ErrNotLeader)
	case errors.Is(err, raft.ErrRaftShutdown):
		return errors.Mark(err, meta.ErrNodeStopped)
	case errors.Is(err, raft.ErrEnqueueTimeout):
		return errors.Mark(err, meta.ErrTimeout)
	default:
		return err
	}
}
