package raftstore

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/wire"
)

// CommandType 日志命令类型
type CommandType uint8

const (
	// CommandPut 写入键值
	CommandPut CommandType = iota + 1
	// CommandDelete 删除键
	CommandDelete
	// CommandSplit 在 SplitKey 处分裂出新区域
	CommandSplit
	// CommandIngest 分裂出的新区域提交继承的数据
	CommandIngest
	// CommandPrepareMerge 冻结区域，准备被相邻区域吸收
	CommandPrepareMerge
	// CommandCommitMerge 吸收相邻区域的区间与数据
	CommandCommitMerge
)

// String 返回命令名
func (t CommandType) String() string {
	switch t {
	case CommandPut:
		return "put"
	case CommandDelete:
		return "delete"
	case CommandSplit:
		return "split"
	case CommandIngest:
		return "ingest"
	case CommandPrepareMerge:
		return "prepare_merge"
	case CommandCommitMerge:
		return "commit_merge"
	default:
		return fmt.Sprintf("CommandType(%d)", uint8(t))
	}
}

// Command 表示一个要应用到区域状态机的命令
type Command struct {
	Type  CommandType `codec:"type"`
	Key   []byte      `codec:"key,omitempty"`
	Value []byte      `codec:"value,omitempty"`

	// 分裂
	SplitKey []byte       `codec:"split_key,omitempty"`
	NewGroup meta.GroupID `codec:"new_group,omitempty"`
	NewPeers []meta.Peer  `codec:"new_peers,omitempty"`

	// 合并
	Target      meta.GroupID  `codec:"target,omitempty"`
	Source      meta.GroupID  `codec:"source,omitempty"`
	SourceRange meta.KeyRange `codec:"source_range"`

	// Ingest 与 CommitMerge 携带的数据
	Data []meta.KV `codec:"data,omitempty"`
}

// EncodeCommand 使用 msgpack 编码命令
func EncodeCommand(cmd *Command) ([]byte, error) {
	return wire.Marshal(cmd)
}

// DecodeCommand 使用 msgpack 解码命令
func DecodeCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := wire.Unmarshal(data, &cmd); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode command"), ErrInvalidCommand)
	}
	return &cmd, nil
}

// ApplyResult 命令应用结果，由 Leader 的提案 future 返回
type ApplyResult struct {
	Index uint64
	Err   error
}
