package cluster

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/raftsim/pkg/meta"
)

// Condition 对集群可观察状态的断言
type Condition struct {
	Name  string
	Check func(c *Cluster) bool
}

func (cond Condition) String() string { return cond.Name }

var errNotYet = errors.New("condition not met")

// WaitUntil 以指数退避轮询 cond，超时返回 ErrTimeout；调用方取消 ctx 时返回 ctx 的错误
func (c *Cluster) WaitUntil(parent context.Context, timeout time.Duration, cond Condition) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if cond.Check(c) {
			return struct{}{}, nil
		}
		return struct{}{}, errNotYet
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxElapsedTime(timeout))
	if err == nil {
		c.logger.Debug("condition met", "condition", cond.Name, "elapsed", time.Since(start).String())
		return nil
	}
	if perr := parent.Err(); perr != nil {
		return errors.Wrapf(perr, "wait for %s", cond.Name)
	}
	return errors.Wrapf(meta.ErrTimeout, "%s not met within %s", cond.Name, timeout)
}

// LeaderElected 组内恰好一个存活副本自认为 Leader，且元数据替身记录的正是它
func LeaderElected(group meta.GroupID) Condition {
	return Condition{
		Name: fmt.Sprintf("leader of %s elected", group),
		Check: func(c *Cluster) bool {
			leader, ok := c.pd.LeaderOf(group)
			if !ok {
				return false
			}
			claims := 0
			for _, id := range c.Nodes() {
				nd, _ := c.Node(id)
				if nd != nil && nd.IsLeader(group) {
					claims++
					if id != leader.Node {
						return false
					}
				}
			}
			return claims == 1
		},
	}
}

// LeaderNotOn 组已选出 Leader 且不在指定节点上
func LeaderNotOn(group meta.GroupID, node meta.NodeID) Condition {
	elected := LeaderElected(group)
	return Condition{
		Name: fmt.Sprintf("leader of %s not on %s", group, node),
		Check: func(c *Cluster) bool {
			if !elected.Check(c) {
				return false
			}
			leader, ok := c.pd.LeaderOf(group)
			return ok && leader.Node != node
		},
	}
}

// ValueEquals 节点本地引擎中 key 的值等于 value，value 为 nil 表示键不存在
func ValueEquals(node meta.NodeID, key, value []byte) Condition {
	return Condition{
		Name: fmt.Sprintf("%q on %s equals %q", key, node, value),
		Check: func(c *Cluster) bool {
			v, err := c.ValueOn(node, key)
			if err != nil {
				return false
			}
			if value == nil {
				return v == nil
			}
			return bytes.Equal(v, value)
		},
	}
}

// GroupInState 元数据替身中组处于指定状态
func GroupInState(group meta.GroupID, state meta.GroupState) Condition {
	return Condition{
		Name: fmt.Sprintf("%s in state %s", group, state),
		Check: func(c *Cluster) bool {
			g, ok := c.pd.Group(group)
			return ok && g.State == state
		},
	}
}

// NodeUp 节点在线与否
func NodeUp(node meta.NodeID, up bool) Condition {
	return Condition{
		Name: fmt.Sprintf("%s up=%t", node, up),
		Check: func(c *Cluster) bool {
			_, ok := c.pd.Node(node)
			return ok == up
		},
	}
}

// AppliedAtLeast 节点上组的已应用索引不小于 index
func AppliedAtLeast(node meta.NodeID, group meta.GroupID, index uint64) Condition {
	return Condition{
		Name: fmt.Sprintf("%s on %s applied >= %d", group, node, index),
		Check: func(c *Cluster) bool {
			nd, ok := c.Node(node)
			return ok && nd.AppliedIndex(group) >= index
		},
	}
}

// All 所有条件同时成立
func All(conds ...Condition) Condition {
	names := make([]string, 0, len(conds))
	for _, cond := range conds {
		names = append(names, cond.Name)
	}
	return Condition{
		Name: fmt.Sprintf("all of %q", names),
		Check: func(c *Cluster) bool {
			for _, cond := range conds {
				if !cond.Check(c) {
					return false
				}
			}
			return true
		},
	}
}
