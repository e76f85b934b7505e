package cluster

import (
	"context"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/node"
)

func (c *Cluster) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Wait.InitialInterval
	b.MaxInterval = c.cfg.Wait.MaxInterval
	b.Multiplier = c.cfg.Wait.Multiplier
	return b
}

// route 找到 key 所在组的 Leader 节点
func (c *Cluster) route(key []byte) (meta.GroupID, *node.Node, error) {
	g, ok := c.pd.GroupForKey(key)
	if !ok {
		return 0, nil, errors.Wrapf(meta.ErrGroupNotFound, "no group for key %q", key)
	}
	leader, ok := c.pd.LeaderOf(g.ID)
	if !ok {
		return 0, nil, errors.Wrapf(meta.ErrNotLeader, "%s has no known leader", g.ID)
	}
	nd, ok := c.Node(leader.Node)
	if !ok {
		return 0, nil, errors.Wrapf(meta.ErrNodeStopped, "%s", leader.Node)
	}
	return g.ID, nd, nil
}

// do 按路由执行请求，遇到可重试错误时刷新路由并退避重试，直到 ctx 结束
func (c *Cluster) do(ctx context.Context, op string, key []byte, fn func(group meta.GroupID, nd *node.Node) ([]byte, error)) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Wait.ClientTimeout)
		defer cancel()
	}

	attempts := 0
	out, err := backoff.Retry(ctx, func() ([]byte, error) {
		if attempts > 0 {
			c.metrics.Retries.Inc()
		}
		attempts++

		group, nd, err := c.route(key)
		if err == nil {
			var v []byte
			v, err = fn(group, nd)
			if err == nil {
				return v, nil
			}
		}
		if meta.IsRetryable(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(c.newBackOff()))

	c.metrics.observe(op, err)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, errors.Mark(errors.Wrapf(err, "%s %q after %d attempts", op, key, attempts), meta.ErrTimeout)
	}
	return out, err
}

// Put 经 Leader 写入键值
func (c *Cluster) Put(ctx context.Context, key, value []byte) error {
	_, err := c.do(ctx, "put", key, func(group meta.GroupID, nd *node.Node) ([]byte, error) {
		return nil, nd.Put(group, key, value)
	})
	return err
}

// Delete 经 Leader 删除键
func (c *Cluster) Delete(ctx context.Context, key []byte) error {
	_, err := c.do(ctx, "delete", key, func(group meta.GroupID, nd *node.Node) ([]byte, error) {
		return nil, nd.Delete(group, key)
	})
	return err
}

// Get 经 Leader 线性一致地读取，键不存在时返回 nil
func (c *Cluster) Get(ctx context.Context, key []byte) ([]byte, error) {
	return c.do(ctx, "get", key, func(group meta.GroupID, nd *node.Node) ([]byte, error) {
		return nd.Get(group, key)
	})
}

// ValueOn 直接读取节点本地引擎中的值，不经过共识
func (c *Cluster) ValueOn(id meta.NodeID, key []byte) ([]byte, error) {
	nd, err := c.mustNode(id)
	if err != nil {
		return nil, err
	}
	return nd.LocalGet(key)
}
