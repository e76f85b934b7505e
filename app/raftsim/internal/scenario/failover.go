package scenario

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/raftsim/pkg/cluster"
	"github.com/lk2023060901/raftsim/pkg/meta"
)

// Failover 隔离 Leader 所在节点，确认剩余多数派选出新 Leader 且写入不中断，恢复后旧节点追平
func Failover(ctx context.Context, e *Env) error {
	if e.Config.Replicas < 3 {
		return errors.Wrapf(meta.ErrTopology, "failover needs at least 3 replicas, got %d", e.Config.Replicas)
	}
	c := e.Cluster
	group := cluster.BootstrapGroup
	n := e.Config.Keys
	half := n / 2

	if err := e.Step("write before isolation", func() error {
		return e.WriteKeys(ctx, 0, half, "v1")
	}); err != nil {
		return err
	}

	leader, ok := c.PD().LeaderOf(group)
	if !ok {
		return errors.Wrapf(meta.ErrNotLeader, "%s has no leader", group)
	}

	if err := e.Step("isolate leader", func() error {
		c.Isolate(leader.Node)
		return e.Wait(ctx, cluster.LeaderNotOn(group, leader.Node))
	}); err != nil {
		return err
	}

	if err := e.Step("write during isolation", func() error {
		return e.WriteKeys(ctx, half, n, "v1")
	}); err != nil {
		return err
	}

	if err := e.Step("heal and catch up", func() error {
		c.Heal(leader.Node)
		return e.Wait(ctx, cluster.ValueEquals(leader.Node, Key(n-1), Value("v1", n-1)))
	}); err != nil {
		return err
	}

	return e.Step("verify reads", func() error {
		return e.VerifyKeys(ctx, 0, n, "v1")
	})
}
