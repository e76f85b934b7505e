package scenario

import (
	"context"
	"time"

	"github.com/lk2023060901/raftsim/pkg/cluster"
	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/simnet"
)

// chaosDelay 共识消息的附加延迟
const chaosDelay = 5 * time.Millisecond

// Chaos 在延迟、重复和单链路损坏下写入，期间重启一个跟随者节点
func Chaos(ctx context.Context, e *Env) error {
	c := e.Cluster
	group := cluster.BootstrapGroup
	n := e.Config.Keys
	half := n / 2
	nodes := c.Nodes()

	var corrupt simnet.RuleID
	if err := e.Step("install faults", func() error {
		if _, err := c.Delay(chaosDelay, simnet.OfKind(simnet.KindConsensus)); err != nil {
			return err
		}
		if _, err := c.Duplicate(1, simnet.OfKind(simnet.KindConsensus)); err != nil {
			return err
		}
		if len(nodes) >= 2 {
			corrupt = c.Corrupt(simnet.Link(nodes[0], nodes[1]))
		}
		return nil
	}); err != nil {
		return err
	}

	if err := e.Step("write under faults", func() error {
		return e.WriteKeys(ctx, 0, half, "v1")
	}); err != nil {
		return err
	}

	// 停掉一个跟随者后剩余两个节点之间的链路必须可用
	if corrupt != 0 {
		c.RemoveFilter(corrupt)
	}

	// 少于三副本时停掉跟随者会失去多数派
	var stopped meta.NodeID
	if e.Config.Replicas >= 3 {
		if leader, ok := c.PD().LeaderOf(group); ok {
			peers, _ := c.PD().PeersOf(group)
			for _, p := range peers {
				if p.ID != leader.ID {
					stopped = p.Node
					break
				}
			}
		}
	}

	if stopped != 0 {
		if err := e.Step("stop follower", func() error {
			if err := c.StopNode(stopped); err != nil {
				return err
			}
			return e.Wait(ctx, cluster.NodeUp(stopped, false))
		}); err != nil {
			return err
		}
	}

	if err := e.Step("write with follower down", func() error {
		return e.WriteKeys(ctx, half, n, "v1")
	}); err != nil {
		return err
	}

	if stopped != 0 {
		if err := e.Step("restart follower", func() error {
			if err := c.StartNode(stopped); err != nil {
				return err
			}
			return e.Wait(ctx, cluster.ValueEquals(stopped, Key(n-1), Value("v1", n-1)))
		}); err != nil {
			return err
		}
	}

	if err := e.Step("clear faults", func() error {
		c.ClearFilters()
		return e.WaitReplicated(ctx, group, Key(n-1), Value("v1", n-1))
	}); err != nil {
		return err
	}

	return e.Step("verify reads", func() error {
		return e.VerifyKeys(ctx, 0, n, "v1")
	})
}
