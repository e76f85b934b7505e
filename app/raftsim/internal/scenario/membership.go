package scenario

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/raftsim/pkg/cluster"
	"github.com/lk2023060901/raftsim/pkg/meta"
)

// Membership 加入新节点并把一个跟随者副本迁移过去，最后下线腾空的节点
func Membership(ctx context.Context, e *Env) error {
	c := e.Cluster
	group := cluster.BootstrapGroup
	n := e.Config.Keys

	if err := e.Step("write keys", func() error {
		return e.WriteKeys(ctx, 0, n, "v1")
	}); err != nil {
		return err
	}

	var added meta.NodeID
	if err := e.Step("add node", func() error {
		id, err := c.AddNode(ctx)
		if err != nil {
			return err
		}
		added = id
		return e.Wait(ctx, cluster.NodeUp(id, true))
	}); err != nil {
		return err
	}

	// 单副本组没有跟随者可迁移，只做扩容
	var removed *meta.Peer
	if leader, ok := c.PD().LeaderOf(group); ok {
		peers, _ := c.PD().PeersOf(group)
		for _, p := range peers {
			if p.ID != leader.ID {
				removed = &p
				break
			}
		}
	}

	if err := e.Step("change membership", func() error {
		var removals []meta.PeerID
		if removed != nil {
			removals = []meta.PeerID{removed.ID}
		}
		if _, err := c.ChangeMembership(ctx, group, []meta.NodeID{added}, removals); err != nil {
			return err
		}
		return e.Wait(ctx, cluster.All(
			cluster.GroupInState(group, meta.GroupBootstrapped),
			cluster.ValueEquals(added, Key(n-1), Value("v1", n-1)),
		))
	}); err != nil {
		return err
	}

	if err := e.Step("verify peers", func() error {
		peers, _ := c.PD().PeersOf(group)
		onAdded := false
		for _, p := range peers {
			if p.Node == added {
				onAdded = true
			}
			if removed != nil && p.ID == removed.ID {
				return errors.Newf("%s still in %s", removed.ID, group)
			}
		}
		if !onAdded {
			return errors.Newf("%s has no peer on %s", group, added)
		}
		return nil
	}); err != nil {
		return err
	}

	if removed != nil {
		if err := e.Step("remove drained node", func() error {
			return c.RemoveNode(ctx, removed.Node, false)
		}); err != nil {
			return err
		}
	}

	return e.Step("verify reads", func() error {
		return e.VerifyKeys(ctx, 0, n, "v1")
	})
}
