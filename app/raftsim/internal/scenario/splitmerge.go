package scenario

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/raftsim/pkg/cluster"
	"github.com/lk2023060901/raftsim/pkg/meta"
)

// SplitMerge 在键空间中点分裂引导组，校验两侧路由与数据，再合并回去
func SplitMerge(ctx context.Context, e *Env) error {
	c := e.Cluster
	n := e.Config.Keys
	parent := cluster.BootstrapGroup
	splitKey := Key(n / 2)

	if err := e.Step("write keys", func() error {
		return e.WriteKeys(ctx, 0, n, "v1")
	}); err != nil {
		return err
	}

	var child meta.GroupID
	if err := e.Step("split", func() error {
		g, ok := c.PD().Group(parent)
		if !ok {
			return errors.Wrapf(meta.ErrGroupNotFound, "%s", parent)
		}
		var err error
		child, err = c.Split(ctx, parent, g.Epoch, splitKey)
		if err != nil {
			return err
		}
		return e.Wait(ctx, cluster.All(
			cluster.GroupInState(parent, meta.GroupBootstrapped),
			cluster.GroupInState(child, meta.GroupBootstrapped),
			cluster.LeaderElected(child),
		))
	}); err != nil {
		return err
	}

	if err := e.Step("verify routing after split", func() error {
		if err := expectOwner(c, Key(0), parent); err != nil {
			return err
		}
		if err := expectOwner(c, splitKey, child); err != nil {
			return err
		}
		return e.VerifyKeys(ctx, 0, n, "v1")
	}); err != nil {
		return err
	}

	if err := e.Step("write across both groups", func() error {
		return e.WriteKeys(ctx, 0, n, "v2")
	}); err != nil {
		return err
	}

	if err := e.Step("merge", func() error {
		if err := c.Merge(ctx, parent, child); err != nil {
			return err
		}
		return e.Wait(ctx, cluster.All(
			cluster.GroupInState(child, meta.GroupRetired),
			cluster.GroupInState(parent, meta.GroupBootstrapped),
		))
	}); err != nil {
		return err
	}

	return e.Step("verify after merge", func() error {
		if err := expectOwner(c, splitKey, parent); err != nil {
			return err
		}
		return e.VerifyKeys(ctx, 0, n, "v2")
	})
}

func expectOwner(c *cluster.Cluster, key []byte, want meta.GroupID) error {
	g, ok := c.PD().GroupForKey(key)
	if !ok {
		return errors.Wrapf(meta.ErrGroupNotFound, "no group for %q", key)
	}
	if g.ID != want {
		return errors.Newf("%q routed to %s, want %s", key, g.ID, want)
	}
	return nil
}
