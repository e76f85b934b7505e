package cluster

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/node"
	"github.com/lk2023060901/raftsim/pkg/simnet"
)

// Isolate 切断节点与其他节点的数据面通信，管理面命令仍可到达
func (c *Cluster) Isolate(id meta.NodeID) simnet.RuleID {
	return c.router.Isolate(id)
}

// Heal 撤销对节点的隔离，其他故障规则保持不变
func (c *Cluster) Heal(id meta.NodeID) int {
	return c.router.Heal(id)
}

// HealAll 撤销所有隔离
func (c *Cluster) HealAll() int {
	return c.router.HealAll()
}

// DropBetween 丢弃两个节点之间的信封
func (c *Cluster) DropBetween(a, b meta.NodeID, bidirectional bool) simnet.RuleID {
	return c.router.DropBetween(a, b, bidirectional)
}

// Delay 延迟命中的信封
func (c *Cluster) Delay(d time.Duration, match simnet.Predicate) (simnet.RuleID, error) {
	return c.router.Delay(d, match)
}

// Duplicate 命中的信封额外投递 n 份
func (c *Cluster) Duplicate(n int, match simnet.Predicate) (simnet.RuleID, error) {
	return c.router.Duplicate(n, match)
}

// Corrupt 破坏命中的信封，接收方校验失败后丢弃
func (c *Cluster) Corrupt(match simnet.Predicate) simnet.RuleID {
	return c.router.Corrupt(match)
}

// InstallFilter 安装任意故障规则
func (c *Cluster) InstallFilter(rule simnet.FaultRule) (simnet.RuleID, error) {
	return c.router.InstallFilter(rule)
}

// RemoveFilter 删除故障规则，已调度的信封不受影响
func (c *Cluster) RemoveFilter(id simnet.RuleID) bool {
	return c.router.RemoveFilter(id)
}

// ClearFilters 删除所有故障规则
func (c *Cluster) ClearFilters() {
	c.router.ClearFilters()
}

// EnableFailpoint 在节点上打开故障点，count <= 0 表示一直生效
func (c *Cluster) EnableFailpoint(id meta.NodeID, name string, count int) error {
	nd, err := c.mustNode(id)
	if err != nil {
		return err
	}
	switch name {
	case node.FailpointApplyPanic, node.FailpointStorageAbort:
	default:
		return errors.Newf("unknown failpoint %q", name)
	}
	nd.Failpoints().Enable(name, count)
	c.logger.Info("failpoint enabled", "node", id.String(), "failpoint", name, "count", count)
	return nil
}

// DisableFailpoint 关闭节点上的故障点
func (c *Cluster) DisableFailpoint(id meta.NodeID, name string) error {
	nd, err := c.mustNode(id)
	if err != nil {
		return err
	}
	nd.Failpoints().Disable(name)
	return nil
}
