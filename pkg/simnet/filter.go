package simnet

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInvalidAction 动作参数非法，例如负的延迟或副本数
var ErrInvalidAction = errors.New("simnet: invalid fault action")

// RuleID 故障规则 ID
type RuleID uint64

// ActionKind 故障动作
type ActionKind uint8

const (
	ActionDrop ActionKind = iota + 1
	ActionDelay
	ActionDuplicate
	ActionCorrupt
)

// String 返回动作名称
func (k ActionKind) String() string {
	switch k {
	case ActionDrop:
		return "drop"
	case ActionDelay:
		return "delay"
	case ActionDuplicate:
		return "duplicate"
	case ActionCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Action 规则命中后执行的动作
type Action struct {
	Kind   ActionKind
	Delay  time.Duration
	Copies int
}

// DropAction 丢弃
func DropAction() Action { return Action{Kind: ActionDrop} }

// DelayAction 延迟 d 后投递
func DelayAction(d time.Duration) Action { return Action{Kind: ActionDelay, Delay: d} }

// DuplicateAction 额外投递 n 份副本
func DuplicateAction(n int) Action { return Action{Kind: ActionDuplicate, Copies: n} }

// CorruptAction 篡改信封内容
func CorruptAction() Action { return Action{Kind: ActionCorrupt} }

// Validate 检查动作参数
func (a Action) Validate() error {
	switch a.Kind {
	case ActionDrop, ActionCorrupt:
	case ActionDelay:
		if a.Delay < 0 {
			return errors.Wrapf(ErrInvalidAction, "negative delay %s", a.Delay)
		}
	case ActionDuplicate:
		if a.Copies < 0 {
			return errors.Wrapf(ErrInvalidAction, "negative copies %d", a.Copies)
		}
	default:
		return errors.Wrapf(ErrInvalidAction, "unknown kind %d", a.Kind)
	}
	return nil
}

// FaultRule 故障规则
type FaultRule struct {
	ID     RuleID
	Name   string
	Match  Predicate
	Action Action
}

// String 返回可读表示
func (r FaultRule) String() string {
	return fmt.Sprintf("rule#%d(%s %s)", r.ID, r.Name, r.Action.Kind)
}

// Verdict 规则链对一个信封的裁决
//
// 按安装顺序评估：第一个命中的丢弃规则立即终止评估；
// 命中的延迟规则累加延迟，命中的复制规则累加副本数，任一篡改规则命中即篡改所有副本。
type Verdict struct {
	Drop       bool
	DroppedBy  RuleID
	Delay      time.Duration
	Duplicates int
	Corrupt    bool
}

// Chain 有序故障规则链，发送时在读锁下评估
type Chain struct {
	mu     sync.RWMutex
	rules  []FaultRule
	nextID RuleID
}

// NewChain 创建空规则链
func NewChain() *Chain {
	return &Chain{}
}

// Install 校验并追加规则，返回分配的 ID
func (c *Chain) Install(rule FaultRule) (RuleID, error) {
	if err := rule.Action.Validate(); err != nil {
		return 0, errors.Wrapf(err, "install %q", rule.Name)
	}
	return c.add(rule), nil
}

func (c *Chain) add(rule FaultRule) RuleID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	rule.ID = c.nextID
	if rule.Match == nil {
		rule.Match = Always()
	}
	c.rules = append(c.rules, rule)
	return rule.ID
}

// Remove 删除规则，规则不存在时返回 false
func (c *Chain) Remove(id RuleID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.rules {
		if r.ID == id {
			c.rules = append(c.rules[:i:i], c.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Clear 清空规则链，返回删除的规则数
func (c *Chain) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.rules)
	c.rules = nil
	return n
}

// Rules 返回规则快照
func (c *Chain) Rules() []FaultRule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]FaultRule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Len 规则数
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}

// Evaluate 评估信封
func (c *Chain) Evaluate(env *Envelope) Verdict {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var v Verdict
	for _, r := range c.rules {
		if !r.Match(env) {
			continue
		}
		switch r.Action.Kind {
		case ActionDrop:
			return Verdict{Drop: true, DroppedBy: r.ID}
		case ActionDelay:
			v.Delay += r.Action.Delay
		case ActionDuplicate:
			v.Duplicates += r.Action.Copies
		case ActionCorrupt:
			v.Corrupt = true
		}
	}
	return v
}
