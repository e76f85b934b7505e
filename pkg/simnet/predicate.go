package simnet

import "github.com/lk2023060901/raftsim/pkg/meta"

// Predicate 判断规则是否命中信封
type Predicate func(env *Envelope) bool

// Always 命中所有信封
func Always() Predicate {
	return func(*Envelope) bool { return true }
}

// From 命中指定节点发出的信封
func From(node meta.NodeID) Predicate {
	return func(env *Envelope) bool { return env.From == node }
}

// To 命中发往指定节点的信封
func To(node meta.NodeID) Predicate {
	return func(env *Envelope) bool { return env.To == node }
}

// Link 命中 from -> to 单向链路
func Link(from, to meta.NodeID) Predicate {
	return func(env *Envelope) bool { return env.From == from && env.To == to }
}

// Between 命中 a 与 b 之间的双向链路
func Between(a, b meta.NodeID) Predicate {
	return func(env *Envelope) bool {
		return (env.From == a && env.To == b) || (env.From == b && env.To == a)
	}
}

// Involving 命中节点与其他数据面节点之间的所有链路，管理面信封不受影响
func Involving(node meta.NodeID) Predicate {
	return func(env *Envelope) bool {
		if env.From == meta.ControlPlane || env.To == meta.ControlPlane {
			return false
		}
		return env.From == node || env.To == node
	}
}

// InGroup 命中指定共识组的信封
func InGroup(group meta.GroupID) Predicate {
	return func(env *Envelope) bool { return env.Group == group }
}

// OfKind 命中指定类型的信封
func OfKind(kind Kind) Predicate {
	return func(env *Envelope) bool { return env.Kind == kind }
}

// And 所有条件同时满足
func And(preds ...Predicate) Predicate {
	return func(env *Envelope) bool {
		for _, p := range preds {
			if !p(env) {
				return false
			}
		}
		return true
	}
}

// Or 任一条件满足
func Or(preds ...Predicate) Predicate {
	return func(env *Envelope) bool {
		for _, p := range preds {
			if p(env) {
				return true
			}
		}
		return false
	}
}

// Not 取反
func Not(p Predicate) Predicate {
	return func(env *Envelope) bool { return !p(env) }
}
