// pkg/meta/state.go
package meta

// GroupState 共识组生命周期状态
//
// Unbootstrapped -> Bootstrapped -> {Splitting, Merging, Reconfiguring} -> Bootstrapped
// 任意状态 -> Retired（合并后被吸收的组）
type GroupState uint8

const (
	// GroupUnbootstrapped 已登记但尚未就绪
	GroupUnbootstrapped GroupState = iota
	// GroupBootstrapped 正常服务
	GroupBootstrapped
	// GroupSplitting 分裂进行中
	GroupSplitting
	// GroupMerging 合并进行中
	GroupMerging
	// GroupReconfiguring 成员变更进行中
	GroupReconfiguring
	// GroupRetired 已退役
	GroupRetired
)

// String 返回状态字符串
func (s GroupState) String() string {
	switch s {
	case GroupUnbootstrapped:
		return "unbootstrapped"
	case GroupBootstrapped:
		return "bootstrapped"
	case GroupSplitting:
		return "splitting"
	case GroupMerging:
		return "merging"
	case GroupReconfiguring:
		return "reconfiguring"
	case GroupRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Transient 是否处于进行中的管理操作
func (s GroupState) Transient() bool {
	return s == GroupSplitting || s == GroupMerging || s == GroupReconfiguring
}

// CanTransition 检查状态迁移是否合法
func (s GroupState) CanTransition(to GroupState) bool {
	if to == GroupRetired {
		return s != GroupRetired
	}
	switch s {
	case GroupUnbootstrapped:
		return to == GroupBootstrapped
	case GroupBootstrapped:
		return to.Transient()
	case GroupSplitting, GroupMerging, GroupReconfiguring:
		return to == GroupBootstrapped
	default:
		return false
	}
}
