package node

import (
	"sort"
	"sync"
)

// 节点支持的故障点
const (
	// FailpointApplyPanic 邮箱处理信封前 panic，节点随后崩溃
	FailpointApplyPanic = "apply/panic"
	// FailpointStorageAbort 状态机应用事务提交前失败并回滚，节点随后崩溃
	FailpointStorageAbort = "storage/abort"
)

// Failpoints 节点的故障点开关
//
// 每个故障点可以设置触发次数，次数用完后自动关闭；次数不大于 0 表示一直触发。
type Failpoints struct {
	mu     sync.Mutex
	points map[string]int
}

func newFailpoints() *Failpoints {
	return &Failpoints{points: make(map[string]int)}
}

// Enable 打开故障点
func (f *Failpoints) Enable(name string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if count <= 0 {
		count = -1
	}
	f.points[name] = count
}

// Disable 关闭故障点
func (f *Failpoints) Disable(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.points, name)
}

// Eval 判断故障点本次是否触发
func (f *Failpoints) Eval(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.points[name]
	if !ok {
		return false
	}
	switch {
	case n < 0:
	case n == 1:
		delete(f.points, name)
	default:
		f.points[name] = n - 1
	}
	return true
}

// Active 当前打开的故障点
func (f *Failpoints) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.points))
	for name := range f.points {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
