// pkg/meta/keyrange.go
package meta

import (
	"bytes"
	"fmt"
)

// KeyRange 左闭右开的键区间 [Start, End)
// End 为空表示正无穷，Start 为空表示负无穷
type KeyRange struct {
	Start []byte `codec:"start"`
	End   []byte `codec:"end"`
}

// FullRange 覆盖整个键空间的区间
func FullRange() KeyRange {
	return KeyRange{}
}

// Contains 判断 key 是否落在区间内
func (r KeyRange) Contains(key []byte) bool {
	if bytes.Compare(key, r.Start) < 0 {
		return false
	}
	return len(r.End) == 0 || bytes.Compare(key, r.End) < 0
}

// StrictlyInside 判断 key 能否作为分裂点：Start < key < End
func (r KeyRange) StrictlyInside(key []byte) bool {
	if len(key) == 0 || bytes.Compare(key, r.Start) <= 0 {
		return false
	}
	return len(r.End) == 0 || bytes.Compare(key, r.End) < 0
}

// SplitAt 在 key 处分裂，返回 [Start, key) 与 [key, End)
func (r KeyRange) SplitAt(key []byte) (KeyRange, KeyRange) {
	left := KeyRange{Start: cloneBytes(r.Start), End: cloneBytes(key)}
	right := KeyRange{Start: cloneBytes(key), End: cloneBytes(r.End)}
	return left, right
}

// Adjacent 判断两个区间是否首尾相接
func (r KeyRange) Adjacent(o KeyRange) bool {
	if len(r.End) != 0 && bytes.Equal(r.End, o.Start) {
		return true
	}
	return len(o.End) != 0 && bytes.Equal(o.End, r.Start)
}

// Merge 合并两个相邻区间
func (r KeyRange) Merge(o KeyRange) (KeyRange, bool) {
	switch {
	case len(r.End) != 0 && bytes.Equal(r.End, o.Start):
		return KeyRange{Start: cloneBytes(r.Start), End: cloneBytes(o.End)}, true
	case len(o.End) != 0 && bytes.Equal(o.End, r.Start):
		return KeyRange{Start: cloneBytes(o.Start), End: cloneBytes(r.End)}, true
	default:
		return KeyRange{}, false
	}
}

// Covers 判断 r 是否完整覆盖 o
func (r KeyRange) Covers(o KeyRange) bool {
	if bytes.Compare(o.Start, r.Start) < 0 {
		return false
	}
	if len(r.End) == 0 {
		return true
	}
	return len(o.End) != 0 && bytes.Compare(o.End, r.End) <= 0
}

// Overlaps 判断两个区间是否有交集
func (r KeyRange) Overlaps(o KeyRange) bool {
	if len(r.End) != 0 && bytes.Compare(o.Start, r.End) >= 0 {
		return false
	}
	if len(o.End) != 0 && bytes.Compare(r.Start, o.End) >= 0 {
		return false
	}
	return true
}

// Equal 判断两个区间是否相同
func (r KeyRange) Equal(o KeyRange) bool {
	return bytes.Equal(r.Start, o.Start) && bytes.Equal(r.End, o.End)
}

// Clone 深拷贝区间
func (r KeyRange) Clone() KeyRange {
	return KeyRange{Start: cloneBytes(r.Start), End: cloneBytes(r.End)}
}

// String 返回可读表示
func (r KeyRange) String() string {
	end := "+inf"
	if len(r.End) != 0 {
		end = fmt.Sprintf("%q", r.End)
	}
	return fmt.Sprintf("[%q, %s)", r.Start, end)
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// KV 键值对
type KV struct {
	Key   []byte `codec:"k"`
	Value []byte `codec:"v"`
}
