// Package storage 基于 bbolt 的节点存储引擎
//
// 每个节点一个 Engine，所有区域共享 data bucket，区域之间的键区间互不相交。
// 区域元数据与数据写入在同一个 bolt 事务中提交，单条 raft 日志的应用是原子的。
package storage

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/lk2023060901/raftsim/pkg/meta"
)

var (
	bucketData    = []byte("data")
	bucketRegions = []byte("regions")
)

// ErrAborted 提交前被故障注入中止，事务已回滚
var ErrAborted = errors.New("storage: transaction aborted")

// CommitHook 在 Apply 事务提交前调用，返回错误时事务回滚
type CommitHook func() error

// Engine 节点存储引擎
type Engine struct {
	path string
	db   *bolt.DB

	mu   sync.RWMutex
	hook CommitHook
}

// Open 打开或创建引擎
func Open(path string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create engine dir")
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open engine %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketData); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketRegions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}

	return &Engine{path: path, db: db}, nil
}

// Path 数据文件路径
func (e *Engine) Path() string {
	return e.path
}

// SetCommitHook 设置提交前钩子，nil 表示清除
func (e *Engine) SetCommitHook(h CommitHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = h
}

func (e *Engine) commitHook() CommitHook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hook
}

// Close 关闭引擎
func (e *Engine) Close() error {
	return e.db.Close()
}

// Update 在一个读写事务中执行 fn；fn 返回错误时全部回滚
func (e *Engine) Update(fn func(b *Batch) error) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return fn(&Batch{tx: tx})
	})
}

// Apply 执行状态机应用日志的事务，提交前调用提交钩子
// fn 或钩子返回错误时全部回滚，钩子错误标记为 ErrAborted。
func (e *Engine) Apply(fn func(b *Batch) error) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		if err := fn(&Batch{tx: tx}); err != nil {
			return err
		}
		if hook := e.commitHook(); hook != nil {
			if err := hook(); err != nil {
				return errors.Mark(errors.Wrap(err, "commit hook"), ErrAborted)
			}
		}
		return nil
	})
}

// View 在一个只读事务中执行 fn
func (e *Engine) View(fn func(b *Batch) error) error {
	return e.db.View(func(tx *bolt.Tx) error {
		return fn(&Batch{tx: tx})
	})
}

// Get 读取 key，不存在时返回 nil
func (e *Engine) Get(key []byte) ([]byte, error) {
	var out []byte
	err := e.View(func(b *Batch) error {
		out = b.Get(key)
		return nil
	})
	return out, err
}

// Scan 按键序返回区间内所有键值对
func (e *Engine) Scan(r meta.KeyRange) ([]meta.KV, error) {
	var out []meta.KV
	err := e.View(func(b *Batch) error {
		out = b.Scan(r)
		return nil
	})
	return out, err
}

// Region 读取区域元数据
func (e *Engine) Region(id meta.GroupID) (*RegionMeta, bool, error) {
	var (
		m  *RegionMeta
		ok bool
	)
	err := e.View(func(b *Batch) error {
		var err error
		m, ok, err = b.Region(id)
		return err
	})
	return m, ok, err
}

// Regions 返回所有区域元数据，按 ID 升序
func (e *Engine) Regions() ([]*RegionMeta, error) {
	var out []*RegionMeta
	err := e.View(func(b *Batch) error {
		c := b.tx.Bucket(bucketRegions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			m, err := decodeRegion(v)
			if err != nil {
				return errors.Wrapf(err, "decode region %x", k)
			}
			out = append(out, m)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// SaveRegion 写入区域元数据
func (e *Engine) SaveRegion(m *RegionMeta) error {
	return e.Update(func(b *Batch) error {
		return b.SaveRegion(m)
	})
}

// DeleteRegion 删除区域元数据
// clearData 为真时同时删除区间内不属于本节点其他活跃区域的数据。
func (e *Engine) DeleteRegion(id meta.GroupID, clearData bool) error {
	return e.Update(func(b *Batch) error {
		m, ok, err := b.Region(id)
		if err != nil || !ok {
			return err
		}
		if clearData {
			others, err := b.otherRegions(id)
			if err != nil {
				return err
			}
			b.deleteUnowned(m.Range, others)
		}
		return b.DeleteRegion(id)
	})
}

// ApplySnapshot 用快照内容替换区域的数据与元数据
// created 为随快照一起建立的区域，先于数据替换写入；本节点上其他活跃区域拥有的键不受影响。
func (e *Engine) ApplySnapshot(m *RegionMeta, kvs []meta.KV, created ...*RegionMeta) error {
	return e.Update(func(b *Batch) error {
		for _, c := range created {
			if err := b.SaveRegion(c); err != nil {
				return err
			}
		}
		others, err := b.otherRegions(m.ID)
		if err != nil {
			return err
		}
		if old, ok, err := b.Region(m.ID); err != nil {
			return err
		} else if ok {
			b.deleteUnowned(old.Range, others)
		}
		b.deleteUnowned(m.Range, others)
		for _, kv := range kvs {
			if !m.Range.Contains(kv.Key) {
				continue
			}
			if err := b.Put(kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return b.SaveRegion(m)
	})
}

// Batch 事务内的读写句柄，只在 Update/View 回调中有效
type Batch struct {
	tx *bolt.Tx
}

// Get 读取 key；返回值是拷贝
func (b *Batch) Get(key []byte) []byte {
	v := b.tx.Bucket(bucketData).Get(key)
	if v == nil {
		return nil
	}
	return append([]byte(nil), v...)
}

// Put 写入键值
func (b *Batch) Put(key, value []byte) error {
	if len(key) == 0 {
		return errors.New("storage: empty key")
	}
	return b.tx.Bucket(bucketData).Put(key, value)
}

// Delete 删除键
func (b *Batch) Delete(key []byte) error {
	return b.tx.Bucket(bucketData).Delete(key)
}

// Scan 按键序返回区间内所有键值对
func (b *Batch) Scan(r meta.KeyRange) []meta.KV {
	var out []meta.KV
	c := b.tx.Bucket(bucketData).Cursor()
	k, v := c.First()
	if len(r.Start) > 0 {
		k, v = c.Seek(r.Start)
	}
	for ; k != nil; k, v = c.Next() {
		if len(r.End) > 0 && bytes.Compare(k, r.End) >= 0 {
			break
		}
		out = append(out, meta.KV{
			Key:   append([]byte(nil), k...),
			Value: append([]byte(nil), v...),
		})
	}
	return out
}

// DeleteRange 删除区间内所有键，返回删除数量
func (b *Batch) DeleteRange(r meta.KeyRange) int {
	kvs := b.Scan(r)
	bucket := b.tx.Bucket(bucketData)
	for _, kv := range kvs {
		_ = bucket.Delete(kv.Key)
	}
	return len(kvs)
}

func (b *Batch) otherRegions(self meta.GroupID) ([]*RegionMeta, error) {
	var out []*RegionMeta
	c := b.tx.Bucket(bucketRegions).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		m, err := decodeRegion(v)
		if err != nil {
			return nil, errors.Wrapf(err, "decode region %x", k)
		}
		if m.ID != self && m.Active() {
			out = append(out, m)
		}
	}
	return out, nil
}

// deleteUnowned 删除区间内不属于 owners 任一区域的键
func (b *Batch) deleteUnowned(r meta.KeyRange, owners []*RegionMeta) {
	bucket := b.tx.Bucket(bucketData)
	for _, kv := range b.Scan(r) {
		owned := false
		for _, o := range owners {
			if o.Range.Contains(kv.Key) {
				owned = true
				break
			}
		}
		if !owned {
			_ = bucket.Delete(kv.Key)
		}
	}
}

// Region 读取区域元数据
func (b *Batch) Region(id meta.GroupID) (*RegionMeta, bool, error) {
	v := b.tx.Bucket(bucketRegions).Get(regionKey(id))
	if v == nil {
		return nil, false, nil
	}
	m, err := decodeRegion(v)
	if err != nil {
		return nil, false, errors.Wrapf(err, "decode region %s", id)
	}
	return m, true, nil
}

// SaveRegion 写入区域元数据
func (b *Batch) SaveRegion(m *RegionMeta) error {
	data, err := encodeRegion(m)
	if err != nil {
		return errors.Wrapf(err, "encode region %s", m.ID)
	}
	return b.tx.Bucket(bucketRegions).Put(regionKey(m.ID), data)
}

// DeleteRegion 删除区域元数据
func (b *Batch) DeleteRegion(id meta.GroupID) error {
	return b.tx.Bucket(bucketRegions).Delete(regionKey(id))
}

func regionKey(id meta.GroupID) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}
