package raftstore

import (
	"bytes"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/raftsim/pkg/logger"
	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/storage"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func openEngine(t *testing.T) *storage.Engine {
	t.Helper()
	e, err := storage.Open(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

type fsmFixture struct {
	engine *storage.Engine
	fsm    *regionFSM
	events *eventLog
	index  uint64
}

// newFSMFixture 节点 1 上区域 1 的状态机，区间为整个键空间
func newFSMFixture(t *testing.T) *fsmFixture {
	t.Helper()
	e := openEngine(t)
	require.NoError(t, e.SaveRegion(&storage.RegionMeta{
		ID:        1,
		Peers:     []meta.Peer{{ID: 1, Node: 1}, {ID: 2, Node: 2}},
		LocalPeer: 1,
	}))

	events := &eventLog{}
	f := newRegionFSM(1, 1, 1, e, DefaultConfig(), events.handle, logger.NewNoop())
	return &fsmFixture{engine: e, fsm: f, events: events}
}

func (x *fsmFixture) apply(t *testing.T, cmd *Command) *ApplyResult {
	t.Helper()
	x.index++
	data, err := EncodeCommand(cmd)
	require.NoError(t, err)
	res, ok := x.fsm.Apply(&raft.Log{Index: x.index, Term: 1, Type: raft.LogCommand, Data: data}).(*ApplyResult)
	require.True(t, ok)
	return res
}

func (x *fsmFixture) region(t *testing.T, id meta.GroupID) *storage.RegionMeta {
	t.Helper()
	r, ok, err := x.engine.Region(id)
	require.NoError(t, err)
	require.True(t, ok, "region %s missing", id)
	return r
}

func (x *fsmFixture) get(t *testing.T, key string) []byte {
	t.Helper()
	v, err := x.engine.Get([]byte(key))
	require.NoError(t, err)
	return v
}

func TestFSMPutDelete(t *testing.T) {
	x := newFSMFixture(t)

	res := x.apply(t, &Command{Type: CommandPut, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("v"), x.get(t, "k"))

	res = x.apply(t, &Command{Type: CommandDelete, Key: []byte("k")})
	require.NoError(t, res.Err)
	assert.Nil(t, x.get(t, "k"))
	assert.Equal(t, uint64(2), x.region(t, 1).AppliedIndex)
}

func TestFSMSkipsReplayedEntries(t *testing.T) {
	x := newFSMFixture(t)

	require.NoError(t, x.apply(t, &Command{Type: CommandPut, Key: []byte("k"), Value: []byte("v1")}).Err)
	require.NoError(t, x.apply(t, &Command{Type: CommandPut, Key: []byte("k"), Value: []byte("v2")}).Err)

	// 重放索引 1 不能覆盖索引 2 的结果
	data, err := EncodeCommand(&Command{Type: CommandPut, Key: []byte("k"), Value: []byte("v1")})
	require.NoError(t, err)
	res := x.fsm.Apply(&raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: data}).(*ApplyResult)
	require.NoError(t, res.Err)

	assert.Equal(t, []byte("v2"), x.get(t, "k"))
	assert.Equal(t, uint64(2), x.region(t, 1).AppliedIndex)
}

func TestFSMRejectsBadCommandButAdvances(t *testing.T) {
	x := newFSMFixture(t)

	x.index++
	res := x.fsm.Apply(&raft.Log{Index: x.index, Type: raft.LogCommand, Data: []byte{0xc1}}).(*ApplyResult)
	assert.True(t, errors.Is(res.Err, ErrInvalidCommand))
	assert.Equal(t, uint64(1), x.region(t, 1).AppliedIndex)
	assert.False(t, x.fsm.Halted())
}

func TestFSMSplitHostedChild(t *testing.T) {
	x := newFSMFixture(t)
	for _, k := range []string{"a", "m", "z"} {
		require.NoError(t, x.apply(t, &Command{Type: CommandPut, Key: []byte(k), Value: []byte(k)}).Err)
	}

	res := x.apply(t, &Command{
		Type:     CommandSplit,
		SplitKey: []byte("m"),
		NewGroup: 2,
		NewPeers: []meta.Peer{{ID: 3, Node: 1}, {ID: 4, Node: 2}},
	})
	require.NoError(t, res.Err)

	parent := x.region(t, 1)
	assert.True(t, parent.Range.Equal(meta.KeyRange{End: []byte("m")}))
	assert.Equal(t, uint64(1), parent.Version)
	require.Len(t, parent.Children, 1)
	assert.Equal(t, meta.GroupID(2), parent.Children[0].ID)

	child := x.region(t, 2)
	assert.True(t, child.Range.Equal(meta.KeyRange{Start: []byte("m")}))
	assert.Equal(t, storage.RegionPendingIngest, child.State)
	assert.Equal(t, meta.PeerID(3), child.LocalPeer)
	assert.True(t, child.Bootstrap)
	assert.True(t, child.Seeded)

	// 分裂后右半区数据保留给子区域
	assert.Equal(t, []byte("z"), x.get(t, "z"))

	ev := x.events.last()
	assert.Equal(t, EventSplitApplied, ev.Kind)
	require.NotNil(t, ev.Child)
	assert.Equal(t, meta.GroupID(2), ev.Child.ID)

	res = x.apply(t, &Command{Type: CommandPut, Key: []byte("z"), Value: []byte("late")})
	assert.True(t, errors.Is(res.Err, meta.ErrKeyNotInRange))
}

func TestFSMSplitNotHosted(t *testing.T) {
	x := newFSMFixture(t)
	require.NoError(t, x.apply(t, &Command{Type: CommandPut, Key: []byte("z"), Value: []byte("z")}).Err)

	res := x.apply(t, &Command{
		Type:     CommandSplit,
		SplitKey: []byte("m"),
		NewGroup: 2,
		NewPeers: []meta.Peer{{ID: 4, Node: 2}},
	})
	require.NoError(t, res.Err)

	_, ok, err := x.engine.Region(2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, x.get(t, "z"))
	assert.Nil(t, x.events.last().Child)
}

func TestFSMSplitRejectsBadKey(t *testing.T) {
	x := newFSMFixture(t)

	res := x.apply(t, &Command{Type: CommandSplit, SplitKey: nil, NewGroup: 2})
	assert.True(t, errors.Is(res.Err, meta.ErrTopology))

	require.NoError(t, x.apply(t, &Command{
		Type:     CommandSplit,
		SplitKey: []byte("m"),
		NewGroup: 2,
		NewPeers: []meta.Peer{{ID: 3, Node: 1}},
	}).Err)
	res = x.apply(t, &Command{Type: CommandSplit, SplitKey: []byte("c"), NewGroup: 2})
	assert.True(t, errors.Is(res.Err, meta.ErrInvalidState))
}

func TestFSMIngest(t *testing.T) {
	x := newFSMFixture(t)
	require.NoError(t, x.engine.SaveRegion(&storage.RegionMeta{
		ID:        1,
		Range:     meta.KeyRange{Start: []byte("m")},
		LocalPeer: 1,
		State:     storage.RegionPendingIngest,
	}))

	res := x.apply(t, &Command{Type: CommandPut, Key: []byte("n"), Value: []byte("x")})
	assert.True(t, errors.Is(res.Err, ErrRegionFrozen))

	res = x.apply(t, &Command{Type: CommandIngest, Data: []meta.KV{
		{Key: []byte("a"), Value: []byte("outside")},
		{Key: []byte("n"), Value: []byte("inherited")},
	}})
	require.NoError(t, res.Err)
	assert.Equal(t, storage.RegionNormal, x.region(t, 1).State)
	assert.Equal(t, []byte("inherited"), x.get(t, "n"))
	assert.Nil(t, x.get(t, "a"))
	assert.Equal(t, EventIngestApplied, x.events.last().Kind)

	require.NoError(t, x.apply(t, &Command{Type: CommandPut, Key: []byte("n"), Value: []byte("new")}).Err)

	// 重复的 ingest 不覆盖之后的写入
	res = x.apply(t, &Command{Type: CommandIngest, Data: []meta.KV{{Key: []byte("n"), Value: []byte("inherited")}}})
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("new"), x.get(t, "n"))
}

// oversizedKey 超过 bbolt 的键长度上限，写入必然失败
func oversizedKey(prefix string) []byte {
	return append([]byte(prefix), bytes.Repeat([]byte("x"), 40000)...)
}

func TestFSMIngestWriteFailureRollsBack(t *testing.T) {
	x := newFSMFixture(t)
	require.NoError(t, x.engine.SaveRegion(&storage.RegionMeta{
		ID:        1,
		Range:     meta.KeyRange{Start: []byte("m")},
		LocalPeer: 1,
		State:     storage.RegionPendingIngest,
	}))
	require.NoError(t, x.engine.Update(func(b *storage.Batch) error {
		return b.Put([]byte("p"), []byte("stale"))
	}))

	res := x.apply(t, &Command{Type: CommandIngest, Data: []meta.KV{
		{Key: []byte("n"), Value: []byte("inherited")},
		{Key: oversizedKey("o"), Value: []byte("boom")},
	}})
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, errWriteFailed))
	assert.False(t, x.fsm.Halted())

	// 写入与 DeleteRange 都被回滚，AppliedIndex 照常推进
	assert.Nil(t, x.get(t, "n"))
	assert.Equal(t, []byte("stale"), x.get(t, "p"))
	region := x.region(t, 1)
	assert.Equal(t, storage.RegionPendingIngest, region.State)
	assert.Equal(t, x.index, region.AppliedIndex)
	assert.NotContains(t, x.events.kinds(), EventIngestApplied)

	res = x.apply(t, &Command{Type: CommandIngest, Data: []meta.KV{{Key: []byte("n"), Value: []byte("inherited")}}})
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("inherited"), x.get(t, "n"))
	assert.Nil(t, x.get(t, "p"))
}

func TestFSMCommitMergeWriteFailureRollsBack(t *testing.T) {
	x := newFSMFixture(t)
	require.NoError(t, x.engine.SaveRegion(&storage.RegionMeta{
		ID:        1,
		Range:     meta.KeyRange{End: []byte("m")},
		LocalPeer: 1,
	}))

	res := x.apply(t, &Command{
		Type:        CommandCommitMerge,
		Source:      2,
		SourceRange: meta.KeyRange{Start: []byte("m")},
		Data: []meta.KV{
			{Key: []byte("n"), Value: []byte("2")},
			{Key: oversizedKey("q"), Value: []byte("boom")},
		},
	})
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, errWriteFailed))
	assert.False(t, x.fsm.Halted())

	region := x.region(t, 1)
	assert.True(t, region.Range.Equal(meta.KeyRange{End: []byte("m")}))
	assert.Equal(t, uint64(0), region.Version)
	assert.Equal(t, x.index, region.AppliedIndex)
	assert.Nil(t, x.get(t, "n"))
	assert.NotContains(t, x.events.kinds(), EventMergeCommitted)
}

func TestFSMMerge(t *testing.T) {
	x := newFSMFixture(t)
	require.NoError(t, x.engine.SaveRegion(&storage.RegionMeta{
		ID:        1,
		Range:     meta.KeyRange{End: []byte("m")},
		LocalPeer: 1,
	}))
	require.NoError(t, x.apply(t, &Command{Type: CommandPut, Key: []byte("a"), Value: []byte("1")}).Err)

	res := x.apply(t, &Command{
		Type:        CommandCommitMerge,
		Source:      2,
		SourceRange: meta.KeyRange{Start: []byte("m")},
		Data: []meta.KV{
			{Key: []byte("n"), Value: []byte("2")},
			{Key: []byte("b"), Value: []byte("ignored")},
		},
	})
	require.NoError(t, res.Err)

	region := x.region(t, 1)
	assert.True(t, region.Range.Equal(meta.FullRange()))
	assert.Equal(t, uint64(1), region.Version)
	assert.Equal(t, []byte("2"), x.get(t, "n"))
	assert.Nil(t, x.get(t, "b"))
	assert.Equal(t, EventMergeCommitted, x.events.last().Kind)
	assert.Equal(t, meta.GroupID(2), x.events.last().Source)

	// 已覆盖的源区间视为重复提交
	res = x.apply(t, &Command{Type: CommandCommitMerge, Source: 2, SourceRange: meta.KeyRange{Start: []byte("m")}})
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(1), x.region(t, 1).Version)
}

func TestFSMCommitMergeNotAdjacent(t *testing.T) {
	x := newFSMFixture(t)
	require.NoError(t, x.engine.SaveRegion(&storage.RegionMeta{
		ID:        1,
		Range:     meta.KeyRange{End: []byte("m")},
		LocalPeer: 1,
	}))

	res := x.apply(t, &Command{Type: CommandCommitMerge, Source: 3, SourceRange: meta.KeyRange{Start: []byte("p")}})
	assert.True(t, errors.Is(res.Err, meta.ErrNotAdjacent))
}

func TestFSMPrepareMerge(t *testing.T) {
	x := newFSMFixture(t)
	require.NoError(t, x.apply(t, &Command{Type: CommandPut, Key: []byte("k"), Value: []byte("v")}).Err)

	res := x.apply(t, &Command{Type: CommandPrepareMerge, Target: 9})
	require.NoError(t, res.Err)
	assert.Equal(t, storage.RegionMerging, x.region(t, 1).State)

	ev := x.events.last()
	assert.Equal(t, EventMergePrepared, ev.Kind)
	assert.Equal(t, meta.GroupID(9), ev.Target)
	require.Len(t, ev.Data, 1)

	res = x.apply(t, &Command{Type: CommandPut, Key: []byte("k"), Value: []byte("v2")})
	assert.True(t, errors.Is(res.Err, ErrRegionFrozen))

	// 再次 prepare 仍然上报数据
	require.NoError(t, x.apply(t, &Command{Type: CommandPrepareMerge, Target: 9}).Err)
	assert.Equal(t, EventMergePrepared, x.events.last().Kind)
}

func TestFSMStorageFaultHalts(t *testing.T) {
	x := newFSMFixture(t)
	x.engine.SetCommitHook(func() error { return errors.New("disk on fire") })

	res := x.apply(t, &Command{Type: CommandPut, Key: []byte("k"), Value: []byte("v")})
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, storage.ErrAborted))
	assert.True(t, x.fsm.Halted())
	assert.Equal(t, EventStorageFault, x.events.last().Kind)

	x.engine.SetCommitHook(nil)
	assert.Nil(t, x.get(t, "k"))
	assert.Equal(t, uint64(0), x.region(t, 1).AppliedIndex)

	res = x.apply(t, &Command{Type: CommandPut, Key: []byte("k"), Value: []byte("v")})
	assert.True(t, errors.Is(res.Err, ErrFSMHalted))

	_, err := x.fsm.Snapshot()
	assert.True(t, errors.Is(err, ErrFSMHalted))
}

func TestFSMStoreConfiguration(t *testing.T) {
	x := newFSMFixture(t)
	conf := ConfigurationFromPeers([]meta.Peer{{ID: 1, Node: 1}, {ID: 5, Node: 3}})

	x.fsm.StoreConfiguration(3, conf)
	region := x.region(t, 1)
	assert.Equal(t, uint64(3), region.AppliedIndex)
	assert.Equal(t, []meta.Peer{{ID: 1, Node: 1}, {ID: 5, Node: 3}}, region.Peers)

	ev := x.events.last()
	assert.Equal(t, EventConfChangeCommitted, ev.Kind)
	assert.Equal(t, uint64(3), ev.Index)

	// 旧的配置不回退
	x.fsm.StoreConfiguration(2, ConfigurationFromPeers([]meta.Peer{{ID: 1, Node: 1}}))
	assert.Len(t, x.region(t, 1).Peers, 2)
	assert.Len(t, x.events.kinds(), 1)
}

func TestFSMSnapshotRestore(t *testing.T) {
	src := newFSMFixture(t)
	require.NoError(t, src.apply(t, &Command{Type: CommandPut, Key: []byte("a"), Value: []byte("1")}).Err)
	require.NoError(t, src.apply(t, &Command{Type: CommandPut, Key: []byte("x"), Value: []byte("2")}).Err)
	require.NoError(t, src.apply(t, &Command{
		Type:     CommandSplit,
		SplitKey: []byte("m"),
		NewGroup: 2,
		NewPeers: []meta.Peer{{ID: 3, Node: 1}, {ID: 4, Node: 2}},
	}).Err)

	snap, err := src.fsm.Snapshot()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, snap.(*regionSnapshot).writeTo(&buf))
	snap.Release()

	// 节点 2 上的副本从快照恢复，本地旧数据被替换
	dst := openEngine(t)
	require.NoError(t, dst.SaveRegion(&storage.RegionMeta{ID: 1, LocalPeer: 2}))
	require.NoError(t, dst.Update(func(b *storage.Batch) error {
		return b.Put([]byte("stale"), []byte("old"))
	}))
	events := &eventLog{}
	f := newRegionFSM(2, 1, 2, dst, DefaultConfig(), events.handle, logger.NewNoop())
	require.NoError(t, f.Restore(io.NopCloser(&buf)))

	region, ok, err := dst.Region(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meta.PeerID(2), region.LocalPeer)
	assert.Equal(t, uint64(3), region.AppliedIndex)
	assert.True(t, region.Range.Equal(meta.KeyRange{End: []byte("m")}))

	v, err := dst.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	v, err = dst.Get([]byte("stale"))
	require.NoError(t, err)
	assert.Nil(t, v)

	child, ok, err := dst.Region(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meta.PeerID(4), child.LocalPeer)
	assert.Equal(t, storage.RegionPendingIngest, child.State)
	assert.False(t, child.Seeded)
	assert.Equal(t, []EventKind{EventSplitApplied}, events.kinds())
}
